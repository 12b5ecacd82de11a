/*
	warden - adaptive request admission control by ScraperWall
	Copyright (C) 2021 ScraperWall, Tobias von Dewitz <tobias@scraperwall.com>

	This program is free software: you can redistribute it and/or modify it
	under the terms of the GNU Affero General Public License as published by
	the Free Software Foundation, either version 3 of the License, or (at your
	option) any later version.

	This program is distributed in the hope that it will be useful, but WITHOUT
	ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
	FITNESS FOR A PARTICULAR PURPOSE. See the GNU Affero General Public License
	for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program. If not, see <https://www.gnu.org/licenses/>.
*/

package warden

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/satyrius/gonx"
	"github.com/scraperwall/warden/data"
	log "github.com/sirupsen/logrus"
)

// DefaultLogFormat is the nginx combined log format
const DefaultLogFormat = `$remote_addr - $remote_user [$time_local] "$request" $status $body_bytes_sent "$http_referer" "$http_user_agent"`

var (
	reqRegexp       = regexp.MustCompile(`^([A-Z]+)\s+(.+?)\s+(HTTP/\d+\.\d+)$`)
	anonymizeRegexp = regexp.MustCompile(`[A-Za-z0-9]`)
)

// LogReplay feeds the requests of an access log into the passive analysis. The
// request times are spread evenly over the stats windows ending now. It returns the
// number of replayed requests
func (w *Warden) LogReplay(ctx context.Context, logfile, format string, anonymize bool) (int, error) {
	fh, err := os.Open(logfile)
	if err != nil {
		return 0, fmt.Errorf("log replay: %w", err)
	}
	defer fh.Close()

	lines := 0
	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		lines++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("log replay %s: %w", logfile, err)
	}
	if lines == 0 {
		return 0, nil
	}
	if _, err := fh.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	tOffset := w.config.WindowSize * time.Duration(w.config.NumWindows)
	tStart := w.now().Add(-tOffset)
	timePerLine := tOffset / time.Duration(lines)
	log.Infof("replaying %s: %d lines, %v per line", logfile, lines, timePerLine)

	if format == "" {
		format = DefaultLogFormat
	}
	p := gonx.NewParser(format)

	replayed := 0
	scanner = bufio.NewScanner(fh)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return replayed, ctx.Err()
		}

		ts := tStart
		tStart = tStart.Add(timePerLine)

		r, err := w.parseLogEntry(p, scanner.Text(), anonymize)
		if err != nil {
			log.Tracef("log replay: %s", err)
			continue
		}
		r.Time = ts

		w.Observe(r)
		replayed++
	}
	if err := scanner.Err(); err != nil {
		return replayed, fmt.Errorf("log replay %s: %w", logfile, err)
	}

	log.Infof("replayed %d of %d lines from %s", replayed, lines, logfile)
	return replayed, nil
}

func (w *Warden) parseLogEntry(p *gonx.Parser, line string, anonymize bool) (*data.RequestEvent, error) {
	logEntry, err := p.ParseString(line)
	if err != nil {
		return nil, err
	}

	remote, err := logEntry.Field("remote_addr")
	if err != nil {
		return nil, err
	}
	if xff, err := logEntry.Field("http_x_forwarded_for"); err == nil && xff != "" && xff != "-" {
		remote = xff
	}
	// only use the first host in case there are multiple hosts in the log
	if cidx := strings.Index(remote, ","); cidx >= 0 {
		remote = remote[0:cidx]
	}
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return nil, fmt.Errorf("empty remote address")
	}

	httpRequest, err := logEntry.Field("request")
	if err != nil {
		return nil, err
	}
	reqData := reqRegexp.FindStringSubmatch(httpRequest)
	if len(reqData) < 4 {
		return nil, fmt.Errorf("invalid request %q", httpRequest)
	}

	reqURL := reqData[2]
	if anonymize {
		reqURL = anonymizeURL(reqURL)
	}

	host, err := logEntry.Field("host")
	if err != nil || host == "" || anonymize {
		host = "scw.test"
	}

	r := &data.RequestEvent{
		IP:     remote,
		Method: reqData[1],
		Host:   host,
		Path:   reqURL,
		Source: "replay",
	}
	if ua, err := logEntry.Field("http_user_agent"); err == nil && ua != "-" {
		r.UserAgent = ua
	}
	if ref, err := logEntry.Field("http_referer"); err == nil && ref != "-" {
		r.Referrer = ref
	}
	if status, err := logEntry.Field("status"); err == nil {
		r.Status, _ = strconv.Atoi(status)
	}
	return r, nil
}

// anonymizeURL replaces all letters and digits of the path and query with x. The
// file extension is kept
func anonymizeURL(in string) string {
	uri, err := url.Parse(in)
	if err != nil {
		return anonymizeRegexp.ReplaceAllString(in, "x")
	}

	var path string
	if dotIdx := strings.LastIndex(uri.Path, "."); dotIdx > -1 {
		path = anonymizeRegexp.ReplaceAllString(uri.Path[0:dotIdx], "x") + "." + uri.Path[dotIdx+1:]
	} else {
		path = anonymizeRegexp.ReplaceAllString(uri.Path, "x")
	}

	if len(uri.RawQuery) > 0 {
		path = path + "?" + anonymizeRegexp.ReplaceAllString(uri.RawQuery, "x")
	}
	return path
}
