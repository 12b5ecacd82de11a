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
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/scraperwall/warden/data"
	"github.com/scraperwall/warden/metrics"
	log "github.com/sirupsen/logrus"
)

// Replies of the web server socket
const (
	wssOK        = "OK"
	wssBlock     = "BLOCK"
	wssChallenge = "CHALLENGE"
	wssLimit     = "LIMIT"
)

// socketRequest is a request as described by a web server module, one JSON object per line
type socketRequest struct {
	URL       string            `json:"url"`
	IP        string            `json:"ip"`
	Xff       string            `json:"xff"`
	Cookies   string            `json:"cookies"`
	Useragent string            `json:"useragent"`
	Referer   string            `json:"referer"`
	User      string            `json:"user"`
	Headers   map[string]string `json:"headers"`
	Method    string            `json:"method"`
}

// WebserverSocket answers admission queries of web server modules on a unix socket.
// Every line a client sends is a JSON encoded request; the reply is a single line:
// OK, CHALLENGE, BLOCK or LIMIT followed by the seconds to wait
type WebserverSocket struct {
	listener        net.Listener
	warden          *Warden
	privateIPBlocks []*net.IPNet
	conns           map[net.Conn]struct{}
	closeOnce       sync.Once
	mutex           sync.Mutex
}

// NewWebserverSocket listens on the unix socket at path until ctx is done
func NewWebserverSocket(ctx context.Context, w *Warden, path string) (*WebserverSocket, error) {
	wss := &WebserverSocket{
		warden: w,
		conns:  make(map[net.Conn]struct{}),
	}

	for _, cidr := range []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
		"::1/128",        // IPv6 loopback
		"fe80::/10",      // IPv6 link-local
		"fc00::/7",       // IPv6 unique local addr
	} {
		_, netBlock, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("parse error on %q: %w", cidr, err)
		}
		wss.privateIPBlocks = append(wss.privateIPBlocks, netBlock)
	}

	var err error
	wss.listener, err = net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("web server socket %s: %w", path, err)
	}
	log.Infof("web server socket listening on %s", path)

	go wss.run()
	go func() {
		<-ctx.Done()
		wss.Close()
	}()

	return wss, nil
}

// Addr returns the socket address
func (wss *WebserverSocket) Addr() net.Addr {
	return wss.listener.Addr()
}

// Close stops the listener, disconnects all clients and removes the socket file
func (wss *WebserverSocket) Close() error {
	var err error
	wss.closeOnce.Do(func() {
		log.Infof("closing web server socket %s", wss.listener.Addr())
		err = wss.listener.Close()

		wss.mutex.Lock()
		for conn := range wss.conns {
			conn.Close()
		}
		wss.mutex.Unlock()
	})
	return err
}

func (wss *WebserverSocket) run() {
	for {
		conn, err := wss.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Errorf("accept error: %s", err)
			}
			return
		}

		wss.mutex.Lock()
		wss.conns[conn] = struct{}{}
		wss.mutex.Unlock()

		go wss.serve(conn)
	}
}

func (wss *WebserverSocket) serve(conn net.Conn) {
	defer func() {
		conn.Close()
		wss.mutex.Lock()
		delete(wss.conns, conn)
		wss.mutex.Unlock()
		log.Debugf("web server socket connection closed")
	}()

	log.Debugf("client connected [%s]", conn.RemoteAddr().Network())

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		reply := wss.handle(scanner.Bytes())
		if _, err := writer.WriteString(reply + "\n"); err != nil {
			log.Debugf("web server socket write: %s", err)
			return
		}
		if err := writer.Flush(); err != nil {
			log.Debugf("web server socket flush: %s", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debugf("web server socket read: %s", err)
	}
}

// handle decides a single request line
func (wss *WebserverSocket) handle(line []byte) string {
	var sr socketRequest
	if err := json.Unmarshal(line, &sr); err != nil {
		log.Warnf("%s isn't valid: %s", line, err)
		metrics.IncDegraded("socket")
		return wss.reply(wss.warden.failPolicy("socket", "invalid request line"))
	}

	ips := wss.clientIPs(sr.IP, sr.Xff)
	if len(ips) == 0 {
		log.Debugf("no valid client address in ip %q / xff %q", sr.IP, sr.Xff)
		metrics.IncDegraded("socket")
		return wss.reply(wss.warden.failPolicy("socket", "invalid client address"))
	}

	r := &data.RequestEvent{
		IP:        ips[0].String(),
		Method:    sr.Method,
		Host:      sr.Headers["host"],
		UserAgent: sr.Useragent,
		Referrer:  sr.Referer,
		User:      sr.User,
		Source:    "socket",
	}
	if u, err := url.ParseRequestURI(sr.URL); err == nil {
		r.Path = u.Path
		r.Query = u.RawQuery
		if len(u.Query()) > 0 {
			r.Params = make(map[string]string)
			for k, v := range u.Query() {
				r.Params[k] = v[0]
			}
		}
	} else {
		r.Path = sr.URL
	}

	if cookie := wss.warden.cookie; cookie != nil && sr.Cookies != "" && cookie.Valid(sr.Cookies, ips) {
		if err := wss.warden.PassChallenge(r.IP); err != nil {
			log.Debugf("challenge cookie of %s: %s", r.IP, err)
		}
	}

	d := wss.warden.Evaluate(context.Background(), r)
	if d.Allow {
		// web server modules never report the response status
		wss.warden.Complete(r, 0)
	}
	return wss.reply(d)
}

func (wss *WebserverSocket) reply(d data.SecurityDecision) string {
	switch {
	case d.Allow:
		return wssOK
	case d.Outcome == data.OutcomeChallenged:
		return wssChallenge
	case d.Reason == data.ReasonRateLimited || d.Reason == data.ReasonDDoSBlocked:
		secs := int(math.Ceil(d.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		return fmt.Sprintf("%s %d", wssLimit, secs)
	default:
		return wssBlock
	}
}

// clientIPs returns the public X-Forwarded-For addresses followed by the remote address
func (wss *WebserverSocket) clientIPs(remote, xff string) []net.IP {
	var ips []net.IP
	for _, x := range strings.Split(xff, ",") {
		if parsedIP := net.ParseIP(strings.TrimSpace(x)); parsedIP != nil && !wss.isPrivateIP(parsedIP) {
			ips = append(ips, parsedIP)
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(remote)); ip != nil {
		ips = append(ips, ip)
	}
	return ips
}

func (wss *WebserverSocket) isPrivateIP(ip net.IP) bool {
	if !wss.warden.config.IgnorePrivateIPs {
		return false
	}
	for _, block := range wss.privateIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
