package reputation

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// maxFeedSize caps the body of a single threat feed download
const maxFeedSize = 32 << 20

// FeedRefresher folds remote IP/CIDR blocklists into the blacklist
type FeedRefresher struct {
	store    *Store
	client   *http.Client
	mutex    sync.RWMutex
	urls     []string
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewFeedRefresher creates a refresher for urls. A nil client uses a client with a 30s timeout
func NewFeedRefresher(s *Store, urls []string, client *http.Client) *FeedRefresher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	f := &FeedRefresher{
		store:    s,
		client:   client,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	f.SetURLs(urls)
	return f
}

// SetURLs replaces the list of feeds. Entries of feeds that are no longer
// configured are removed from the blacklist
func (f *FeedRefresher) SetURLs(urls []string) {
	f.mutex.Lock()
	old := f.urls
	f.urls = append([]string(nil), urls...)
	f.mutex.Unlock()

	keep := make(map[string]bool, len(urls))
	for _, u := range urls {
		keep[u] = true
	}
	for _, u := range old {
		if !keep[u] {
			f.store.SyncSource(Blacklist, feedSource(u), nil, nil, "")
		}
	}
}

// URLs returns the configured feeds
func (f *FeedRefresher) URLs() []string {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return append([]string(nil), f.urls...)
}

// Refresh downloads all feeds. A failing feed keeps its previous entries
func (f *FeedRefresher) Refresh(ctx context.Context) error {
	var errs []error
	for _, u := range f.URLs() {
		body, err := f.breaker(u).Execute(func() (interface{}, error) {
			return f.fetch(ctx, u)
		})
		if err != nil {
			log.Warnf("threat feed %s: %s", u, err)
			errs = append(errs, fmt.Errorf("feed %s: %w", u, err))
			continue
		}

		ips, cidrs, invalid := ParseFeed(strings.NewReader(body.(string)))
		added, removed := f.store.SyncSource(Blacklist, feedSource(u), ips, cidrs, "threat feed "+u)
		log.Infof("threat feed %s: %d addresses, %d networks, %d invalid lines (+%d/-%d)", u, len(ips), len(cidrs), invalid, added, removed)
	}
	return errors.Join(errs...)
}

func (f *FeedRefresher) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (f *FeedRefresher) breaker(url string) *gobreaker.CircuitBreaker {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if cb, ok := f.breakers[url]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        url,
		MaxRequests: 1,
		Timeout:     15 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("threat feed %s circuit %s -> %s", name, from, to)
		},
	})
	f.breakers[url] = cb
	return cb
}

// ParseFeed reads one IP address or CIDR per line. Everything after a # or ; is a comment,
// and only the first field of a line is used
func ParseFeed(r io.Reader) (ips, cidrs []string, invalid int) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexAny(line, "#;"); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		entry := fields[0]
		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil {
				cidrs = append(cidrs, network.String())
				continue
			}
		} else if ip := net.ParseIP(entry); ip != nil {
			ips = append(ips, ip.String())
			continue
		}
		invalid++
	}
	return ips, cidrs, invalid
}

func feedSource(url string) string {
	return "feed:" + url
}
