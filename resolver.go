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
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/miekg/dns"
	"github.com/scraperwall/warden/data"
	"github.com/scraperwall/warden/metrics"
	"github.com/scraperwall/warden/store"
	log "github.com/sirupsen/logrus"
)

var nsResolve = []byte("rl")

const (
	resolverQueueSize = 10000
	resolverMaxTries  = 3
)

// IPResolv contains an IP address and its reverse hostname
type IPResolv struct {
	IP       net.IP    `json:"ip"`
	Host     string    `json:"host"`
	Verified bool      `json:"verified"`
	Err      string    `json:"err,omitempty"`
	Tries    int       `json:"tries"`
	TStart   time.Time `json:"tstart"`
	TEnd     time.Time `json:"tend"`
}

// NewIPResolv creates a new IP that needs to be resolved
func NewIPResolv(ip net.IP) *IPResolv {
	return &IPResolv{
		IP:     ip,
		TStart: time.Now(),
	}
}

// TimeTaken returns the amount of time it has taken to resolve the IP
func (rip *IPResolv) TimeTaken() time.Duration {
	if rip.TEnd.After(rip.TStart) {
		return rip.TEnd.Sub(rip.TStart)
	}
	return time.Since(rip.TStart)
}

type resolvCache struct {
	Host     string `json:"host"`
	Verified bool   `json:"verified"`
}

// Resolver looks up the PTR records of client addresses and confirms them with a
// forward lookup. Results are cached in the key/value store
type Resolver struct {
	server     string
	workers    int
	ttl        time.Duration
	kv         store.KVStore
	onResolved func(*IPResolv)
	client     *dns.Client
	queue      chan *IPResolv
	pending    sync.Map
}

// NewResolver creates a resolver that queries server. onResolved is called from the
// worker goroutines for every address that has been looked up. kv may be nil
func NewResolver(server string, workers int, ttl time.Duration, kv store.KVStore, onResolved func(*IPResolv)) *Resolver {
	if workers <= 0 {
		workers = 1
	}
	return &Resolver{
		server:     server,
		workers:    workers,
		ttl:        ttl,
		kv:         kv,
		onResolved: onResolved,
		client:     &dns.Client{Timeout: 2500 * time.Millisecond},
		queue:      make(chan *IPResolv, resolverQueueSize),
	}
}

// Start launches the workers. They exit when ctx is done
func (r *Resolver) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		go r.worker(ctx, i)
	}
}

// Enqueue schedules ip for a lookup. It returns false if ip is already queued or
// the queue is full
func (r *Resolver) Enqueue(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if _, loaded := r.pending.LoadOrStore(ip.String(), true); loaded {
		return false
	}
	if !r.push(NewIPResolv(ip)) {
		r.pending.Delete(ip.String())
		return false
	}
	return true
}

func (r *Resolver) push(rip *IPResolv) bool {
	select {
	case r.queue <- rip:
		return true
	default:
		metrics.IncResolver("dropped")
		return false
	}
}

func (r *Resolver) worker(ctx context.Context, id int) {
	count := 0
	for {
		select {
		case <-ctx.Done():
			log.Tracef("resolver worker #%d exiting", id)
			return
		case rip := <-r.queue:
			count++
			log.Tracef("worker %d #%d - resolving %s", id, count, rip.IP)
			r.process(rip)
		}
	}
}

func (r *Resolver) process(rip *IPResolv) {
	if err := r.Resolve(rip); err != nil {
		rip.Tries++
		rip.Err = err.Error()
		if rip.Tries < resolverMaxTries && r.push(rip) {
			log.Tracef("try #%d %s: %s", rip.Tries, rip.IP, err)
			return
		}
		log.Debugf("giving up on %s after %d tries: %s", rip.IP, rip.Tries, err)
	}
	r.pending.Delete(rip.IP.String())

	rip.TEnd = time.Now()
	if r.onResolved != nil {
		r.onResolved(rip)
	}
}

// Resolve fills in the verified hostname of rip, from the cache if possible
func (r *Resolver) Resolve(rip *IPResolv) error {
	key := []byte(rip.IP.String())

	if r.kv != nil {
		b, err := r.kv.Get(nsResolve, key)
		switch {
		case err == nil:
			var c resolvCache
			if err := json.Unmarshal(b, &c); err == nil {
				rip.Host, rip.Verified = c.Host, c.Verified
				metrics.IncResolver("cached")
				return nil
			}
		case !errors.Is(err, store.ErrNotFound):
			log.Warnf("resolver cache %s: %s", rip.IP, err)
		}
	}

	host, err := r.reverseDNSLookup(rip.IP)
	if err != nil {
		metrics.IncResolver("error")
		return err
	}
	rip.Host = host
	rip.Verified = false
	if host == "" {
		metrics.IncResolver("unresolved")
	} else {
		metrics.IncResolver("resolved")
		rip.Verified, err = r.confirm(host, rip.IP)
		if err != nil {
			log.Debugf("forward lookup of %s: %s", host, err)
		}
	}

	if r.kv != nil {
		b, _ := json.Marshal(resolvCache{Host: rip.Host, Verified: rip.Verified})
		if err := r.kv.SetEx(nsResolve, key, b, r.ttl); err != nil {
			log.Errorf("failed to write %s (%s) to the cache: %s", rip.IP, rip.Host, err)
		}
	}
	return nil
}

// reverseDNSLookup returns the PTR name of ip without the trailing dot. The name is
// empty if ip has no PTR record
func (r *Resolver) reverseDNSLookup(ip net.IP) (string, error) {
	if ip == nil {
		return "", fmt.Errorf("ip is nil")
	}

	reverse, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return "", err
	}

	m := new(dns.Msg)
	m.SetQuestion(reverse, dns.TypePTR)
	resp, _, err := r.client.Exchange(m, r.server)
	if err != nil {
		return "", fmt.Errorf("dns exchange for %s: %w", ip, err)
	}
	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return "", fmt.Errorf("dns lookup for %s: %s", ip, dns.RcodeToString[resp.Rcode])
	}

	for _, rr := range resp.Answer {
		if t, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(t.Ptr, "."), nil
		}
	}
	return "", nil
}

// confirm reports whether host resolves back to ip
func (r *Resolver) confirm(host string, ip net.IP) (bool, error) {
	qtype := dns.TypeAAAA
	if ip.To4() != nil {
		qtype = dns.TypeA
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	resp, _, err := r.client.Exchange(m, r.server)
	if err != nil {
		return false, err
	}

	for _, rr := range resp.Answer {
		switch t := rr.(type) {
		case *dns.A:
			if t.A.Equal(ip) {
				return true, nil
			}
		case *dns.AAAA:
			if t.AAAA.Equal(ip) {
				return true, nil
			}
		}
	}
	return false, nil
}

// onResolved enriches the reputation record of a resolved address and whitelists
// it if its confirmed hostname matches a client host rule
func (w *Warden) onResolved(rip *IPResolv) {
	ip := rip.IP.String()
	meta, hasMeta := w.meta.Lookup(rip.IP)

	w.reputation.Enrich(ip, func(rec *data.IPRecord) {
		rec.Hostname = rip.Host
		if hasMeta {
			rec.ASN = meta.ASN
			rec.Org = meta.Org
			rec.Network = meta.Network
		}
		rec.Enriched = true
	})

	if rip.Host == "" || !rip.Verified {
		return
	}
	ok, descr := w.rules.Load().WhitelistedHost(rip.Host)
	if !ok {
		return
	}
	if err := w.reputation.WhitelistVerified(ip, rip.Host, descr); err != nil {
		log.Warnf("whitelisting %s (%s): %s", ip, rip.Host, err)
		return
	}
	log.Infof("%s (%s) whitelisted: %s", ip, rip.Host, descr)
}
