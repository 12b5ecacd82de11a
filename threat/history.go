package threat

import (
	"container/list"
	"sync"
	"time"

	"github.com/scraperwall/warden/data"
	log "github.com/sirupsen/logrus"
)

// History contains the most recent requests and the active threats of every IP.
// The number of requests per IP is limited by size, requests older than maxAge
// and threats older than threatAge expire
type History struct {
	size      int
	maxAge    time.Duration
	threatAge time.Duration
	now       func() time.Time
	ips       sync.Map
}

type ipHistory struct {
	mutex    sync.Mutex
	requests *list.List
	threats  []*data.ThreatIndicator
	lastSeen time.Time
	dead     bool
}

// NewHistory creates a new History
func NewHistory(size int, maxAge, threatAge time.Duration, now func() time.Time) *History {
	if size <= 0 {
		size = 500
	}
	if now == nil {
		now = time.Now
	}
	return &History{
		size:      size,
		maxAge:    maxAge,
		threatAge: threatAge,
		now:       now,
	}
}

// Add adds a single request to the history of its IP
func (h *History) Add(r *data.RequestEvent) {
	h.update(r.IP, func(ih *ipHistory) {
		ih.requests.PushFront(r)
		if ih.requests.Len() > h.size {
			ih.requests.Remove(ih.requests.Back())
		}
		if r.Time.After(ih.lastSeen) {
			ih.lastSeen = r.Time
		}
	})
}

// Complete replaces r with a copy that carries the response status and returns the copy.
// Requests that already left the history are not added again
func (h *History) Complete(r *data.RequestEvent, status int) *data.RequestEvent {
	done := r.WithStatus(status)
	h.update(r.IP, func(ih *ipHistory) {
		for e := ih.requests.Front(); e != nil; e = e.Next() {
			if e.Value.(*data.RequestEvent) == r {
				e.Value = done
				return
			}
		}
	})
	return done
}

// Recent returns the requests of ip that are younger than maxAge, oldest first
func (h *History) Recent(ip string) []*data.RequestEvent {
	v, ok := h.ips.Load(ip)
	if !ok {
		return nil
	}
	ih := v.(*ipHistory)
	cutoff := h.now().Add(-h.maxAge)

	ih.mutex.Lock()
	defer ih.mutex.Unlock()

	reqs := make([]*data.RequestEvent, 0, ih.requests.Len())
	for e := ih.requests.Back(); e != nil; e = e.Prev() {
		r := e.Value.(*data.RequestEvent)
		if h.maxAge > 0 && r.Time.Before(cutoff) {
			continue
		}
		reqs = append(reqs, r)
	}
	return reqs
}

// AddThreat records an active threat of its IP
func (h *History) AddThreat(t *data.ThreatIndicator) {
	h.update(t.IP, func(ih *ipHistory) {
		ih.threats = append(ih.threats, t)
	})
}

// Threats returns the active threats of ip
func (h *History) Threats(ip string) []*data.ThreatIndicator {
	v, ok := h.ips.Load(ip)
	if !ok {
		return nil
	}
	ih := v.(*ipHistory)

	ih.mutex.Lock()
	defer ih.mutex.Unlock()

	ih.threats = h.liveThreats(ih.threats, h.now())
	return append([]*data.ThreatIndicator(nil), ih.threats...)
}

// IPs returns all IPs with a history
func (h *History) IPs() []string {
	ips := make([]string, 0)
	h.ips.Range(func(k, _ interface{}) bool {
		ips = append(ips, k.(string))
		return true
	})
	return ips
}

// Len returns the number of IPs with a history
func (h *History) Len() int {
	n := 0
	h.ips.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Cleanup expires old requests and threats and drops IPs that have neither left
func (h *History) Cleanup(now time.Time) int {
	removed := 0
	h.ips.Range(func(k, v interface{}) bool {
		ih := v.(*ipHistory)
		ih.mutex.Lock()
		defer ih.mutex.Unlock()

		if h.maxAge > 0 {
			for {
				oldest := ih.requests.Back()
				if oldest == nil || now.Sub(oldest.Value.(*data.RequestEvent).Time) <= h.maxAge {
					break
				}
				ih.requests.Remove(oldest)
			}
		}
		ih.threats = h.liveThreats(ih.threats, now)

		if ih.requests.Len() == 0 && len(ih.threats) == 0 {
			ih.dead = true
			h.ips.Delete(k)
			removed++
		}
		return true
	})
	if removed > 0 {
		log.Tracef("history: removed %d idle IPs", removed)
	}
	return removed
}

func (h *History) liveThreats(threats []*data.ThreatIndicator, now time.Time) []*data.ThreatIndicator {
	if h.threatAge <= 0 {
		return threats
	}
	live := threats[:0]
	for _, t := range threats {
		if now.Sub(t.Time) < h.threatAge {
			live = append(live, t)
		}
	}
	for i := len(live); i < len(threats); i++ {
		threats[i] = nil
	}
	return live
}

// update runs fn with the locked history of ip, retrying when Cleanup removed
// the entry concurrently
func (h *History) update(ip string, fn func(ih *ipHistory)) {
	for {
		v, _ := h.ips.LoadOrStore(ip, &ipHistory{requests: list.New()})
		ih := v.(*ipHistory)
		ih.mutex.Lock()
		if ih.dead {
			ih.mutex.Unlock()
			continue
		}
		fn(ih)
		ih.mutex.Unlock()
		return
	}
}
