package conntrack

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Tracker counts the live connections of every client address and
// refuses new ones above a ceiling
type Tracker struct {
	max      atomic.Int64
	lifetime time.Duration
	ips      sync.Map
	now      func() time.Time
}

type connections struct {
	mutex sync.Mutex
	slots map[string]time.Time
	dead  bool
}

// New creates a tracker that allows up to max connections per IP. Slots are released
// automatically once they are older than lifetime
func New(max int, lifetime time.Duration, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	t := &Tracker{
		lifetime: lifetime,
		now:      now,
	}
	t.max.Store(int64(max))
	return t
}

// SetMax changes the per-IP ceiling. Connections above a lowered ceiling are
// not dropped but no new ones are admitted until the count falls below it
func (t *Tracker) SetMax(max int) {
	t.max.Store(int64(max))
}

// Max returns the current per-IP ceiling
func (t *Tracker) Max() int {
	return int(t.max.Load())
}

// TryAcquire takes a connection slot with the given id for ip. Acquiring an id
// that is already held succeeds without taking another slot
func (t *Tracker) TryAcquire(ip, id string) bool {
	now := t.now()
	for {
		c := t.connections(ip)
		c.mutex.Lock()
		if c.dead {
			// removed by Cleanup in the meantime
			c.mutex.Unlock()
			continue
		}

		if _, ok := c.slots[id]; ok {
			c.slots[id] = now
			c.mutex.Unlock()
			return true
		}

		c.expire(now, t.lifetime)
		if int64(len(c.slots)) >= t.max.Load() {
			c.mutex.Unlock()
			log.Tracef("connection limit reached for %s", ip)
			return false
		}
		c.slots[id] = now
		c.mutex.Unlock()
		return true
	}
}

// Release frees the slot id of ip. Releasing an unknown id is a no-op
func (t *Tracker) Release(ip, id string) {
	v, ok := t.ips.Load(ip)
	if !ok {
		return
	}
	c := v.(*connections)
	c.mutex.Lock()
	delete(c.slots, id)
	c.mutex.Unlock()
}

// Active returns the number of live connections of ip
func (t *Tracker) Active(ip string) int {
	v, ok := t.ips.Load(ip)
	if !ok {
		return 0
	}
	c := v.(*connections)
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.expire(t.now(), t.lifetime)
	return len(c.slots)
}

// Cleanup releases all slots older than the maximum lifetime, forgets IPs without
// connections and returns the number of released slots
func (t *Tracker) Cleanup(now time.Time) int {
	released := 0
	t.ips.Range(func(k, v interface{}) bool {
		c := v.(*connections)
		c.mutex.Lock()
		released += c.expire(now, t.lifetime)
		if len(c.slots) == 0 {
			c.dead = true
			t.ips.Delete(k)
		}
		c.mutex.Unlock()
		return true
	})
	return released
}

// Len returns the number of IPs with tracked connections
func (t *Tracker) Len() int {
	n := 0
	t.ips.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (t *Tracker) connections(ip string) *connections {
	if v, ok := t.ips.Load(ip); ok {
		return v.(*connections)
	}
	v, _ := t.ips.LoadOrStore(ip, &connections{slots: make(map[string]time.Time)})
	return v.(*connections)
}

// expire must be called with the mutex held
func (c *connections) expire(now time.Time, lifetime time.Duration) int {
	if lifetime <= 0 {
		return 0
	}
	n := 0
	for id, acquired := range c.slots {
		if now.Sub(acquired) >= lifetime {
			delete(c.slots, id)
			n++
		}
	}
	return n
}
