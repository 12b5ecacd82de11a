package window

import (
	"sync"
	"sync/atomic"
	"time"
)

// Tracker keeps one sliding window per key plus a global window over all keys
type Tracker struct {
	size    atomic.Int64
	windows sync.Map
	global  *SlidingWindow
	now     func() time.Time
}

// NewTracker creates a tracker whose per-key windows cover size and whose
// global window covers globalSize
func NewTracker(size, globalSize time.Duration, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	t := &Tracker{
		global: NewSlidingWindow(globalSize),
		now:    now,
	}
	t.size.Store(int64(size))
	return t
}

// Record adds an event at ts for key and to the global window. Timestamps
// ahead of the tracker's clock are recorded at the current time
func (t *Tracker) Record(key string, ts time.Time) {
	if now := t.now(); ts.After(now) {
		ts = now
	}
	// a window retired by Cleanup is replaced on the next lookup
	for !t.window(key).add(ts) {
	}
	t.global.Add(ts)
}

// Count returns the number of events for key within the window
func (t *Tracker) Count(key string) int {
	if w, ok := t.windows.Load(key); ok {
		return w.(*SlidingWindow).Count(t.now())
	}
	return 0
}

// Rate returns the events per second for key
func (t *Tracker) Rate(key string) float64 {
	if w, ok := t.windows.Load(key); ok {
		return w.(*SlidingWindow).Rate(t.now())
	}
	return 0
}

// Timestamps returns the timestamps recorded for key within the window
func (t *Tracker) Timestamps(key string) []time.Time {
	if w, ok := t.windows.Load(key); ok {
		return w.(*SlidingWindow).Timestamps(t.now())
	}
	return nil
}

// GlobalCount returns the number of events in the global window
func (t *Tracker) GlobalCount() int {
	return t.global.Count(t.now())
}

// GlobalRate returns the events per second across all keys
func (t *Tracker) GlobalRate() float64 {
	return t.global.Rate(t.now())
}

// SetWindow changes the duration of all per-key windows
func (t *Tracker) SetWindow(size time.Duration) {
	t.size.Store(int64(size))
	t.windows.Range(func(_, v interface{}) bool {
		v.(*SlidingWindow).SetSize(size)
		return true
	})
}

// Window returns the current per-key window duration
func (t *Tracker) Window() time.Duration {
	return time.Duration(t.size.Load())
}

// Len returns the number of tracked keys
func (t *Tracker) Len() int {
	n := 0
	t.windows.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Cleanup removes the windows of keys that had no events within the window and
// returns how many were removed
func (t *Tracker) Cleanup(now time.Time) int {
	removed := 0
	t.windows.Range(func(k, v interface{}) bool {
		if w := v.(*SlidingWindow); w.retireIfEmpty(now) {
			t.windows.CompareAndDelete(k, w)
			removed++
		}
		return true
	})
	return removed
}

func (t *Tracker) window(key string) *SlidingWindow {
	if w, ok := t.windows.Load(key); ok {
		return w.(*SlidingWindow)
	}
	w, _ := t.windows.LoadOrStore(key, NewSlidingWindow(t.Window()))
	return w.(*SlidingWindow)
}
