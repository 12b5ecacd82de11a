package window

import (
	"sync"
	"time"
)

// SlidingWindow counts events whose timestamp lies within the last Size of time.
// Expired timestamps are dropped lazily whenever the window is written or read
type SlidingWindow struct {
	mutex   sync.Mutex
	size    time.Duration
	ts      []time.Time
	head    int
	last    time.Time
	retired bool // dropped by a Tracker, writes go to its replacement
}

// NewSlidingWindow creates an empty window covering size
func NewSlidingWindow(size time.Duration) *SlidingWindow {
	return &SlidingWindow{size: size}
}

// Add records an event at t
func (w *SlidingWindow) Add(t time.Time) {
	w.add(t)
}

// add reports false if the window was retired and nothing was recorded
func (w *SlidingWindow) add(t time.Time) bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.retired {
		return false
	}
	// out of order events are clamped so the deque stays sorted
	if t.Before(w.last) {
		t = w.last
	}
	w.last = t
	w.ts = append(w.ts, t)
	w.prune(t)
	return true
}

// Count returns the number of events in (now-size, now]
func (w *SlidingWindow) Count(now time.Time) int {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.prune(now)
	return len(w.ts) - w.head
}

// Rate returns the events per second over the window
func (w *SlidingWindow) Rate(now time.Time) float64 {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.prune(now)
	return float64(len(w.ts)-w.head) / w.size.Seconds()
}

// Timestamps returns a copy of the timestamps currently in the window, oldest first
func (w *SlidingWindow) Timestamps(now time.Time) []time.Time {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.prune(now)
	return append([]time.Time(nil), w.ts[w.head:]...)
}

// SetSize changes the duration the window covers
func (w *SlidingWindow) SetSize(size time.Duration) {
	w.mutex.Lock()
	w.size = size
	w.mutex.Unlock()
}

// Size returns the duration the window covers
func (w *SlidingWindow) Size() time.Duration {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.size
}

// retireIfEmpty marks the window retired when it holds no events at now
func (w *SlidingWindow) retireIfEmpty(now time.Time) bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.prune(now)
	if len(w.ts) > w.head {
		return false
	}
	w.retired = true
	return true
}

// prune must be called with the mutex held
func (w *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.size)
	for w.head < len(w.ts) && !w.ts[w.head].After(cutoff) {
		w.ts[w.head] = time.Time{}
		w.head++
	}

	switch {
	case w.head == len(w.ts):
		w.ts = w.ts[:0]
		w.head = 0
	case w.head > 64 && w.head > len(w.ts)/2:
		n := copy(w.ts, w.ts[w.head:])
		w.ts = w.ts[:n]
		w.head = 0
	}
}
