package window

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSlidingWindowCount(t *testing.T) {
	w := NewSlidingWindow(10 * time.Second)

	for i := 0; i < 20; i++ {
		w.Add(t0.Add(time.Duration(i) * time.Second))
	}

	now := t0.Add(19 * time.Second)
	// events at 10s..19s are inside (9s, 19s]
	assert.Equal(t, 10, w.Count(now))
	assert.InDelta(t, 1.0, w.Rate(now), 0.0001)

	ts := w.Timestamps(now)
	assert.Len(t, ts, 10)
	assert.Equal(t, t0.Add(10*time.Second), ts[0])

	assert.Equal(t, 0, w.Count(t0.Add(time.Minute)))
}

func TestSlidingWindowOutOfOrder(t *testing.T) {
	w := NewSlidingWindow(time.Minute)
	w.Add(t0.Add(10 * time.Second))
	w.Add(t0)

	ts := w.Timestamps(t0.Add(10 * time.Second))
	assert.Len(t, ts, 2)
	assert.False(t, ts[1].Before(ts[0]))
}

func TestSlidingWindowCompacts(t *testing.T) {
	w := NewSlidingWindow(time.Second)
	for i := 0; i < 10000; i++ {
		w.Add(t0.Add(time.Duration(i) * time.Millisecond))
	}
	assert.Equal(t, 1000, w.Count(t0.Add(9999*time.Millisecond)))
	assert.LessOrEqual(t, len(w.ts), 2100)
}

func TestTrackerConcurrentKeys(t *testing.T) {
	now := t0
	tr := NewTracker(time.Minute, 10*time.Second, func() time.Time { return now })

	var wg sync.WaitGroup
	for _, key := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tr.Record(key, t0)
			}
		}(key)
	}
	wg.Wait()

	assert.Equal(t, 100, tr.Count("10.0.0.1"))
	assert.Equal(t, 300, tr.GlobalCount())
	assert.InDelta(t, 30.0, tr.GlobalRate(), 0.0001)
	assert.Equal(t, 0, tr.Count("unknown"))
	assert.Equal(t, 3, tr.Len())

	now = t0.Add(2 * time.Minute)
	assert.Equal(t, 3, tr.Cleanup(now))
	assert.Equal(t, 0, tr.Len())
}

func TestTrackerSetWindow(t *testing.T) {
	now := t0.Add(40 * time.Second)
	tr := NewTracker(time.Minute, time.Minute, func() time.Time { return now })

	tr.Record("a", t0)
	tr.Record("a", t0.Add(35*time.Second))
	assert.Equal(t, 2, tr.Count("a"))

	tr.SetWindow(30 * time.Second)
	assert.Equal(t, 30*time.Second, tr.Window())
	assert.Equal(t, 1, tr.Count("a"))
}

func TestBuckets(t *testing.T) {
	b := NewBuckets(time.Minute, 3)

	b.Add(t0, 1)
	b.Add(t0.Add(30*time.Second), 2)
	b.Add(t0.Add(time.Minute), 4)
	b.Add(t0.Add(2*time.Minute), 8)

	assert.Equal(t, int64(15), b.Count(t0.Add(2*time.Minute)))
	assert.Len(t, b.Series(t0.Add(2*time.Minute)), 3)

	// the first bucket expires once the fourth minute starts
	assert.Equal(t, int64(12), b.Count(t0.Add(3*time.Minute)))
	assert.True(t, b.Empty(t0.Add(10*time.Minute)))
}

func TestTrackerFutureTimestamp(t *testing.T) {
	now := t0
	tr := NewTracker(10*time.Second, 10*time.Second, func() time.Time { return now })

	tr.Record("a", t0.Add(time.Hour))
	for i := 0; i < 5; i++ {
		tr.Record("a", t0)
	}
	assert.Equal(t, 6, tr.Count("a"))
	assert.Equal(t, 6, tr.GlobalCount())

	// everything drains once the window has passed
	now = t0.Add(11 * time.Second)
	assert.Equal(t, 0, tr.Count("a"))
	assert.Equal(t, 0, tr.GlobalCount())
	assert.Zero(t, tr.GlobalRate())

	tr.Record("a", now)
	assert.Equal(t, 1, tr.Count("a"))
}

func TestTrackerCleanupKeepsConcurrentEvents(t *testing.T) {
	now := t0
	tr := NewTracker(time.Second, time.Second, func() time.Time { return now })
	tr.Record("a", t0)
	now = t0.Add(time.Minute)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			tr.Record("a", now)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			tr.Cleanup(now.Add(-time.Second))
		}
	}()
	wg.Wait()

	assert.Equal(t, 100, tr.Count("a"))
}
