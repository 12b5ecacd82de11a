package warden

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	json "github.com/goccy/go-json"
	"github.com/scraperwall/warden/data"
	"github.com/scraperwall/warden/store"
	log "github.com/sirupsen/logrus"
)

var nsStats = []byte("stats")

// statsTTL is how long finished stats windows are kept in the store
const statsTTL = 24 * time.Hour

// StatsWindow holds the decision counters of one time window
type StatsWindow struct {
	Time      time.Time `json:"time"`
	UpdatedAt time.Time `json:"updated_at"`
	data.Stats
}

// StatsWindows counts decisions in consecutive time windows. Finished windows are
// written to the store so that the counters survive restarts
type StatsWindows struct {
	totals     data.Stats
	windows    *treemap.Map
	windowSize time.Duration
	numWindows int
	kv         store.KVStore
	now        func() time.Time
	mutex      sync.RWMutex
}

// NewStatsWindows creates the stats for numWindows windows of windowSize. kv may be nil
func NewStatsWindows(windowSize time.Duration, numWindows int, kv store.KVStore, now func() time.Time) *StatsWindows {
	if now == nil {
		now = time.Now
	}
	return &StatsWindows{
		windows:    treemap.NewWith(utils.TimeComparator),
		windowSize: windowSize,
		numWindows: numWindows,
		kv:         kv,
		now:        now,
	}
}

// Add counts decision d made at t
func (s *StatsWindows) Add(d data.SecurityDecision, t time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	k := t.Truncate(s.windowSize)

	var sw *StatsWindow
	if v, ok := s.windows.Get(k); ok {
		sw = v.(*StatsWindow)
	} else {
		// the previous window is finished
		if s.windows.Size() > 0 {
			_, latest := s.windows.Max()
			if err := s.persist(latest.(*StatsWindow)); err != nil {
				log.Warnf("stats snapshot: %s", err)
			}
		}
		sw = &StatsWindow{Time: k}
		s.windows.Put(k, sw)
	}

	sw.Add(d)
	sw.UpdatedAt = s.now()
	s.totals.Add(d)
}

// All returns the counters of every window keyed by the RFC3339 start time of the window
func (s *StatsWindows) All() map[string]data.Stats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	res := make(map[string]data.Stats, s.windows.Size())
	iter := s.windows.Iterator()
	for iter.Next() {
		res[iter.Key().(time.Time).Format(time.RFC3339)] = iter.Value().(*StatsWindow).Stats
	}
	return res
}

// Series returns all windows, oldest first
func (s *StatsWindows) Series() []StatsWindow {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	res := make([]StatsWindow, 0, s.windows.Size())
	iter := s.windows.Iterator()
	for iter.Next() {
		res = append(res, *iter.Value().(*StatsWindow))
	}
	return res
}

// Totals returns the sum of all windows
func (s *StatsWindows) Totals() data.Stats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.totals
}

// Expire removes the windows that are older than numWindows windows
func (s *StatsWindows) Expire(now time.Time) {
	threshold := s.threshold(now)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, k := range s.windows.Keys() {
		key := k.(time.Time)
		if !key.Before(threshold) {
			break
		}
		v, _ := s.windows.Get(key)
		s.totals.Sub(v.(*StatsWindow).Stats)
		s.windows.Remove(key)
	}
}

// Snapshot writes the current window to the store
func (s *StatsWindows) Snapshot() error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.windows.Size() == 0 {
		return nil
	}
	_, latest := s.windows.Max()
	return s.persist(latest.(*StatsWindow))
}

// Load restores the persisted windows that are still within range
func (s *StatsWindows) Load() error {
	if s.kv == nil {
		return nil
	}
	threshold := s.threshold(s.now())

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.kv.Each(nsStats, nil, func(key, value []byte) error {
		var sw StatsWindow
		if err := json.Unmarshal(value, &sw); err != nil {
			log.Warnf("stats window %s: %s", key, err)
			return nil
		}
		if sw.Time.Before(threshold) {
			return nil
		}
		if v, ok := s.windows.Get(sw.Time); ok {
			s.totals.Sub(v.(*StatsWindow).Stats)
		}
		s.windows.Put(sw.Time, &sw)
		s.totals.Merge(sw.Stats)
		return nil
	})
}

func (s *StatsWindows) threshold(now time.Time) time.Time {
	return now.Truncate(s.windowSize).Add(-s.windowSize * time.Duration(s.numWindows-1))
}

func (s *StatsWindows) persist(sw *StatsWindow) error {
	if s.kv == nil {
		return nil
	}
	b, err := json.Marshal(sw)
	if err != nil {
		return fmt.Errorf("encode stats window: %w", err)
	}
	key := []byte(strconv.FormatInt(sw.Time.UnixNano(), 10))
	return s.kv.SetEx(nsStats, key, b, statsTTL)
}
