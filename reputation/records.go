package reputation

import (
	"fmt"
	"math"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/scraperwall/warden/data"
	log "github.com/sirupsen/logrus"
)

// penaltyPerSeverity is the score a violation costs per severity level
const penaltyPerSeverity = 5

// RecordViolation lowers the score of ip by five points per severity level and
// blocks ip temporarily for critical violations. It returns the new score
func (s *Store) RecordViolation(ip string, t data.ThreatType, sev data.Severity) float64 {
	now := s.now()
	key, _ := canonical(ip)
	rec, _ := s.record(key, now)

	rec.mutex.Lock()
	rec.Score = clampScore(rec.Score - float64(sev)*penaltyPerSeverity)
	rec.Violations++
	rec.UpdatedAt = now
	rec.Notes = appendNote(rec.Notes, fmt.Sprintf("%s %s severity=%s", now.Format(time.RFC3339), t, sev), s.config.MaxNotes)
	score := rec.Score
	rec.mutex.Unlock()
	s.markDirty(key, rec)

	log.Debugf("%s violation %s (%s): score %s", key, t, sev, formatScore(score))

	if sev >= data.SeverityCritical && s.config.TempBlockDuration > 0 {
		if err := s.TempBlock(key, s.config.TempBlockDuration, fmt.Sprintf("%s violation", t)); err != nil {
			log.Warnf("temp block %s: %s", key, err)
		}
	}
	return score
}

// RecordGoodBehavior credits ip with the configured amount and returns the new score
func (s *Store) RecordGoodBehavior(ip string) float64 {
	now := s.now()
	key, _ := canonical(ip)
	rec, _ := s.record(key, now)

	rec.mutex.Lock()
	rec.Score = clampScore(rec.Score + s.config.GoodBehaviorCredit)
	rec.UpdatedAt = now
	score := rec.Score
	rec.mutex.Unlock()
	s.markDirty(key, rec)

	return score
}

// RecordBlock counts a rejected request of ip
func (s *Store) RecordBlock(ip string) {
	key, _ := canonical(ip)
	rec, _ := s.record(key, s.now())
	rec.mutex.Lock()
	rec.Blocks++
	rec.mutex.Unlock()
	s.markDirty(key, rec)
}

// Enrich lets fn update the metadata of the record of ip
func (s *Store) Enrich(ip string, fn func(r *data.IPRecord)) {
	key, _ := canonical(ip)
	rec, _ := s.record(key, s.now())
	rec.mutex.Lock()
	fn(&rec.IPRecord)
	rec.mutex.Unlock()
	s.markDirty(key, rec)
}

// Get returns a copy of the record of ip with its list tags
func (s *Store) Get(ip string) (data.IPRecord, bool) {
	key, _ := canonical(ip)
	v, err := s.records.Get(key)
	if err != nil {
		return data.IPRecord{}, false
	}
	rec := v.(*record)
	rec.mutex.Lock()
	res := rec.Copy()
	rec.mutex.Unlock()

	now := s.now()
	_, parsed := canonical(key)
	_, white := s.whitelisted(key, parsed)
	_, black := s.blacklisted(key, parsed)
	gray := false
	if v, ok := s.graylist.Load(key); ok {
		gray = !v.(data.ListEntry).Expired(now)
	}
	res.SetTag(data.TagWhitelisted, white)
	res.SetTag(data.TagBlacklisted, black)
	res.SetTag(data.TagGraylisted, gray)
	return res, true
}

// Len returns the number of records held in memory
func (s *Store) Len() int {
	return s.records.Count()
}

// Decay moves the score of every record in memory back toward the initial score,
// one step per decay period without updates, and returns how many records were
// changed. Records outside of memory are decayed when they are loaded
func (s *Store) Decay(now time.Time) int {
	n := 0
	s.index.Range(func(k, v interface{}) bool {
		rec := v.(*record)
		rec.mutex.Lock()
		changed := s.decay(rec, now)
		rec.mutex.Unlock()
		if changed {
			s.markDirty(k.(string), rec)
			n++
		}
		return true
	})
	log.Infof("reputation decay: %d of %d records", n, s.Len())
	return n
}

// decay applies the decay periods that passed since the last update or decay
// of rec. The caller holds rec.mutex
func (s *Store) decay(rec *record, now time.Time) bool {
	if s.config.DecayAfter <= 0 {
		return false
	}
	since := rec.DecayedAt
	if since.Before(rec.UpdatedAt) {
		since = rec.UpdatedAt
	}
	periods := int(now.Sub(since) / s.config.DecayAfter)
	if periods <= 0 {
		return false
	}
	rec.DecayedAt = since.Add(time.Duration(periods) * s.config.DecayAfter)

	neutral := s.config.InitialScore
	if rec.Score == neutral {
		return false
	}
	score := neutral + (rec.Score-neutral)*math.Pow(s.config.DecayRate, float64(periods))
	if math.Abs(score-neutral) < 0.01 {
		score = neutral
	}
	rec.Score = clampScore(score)
	return true
}

// record returns the record of key, loading it from the store or creating it
func (s *Store) record(key string, now time.Time) (*record, bool) {
	return s.fetch(key, now, true)
}

// existing returns the record of key from memory or the store, or nil
func (s *Store) existing(key string, now time.Time) *record {
	rec, _ := s.fetch(key, now, false)
	return rec
}

func (s *Store) fetch(key string, now time.Time, create bool) (*record, bool) {
	if v, err := s.records.Get(key); err == nil {
		return v.(*record), false
	}

	s.createMtx.Lock()
	defer s.createMtx.Unlock()

	if v, err := s.records.Get(key); err == nil {
		return v.(*record), false
	}

	rec, isNew := s.loadRecord(key)
	if rec != nil {
		rec.mutex.Lock()
		decayed := s.decay(rec, now)
		rec.mutex.Unlock()
		if decayed {
			s.markDirty(key, rec)
		}
	} else {
		if !create {
			return nil, false
		}
		rec = &record{IPRecord: data.IPRecord{
			IP:        key,
			FirstSeen: now,
			LastSeen:  now,
			UpdatedAt: now,
			Score:     s.config.InitialScore,
		}}
	}
	if err := s.records.Set(key, rec); err != nil {
		log.Warnf("reputation record %s: %s", key, err)
	}
	s.index.Store(key, rec)
	return rec, isNew
}

// markDirty queues rec for the next snapshot. The caller must not hold rec.mutex
func (s *Store) markDirty(key string, rec *record) {
	if s.kv == nil {
		return
	}
	rec.mutex.Lock()
	rec.version++
	s.dirty.Store(key, rec)
	rec.mutex.Unlock()
}

// loadRecord restores a record that was evicted from memory or persisted by an
// earlier run
func (s *Store) loadRecord(key string) (*record, bool) {
	if v, ok := s.dirty.Load(key); ok {
		return v.(*record), false
	}
	if s.kv == nil {
		return nil, true
	}
	b, err := s.kv.Get(nsRecords, []byte(key))
	if err != nil {
		return nil, true
	}
	rec := &record{}
	if err := json.Unmarshal(b, &rec.IPRecord); err != nil {
		log.Warnf("reputation record %s: %s", key, err)
		return nil, true
	}
	return rec, false
}

func clampScore(score float64) float64 {
	return math.Max(0, math.Min(100, score))
}

func appendNote(notes []string, note string, max int) []string {
	notes = append(notes, note)
	if len(notes) > max {
		notes = append(notes[:0:0], notes[len(notes)-max:]...)
	}
	return notes
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', 1, 64)
}
