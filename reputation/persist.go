package reputation

import (
	"errors"
	"fmt"
	"net"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/scraperwall/warden/data"
	"github.com/scraperwall/warden/store"
	log "github.com/sirupsen/logrus"
)

var (
	nsLists   = []byte("rep:list")
	nsSubnets = []byte("rep:subnet")
	nsRecords = []byte("rep:rec")
)

// Snapshot writes changed lists and records to the key/value store
func (s *Store) Snapshot() error {
	if s.kv == nil {
		return nil
	}
	var errs []error

	if s.listsDirty.Swap(false) {
		if err := s.saveLists(); err != nil {
			s.listsDirty.Store(true)
			errs = append(errs, err)
		}
	}

	written := 0
	s.dirty.Range(func(k, v interface{}) bool {
		rec := v.(*record)
		rec.mutex.Lock()
		version := rec.version
		b, err := json.Marshal(&rec.IPRecord)
		rec.mutex.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("encode record %s: %w", k, err))
			return true
		}
		if err := s.kv.SetEx(nsRecords, []byte(k.(string)), b, s.config.RecordTTL); err != nil {
			errs = append(errs, fmt.Errorf("store record %s: %w", k, err))
			return len(errs) < 10
		}
		// records changed after the marshal stay dirty
		rec.mutex.Lock()
		if rec.version == version {
			s.dirty.CompareAndDelete(k, v)
		}
		rec.mutex.Unlock()
		written++
		return true
	})

	if written > 0 {
		log.Debugf("reputation snapshot: %d records", written)
	}
	return errors.Join(errs...)
}

func (s *Store) saveLists() error {
	lists := s.Lists()
	docs := map[string][]data.ListEntry{
		"white": lists.Whitelist,
		"black": lists.Blacklist,
		"gray":  lists.Graylist,
		"temp":  lists.TempBlocks,
	}
	for k, entries := range docs {
		if err := s.saveDoc(nsLists, k, entries); err != nil {
			return err
		}
	}
	if err := s.saveDoc(nsSubnets, "white", lists.WhitelistSubnet); err != nil {
		return err
	}
	return s.saveDoc(nsSubnets, "black", lists.BlacklistSubnet)
}

func (s *Store) saveDoc(ns []byte, key string, entries []data.ListEntry) error {
	b, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", ns, key, err)
	}
	if err := s.kv.Set(ns, []byte(key), b); err != nil {
		return fmt.Errorf("store %s/%s: %w", ns, key, err)
	}
	return nil
}

// Load restores lists and records written by an earlier Snapshot
func (s *Store) Load() error {
	if s.kv == nil {
		return nil
	}
	now := s.now()

	maps := map[string]*sync.Map{
		"white": &s.whitelist,
		"black": &s.blacklist,
		"gray":  &s.graylist,
		"temp":  &s.tempBlocks,
	}
	for k, m := range maps {
		entries, err := s.loadDoc(nsLists, k)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.Expired(now) {
				m.Store(e.Key, e)
			}
		}
	}

	for k, kind := range map[string]ListKind{"white": Whitelist, "black": Blacklist} {
		entries, err := s.loadDoc(nsSubnets, k)
		if err != nil {
			return err
		}
		nets := make([]subnetEntry, 0, len(entries))
		for _, e := range entries {
			_, network, err := net.ParseCIDR(e.Key)
			if err != nil {
				log.Warnf("skipping stored subnet %q: %s", e.Key, err)
				continue
			}
			nets = append(nets, subnetEntry{network: network, entry: e})
		}
		s.updateSubnets(kind, func([]subnetEntry) []subnetEntry { return nets })
	}
	s.listsDirty.Store(false)

	loaded := 0
	err := s.kv.Each(nsRecords, nil, func(key, value []byte) error {
		if s.config.MaxRecords > 0 && loaded >= s.config.MaxRecords {
			return errStopIteration
		}
		rec := &record{}
		if err := json.Unmarshal(value, &rec.IPRecord); err != nil {
			log.Warnf("skipping stored record %s: %s", key, err)
			return nil
		}
		if err := s.records.Set(string(key), rec); err != nil {
			return err
		}
		s.index.Store(string(key), rec)
		loaded++
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return fmt.Errorf("load records: %w", err)
	}

	log.Infof("reputation loaded: %d records, %d whitelisted, %d blacklisted", loaded, countMap(&s.whitelist), countMap(&s.blacklist))
	return nil
}

var errStopIteration = errors.New("stop")

func (s *Store) loadDoc(ns []byte, key string) ([]data.ListEntry, error) {
	b, err := s.kv.Get(ns, []byte(key))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", ns, key, err)
	}
	var entries []data.ListEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", ns, key, err)
	}
	return entries, nil
}

func countMap(m *sync.Map) int {
	n := 0
	m.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
