package reputation

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scraperwall/warden/data"
	log "github.com/sirupsen/logrus"
)

// ListKind selects the whitelist or the blacklist
type ListKind int

// List kinds
const (
	Whitelist ListKind = iota
	Blacklist
)

func (k ListKind) String() string {
	if k == Whitelist {
		return "whitelist"
	}
	return "blacklist"
}

// AddToWhitelist lets all requests of ip through without further checks
func (s *Store) AddToWhitelist(ip, reason string) error {
	return s.addIP(&s.whitelist, ip, reason, SourceManual, time.Time{})
}

// AddToBlacklist rejects all requests of ip
func (s *Store) AddToBlacklist(ip, reason string) error {
	return s.addIP(&s.blacklist, ip, reason, SourceManual, time.Time{})
}

// AddToGraylist admits ip under closer scrutiny for the configured graylist duration
func (s *Store) AddToGraylist(ip, reason string) error {
	return s.addIP(&s.graylist, ip, reason, SourceManual, s.now().Add(s.config.GraylistDuration))
}

// TempBlock rejects all requests of ip for d
func (s *Store) TempBlock(ip string, d time.Duration, reason string) error {
	if d <= 0 {
		return fmt.Errorf("temp block of %s: duration must be positive", ip)
	}
	log.Infof("temp blocking %s for %s: %s", ip, d, reason)
	return s.addIP(&s.tempBlocks, ip, reason, SourceAuto, s.now().Add(d))
}

// WhitelistVerified whitelists ip because it resolved to a trusted hostname
func (s *Store) WhitelistVerified(ip, hostname, reason string) error {
	if err := s.addIP(&s.whitelist, ip, reason, SourceDNS, time.Time{}); err != nil {
		return err
	}
	key, _ := canonical(ip)
	if rec := s.existing(key, s.now()); rec != nil {
		rec.mutex.Lock()
		rec.Hostname = hostname
		rec.SetTag(data.TagCrawler, true)
		rec.mutex.Unlock()
		s.markDirty(key, rec)
	}
	return nil
}

// RemoveFromWhitelist deletes the whitelist entry of ip
func (s *Store) RemoveFromWhitelist(ip string) error {
	return s.removeIP(&s.whitelist, ip)
}

// RemoveFromBlacklist deletes the blacklist entry of ip. A score that would
// immediately blacklist the address again is reset to the neutral score
func (s *Store) RemoveFromBlacklist(ip string) error {
	if err := s.removeIP(&s.blacklist, ip); err != nil {
		return err
	}
	key, _ := canonical(ip)
	now := s.now()
	// evicted records are loaded so the reset reaches the store as well
	if rec := s.existing(key, now); rec != nil {
		rec.mutex.Lock()
		reset := rec.Score <= s.config.AutoBlacklistScore
		if reset {
			rec.Score = s.config.InitialScore
			rec.UpdatedAt = now
			rec.Notes = appendNote(rec.Notes, fmt.Sprintf("%s removed from blacklist, score reset", now.Format(time.RFC3339)), s.config.MaxNotes)
		}
		rec.mutex.Unlock()
		if reset {
			s.markDirty(key, rec)
		}
	}
	return nil
}

// RemoveFromGraylist deletes the graylist entry of ip
func (s *Store) RemoveFromGraylist(ip string) error {
	return s.removeIP(&s.graylist, ip)
}

// RemoveTempBlock lifts a temporary block
func (s *Store) RemoveTempBlock(ip string) error {
	return s.removeIP(&s.tempBlocks, ip)
}

// AddSubnetToWhitelist whitelists all addresses of cidr
func (s *Store) AddSubnetToWhitelist(cidr, reason string) error {
	return s.addSubnet(Whitelist, cidr, reason, SourceManual)
}

// AddSubnetToBlacklist blacklists all addresses of cidr
func (s *Store) AddSubnetToBlacklist(cidr, reason string) error {
	return s.addSubnet(Blacklist, cidr, reason, SourceManual)
}

// RemoveSubnetFromWhitelist deletes a whitelisted network
func (s *Store) RemoveSubnetFromWhitelist(cidr string) error {
	return s.removeSubnet(Whitelist, cidr)
}

// RemoveSubnetFromBlacklist deletes a blacklisted network
func (s *Store) RemoveSubnetFromBlacklist(cidr string) error {
	return s.removeSubnet(Blacklist, cidr)
}

// SyncSource makes the entries of source in the given list equal to ips and cidrs.
// Entries of other sources are left alone and are not overwritten
func (s *Store) SyncSource(kind ListKind, source string, ips, cidrs []string, reason string) (added, removed int) {
	m := &s.whitelist
	if kind == Blacklist {
		m = &s.blacklist
	}

	want := make(map[string]bool, len(ips))
	for _, ip := range ips {
		key, parsed := canonical(strings.TrimSpace(ip))
		if parsed != nil {
			want[key] = true
		}
	}

	m.Range(func(k, v interface{}) bool {
		if v.(data.ListEntry).Source == source && !want[k.(string)] {
			m.Delete(k)
			removed++
		}
		return true
	})
	now := s.now()
	for key := range want {
		e := data.ListEntry{Key: key, Reason: reason, Source: source, Added: now}
		if _, loaded := m.LoadOrStore(key, e); !loaded {
			added++
		}
	}

	nets := make([]subnetEntry, 0, len(cidrs))
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(strings.TrimSpace(c))
		if err != nil {
			continue
		}
		nets = append(nets, subnetEntry{network: network, entry: data.ListEntry{Key: network.String(), Reason: reason, Source: source, Added: now}})
	}
	a, r := s.syncSubnets(kind, source, nets)

	s.listsDirty.Store(true)
	return added + a, removed + r
}

// Lists returns a snapshot of all lists. Expired entries are left out
func (s *Store) Lists() data.Lists {
	now := s.now()
	collect := func(m *sync.Map) []data.ListEntry {
		res := make([]data.ListEntry, 0)
		m.Range(func(_, v interface{}) bool {
			if e := v.(data.ListEntry); !e.Expired(now) {
				res = append(res, e)
			}
			return true
		})
		sort.Slice(res, func(i, j int) bool { return res[i].Key < res[j].Key })
		return res
	}
	entries := func(sns []subnetEntry) []data.ListEntry {
		res := make([]data.ListEntry, len(sns))
		for i, sn := range sns {
			res[i] = sn.entry
		}
		return res
	}

	subnets := s.subnets.Load()
	return data.Lists{
		Whitelist:       collect(&s.whitelist),
		Blacklist:       collect(&s.blacklist),
		Graylist:        collect(&s.graylist),
		TempBlocks:      collect(&s.tempBlocks),
		WhitelistSubnet: entries(subnets.white),
		BlacklistSubnet: entries(subnets.black),
	}
}

func (s *Store) addIP(m *sync.Map, ip, reason, source string, expires time.Time) error {
	key, parsed := canonical(strings.TrimSpace(ip))
	if parsed == nil {
		return fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	s.storeEntry(m, key, reason, source, expires)
	return nil
}

func (s *Store) storeEntry(m *sync.Map, key, reason, source string, expires time.Time) {
	m.Store(key, data.ListEntry{
		Key:     key,
		Reason:  reason,
		Source:  source,
		Added:   s.now(),
		Expires: expires,
	})
	s.listsDirty.Store(true)
}

func (s *Store) removeIP(m *sync.Map, ip string) error {
	key, parsed := canonical(strings.TrimSpace(ip))
	if parsed == nil {
		return fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	if _, ok := m.LoadAndDelete(key); !ok {
		return fmt.Errorf("%s: %w", key, ErrNotListed)
	}
	s.listsDirty.Store(true)
	return nil
}

func (s *Store) addSubnet(kind ListKind, cidr, reason, source string) error {
	_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidCIDR, cidr)
	}
	entry := subnetEntry{
		network: network,
		entry:   data.ListEntry{Key: network.String(), Reason: reason, Source: source, Added: s.now()},
	}

	s.updateSubnets(kind, func(cur []subnetEntry) []subnetEntry {
		res := make([]subnetEntry, 0, len(cur)+1)
		for _, sn := range cur {
			if sn.entry.Key != entry.entry.Key {
				res = append(res, sn)
			}
		}
		return append(res, entry)
	})
	return nil
}

func (s *Store) removeSubnet(kind ListKind, cidr string) error {
	_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidCIDR, cidr)
	}
	key := network.String()

	found := false
	s.updateSubnets(kind, func(cur []subnetEntry) []subnetEntry {
		res := make([]subnetEntry, 0, len(cur))
		for _, sn := range cur {
			if sn.entry.Key == key {
				found = true
				continue
			}
			res = append(res, sn)
		}
		return res
	})
	if !found {
		return fmt.Errorf("%s: %w", key, ErrNotListed)
	}
	return nil
}

func (s *Store) syncSubnets(kind ListKind, source string, nets []subnetEntry) (added, removed int) {
	s.updateSubnets(kind, func(cur []subnetEntry) []subnetEntry {
		have := make(map[string]bool, len(cur))
		previous := make(map[string]bool)
		res := make([]subnetEntry, 0, len(cur)+len(nets))
		for _, sn := range cur {
			if sn.entry.Source == source {
				previous[sn.entry.Key] = true
				continue
			}
			have[sn.entry.Key] = true
			res = append(res, sn)
		}
		for _, sn := range nets {
			if have[sn.entry.Key] {
				continue
			}
			have[sn.entry.Key] = true
			res = append(res, sn)
			if previous[sn.entry.Key] {
				delete(previous, sn.entry.Key)
			} else {
				added++
			}
		}
		removed = len(previous)
		return res
	})
	return added, removed
}

// updateSubnets replaces one of the subnet lists copy-on-write so readers never lock
func (s *Store) updateSubnets(kind ListKind, fn func([]subnetEntry) []subnetEntry) {
	s.subnetMtx.Lock()
	defer s.subnetMtx.Unlock()

	cur := s.subnets.Load()
	next := &subnetLists{white: cur.white, black: cur.black, whiteIdx: cur.whiteIdx, blackIdx: cur.blackIdx}
	if kind == Whitelist {
		next.white = fn(cur.white)
		next.whiteIdx = newPrefixIndex(next.white)
	} else {
		next.black = fn(cur.black)
		next.blackIdx = newPrefixIndex(next.black)
	}
	s.subnets.Store(next)
	s.listsDirty.Store(true)
}
