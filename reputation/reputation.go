// Package reputation keeps access lists and a behaviour score for every client address.
package reputation

import (
	"errors"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ReneKroon/ttlcache/v2"
	"github.com/scraperwall/warden/data"
	"github.com/scraperwall/warden/store"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrInvalidIP is returned for strings that aren't IP addresses
	ErrInvalidIP = errors.New("invalid IP address")
	// ErrInvalidCIDR is returned for strings that aren't networks in CIDR notation
	ErrInvalidCIDR = errors.New("invalid CIDR")
	// ErrNotListed is returned when removing an entry that doesn't exist
	ErrNotListed = errors.New("not listed")
)

// Status is the list state of an address at the time of a check
type Status string

// Statuses
const (
	StatusNone        Status = "none"
	StatusWhitelisted Status = "whitelisted"
	StatusBlacklisted Status = "blacklisted"
	StatusTempBlocked Status = "temp_blocked"
	StatusGraylisted  Status = "graylisted"
)

// Sources of list entries
const (
	SourceManual = "manual"
	SourceAuto   = "auto"
	SourceRules  = "rules"
	SourceDNS    = "dns"
)

// Config contains the scoring and retention parameters
type Config struct {
	InitialScore       float64
	AutoBlacklistScore float64
	AutoGraylistScore  float64
	GoodBehaviorCredit float64
	DecayRate          float64
	DecayAfter         time.Duration
	TempBlockDuration  time.Duration
	GraylistDuration   time.Duration
	IdleTTL            time.Duration
	RecordTTL          time.Duration
	MaxRecords         int
	MaxNotes           int
	Now                func() time.Time
}

// StaticRules whitelists addresses by configured patterns
type StaticRules interface {
	WhitelistedIP(ip net.IP) (bool, string)
}

// Verdict is the result of a reputation check
type Verdict struct {
	Allowed    bool          `json:"allowed"`
	Status     Status        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Score      float64       `json:"score"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	New        bool          `json:"new,omitempty"`
}

// Whitelisted reports whether the address bypasses all further checks
func (v Verdict) Whitelisted() bool { return v.Status == StatusWhitelisted }

// Graylisted reports whether the address was admitted under closer scrutiny
func (v Verdict) Graylisted() bool { return v.Status == StatusGraylisted }

type record struct {
	mutex   sync.Mutex
	version uint64 // bumped under mutex whenever the record is marked dirty
	data.IPRecord
}

type subnetEntry struct {
	network *net.IPNet
	entry   data.ListEntry
}

type subnetLists struct {
	white    []subnetEntry
	black    []subnetEntry
	whiteIdx *prefixIndex
	blackIdx *prefixIndex
}

// prefixIndex finds the most specific listed network of an address with one
// map probe per distinct prefix length
type prefixIndex struct {
	bits4 []int
	bits6 []int
	nets  map[netip.Prefix]data.ListEntry
}

func newPrefixIndex(entries []subnetEntry) *prefixIndex {
	idx := &prefixIndex{nets: make(map[netip.Prefix]data.ListEntry, len(entries))}
	seen4, seen6 := make(map[int]bool), make(map[int]bool)
	for _, sn := range entries {
		p, ok := toPrefix(sn.network)
		if !ok {
			continue
		}
		idx.nets[p] = sn.entry
		if p.Addr().Is4() {
			if !seen4[p.Bits()] {
				seen4[p.Bits()] = true
				idx.bits4 = append(idx.bits4, p.Bits())
			}
		} else if !seen6[p.Bits()] {
			seen6[p.Bits()] = true
			idx.bits6 = append(idx.bits6, p.Bits())
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(idx.bits4)))
	sort.Sort(sort.Reverse(sort.IntSlice(idx.bits6)))
	return idx
}

func (idx *prefixIndex) lookup(ip net.IP) (data.ListEntry, bool) {
	if idx == nil || len(idx.nets) == 0 {
		return data.ListEntry{}, false
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return data.ListEntry{}, false
	}
	addr = addr.Unmap()
	bits := idx.bits6
	if addr.Is4() {
		bits = idx.bits4
	}
	for _, b := range bits {
		p, err := addr.Prefix(b)
		if err != nil {
			continue
		}
		if e, ok := idx.nets[p]; ok {
			return e, true
		}
	}
	return data.ListEntry{}, false
}

func toPrefix(n *net.IPNet) (netip.Prefix, bool) {
	addr, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	ones, _ := n.Mask.Size()
	if addr.Is4In6() && ones >= 96 {
		addr, ones = addr.Unmap(), ones-96
	}
	p, err := addr.Prefix(ones)
	if err != nil {
		return netip.Prefix{}, false
	}
	return p, true
}

type staticHolder struct {
	rules StaticRules
}

// Store is the reputation database. Lookups never block on each other; every
// record carries its own lock
type Store struct {
	config Config

	whitelist  sync.Map
	blacklist  sync.Map
	graylist   sync.Map
	tempBlocks sync.Map
	subnets    atomic.Pointer[subnetLists]
	subnetMtx  sync.Mutex
	static     atomic.Value
	listsDirty atomic.Bool

	records   *ttlcache.Cache
	index     sync.Map
	dirty     sync.Map
	createMtx sync.Mutex

	kv  store.KVStore
	now func() time.Time
}

// New creates a reputation store. kv may be nil for memory-only operation
func New(config Config, kv store.KVStore) *Store {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.MaxNotes <= 0 {
		config.MaxNotes = 20
	}
	if config.DecayAfter <= 0 {
		config.DecayAfter = 24 * time.Hour
	}
	if config.RecordTTL <= 0 {
		config.RecordTTL = 30 * 24 * time.Hour
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 72 * time.Hour
	}

	s := &Store{
		config: config,
		kv:     kv,
		now:    config.Now,
	}
	s.subnets.Store(&subnetLists{})
	s.static.Store(staticHolder{})

	s.records = ttlcache.NewCache()
	s.records.SetTTL(config.IdleTTL)
	if config.MaxRecords > 0 {
		s.records.SetCacheSizeLimit(config.MaxRecords)
	}
	s.records.SetExpirationCallback(func(key string, value interface{}) {
		rec := value.(*record)
		s.index.CompareAndDelete(key, rec)
		if s.kv != nil {
			// persisted by the next snapshot
			s.dirty.Store(key, rec)
		}
	})

	return s
}

// Check evaluates ip against the lists and its score:
// blacklist, whitelist, temp block, graylist, then the score thresholds
func (s *Store) Check(ip string) Verdict {
	now := s.now()
	key, parsed := canonical(ip)

	if e, ok := s.blacklisted(key, parsed); ok {
		return Verdict{Status: StatusBlacklisted, Reason: e.Reason}
	}
	if reason, ok := s.whitelisted(key, parsed); ok {
		return Verdict{Allowed: true, Status: StatusWhitelisted, Reason: reason}
	}
	if v, ok := s.tempBlocks.Load(key); ok {
		e := v.(data.ListEntry)
		if !e.Expired(now) {
			return Verdict{Status: StatusTempBlocked, Reason: e.Reason, RetryAfter: e.Expires.Sub(now)}
		}
		if s.tempBlocks.CompareAndDelete(key, v) {
			s.listsDirty.Store(true)
		}
	}

	gray, grayReason := false, ""
	if v, ok := s.graylist.Load(key); ok {
		e := v.(data.ListEntry)
		if e.Expired(now) {
			if s.graylist.CompareAndDelete(key, v) {
				s.listsDirty.Store(true)
			}
		} else {
			gray, grayReason = true, e.Reason
		}
	}

	rec, isNew := s.record(key, now)
	rec.mutex.Lock()
	rec.Requests++
	rec.LastSeen = now
	score := rec.Score
	rec.mutex.Unlock()

	if score <= s.config.AutoBlacklistScore {
		reason := autoReason("blacklisted", score)
		s.storeEntry(&s.blacklist, key, reason, SourceAuto, time.Time{})
		log.Infof("%s %s", key, reason)
		return Verdict{Status: StatusBlacklisted, Reason: reason, Score: score}
	}
	if gray {
		return Verdict{Allowed: true, Status: StatusGraylisted, Reason: grayReason, Score: score, New: isNew}
	}
	if score <= s.config.AutoGraylistScore {
		reason := autoReason("graylisted", score)
		s.storeEntry(&s.graylist, key, reason, SourceAuto, now.Add(s.config.GraylistDuration))
		log.Infof("%s %s", key, reason)
		return Verdict{Allowed: true, Status: StatusGraylisted, Reason: reason, Score: score, New: isNew}
	}

	return Verdict{Allowed: true, Status: StatusNone, Score: score, New: isNew}
}

// IsWhitelisted reports whether ip is whitelisted by an entry, a subnet or a static rule
func (s *Store) IsWhitelisted(ip net.IP) bool {
	if ip == nil {
		return false
	}
	_, ok := s.whitelisted(ip.String(), ip)
	return ok
}

// SetStaticRules installs the pattern based whitelist
func (s *Store) SetStaticRules(r StaticRules) {
	s.static.Store(staticHolder{rules: r})
}

// Close stops the record cache
func (s *Store) Close() error {
	return s.records.Close()
}

func (s *Store) blacklisted(key string, ip net.IP) (data.ListEntry, bool) {
	if v, ok := s.blacklist.Load(key); ok {
		return v.(data.ListEntry), true
	}
	if ip != nil {
		return s.subnets.Load().blackIdx.lookup(ip)
	}
	return data.ListEntry{}, false
}

func (s *Store) whitelisted(key string, ip net.IP) (string, bool) {
	if v, ok := s.whitelist.Load(key); ok {
		return v.(data.ListEntry).Reason, true
	}
	if ip == nil {
		return "", false
	}
	if e, ok := s.subnets.Load().whiteIdx.lookup(ip); ok {
		return e.Reason, true
	}
	if r := s.static.Load().(staticHolder).rules; r != nil {
		if ok, descr := r.WhitelistedIP(ip); ok {
			return descr, true
		}
	}
	return "", false
}

// canonical returns the normalized form of ip and its parsed value. Strings that
// don't parse are used as they are
func canonical(ip string) (string, net.IP) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip, nil
	}
	return parsed.String(), parsed
}

func autoReason(action string, score float64) string {
	return "auto " + action + ": reputation score " + formatScore(score)
}
