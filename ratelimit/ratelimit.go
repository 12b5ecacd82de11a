package ratelimit

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ReneKroon/ttlcache/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Scopes a bucket key can belong to
const (
	ScopeGlobal       = "global"
	ScopeIP           = "ip"
	ScopeUser         = "user"
	ScopeEndpoint     = "endpoint"
	ScopeUserEndpoint = "user_endpoint"
)

// ErrBackend wraps failures of the shared bucket backend
var ErrBackend = errors.New("rate limit backend unavailable")

// Limit describes a token bucket: up to Capacity tokens, refilled at RefillRate tokens per second
type Limit struct {
	Capacity   int
	RefillRate float64
}

// scale returns the limit multiplied by f, keeping at least one token of capacity
func (l Limit) scale(f float64) Limit {
	c := int(math.Round(float64(l.Capacity) * f))
	if c < 1 {
		c = 1
	}
	return Limit{Capacity: c, RefillRate: l.RefillRate * f}
}

// EndpointLimit applies a Limit to all paths starting with Prefix
type EndpointLimit struct {
	Prefix string
	Limit  Limit
}

// Config contains the bucket profiles of all scopes
type Config struct {
	Global       Limit
	IP           Limit
	User         Limit
	Endpoint     Limit
	UserEndpoint Limit
	Endpoints    []EndpointLimit
	AttackFactor float64
	IdleTTL      time.Duration
	FailOpen     bool
	Now          func() time.Time
}

// Request names the scopes a single request is charged against
type Request struct {
	IP       string
	User     string
	Endpoint string
	Cost     int
}

// Result is the outcome of a bucket check
type Result struct {
	Allowed    bool
	Scope      string
	Key        string
	Limit      int
	Remaining  int
	Reset      time.Duration
	RetryAfter time.Duration
	Degraded   bool
}

// Backend is a shared token bucket store, e.g. for a fleet of instances
type Backend interface {
	Take(ctx context.Context, key string, lim Limit, cost int, now time.Time) (Result, error)
}

type bucket struct {
	mutex   sync.Mutex
	limiter *rate.Limiter
	base    Limit
	attack  bool
}

// Limiter enforces token buckets for every scope of a request
type Limiter struct {
	config    Config
	buckets   *ttlcache.Cache
	createMtx sync.Mutex
	endpoints atomic.Value
	attack    atomic.Bool
	backend   Backend
	now       func() time.Time
}

// New creates a limiter with in-process buckets
func New(config Config) *Limiter {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.AttackFactor <= 0 || config.AttackFactor > 1 {
		config.AttackFactor = 1
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}

	cache := ttlcache.NewCache()
	cache.SetTTL(config.IdleTTL)

	l := &Limiter{
		config:  config,
		buckets: cache,
		now:     config.Now,
	}
	l.SetEndpoints(config.Endpoints)
	return l
}

// WithBackend makes the limiter consult a shared backend before its own buckets
func (l *Limiter) WithBackend(b Backend) *Limiter {
	l.backend = b
	return l
}

// SetEndpoints replaces the per-endpoint limits. Longer prefixes take precedence
func (l *Limiter) SetEndpoints(endpoints []EndpointLimit) {
	eps := append([]EndpointLimit(nil), endpoints...)
	for i := 1; i < len(eps); i++ {
		for j := i; j > 0 && len(eps[j].Prefix) > len(eps[j-1].Prefix); j-- {
			eps[j], eps[j-1] = eps[j-1], eps[j]
		}
	}
	l.endpoints.Store(eps)
}

// SetProfile switches between the normal and the attack bucket profile.
// Existing buckets are retuned when they are next used
func (l *Limiter) SetProfile(attack bool) {
	if l.attack.Swap(attack) != attack {
		log.Infof("rate limiter attack profile: %v", attack)
	}
}

// Attack reports whether the attack profile is active
func (l *Limiter) Attack() bool {
	return l.attack.Load()
}

// Allow takes cost tokens from the bucket identified by key
func (l *Limiter) Allow(key string, cost int) bool {
	return l.AllowAt(key, cost, l.now()).Allowed
}

// AllowAt takes cost tokens at now from the bucket identified by key.
// The key's scope prefix decides which limit applies
func (l *Limiter) AllowAt(key string, cost int, now time.Time) Result {
	return l.take(key, l.limitFor(key), cost, now)
}

// Tokens returns the tokens currently available in the bucket for key
func (l *Limiter) Tokens(key string, now time.Time) float64 {
	v, err := l.buckets.Get(key)
	if err != nil {
		return float64(l.effective(l.limitFor(key)).Capacity)
	}
	b := v.(*bucket)
	b.mutex.Lock()
	defer b.mutex.Unlock()
	l.retune(b, now)
	return b.limiter.TokensAt(now)
}

// Check charges a request against all its scopes. The request is allowed only if every
// scope allows it; evaluation stops at the first denying scope, most specific first, so
// denied requests don't drain the shared buckets
func (l *Limiter) Check(ctx context.Context, r Request) Result {
	now := l.now()
	cost := r.Cost
	if cost <= 0 {
		cost = 1
	}

	keys := make([]string, 0, 5)
	if r.IP != "" {
		keys = append(keys, Key(ScopeIP, r.IP))
	}
	if r.User != "" && r.Endpoint != "" {
		keys = append(keys, Key(ScopeUserEndpoint, r.User, r.Endpoint))
	}
	if r.User != "" {
		keys = append(keys, Key(ScopeUser, r.User))
	}
	if r.Endpoint != "" {
		keys = append(keys, Key(ScopeEndpoint, r.Endpoint))
	}
	keys = append(keys, ScopeGlobal)

	var tightest Result
	degraded := false
	for i, key := range keys {
		res := l.check(ctx, key, cost, now)
		degraded = degraded || res.Degraded
		if !res.Allowed {
			res.Degraded = degraded
			return res
		}
		if i == 0 || res.Remaining < tightest.Remaining {
			tightest = res
		}
	}
	tightest.Degraded = degraded
	return tightest
}

func (l *Limiter) check(ctx context.Context, key string, cost int, now time.Time) Result {
	lim := l.limitFor(key)
	if l.backend == nil {
		return l.take(key, lim, cost, now)
	}

	res, err := l.backend.Take(ctx, key, l.effective(lim), cost, now)
	if err == nil {
		res.Scope = scopeOf(key)
		res.Key = key
		return res
	}

	log.Warnf("rate limit backend for %s: %s", key, err)
	if !l.config.FailOpen {
		return Result{Scope: scopeOf(key), Key: key, Degraded: true, RetryAfter: time.Second}
	}
	res = l.take(key, lim, cost, now)
	res.Degraded = true
	return res
}

func (l *Limiter) take(key string, lim Limit, cost int, now time.Time) Result {
	b := l.bucket(key, lim, now)

	b.mutex.Lock()
	defer b.mutex.Unlock()

	l.retune(b, now)
	allowed := b.limiter.AllowN(now, cost)
	tokens := b.limiter.TokensAt(now)

	capacity := b.limiter.Burst()
	refill := float64(b.limiter.Limit())
	res := Result{
		Allowed:   allowed,
		Scope:     scopeOf(key),
		Key:       key,
		Limit:     capacity,
		Remaining: int(math.Max(0, math.Floor(tokens))),
		Reset:     durationFor(float64(capacity)-tokens, refill),
	}
	if !allowed {
		res.RetryAfter = durationFor(float64(cost)-tokens, refill)
	}
	return res
}

// retune applies the active profile to a bucket; must be called with b.mutex held
func (l *Limiter) retune(b *bucket, now time.Time) {
	attack := l.attack.Load()
	if b.attack == attack {
		return
	}
	lim := b.base
	if attack {
		lim = b.base.scale(l.config.AttackFactor)
	}
	b.limiter.SetLimitAt(now, rate.Limit(lim.RefillRate))
	b.limiter.SetBurstAt(now, lim.Capacity)
	b.attack = attack
}

func (l *Limiter) bucket(key string, lim Limit, now time.Time) *bucket {
	if v, err := l.buckets.Get(key); err == nil {
		return v.(*bucket)
	}

	l.createMtx.Lock()
	defer l.createMtx.Unlock()

	if v, err := l.buckets.Get(key); err == nil {
		return v.(*bucket)
	}

	b := &bucket{
		limiter: rate.NewLimiter(rate.Limit(lim.RefillRate), lim.Capacity),
		base:    lim,
	}
	l.retune(b, now)
	if err := l.buckets.Set(key, b); err != nil {
		log.Warnf("rate limit bucket %s: %s", key, err)
	}
	return b
}

// effective returns lim under the active profile
func (l *Limiter) effective(lim Limit) Limit {
	if l.attack.Load() {
		return lim.scale(l.config.AttackFactor)
	}
	return lim
}

func (l *Limiter) limitFor(key string) Limit {
	switch scopeOf(key) {
	case ScopeGlobal:
		return l.config.Global
	case ScopeUser:
		return l.config.User
	case ScopeUserEndpoint:
		return l.config.UserEndpoint
	case ScopeEndpoint:
		path := strings.TrimPrefix(key, ScopeEndpoint+":")
		for _, e := range l.endpoints.Load().([]EndpointLimit) {
			if strings.HasPrefix(path, e.Prefix) {
				return e.Limit
			}
		}
		return l.config.Endpoint
	default:
		return l.config.IP
	}
}

// Len returns the number of live buckets
func (l *Limiter) Len() int {
	return l.buckets.Count()
}

// Close stops the idle bucket collection
func (l *Limiter) Close() error {
	return l.buckets.Close()
}

// Key builds the bucket key for a scope and its identifiers
func Key(scope string, ids ...string) string {
	if len(ids) == 0 {
		return scope
	}
	return scope + ":" + strings.Join(ids, ":")
}

func scopeOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

func durationFor(tokens, refill float64) time.Duration {
	if tokens <= 0 || refill <= 0 {
		return 0
	}
	return time.Duration(tokens / refill * float64(time.Second))
}
