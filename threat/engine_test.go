package threat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/scraperwall/warden/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type violation struct {
	ip       string
	threat   data.ThreatType
	severity data.Severity
}

type fakeSink struct {
	mutex      sync.Mutex
	violations []violation
}

func (s *fakeSink) RecordViolation(ip string, t data.ThreatType, sev data.Severity) float64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.violations = append(s.violations, violation{ip, t, sev})
	return 0
}

func (s *fakeSink) all() []violation {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]violation(nil), s.violations...)
}

type brokenDetector struct {
	panics bool
}

func (d brokenDetector) Type() data.ThreatType { return data.ThreatDDoS }
func (d brokenDetector) Sync() bool            { return true }
func (d brokenDetector) Check(context.Context, *data.RequestEvent, []*data.RequestEvent) (*data.ThreatIndicator, error) {
	if d.panics {
		var m map[string]int
		m["boom"]++
	}
	return nil, errors.New("broken")
}

type alwaysBot struct{}

func (alwaysBot) Type() data.ThreatType { return data.ThreatBot }
func (alwaysBot) Sync() bool            { return false }
func (alwaysBot) Check(_ context.Context, r *data.RequestEvent, _ []*data.RequestEvent) (*data.ThreatIndicator, error) {
	return data.NewThreatIndicator(r, data.ThreatBot, data.SeverityLow, 0.5, "test"), nil
}

func TestEngineIsolatesFailures(t *testing.T) {
	h := NewHistory(10, time.Hour, time.Hour, func() time.Time { return t0 })
	e := NewEngine(Config{}, h, nil, brokenDetector{panics: true}, brokenDetector{}, SQLInjection())

	found := e.AnalyzeSync(context.Background(), event("192.0.2.1", "/?id=1 UNION SELECT 1", t0))
	require.Len(t, found, 1)
	assert.Equal(t, data.ThreatSQLInjection, found[0].Type)
	assert.Equal(t, int64(2), e.Stats().Failures)
	assert.Len(t, h.Threats("192.0.2.1"), 1)

	assert.Nil(t, e.AnalyzeSync(context.Background(), nil))
}

func TestEngineForwardsSevereThreats(t *testing.T) {
	h := NewHistory(10, time.Hour, time.Hour, func() time.Time { return t0 })
	sink := &fakeSink{}
	e := NewEngine(Config{}, h, sink, SQLInjection(), alwaysBot{})

	r := event("192.0.2.2", "/?id=1 UNION SELECT 1", t0)
	found := e.Analyze(context.Background(), r, []*data.RequestEvent{r})
	require.Len(t, found, 2)

	v := sink.all()
	require.Len(t, v, 1)
	assert.Equal(t, violation{"192.0.2.2", data.ThreatSQLInjection, data.SeverityHigh}, v[0])
}

func TestEngineSyncAsyncSplit(t *testing.T) {
	h := NewHistory(10, time.Hour, time.Hour, func() time.Time { return t0 })
	e := NewEngine(Config{}, h, nil, SQLInjection(), alwaysBot{})
	r := event("192.0.2.3", "/?id=1 UNION SELECT 1", t0)

	syncFound := e.AnalyzeSync(context.Background(), r)
	require.Len(t, syncFound, 1)
	assert.Equal(t, data.ThreatSQLInjection, syncFound[0].Type)

	async := e.AnalyzeAsync(context.Background(), r, nil)
	require.Len(t, async, 1)
	assert.Equal(t, data.ThreatBot, async[0].Type)
}

func TestEngineCooldown(t *testing.T) {
	h := NewHistory(10, time.Hour, time.Hour, func() time.Time { return t0 })
	e := NewEngine(Config{Cooldown: time.Minute}, h, nil, alwaysBot{}, SQLInjection())

	r := event("192.0.2.4", "/", t0)
	assert.Len(t, e.AnalyzeAsync(context.Background(), r, nil), 1)
	assert.Len(t, e.AnalyzeAsync(context.Background(), event("192.0.2.4", "/", t0.Add(30*time.Second)), nil), 0)
	assert.Len(t, e.AnalyzeAsync(context.Background(), event("192.0.2.4", "/", t0.Add(2*time.Minute)), nil), 1)

	// signatures are reported every time
	for i := 0; i < 3; i++ {
		assert.Len(t, e.AnalyzeSync(context.Background(), event("192.0.2.4", "/?id=1 UNION SELECT 1", t0)), 1)
	}
}

func TestEngineQueue(t *testing.T) {
	h := NewHistory(10, time.Hour, time.Hour, nil)
	e := NewEngine(Config{Workers: 2, QueueSize: 100}, h, nil, alwaysBot{})

	var mutex sync.Mutex
	seen := make(map[string]int)
	e.OnThreat(func(ti *data.ThreatIndicator) {
		mutex.Lock()
		seen[ti.IP]++
		mutex.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	ips := []string{"192.0.2.10", "192.0.2.11", "192.0.2.12"}
	for _, ip := range ips {
		r := event(ip, "/", time.Now())
		h.Add(r)
		require.True(t, e.Enqueue(r))
	}
	e.Close()

	assert.Equal(t, int64(3), e.Stats().Processed)
	mutex.Lock()
	defer mutex.Unlock()
	for _, ip := range ips {
		assert.Equal(t, 1, seen[ip])
	}
	assert.False(t, e.Enqueue(event("192.0.2.13", "/", time.Now())))
}

func TestEngineQueueFull(t *testing.T) {
	e := NewEngine(Config{QueueSize: 1}, NewHistory(10, time.Hour, time.Hour, nil), nil)

	assert.True(t, e.Enqueue(event("192.0.2.20", "/", t0)))
	assert.False(t, e.Enqueue(event("192.0.2.20", "/", t0)))
	assert.Equal(t, int64(1), e.Stats().Dropped)
	assert.Equal(t, 1, e.Stats().Queued)
}
