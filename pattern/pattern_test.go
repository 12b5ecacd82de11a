package pattern

import (
	"fmt"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/scraperwall/warden/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)

func event(ip, path, ua string, t time.Time) *data.RequestEvent {
	return &data.RequestEvent{IP: ip, Method: "GET", Path: path, UserAgent: ua, Time: t}
}

func TestScanningScore(t *testing.T) {
	a := New(Config{})
	ip := gofakeit.IPv4Address()

	// 25 distinct endpoints within a minute, human-ish irregular timing
	offsets := []int{0, 1, 4, 5, 9, 13, 14, 18, 20, 23, 27, 28, 30, 33, 35, 38, 41, 42, 45, 47, 50, 52, 55, 57, 59}
	for i, off := range offsets {
		a.Record(ip, event(ip, fmt.Sprintf("/page/%d", i), "Mozilla/5.0", t0.Add(time.Duration(off)*time.Second)))
	}

	res := a.Score(ip)
	assert.GreaterOrEqual(t, res.Score, 30)
	assert.Contains(t, res.Reasons, "scanning")
	assert.NotContains(t, res.Reasons, "bot-like regularity")
}

func TestRegularAndFast(t *testing.T) {
	a := New(Config{})

	for i := 0; i < 10; i++ {
		a.Record("10.0.0.1", event("10.0.0.1", "/feed", "curl/7.68.0", t0.Add(time.Duration(i)*500*time.Millisecond)))
		a.Record("10.0.0.2", event("10.0.0.2", "/feed", "curl/7.68.0", t0.Add(time.Duration(i)*10*time.Millisecond)))
	}

	regular := a.Score("10.0.0.1")
	assert.Equal(t, 55, regular.Score)
	assert.ElementsMatch(t, []string{"hammering", "bot-like regularity"}, regular.Reasons)

	fast := a.Score("10.0.0.2")
	assert.Equal(t, 95, fast.Score)
	assert.Contains(t, fast.Reasons, "suspiciously fast")
}

func TestNotEnoughSamples(t *testing.T) {
	a := New(Config{})
	for i := 0; i < 9; i++ {
		a.Record("10.0.0.1", event("10.0.0.1", "/", "Mozilla/5.0", t0.Add(time.Duration(i)*time.Millisecond)))
	}
	assert.Equal(t, 0, a.Score("10.0.0.1").Score)
	assert.Equal(t, 0, a.Score("10.9.9.9").Score)
}

func TestAgentsAndErrors(t *testing.T) {
	a := New(Config{})
	ip := "10.0.0.3"

	for i := 0; i < 12; i++ {
		a.Record(ip, event(ip, fmt.Sprintf("/p/%d", i%3), gofakeit.UserAgent()+fmt.Sprint(i), t0.Add(time.Duration(i*i)*time.Second)))
		status := 200
		if i%4 != 0 {
			status = 404
		}
		a.RecordStatus(ip, status)
	}

	res := a.Score(ip)
	assert.Contains(t, res.Reasons, "multiple user agents")
	assert.Contains(t, res.Reasons, "high error rate")

	f, ok := a.Features(ip)
	require.True(t, ok)
	assert.Equal(t, 12, f.Requests)
	assert.Equal(t, 3, f.Endpoints)
	assert.Equal(t, 12, f.Responses)
	assert.Equal(t, 9, f.Errors)
}

func TestScoreIsCapped(t *testing.T) {
	res := ScoreFeatures(Features{
		Requests:      20,
		Endpoints:     20,
		EndpointShare: 0.95,
		Agents:        10,
		Intervals:     make([]float64, 19),
		Responses:     20,
		Errors:        20,
	})
	assert.Equal(t, 100, res.Score)
}

func TestBoundedHistory(t *testing.T) {
	a := New(Config{MaxSamples: 10, MaxEndpoints: 5, MaxAgents: 2})
	for i := 0; i < 100; i++ {
		a.Record("10.0.0.4", event("10.0.0.4", fmt.Sprintf("/%d", i), fmt.Sprint(i), t0.Add(time.Duration(i)*time.Second)))
	}
	f, _ := a.Features("10.0.0.4")
	assert.Equal(t, 100, f.Requests)
	assert.Equal(t, 5, f.Sampled)
	assert.Equal(t, 5, f.Endpoints)
	assert.Equal(t, 2, f.Agents)
	assert.Len(t, f.Intervals, 9)
}

func TestScanningPastEndpointCap(t *testing.T) {
	a := New(Config{MaxEndpoints: 50})
	ip := gofakeit.IPv4Address()

	for i := 0; i < 200; i++ {
		a.Record(ip, event(ip, fmt.Sprintf("/wp-%d.php", i), "Mozilla/5.0", t0.Add(time.Duration(i*3)*time.Second)))
	}
	f, ok := a.Features(ip)
	require.True(t, ok)
	assert.Equal(t, 200, f.Requests)
	assert.Equal(t, 50, f.Endpoints)

	res := a.Score(ip)
	assert.Contains(t, res.Reasons, "scanning")
	assert.NotContains(t, res.Reasons, "hammering")

	// repeats of known paths still dilute the diversity
	for i := 0; i < 200; i++ {
		a.Record(ip, event(ip, "/wp-0.php", "Mozilla/5.0", t0.Add(time.Duration(600+i*3)*time.Second)))
	}
	assert.NotContains(t, a.Score(ip).Reasons, "scanning")
}

func TestCleanup(t *testing.T) {
	a := New(Config{})
	a.Record("10.0.0.5", event("10.0.0.5", "/", "", t0))
	a.Record("10.0.0.6", event("10.0.0.6", "/", "", t0.Add(time.Hour)))

	assert.Equal(t, 1, a.Cleanup(t0.Add(90*time.Minute), time.Hour))
	assert.Equal(t, 1, a.Len())
}

func TestMeanStd(t *testing.T) {
	m, s := MeanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5, m, 1e-9)
	assert.InDelta(t, 2, s, 1e-9)
}
