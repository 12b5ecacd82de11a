package threat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/scraperwall/warden/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func login(ip, user string, at time.Time, status int) *data.RequestEvent {
	r := &data.RequestEvent{
		IP:        ip,
		Method:    "POST",
		Path:      "/api/login",
		Params:    map[string]string{"username": user},
		UserAgent: "Mozilla/5.0",
		Time:      at,
		Status:    status,
	}
	r.Normalize(at)
	return r
}

func TestSignatureDetectors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		det    *SignatureDetector
		path   string
		threat data.ThreatType
	}{
		{"union select", SQLInjection(), "/items?id=1%20UNION%20SELECT%20password%20FROM%20users", data.ThreatSQLInjection},
		{"tautology", SQLInjection(), "/search?q=x' OR '1'='1", data.ThreatSQLInjection},
		{"script tag", XSS(), "/search?q=%3Cscript%3Ealert(1)%3C/script%3E", data.ThreatXSS},
		{"double encoded traversal", PathTraversal(), "/files?name=%252e%252e%252f%252e%252e%252fetc%252fpasswd", data.ThreatPathTraversal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := event(gofakeit.IPv4Address(), tt.path, t0)
			ti, err := tt.det.Check(ctx, r, nil)
			require.NoError(t, err)
			require.NotNil(t, ti)
			assert.Equal(t, tt.threat, ti.Type)
			assert.Equal(t, data.SeverityHigh, ti.Severity)
			assert.GreaterOrEqual(t, ti.Confidence, 0.65)
			assert.LessOrEqual(t, ti.Confidence, 1.0)
			assert.Equal(t, r.IP, ti.IP)
		})
	}
}

func TestSignatureDetectorsCleanRequests(t *testing.T) {
	ctx := context.Background()
	paths := []string{"/", "/products/42", "/search?q=blue+shoes", "/blog/2021/03/hello-world", "/static/app.css"}
	for _, p := range paths {
		for _, d := range []*SignatureDetector{SQLInjection(), XSS(), PathTraversal()} {
			ti, err := d.Check(ctx, event("192.0.2.1", p, t0), nil)
			require.NoError(t, err)
			assert.Nil(t, ti, "%s on %s", d.Type(), p)
		}
	}
}

func TestBruteForce(t *testing.T) {
	ip := "198.51.100.7"
	users := []string{"alice", "bob", "carol", "dave", "alice", "bob"}
	var history []*data.RequestEvent
	for i, u := range users {
		status := 401
		if i == 5 {
			status = 200
		}
		history = append(history, login(ip, u, t0.Add(time.Duration(i)*2*time.Second), status))
	}

	ti, err := NewBruteForce().Check(context.Background(), history[5], history)
	require.NoError(t, err)
	require.NotNil(t, ti)
	assert.Equal(t, data.ThreatBruteForce, ti.Type)
	assert.Equal(t, data.SeverityHigh, ti.Severity)
	assert.InDelta(t, 1.0, ti.Confidence, 0.001)
	assert.Equal(t, 4, ti.Details["usernames"])
}

func TestBruteForceNeedsMoreThanRate(t *testing.T) {
	ip := "198.51.100.8"
	var history []*data.RequestEvent
	for i := 0; i < 6; i++ {
		history = append(history, login(ip, "alice", t0.Add(time.Duration(i)*time.Second), 200))
	}
	ti, err := NewBruteForce().Check(context.Background(), history[5], history)
	require.NoError(t, err)
	assert.Nil(t, ti)

	ti, err = NewBruteForce().Check(context.Background(), event(ip, "/home", t0.Add(6*time.Second)), history)
	require.NoError(t, err)
	assert.Nil(t, ti)
}

func TestCredentialStuffing(t *testing.T) {
	ip := "198.51.100.9"
	var history []*data.RequestEvent
	for i := 0; i < 12; i++ {
		history = append(history, login(ip, gofakeit.Email(), t0.Add(time.Duration(i)*10*time.Second), 401))
	}
	ti, err := NewCredentialStuffing().Check(context.Background(), history[11], history)
	require.NoError(t, err)
	require.NotNil(t, ti)
	assert.Equal(t, data.ThreatCredentialStuffing, ti.Type)
	assert.Equal(t, data.SeverityHigh, ti.Severity)
}

func TestAPIAbuse(t *testing.T) {
	ip := "198.51.100.10"
	var hammer []*data.RequestEvent
	for i := 0; i < 120; i++ {
		hammer = append(hammer, event(ip, "/api/price", t0.Add(time.Duration(i)*100*time.Millisecond)))
	}
	ti, err := NewAPIAbuse().Check(context.Background(), hammer[119], hammer)
	require.NoError(t, err)
	require.NotNil(t, ti)
	assert.Equal(t, data.SeverityMedium, ti.Severity)
	assert.Contains(t, ti.Indicators[0], "single endpoint")

	var crawl []*data.RequestEvent
	for i := 0; i < 60; i++ {
		crawl = append(crawl, event(ip, fmt.Sprintf("/api/items/%d", i), t0.Add(time.Duration(i)*200*time.Millisecond)))
	}
	ti, err = NewAPIAbuse().Check(context.Background(), crawl[59], crawl)
	require.NoError(t, err)
	require.NotNil(t, ti)
	assert.Contains(t, ti.Indicators[0], "endpoints")

	ti, err = NewAPIAbuse().Check(context.Background(), crawl[10], crawl[:11])
	require.NoError(t, err)
	assert.Nil(t, ti)
}

func TestScanner(t *testing.T) {
	ip := "198.51.100.11"
	r := event(ip, "/.env", t0)
	r.UserAgent = "Mozilla/5.0 (compatible; Nuclei - Open-source project)"

	ti, err := NewScanner().Check(context.Background(), r, []*data.RequestEvent{r})
	require.NoError(t, err)
	require.NotNil(t, ti)
	assert.Equal(t, data.ThreatScanner, ti.Type)
	assert.Len(t, ti.Indicators, 2)

	var history []*data.RequestEvent
	for i := 0; i < 12; i++ {
		e := event(ip, fmt.Sprintf("/page-%d", i), t0.Add(time.Duration(i)*time.Second))
		history = append(history, e.WithStatus(404))
	}
	ti, err = NewScanner().Check(context.Background(), history[11], history)
	require.NoError(t, err)
	require.NotNil(t, ti)
	assert.Contains(t, ti.Indicators[0], "not found")
}

func TestBot(t *testing.T) {
	ip := "198.51.100.12"
	var history []*data.RequestEvent
	for i := 0; i < 20; i++ {
		e := event(ip, fmt.Sprintf("/p/%d", i), t0.Add(time.Duration(i)*time.Second))
		e.UserAgent = "python-requests/2.25"
		history = append(history, e)
	}

	ti, err := NewBot().Check(context.Background(), history[19], history)
	require.NoError(t, err)
	require.NotNil(t, ti)
	assert.Equal(t, data.ThreatBot, ti.Type)
	assert.Equal(t, data.SeverityLow, ti.Severity)
	assert.Len(t, ti.Indicators, 4)
	assert.InDelta(t, 1.0, ti.Confidence, 0.001)
}

func TestBotBrowser(t *testing.T) {
	ip := "198.51.100.13"
	gaps := []int{0, 3, 4, 12, 13, 30, 31, 33, 60, 95, 96, 140}
	var history []*data.RequestEvent
	for i, g := range gaps {
		e := event(ip, fmt.Sprintf("/p/%d", i), t0.Add(time.Duration(g)*time.Second))
		e.Referrer = "https://example.com/"
		history = append(history, e)
	}
	ti, err := NewBot().Check(context.Background(), history[len(history)-1], history)
	require.NoError(t, err)
	assert.Nil(t, ti)
}
