package warden

import (
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/scraperwall/warden/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testCookieKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef"))

type recordingPlugin struct {
	mutex     sync.Mutex
	requests  []*data.RequestEvent
	whitelist map[string]bool
	blocker   data.Blocker
}

func (p *recordingPlugin) HandleRequest(r *data.RequestEvent) {
	p.mutex.Lock()
	p.requests = append(p.requests, r)
	p.mutex.Unlock()
}

func (p *recordingPlugin) APIHooks(r *gin.Engine) {
	r.GET("/recording", func(c *gin.Context) {
		p.mutex.Lock()
		defer p.mutex.Unlock()
		c.JSON(http.StatusOK, gin.H{"requests": len(p.requests)})
	})
}

func (p *recordingPlugin) SetBlocker(b data.Blocker) { p.blocker = b }

func (p *recordingPlugin) IsWhitelisted(ip net.IP) bool { return p.whitelist[ip.String()] }

func (p *recordingPlugin) seen() []*data.RequestEvent {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]*data.RequestEvent(nil), p.requests...)
}

func newTestRouter(w *Warden) *gin.Engine {
	router := gin.New()
	router.Use(w.Middleware())
	router.GET("/products", func(c *gin.Context) {
		c.String(http.StatusOK, "products")
	})
	router.GET("/missing", func(c *gin.Context) {
		c.String(http.StatusNotFound, "not here")
	})
	router.POST("/form", func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.String(http.StatusOK, string(body))
	})
	return router
}

func serve(router http.Handler, req *http.Request, ip string) *httptest.ResponseRecorder {
	req.Header.Set("X-Forwarded-For", ip)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareAdmits(t *testing.T) {
	plugin := &recordingPlugin{}
	w, _ := newTestWarden(t, testConfig(), WithPlugins(plugin))
	router := newTestRouter(w)

	ip := gofakeit.IPv4Address()
	rec := serve(router, httptest.NewRequest(http.MethodGet, "/products", nil), ip)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "products", rec.Body.String())
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Reset"))

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/missing", nil), ip)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	recent := w.History().Recent(ip)
	require.Len(t, recent, 2)
	assert.Equal(t, 200, recent[0].Status)
	assert.Equal(t, 404, recent[1].Status)
	assert.Equal(t, 0, w.conns.Active(ip))

	seen := plugin.seen()
	require.Len(t, seen, 2)
	assert.Equal(t, "/missing", seen[1].Path)
	assert.NotNil(t, plugin.blocker)
}

func TestMiddlewareRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.IPCapacity = 1
	cfg.IPRefill = 0.5
	w, _ := newTestWarden(t, cfg)
	router := newTestRouter(w)

	ip := gofakeit.IPv4Address()
	require.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodGet, "/products", nil), ip).Code)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/products", nil), ip)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(data.ReasonRateLimited), resp.Type)
	assert.Contains(t, resp.Message, "ip")
}

func TestMiddlewareInspectsBody(t *testing.T) {
	w, _ := newTestWarden(t, testConfig())
	router := newTestRouter(w)

	form := url.Values{"q": {"garden chairs"}, "username": {"Bob"}}.Encode()
	req := httptest.NewRequest(http.MethodPost, "/form", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	ip := gofakeit.IPv4Address()
	rec := serve(router, req, ip)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, form, rec.Body.String())

	recent := w.History().Recent(ip)
	require.Len(t, recent, 1)
	assert.Equal(t, "bob", recent[0].Credential())
	assert.Equal(t, int64(len(form)), recent[0].BodySize)

	req = httptest.NewRequest(http.MethodPost, "/form", strings.NewReader(`{"q":"x' OR 1=1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = serve(router, req, gofakeit.IPv4Address())
	require.Equal(t, http.StatusForbidden, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(data.ReasonThreatDetected), resp.Type)
}

func TestMiddlewareChallenge(t *testing.T) {
	cfg := testConfig()
	cfg.CookieKey = testCookieKey
	cfg.CookieSecret = "s3cr3t"
	w, c := newTestWarden(t, cfg)
	router := newTestRouter(w)
	w.SetAttackMode(true)

	ip := gofakeit.IPv4Address()
	rec := serve(router, httptest.NewRequest(http.MethodGet, "/products", nil), ip)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(data.ReasonVerificationRequired), resp.Type)
	assert.Equal(t, "/challenge", resp.Redirect)

	value, err := w.cookie.Encode([]net.IP{net.ParseIP(ip)}, c.Now().Add(cfg.ChallengeTTL))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/products", nil)
	req.Header.Set("Cookie", "session=abc; "+cfg.CookieName+"="+value)
	rec = serve(router, req, ip)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, w.ChallengePassed(ip))

	w.SetAttackMode(false)
	rec = serve(router, httptest.NewRequest(http.MethodGet, "/products", nil), gofakeit.IPv4Address())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPluginWhitelist(t *testing.T) {
	ip := gofakeit.IPv4Address()
	plugin := &recordingPlugin{whitelist: map[string]bool{ip: true}}
	w, _ := newTestWarden(t, testConfig(), WithPlugins(plugin))
	router := newTestRouter(w)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/products?q=<script>alert(1)</script>", nil), ip)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, w.History().Recent(ip))
	assert.Empty(t, plugin.seen())
}

func TestRequestFromHTTP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/login?next=%2Fhome", strings.NewReader("user=alice&password=secret"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", "https://shop.example.com/")

	r := RequestFromHTTP(req, "192.0.2.7")
	assert.Equal(t, "/login", r.Path)
	assert.Equal(t, "next=%2Fhome", r.Query)
	assert.Equal(t, "/home", r.Params["next"])
	assert.Equal(t, "alice", r.Params["user"])
	assert.Equal(t, "https://shop.example.com/", r.Referrer)
	assert.Equal(t, "http", r.Source)

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "user=alice&password=secret", string(body))

	// binary uploads are not inspected
	req = httptest.NewRequest(http.MethodPut, "/upload", strings.NewReader("\x89PNG"))
	req.Header.Set("Content-Type", "image/png")
	r = RequestFromHTTP(req, "192.0.2.7")
	assert.Empty(t, r.Body)
	assert.Nil(t, r.Params)
}
