package plugins

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/scraperwall/warden/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeBlocker struct {
	mutex     sync.Mutex
	subnets   []string
	whitelist map[string]bool
}

func (b *fakeBlocker) AddToBlacklist(ip, reason string) error { return nil }
func (b *fakeBlocker) TempBlock(ip string, d time.Duration, reason string) error {
	return nil
}
func (b *fakeBlocker) AddSubnetToBlacklist(cidr, reason string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.subnets = append(b.subnets, cidr)
	return nil
}
func (b *fakeBlocker) IsWhitelisted(ip net.IP) bool { return b.whitelist[ip.String()] }

func request(ip, path string, at time.Time) *data.RequestEvent {
	r := &data.RequestEvent{IP: ip, Path: path, Time: at}
	r.Normalize(at)
	return r
}

func TestDefaultNetwork(t *testing.T) {
	assert.Equal(t, "192.0.2.0/24", DefaultNetwork(net.ParseIP("192.0.2.77")).String())
	assert.Equal(t, "2001:db8:1::/48", DefaultNetwork(net.ParseIP("2001:db8:1:2::1")).String())

	var meta *IPMeta
	_, ok := meta.Lookup(net.ParseIP("192.0.2.1"))
	assert.False(t, ok)
	assert.Equal(t, "192.0.2.0/24", meta.Network(net.ParseIP("192.0.2.1")).String())
}

func TestIPMetaAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewIPMeta(nil, nil).APIHooks(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ipmeta/asn/not-an-ip", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ipmeta/geoip/192.0.2.1", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNetworksStats(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	now := t0
	n := NewNetworks(ctx, NetworksConfig{WindowSize: time.Minute, NumWindows: 5, Now: func() time.Time { return now }}, nil)

	n.HandleRequest(request("192.0.2.1", "/", t0))
	n.HandleRequest(request("192.0.2.2", "/static/app.css", t0))
	n.HandleRequest(request("192.0.2.3", "/products", t0.Add(time.Minute)))
	n.HandleRequest(request("198.51.100.1", "/", t0))
	n.HandleRequest(request("bogus", "/", t0))

	assert.Equal(t, 2, n.Count())
	now = t0.Add(time.Minute)

	s, ok := n.Get(DefaultNetwork(net.ParseIP("192.0.2.1")))
	require.True(t, ok)
	assert.Equal(t, int64(3), s.Total)
	assert.Equal(t, int64(2), s.App)
	assert.Equal(t, int64(1), s.Other)
	assert.InDelta(t, 0.667, s.Ratio, 0.001)

	all := n.All()
	require.Len(t, all, 2)
	assert.Equal(t, "192.0.2.0/24", all[0].Network)

	avg := n.Averages()
	assert.Equal(t, int64(2), avg.Total)

	assert.Equal(t, 2, n.expire(t0.Add(10*time.Minute)))
	assert.Equal(t, 0, n.Count())
}

func TestNetworksBlocking(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := NewNetworks(ctx, NetworksConfig{WindowSize: time.Minute, NumWindows: 1, BlockThreshold: 10, Now: func() time.Time { return t0 }}, nil)
	b := &fakeBlocker{whitelist: map[string]bool{"198.51.100.1": true}}
	n.SetBlocker(b)

	for i := 0; i < 20; i++ {
		n.HandleRequest(request(fmt.Sprintf("192.0.2.%d", i), "/", t0))
		n.HandleRequest(request("198.51.100.1", "/", t0))
	}

	assert.Equal(t, []string{"192.0.2.0/24"}, b.subnets)
	s, _ := n.Get(DefaultNetwork(net.ParseIP("192.0.2.1")))
	assert.True(t, s.Blocked)
}

func TestNetworksAPI(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := NewNetworks(ctx, NetworksConfig{Now: func() time.Time { return t0 }}, nil)
	n.HandleRequest(request("192.0.2.1", "/", t0))

	gin.SetMode(gin.TestMode)
	r := gin.New()
	n.APIHooks(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/network/192.0.2.0/24", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var s data.NetworkStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	assert.Equal(t, int64(1), s.Total)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/network/198.51.100.0/24", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/network/192.0.2.0/99", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/networks", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
