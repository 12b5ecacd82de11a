package warden

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccessLog = `203.0.113.7 - - [01/Mar/2021:11:00:00 +0000] "GET /products?page=2 HTTP/1.1" 200 512 "https://shop.example.com/" "Mozilla/5.0 (X11; Linux x86_64)"
203.0.113.7 - - [01/Mar/2021:11:00:01 +0000] "GET /products/shoe-42.html HTTP/1.1" 404 0 "-" "Mozilla/5.0 (X11; Linux x86_64)"
this line is not an access log entry
198.51.100.9 - - [01/Mar/2021:11:00:02 +0000] "POST /login HTTP/2.0" 401 18 "-" "curl/7.68.0"
198.51.100.9 - - [01/Mar/2021:11:00:03 +0000] "-" 400 0 "-" "-"
`

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "access.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLogReplay(t *testing.T) {
	cfg := testConfig()
	cfg.NumWindows = 10
	w, _ := newTestWarden(t, cfg)

	n, err := w.LogReplay(context.Background(), writeLog(t, testAccessLog), "", false)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recent := w.History().Recent("203.0.113.7")
	require.Len(t, recent, 2)
	assert.Equal(t, "/products", recent[0].Path)
	assert.Equal(t, "2", recent[0].Params["page"])
	assert.Equal(t, 200, recent[0].Status)
	assert.Equal(t, "https://shop.example.com/", recent[0].Referrer)
	assert.Equal(t, "replay", recent[0].Source)
	assert.Empty(t, recent[1].Referrer)
	assert.Equal(t, 404, recent[1].Status)

	// timestamps are spread over the stats windows ending now
	assert.Equal(t, t0.Add(-10*time.Minute), recent[0].Time)
	assert.Equal(t, t0.Add(-8*time.Minute), recent[1].Time)

	login := w.History().Recent("198.51.100.9")
	require.Len(t, login, 1)
	assert.Equal(t, "POST", login[0].Method)
	assert.Equal(t, "curl/7.68.0", login[0].UserAgent)
	assert.Equal(t, "scw.test", login[0].Host)
}

func TestLogReplayAnonymized(t *testing.T) {
	w, _ := newTestWarden(t, testConfig())

	n, err := w.LogReplay(context.Background(), writeLog(t, testAccessLog), DefaultLogFormat, true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recent := w.History().Recent("203.0.113.7")
	require.Len(t, recent, 2)
	assert.Equal(t, "/xxxxxxxx", recent[0].Path)
	assert.Equal(t, "x", recent[0].Params["xxxx"])
	assert.Equal(t, "/xxxxxxxx/xxxx-xx.html", recent[1].Path)
	for _, r := range recent {
		assert.Equal(t, "scw.test", r.Host)
		assert.False(t, strings.Contains(r.Path, "products"))
	}
}

func TestLogReplayErrors(t *testing.T) {
	w, _ := newTestWarden(t, testConfig())

	_, err := w.LogReplay(context.Background(), filepath.Join(t.TempDir(), "missing.log"), "", false)
	assert.Error(t, err)

	n, err := w.LogReplay(context.Background(), writeLog(t, ""), "", false)
	require.NoError(t, err)
	assert.Zero(t, n)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err = w.LogReplay(ctx, writeLog(t, testAccessLog), "", false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}

func TestAnonymizeURL(t *testing.T) {
	assert.Equal(t, "/xxxxxxxx/xxxx-xx.html?xxxxx=xxx", anonymizeURL("/products/shoe-42.html?color=red"))
	assert.Equal(t, "/xxxxxx/", anonymizeURL("/search/"))
	assert.Equal(t, "/", anonymizeURL("/"))
}
