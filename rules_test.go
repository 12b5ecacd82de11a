package warden

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/scraperwall/warden/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blacklistedSubnets(w *Warden) []string {
	var keys []string
	for _, e := range w.Reputation().Lists().BlacklistSubnet {
		keys = append(keys, e.Key)
	}
	sort.Strings(keys)
	return keys
}

func TestRulesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[Blacklist]]\nPattern = \"203.0.113.0/24\"\n"), 0o644))

	cfg := testConfig()
	cfg.RulesFile = path
	w, _ := newTestWarden(t, cfg)
	require.NoError(t, w.Start())
	assert.Equal(t, []string{"203.0.113.0/24"}, blacklistedSubnets(w))

	// a manual entry survives the reload
	require.NoError(t, w.Reputation().AddSubnetToBlacklist("192.0.2.0/24", "manual"))

	require.NoError(t, os.WriteFile(path, []byte("[[Blacklist]]\nPattern = \"198.51.100.0/24\"\n\n[[Feed]]\nPattern = \"https://feeds.example.com/drop.txt\"\n"), 0o644))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"192.0.2.0/24", "198.51.100.0/24"}, blacklistedSubnets(w))
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"https://feeds.example.com/drop.txt"}, w.feeds.URLs())

	assert.False(t, w.Evaluate(context.Background(), get("198.51.100.7", "/")).Allow)
	assert.True(t, w.Evaluate(context.Background(), get("203.0.113.9", "/")).Allow)
}

func TestStaticRules(t *testing.T) {
	rules, err := config.ParseRules([]byte(`
[[IP]]
Pattern = '10\.1\.\d+\.\d+'
Description = "internal"

[[ASN]]
Pattern = "AS64496"
Description = "partner"
`))
	require.NoError(t, err)

	s := staticRules{rules: rules}
	ok, descr := s.WhitelistedIP(net.ParseIP("10.1.2.3"))
	assert.True(t, ok)
	assert.Equal(t, "internal", descr)

	// without network metadata ASN rules never match
	ok, _ = s.WhitelistedIP(net.ParseIP("192.0.2.1"))
	assert.False(t, ok)

	ok, _ = staticRules{}.WhitelistedIP(net.ParseIP("10.1.2.3"))
	assert.False(t, ok)
}
