package warden

import (
	"encoding/base64"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clientIPs(ips ...string) []net.IP {
	res := make([]net.IP, len(ips))
	for i, ip := range ips {
		res[i] = net.ParseIP(ip)
	}
	return res
}

func TestChallengeCookie(t *testing.T) {
	c := &clock{t: t0}
	cc, err := NewChallengeCookie("__warden", testCookieKey, "s3cr3t", c.Now)
	require.NoError(t, err)
	assert.Equal(t, "__warden", cc.Name())

	value, err := cc.Encode(clientIPs("192.0.2.1", "2001:db8::1"), t0.Add(time.Hour))
	require.NoError(t, err)

	assert.True(t, cc.ValidValue(value, clientIPs("192.0.2.1")))
	assert.True(t, cc.ValidValue(value, clientIPs("10.0.0.1", "2001:db8:0::1")))
	assert.False(t, cc.ValidValue(value, clientIPs("192.0.2.2")))

	assert.True(t, cc.Valid("a=b; __warden="+value+"; c=d", clientIPs("192.0.2.1")))
	assert.False(t, cc.Valid("a=b; other="+value, clientIPs("192.0.2.1")))

	c.Add(time.Hour)
	assert.False(t, cc.ValidValue(value, clientIPs("192.0.2.1")))
}

func TestChallengeCookieRejects(t *testing.T) {
	cc, err := NewChallengeCookie("__warden", testCookieKey, "s3cr3t", nil)
	require.NoError(t, err)
	value, err := cc.Encode(clientIPs("192.0.2.1"), time.Now().Add(time.Hour))
	require.NoError(t, err)

	other, err := NewChallengeCookie("__warden", testCookieKey, "another secret", nil)
	require.NoError(t, err)
	assert.False(t, other.ValidValue(value, clientIPs("192.0.2.1")))

	otherKey := base64.StdEncoding.EncodeToString([]byte("fedcba9876543210"))
	other, err = NewChallengeCookie("__warden", otherKey, "s3cr3t", nil)
	require.NoError(t, err)
	assert.False(t, other.ValidValue(value, clientIPs("192.0.2.1")))

	raw, err := url.QueryUnescape(value)
	require.NoError(t, err)
	bin, err := base64.StdEncoding.DecodeString(raw)
	require.NoError(t, err)
	bin[len(bin)-1] ^= 0xff
	assert.False(t, cc.ValidValue(base64.StdEncoding.EncodeToString(bin), clientIPs("192.0.2.1")))

	assert.False(t, cc.ValidValue("not base64!", clientIPs("192.0.2.1")))
	assert.False(t, cc.ValidValue(base64.StdEncoding.EncodeToString([]byte("short")), clientIPs("192.0.2.1")))

	_, err = NewChallengeCookie("__warden", "!!", "s3cr3t", nil)
	assert.Error(t, err)
	_, err = NewChallengeCookie("__warden", base64.StdEncoding.EncodeToString([]byte("7 bytes")), "s3cr3t", nil)
	assert.Error(t, err)
}

func TestPadding(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 31} {
		in := make([]byte, n)
		padded := pad(in)
		assert.Zero(t, len(padded)%16)
		assert.Equal(t, in, unpad(padded))
	}
	assert.Nil(t, unpad([]byte{1, 2, 3, 0}))
	assert.Nil(t, unpad([]byte{1, 2, 3, 3}))
}
