package warden

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrInvalidCookie is returned for challenge cookies that can't be decrypted
var ErrInvalidCookie = errors.New("invalid challenge cookie")

// ChallengeCookie encodes and verifies the cookie a client receives after passing a
// challenge. The cookie value is the base64 encoded AES-CBC encryption of
// secret|ip1,ip2,...|expiry-unix-timestamp with the IV prepended
type ChallengeCookie struct {
	name   string
	key    []byte
	secret string
	now    func() time.Time
}

// NewChallengeCookie creates a cookie codec. key is the base64 encoding of an AES key
func NewChallengeCookie(name, key, secret string, now func() time.Time) (*ChallengeCookie, error) {
	keyBin, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("cookie key: %w", err)
	}
	if _, err := aes.NewCipher(keyBin); err != nil {
		return nil, fmt.Errorf("cookie key: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &ChallengeCookie{
		name:   name,
		key:    keyBin,
		secret: secret,
		now:    now,
	}, nil
}

// Name returns the cookie name
func (cc *ChallengeCookie) Name() string {
	return cc.name
}

// Encode returns a cookie value that is valid for ips until expires
func (cc *ChallengeCookie) Encode(ips []net.IP, expires time.Time) (string, error) {
	addrs := make([]string, len(ips))
	for i, ip := range ips {
		addrs[i] = ip.String()
	}
	plain := fmt.Sprintf("%s|%s|%d", cc.secret, strings.Join(addrs, ","), expires.Unix())

	enc, err := encrypt([]byte(plain), cc.key)
	if err != nil {
		return "", err
	}
	return url.QueryEscape(base64.StdEncoding.EncodeToString(enc)), nil
}

// Valid reports whether the Cookie header cookies contains a challenge cookie for one of ips
func (cc *ChallengeCookie) Valid(cookies string, ips []net.IP) bool {
	prefix := cc.name + "="
	for _, cookie := range strings.Split(cookies, ";") {
		cookie = strings.TrimSpace(cookie)
		if !strings.HasPrefix(cookie, prefix) {
			continue
		}
		if cc.ValidValue(cookie[len(prefix):], ips) {
			return true
		}
	}
	return false
}

// ValidValue reports whether value is an unexpired challenge cookie issued for one of ips
func (cc *ChallengeCookie) ValidValue(value string, ips []net.IP) bool {
	addrs, expires, err := cc.decode(value)
	if err != nil {
		log.Debugf("challenge cookie: %s", err)
		return false
	}
	if !expires.After(cc.now()) {
		log.Debugf("challenge cookie expired at %s", expires)
		return false
	}

	valid := make(map[string]bool, len(ips))
	for _, ip := range ips {
		valid[ip.String()] = true
	}
	for _, a := range addrs {
		if ip := net.ParseIP(strings.TrimSpace(a)); ip != nil && valid[ip.String()] {
			return true
		}
	}
	return false
}

func (cc *ChallengeCookie) decode(value string) ([]string, time.Time, error) {
	unescaped, err := url.QueryUnescape(value)
	if err != nil {
		unescaped = value
	}
	bin, err := base64.StdEncoding.DecodeString(unescaped)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %s", ErrInvalidCookie, err)
	}
	plain, err := decrypt(bin, cc.key)
	if err != nil {
		return nil, time.Time{}, err
	}

	parts := strings.Split(string(plain), "|")
	if len(parts) != 3 {
		return nil, time.Time{}, fmt.Errorf("%w: %d fields", ErrInvalidCookie, len(parts))
	}
	if parts[0] != cc.secret {
		return nil, time.Time{}, fmt.Errorf("%w: wrong secret", ErrInvalidCookie)
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: timestamp %q", ErrInvalidCookie, parts[2])
	}
	return strings.Split(parts[1], ","), time.Unix(ts, 0), nil
}

func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	padded := pad(plaintext)
	encrypted := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted, padded)

	return append(iv, encrypted...), nil
}

func decrypt(ivAndData, key []byte) ([]byte, error) {
	if len(ivAndData) < 2*aes.BlockSize || len(ivAndData)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad length %d", ErrInvalidCookie, len(ivAndData))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	iv := ivAndData[:aes.BlockSize]
	encrypted := ivAndData[aes.BlockSize:]

	padded := make([]byte, len(encrypted))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, encrypted)

	plain := unpad(padded)
	if plain == nil {
		return nil, fmt.Errorf("%w: bad padding", ErrInvalidCookie)
	}
	return plain, nil
}

// unpad removes PKCS#7 padding. It returns nil if the padding is broken
func unpad(in []byte) []byte {
	if len(in) == 0 {
		return nil
	}

	padding := in[len(in)-1]
	if padding == 0 || int(padding) > len(in) || padding > aes.BlockSize {
		return nil
	}
	for i := len(in) - 1; i > len(in)-int(padding)-1; i-- {
		if in[i] != padding {
			return nil
		}
	}
	return in[:len(in)-int(padding)]
}

func pad(in []byte) []byte {
	padding := aes.BlockSize - (len(in) % aes.BlockSize)
	out := make([]byte, len(in), len(in)+padding)
	copy(out, in)
	for i := 0; i < padding; i++ {
		out = append(out, byte(padding))
	}
	return out
}
