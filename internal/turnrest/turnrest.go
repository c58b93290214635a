package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// This package implements coturn-compatible TURN REST credentials, issued to
// call participants via GET /api/rtc/ice-servers.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm (coturn-compatible):
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<session_id_or_random>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed using the server clock in UTC.
type Generator struct {
	sharedSecret   []byte
	ttl            time.Duration
	usernamePrefix string
	now            func() time.Time
}

type GeneratorConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	Now            func() time.Time
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("TTL must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttl:            cfg.TTL,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Generate issues credentials scoped to the given session id.
func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" {
		return Credentials{}, errors.New("sessionID is required")
	}
	if strings.Contains(sessionID, ":") {
		return Credentials{}, errors.New("sessionID must not contain ':'")
	}
	expiryUnix := g.now().UTC().Unix() + int64(g.ttl/time.Second)
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: signUsername(g.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

// GenerateRandom issues credentials with a random session id, for callers that
// have not yet been assigned a signaling connection id.
func (g *Generator) GenerateRandom() (Credentials, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return Credentials{}, err
	}
	return g.Generate(hex.EncodeToString(b[:]))
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
