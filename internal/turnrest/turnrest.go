// Package turnrest mints coturn-compatible TURN REST credentials.
//
// Algorithm (coturn "use-auth-secret"):
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<label>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The expiry is computed from the server clock in UTC.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingSecret = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL    = errors.New("turnrest: ttl must be > 0")
	ErrInvalidPrefix = errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	ErrInvalidLabel  = errors.New("turnrest: label must be non-empty and must not contain ':'")
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now defaults to time.Now.
	Now func() time.Time
	// NewLabel defaults to a random UUID.
	NewLabel func() string
}

type Credentials struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
	ExpiresAt  int64  `json:"expiresAt"`
}

type Generator struct {
	secret   []byte
	ttl      time.Duration
	prefix   string
	now      func() time.Time
	newLabel func() string
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.TTL <= 0 {
		return nil, ErrInvalidTTL
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, ErrInvalidPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewLabel == nil {
		cfg.NewLabel = uuid.NewString
	}
	return &Generator{
		secret:   []byte(cfg.SharedSecret),
		ttl:      cfg.TTL,
		prefix:   cfg.UsernamePrefix,
		now:      cfg.Now,
		newLabel: cfg.NewLabel,
	}, nil
}

// Generate mints credentials bound to label.
func (g *Generator) Generate(label string) (Credentials, error) {
	if label == "" || strings.Contains(label, ":") {
		return Credentials{}, ErrInvalidLabel
	}
	expiry := g.now().UTC().Add(g.ttl).Unix()
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, label)
	return Credentials{
		Username:   username,
		Credential: Sign(g.secret, username),
		ExpiresAt:  expiry,
	}, nil
}

// GenerateRandom mints credentials under a fresh random label.
func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(g.newLabel())
}

// Sign returns base64(hmac_sha1(secret, username)).
func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
