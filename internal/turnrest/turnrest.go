// Package turnrest mints coturn-compatible TURN REST ephemeral credentials.
//
// Algorithm (https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry>:<prefix>:<client_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The gateway never talks to the TURN server itself; it only hands these
// credentials to clients during connection setup.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Generator signs ephemeral TURN usernames with a shared secret.
type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	Now            func() time.Time
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("ttl must be > 0")
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("username prefix is required and must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
	}, nil
}

// Credentials is what a client presents to the TURN server.
type Credentials struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
	ExpiryUnix int64  `json:"expiry"`
}

func (g *Generator) Generate(clientID string) (Credentials, error) {
	if clientID == "" || strings.Contains(clientID, ":") {
		return Credentials{}, errors.New("client id is required and must not contain ':'")
	}
	expiry := g.now().UTC().Unix() + int64(g.ttl.Seconds())
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, clientID)

	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))

	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiry,
	}, nil
}
