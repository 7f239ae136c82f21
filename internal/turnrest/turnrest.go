// Package turnrest mints coturn-compatible TURN REST credentials
// (draft-uberti-behave-turn-rest):
//
//	username   = <unix expiry>:<participant id>
//	credential = base64(hmac_sha1(shared secret, username))
//
// The relay-hint endpoint hands these to clients so TURN access is
// time-bounded without per-user provisioning on the TURN server.
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

type Generator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewGenerator(sharedSecret string, ttl time.Duration) (*Generator, error) {
	if sharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("turnrest: ttl must be > 0")
	}
	return &Generator{
		secret: []byte(sharedSecret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

// Generate mints credentials scoped to one participant. The participant id
// lands in the TURN username, so relay allocations are attributable in the
// TURN server's logs.
func (g *Generator) Generate(participantID string) (Credentials, error) {
	if participantID == "" {
		return Credentials{}, errors.New("turnrest: participant id is required")
	}
	if strings.ContainsRune(participantID, ':') {
		return Credentials{}, errors.New("turnrest: participant id must not contain ':'")
	}
	expiry := g.now().UTC().Add(g.ttl)
	username := fmt.Sprintf("%d:%s", expiry.Unix(), participantID)

	mac := hmac.New(sha1.New, g.secret)
	mac.Write([]byte(username))

	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiresAt:  expiry,
	}, nil
}

// TTL reports the configured credential lifetime.
func (g *Generator) TTL() time.Duration {
	return g.ttl
}
