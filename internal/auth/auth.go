// Package auth implements credential verification on CONNECT and ACL
// authorization on CONNECT/PUBLISH/SUBSCRIBE (section 3, "Deny beats
// Allow; default is allow when no rule matches").
//
// Grounded on teranos-QNTX/auth/store.go's hashToken convention (a
// SHA-256 hex digest, not a salted KDF — appropriate here because MQTT
// credentials are typically provisioned by an operator via the admin
// plane rather than chosen by end users) and on model.ACLRule, which
// already encodes the evaluation semantics; this package is the
// "driver" half: password verification plus the precedence rule across
// a resource's full rule set.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/nimbusmq/broker/internal/cache"
	"github.com/nimbusmq/broker/internal/errors"
	"github.com/nimbusmq/broker/internal/model"
)

// ErrInvalidCredentials is returned by Authenticate when the username
// is unknown or the password does not match.
var ErrInvalidCredentials = errors.WithKind(errors.New("invalid credentials"), errors.KindAuth)

// HashPassword returns the stored-credential form of a plaintext
// password, for provisioning users into the cache/metadata plane.
func HashPassword(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Driver authenticates a CONNECT's username/password against the
// cluster's user store and evaluates ACL rules for PUBLISH/SUBSCRIBE.
type Driver struct {
	cache *cache.Manager
}

// New constructs a Driver backed by cacheMgr's user and ACL tables.
func New(cacheMgr *cache.Manager) *Driver {
	return &Driver{cache: cacheMgr}
}

// Authenticate verifies username/password against the cached user
// record. A missing user and a wrong password both return
// ErrInvalidCredentials so the caller's CONNACK reason code can't leak
// which one occurred (spec.md §4.5 error taxonomy: BadUsernameOrPassword
// covers both).
func (d *Driver) Authenticate(_ context.Context, username, password string) error {
	u, ok := d.cache.User(username)
	if !ok {
		return ErrInvalidCredentials
	}
	want := HashPassword(password)
	if subtle.ConstantTimeCompare([]byte(want), []byte(u.PasswordHash)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// Authorize evaluates resourceName's (user or client id, whichever the
// cluster ACL is keyed by) rules against a publish/subscribe attempt,
// applying deny-beats-allow with a default-allow fallback.
func (d *Driver) Authorize(resourceName, remoteIP, topic string, action model.Action) bool {
	rules := d.cache.ACLRules(resourceName)
	allowed := true
	for _, r := range rules {
		if r.IP != "" && r.IP != remoteIP {
			continue
		}
		if !r.Matches(resourceName, topic, action) {
			continue
		}
		switch r.Permission {
		case model.PermissionDeny:
			return false
		case model.PermissionAllow:
			allowed = true
		}
	}
	return allowed
}
