package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nimbusmq/broker/internal/cache"
	"github.com/nimbusmq/broker/internal/model"
)

func newTestDriver(t *testing.T) (*Driver, *cache.Manager) {
	t.Helper()
	c := cache.New(zap.NewNop().Sugar(), cache.ClusterConfig{MaxQoS: 2})
	return New(c), c
}

func TestAuthenticateSuccess(t *testing.T) {
	d, c := newTestDriver(t)
	c.ApplyUpdate(cache.UpdateCacheRequest{Action: cache.UpdateSet, Resource: cache.ResourceUser, Key: "alice"},
		&cache.User{Username: "alice", PasswordHash: HashPassword("s3cret")})

	require.NoError(t, d.Authenticate(context.Background(), "alice", "s3cret"))
}

func TestAuthenticateWrongPasswordAndUnknownUserAreIndistinguishable(t *testing.T) {
	d, c := newTestDriver(t)
	c.ApplyUpdate(cache.UpdateCacheRequest{Action: cache.UpdateSet, Resource: cache.ResourceUser, Key: "alice"},
		&cache.User{Username: "alice", PasswordHash: HashPassword("s3cret")})

	err1 := d.Authenticate(context.Background(), "alice", "wrong")
	err2 := d.Authenticate(context.Background(), "bob", "whatever")
	assert.ErrorIs(t, err1, ErrInvalidCredentials)
	assert.ErrorIs(t, err2, ErrInvalidCredentials)
}

func TestAuthorizeDenyBeatsAllow(t *testing.T) {
	d, c := newTestDriver(t)
	c.ApplyUpdate(cache.UpdateCacheRequest{Action: cache.UpdateSet, Resource: cache.ResourceACL, Key: "alice"},
		&model.ACLRule{ResourceName: "alice", TopicFilter: "#", Action: model.ActionAll, Permission: model.PermissionAllow})
	c.ApplyUpdate(cache.UpdateCacheRequest{Action: cache.UpdateSet, Resource: cache.ResourceACL, Key: "alice"},
		&model.ACLRule{ResourceName: "alice", TopicFilter: "secret/#", Action: model.ActionPublish, Permission: model.PermissionDeny})

	assert.True(t, d.Authorize("alice", "", "public/a", model.ActionPublish))
	assert.False(t, d.Authorize("alice", "", "secret/x", model.ActionPublish))
}

func TestAuthorizeDefaultAllowWhenNoRuleMatches(t *testing.T) {
	d, _ := newTestDriver(t)
	assert.True(t, d.Authorize("nobody", "", "a/b", model.ActionSubscribe))
}
