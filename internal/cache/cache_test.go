package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nimbusmq/broker/internal/model"
)

func newTestManager() *Manager {
	return New(zap.NewNop().Sugar(), ClusterConfig{MaxQoS: 2, MaxKeepAliveSeconds: 3600})
}

func TestApplyUpdateUser(t *testing.T) {
	m := newTestManager()
	m.ApplyUpdate(UpdateCacheRequest{Action: UpdateSet, Resource: ResourceUser, Key: "alice"},
		&User{Username: "alice", PasswordHash: "hash"})

	u, ok := m.User("alice")
	require.True(t, ok)
	assert.Equal(t, "hash", u.PasswordHash)

	m.ApplyUpdate(UpdateCacheRequest{Action: UpdateDelete, Resource: ResourceUser, Key: "alice"}, nil)
	_, ok = m.User("alice")
	assert.False(t, ok)
}

func TestApplyUpdateACLAppendsRules(t *testing.T) {
	m := newTestManager()
	m.ApplyUpdate(UpdateCacheRequest{Action: UpdateSet, Resource: ResourceACL, Key: "bob"},
		&model.ACLRule{ResourceName: "bob", TopicFilter: "t/#", Action: model.ActionAll, Permission: model.PermissionAllow})
	m.ApplyUpdate(UpdateCacheRequest{Action: UpdateSet, Resource: ResourceACL, Key: "bob"},
		&model.ACLRule{ResourceName: "bob", TopicFilter: "t/secret", Action: model.ActionAll, Permission: model.PermissionDeny})

	rules := m.ACLRules("bob")
	require.Len(t, rules, 2)
}

func TestRewriteRulesSortedByTimestamp(t *testing.T) {
	m := newTestManager()
	m.ApplyUpdate(UpdateCacheRequest{Action: UpdateSet, Resource: ResourceRewriteRule, Key: "r2"},
		&model.RewriteRule{SourceFilter: "r2", Timestamp: 20})
	m.ApplyUpdate(UpdateCacheRequest{Action: UpdateSet, Resource: ResourceRewriteRule, Key: "r1"},
		&model.RewriteRule{SourceFilter: "r1", Timestamp: 10})

	rules := m.RewriteRules()
	require.Len(t, rules, 2)
	assert.Equal(t, "r1", rules[0].SourceFilter)
	assert.Equal(t, "r2", rules[1].SourceFilter)
}

func TestTopicPutAndDelete(t *testing.T) {
	m := newTestManager()
	topic := model.NewTopic("ns", "t1", "id-1", []string{"shard-0"}, "memory")
	m.ApplyUpdate(UpdateCacheRequest{Action: UpdateSet, Resource: ResourceTopic, Key: "ns/t1"}, topic)

	got, ok := m.Topic("ns", "t1")
	require.True(t, ok)
	assert.Equal(t, "id-1", got.ID)

	m.ApplyUpdate(UpdateCacheRequest{Action: UpdateDelete, Resource: ResourceTopic, Key: "ns/t1"}, nil)
	_, ok = m.Topic("ns", "t1")
	assert.False(t, ok)
}
