// Package cache implements the process-wide Cache Manager (C7):
// cluster config, users, ACLs, sessions, topics, topic-rewrite rules,
// and alarms, kept in-process and refreshed by cache-update events
// originating from the metadata plane.
//
// Grounded on original_source's metadata_cache.rs/cache_update.rs:
// one struct holding several independently-locked maps, exposing
// synchronous read accessors plus an ApplyUpdate entry point that both
// direct mutation (MQTT service writes through the metadata plane) and
// the cache-update listener funnel through.
package cache

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nimbusmq/broker/internal/model"
)

// ClusterConfig holds the cluster-wide clamps the MQTT service enforces
// at CONNECT (section 4.5); distinct from internal/config.Broker, which
// is this process's own bootstrap configuration.
type ClusterConfig struct {
	MaxKeepAliveSeconds uint16
	MaxQoS              uint8
	ReceiveMaximum      uint16
	TopicAliasMax       uint16
	MaxPacketSize       uint32
}

// User is a credential record evaluated by the AuthDriver on CONNECT.
type User struct {
	Username     string
	PasswordHash string
}

// ResourceKind and Action classify an UpdateCacheRequest's payload.
type ResourceKind uint8

const (
	ResourceClusterConfig ResourceKind = iota
	ResourceUser
	ResourceACL
	ResourceTopic
	ResourceRewriteRule
	ResourceAlarm
)

type UpdateAction uint8

const (
	UpdateSet UpdateAction = iota
	UpdateDelete
)

// UpdateCacheRequest is the cache-update event shape consumed from the
// metadata plane (spec.md §4.7).
type UpdateCacheRequest struct {
	Action   UpdateAction
	Resource ResourceKind
	Key      string // resource-specific key: username, client_id, topic name, rule id
	Payload  []byte // opaque; decoded by the handler for Resource
}

// Alarm is a raised cluster condition surfaced to admins.
type Alarm struct {
	Name    string
	Message string
	RaisedAtUnixNano int64
}

// Manager is the process-wide cache singleton (section 9, "global
// mutable state": constructed at startup, passed by shared handle).
type Manager struct {
	log *zap.SugaredLogger

	mu      sync.RWMutex
	cluster ClusterConfig

	users sync.Map // username -> *User
	acls  sync.Map // resourceName -> []*model.ACLRule (aclMu guards the slice swap)
	aclMu sync.Mutex

	topics sync.Map // "namespace/name" -> *model.Topic

	retained sync.Map // topic name -> *model.Retained, at most one per topic

	rewriteMu sync.Mutex
	rewrites  []*model.RewriteRule // kept sorted by Timestamp ascending

	alarmMu sync.Mutex
	alarms  []Alarm
}

// New constructs a Manager with the given initial cluster clamps.
func New(log *zap.SugaredLogger, cluster ClusterConfig) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{log: log, cluster: cluster}
}

// ClusterConfig returns a snapshot of the current cluster clamps.
func (m *Manager) ClusterConfig() ClusterConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cluster
}

func (m *Manager) setClusterConfig(c ClusterConfig) {
	m.mu.Lock()
	m.cluster = c
	m.mu.Unlock()
}

// User looks up a credential record by username.
func (m *Manager) User(username string) (*User, bool) {
	v, ok := m.users.Load(username)
	if !ok {
		return nil, false
	}
	return v.(*User), true
}

func (m *Manager) putUser(u *User) { m.users.Store(u.Username, u) }
func (m *Manager) deleteUser(username string) { m.users.Delete(username) }

// ACLRules returns the rules attached to resourceName (user or
// client-id), in no particular order; evaluation order does not
// matter for ACLs because Deny always beats Allow (spec.md §3).
func (m *Manager) ACLRules(resourceName string) []*model.ACLRule {
	v, ok := m.acls.Load(resourceName)
	if !ok {
		return nil
	}
	return v.([]*model.ACLRule)
}

func (m *Manager) putACL(resourceName string, rule *model.ACLRule) {
	m.aclMu.Lock()
	defer m.aclMu.Unlock()
	existing, _ := m.acls.Load(resourceName)
	var rules []*model.ACLRule
	if existing != nil {
		rules = existing.([]*model.ACLRule)
	}
	rules = append(append([]*model.ACLRule(nil), rules...), rule)
	m.acls.Store(resourceName, rules)
}

func (m *Manager) deleteACL(resourceName string) {
	m.aclMu.Lock()
	defer m.aclMu.Unlock()
	m.acls.Delete(resourceName)
}

// Topic looks up a topic by "namespace/name".
func (m *Manager) Topic(namespace, name string) (*model.Topic, bool) {
	v, ok := m.topics.Load(namespace + "/" + name)
	if !ok {
		return nil, false
	}
	return v.(*model.Topic), true
}

func (m *Manager) putTopic(t *model.Topic) {
	m.topics.Store(t.Namespace+"/"+t.Name, t)
}

func (m *Manager) deleteTopic(namespace, name string) {
	m.topics.Delete(namespace + "/" + name)
}

// AllTopics returns a snapshot of every known topic, used by the
// subscribe manager's push loops to resolve which topics a wildcard
// filter currently matches.
func (m *Manager) AllTopics() []*model.Topic {
	var out []*model.Topic
	m.topics.Range(func(_, v any) bool {
		out = append(out, v.(*model.Topic))
		return true
	})
	return out
}

// Retained looks up the at-most-one retained message for topic.
func (m *Manager) Retained(topic string) (*model.Retained, bool) {
	v, ok := m.retained.Load(topic)
	if !ok {
		return nil, false
	}
	return v.(*model.Retained), true
}

// SetRetained stores or replaces topic's retained message.
func (m *Manager) SetRetained(r *model.Retained) {
	m.retained.Store(r.Topic, r)
}

// ClearRetained removes topic's retained message, set by a PUBLISH
// with retain=true and an empty payload (section 3).
func (m *Manager) ClearRetained(topic string) {
	m.retained.Delete(topic)
}

// RewriteRules returns a snapshot of the rewrite-rule set sorted
// ascending by Timestamp, applied last-wins (spec.md §3, P6).
func (m *Manager) RewriteRules() []*model.RewriteRule {
	m.rewriteMu.Lock()
	defer m.rewriteMu.Unlock()
	out := make([]*model.RewriteRule, len(m.rewrites))
	copy(out, m.rewrites)
	return out
}

func (m *Manager) putRewriteRule(r *model.RewriteRule) {
	m.rewriteMu.Lock()
	defer m.rewriteMu.Unlock()
	m.rewrites = append(m.rewrites, r)
	sort.Slice(m.rewrites, func(i, j int) bool {
		return m.rewrites[i].Timestamp < m.rewrites[j].Timestamp
	})
}

func (m *Manager) deleteRewriteRule(sourceFilter string) {
	m.rewriteMu.Lock()
	defer m.rewriteMu.Unlock()
	out := m.rewrites[:0]
	for _, r := range m.rewrites {
		if r.SourceFilter != sourceFilter {
			out = append(out, r)
		}
	}
	m.rewrites = out
}

// Alarms returns a snapshot of raised alarms.
func (m *Manager) Alarms() []Alarm {
	m.alarmMu.Lock()
	defer m.alarmMu.Unlock()
	out := make([]Alarm, len(m.alarms))
	copy(out, m.alarms)
	return out
}

func (m *Manager) raiseAlarm(a Alarm) {
	m.alarmMu.Lock()
	m.alarms = append(m.alarms, a)
	m.alarmMu.Unlock()
}

// ApplyUpdate is the single entry point both direct callers (the MQTT
// service writing through the metadata plane) and the cache-update
// listener (internal/metaclient's subscription loop) use to mutate the
// cache. Decoding req.Payload into the concrete resource type is the
// caller's responsibility (internal/metaclient's watch loop decodes
// before calling), which keeps this package free of a dependency on the
// wire encoding metaclient uses for cache-update events.
func (m *Manager) ApplyUpdate(req UpdateCacheRequest, decoded any) {
	switch req.Resource {
	case ResourceClusterConfig:
		if req.Action == UpdateDelete {
			return
		}
		if c, ok := decoded.(ClusterConfig); ok {
			m.setClusterConfig(c)
		}
	case ResourceUser:
		if req.Action == UpdateDelete {
			m.deleteUser(req.Key)
			return
		}
		if u, ok := decoded.(*User); ok {
			m.putUser(u)
		}
	case ResourceACL:
		if req.Action == UpdateDelete {
			m.deleteACL(req.Key)
			return
		}
		if rule, ok := decoded.(*model.ACLRule); ok {
			m.putACL(req.Key, rule)
		}
	case ResourceTopic:
		if req.Action == UpdateDelete {
			// req.Key is "namespace/name"
			if ns, name, ok := splitKey(req.Key); ok {
				m.deleteTopic(ns, name)
			}
			return
		}
		if t, ok := decoded.(*model.Topic); ok {
			m.putTopic(t)
		}
	case ResourceRewriteRule:
		if req.Action == UpdateDelete {
			m.deleteRewriteRule(req.Key)
			return
		}
		if r, ok := decoded.(*model.RewriteRule); ok {
			m.putRewriteRule(r)
		}
	case ResourceAlarm:
		if a, ok := decoded.(Alarm); ok {
			m.raiseAlarm(a)
		}
	default:
		m.log.Warnw("cache: unknown resource kind in update", "resource", req.Resource)
	}
}

func splitKey(key string) (ns, name string, ok bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
