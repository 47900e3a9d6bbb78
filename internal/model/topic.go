package model

import "sync/atomic"

// Topic is the addressable store identity described in section 3. A
// topic maps to one or more storage shards; a publish writes to
// exactly one shard per topic chosen round-robin on ShardCursor.
type Topic struct {
	ID        string // stable opaque string
	Name      string
	Namespace string
	ShardNames []string
	ShardCursor atomic.Uint64

	StorageBackend string // "memory" | "embeddedkv" | "journal", section 9 "dynamic dispatch"
}

// NewTopic creates a Topic addressing shardNames round-robin.
func NewTopic(namespace, name, id string, shardNames []string, backend string) *Topic {
	return &Topic{
		ID:             id,
		Name:           name,
		Namespace:      namespace,
		ShardNames:     shardNames,
		StorageBackend: backend,
	}
}

// NextShard returns the shard a publish should land on, advancing the
// round-robin cursor atomically.
func (t *Topic) NextShard() string {
	if len(t.ShardNames) == 0 {
		return ""
	}
	idx := t.ShardCursor.Add(1) - 1
	return t.ShardNames[idx%uint64(len(t.ShardNames))]
}

// Retained is the at-most-one-per-topic retained message (section 3).
type Retained struct {
	Topic     string
	Payload   []byte
	QoS       uint8
	Properties map[string]string
}

// Cleared reports whether this retained entry should be treated as
// deleted (publish with retain=true and an empty payload clears it).
func (r *Retained) Cleared() bool {
	return len(r.Payload) == 0
}
