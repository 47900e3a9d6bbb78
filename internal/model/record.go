package model

import "time"

// Record is the unit the storage adapter stores (section 3).
// offset is assigned by the adapter at append time.
type Record struct {
	Offset    int64
	Key       string // optional, indexed for point lookup
	Tags      []string // optional, indexed for tag scan
	Headers   map[string]string
	Payload   []byte
	Timestamp time.Time
}

// ShardInfo describes a shard at creation time (C8).
type ShardInfo struct {
	Namespace     string
	Name          string
	ReplicaCount  int
	MaxSegmentSize int64
	RetentionSec  int64
}

// ReadConfig bounds a read-by-offset/key/tag call.
type ReadConfig struct {
	MaxRecords int
	MaxBytes   int64
}

// DefaultReadConfig returns sane non-zero bounds.
func DefaultReadConfig() ReadConfig {
	return ReadConfig{MaxRecords: 100, MaxBytes: 4 << 20}
}

// ShardOffset pairs a shard name with a committed offset, used by
// consumer-group offset commit/read (C8).
type ShardOffset struct {
	Shard  string
	Offset int64
}

// Record header conventions shared between the MQTT service (writer)
// and the subscribe manager's push loops (reader).
const (
	HeaderPublisherClientID = "publisher_client_id" // for no-local filtering
	HeaderRetain            = "retain"               // "1" if the original PUBLISH had retain set
	HeaderQoS               = "qos"                  // "0", "1", or "2": the QoS the record was published at
)

// DelayIndexEntry is the delayed-message index row owned by C9.
type DelayIndexEntry struct {
	UniqueID         string
	TargetTopic      string
	StagingShard     string
	OffsetInStaging  int64
	DelayTimestamp   time.Time
}
