// Package bridge forwards stored records to external systems: the
// broker's own topic data mirrored out to a data lake or downstream
// stream processor, independent of any MQTT subscriber (section 9's
// "bridge plugins").
//
// Grounded on the module layout of original_source's
// src/mqtt-broker/src/bridge (one capability interface, one
// implementation per sink). The Kafka sink (internal/bridge/kafka) and
// the database/sql sink for Postgres, MySQL and GreptimeDB
// (internal/bridge/sqlsink) are real implementations; Redis is a stub.
package bridge

import (
	"context"

	"github.com/nimbusmq/broker/internal/model"
)

// Plugin forwards records read from a topic's storage shard(s) to an
// external system. Send is called once per record, in storage order;
// a plugin that needs batching buffers internally and flushes on its
// own schedule, Close draining whatever is buffered.
type Plugin interface {
	Send(ctx context.Context, topic string, rec model.Record) error
	Close() error
}

// SinkConfig is the declarative shape a bridge sink is provisioned
// from (admin plane or static config), common across sink kinds. Each
// sink kind's own package defines and unmarshals its kind-specific
// settings (internal/bridge/kafka.Config, for instance) so this
// package never has to import them back and risk a cycle with
// packages that import Plugin.
type SinkConfig struct {
	Kind   string   `yaml:"kind"` // "kafka", "postgres", "mysql", "greptimedb"; "redis" is named but unimplemented
	Topics []string `yaml:"topics"`
}
