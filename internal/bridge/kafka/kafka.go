// Package kafka is the Kafka BridgePlugin sink: records
// read off a topic's storage shard are produced onto a Kafka topic via
// twmb/franz-go, the same client library backing the pack's other
// franz-go example files (rkruze-franz-go, dcrodman-franz-go — both
// excerpts of the client's own internals, not usage samples, so the
// public API surface used below comes from franz-go's documented
// kgo.Client rather than anything copied from those files).
package kafka

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/nimbusmq/broker/internal/errors"
	"github.com/nimbusmq/broker/internal/model"
)

// Config provisions a Plugin from a bridge.SinkConfig's kafka-specific
// settings (declarative, unmarshaled from the same YAML document the
// admin plane hands out for other sink kinds).
type Config struct {
	Brokers     []string `yaml:"brokers"`
	TargetTopic string   `yaml:"target_topic"` // empty: produce to the source MQTT topic name verbatim
	ClientID    string   `yaml:"client_id"`
}

// Plugin implements bridge.Plugin over a single kgo.Client.
type Plugin struct {
	client      *kgo.Client
	targetTopic string
}

// New dials the configured brokers. franz-go connects to brokers
// lazily on first produce, so this mainly validates the seed list.
func New(cfg Config) (*Plugin, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("bridge/kafka: at least one broker required")
	}
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "bridge/kafka: new client")
	}
	return &Plugin{client: client, targetTopic: cfg.TargetTopic}, nil
}

// Send produces rec as a single Kafka record, synchronously. The MQTT
// topic becomes a record header (section 3's namespace/name are both
// preserved in the caller-supplied topic string) in addition to
// selecting the destination Kafka topic when TargetTopic is unset.
func (p *Plugin) Send(ctx context.Context, topic string, rec model.Record) error {
	kr := buildRecord(p.targetTopic, topic, rec)
	return p.client.ProduceSync(ctx, kr).FirstErr()
}

func (p *Plugin) Close() error {
	p.client.Close()
	return nil
}

// buildRecord maps a stored Record onto a kgo.Record. Split out so
// the mapping can be unit tested without a live broker.
func buildRecord(targetTopic, sourceTopic string, rec model.Record) *kgo.Record {
	kafkaTopic := targetTopic
	if kafkaTopic == "" {
		kafkaTopic = sourceTopic
	}
	kr := &kgo.Record{
		Topic:     kafkaTopic,
		Key:       []byte(rec.Key),
		Value:     rec.Payload,
		Timestamp: rec.Timestamp,
	}
	kr.Headers = append(kr.Headers, kgo.RecordHeader{Key: "mqtt_topic", Value: []byte(sourceTopic)})
	for k, v := range rec.Headers {
		kr.Headers = append(kr.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return kr
}
