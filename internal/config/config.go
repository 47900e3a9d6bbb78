// Package config loads the broker's configuration with Viper, TOML as
// the on-disk format, and fsnotify-driven hot reload of the fields
// that are safe to change without a restart.
package config

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/nimbusmq/broker/internal/errors"
)

// Network holds the listener ports for each transport (section 6).
type Network struct {
	TCPPort       int    `mapstructure:"tcp_port"`
	TLSPort       int    `mapstructure:"tls_port"`
	WebSocketPort int    `mapstructure:"websocket_port"`
	WebSocketSPort int   `mapstructure:"websockets_port"`
	QUICPort      int    `mapstructure:"quic_port"`
	TLSCertFile   string `mapstructure:"tls_cert_file"`
	TLSKeyFile    string `mapstructure:"tls_key_file"`
}

// Pools sizes the three worker pools described in section 5.
type Pools struct {
	AcceptWorkers   int `mapstructure:"accept_workers"`
	HandlerWorkers  int `mapstructure:"handler_workers"`
	ResponseWorkers int `mapstructure:"response_workers"`
	ChannelCapacity int `mapstructure:"channel_capacity"`
}

// Clamps bounds client-supplied values per section 4.5 (CONNECT).
type Clamps struct {
	MaxKeepAliveSeconds uint16 `mapstructure:"max_keep_alive_seconds"`
	MaxPacketSize       uint32 `mapstructure:"max_packet_size"`
	MaxQoS              uint8  `mapstructure:"max_qos"`
	ReceiveMaximum      uint16 `mapstructure:"receive_maximum"`
	TopicAliasMax       uint16 `mapstructure:"topic_alias_max"`
}

// Storage selects and configures the storage adapter backend (C8).
type Storage struct {
	Backend       string `mapstructure:"backend"` // memory | embeddedkv | journal
	DataDir       string `mapstructure:"data_dir"`
	RetentionSec  int64  `mapstructure:"retention_sec"`
	MaxSegmentMB  int    `mapstructure:"max_segment_mb"`
	DelayShards   int    `mapstructure:"delay_queue_shards"`
}

// MetaPlane configures the MetaClient capability's gRPC transport.
type MetaPlane struct {
	Endpoints []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// Broker is the top-level configuration document.
type Broker struct {
	Network   Network   `mapstructure:"network"`
	Pools     Pools     `mapstructure:"pools"`
	Clamps    Clamps    `mapstructure:"clamps"`
	Storage   Storage   `mapstructure:"storage"`
	MetaPlane MetaPlane `mapstructure:"meta_plane"`
	LogJSON   bool      `mapstructure:"log_json"`
	LogLevel  string    `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network.tcp_port", 1883)
	v.SetDefault("network.tls_port", 8883)
	v.SetDefault("network.websocket_port", 8083)
	v.SetDefault("network.websockets_port", 8084)
	v.SetDefault("network.quic_port", 1884)

	v.SetDefault("pools.accept_workers", 4)
	v.SetDefault("pools.handler_workers", 16)
	v.SetDefault("pools.response_workers", 16)
	v.SetDefault("pools.channel_capacity", 4096)

	v.SetDefault("clamps.max_keep_alive_seconds", 3600)
	v.SetDefault("clamps.max_packet_size", 1048576)
	v.SetDefault("clamps.max_qos", 2)
	v.SetDefault("clamps.receive_maximum", 65535)
	v.SetDefault("clamps.topic_alias_max", 65535)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.retention_sec", 86400)
	v.SetDefault("storage.max_segment_mb", 128)
	v.SetDefault("storage.delay_queue_shards", 4)

	v.SetDefault("meta_plane.dial_timeout", 5*time.Second)

	v.SetDefault("log_json", false)
	v.SetDefault("log_level", "info")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("broker")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nimbusmq")
	}
	return v
}

// Load reads configuration from path (or the default search paths if
// path is empty), applying defaults for anything unset.
func Load(path string) (*Broker, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config")
		}
	}
	var cfg Broker
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// WatchReloadable re-reads the config whenever the underlying file
// changes, invoking onChange with the full new snapshot; onChange
// decides which fields take effect (internal/server applies only the
// clamps). Pool sizes and listener ports stay fixed at process start
// because resizing a live worker pool or rebinding a port is out of
// scope for this broker.
func WatchReloadable(path string, onChange func(*Broker)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errors.Wrap(err, "read config")
		}
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		var cfg Broker
		if err := v.Unmarshal(&cfg); err != nil {
			return
		}
		onChange(&cfg)
	})
	v.WatchConfig()
	return nil
}
