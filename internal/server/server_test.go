package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusmq/broker/internal/config"
)

func testConfig() *config.Broker {
	return &config.Broker{
		Network: config.Network{TCPPort: 18917},
		Storage: config.Storage{Backend: "memory", DelayShards: 1},
		Pools:   config.Pools{AcceptWorkers: 1, HandlerWorkers: 1, ResponseWorkers: 1, ChannelCapacity: 16},
		Clamps:  config.Clamps{MaxKeepAliveSeconds: 3600, MaxQoS: 2, ReceiveMaximum: 65535, TopicAliasMax: 0, MaxPacketSize: 1 << 20},
	}
}

func TestBuildWiresEveryComponentWithoutStarting(t *testing.T) {
	srv, err := Build(nil, testConfig())
	require.NoError(t, err)
	assert.NotNil(t, srv.storageAdapter)
	assert.NotNil(t, srv.cacheMgr)
	assert.NotNil(t, srv.network)
	assert.NotNil(t, srv.acceptor)
	assert.NotNil(t, srv.handlers)
	assert.NotNil(t, srv.svc)
	assert.NotNil(t, srv.delayEng)
	assert.Nil(t, srv.meta, "no meta_plane endpoints configured")
}

func TestBuildRejectsUnknownStorageBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Backend = "nope"
	_, err := Build(nil, cfg)
	assert.Error(t, err)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	srv, err := Build(nil, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
