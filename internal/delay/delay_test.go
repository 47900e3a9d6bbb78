package delay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nimbusmq/broker/internal/storage/memory"
)

// scenario 5 from spec.md §8: delayed publish releases at >= T0+d.
func TestStageAndDeliver(t *testing.T) {
	adapter := memory.New()

	var mu sync.Mutex
	var delivered []string
	publish := func(_ context.Context, target string, payload []byte) error {
		mu.Lock()
		delivered = append(delivered, target+":"+string(payload))
		mu.Unlock()
		return nil
	}

	e := New(zap.NewNop().Sugar(), adapter, 2, publish)
	ctx := context.Background()
	start := time.Now()

	require.NoError(t, e.Stage(ctx, "alerts/cpu", 1, []byte("hot")))

	e.Start(ctx)
	defer e.Shutdown()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, 5*time.Second, 20*time.Millisecond)

	assert.True(t, time.Since(start) >= time.Second)
	mu.Lock()
	assert.Equal(t, []string{"alerts/cpu:hot"}, delivered)
	mu.Unlock()
}

func TestRecoverReseedsQueues(t *testing.T) {
	adapter := memory.New()
	publish := func(context.Context, string, []byte) error { return nil }

	e1 := New(zap.NewNop().Sugar(), adapter, 1, publish)
	require.NoError(t, e1.Stage(context.Background(), "t/1", 100, []byte("payload")))

	e2 := New(zap.NewNop().Sugar(), adapter, 1, publish)
	require.NoError(t, e2.Recover(context.Background()))

	_, ready, wait := e2.shards[0].peekReady(time.Now())
	assert.False(t, ready)
	assert.Greater(t, wait, time.Duration(0))
}
