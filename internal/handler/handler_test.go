package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusmq/broker/internal/model"
	"github.com/nimbusmq/broker/internal/mqttservice"
	"github.com/nimbusmq/broker/internal/packets"
	"github.com/nimbusmq/broker/internal/queue"
)

type fakeConns struct {
	mu      sync.Mutex
	conns   map[model.ConnectionID]*model.Connection
	synced  []model.ConnectionID
}

func newFakeConns() *fakeConns {
	return &fakeConns{conns: make(map[model.ConnectionID]*model.Connection)}
}

func (f *fakeConns) add(c *model.Connection) {
	f.mu.Lock()
	f.conns[c.ID] = c
	f.mu.Unlock()
}

func (f *fakeConns) Connection(id model.ConnectionID) (*model.Connection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[id]
	return c, ok
}

func (f *fakeConns) SyncClientID(id model.ConnectionID) {
	f.mu.Lock()
	f.synced = append(f.synced, id)
	f.mu.Unlock()
}

type fakeService struct {
	handle func(ctx context.Context, conn *model.Connection, pkt packets.Packet) (packets.Packet, error)
}

func (f *fakeService) Handle(ctx context.Context, conn *model.Connection, pkt packets.Packet) (packets.Packet, error) {
	return f.handle(ctx, conn, pkt)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPoolForwardsNonNilReplyToResponseChannel(t *testing.T) {
	conns := newFakeConns()
	conn := model.NewConnection(1, nil, model.TransportTCP)
	conns.add(conn)

	svc := &fakeService{handle: func(_ context.Context, _ *model.Connection, _ packets.Packet) (packets.Packet, error) {
		return &packets.PingrespPacket{}, nil
	}}

	requests := queue.NewFanOut[queue.RequestPackage](1, 4)
	responses := queue.NewFanOut[queue.ResponsePackage](1, 4)
	pool := New(nil, conns, svc, requests, responses)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	require.NoError(t, requests.Post(context.Background(), queue.RequestPackage{ConnectionID: 1, Packet: &packets.PingreqPacket{}}))

	var got queue.ResponsePackage
	select {
	case got = <-responses.Children()[0]:
	case <-time.After(time.Second):
		t.Fatal("no response forwarded")
	}
	assert.Equal(t, model.ConnectionID(1), got.ConnectionID)
	assert.IsType(t, &packets.PingrespPacket{}, got.Packet)
	waitFor(t, func() bool { conns.mu.Lock(); defer conns.mu.Unlock(); return len(conns.synced) == 1 })
}

func TestPoolDropsNilReplySilently(t *testing.T) {
	conns := newFakeConns()
	conn := model.NewConnection(1, nil, model.TransportTCP)
	conns.add(conn)

	svc := &fakeService{handle: func(_ context.Context, _ *model.Connection, _ packets.Packet) (packets.Packet, error) {
		return nil, nil
	}}

	requests := queue.NewFanOut[queue.RequestPackage](1, 4)
	responses := queue.NewFanOut[queue.ResponsePackage](1, 4)
	pool := New(nil, conns, svc, requests, responses)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	require.NoError(t, requests.Post(context.Background(), queue.RequestPackage{ConnectionID: 1}))

	select {
	case <-responses.Children()[0]:
		t.Fatal("no response expected for a nil reply")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPoolRecoversPanicIntoImplementationSpecificDisconnect(t *testing.T) {
	conns := newFakeConns()
	conn := model.NewConnection(1, nil, model.TransportTCP)
	conn.Login(5, "c1", 60, 0, 0, 0, false, false)
	conns.add(conn)

	svc := &fakeService{handle: func(_ context.Context, _ *model.Connection, _ packets.Packet) (packets.Packet, error) {
		panic("boom")
	}}

	requests := queue.NewFanOut[queue.RequestPackage](1, 4)
	responses := queue.NewFanOut[queue.ResponsePackage](1, 4)
	pool := New(nil, conns, svc, requests, responses)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	require.NoError(t, requests.Post(context.Background(), queue.RequestPackage{ConnectionID: 1}))

	var got queue.ResponsePackage
	select {
	case got = <-responses.Children()[0]:
	case <-time.After(time.Second):
		t.Fatal("no disconnect forwarded after panic")
	}
	dc, ok := got.Packet.(*packets.DisconnectPacket)
	require.True(t, ok)
	assert.Equal(t, mqttservice.ReasonImplementationSpecificError, dc.ReasonCode)
}

func TestPoolSkipsRequestForUnknownConnection(t *testing.T) {
	conns := newFakeConns()
	called := false
	svc := &fakeService{handle: func(_ context.Context, _ *model.Connection, _ packets.Packet) (packets.Packet, error) {
		called = true
		return nil, nil
	}}

	requests := queue.NewFanOut[queue.RequestPackage](1, 4)
	responses := queue.NewFanOut[queue.ResponsePackage](1, 4)
	pool := New(nil, conns, svc, requests, responses)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	require.NoError(t, requests.Post(context.Background(), queue.RequestPackage{ConnectionID: 99}))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, called)
}
