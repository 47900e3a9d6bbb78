package network

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusmq/broker/internal/packets"
	"github.com/nimbusmq/broker/internal/queue"
)

type fakeClosedHandler struct {
	calls []string
}

func (f *fakeClosedHandler) HandleConnectionClosed(_ context.Context, clientID string) {
	f.calls = append(f.calls, clientID)
}

func waitForAddrs(t *testing.T, a *Acceptor) net.Addr {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if addrs := a.Addrs(); len(addrs) > 0 {
			return addrs[0]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("acceptor never bound a listener")
	return nil
}

func TestAcceptorRegistersConnectionAndForwardsRequest(t *testing.T) {
	manager := New(nil)
	requests := queue.NewFanOut[queue.RequestPackage](1, 4)
	closed := &fakeClosedHandler{}
	a := NewAcceptor(nil, manager, requests, closed, Config{TCPAddr: "127.0.0.1:0", AcceptWorkers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Serve(ctx)

	addr := waitForAddrs(t, a)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	var buf bytes.Buffer
	_, err = (&packets.PingreqPacket{}).WriteTo(&buf)
	require.NoError(t, err)
	_, err = conn.Write(buf.Bytes())
	require.NoError(t, err)

	select {
	case req := <-requests.Children()[0]:
		assert.IsType(t, &packets.PingreqPacket{}, req.Packet)
	case <-time.After(time.Second):
		t.Fatal("request never reached the fan-out")
	}
}

func TestAcceptorTeardownSkipsWillForLoggedOutConnection(t *testing.T) {
	manager := New(nil)
	requests := queue.NewFanOut[queue.RequestPackage](1, 4)
	closed := &fakeClosedHandler{}
	a := NewAcceptor(nil, manager, requests, closed, Config{TCPAddr: "127.0.0.1:0", AcceptWorkers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Serve(ctx)

	addr := waitForAddrs(t, a)
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	conn.Close()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, closed.calls)
}
