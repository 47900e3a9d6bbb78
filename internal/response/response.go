// Package response implements the Response Writer (C10): it consumes
// resolved outbound packets, writes them through the connection
// manager, and on DISCONNECT tears the connection down.
//
// Grounded on the teacher's client.go writeLoop (a single per-socket
// writer goroutine serializing writes and handling keepalive pings),
// generalized from one outbound sink to many connection_id-addressed
// sinks behind the ConnectionSink capability.
package response

import (
	"context"

	"github.com/nimbusmq/broker/internal/errors"
	"github.com/nimbusmq/broker/internal/model"
	"github.com/nimbusmq/broker/internal/packets"
	"github.com/nimbusmq/broker/internal/subscribe"
)

// ConnectionSink is the write half of the Connection Manager (C2) that
// this package depends on; the concrete implementation lives in
// internal/network and is injected by internal/server.
type ConnectionSink interface {
	Write(ctx context.Context, id model.ConnectionID, version uint8, pkt packets.Packet) error
	ProtocolVersion(id model.ConnectionID) (uint8, bool)
	Remove(ctx context.Context, id model.ConnectionID)
}

// ClientLocator resolves a logged-in client id to its current
// connection, used to address push-loop deliveries (which only know
// the client id, not the connection_id).
type ClientLocator interface {
	ConnectionID(clientID string) (model.ConnectionID, bool)
}

// Writer is the C10 capability. It implements subscribe.Dispatcher so
// push loops can hand it DeliveryMessages directly, bypassing the
// request/response packet handler (C4) entirely, per section 4.6 step 4.
type Writer struct {
	sink    ConnectionSink
	locator ClientLocator
}

// New constructs a Writer over sink, resolving push-loop deliveries
// through locator.
func New(sink ConnectionSink, locator ClientLocator) *Writer {
	return &Writer{sink: sink, locator: locator}
}

// WriteResponse writes pkt to connID's sink (section 4.10). If pkt is
// a DISCONNECT, the connection is additionally torn down.
func (w *Writer) WriteResponse(ctx context.Context, connID model.ConnectionID, pkt packets.Packet) error {
	version, ok := w.sink.ProtocolVersion(connID)
	if !ok {
		return errors.WithKind(errors.Newf("response: unknown connection %d", connID), errors.KindNotFound)
	}
	if err := w.sink.Write(ctx, connID, version, pkt); err != nil {
		return errors.WithKind(errors.Wrap(err, "response: write"), errors.KindTransient)
	}
	if pkt.Type() == packets.DISCONNECT {
		w.sink.Remove(ctx, connID)
	}
	return nil
}

// Dispatch implements subscribe.Dispatcher: resolve msg.ClientID to a
// live connection, build the wire PUBLISH packet at that connection's
// protocol version, and write it.
func (w *Writer) Dispatch(ctx context.Context, msg subscribe.DeliveryMessage) error {
	connID, ok := w.locator.ConnectionID(msg.ClientID)
	if !ok {
		return errors.WithKind(errors.Newf("response: client %q not connected", msg.ClientID), errors.KindNotFound)
	}
	version, ok := w.sink.ProtocolVersion(connID)
	if !ok {
		return errors.WithKind(errors.Newf("response: unknown connection %d", connID), errors.KindNotFound)
	}
	pkt := &packets.PublishPacket{
		QoS:      msg.QoS,
		Retain:   msg.Retain,
		Topic:    msg.Topic,
		PacketID: msg.PacketID,
		Payload:  msg.Payload,
		Version:  version,
	}
	if msg.SubscriptionID != 0 && version >= 5 {
		pkt.Properties = &packets.Properties{
			SubscriptionIdentifier: []int{int(msg.SubscriptionID)},
		}
	}
	return w.sink.Write(ctx, connID, version, pkt)
}

var _ subscribe.Dispatcher = (*Writer)(nil)
