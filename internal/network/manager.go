// Package network implements the Connection Manager (C2) and Acceptor
// (C1): multi-transport listeners, per-connection reader goroutines,
// and the connection_id-keyed maps (metadata, which also carries the
// protocol version, and write sink) the rest of the pipeline addresses
// connections through.
//
// Grounded on the teacher's client.go for the per-connection
// reader/writer loop shape, and on haivivi-giztoy's mqtt0 package for
// the net.Listener-uniform multi-transport abstraction the teacher (a
// client-only library) has no equivalent of.
package network

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/nimbusmq/broker/internal/errors"
	"github.com/nimbusmq/broker/internal/model"
	"github.com/nimbusmq/broker/internal/packets"
)

// sink is the write half of a connection: a buffered writer over the
// underlying net.Conn, serialized by its own lock (section 4.2:
// "Writes are serialized per connection by holding an async lock
// around the sink").
type sink struct {
	mu     sync.Mutex
	conn   net.Conn
	bw     *bufio.Writer
	closed bool
}

func newSink(conn net.Conn) *sink {
	return &sink{conn: conn, bw: bufio.NewWriter(conn)}
}

func (s *sink) write(pkt packets.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	if _, err := pkt.WriteTo(s.bw); err != nil {
		return err
	}
	return s.bw.Flush()
}

func (s *sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// Manager owns two connection_id-keyed maps (connection metadata and
// write sinks; the protocol version is read off the *model.Connection)
// plus the client_id -> connection_id index invariant I2 depends on.
// Maps use sync.Map so map lookups stay lock-free; only the
// per-connection write path takes a lock, and only on that one
// connection's sink.
type Manager struct {
	log *zap.SugaredLogger

	conns   sync.Map // model.ConnectionID -> *model.Connection
	sinks   sync.Map // model.ConnectionID -> *sink
	clients sync.Map // clientID string -> model.ConnectionID
}

// New constructs an empty Manager.
func New(log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{log: log}
}

// Add registers a freshly accepted connection (C1's "register in C2").
func (m *Manager) Add(conn *model.Connection, raw net.Conn) {
	m.conns.Store(conn.ID, conn)
	m.sinks.Store(conn.ID, newSink(raw))
}

// Remove tears down id: closes its sink, drops it from every map, and
// signals LifecycleStop so push loops and the reader observing it
// cancel promptly (section 4.2, section 5's bounded grace window).
func (m *Manager) Remove(ctx context.Context, id model.ConnectionID) {
	if v, ok := m.conns.LoadAndDelete(id); ok {
		conn := v.(*model.Connection)
		conn.Stop()
		if clientID := conn.ClientID(); clientID != "" {
			// Only clear the client index if id is still the
			// connection on record for it; a takeover may already
			// have pointed it at a newer connection_id.
			if cur, ok := m.clients.Load(clientID); ok && cur.(model.ConnectionID) == id {
				m.clients.Delete(clientID)
			}
		}
	}
	if v, ok := m.sinks.LoadAndDelete(id); ok {
		_ = v.(*sink).close()
	}
}

// Connection implements handler.ConnectionResolver.
func (m *Manager) Connection(id model.ConnectionID) (*model.Connection, bool) {
	v, ok := m.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*model.Connection), true
}

// SyncClientID re-reads id's current client id (set by CONNECT,
// inside mqttservice, outside this package's view) and indexes it, so
// ConnectionID(clientID) resolves going forward. Implements
// handler.ConnectionResolver.
func (m *Manager) SyncClientID(id model.ConnectionID) {
	conn, ok := m.Connection(id)
	if !ok {
		return
	}
	clientID := conn.ClientID()
	if clientID == "" {
		return
	}
	m.clients.Store(clientID, id)
}

// ConnectionID implements mqttservice.ConnectionIndex and
// response.ClientLocator.
func (m *Manager) ConnectionID(clientID string) (model.ConnectionID, bool) {
	v, ok := m.clients.Load(clientID)
	if !ok {
		return 0, false
	}
	return v.(model.ConnectionID), true
}

// ProtocolVersion implements response.ConnectionSink.
func (m *Manager) ProtocolVersion(id model.ConnectionID) (uint8, bool) {
	conn, ok := m.Connection(id)
	if !ok {
		return 0, false
	}
	return conn.ProtocolVersion(), true
}

// Write implements response.ConnectionSink: serialize pkt through
// id's sink. The version parameter is accepted for interface
// symmetry; the packet already carries its own Version field set by
// whoever built it.
func (m *Manager) Write(ctx context.Context, id model.ConnectionID, version uint8, pkt packets.Packet) error {
	v, ok := m.sinks.Load(id)
	if !ok {
		return errors.WithKind(errors.Newf("network: unknown connection %d", id), errors.KindNotFound)
	}
	if err := v.(*sink).write(pkt); err != nil {
		return errors.WithKind(errors.Wrap(err, "network: write"), errors.KindTransient)
	}
	return nil
}

// Disconnect implements mqttservice.Disconnector: force-closes id's
// socket without running will delivery, since a client-id takeover
// (invariant I2, the only caller) means a new, already-logged-in
// connection has superseded it.
func (m *Manager) Disconnect(ctx context.Context, id model.ConnectionID) {
	m.Remove(ctx, id)
}

// IsCurrent reports whether id is still the connection on record for
// clientID, used by the reader loop to decide whether an abrupt exit
// should run will delivery (it should not, if a takeover already
// superseded this connection).
func (m *Manager) IsCurrent(clientID string, id model.ConnectionID) bool {
	v, ok := m.clients.Load(clientID)
	return ok && v.(model.ConnectionID) == id
}
