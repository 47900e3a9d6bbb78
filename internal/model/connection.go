// Package model holds the broker's core data types (section 3):
// Connection, Session, Subscription, Topic, Record, ACLRule,
// RewriteRule. These are plain data plus small invariant-checking
// methods; ownership and mutation live in the components that consume
// them (network, mqttservice, subscribe, storage).
package model

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TransportKind identifies the network transport a connection arrived
// over (section 3).
type TransportKind uint8

const (
	TransportTCP TransportKind = iota
	TransportTLS
	TransportWebSocket
	TransportWebSocketS
	TransportQUIC
)

func (k TransportKind) String() string {
	switch k {
	case TransportTCP:
		return "tcp"
	case TransportTLS:
		return "tls"
	case TransportWebSocket:
		return "websocket"
	case TransportWebSocketS:
		return "websockets"
	case TransportQUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// ConnectionID is a process-local, monotonically assigned 64-bit
// identifier (invariant I1: never reused for a different socket).
type ConnectionID uint64

var connIDCounter atomic.Uint64

// NextConnectionID returns a fresh, monotonically increasing
// ConnectionID. It is safe for concurrent use by many acceptor
// workers.
func NextConnectionID() ConnectionID {
	return ConnectionID(connIDCounter.Add(1))
}

// Connection is the per-socket state described in section 3. It is
// created by the acceptor at accept time, transitioned by the MQTT
// service at CONNECT, and owned exclusively by the connection manager
// until removal.
type Connection struct {
	ID        ConnectionID
	RemoteAddr net.Addr
	Transport TransportKind

	mu                      sync.RWMutex
	protocolVersion         uint8
	clientID                string
	loggedIn                bool
	keepAliveSeconds        uint16
	receiveMaximum          uint16
	maxPacketSize           uint32
	topicAliasMax           uint16
	requestProblemInfo      bool
	requestResponseInfo     bool
	createdAt               time.Time
	lastPacketAt            time.Time
	topicAliases            map[uint16]string

	// LifecycleStop is closed when the connection is torn down; push
	// loops and the reader select on it (section 5, "cancellation &
	// timeouts").
	LifecycleStop chan struct{}
	stopOnce      sync.Once
}

// NewConnection constructs a Connection in its post-accept,
// pre-CONNECT state.
func NewConnection(id ConnectionID, remote net.Addr, transport TransportKind) *Connection {
	now := time.Now()
	return &Connection{
		ID:            id,
		RemoteAddr:    remote,
		Transport:     transport,
		createdAt:     now,
		lastPacketAt:  now,
		topicAliases:  make(map[uint16]string),
		LifecycleStop: make(chan struct{}),
	}
}

// Stop closes LifecycleStop exactly once.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() { close(c.LifecycleStop) })
}

// Login transitions the connection to its post-CONNECT state.
func (c *Connection) Login(protocolVersion uint8, clientID string, keepAlive, receiveMax uint16, maxPacketSize uint32, topicAliasMax uint16, requestProblemInfo, requestResponseInfo bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.protocolVersion = protocolVersion
	c.clientID = clientID
	c.loggedIn = true
	c.keepAliveSeconds = keepAlive
	c.receiveMaximum = receiveMax
	c.maxPacketSize = maxPacketSize
	c.topicAliasMax = topicAliasMax
	c.requestProblemInfo = requestProblemInfo
	c.requestResponseInfo = requestResponseInfo
}

func (c *Connection) ProtocolVersion() uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.protocolVersion
}

func (c *Connection) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

func (c *Connection) LoggedIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loggedIn
}

func (c *Connection) KeepAliveSeconds() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keepAliveSeconds
}

func (c *Connection) RequestResponseInfo() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requestResponseInfo
}

// TouchKeepAlive refreshes the keep-alive deadline bookkeeping.
func (c *Connection) TouchKeepAlive() {
	c.mu.Lock()
	c.lastPacketAt = time.Now()
	c.mu.Unlock()
}

// KeepAliveExpired reports whether no packet arrived within
// 1.5 x keep_alive_seconds (section 5).
func (c *Connection) KeepAliveExpired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keepAliveSeconds == 0 {
		return false
	}
	deadline := time.Duration(float64(c.keepAliveSeconds)*1.5) * time.Second
	return time.Since(c.lastPacketAt) > deadline
}

// BindTopicAlias records a topic_alias -> topic_name mapping (MQTT 5).
func (c *Connection) BindTopicAlias(alias uint16, topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topicAliases[alias] = topic
}

// ResolveTopicAlias looks up a previously bound alias.
func (c *Connection) ResolveTopicAlias(alias uint16) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.topicAliases[alias]
	return t, ok
}

// TopicAliasMax returns the connection's advertised maximum.
func (c *Connection) TopicAliasMax() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topicAliasMax
}
