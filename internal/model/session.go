package model

import (
	"sync"
	"time"
)

// Will is a last-will publish scheduled by the broker on a client's
// ungraceful disconnect (GLOSSARY: Last-Will).
type Will struct {
	Topic           string
	Payload         []byte
	QoS             uint8
	Retain          bool
	DelayInterval   uint32 // seconds, MQTT5 will-delay-interval
	ContentType     string
	UserProperties  map[string][]string
}

// Session is the persistent projection of a client keyed by ClientID
// (section 3). It survives reconnects within this process: sessions are
// held in memory by internal/mqttservice's SessionStore and are not
// written to storage or to the metadata plane.
type Session struct {
	mu sync.RWMutex

	ClientID               string
	connectionID            ConnectionID
	hasConnection           bool
	SessionExpiryInterval   uint32 // seconds
	SubscriptionPaths       []string
	Will                    *Will
	CreatedAt               time.Time
	LastDisconnectAt        time.Time

	pkidAllocator *pkidAllocator
}

// NewSession creates an offline session for clientID.
func NewSession(clientID string) *Session {
	return &Session{
		ClientID:      clientID,
		CreatedAt:     time.Now(),
		pkidAllocator: newPKIDAllocator(),
	}
}

// Attach binds the session to a live connection (invariant I2: a new
// CONNECT for the same client_id takes over any prior connection;
// callers are responsible for tearing down the previous one).
func (s *Session) Attach(id ConnectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionID = id
	s.hasConnection = true
}

// Detach marks the session offline.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasConnection = false
	s.LastDisconnectAt = time.Now()
}

// ConnectionID returns the session's current connection, if any.
func (s *Session) ConnectionID() (ConnectionID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectionID, s.hasConnection
}

// Expired reports whether the session's expiry interval has elapsed
// while offline.
func (s *Session) Expired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.hasConnection {
		return false
	}
	if s.SessionExpiryInterval == 0 {
		return false
	}
	return now.Sub(s.LastDisconnectAt) > time.Duration(s.SessionExpiryInterval)*time.Second
}

// AllocatePKID returns a fresh packet identifier for a broker-initiated
// QoS1/2 PUBLISH (subscription push and retained replay). Inbound QoS2
// publishes keep the client's own identifiers and do not use it.
func (s *Session) AllocatePKID() (uint16, bool) {
	return s.pkidAllocator.allocate()
}

// ReleasePKID returns a packet identifier to the pool.
func (s *Session) ReleasePKID(id uint16) {
	s.pkidAllocator.release(id)
}

// pkidAllocator is a small O(1) bitmap allocator guarded by its own
// lock (section 5, "PKID allocation per session is guarded by a small
// lock").
type pkidAllocator struct {
	mu     sync.Mutex
	bitmap [4096]uint64 // 4096 * 64 = 262144 > 65535, one bit per PKID value 1..65535
	next   uint16
}

func newPKIDAllocator() *pkidAllocator {
	return &pkidAllocator{next: 1}
}

func (a *pkidAllocator) allocate() (uint16, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := a.next
	for {
		id := a.next
		word, bit := id/64, id%64
		if a.bitmap[word]&(1<<bit) == 0 {
			a.bitmap[word] |= 1 << bit
			a.advance()
			return id, true
		}
		a.advance()
		if a.next == start {
			return 0, false
		}
	}
}

func (a *pkidAllocator) advance() {
	if a.next == 65535 {
		a.next = 1
	} else {
		a.next++
	}
}

func (a *pkidAllocator) release(id uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	word, bit := id/64, id%64
	a.bitmap[word] &^= 1 << bit
}
