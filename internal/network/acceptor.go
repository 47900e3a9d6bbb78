package network

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nimbusmq/broker/internal/model"
	"github.com/nimbusmq/broker/internal/packets"
	"github.com/nimbusmq/broker/internal/queue"
)

// ClosedHandler runs last-will delivery and session detach when a
// connection's socket goes away without a DISCONNECT packet.
// Implemented by mqttservice.Service.
type ClosedHandler interface {
	HandleConnectionClosed(ctx context.Context, clientID string)
}

// Config configures the Acceptor's listening endpoints and worker
// fan-out (section 4.1, section 6).
type Config struct {
	TCPAddr        string
	TLSAddr        string
	WebSocketAddr  string
	WebSocketSAddr string
	QUICAddr       string
	TLSConfig      *tls.Config

	AcceptWorkers     int
	MaxIncomingPacket int

	// ConnectRatePerSec bounds new-connection acceptance across all
	// listeners combined; 0 disables the limit. A flood of CONNECTs
	// (or bare TCP opens) is the cheapest way to exhaust file
	// descriptors and handler-pool capacity before auth ever runs, so
	// this sits in front of everything else.
	ConnectRatePerSec int
	ConnectRateBurst  int
}

// Acceptor is C1: it owns every listening endpoint, accepts
// connections across N_accept workers per endpoint, registers them
// with the Connection Manager, and runs one reader goroutine per
// connection feeding the request channel.
type Acceptor struct {
	log      *zap.SugaredLogger
	manager  *Manager
	requests *queue.FanOut[queue.RequestPackage]
	closed   ClosedHandler
	cfg      Config
	limiter  *rate.Limiter

	endpoints []endpoint
}

// NewAcceptor constructs an Acceptor. Listeners are not opened until Serve.
func NewAcceptor(log *zap.SugaredLogger, manager *Manager, requests *queue.FanOut[queue.RequestPackage], closed ClosedHandler, cfg Config) *Acceptor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.AcceptWorkers < 1 {
		cfg.AcceptWorkers = 1
	}
	var limiter *rate.Limiter
	if cfg.ConnectRatePerSec > 0 {
		burst := cfg.ConnectRateBurst
		if burst < 1 {
			burst = cfg.ConnectRatePerSec
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.ConnectRatePerSec), burst)
	}
	return &Acceptor{log: log, manager: manager, requests: requests, closed: closed, cfg: cfg, limiter: limiter}
}

// Serve opens every configured endpoint and blocks accepting
// connections until ctx is done. Each endpoint runs AcceptWorkers
// goroutines calling Accept concurrently, matching section 4.1's
// "N_accept worker tasks per listening endpoint" (a net.Listener's
// Accept is safe for concurrent callers).
func (a *Acceptor) Serve(ctx context.Context) error {
	if err := a.openEndpoints(); err != nil {
		return err
	}
	defer a.closeEndpoints()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		a.closeEndpoints()
		close(done)
	}()

	var workers int
	for _, ep := range a.endpoints {
		for i := 0; i < a.cfg.AcceptWorkers; i++ {
			workers++
			go a.acceptLoop(ctx, ep)
		}
	}
	if workers == 0 {
		return fmt.Errorf("network: no listening endpoints configured")
	}
	<-done
	return nil
}

func (a *Acceptor) openEndpoints() error {
	if a.cfg.TCPAddr != "" {
		ln, err := listenTCP(a.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("network: tcp listen %s: %w", a.cfg.TCPAddr, err)
		}
		a.endpoints = append(a.endpoints, endpoint{ln, model.TransportTCP})
	}
	if a.cfg.TLSAddr != "" {
		ln, err := listenTLS(a.cfg.TLSAddr, a.cfg.TLSConfig)
		if err != nil {
			return fmt.Errorf("network: tls listen %s: %w", a.cfg.TLSAddr, err)
		}
		a.endpoints = append(a.endpoints, endpoint{ln, model.TransportTLS})
	}
	if a.cfg.WebSocketAddr != "" {
		ln, err := newWSListener(a.cfg.WebSocketAddr, nil)
		if err != nil {
			return fmt.Errorf("network: ws listen %s: %w", a.cfg.WebSocketAddr, err)
		}
		a.endpoints = append(a.endpoints, endpoint{ln, model.TransportWebSocket})
	}
	if a.cfg.WebSocketSAddr != "" {
		ln, err := newWSListener(a.cfg.WebSocketSAddr, a.cfg.TLSConfig)
		if err != nil {
			return fmt.Errorf("network: wss listen %s: %w", a.cfg.WebSocketSAddr, err)
		}
		a.endpoints = append(a.endpoints, endpoint{ln, model.TransportWebSocketS})
	}
	if a.cfg.QUICAddr != "" {
		ln, err := listenQUIC(a.cfg.QUICAddr, a.cfg.TLSConfig)
		if err != nil {
			return fmt.Errorf("network: quic listen %s: %w", a.cfg.QUICAddr, err)
		}
		a.endpoints = append(a.endpoints, endpoint{ln, model.TransportQUIC})
	}
	return nil
}

// Addrs returns the bound address of every open endpoint, in the
// order TCP, TLS, WebSocket, WebSocketS, QUIC were configured. Mainly
// useful in tests that bind to port 0 and need the assigned port.
func (a *Acceptor) Addrs() []net.Addr {
	addrs := make([]net.Addr, len(a.endpoints))
	for i, ep := range a.endpoints {
		addrs[i] = ep.ln.Addr()
	}
	return addrs
}

func (a *Acceptor) closeEndpoints() {
	for _, ep := range a.endpoints {
		_ = ep.ln.Close()
	}
}

func (a *Acceptor) acceptLoop(ctx context.Context, ep endpoint) {
	for {
		conn, err := ep.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			a.log.Debugw("network: accept error", "transport", ep.transport.String(), "err", err)
			return
		}
		if a.limiter != nil && !a.limiter.Allow() {
			a.log.Warnw("network: connect rate limit exceeded, dropping", "remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}
		go a.handleConn(ctx, conn, ep.transport)
	}
}

// handleConn runs a connection end to end: register it, read frames
// until the socket closes, then run teardown.
func (a *Acceptor) handleConn(ctx context.Context, raw net.Conn, transport model.TransportKind) {
	id := model.NextConnectionID()
	conn := model.NewConnection(id, raw.RemoteAddr(), transport)
	a.manager.Add(conn, raw)

	br := bufio.NewReader(raw)
	for {
		pkt, err := packets.ReadPacket(br, conn.ProtocolVersion(), a.cfg.MaxIncomingPacket)
		if err != nil {
			break
		}
		req := queue.RequestPackage{
			ConnectionID:     id,
			RemoteAddr:       conn.RemoteAddr.String(),
			Packet:           pkt,
			ReceiveTimestamp: time.Now(),
		}
		if err := a.requests.PostKeyed(ctx, uint64(id), req); err != nil {
			break
		}
	}
	a.teardown(ctx, conn)
}

// teardown runs last-will delivery for an ungraceful close (the
// reader loop exiting without ever having processed a DISCONNECT
// packet, which would have already removed the connection) and then
// removes it from the manager. A client-id takeover's forced
// Disconnect races this same path; IsCurrent skips will delivery for
// whichever connection has already been superseded.
func (a *Acceptor) teardown(ctx context.Context, conn *model.Connection) {
	if _, stillRegistered := a.manager.Connection(conn.ID); !stillRegistered {
		return
	}
	clientID := conn.ClientID()
	if clientID != "" && a.manager.IsCurrent(clientID, conn.ID) && a.closed != nil {
		a.closed.HandleConnectionClosed(ctx, clientID)
	}
	a.manager.Remove(ctx, conn.ID)
}
