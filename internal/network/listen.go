package network

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nimbusmq/broker/internal/errors"
	"github.com/nimbusmq/broker/internal/model"
)

// endpoint pairs a net.Listener with the transport kind it produces,
// so the acceptor can tag every accepted connection without
// re-deriving it from the socket.
type endpoint struct {
	ln        net.Listener
	transport model.TransportKind
}

// listenTCP and listenTLS wrap the stdlib directly; wsListener below
// and quicListener in quic.go adapt the two transports the standard
// library doesn't give us a net.Listener for.
func listenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func listenTLS(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig == nil {
		return nil, errors.New("network: tls listener requires a tls config")
	}
	return tls.Listen("tcp", addr, tlsConfig)
}

// wsListener implements net.Listener over an http.Server upgrading
// every request on its mux to a WebSocket carrying the "mqtt"
// subprotocol, feeding accepted connections into a buffered channel.
//
// Grounded on haivivi-giztoy/go/pkg/mqtt0/listener.go's wsListener.
type wsListener struct {
	connCh    chan net.Conn
	errCh     chan error
	closeCh   chan struct{}
	closeOnce sync.Once
	server    *http.Server
	inner     net.Listener
	upgrader  websocket.Upgrader
}

func newWSListener(addr string, tlsConfig *tls.Config) (*wsListener, error) {
	l := &wsListener{
		connCh:  make(chan net.Conn, 128),
		errCh:   make(chan error, 1),
		closeCh: make(chan struct{}),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mqtt", l.handleUpgrade)
	mux.HandleFunc("/", l.handleUpgrade)
	l.server = &http.Server{Addr: addr, Handler: mux, TLSConfig: tlsConfig}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	l.inner = ln

	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			select {
			case l.errCh <- err:
			default:
			}
		}
	}()
	return l, nil
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &wsConn{ws: ws}
	select {
	case l.connCh <- conn:
	case <-l.closeCh:
		_ = conn.Close()
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case err := <-l.errCh:
		return nil, err
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		_ = l.server.Close()
	})
	return nil
}

func (l *wsListener) Addr() net.Addr { return l.inner.Addr() }

var _ net.Listener = (*wsListener)(nil)
