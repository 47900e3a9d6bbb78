package network

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// quicCleanClose is the application-level close code a graceful QUIC
// disconnect uses (section 4.1: "for QUIC, application-close code 0 is
// treated as a clean disconnect").
const quicCleanClose = 0

// quicListener adapts a *quic.Listener to net.Listener: each accepted
// QUIC connection is expected to open exactly one bidirectional
// stream carrying the MQTT byte stream, which quicConn exposes as a
// net.Conn.
type quicListener struct {
	inner *quic.Listener
}

func listenQUIC(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	pconn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	ln, err := quic.Listen(pconn, tlsConfig, &quic.Config{MaxIdleTimeout: 2 * time.Minute})
	if err != nil {
		return nil, err
	}
	return &quicListener{inner: ln}, nil
}

func (l *quicListener) Accept() (net.Conn, error) {
	qconn, err := l.inner.Accept(context.Background())
	if err != nil {
		return nil, err
	}
	stream, err := qconn.AcceptStream(context.Background())
	if err != nil {
		_ = qconn.CloseWithError(quicCleanClose, "stream open failed")
		return nil, err
	}
	return &quicConn{conn: qconn, stream: stream}, nil
}

func (l *quicListener) Close() error   { return l.inner.Close() }
func (l *quicListener) Addr() net.Addr { return l.inner.Addr() }

// quicConn adapts a QUIC connection's single MQTT-carrying stream to
// net.Conn. Closing it closes the underlying connection with the
// clean-disconnect application code.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (c *quicConn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *quicConn) Write(b []byte) (int, error) { return c.stream.Write(b) }
func (c *quicConn) Close() error {
	_ = c.stream.Close()
	return c.conn.CloseWithError(quicCleanClose, "")
}
func (c *quicConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *quicConn) SetDeadline(t time.Time) error {
	if err := c.stream.SetReadDeadline(t); err != nil {
		return err
	}
	return c.stream.SetWriteDeadline(t)
}
func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

var _ net.Conn = (*quicConn)(nil)
var _ net.Listener = (*quicListener)(nil)
