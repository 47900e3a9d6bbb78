package network

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn to net.Conn so the rest of the
// acceptor (bufio.Reader/Writer, packets.ReadPacket) can treat a
// WebSocket connection exactly like a TCP one; MQTT frames are carried
// as binary WebSocket messages.
//
// Grounded on haivivi-giztoy/go/pkg/mqtt0/dialer.go's wsConn.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	readBuf []byte
	readPos int
}

func (c *wsConn) Read(b []byte) (int, error) {
	if c.readPos < len(c.readBuf) {
		n := copy(b, c.readBuf[c.readPos:])
		c.readPos += n
		if c.readPos >= len(c.readBuf) {
			c.readBuf = nil
			c.readPos = 0
		}
		return n, nil
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return 0, err
	}
	n := copy(b, data)
	if n < len(data) {
		c.readBuf = data
		c.readPos = n
	}
	return n, nil
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error                       { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

var _ net.Conn = (*wsConn)(nil)
