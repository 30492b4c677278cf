package peer

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"bitchan/pkg/wire"
)

const writeTimeout = 30 * time.Second

// Transport moves framed messages over one socket. ReadMessage is called from
// a single goroutine; WriteMessage calls are serialized by Conn.
type Transport interface {
	ReadMessage() (wire.Message, error)
	WriteMessage(msg wire.Message) error
	Close() error
	RemoteAddr() net.Addr
}

type tcpTransport struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewTCP wraps an established TCP connection.
func NewTCP(conn net.Conn) Transport {
	return &tcpTransport{conn: conn, r: bufio.NewReaderSize(conn, 64<<10)}
}

// DialTCP connects to addr.
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (Transport, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewTCP(conn), nil
}

func (t *tcpTransport) ReadMessage() (wire.Message, error) {
	return wire.ReadMessage(t.r)
}

func (t *tcpTransport) WriteMessage(msg wire.Message) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wire.WriteMessage(t.conn, msg)
}

func (t *tcpTransport) Close() error         { return t.conn.Close() }
func (t *tcpTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// wsTransport carries one framed message per binary WebSocket frame.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWS wraps an upgraded WebSocket connection.
func NewWS(conn *websocket.Conn) Transport {
	conn.SetReadLimit(wire.HeaderSize + wire.MaxPayloadLength)
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() (wire.Message, error) {
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			return wire.Message{}, err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		return wire.Decode(data)
	}
}

func (t *wsTransport) WriteMessage(msg wire.Message) error {
	b, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (t *wsTransport) Close() error         { return t.conn.Close() }
func (t *wsTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }
