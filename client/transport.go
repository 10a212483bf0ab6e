package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20
	sendBuffer = 256
)

var (
	errSendBufferFull = errors.New("send buffer full")
	errConnClosed     = errors.New("connection closed")
)

// Transport opens duplex connections to a room endpoint.
type Transport interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// Conn is one open connection. Send queues a frame without blocking on the
// network; Receive blocks for the next inbound frame and is called from a
// single goroutine; Close is safe to call more than once.
type Conn interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

func dialError(resp *http.Response, err error) error {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return &AuthorizationError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return &TransientNetworkError{Op: "dial", Err: err}
}

// WebSocketTransport dials with gorilla/websocket.
type WebSocketTransport struct {
	HandshakeTimeout time.Duration
}

func (t WebSocketTransport) Dial(ctx context.Context, url, token string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 15 * time.Second
	}
	ws, resp, err := dialer.DialContext(ctx, url, authHeader(token))
	if err != nil {
		return nil, dialError(resp, err)
	}
	c := &gorillaConn{
		conn: ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	ws.SetReadLimit(maxMsgSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go c.writePump()
	return c, nil
}

type gorillaConn struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *gorillaConn) Send(data []byte) error {
	select {
	case <-c.done:
		return &TransientNetworkError{Op: "send", Err: errConnClosed}
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return &TransientNetworkError{Op: "send", Err: errSendBufferFull}
	}
}

func (c *gorillaConn) Receive() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, &TransientNetworkError{Op: "read", Err: err}
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *gorillaConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// writePump owns all writes to the socket, including keepalive pings and
// the final close frame.
func (c *gorillaConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
