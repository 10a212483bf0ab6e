package client

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// NhooyrTransport dials with nhooyr.io/websocket. Reads and writes are
// bound to a per-connection context instead of socket deadlines.
type NhooyrTransport struct{}

func (NhooyrTransport) Dial(ctx context.Context, url, token string) (Conn, error) {
	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: authHeader(token)})
	if err != nil {
		return nil, dialError(resp, err)
	}
	ws.SetReadLimit(maxMsgSize)
	connCtx, cancel := context.WithCancel(context.Background())
	c := &nhooyrConn{
		conn:   ws,
		ctx:    connCtx,
		cancel: cancel,
		send:   make(chan []byte, sendBuffer),
	}
	go c.writePump()
	return c, nil
}

type nhooyrConn struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte

	closeOnce sync.Once
}

func (c *nhooyrConn) Send(data []byte) error {
	if c.ctx.Err() != nil {
		return &TransientNetworkError{Op: "send", Err: errConnClosed}
	}
	select {
	case c.send <- data:
		return nil
	default:
		return &TransientNetworkError{Op: "send", Err: errSendBufferFull}
	}
}

func (c *nhooyrConn) Receive() ([]byte, error) {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return nil, &TransientNetworkError{Op: "read", Err: err}
	}
	return data, nil
}

func (c *nhooyrConn) Close() error {
	c.closeOnce.Do(c.cancel)
	return nil
}

func (c *nhooyrConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeWait)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.conn.Close(websocket.StatusInternalError, "write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, writeWait)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.conn.Close(websocket.StatusPolicyViolation, "ping timeout")
				c.Close()
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}
