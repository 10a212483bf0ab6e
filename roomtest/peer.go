package roomtest

import (
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20
)

// Peer represents a single WebSocket connection in a room.
type Peer struct {
	UserID string

	conn    *websocket.Conn
	send    chan []byte
	session *Session

	// Set by the session loop on join.
	actor int
}

func newPeer(userID string, conn *websocket.Conn) *Peer {
	return &Peer{
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, 256),
	}
}

// ReadPump reads frames from the WebSocket and hands them to the session.
func (p *Peer) ReadPump() {
	defer func() {
		select {
		case p.session.leave <- p:
		case <-p.session.stop:
		}
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMsgSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("peer %s read error: %v", p.UserID, err)
			}
			return
		}
		msgs, err := decodeFrame(data)
		if err != nil {
			log.Printf("peer %s: invalid frame: %v", p.UserID, err)
			return
		}
		select {
		case p.session.incoming <- frame{peer: p, msgs: msgs}:
		case <-p.session.stop:
			return
		}
	}
}

// WritePump writes frames from the send channel to the WebSocket.
func (p *Peer) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case data, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *Peer) sendMsg(msg ServerMessage) {
	select {
	case p.send <- msg.Encode():
	default:
		// Peer too slow, drop message.
	}
}

// drop closes the connection without a close handshake, as a network
// failure would.
func (p *Peer) drop() {
	if p.conn != nil {
		p.conn.UnderlyingConn().Close()
	}
}
