package roomtest

import (
	"log"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/alimasry/go-liveroom/store"
)

// RoomPath is the websocket endpoint served by NewHandler.
const RoomPath = "/v1/room"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHandler serves the room endpoint. Requests must carry token as a
// bearer credential unless token is empty, and name the room in the "room"
// query parameter. The optional "user" parameter becomes the peer's user id.
func NewHandler(hub *Hub, token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(RoomPath, func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		roomID := r.URL.Query().Get("room")
		if roomID == "" {
			http.Error(w, "missing room", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket upgrade error: %v", err)
			return
		}
		user := r.URL.Query().Get("user")
		if user == "" {
			user = "anonymous"
		}
		p := newPeer(user, conn)
		if err := hub.join(p, roomID); err != nil {
			conn.Close()
			return
		}
		go p.WritePump()
		go p.ReadPump()
	})
	return mux
}

// Server is a relay listening on a loopback address.
type Server struct {
	*httptest.Server
	Hub *Hub
}

// NewServer starts a relay requiring token. st may be nil.
func NewServer(token string, st store.SnapshotStore) *Server {
	hub := NewHub(st)
	go hub.Run()
	return &Server{Server: httptest.NewServer(NewHandler(hub, token)), Hub: hub}
}

// RoomURL returns the websocket URL of the room endpoint.
func (s *Server) RoomURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + RoomPath
}

// Close stops the relay. Open connections are cut.
func (s *Server) Close() {
	s.Hub.Close()
	s.Server.CloseClientConnections()
	s.Server.Close()
}
