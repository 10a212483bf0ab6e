package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// echoServer upgrades requests carrying the bearer token and echoes every
// frame back. Other requests get 401.
func echoServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("room") == "" {
			http.Error(w, "missing room", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	u, _ := roomURL("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", "room-1")
	return u
}

func recvFrame(t *testing.T, c Conn) []byte {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := c.Receive()
		ch <- result{data, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("receive: %v", r.err)
		}
		return r.data
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

func TestTransports(t *testing.T) {
	transports := map[string]Transport{
		"gorilla": WebSocketTransport{},
		"nhooyr":  NhooyrTransport{},
	}
	for name, tr := range transports {
		t.Run(name, func(t *testing.T) {
			srv := echoServer(t, "secret")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn, err := tr.Dial(ctx, wsURL(srv), "secret")
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer conn.Close()

			for _, msg := range []string{`{"type":"FETCH_STORAGE","stream":true}`, `[1,2,3]`} {
				if err := conn.Send([]byte(msg)); err != nil {
					t.Fatalf("Send: %v", err)
				}
				if got := string(recvFrame(t, conn)); got != msg {
					t.Errorf("echo = %s, want %s", got, msg)
				}
			}

			conn.Close()
			conn.Close()
			if err := conn.Send([]byte("late")); !errors.Is(err, ErrTransient) {
				t.Errorf("Send after Close err = %v, want ErrTransient", err)
			}
		})
	}
}

func TestTransports_Unauthorized(t *testing.T) {
	transports := map[string]Transport{
		"gorilla": WebSocketTransport{},
		"nhooyr":  NhooyrTransport{},
	}
	for name, tr := range transports {
		t.Run(name, func(t *testing.T) {
			srv := echoServer(t, "secret")
			_, err := tr.Dial(context.Background(), wsURL(srv), "wrong")
			if !errors.Is(err, ErrAuthorization) {
				t.Errorf("err = %v, want ErrAuthorization", err)
			}
		})
	}
}

func TestTransports_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	for name, tr := range map[string]Transport{"gorilla": WebSocketTransport{}, "nhooyr": NhooyrTransport{}} {
		t.Run(name, func(t *testing.T) {
			_, err := tr.Dial(context.Background(), url, "secret")
			if !errors.Is(err, ErrTransient) {
				t.Errorf("err = %v, want ErrTransient", err)
			}
		})
	}
}

func TestRoomURL(t *testing.T) {
	tests := []struct {
		base, room, want string
		wantErr          bool
	}{
		{"ws://host/v1", "doc", "ws://host/v1?room=doc", false},
		{"wss://host/v1?region=eu", "a b", "wss://host/v1?region=eu&room=a+b", false},
		{"", "doc", "", true},
	}
	for _, tt := range tests {
		got, err := roomURL(tt.base, tt.room)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("roomURL(%q, %q) = %q, %v", tt.base, tt.room, got, err)
		}
	}
}
