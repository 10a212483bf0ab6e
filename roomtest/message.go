package roomtest

import (
	"bytes"
	"encoding/json"

	"github.com/alimasry/go-liveroom/crdt"
)

// Message types exchanged over WebSocket.
const (
	MsgRoomState           = "ROOM_STATE"
	MsgInitialStorageState = "INITIAL_STORAGE_STATE"
	MsgUpdateStorage       = "UPDATE_STORAGE"
	MsgUpdatePresence      = "UPDATE_PRESENCE"
	MsgFetchStorage        = "FETCH_STORAGE"
	MsgUserJoined          = "USER_JOINED"
	MsgUserLeft            = "USER_LEFT"
)

// ClientMessage is a message from a room client to the relay.
type ClientMessage struct {
	Type        string         `json:"type"`
	TargetActor *int           `json:"targetActor,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	Ops         []crdt.Op      `json:"ops,omitempty"`
}

// ServerMessage is a message from the relay to a room client.
type ServerMessage struct {
	Type        string           `json:"type"`
	Actor       *int             `json:"actor,omitempty"`
	Users       map[int]UserInfo `json:"users,omitempty"`
	Items       []crdt.Item      `json:"items,omitempty"`
	Ops         []crdt.Op        `json:"ops,omitempty"`
	Data        map[string]any   `json:"data,omitempty"`
	TargetActor *int             `json:"targetActor,omitempty"`
	ID          string           `json:"id,omitempty"`
}

// UserInfo describes a connected user.
type UserInfo struct {
	ID string `json:"id"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

// decodeFrame splits a frame holding one message or an array of them.
func decodeFrame(data []byte) ([]ClientMessage, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		var msgs []ClientMessage
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, err
		}
		return msgs, nil
	}
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return []ClientMessage{msg}, nil
}

func intPtr(v int) *int { return &v }
