package client

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/alimasry/go-liveroom/crdt"
	"github.com/alimasry/go-liveroom/presence"
)

// Message types exchanged over the room connection.
const (
	MsgRoomState           = "ROOM_STATE"
	MsgInitialStorageState = "INITIAL_STORAGE_STATE"
	MsgUpdateStorage       = "UPDATE_STORAGE"
	MsgUpdatePresence      = "UPDATE_PRESENCE"
	MsgFetchStorage        = "FETCH_STORAGE"
	MsgUserJoined          = "USER_JOINED"
	MsgUserLeft            = "USER_LEFT"
)

// TargetInitial marks a presence message that carries a full record.
const TargetInitial = -1

// ClientMessage is a message from client to server.
type ClientMessage struct {
	Type        string         `json:"type"`
	TargetActor *int           `json:"targetActor,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	Ops         []crdt.Op      `json:"ops,omitempty"`
}

// Encode serializes a batch of client messages. A single message is sent
// bare; several travel as a JSON array.
func Encode(msgs ...ClientMessage) ([]byte, error) {
	if len(msgs) == 1 {
		return json.Marshal(msgs[0])
	}
	return json.Marshal(msgs)
}

func presenceMessage(p presence.Patch, target *int) ClientMessage {
	m := ClientMessage{Type: MsgUpdatePresence, Data: p.Data}
	if m.Data == nil {
		m.Data = map[string]any{}
	}
	switch {
	case target != nil:
		m.TargetActor = target
	case p.Full:
		t := TargetInitial
		m.TargetActor = &t
	}
	return m
}

func fetchStorageMessage() ClientMessage {
	return ClientMessage{Type: MsgFetchStorage, Stream: true}
}

func storageMessage(ops []crdt.Op) ClientMessage {
	return ClientMessage{Type: MsgUpdateStorage, Ops: ops}
}

// ServerMessage is one decoded message from the server. The concrete type
// is one of RoomState, InitialStorageState, UpdateStorage, UpdatePresence,
// UserJoined or UserLeft.
type ServerMessage interface {
	messageType() string
}

type RoomState struct {
	Actor  int                   `json:"actor"`
	Nonce  string                `json:"nonce,omitempty"`
	Scopes []string              `json:"scopes,omitempty"`
	Users  map[int]presence.User `json:"users,omitempty"`
	Meta   map[string]any        `json:"meta,omitempty"`
}

type InitialStorageState struct {
	Items []crdt.Item `json:"items"`
}

type UpdateStorage struct {
	Ops []crdt.Op `json:"ops"`
}

type UpdatePresence struct {
	Actor       int            `json:"actor"`
	Data        map[string]any `json:"data"`
	TargetActor *int           `json:"targetActor,omitempty"`
}

type UserJoined struct {
	Actor  int      `json:"actor"`
	ID     string   `json:"id,omitempty"`
	Info   any      `json:"info,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

type UserLeft struct {
	Actor int `json:"actor"`
}

func (RoomState) messageType() string           { return MsgRoomState }
func (InitialStorageState) messageType() string { return MsgInitialStorageState }
func (UpdateStorage) messageType() string       { return MsgUpdateStorage }
func (UpdatePresence) messageType() string      { return MsgUpdatePresence }
func (UserJoined) messageType() string          { return MsgUserJoined }
func (UserLeft) messageType() string            { return MsgUserLeft }

// Decode validates a frame from the server and decodes every message in
// it. Frames hold a single message object or an array of them. Any invalid
// or unknown message fails the whole frame with a ProtocolError.
func Decode(frame []byte) ([]ServerMessage, error) {
	if err := validateFrame(frame); err != nil {
		return nil, protocolErr(frame, err.Error())
	}
	var raws []json.RawMessage
	if trimmed := bytes.TrimSpace(frame); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, protocolErr(frame, err.Error())
		}
	} else {
		raws = []json.RawMessage{trimmed}
	}

	msgs := make([]ServerMessage, 0, len(raws))
	for _, raw := range raws {
		msg, err := decodeOne(raw)
		if err != nil {
			return nil, protocolErr(frame, err.Error())
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func decodeOne(raw json.RawMessage) (ServerMessage, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	var msg ServerMessage
	var err error
	switch head.Type {
	case MsgRoomState:
		var m RoomState
		err = json.Unmarshal(raw, &m)
		msg = m
	case MsgInitialStorageState:
		var m InitialStorageState
		err = json.Unmarshal(raw, &m)
		msg = m
	case MsgUpdateStorage:
		var m UpdateStorage
		err = json.Unmarshal(raw, &m)
		msg = m
	case MsgUpdatePresence:
		var m UpdatePresence
		err = json.Unmarshal(raw, &m)
		msg = m
	case MsgUserJoined:
		var m UserJoined
		err = json.Unmarshal(raw, &m)
		msg = m
	case MsgUserLeft:
		var m UserLeft
		err = json.Unmarshal(raw, &m)
		msg = m
	default:
		return nil, fmt.Errorf("unknown message type %q", head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", head.Type, err)
	}
	return msg, nil
}

const maxPayloadInError = 256

func protocolErr(frame []byte, reason string) *ProtocolError {
	p := string(frame)
	if len(p) > maxPayloadInError {
		p = p[:maxPayloadInError] + "..."
	}
	return &ProtocolError{Reason: reason, Payload: p}
}
