// Package rooms implements the best-effort realtime relay: one logical broadcast channel per
// contract, carrying replica updates and awareness state between the peers editing it.
package rooms

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const roomPrefix = "contract:"

// ServerPeerID is the sender identifier used for messages originated by the relay itself.
const ServerPeerID = "server"

var (
	// ErrInvalidRoomName indicates a room name that is not derived from a contract id.
	ErrInvalidRoomName = errors.New("rooms: invalid room name")
	// ErrHubClosed indicates the hub no longer accepts peers.
	ErrHubClosed = errors.New("rooms: hub closed")
	// ErrMalformedMessage indicates an envelope or payload that cannot be decoded.
	ErrMalformedMessage = errors.New("rooms: malformed message")
)

// RoomName derives the deterministic room name for a contract.
func RoomName(contractID string) string {
	return roomPrefix + contractID
}

// ParseRoomName extracts the contract id from a room name.
func ParseRoomName(room string) (string, error) {
	if !strings.HasPrefix(room, roomPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoomName, room)
	}
	contractID := strings.TrimPrefix(room, roomPrefix)
	if strings.TrimSpace(contractID) == "" || contractID != strings.TrimSpace(contractID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoomName, room)
	}
	return contractID, nil
}

// MessageType enumerates room protocol events.
type MessageType string

const (
	TypeJoin        MessageType = "join"
	TypeSync        MessageType = "sync"
	TypeUpdate      MessageType = "update"
	TypeTrack       MessageType = "track"
	TypeLeave       MessageType = "leave"
	TypeSyncRequest MessageType = "sync_request"
	TypeSyncReply   MessageType = "sync_reply"
)

// Message is the JSON envelope exchanged on a room.
type Message struct {
	Type    MessageType     `json:"type"`
	Room    string          `json:"room"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Identity describes who is behind a peer connection.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// JoinPayload announces a new peer.
type JoinPayload struct {
	PeerID   string   `json:"peer_id"`
	Identity Identity `json:"identity"`
}

// UpdatePayload carries a replica update fragment; also used by sync replies.
type UpdatePayload struct {
	Fragment []byte `json:"fragment"`
}

// SyncRequestPayload carries the sender's encoded state vector.
type SyncRequestPayload struct {
	StateVector []byte `json:"state_vector"`
}

// PeerState is one entry of the full awareness broadcast.
type PeerState struct {
	PeerID   string          `json:"peer_id"`
	Identity Identity        `json:"identity"`
	State    json.RawMessage `json:"state,omitempty"`
}

// SyncPayload is the full awareness state of a room.
type SyncPayload struct {
	Peers []PeerState `json:"peers"`
}

// NewMessage builds an envelope with a JSON-encoded payload.
func NewMessage(messageType MessageType, room string, payload any) (Message, error) {
	message := Message{Type: messageType, Room: room}
	if payload == nil {
		return message, nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	message.Payload = encoded
	return message, nil
}

// DecodePayload unmarshals the envelope payload into target.
func (message Message) DecodePayload(target any) error {
	if len(message.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrMalformedMessage, message.Type)
	}
	if err := json.Unmarshal(message.Payload, target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// Known reports whether the message type is part of the protocol.
func (t MessageType) Known() bool {
	switch t {
	case TypeJoin, TypeSync, TypeUpdate, TypeTrack, TypeLeave, TypeSyncRequest, TypeSyncReply:
		return true
	default:
		return false
	}
}
