// Package signal defines the wire protocol spoken between a client and a
// voice gateway. Control traffic travels as JSON text messages; media
// travels as RTP-framed PCM on the binary channel (see media.go).
package signal

import (
	"encoding/json"
	"fmt"
)

// Control message types. Client-originated types carry requests, the
// remainder are pushed by the gateway.
const (
	// client -> gateway
	TypeJoin       = "join"
	TypeLeave      = "leave"
	TypeStartMedia = "start-media"
	TypeStopMedia  = "stop-media"
	TypePeerData   = "peer-data"
	TypeMessage    = "message"
	TypePosition   = "position"

	// gateway -> client
	TypeJoinAccept   = "join-accept"
	TypeJoinReject   = "join-reject"
	TypePeerJoined   = "peer-joined"
	TypePeerLeft     = "peer-left"
	TypeMediaStarted = "media-started"
	TypeMediaStopped = "media-stopped"
	TypeRoomData     = "room-data"
	TypeStats        = "stats"
)

// Message is the envelope for every control message. Payload holds the
// type-specific body and stays opaque until the receiver knows the type.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage wraps a typed payload into an envelope.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		raw = data
	}
	return &Message{Type: msgType, Payload: raw}, nil
}

// Encode wraps a typed payload into an envelope and marshals it.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// DecodeMessage parses an envelope without touching the payload.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("decode message: missing type")
	}
	return &msg, nil
}

// Decode unmarshals the payload into a typed struct.
func (m *Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("decode %s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// JoinRequest asks the gateway to place the sender into the room named
// by its token. UserData travels with the join so other peers see it in
// the initial snapshot.
type JoinRequest struct {
	Token    string    `json:"token"`
	UserData []byte    `json:"user_data,omitempty"`
	Position *Position `json:"position,omitempty"`
}

// PeerSnapshot describes one peer already present in a room at join
// time, including the ids of its running media streams.
type PeerSnapshot struct {
	PeerID   uint64   `json:"peer_id"`
	UserID   string   `json:"user_id,omitempty"`
	UserData []byte   `json:"user_data,omitempty"`
	Medias   []uint16 `json:"medias,omitempty"`
}

// JoinAccept confirms a join. Peers lists everyone already in the room,
// excluding the joining peer itself.
type JoinAccept struct {
	RoomID   string         `json:"room_id"`
	PeerID   uint64         `json:"peer_id"`
	RoomData []byte         `json:"room_data,omitempty"`
	Peers    []PeerSnapshot `json:"peers,omitempty"`
}

// Join rejection codes.
const (
	RejectAuthFailed = "auth_failed"
	RejectRoomFull   = "room_full"
)

// JoinReject tells the client why a join was refused. Code is one of
// the gateway's stable reason strings.
type JoinReject struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// PeerJoinedPayload announces a new remote peer.
type PeerJoinedPayload struct {
	Peer PeerSnapshot `json:"peer"`
}

// PeerLeftPayload announces a departed remote peer. All of its media
// stops implicitly.
type PeerLeftPayload struct {
	PeerID uint64 `json:"peer_id"`
}

// MediaPayload announces a media stream starting or stopping on a peer.
// For client-sent start-media/stop-media the PeerID is ignored.
type MediaPayload struct {
	PeerID  uint64 `json:"peer_id,omitempty"`
	MediaID uint16 `json:"media_id"`
}

// PeerDataPayload carries a peer user data update. Gateway-pushed
// updates name the peer; client-sent updates leave PeerID zero.
type PeerDataPayload struct {
	PeerID   uint64 `json:"peer_id,omitempty"`
	UserData []byte `json:"user_data"`
}

// RoomDataPayload carries a room user data update.
type RoomDataPayload struct {
	RoomData []byte `json:"room_data"`
}

// MessagePayload carries opaque application bytes. An empty Targets
// slice addresses every peer in the room; otherwise only the listed
// peer ids receive it. SenderID is filled in by the gateway.
type MessagePayload struct {
	SenderID uint64   `json:"sender_id,omitempty"`
	Targets  []uint64 `json:"targets,omitempty"`
	Data     []byte   `json:"data"`
}

// Position is a peer location in the application's coordinate space,
// used by the gateway to cull media between distant peers.
type Position struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// PositionPayload carries a position update. PeerID is ignored on
// client-sent updates.
type PositionPayload struct {
	PeerID   uint64   `json:"peer_id,omitempty"`
	Position Position `json:"position"`
}

// Stats mirrors the gateway's view of the connection and is pushed
// periodically alongside the client's own counters.
type Stats struct {
	PeerCount  int    `json:"peer_count"`
	RxPackets  uint64 `json:"rx_packets"`
	TxPackets  uint64 `json:"tx_packets"`
	UptimeMsec int64  `json:"uptime_msec"`
}
