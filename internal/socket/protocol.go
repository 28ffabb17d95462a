package socket

import (
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/statuscast/pkg/types"
)

// Frame types reserved by the wire protocol.
const (
	TypePing       = "PING"
	TypePong       = "PONG"
	TypeJoinRoom   = "JOIN_ROOM"
	TypeRoomJoined = "ROOM_JOINED"
	TypeLeaveRoom  = "LEAVE_ROOM"
	TypeRoomLeft   = "ROOM_LEFT"
	TypeConnected  = "connected"
	TypeError      = "ERROR"
)

// Disconnect and rejection reasons reported to the metrics sink.
const (
	ReasonClientClosed     = "client_closed"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonBackpressure     = "backpressure_drop"
	ReasonSendError        = "send_error"
	ReasonShutdown         = "shutdown"
	ReasonCatchupFailed    = "catchup_failed"
	ReasonConnectionCap    = "connection_cap"
	ReasonDisabled         = "realtime_disabled"
	ReasonInvalidRoom      = "invalid_room"
)

// MaxRoomIDLength is the longest accepted room id, in characters.
const MaxRoomIDLength = 128

var (
	ErrConnectionCap = errors.New("socket: per-user connection cap reached")
	ErrInvalidRoom   = errors.New("socket: invalid room id")
	ErrBackpressure  = errors.New("socket: outbound buffer over threshold")
	ErrClosed        = errors.New("socket: connection closed")
	ErrCatchupFailed = errors.New("socket: catch-up replay failed")
)

// Envelope is every server-to-client frame.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
	EventID string `json:"eventId,omitempty"`
}

// Inbound is a client-to-server JSON frame.
type Inbound struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ValidRoomID reports whether id is a non-empty string of at most
// MaxRoomIDLength characters.
func ValidRoomID(id string) bool {
	return id != "" && utf8.RuneCountInString(id) <= MaxRoomIDLength
}

func encode(event string, payload any, eventID string) ([]byte, error) {
	return json.Marshal(Envelope{Type: event, Payload: payload, EventID: eventID})
}

// eventIDFor keeps the payload's own id so every device of a user sees the
// same one.
func eventIDFor(payload any) string {
	if id := types.PayloadEventID(payload); id != "" {
		return id
	}
	return uuid.NewString()
}

func reasonFor(err error) string {
	if errors.Is(err, ErrBackpressure) {
		return ReasonBackpressure
	}
	return ReasonSendError
}

func closeCode(reason string) int {
	switch reason {
	case ReasonShutdown:
		return websocket.CloseGoingAway
	case ReasonBackpressure, ReasonHeartbeatTimeout:
		return websocket.ClosePolicyViolation
	case ReasonConnectionCap:
		return websocket.CloseTryAgainLater
	case ReasonSendError, ReasonCatchupFailed:
		return websocket.CloseInternalServerErr
	}
	return websocket.CloseNormalClosure
}
