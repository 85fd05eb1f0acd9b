package session

import (
	"encoding/json"

	"github.com/kitewallet/wclink/internal/protocol"
)

// EventType names one lifecycle event.
type EventType string

const (
	EventConnect        EventType = "connect"
	EventDisconnect     EventType = "disconnect"
	EventSessionRequest EventType = "session_request"
	EventCallRequest    EventType = "call_request"
	EventError          EventType = "error"
)

// Event is one lifecycle notification for the surrounding application.
// RequestID, PeerMeta and ChainID are set for session_request; RequestID,
// Method and Params for call_request; Err for error.
type Event struct {
	Type      EventType
	RequestID int64
	PeerMeta  protocol.PeerMeta
	ChainID   int64
	Method    string
	Params    json.RawMessage
	Err       error
}
