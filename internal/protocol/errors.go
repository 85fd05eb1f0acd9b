package protocol

import "errors"

var (
	ErrInvalidSocketMessage = errors.New("protocol: invalid socket message")
	ErrUnknownSocketType    = errors.New("protocol: unknown socket message type")
	ErrInvalidRequest       = errors.New("protocol: invalid request")
)

// JSON-RPC error codes answered to the peer.
const (
	CodeInvalidParams  = -32602
	CodeMethodNotFound = -32601
	CodeServerError    = -32000
)

// RequestError describes an inbound request that must be answered with a
// JSON-RPC error instead of being surfaced to the application.
type RequestError struct {
	ID      int64
	Code    int
	Message string
}

func (e *RequestError) Error() string {
	return "protocol: " + e.Message
}
