package protocol

import "encoding/json"

const jsonrpcVersion = "2.0"

// Response is an outbound JSON-RPC response frame.
type Response struct {
	ID      int64          `json:"id"`
	JSONRPC string         `json:"jsonrpc"`
	Result  any            `json:"result,omitempty"`
	Error   *ResponseError `json:"error,omitempty"`
}

// ResponseError is the error member of a JSON-RPC response.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SessionStatus is the result payload answering a session request, and
// the params payload of an outbound session update.
type SessionStatus struct {
	PeerID   string    `json:"peerId,omitempty"`
	PeerMeta *PeerMeta `json:"peerMeta,omitempty"`
	Approved bool      `json:"approved"`
	ChainID  int64     `json:"chainId"`
	Accounts []string  `json:"accounts"`
}

// NewApprovalResponse answers a session request. Rejections use the same
// shape with approved=false, as the legacy peers expect.
func NewApprovalResponse(handshakeID int64, approved bool, chainID int64, accounts []string, selfMeta PeerMeta, selfClientID string) Response {
	status := SessionStatus{
		Approved: approved,
		ChainID:  chainID,
		Accounts: accounts,
	}
	if approved {
		status.PeerID = selfClientID
		status.PeerMeta = &selfMeta
		if status.Accounts == nil {
			status.Accounts = []string{}
		}
	}
	return Response{ID: handshakeID, JSONRPC: jsonrpcVersion, Result: status}
}

// NewSignResponse answers a signing request with the signed transaction
// group, base64 entries in request order.
func NewSignResponse(requestID int64, signedTxnsBase64 []string) Response {
	if signedTxnsBase64 == nil {
		signedTxnsBase64 = []string{}
	}
	return Response{ID: requestID, JSONRPC: jsonrpcVersion, Result: signedTxnsBase64}
}

// NewErrorResponse answers any request with a JSON-RPC error.
func NewErrorResponse(requestID int64, code int, message string) Response {
	return Response{
		ID:      requestID,
		JSONRPC: jsonrpcVersion,
		Error:   &ResponseError{Code: code, Message: message},
	}
}

// Request is an outbound JSON-RPC request frame. The only request this
// client originates is the session update.
type Request struct {
	ID      int64  `json:"id"`
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// NewSessionUpdateRequest announces new session state to the peer.
// approved=false kills the session on the remote side.
func NewSessionUpdateRequest(id int64, approved bool, chainID int64, accounts []string) Request {
	if accounts == nil {
		accounts = []string{}
	}
	return Request{
		ID:      id,
		JSONRPC: jsonrpcVersion,
		Method:  MethodSessionUpdate,
		Params: []any{SessionStatus{
			Approved: approved,
			ChainID:  chainID,
			Accounts: accounts,
		}},
	}
}

// Encode renders a frame for encryption.
func (r Response) Encode() ([]byte, error) { return json.Marshal(r) }

// Encode renders a frame for encryption.
func (r Request) Encode() ([]byte, error) { return json.Marshal(r) }
