package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Recognized inbound methods.
const (
	MethodSessionRequest = "wc_sessionRequest"
	MethodSessionUpdate  = "wc_sessionUpdate"
	MethodSignTxn        = "algo_signTxn"
)

const maxPeerIcons = 8

// PeerMeta is peer-supplied display metadata. It is attacker controlled
// and must pass through Sanitize before reaching any UI surface.
type PeerMeta struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
}

// Sanitize fills defaults and bounds the icon list.
func (m PeerMeta) Sanitize() PeerMeta {
	out := PeerMeta{
		Name:        strings.TrimSpace(m.Name),
		Description: strings.TrimSpace(m.Description),
		URL:         strings.TrimSpace(m.URL),
	}
	if out.Name == "" {
		out.Name = "Unknown"
	}
	for _, icon := range m.Icons {
		icon = strings.TrimSpace(icon)
		if icon == "" {
			continue
		}
		out.Icons = append(out.Icons, icon)
		if len(out.Icons) == maxPeerIcons {
			break
		}
	}
	return out
}

// Message is one classified inbound request.
type Message interface {
	RequestID() int64
}

// SessionRequest asks the wallet to establish a session.
type SessionRequest struct {
	ID       int64
	PeerID   string
	PeerMeta PeerMeta
	ChainID  int64
}

// SignRequest asks the wallet to sign an ordered group of transactions.
type SignRequest struct {
	ID     int64
	Method string
	Txns   []SignTxn
	Params json.RawMessage
}

// SessionUpdate mutates or kills an established session.
type SessionUpdate struct {
	ID       int64
	Approved bool
	ChainID  int64
	Accounts []string
}

// UnknownMethod is a request this client does not implement.
type UnknownMethod struct {
	ID     int64
	Method string
}

func (m SessionRequest) RequestID() int64 { return m.ID }
func (m SignRequest) RequestID() int64 { return m.ID }
func (m SessionUpdate) RequestID() int64 { return m.ID }
func (m UnknownMethod) RequestID() int64 { return m.ID }

// SignTxn is one transaction entry of a signing request.
type SignTxn struct {
	Txn      string    `json:"txn"`
	Message  string    `json:"message,omitempty"`
	Signers  []string  `json:"signers,omitempty"`
	AuthAddr string    `json:"authAddr,omitempty"`
	Msig     *MsigMeta `json:"msig,omitempty"`
}

// MsigMeta describes a multisig account for a transaction entry.
type MsigMeta struct {
	Version   int      `json:"version"`
	Threshold int      `json:"threshold"`
	Addrs     []string `json:"addrs"`
}

type rpcRequest struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

type sessionRequestParams struct {
	PeerID   string   `json:"peerId"`
	PeerMeta PeerMeta `json:"peerMeta"`
	ChainID  *int64   `json:"chainId"`
}

type sessionUpdateParams struct {
	Approved bool     `json:"approved"`
	ChainID  int64    `json:"chainId"`
	Accounts []string `json:"accounts"`
}

// Classify parses one decrypted frame into a typed message.
//
// Frames shaped like responses return (nil, nil): this client issues no
// outbound requests of its own, so inbound result/error frames are
// discarded without error. A structurally invalid request returns a
// *RequestError carrying the JSON-RPC answer the peer must receive.
func Classify(decrypted []byte) (Message, error) {
	var req rpcRequest
	if err := json.Unmarshal(decrypted, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(req.Method) == "" {
		if len(req.Result) > 0 || len(req.Error) > 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: missing method", ErrInvalidRequest)
	}

	switch req.Method {
	case MethodSessionRequest:
		return classifySessionRequest(req)
	case MethodSessionUpdate:
		return classifySessionUpdate(req)
	case MethodSignTxn:
		return classifySignRequest(req)
	default:
		return UnknownMethod{ID: req.ID, Method: req.Method}, nil
	}
}

func classifySessionRequest(req rpcRequest) (Message, error) {
	var params []sessionRequestParams
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) == 0 {
		return nil, &RequestError{ID: req.ID, Code: CodeInvalidParams, Message: "invalid session request params"}
	}
	p := params[0]
	if strings.TrimSpace(p.PeerID) == "" {
		return nil, &RequestError{ID: req.ID, Code: CodeInvalidParams, Message: "session request missing peerId"}
	}
	msg := SessionRequest{
		ID:       req.ID,
		PeerID:   p.PeerID,
		PeerMeta: p.PeerMeta.Sanitize(),
	}
	if p.ChainID != nil {
		msg.ChainID = *p.ChainID
	}
	return msg, nil
}

func classifySessionUpdate(req rpcRequest) (Message, error) {
	var params []sessionUpdateParams
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) == 0 {
		return nil, &RequestError{ID: req.ID, Code: CodeInvalidParams, Message: "invalid session update params"}
	}
	p := params[0]
	return SessionUpdate{
		ID:       req.ID,
		Approved: p.Approved,
		ChainID:  p.ChainID,
		Accounts: p.Accounts,
	}, nil
}

func classifySignRequest(req rpcRequest) (Message, error) {
	var groups [][]SignTxn
	if err := json.Unmarshal(req.Params, &groups); err != nil || len(groups) == 0 {
		return nil, &RequestError{ID: req.ID, Code: CodeInvalidParams, Message: "invalid transaction params"}
	}
	txns := groups[0]
	if len(txns) == 0 {
		return nil, &RequestError{ID: req.ID, Code: CodeInvalidParams, Message: "empty transaction group"}
	}
	for i, txn := range txns {
		if strings.TrimSpace(txn.Txn) == "" {
			return nil, &RequestError{ID: req.ID, Code: CodeInvalidParams, Message: fmt.Sprintf("transaction %d missing txn", i)}
		}
		if _, err := base64.StdEncoding.DecodeString(txn.Txn); err != nil {
			return nil, &RequestError{ID: req.ID, Code: CodeInvalidParams, Message: fmt.Sprintf("transaction %d is not base64", i)}
		}
	}
	return SignRequest{
		ID:     req.ID,
		Method: req.Method,
		Txns:   txns,
		Params: req.Params,
	}, nil
}
