package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kitewallet/wclink/internal/bridge"
	"github.com/kitewallet/wclink/internal/envelope"
	"github.com/kitewallet/wclink/internal/observability"
	"github.com/kitewallet/wclink/internal/protocol"
	"github.com/kitewallet/wclink/internal/store"
)

var (
	ErrStoreRequired    = errors.New("session: store required")
	ErrNoPendingRequest = errors.New("session: no pending session request")
	ErrNoActiveSession  = errors.New("session: no active session")
	ErrUnknownRequestID = errors.New("session: unknown request id")
)

const defaultEventBuffer = 16

// Config assembles one orchestrator.
type Config struct {
	// Meta describes this wallet to peers.
	Meta protocol.PeerMeta
	// Store persists session records across restarts.
	Store store.Store
	// Bridge carries transport reliability settings; the relay URL comes
	// from the pairing.
	Bridge bridge.Config
	// EventBuffer bounds the event channel; overflow drops with a warning.
	EventBuffer int
}

// Client is the stateful session orchestrator. Construct one per process
// at the composition root and share the handle.
type Client struct {
	cfg Config
	rng *rand.Rand

	mu           sync.Mutex
	transport    *bridge.Transport
	record       *store.SessionRecord
	pending      *protocol.SessionRequest
	pendingCalls map[int64]string
	stopFatal    chan struct{}

	events chan Event
}

func New(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	cfg.Meta = cfg.Meta.Sanitize()
	return &Client{
		cfg:          cfg,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		pendingCalls: make(map[int64]string),
		events:       make(chan Event, cfg.EventBuffer),
	}, nil
}

// Events is the lifecycle stream consumed by the application.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Session returns a snapshot of the active session record.
func (c *Client) Session() (store.SessionRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record == nil {
		return store.SessionRecord{}, false
	}
	return *c.record, true
}

// Connect opens the relay connection for a pairing. An already active
// session is torn down first. When the store holds a connected record
// for the topic the session is resumed on the local identifier topic;
// otherwise the handshake topic is watched for the session request.
func (c *Client) Connect(ctx context.Context, pairing PairingConfig) error {
	if err := pairing.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil {
		log.Warn().Str("topic", pairing.Topic).Msg("replacing active session")
		c.teardownLocked()
	}

	rec, found := c.cfg.Store.Load(pairing.Topic)
	resuming := found && rec.Connected && rec.ClientID != "" && rec.PeerID != ""
	if !resuming {
		rec = store.SessionRecord{
			Accounts:       []string{},
			BridgeURL:      pairing.BridgeURL,
			KeyHex:         pairing.KeyHex,
			ClientID:       uuid.NewString(),
			ClientMeta:     c.cfg.Meta,
			HandshakeTopic: pairing.Topic,
		}
	}

	bridgeCfg := c.cfg.Bridge
	bridgeCfg.URL = rec.BridgeURL
	transport, err := bridge.NewTransport(bridgeCfg)
	if err != nil {
		return err
	}

	inboundTopic := pairing.Topic
	if resuming {
		inboundTopic = rec.ClientID
	}
	if err := transport.Subscribe(inboundTopic, c.handleFrame); err != nil {
		return err
	}

	if err := transport.Connect(ctx); err != nil {
		return err
	}

	c.transport = transport
	c.record = &rec
	c.pending = nil
	c.pendingCalls = make(map[int64]string)
	c.stopFatal = make(chan struct{})
	go c.watchFatal(transport, c.stopFatal)

	if resuming {
		transport.MarkEstablished()
		log.Info().Str("topic", pairing.Topic).Str("peer", rec.PeerID).Msg("session resumed from store")
		// The peer may have missed state changes while we were offline.
		if err := c.sendUpdateLocked(true, rec.ChainID, rec.Accounts); err != nil {
			log.Warn().Err(err).Msg("resume announce failed")
		}
		c.emit(Event{Type: EventConnect, ChainID: rec.ChainID})
	} else {
		log.Info().Str("topic", pairing.Topic).Msg("awaiting session request on handshake topic")
	}
	return nil
}

// ApproveSession answers the pending session request, subscribes the
// local identifier topic, and persists the connected record.
func (c *Client) ApproveSession(accounts []string, chainID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return ErrNoPendingRequest
	}
	if c.transport == nil || c.record == nil {
		return ErrNoActiveSession
	}

	rec := c.record
	if chainID != 0 {
		rec.ChainID = chainID
	}
	rec.Accounts = append([]string{}, accounts...)

	// Subscribe before answering so a request the peer fires immediately
	// after approval cannot be missed.
	if err := c.transport.Subscribe(rec.ClientID, c.handleFrame); err != nil {
		return err
	}

	resp := protocol.NewApprovalResponse(rec.HandshakeID, true, rec.ChainID, rec.Accounts, rec.ClientMeta, rec.ClientID)
	raw, err := resp.Encode()
	if err != nil {
		return err
	}
	// The shared secret's owner listens on its own identifier after the
	// handshake; the handshake topic is dead from here on.
	if err := c.publishLocked(rec.PeerID, raw); err != nil {
		return err
	}

	rec.Connected = true
	if err := c.cfg.Store.Save(*rec); err != nil {
		return err
	}
	if err := c.cfg.Store.PruneStale(rec.HandshakeTopic); err != nil {
		log.Warn().Err(err).Msg("prune stale sessions failed")
	}

	c.transport.MarkEstablished()
	c.pending = nil
	log.Info().Str("peer", rec.PeerID).Int64("chain", rec.ChainID).Msg("session approved")
	c.emit(Event{Type: EventConnect, ChainID: rec.ChainID})
	return nil
}

// RejectSession answers the pending session request with approved=false
// on the handshake topic and tears the pairing down.
func (c *Client) RejectSession() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return ErrNoPendingRequest
	}
	if c.transport == nil || c.record == nil {
		return ErrNoActiveSession
	}

	rec := c.record
	resp := protocol.NewApprovalResponse(rec.HandshakeID, false, 0, nil, protocol.PeerMeta{}, "")
	raw, err := resp.Encode()
	if err != nil {
		return err
	}
	if err := c.publishLocked(rec.HandshakeTopic, raw); err != nil {
		log.Warn().Err(err).Msg("rejection publish failed")
	}

	log.Info().Str("topic", rec.HandshakeTopic).Msg("session rejected")
	c.disconnectLocked()
	return nil
}

// UpdateSession announces changed accounts or chain to the peer and
// persists the record.
func (c *Client) UpdateSession(accounts []string, chainID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.record == nil || !c.record.Connected || c.transport == nil {
		return ErrNoActiveSession
	}

	rec := c.record
	if chainID != 0 {
		rec.ChainID = chainID
	}
	rec.Accounts = append([]string{}, accounts...)

	if err := c.sendUpdateLocked(true, rec.ChainID, rec.Accounts); err != nil {
		return err
	}
	return c.cfg.Store.Save(*rec)
}

// ApproveRequest answers a pending signing request with the signed
// transaction group.
func (c *Client) ApproveRequest(requestID int64, signedTxnsBase64 []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkCallLocked(requestID); err != nil {
		return err
	}
	resp := protocol.NewSignResponse(requestID, signedTxnsBase64)
	raw, err := resp.Encode()
	if err != nil {
		return err
	}
	if err := c.publishLocked(c.record.PeerID, raw); err != nil {
		return err
	}
	delete(c.pendingCalls, requestID)
	log.Info().Int64("id", requestID).Int("txns", len(signedTxnsBase64)).Msg("signing request approved")
	return nil
}

// RejectRequest answers a pending signing request with an error.
func (c *Client) RejectRequest(requestID int64, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkCallLocked(requestID); err != nil {
		return err
	}
	if reason == "" {
		reason = "Transaction request rejected"
	}
	resp := protocol.NewErrorResponse(requestID, protocol.CodeServerError, reason)
	raw, err := resp.Encode()
	if err != nil {
		return err
	}
	if err := c.publishLocked(c.record.PeerID, raw); err != nil {
		return err
	}
	delete(c.pendingCalls, requestID)
	log.Info().Int64("id", requestID).Str("reason", reason).Msg("signing request rejected")
	return nil
}

func (c *Client) checkCallLocked(requestID int64) error {
	if c.record == nil || !c.record.Connected || c.transport == nil {
		return ErrNoActiveSession
	}
	if _, ok := c.pendingCalls[requestID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRequestID, requestID)
	}
	return nil
}

// Disconnect kills the session: the peer is told, the transport is torn
// down, and the stored record is cleared.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil && c.record == nil {
		return nil
	}

	if c.record != nil && c.record.Connected && c.transport != nil {
		if err := c.sendUpdateLocked(false, 0, nil); err != nil {
			log.Debug().Err(err).Msg("session kill announce failed")
		}
	}
	c.disconnectLocked()
	return nil
}

// disconnectLocked tears down transport and store state and emits the
// disconnect event. Caller holds c.mu.
func (c *Client) disconnectLocked() {
	topic := ""
	if c.record != nil {
		topic = c.record.HandshakeTopic
	}
	c.teardownLocked()
	if topic != "" {
		if err := c.cfg.Store.Clear(topic); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("clear stored session failed")
		}
	}
	c.record = nil
	c.pending = nil
	c.pendingCalls = make(map[int64]string)
	c.emit(Event{Type: EventDisconnect})
}

// teardownLocked closes the transport without touching persisted state.
func (c *Client) teardownLocked() {
	if c.stopFatal != nil {
		close(c.stopFatal)
		c.stopFatal = nil
	}
	if c.transport != nil {
		_ = c.transport.Disconnect()
		c.transport = nil
	}
}

func (c *Client) watchFatal(t *bridge.Transport, stop chan struct{}) {
	select {
	case <-stop:
	case err := <-t.Fatal():
		log.Error().Err(err).Msg("bridge transport failed")
		c.emit(Event{Type: EventError, Err: err})
	}
}

// handleFrame is the per-topic inbound pipeline. It runs on the
// transport's read goroutine, so frames on one topic are processed in
// arrival order.
func (c *Client) handleFrame(msg protocol.SocketMessage) {
	env, ok := protocol.ParseEnvelope(msg.Payload)
	if !ok {
		log.Debug().Str("topic", msg.Topic).Msg("dropping frame without envelope")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record == nil {
		return
	}

	plaintext, err := envelope.Decrypt(env, c.record.KeyHex)
	if err != nil {
		observability.RecordDecryptFailure()
		log.Warn().Err(err).Str("topic", msg.Topic).Msg("discarding frame that failed authentication")
		return
	}

	classified, err := protocol.Classify(plaintext)
	if err != nil {
		var reqErr *protocol.RequestError
		if errors.As(err, &reqErr) {
			observability.RecordRequest("invalid", "rejected")
			log.Warn().Int64("id", reqErr.ID).Str("reason", reqErr.Message).Msg("rejecting malformed request")
			c.respondErrorLocked(reqErr.ID, reqErr.Code, reqErr.Message)
			return
		}
		log.Debug().Err(err).Msg("dropping unclassifiable frame")
		return
	}
	if classified == nil {
		// Response-shaped frame; this client issues no requests that
		// expect one beyond fire-and-forget updates.
		return
	}

	switch m := classified.(type) {
	case protocol.SessionRequest:
		c.handleSessionRequestLocked(m)
	case protocol.SignRequest:
		c.handleSignRequestLocked(m)
	case protocol.SessionUpdate:
		c.handleSessionUpdateLocked(m)
	case protocol.UnknownMethod:
		observability.RecordRequest(m.Method, "unsupported")
		log.Warn().Str("method", m.Method).Int64("id", m.ID).Msg("answering unsupported method")
		c.respondErrorLocked(m.ID, protocol.CodeMethodNotFound, "unsupported method")
	}
}

func (c *Client) handleSessionRequestLocked(m protocol.SessionRequest) {
	observability.RecordRequest(protocol.MethodSessionRequest, "emitted")
	rec := c.record
	rec.PeerID = m.PeerID
	rec.PeerMeta = m.PeerMeta
	rec.HandshakeID = m.ID
	if m.ChainID != 0 {
		rec.ChainID = m.ChainID
	}
	c.pending = &m
	log.Info().Str("peer", m.PeerID).Str("name", m.PeerMeta.Name).Msg("session request received")
	c.emit(Event{Type: EventSessionRequest, RequestID: m.ID, PeerMeta: m.PeerMeta, ChainID: rec.ChainID})
}

func (c *Client) handleSignRequestLocked(m protocol.SignRequest) {
	if !c.record.Connected {
		observability.RecordRequest(m.Method, "rejected")
		log.Warn().Int64("id", m.ID).Msg("signing request before session approval")
		c.respondErrorLocked(m.ID, protocol.CodeServerError, "no connected session")
		return
	}
	observability.RecordRequest(m.Method, "emitted")
	c.pendingCalls[m.ID] = m.Method
	log.Info().Int64("id", m.ID).Int("txns", len(m.Txns)).Msg("signing request received")
	c.emit(Event{Type: EventCallRequest, RequestID: m.ID, Method: m.Method, Params: m.Params})
}

func (c *Client) handleSessionUpdateLocked(m protocol.SessionUpdate) {
	if !m.Approved {
		observability.RecordRequest(protocol.MethodSessionUpdate, "killed")
		log.Info().Msg("peer killed session")
		c.disconnectLocked()
		return
	}
	observability.RecordRequest(protocol.MethodSessionUpdate, "applied")
	rec := c.record
	if m.ChainID != 0 {
		rec.ChainID = m.ChainID
	}
	if m.Accounts != nil {
		rec.Accounts = m.Accounts
	}
	if rec.Connected {
		if err := c.cfg.Store.Save(*rec); err != nil {
			log.Warn().Err(err).Msg("persist session update failed")
		}
	}
}

// respondErrorLocked answers a faulty request on the peer's identifier
// topic when one is known. Before the handshake no return topic exists.
func (c *Client) respondErrorLocked(id int64, code int, message string) {
	if c.record == nil || c.record.PeerID == "" {
		log.Debug().Int64("id", id).Msg("no peer topic to answer faulty request")
		return
	}
	resp := protocol.NewErrorResponse(id, code, message)
	raw, err := resp.Encode()
	if err != nil {
		return
	}
	if err := c.publishLocked(c.record.PeerID, raw); err != nil {
		log.Warn().Err(err).Int64("id", id).Msg("error response publish failed")
	}
}

func (c *Client) sendUpdateLocked(approved bool, chainID int64, accounts []string) error {
	if c.record == nil || c.record.PeerID == "" {
		return ErrNoActiveSession
	}
	req := protocol.NewSessionUpdateRequest(c.nextRequestID(), approved, chainID, accounts)
	raw, err := req.Encode()
	if err != nil {
		return err
	}
	return c.publishLocked(c.record.PeerID, raw)
}

func (c *Client) publishLocked(topic string, plaintext []byte) error {
	if c.transport == nil || c.record == nil {
		return ErrNoActiveSession
	}
	env, err := envelope.Encrypt(plaintext, c.record.KeyHex)
	if err != nil {
		return err
	}
	return c.transport.Publish(topic, env, true)
}

// nextRequestID mirrors the legacy payload id shape: millisecond
// timestamp with a random suffix.
func (c *Client) nextRequestID() int64 {
	return time.Now().UnixMilli()*1000 + c.rng.Int63n(1000)
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Warn().Str("type", string(ev.Type)).Msg("event buffer full, dropping event")
	}
}
