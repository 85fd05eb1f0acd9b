// Package bridge maintains one relay connection: topic subscribe/publish,
// inbound frame demultiplexing, and automatic reconnect with backoff.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/kitewallet/wclink/internal/envelope"
	"github.com/kitewallet/wclink/internal/observability"
	"github.com/kitewallet/wclink/internal/protocol"
)

var (
	ErrBridgeURLRequired  = errors.New("bridge: relay url required")
	ErrAlreadyConnected   = errors.New("bridge: transport already connected")
	ErrNotConnected       = errors.New("bridge: transport not connected")
	ErrReconnectExhausted = errors.New("bridge: reconnect attempts exhausted")
	ErrClosed             = errors.New("bridge: transport closed")
)

// State is the transport connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler consumes inbound pub frames for one topic. A handler runs to
// completion before the next frame on any topic is dispatched, so
// per-topic delivery order is the relay arrival order.
type Handler func(protocol.SocketMessage)

// Transport is one relay connection with topic routing.
type Transport struct {
	cfg Config
	rng *rand.Rand

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	handlers map[string]Handler
	order    []string
	manual   bool

	established atomic.Bool
	fatal       chan error
	done        chan struct{}
	closeOnce   sync.Once
}

func NewTransport(cfg Config) (*Transport, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrBridgeURLRequired
	}
	cfg = cfg.WithDefaults()
	cfg.URL = normalizeURL(cfg.URL)
	return &Transport{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		state:    StateIdle,
		handlers: make(map[string]Handler),
		fatal:    make(chan error, 1),
		done:     make(chan struct{}),
	}, nil
}

// normalizeURL maps pairing-URI style http(s) relay addresses onto
// websocket schemes.
func normalizeURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	default:
		return raw
	}
}

// Connect dials the relay and starts frame routing. An attempt that does
// not reach Open within ConnectTimeout is rejected to the caller.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateIdle {
		state := t.state
		t.mu.Unlock()
		if state == StateClosing || state == StateClosed {
			return ErrClosed
		}
		return ErrAlreadyConnected
	}
	t.state = StateConnecting
	topics := append([]string(nil), t.order...)
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		t.mu.Lock()
		t.state = StateIdle
		t.mu.Unlock()
		return fmt.Errorf("bridge: connect %s: %w", t.cfg.URL, err)
	}

	t.installKeepalive(conn)
	t.mu.Lock()
	t.conn = conn
	t.state = StateOpen
	t.mu.Unlock()

	if err := t.sendSubscriptions(topics); err != nil {
		t.teardownConn(conn)
		t.mu.Lock()
		t.state = StateIdle
		t.mu.Unlock()
		return fmt.Errorf("bridge: subscribe on connect: %w", err)
	}

	log.Info().Str("url", t.cfg.URL).Int("topics", len(topics)).Msg("bridge connected")
	go t.readLoop(conn)
	go t.pingLoop()
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, t.cfg.URL, nil)
	return conn, err
}

func (t *Transport) installKeepalive(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	})
}

// Subscribe registers a topic handler and, when the connection is open,
// announces the subscription to the relay. Repeated calls for the same
// topic update the handler without duplicating relay subscriptions.
func (t *Transport) Subscribe(topic string, h Handler) error {
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("bridge: empty topic")
	}
	t.mu.Lock()
	_, known := t.handlers[topic]
	t.handlers[topic] = h
	if !known {
		t.order = append(t.order, topic)
	}
	open := t.state == StateOpen
	t.mu.Unlock()

	if known || !open {
		return nil
	}
	return t.write(protocol.NewSubMessage(topic))
}

// Publish sends an encrypted envelope to a topic.
func (t *Transport) Publish(topic string, env envelope.Envelope, silent bool) error {
	msg, err := protocol.NewPubMessage(topic, env, silent)
	if err != nil {
		return err
	}
	return t.write(msg)
}

func (t *Transport) write(msg protocol.SocketMessage) error {
	raw, err := protocol.EncodeSocketMessage(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.state != StateOpen {
		return ErrNotConnected
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("bridge: write %s frame: %w", msg.Type, err)
	}
	return nil
}

func (t *Transport) sendSubscriptions(topics []string) error {
	for _, topic := range topics {
		if err := t.write(protocol.NewSubMessage(topic)); err != nil {
			return err
		}
		log.Debug().Str("topic", topic).Msg("bridge subscribed")
	}
	return nil
}

// MarkEstablished switches the transport into post-session error policy:
// later connection drops are absorbed and retried instead of surfaced.
func (t *Transport) MarkEstablished() {
	t.established.Store(true)
}

// Fatal delivers at most one terminal transport error: a reconnect bound
// exceeded before any session was established.
func (t *Transport) Fatal() <-chan error {
	return t.fatal
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Topics returns subscribed topics in subscription order.
func (t *Transport) Topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.order...)
}

// Disconnect closes the connection and stops all routing. Safe to call
// more than once.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.manual = true
	t.state = StateClosing
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.closeOnce.Do(func() { close(t.done) })

	if conn != nil {
		deadline := time.Now().Add(t.cfg.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}

	t.mu.Lock()
	t.state = StateClosed
	t.mu.Unlock()
	log.Debug().Msg("bridge disconnected")
	return nil
}

func (t *Transport) teardownConn(conn *websocket.Conn) {
	_ = conn.Close()
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		err := t.pump(conn)

		t.mu.Lock()
		manual := t.manual
		t.mu.Unlock()
		if manual || isNormalClose(err) {
			t.mu.Lock()
			if !manual {
				t.state = StateClosed
			}
			t.mu.Unlock()
			log.Debug().Err(err).Msg("bridge read loop stopped")
			return
		}

		if t.established.Load() {
			// Abnormal closes are part of the relay's teardown behavior once a
			// session exists; counted, not escalated.
			observability.RecordAbsorbedError()
			log.Warn().Err(err).Msg("bridge dropped after session established, reconnecting")
		} else {
			log.Warn().Err(err).Msg("bridge dropped, reconnecting")
		}

		next, rerr := t.reconnect()
		if rerr != nil {
			t.mu.Lock()
			t.state = StateClosed
			t.mu.Unlock()
			if errors.Is(rerr, ErrClosed) {
				return
			}
			if t.established.Load() {
				observability.RecordAbsorbedError()
				log.Error().Err(rerr).Msg("bridge reconnect exhausted after session established")
				return
			}
			select {
			case t.fatal <- rerr:
			default:
			}
			return
		}
		conn = next
	}
}

// pump reads frames from one connection until it fails, dispatching pub
// frames to per-topic handlers in arrival order.
func (t *Transport) pump(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.DecodeSocketMessage(raw)
		if err != nil {
			log.Debug().Err(err).Msg("dropping undecodable relay frame")
			continue
		}
		switch msg.Type {
		case protocol.SocketTypeAck:
			log.Trace().Str("topic", msg.Topic).Msg("relay ack")
		case protocol.SocketTypePub:
			t.mu.Lock()
			h := t.handlers[msg.Topic]
			t.mu.Unlock()
			if h == nil {
				log.Debug().Str("topic", msg.Topic).Msg("dropping frame for unsubscribed topic")
				continue
			}
			h(msg)
		default:
			log.Debug().Str("type", msg.Type).Msg("ignoring unexpected relay frame type")
		}
	}
}

// reconnect re-dials with bounded backoff and replays every subscription
// before returning the new connection.
func (t *Transport) reconnect() (*websocket.Conn, error) {
	t.mu.Lock()
	t.conn = nil
	t.state = StateConnecting
	t.mu.Unlock()

	for attempt := 1; ; attempt++ {
		if attempt > t.cfg.MaxReconnects {
			observability.RecordReconnect("exhausted")
			return nil, fmt.Errorf("%w: %d attempts", ErrReconnectExhausted, t.cfg.MaxReconnects)
		}

		delay := NextBackoffDelay(t.cfg.Backoff, attempt, t.rng)
		select {
		case <-t.done:
			return nil, ErrClosed
		case <-time.After(delay):
		}

		conn, err := t.dial(context.Background())
		if err != nil {
			observability.RecordReconnect("failure")
			log.Warn().Err(err).Int("attempt", attempt).Str("url", t.cfg.URL).Msg("bridge reconnect failed")
			continue
		}

		t.installKeepalive(conn)
		t.mu.Lock()
		t.conn = conn
		t.state = StateOpen
		topics := append([]string(nil), t.order...)
		t.mu.Unlock()

		if err := t.sendSubscriptions(topics); err != nil {
			observability.RecordReconnect("failure")
			log.Warn().Err(err).Int("attempt", attempt).Msg("bridge resubscribe failed")
			t.teardownConn(conn)
			t.mu.Lock()
			t.conn = nil
			t.state = StateConnecting
			t.mu.Unlock()
			continue
		}

		observability.RecordReconnect("success")
		log.Info().Int("attempt", attempt).Int("topics", len(topics)).Msg("bridge reconnected")
		return conn, nil
	}
}

func (t *Transport) pingLoop() {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.mu.Lock()
			conn := t.conn
			open := t.state == StateOpen
			t.mu.Unlock()
			if !open || conn == nil {
				continue
			}
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Msg("bridge ping failed")
			}
		}
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
