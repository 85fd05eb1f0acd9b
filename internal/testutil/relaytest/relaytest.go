// Package relaytest runs an in-process bridge relay for transport and
// session tests: topic subscriptions, store-and-forward publish, and
// abrupt connection kills.
package relaytest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kitewallet/wclink/internal/protocol"
)

type Server struct {
	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]map[string]bool
	queued map[string][]protocol.SocketMessage

	published  chan protocol.SocketMessage
	subscribed chan string
}

func Start(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		conns:      make(map[*websocket.Conn]map[string]bool),
		queued:     make(map[string][]protocol.SocketMessage),
		published:  make(chan protocol.SocketMessage, 64),
		subscribed: make(chan string, 64),
	}
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// URL returns the relay address with a websocket scheme.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http")
}

func (s *Server) Close() {
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = make(map[*websocket.Conn]map[string]bool)
	s.mu.Unlock()
	s.httpServer.Close()
}

// KillConnections abruptly closes every client connection without a
// close handshake, simulating a network drop.
func (s *Server) KillConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

// ConnectionCount reports currently attached clients.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Published observes every pub frame clients send to the relay.
func (s *Server) Published() <-chan protocol.SocketMessage {
	return s.published
}

// Subscribed observes every topic clients subscribe to, in order.
func (s *Server) Subscribed() <-chan string {
	return s.subscribed
}

// Inject delivers a frame to a topic as if a remote peer published it,
// queueing it when the topic has no subscriber yet.
func (s *Server) Inject(msg protocol.SocketMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverLocked(msg)
}

// WaitSubscribed blocks until topic is announced or the timeout fires.
func (s *Server) WaitSubscribed(t *testing.T, topic string, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case got := <-s.subscribed:
			if got == topic {
				return
			}
		case <-deadline:
			t.Fatalf("topic %q not subscribed within %v", topic, timeout)
		}
	}
}

// WaitPublished blocks until a pub frame for topic arrives.
func (s *Server) WaitPublished(t *testing.T, topic string, timeout time.Duration) protocol.SocketMessage {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-s.published:
			if msg.Topic == topic {
				return msg
			}
		case <-deadline:
			t.Fatalf("no frame published to %q within %v", topic, timeout)
		}
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[conn] = make(map[string]bool)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeSocketMessage(raw)
		if err != nil {
			continue
		}
		switch msg.Type {
		case protocol.SocketTypeSub:
			s.mu.Lock()
			if topics, ok := s.conns[conn]; ok {
				topics[msg.Topic] = true
			}
			backlog := s.queued[msg.Topic]
			delete(s.queued, msg.Topic)
			for _, pending := range backlog {
				s.sendLocked(conn, pending)
			}
			s.mu.Unlock()
			select {
			case s.subscribed <- msg.Topic:
			default:
			}
		case protocol.SocketTypePub:
			select {
			case s.published <- msg:
			default:
			}
			s.mu.Lock()
			s.deliverLocked(msg)
			s.mu.Unlock()
		}
	}
}

func (s *Server) deliverLocked(msg protocol.SocketMessage) {
	delivered := false
	for conn, topics := range s.conns {
		if topics[msg.Topic] {
			s.sendLocked(conn, msg)
			delivered = true
		}
	}
	if !delivered {
		s.queued[msg.Topic] = append(s.queued[msg.Topic], msg)
	}
}

func (s *Server) sendLocked(conn *websocket.Conn, msg protocol.SocketMessage) {
	raw, err := protocol.EncodeSocketMessage(msg)
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, raw)
}
