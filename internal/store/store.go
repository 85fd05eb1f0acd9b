// Package store persists session records, one per pairing topic.
//
// Recovery is best effort: a corrupt or unreadable record reads back as
// "no stored session" so a damaged store can never block a fresh pairing.
package store

import (
	"github.com/kitewallet/wclink/internal/protocol"
)

// KeyPrefix namespaces session records in the backing store.
const KeyPrefix = "walletconnect-session"

// SessionRecord is the persisted state of one pairing. Field names match
// the legacy persisted JSON so records survive an implementation swap.
type SessionRecord struct {
	Connected      bool              `json:"connected"`
	Accounts       []string          `json:"accounts"`
	ChainID        int64             `json:"chainId"`
	BridgeURL      string            `json:"bridge"`
	KeyHex         string            `json:"key"`
	ClientID       string            `json:"clientId"`
	ClientMeta     protocol.PeerMeta `json:"clientMeta"`
	PeerID         string            `json:"peerId"`
	PeerMeta       protocol.PeerMeta `json:"peerMeta"`
	HandshakeID    int64             `json:"handshakeId"`
	HandshakeTopic string            `json:"handshakeTopic"`
	UpdatedAt      int64             `json:"updatedAt"`
}

// Store is durable per-topic session persistence.
type Store interface {
	// Save upserts the record under its handshake topic and stamps UpdatedAt.
	Save(rec SessionRecord) error
	// Load returns the record for a topic. Missing, corrupt, or unreadable
	// records return ok=false.
	Load(topic string) (SessionRecord, bool)
	// Clear removes the record for a topic.
	Clear(topic string) error
	// PruneStale removes every record except keepTopic's, enforcing the
	// single-persisted-session invariant.
	PruneStale(keepTopic string) error
	Close() error
}

// Key builds the namespaced storage key for a topic.
func Key(topic string) string {
	return KeyPrefix + ":" + topic
}
