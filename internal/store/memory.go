package store

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MemoryStore is an in-process Store for tests and ephemeral sessions.
// Records round-trip through JSON so it exercises the same encoding path
// as the durable backend.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (s *MemoryStore) Save(rec SessionRecord) error {
	rec.UpdatedAt = time.Now().UnixMilli()
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[Key(rec.HandshakeTopic)] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(topic string) (SessionRecord, bool) {
	s.mu.RLock()
	raw, ok := s.records[Key(topic)]
	s.mu.RUnlock()
	if !ok {
		return SessionRecord{}, false
	}
	var rec SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		log.Debug().Err(err).Str("topic", topic).Msg("session record corrupt, treating as absent")
		return SessionRecord{}, false
	}
	return rec, true
}

func (s *MemoryStore) Clear(topic string) error {
	s.mu.Lock()
	delete(s.records, Key(topic))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PruneStale(keepTopic string) error {
	keep := Key(keepTopic)
	s.mu.Lock()
	for key := range s.records {
		if key != keep {
			delete(s.records, key)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Corrupt overwrites a stored record with invalid JSON. Test hook for the
// best-effort recovery contract.
func (s *MemoryStore) Corrupt(topic string) {
	s.mu.Lock()
	s.records[Key(topic)] = []byte("{not-json")
	s.mu.Unlock()
}
