package store

import (
	"path/filepath"
	"testing"

	"github.com/kitewallet/wclink/internal/protocol"
	"github.com/kitewallet/wclink/internal/testutil/testlog"
)

func testRecord(topic string) SessionRecord {
	return SessionRecord{
		Connected:      true,
		Accounts:       []string{"ADDR1", "ADDR2"},
		ChainID:        416001,
		BridgeURL:      "wss://relay.example",
		KeyHex:         "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
		ClientID:       "client-1",
		ClientMeta:     protocol.PeerMeta{Name: "Kite Wallet"},
		PeerID:         "peer-1",
		PeerMeta:       protocol.PeerMeta{Name: "Example Dapp", URL: "https://dapp.example"},
		HandshakeID:    1681191522,
		HandshakeTopic: topic,
	}
}

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	testlog.Start(t)
	for name, s := range openStores(t) {
		rec := testRecord("T1")
		if err := s.Save(rec); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}
		got, ok := s.Load("T1")
		if !ok {
			t.Fatalf("%s: record missing after save", name)
		}
		if got.UpdatedAt == 0 {
			t.Fatalf("%s: UpdatedAt not stamped", name)
		}
		rec.UpdatedAt = got.UpdatedAt
		if got.PeerID != rec.PeerID || got.ChainID != rec.ChainID || !got.Connected {
			t.Fatalf("%s: round trip mismatch: %+v", name, got)
		}
		if len(got.Accounts) != 2 || got.Accounts[0] != "ADDR1" {
			t.Fatalf("%s: accounts order lost: %v", name, got.Accounts)
		}
	}
}

func TestLoadMissingTopic(t *testing.T) {
	testlog.Start(t)
	for name, s := range openStores(t) {
		if _, ok := s.Load("absent"); ok {
			t.Fatalf("%s: load of absent topic succeeded", name)
		}
	}
}

func TestClear(t *testing.T) {
	testlog.Start(t)
	for name, s := range openStores(t) {
		if err := s.Save(testRecord("T1")); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}
		if err := s.Clear("T1"); err != nil {
			t.Fatalf("%s: clear: %v", name, err)
		}
		if _, ok := s.Load("T1"); ok {
			t.Fatalf("%s: record survived clear", name)
		}
	}
}

func TestPruneStaleKeepsOnlyCurrent(t *testing.T) {
	testlog.Start(t)
	for name, s := range openStores(t) {
		for _, topic := range []string{"old-1", "old-2", "current"} {
			if err := s.Save(testRecord(topic)); err != nil {
				t.Fatalf("%s: save %s: %v", name, topic, err)
			}
		}
		if err := s.PruneStale("current"); err != nil {
			t.Fatalf("%s: prune: %v", name, err)
		}
		if _, ok := s.Load("current"); !ok {
			t.Fatalf("%s: prune removed the kept topic", name)
		}
		for _, topic := range []string{"old-1", "old-2"} {
			if _, ok := s.Load(topic); ok {
				t.Fatalf("%s: stale topic %s survived prune", name, topic)
			}
		}
	}
}

func TestCorruptRecordReadsAsAbsent(t *testing.T) {
	testlog.Start(t)
	s := NewMemoryStore()
	if err := s.Save(testRecord("T1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Corrupt("T1")
	if _, ok := s.Load("T1"); ok {
		t.Fatalf("corrupt record loaded")
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Save(testRecord("T1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, ok := reopened.Load("T1")
	if !ok {
		t.Fatalf("record missing after reopen")
	}
	if !got.Connected || got.PeerID != "peer-1" {
		t.Fatalf("unexpected record after reopen: %+v", got)
	}
}

func TestKeyFormat(t *testing.T) {
	testlog.Start(t)
	if got := Key("abc"); got != "walletconnect-session:abc" {
		t.Fatalf("unexpected key %q", got)
	}
}
