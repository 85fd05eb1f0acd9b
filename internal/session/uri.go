package session

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ProtocolVersion is the only supported pairing protocol version.
const ProtocolVersion = "1"

var ErrInvalidURI = errors.New("session: invalid pairing uri")

// PairingConfig identifies one pairing offer. Immutable once a session
// starts.
type PairingConfig struct {
	Topic     string
	Version   string
	BridgeURL string
	KeyHex    string
}

func (c PairingConfig) Validate() error {
	if strings.TrimSpace(c.Topic) == "" {
		return fmt.Errorf("%w: missing topic", ErrInvalidURI)
	}
	if c.Version != ProtocolVersion {
		return fmt.Errorf("%w: unsupported version %q", ErrInvalidURI, c.Version)
	}
	if strings.TrimSpace(c.BridgeURL) == "" {
		return fmt.Errorf("%w: missing bridge url", ErrInvalidURI)
	}
	key, err := hex.DecodeString(c.KeyHex)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("%w: key must be 64 hex chars", ErrInvalidURI)
	}
	return nil
}

// ParseURI parses a pairing URI of the form
// wc:<topic>@<version>?bridge=<url-encoded-url>&key=<hex-key>.
func ParseURI(raw string) (PairingConfig, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "wc:") {
		return PairingConfig{}, fmt.Errorf("%w: missing wc: scheme", ErrInvalidURI)
	}
	rest := strings.TrimPrefix(raw, "wc:")

	head, query, found := strings.Cut(rest, "?")
	if !found {
		return PairingConfig{}, fmt.Errorf("%w: missing query", ErrInvalidURI)
	}
	topic, version, found := strings.Cut(head, "@")
	if !found {
		return PairingConfig{}, fmt.Errorf("%w: missing version", ErrInvalidURI)
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return PairingConfig{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}

	cfg := PairingConfig{
		Topic:     topic,
		Version:   version,
		BridgeURL: values.Get("bridge"),
		KeyHex:    strings.ToLower(values.Get("key")),
	}
	if err := cfg.Validate(); err != nil {
		return PairingConfig{}, err
	}
	return cfg, nil
}
