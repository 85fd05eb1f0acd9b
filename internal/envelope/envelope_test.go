package envelope

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/kitewallet/wclink/internal/testutil/testlog"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	testlog.Start(t)
	plaintexts := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte(`{"id":1,"jsonrpc":"2.0","method":"wc_sessionRequest","params":[]}`),
		bytes.Repeat([]byte{0x00}, 16),
		bytes.Repeat([]byte("block-aligned!!!"), 4),
		bytes.Repeat([]byte{0xff}, 1021),
	}
	for _, p := range plaintexts {
		env, err := Encrypt(p, testKey)
		if err != nil {
			t.Fatalf("encrypt %d bytes: %v", len(p), err)
		}
		got, err := Decrypt(env, testKey)
		if err != nil {
			t.Fatalf("decrypt %d bytes: %v", len(p), err)
		}
		if !bytes.Equal(got, p) {
			t.Fatalf("round trip mismatch len=%d", len(p))
		}
	}
}

func TestEncryptFreshIVPerCall(t *testing.T) {
	testlog.Start(t)
	p := []byte("same plaintext")
	a, err := Encrypt(p, testKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := Encrypt(p, testKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if a.IV == b.IV {
		t.Fatalf("iv reused across encryptions")
	}
	if a.Data == b.Data {
		t.Fatalf("identical ciphertext for fresh iv")
	}
}

func TestEnvelopeFieldsAreLowercaseHex(t *testing.T) {
	testlog.Start(t)
	env, err := Encrypt([]byte("payload"), testKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	for name, field := range map[string]string{"data": env.Data, "hmac": env.HMAC, "iv": env.IV} {
		if field != strings.ToLower(field) {
			t.Fatalf("%s not lowercase: %q", name, field)
		}
		if _, err := hex.DecodeString(field); err != nil {
			t.Fatalf("%s not hex: %v", name, err)
		}
	}
	if len(env.IV) != 32 {
		t.Fatalf("iv hex length=%d", len(env.IV))
	}
	if len(env.HMAC) != 64 {
		t.Fatalf("hmac hex length=%d", len(env.HMAC))
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	testlog.Start(t)
	env, err := Encrypt([]byte("signing request payload"), testKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	flipNibble := func(s string, i int) string {
		b := []byte(s)
		if b[i] == '0' {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
		return string(b)
	}

	cases := []struct {
		name   string
		mutate func(Envelope) Envelope
	}{
		{"ciphertext first byte", func(e Envelope) Envelope { e.Data = flipNibble(e.Data, 0); return e }},
		{"ciphertext last byte", func(e Envelope) Envelope { e.Data = flipNibble(e.Data, len(e.Data)-1); return e }},
		{"iv", func(e Envelope) Envelope { e.IV = flipNibble(e.IV, 5); return e }},
		{"hmac", func(e Envelope) Envelope { e.HMAC = flipNibble(e.HMAC, 10); return e }},
		{"truncated hmac", func(e Envelope) Envelope { e.HMAC = e.HMAC[:len(e.HMAC)-2]; return e }},
		{"truncated ciphertext", func(e Envelope) Envelope { e.Data = e.Data[:len(e.Data)-32]; return e }},
	}
	for _, tc := range cases {
		if _, err := Decrypt(tc.mutate(env), testKey); !errors.Is(err, ErrIntegrity) {
			t.Fatalf("%s: want ErrIntegrity, got %v", tc.name, err)
		}
	}
}

func TestDecryptWrongKeyFailsIntegrity(t *testing.T) {
	testlog.Start(t)
	env, err := Encrypt([]byte("payload"), testKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	other := strings.Repeat("ab", 32)
	if _, err := Decrypt(env, other); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("want ErrIntegrity, got %v", err)
	}
}

func TestKeyValidation(t *testing.T) {
	testlog.Start(t)
	for _, key := range []string{"", "zz", "abcd", strings.Repeat("00", 16), strings.Repeat("00", 33)} {
		if _, err := Encrypt([]byte("x"), key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("key %q: want ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestDecryptRejectsNonHexFields(t *testing.T) {
	testlog.Start(t)
	env, err := Encrypt([]byte("payload"), testKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	bad := env
	bad.Data = "not-hex!"
	if _, err := Decrypt(bad, testKey); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}

func TestPKCS7Unpad(t *testing.T) {
	testlog.Start(t)
	if _, err := pkcs7Unpad([]byte{}, 16); !errors.Is(err, ErrBadPadding) {
		t.Fatalf("empty: want ErrBadPadding, got %v", err)
	}
	block := bytes.Repeat([]byte{0x11}, 15)
	block = append(block, 0x02)
	if _, err := pkcs7Unpad(block, 16); !errors.Is(err, ErrBadPadding) {
		t.Fatalf("inconsistent padding: want ErrBadPadding, got %v", err)
	}
	full := bytes.Repeat([]byte{16}, 16)
	got, err := pkcs7Unpad(full, 16)
	if err != nil {
		t.Fatalf("full pad block: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("full pad block: want empty, got %d bytes", len(got))
	}
}
