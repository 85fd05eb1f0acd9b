package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const keyLen = 32

var (
	ErrInvalidKey  = errors.New("envelope: invalid symmetric key")
	ErrMalformed   = errors.New("envelope: malformed envelope")
	ErrIntegrity   = errors.New("envelope: hmac verification failed")
	ErrBadPadding  = errors.New("envelope: invalid pkcs7 padding")
	ErrEmptyCipher = errors.New("envelope: empty ciphertext")
)

// Envelope is the encrypted wire payload. All fields are lowercase hex;
// legacy peers reject base64 here.
type Envelope struct {
	Data string `json:"data"`
	HMAC string `json:"hmac"`
	IV   string `json:"iv"`
}

// Encrypt seals plaintext with AES-256-CBC and authenticates
// ciphertext||iv with HMAC-SHA256 under the same shared key.
func Encrypt(plaintext []byte, keyHex string) (Envelope, error) {
	key, err := parseKey(keyHex)
	if err != nil {
		return Envelope{}, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: new cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("envelope: read iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := computeMAC(key, ciphertext, iv)
	return Envelope{
		Data: hex.EncodeToString(ciphertext),
		HMAC: hex.EncodeToString(mac),
		IV:   hex.EncodeToString(iv),
	}, nil
}

// Decrypt authenticates and opens an envelope. The MAC is checked in
// constant time before any decryption so a forged frame never reaches
// the block cipher.
func Decrypt(env Envelope, keyHex string) ([]byte, error) {
	key, err := parseKey(keyHex)
	if err != nil {
		return nil, err
	}

	ciphertext, err := hex.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data is not hex", ErrMalformed)
	}
	iv, err := hex.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv is not hex", ErrMalformed)
	}
	mac, err := hex.DecodeString(env.HMAC)
	if err != nil {
		return nil, fmt.Errorf("%w: hmac is not hex", ErrMalformed)
	}

	if !hmac.Equal(mac, computeMAC(key, ciphertext, iv)) {
		return nil, ErrIntegrity
	}

	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv length %d", ErrMalformed, len(iv))
	}
	if len(ciphertext) == 0 {
		return nil, ErrEmptyCipher
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrMalformed, len(ciphertext))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: new cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func parseKey(keyHex string) ([]byte, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", ErrInvalidKey)
	}
	if len(key) != keyLen {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidKey, len(key))
	}
	return key, nil
}

func computeMAC(key, ciphertext, iv []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(ciphertext)
	h.Write(iv)
	return h.Sum(nil)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}
