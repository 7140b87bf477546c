// Package crypto implements the message payload cipher: AES-256-CBC with a key derived from
// the configured cipher key, carried as a base64 JSON string.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/relay/errs"
)

// initVector is fixed by the wire format.
var initVector = []byte("0123456789012345")

// Cipher encrypts and decrypts message payloads. It is safe for concurrent use.
type Cipher struct {
	block cipher.Block
}

// New derives the AES key from key: the first 32 hex characters of its SHA-256 digest.
func New(key string) (*Cipher, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errs.New("crypto/new", errs.CodeInvalid, errs.WithMessage("cipher key required"))
	}
	sum := sha256.Sum256([]byte(key))
	secret := hex.EncodeToString(sum[:])[:32]
	block, err := aes.NewCipher([]byte(secret))
	if err != nil {
		return nil, errs.New("crypto/new", errs.CodeInvalid, errs.WithCause(err))
	}
	return &Cipher{block: block}, nil
}

// Encrypt encrypts plain text and returns the base64 cipher text.
func (c *Cipher) Encrypt(plain []byte) string {
	padded := pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, initVector).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out)
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("cipher text length %d is not a multiple of the block size", len(raw))
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.block, initVector).CryptBlocks(out, raw)
	return unpad(out, aes.BlockSize)
}

// EncryptPayload marshals payload to JSON, encrypts it and returns the JSON string literal
// that is published in its place.
func (c *Cipher) EncryptPayload(payload any) ([]byte, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.New("crypto/encrypt", errs.CodeInvalid, errs.WithCause(err))
	}
	return json.Marshal(c.Encrypt(plain))
}

// DecryptPayload takes an encrypted payload as received (a JSON string) and returns JSON.
// Decrypted text that is not valid JSON is returned as a JSON string.
func (c *Cipher) DecryptPayload(raw []byte) ([]byte, error) {
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("encrypted payload is not a string: %w", err)
	}
	plain, err := c.Decrypt(encoded)
	if err != nil {
		return nil, err
	}
	if json.Valid(plain) {
		return plain, nil
	}
	return json.Marshal(string(plain))
}

func pad(msg []byte, size int) []byte {
	n := size - len(msg)%size
	return append(append(make([]byte, 0, len(msg)+n), msg...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(msg []byte, size int) ([]byte, error) {
	if len(msg) == 0 {
		return nil, fmt.Errorf("empty plain text")
	}
	n := int(msg[len(msg)-1])
	if n == 0 || n > size || n > len(msg) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range msg[len(msg)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return msg[:len(msg)-n], nil
}
