// Package secure implements the per-session encrypted channel: ephemeral
// ECDH P-256 key agreement, HKDF-SHA256 key derivation and AES-256-GCM
// record sealing. Ephemeral keys give each session forward secrecy.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	hkdfSalt = "relais-tunnel-v1"
	hkdfInfo = "aes-256-gcm-key"

	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

var (
	// ErrNoKey signals a seal/open attempt before key derivation.
	ErrNoKey = errors.New("secure channel has no derived key")

	// ErrCrypto signals a record that failed authentication or is truncated.
	// Session-fatal: the caller must tear down and re-handshake.
	ErrCrypto = errors.New("crypto error")
)

// Channel holds the session's ephemeral key pair and, once the server's
// public key has been received, the derived AES-256-GCM cipher.
type Channel struct {
	priv *ecdh.PrivateKey
	aead cipher.AEAD
}

// NewChannel generates a fresh ephemeral P-256 key pair.
func NewChannel() (*Channel, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	return &Channel{priv: priv}, nil
}

// PublicKey returns the client public key as base64 of the uncompressed point.
func (c *Channel) PublicKey() string {
	return base64.StdEncoding.EncodeToString(c.priv.PublicKey().Bytes())
}

// Derive completes key agreement with the server's base64 public key and
// installs the AES-256-GCM cipher. The shared secret is the raw X
// coordinate; the AES key is HKDF-SHA256(secret, salt, info, 32).
func (c *Channel) Derive(serverPublicKey string) error {
	raw, err := base64.StdEncoding.DecodeString(serverPublicKey)
	if err != nil {
		return fmt.Errorf("invalid server public key encoding: %w", err)
	}

	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return fmt.Errorf("invalid server public key: %w", err)
	}

	secret, err := c.priv.ECDH(pub)
	if err != nil {
		return fmt.Errorf("key agreement failed: %w", err)
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, secret, []byte(hkdfSalt), []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return fmt.Errorf("key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to initialize GCM: %w", err)
	}

	c.aead = aead
	return nil
}

// Keyed reports whether key derivation has completed.
func (c *Channel) Keyed() bool {
	return c.aead != nil
}

// Seal encrypts plaintext into a record NONCE(12) || CIPHERTEXT || TAG(16).
// The nonce is freshly drawn from the CSPRNG for every record.
func (c *Channel) Seal(plaintext []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, ErrNoKey
	}

	record := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if _, err := rand.Read(record[:nonceSize]); err != nil {
		return nil, fmt.Errorf("failed to draw nonce: %w", err)
	}
	return c.aead.Seal(record, record[:nonceSize], plaintext, nil), nil
}

// Open authenticates and decrypts a record produced by Seal. Ordering is
// not assumed and nonces are not cached; the GCM tag alone is relied on.
func (c *Channel) Open(record []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, ErrNoKey
	}
	if len(record) < nonceSize+tagSize {
		return nil, fmt.Errorf("%w: record too short (%d bytes)", ErrCrypto, len(record))
	}

	plaintext, err := c.aead.Open(nil, record[:nonceSize], record[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return plaintext, nil
}
