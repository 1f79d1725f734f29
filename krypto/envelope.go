package krypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// NonceSize is the per-item nonce length (128 bits).
const NonceSize = 16

// Envelope encrypts item payloads with AES-256-GCM under a 32-byte key.
// A new random nonce is drawn for every call; the zero value is ready to use.
type Envelope struct {
	rand io.Reader
}

// NewEnvelope returns an Envelope drawing nonces from r, or from crypto/rand when r is nil.
func NewEnvelope(r io.Reader) *Envelope {
	return &Envelope{rand: r}
}

var defaultEnvelope Envelope

// Encrypt seals plaintext under key using the default nonce source.
func Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	return defaultEnvelope.Encrypt(plaintext, key)
}

// Decrypt opens ciphertext under key and nonce.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	return defaultEnvelope.Decrypt(ciphertext, nonce, key)
}

// Encrypt seals plaintext and returns the ciphertext (with its authentication
// tag appended) and the nonce. The nonce is not secret.
func (e *Envelope) Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(e.reader(), nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt authenticates and opens ciphertext. A wrong key, a wrong nonce or
// any modification of the ciphertext yields ErrDecryptionFailed.
func (e *Envelope) Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes, got %d", ErrDecryptionFailed, NonceSize, len(nonce))
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func (e *Envelope) reader() io.Reader {
	if e == nil || e.rand == nil {
		return rand.Reader
	}
	return e.rand
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLengthBytes {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidInput, KeyLengthBytes, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
