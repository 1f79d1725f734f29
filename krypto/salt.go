package krypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// SaltLengthBytes is the enforced account salt length (128 bits).
const SaltLengthBytes = 16

// NewSalt returns a fresh random account salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLengthBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// EncodeSalt renders a salt as lowercase hex, the form stored in account metadata.
func EncodeSalt(salt []byte) string {
	return hex.EncodeToString(salt)
}

// ParseSalt decodes a salt stored as hex or standard base64.
func ParseSalt(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: salt is empty", ErrInvalidInput)
	}

	salt, err := hex.DecodeString(s)
	if err != nil {
		salt, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: salt is neither hex nor base64", ErrInvalidInput)
		}
	}
	if len(salt) != SaltLengthBytes {
		return nil, fmt.Errorf("%w: salt must be %d bytes, got %d", ErrInvalidInput, SaltLengthBytes, len(salt))
	}
	return salt, nil
}
