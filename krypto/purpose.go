package krypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	authSecretInfo = "zkvault/auth-secret/v1"
	vaultKeyInfo   = "zkvault/vault-key/v1"
)

// SplitKeys expands one password-derived master key into the authentication
// secret and the vault key. The two outputs are independent: knowing the
// authentication secret reveals nothing about the vault key.
func SplitKeys(master []byte) (authSecret, vaultKey []byte, err error) {
	if len(master) != KeyLengthBytes {
		return nil, nil, fmt.Errorf("%w: master key must be %d bytes", ErrInvalidInput, KeyLengthBytes)
	}

	authSecret, err = expand(master, authSecretInfo)
	if err != nil {
		return nil, nil, fmt.Errorf("derive auth secret: %w", err)
	}
	vaultKey, err = expand(master, vaultKeyInfo)
	if err != nil {
		Wipe(authSecret)
		return nil, nil, fmt.Errorf("derive vault key: %w", err)
	}
	return authSecret, vaultKey, nil
}

func expand(prk []byte, info string) ([]byte, error) {
	out := make([]byte, KeyLengthBytes)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte(info)), out); err != nil {
		return nil, err
	}
	return out, nil
}

// Equal compares two secrets in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Wipe overwrites sensitive bytes in place.
func Wipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
