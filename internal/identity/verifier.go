package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// VerifierParams tune the Argon2id hash the provider keeps of each account's
// authentication secret. The client never sees the verifier.
type VerifierParams struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLen     int
	KeyLen      uint32
}

// DefaultVerifierParams is used unless WithVerifierParams overrides it.
var DefaultVerifierParams = VerifierParams{
	Memory:      64 * 1024,
	Time:        3,
	Parallelism: 1,
	SaltLen:     16,
	KeyLen:      32,
}

// ErrInvalidVerifier is returned when a stored verifier cannot be parsed.
var ErrInvalidVerifier = errors.New("invalid verifier encoding")

const verifierPrefix = "argon2id$"

// hashSecret encodes secret as argon2id$m=<M>,t=<T>,p=<P>$<b64 salt>$<b64 key>.
func hashSecret(p VerifierParams, secret []byte) (string, error) {
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("verifier salt: %w", err)
	}
	key := argon2.IDKey(secret, salt, p.Time, p.Memory, p.Parallelism, p.KeyLen)
	return fmt.Sprintf("%sm=%d,t=%d,p=%d$%s$%s",
		verifierPrefix,
		p.Memory, p.Time, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// verifySecret reports whether secret matches encoded, in constant time.
func verifySecret(secret []byte, encoded string) (bool, error) {
	if !strings.HasPrefix(encoded, verifierPrefix) {
		return false, ErrInvalidVerifier
	}
	parts := strings.Split(encoded[len(verifierPrefix):], "$")
	if len(parts) != 3 {
		return false, ErrInvalidVerifier
	}

	var (
		m, t uint32
		p    uint8
	)
	if _, err := fmt.Sscanf(parts[0], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return false, ErrInvalidVerifier
	}
	if m == 0 || t == 0 || p == 0 {
		return false, ErrInvalidVerifier
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, ErrInvalidVerifier
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil || len(want) == 0 {
		return false, ErrInvalidVerifier
	}

	got := argon2.IDKey(secret, salt, t, m, p, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
