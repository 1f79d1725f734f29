package krypto

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeyLengthBytes is the size of every key the vault derives (256 bits).
	KeyLengthBytes = 32
	// KeyBits is KeyLengthBytes expressed in bits, as Derive expects it.
	KeyBits = KeyLengthBytes * 8

	// MinIterations is the lowest PBKDF2 iteration count Derive accepts.
	MinIterations = 1000
	// RecommendedIterations is the PBKDF2-SHA256 cost used for new accounts.
	RecommendedIterations = 600_000

	// KDFParamsVersion is the current layout of KDFParams as stored with an account.
	KDFParamsVersion = 1

	KDFPBKDF2SHA256 = "pbkdf2-sha256"
	KDFArgon2id     = "argon2id"
)

// Derive runs PBKDF2-HMAC-SHA256 over password and salt and returns a 256-bit
// key. outputBits must be KeyBits. Identical inputs always produce identical output.
func Derive(password, salt []byte, iterations, outputBits uint) ([]byte, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if len(salt) != SaltLengthBytes {
		return nil, fmt.Errorf("%w: salt must be %d bytes, got %d", ErrInvalidInput, SaltLengthBytes, len(salt))
	}
	if iterations < MinIterations {
		return nil, fmt.Errorf("%w: iterations must be at least %d", ErrInvalidInput, MinIterations)
	}
	if outputBits != KeyBits {
		return nil, fmt.Errorf("%w: output size must be %d bits, got %d", ErrInvalidInput, KeyBits, outputBits)
	}

	return pbkdf2.Key(password, salt, int(iterations), int(outputBits/8), sha256.New), nil
}

// KDFParams captures the derivation cost stored alongside an account's salt.
// Keeping it per account lets the cost be raised for new accounts without
// breaking vaults that were created with older values.
type KDFParams struct {
	Version     int    `json:"version"`
	Name        string `json:"name"`
	Iterations  uint32 `json:"iterations,omitempty"`
	MemoryKB    uint32 `json:"memoryKB,omitempty"`
	Time        uint32 `json:"time,omitempty"`
	Parallelism uint8  `json:"parallelism,omitempty"`
}

// DefaultKDFParams returns the parameters used when enrolling a new account.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Version:    KDFParamsVersion,
		Name:       KDFPBKDF2SHA256,
		Iterations: RecommendedIterations,
	}
}

// LegacyKDFParams returns the 1000-iteration PBKDF2 cost of the first vault release.
func LegacyKDFParams() KDFParams {
	return KDFParams{
		Version:    KDFParamsVersion,
		Name:       KDFPBKDF2SHA256,
		Iterations: MinIterations,
	}
}

// Argon2idKDFParams returns memory-hard defaults for deriving a 256-bit key.
func Argon2idKDFParams() KDFParams {
	return KDFParams{
		Version:     KDFParamsVersion,
		Name:        KDFArgon2id,
		MemoryKB:    64 * 1024,
		Time:        3,
		Parallelism: 1,
	}
}

// Validate checks that p names a supported KDF with usable costs.
func (p KDFParams) Validate() error {
	if p.Version != KDFParamsVersion {
		return fmt.Errorf("%w: unsupported kdf params version %d", ErrInvalidInput, p.Version)
	}
	switch p.Name {
	case KDFPBKDF2SHA256:
		if p.Iterations < MinIterations {
			return fmt.Errorf("%w: iterations must be at least %d", ErrInvalidInput, MinIterations)
		}
	case KDFArgon2id:
		if p.MemoryKB == 0 {
			return fmt.Errorf("%w: memory parameter must be positive", ErrInvalidInput)
		}
		if p.Time == 0 {
			return fmt.Errorf("%w: time parameter must be positive", ErrInvalidInput)
		}
		if p.Parallelism == 0 {
			return fmt.Errorf("%w: parallelism must be positive", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unsupported kdf %q", ErrInvalidInput, p.Name)
	}
	return nil
}

// Weak reports whether p is below the cost used for new accounts.
func (p KDFParams) Weak() bool {
	return p.Name == KDFPBKDF2SHA256 && p.Iterations < RecommendedIterations
}

// DeriveKey derives a 256-bit key from password and salt with the KDF named in p.
func DeriveKey(password, salt []byte, p KDFParams) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	switch p.Name {
	case KDFArgon2id:
		return deriveArgon2id(password, salt, p)
	default:
		return Derive(password, salt, uint(p.Iterations), KeyBits)
	}
}

func deriveArgon2id(password, salt []byte, p KDFParams) ([]byte, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if len(salt) != SaltLengthBytes {
		return nil, fmt.Errorf("%w: salt must be %d bytes, got %d", ErrInvalidInput, SaltLengthBytes, len(salt))
	}

	key := argon2.IDKey(password, salt, p.Time, p.MemoryKB, p.Parallelism, KeyLengthBytes)
	if len(key) != KeyLengthBytes {
		return nil, fmt.Errorf("derived key has unexpected length %d", len(key))
	}
	return key, nil
}
