package krypto

import "errors"

var (
	// ErrInvalidInput reports malformed arguments to a derivation or encryption call.
	// The caller should re-prompt rather than retry.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDecryptionFailed reports a wrong key, a corrupted blob or a tampered ciphertext.
	ErrDecryptionFailed = errors.New("decryption failed")
)
