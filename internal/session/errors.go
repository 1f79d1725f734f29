package session

import (
	"errors"
	"fmt"

	"github.com/Hussein-Mazeh/zkvault/krypto"
)

var (
	// ErrNoActiveSession is returned by item operations attempted without an
	// unlocked vault key. It indicates a bug in the calling layer.
	ErrNoActiveSession = errors.New("no active session")

	// ErrCorruptAccount is returned when an existing account has no usable
	// encryption salt. It is fatal: retrying cannot succeed.
	ErrCorruptAccount = errors.New("account encryption salt missing; account requires repair")

	// ErrSessionActive is returned by Enroll and Login while a session is
	// authenticating or unlocked.
	ErrSessionActive = errors.New("session already active")

	// ErrMissingCredentials is returned by Enroll and Login for an empty email
	// or password. It matches krypto.ErrInvalidInput.
	ErrMissingCredentials = fmt.Errorf("%w: email and password are required", krypto.ErrInvalidInput)
)

// Errors identity providers report to the lifecycle.
var (
	ErrAccountExists      = errors.New("account already registered")
	ErrInvalidCredentials = errors.New("invalid login credentials")
	ErrSessionExpired     = errors.New("session invalid or expired")
)
