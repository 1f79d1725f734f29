package session

import (
	"context"
	"time"

	"github.com/Hussein-Mazeh/zkvault/krypto"
)

// AccountMetadata is the public, non-secret data an identity provider keeps
// for an account and hands back before and after authentication.
type AccountMetadata struct {
	Salt string           `json:"salt"`
	KDF  krypto.KDFParams `json:"kdf"`
}

// Grant is the identity provider's answer to a successful sign-in.
type Grant struct {
	Token     string
	ExpiresAt time.Time
	Account   AccountMetadata
}

// IdentityProvider is the remote collaborator that registers accounts and
// verifies authentication secrets. It never receives the raw password or the
// vault key.
type IdentityProvider interface {
	// LookupAccount returns the metadata needed to derive credentials for email.
	LookupAccount(ctx context.Context, email string) (AccountMetadata, error)
	// Register creates an account whose credential is authSecret.
	Register(ctx context.Context, email string, authSecret []byte, meta AccountMetadata) error
	// SignIn verifies authSecret and opens a remote session.
	SignIn(ctx context.Context, email string, authSecret []byte) (Grant, error)
	// Verify reports ErrSessionExpired if token is no longer valid.
	Verify(ctx context.Context, token string) error
	// SignOut ends the remote session for token.
	SignOut(ctx context.Context, token string) error
}
