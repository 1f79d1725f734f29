// Package identity is a local, SQLite-backed identity provider. It stores
// each account's public salt and KDF parameters next to an Argon2id verifier
// of the client's authentication secret, and issues HS256 session tokens.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Hussein-Mazeh/zkvault/internal/db"
	"github.com/Hussein-Mazeh/zkvault/internal/session"
	"github.com/Hussein-Mazeh/zkvault/krypto"
)

// ErrRateLimited is returned by SignIn when an account has too many recent
// attempts.
var ErrRateLimited = errors.New("too many sign-in attempts; try again later")

const (
	issuer = "zkvault-local"

	metaSigningKey = "jwt-signing-key"
	metaDecoyKey   = "decoy-salt-key"

	// DefaultTokenTTL bounds a remote session.
	DefaultTokenTTL = time.Hour
)

// Provider implements session.IdentityProvider on top of a vault database.
type Provider struct {
	db      *db.DB
	ttl     time.Duration
	now     func() time.Time
	log     zerolog.Logger
	params  VerifierParams
	limiter *attemptLimiter
	decoys  krypto.KDFParams

	signingKey []byte
	decoyKey   []byte
	dummy      string
}

var _ session.IdentityProvider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithTokenTTL sets the lifetime of issued session tokens.
func WithTokenTTL(d time.Duration) Option {
	return func(p *Provider) { p.ttl = d }
}

// WithClock replaces time.Now for token issuance, validation and rate limiting.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithVerifierParams sets the Argon2id cost of new verifiers.
func WithVerifierParams(vp VerifierParams) Option {
	return func(p *Provider) { p.params = vp }
}

// WithDecoyKDFParams sets the KDF parameters reported for unknown accounts.
// They should match what new accounts enroll with.
func WithDecoyKDFParams(kp krypto.KDFParams) Option {
	return func(p *Provider) { p.decoys = kp }
}

// WithRateLimit allows burst sign-in attempts per account, refilled at limit.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(p *Provider) { p.limiter = newAttemptLimiter(limit, burst, 15*time.Minute) }
}

// New returns a provider using d. The token signing key and the decoy salt key
// are created on first use and persisted in the database.
func New(d *db.DB, opts ...Option) (*Provider, error) {
	if d == nil {
		return nil, fmt.Errorf("database handle is nil")
	}

	p := &Provider{
		db:      d,
		ttl:     DefaultTokenTTL,
		now:     time.Now,
		log:     zerolog.Nop(),
		params:  DefaultVerifierParams,
		limiter: newAttemptLimiter(rate.Every(2*time.Second), 5, 15*time.Minute),
		decoys:  krypto.DefaultKDFParams(),
	}
	for _, opt := range opts {
		opt(p)
	}

	var err error
	if p.signingKey, err = db.LoadOrCreateMeta(d, metaSigningKey, randomKey); err != nil {
		return nil, err
	}
	if p.decoyKey, err = db.LoadOrCreateMeta(d, metaDecoyKey, randomKey); err != nil {
		return nil, err
	}

	// Unknown accounts are checked against this so SignIn costs the same.
	filler, err := randomKey()
	if err != nil {
		return nil, err
	}
	if p.dummy, err = hashSecret(p.params, filler); err != nil {
		return nil, err
	}
	return p, nil
}

// LookupAccount returns the salt and KDF parameters of email. Unknown emails
// get a stable decoy salt so the lookup does not reveal which accounts exist.
func (p *Provider) LookupAccount(ctx context.Context, email string) (session.AccountMetadata, error) {
	if err := ctx.Err(); err != nil {
		return session.AccountMetadata{}, err
	}

	row, err := db.GetAccount(p.db, email)
	if errors.Is(err, sql.ErrNoRows) {
		return p.decoy(email), nil
	}
	if err != nil {
		return session.AccountMetadata{}, err
	}
	return accountMetadata(row)
}

// Register stores a new account. The authentication secret is kept only as an
// Argon2id verifier.
func (p *Provider) Register(ctx context.Context, email string, authSecret []byte, meta session.AccountMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if email == "" || len(authSecret) == 0 || meta.Salt == "" {
		return fmt.Errorf("%w: email, secret and salt are required", krypto.ErrInvalidInput)
	}
	if err := meta.KDF.Validate(); err != nil {
		return err
	}

	verifier, err := hashSecret(p.params, authSecret)
	if err != nil {
		return err
	}
	kdf, err := json.Marshal(meta.KDF)
	if err != nil {
		return fmt.Errorf("encode kdf params: %w", err)
	}

	err = db.InsertAccount(p.db, db.AccountRow{
		Email:     email,
		Verifier:  verifier,
		Salt:      meta.Salt,
		KDFParams: string(kdf),
	})
	if errors.Is(err, db.ErrDuplicate) {
		return session.ErrAccountExists
	}
	if err != nil {
		return err
	}

	p.log.Debug().Str("email", email).Msg("account registered")
	return nil
}

// SignIn checks authSecret against the stored verifier and issues a token.
func (p *Provider) SignIn(ctx context.Context, email string, authSecret []byte) (session.Grant, error) {
	if err := ctx.Err(); err != nil {
		return session.Grant{}, err
	}

	now := p.now()
	if !p.limiter.allow(email, now) {
		p.log.Warn().Msg("sign-in rate limited")
		return session.Grant{}, ErrRateLimited
	}

	row, err := db.GetAccount(p.db, email)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, _ = verifySecret(authSecret, p.dummy)
		return session.Grant{}, session.ErrInvalidCredentials
	case err != nil:
		return session.Grant{}, err
	}

	ok, err := verifySecret(authSecret, row.Verifier)
	if err != nil {
		return session.Grant{}, fmt.Errorf("account %s: %w", email, err)
	}
	if !ok {
		return session.Grant{}, session.ErrInvalidCredentials
	}

	meta, err := accountMetadata(row)
	if err != nil {
		return session.Grant{}, err
	}

	token, exp, err := p.issue(email, now)
	if err != nil {
		return session.Grant{}, err
	}
	return session.Grant{Token: token, ExpiresAt: exp, Account: meta}, nil
}

// Verify returns session.ErrSessionExpired unless token is well signed,
// unexpired and not revoked.
func (p *Provider) Verify(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	claims, err := p.parse(token, jwt.WithExpirationRequired(), jwt.WithTimeFunc(p.now))
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrSessionExpired, err)
	}

	active, err := db.AuthSessionActive(p.db, claims.ID)
	if err != nil {
		return err
	}
	if !active {
		return fmt.Errorf("%w: revoked", session.ErrSessionExpired)
	}
	return nil
}

// SignOut revokes token. Tokens that fail to parse have nothing to revoke.
func (p *Provider) SignOut(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	claims, err := p.parse(token, jwt.WithoutClaimsValidation())
	if err != nil {
		p.log.Debug().Err(err).Msg("sign out with unparsable token")
		return nil
	}
	return db.RevokeAuthSession(p.db, claims.ID)
}

// Purge deletes records of sessions that expired before now.
func (p *Provider) Purge(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return db.PurgeAuthSessions(p.db, p.now())
}

func (p *Provider) issue(email string, now time.Time) (string, time.Time, error) {
	exp := now.Add(p.ttl).Truncate(time.Second)
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   email,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	if err := db.InsertAuthSession(p.db, claims.ID, email, exp); err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (p *Provider) parse(token string, opts ...jwt.ParserOption) (*jwt.RegisteredClaims, error) {
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
	)
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return p.signingKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, errors.New("token has no id")
	}
	return claims, nil
}

func (p *Provider) decoy(email string) session.AccountMetadata {
	mac := hmac.New(sha256.New, p.decoyKey)
	mac.Write([]byte(email))
	return session.AccountMetadata{
		Salt: krypto.EncodeSalt(mac.Sum(nil)[:krypto.SaltLengthBytes]),
		KDF:  p.decoys,
	}
}

func accountMetadata(row db.AccountRow) (session.AccountMetadata, error) {
	meta := session.AccountMetadata{Salt: row.Salt}
	if err := json.Unmarshal([]byte(row.KDFParams), &meta.KDF); err != nil {
		return session.AccountMetadata{}, fmt.Errorf("%w: kdf params: %v", session.ErrCorruptAccount, err)
	}
	return meta, nil
}

func randomKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}
