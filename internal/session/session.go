// Package session owns the vault key for one signed-in user. It derives the
// authentication secret and the vault key from the typed password, keeps the
// vault key in locked memory while unlocked, and destroys it on every exit
// path: logout, remote session expiry, idle timeout, or a failed login.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/Hussein-Mazeh/zkvault/krypto"
)

// Session is the explicit handle to the vault key. The zero value is not
// usable; create one with New and share the pointer with every component
// that encrypts or decrypts items.
type Session struct {
	idp         IdentityProvider
	env         *krypto.Envelope
	params      krypto.KDFParams
	idleTimeout time.Duration
	now         func() time.Time
	log         zerolog.Logger

	mu    sync.RWMutex
	state State
	gen   uint64 // bumped on every transition out of a state
	email string
	token string
	key   *memguard.LockedBuffer

	lastUsed *atomic.Time
}

// Option configures a Session.
type Option func(*Session)

// WithKDFParams sets the derivation cost used when enrolling new accounts.
func WithKDFParams(p krypto.KDFParams) Option {
	return func(s *Session) { s.params = p }
}

// WithIdleTimeout clears the vault key after d without item operations.
// Zero disables the idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) { s.idleTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithEnvelope replaces the item cipher, typically to inject a nonce source.
func WithEnvelope(e *krypto.Envelope) Option {
	return func(s *Session) { s.env = e }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New returns a logged-out session backed by idp.
func New(idp IdentityProvider, opts ...Option) *Session {
	s := &Session{
		idp:    idp,
		env:    krypto.NewEnvelope(nil),
		params: krypto.DefaultKDFParams(),
		now:    time.Now,
		log:    zerolog.Nop(),
		state:  LoggedOut,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastUsed = atomic.NewTime(s.now())
	return s
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Email reports the account of the unlocked session, or "".
func (s *Session) Email() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.email
}

// Enroll registers a new account for email. A fresh salt is generated and
// submitted as public metadata; only the authentication secret is sent as the
// credential. Enroll never unlocks the session: the user logs in afterwards.
func (s *Session) Enroll(ctx context.Context, email string, password []byte) error {
	email, err := checkCredentials(email, password)
	if err != nil {
		return err
	}
	if err := s.params.Validate(); err != nil {
		return fmt.Errorf("kdf params: %w", err)
	}

	gen, err := s.begin()
	if err != nil {
		return err
	}
	defer s.abort(gen)

	salt, err := krypto.NewSalt()
	if err != nil {
		return err
	}

	master, err := krypto.DeriveKey(password, salt, s.params)
	if err != nil {
		return fmt.Errorf("derive master key: %w", err)
	}
	defer krypto.Wipe(master)

	authSecret, vaultKey, err := krypto.SplitKeys(master)
	if err != nil {
		return err
	}
	krypto.Wipe(vaultKey)
	defer krypto.Wipe(authSecret)

	meta := AccountMetadata{Salt: krypto.EncodeSalt(salt), KDF: s.params}
	if err := s.idp.Register(ctx, email, authSecret, meta); err != nil {
		return fmt.Errorf("register account: %w", err)
	}

	s.log.Info().Str("kdf", s.params.Name).Msg("account enrolled")
	return nil
}

// Login derives the authentication secret from password and the account's
// salt, signs in, and on success keeps the vault key and moves to Unlocked.
// Any failure leaves the session LoggedOut with no key material retained.
func (s *Session) Login(ctx context.Context, email string, password []byte) error {
	email, err := checkCredentials(email, password)
	if err != nil {
		return err
	}

	gen, err := s.begin()
	if err != nil {
		return err
	}
	unlocked := false
	defer func() {
		if !unlocked {
			s.abort(gen)
		}
	}()

	meta, err := s.idp.LookupAccount(ctx, email)
	if err != nil {
		return fmt.Errorf("lookup account: %w", err)
	}
	salt, err := accountSalt(meta)
	if err != nil {
		return err
	}
	if err := meta.KDF.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptAccount, err)
	}

	master, err := krypto.DeriveKey(password, salt, meta.KDF)
	if err != nil {
		return fmt.Errorf("derive master key: %w", err)
	}
	defer krypto.Wipe(master)

	authSecret, vaultKey, err := krypto.SplitKeys(master)
	if err != nil {
		return err
	}
	defer krypto.Wipe(authSecret)
	defer krypto.Wipe(vaultKey)

	grant, err := s.idp.SignIn(ctx, email, authSecret)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}

	granted, err := accountSalt(grant.Account)
	if err == nil && !krypto.Equal(granted, salt) {
		err = fmt.Errorf("%w: salt changed during sign-in", ErrCorruptAccount)
	}
	if err != nil {
		s.discardGrant(ctx, grant.Token, "corrupt account")
		return err
	}

	key := memguard.NewBufferFromBytes(vaultKey)
	if !s.finish(gen, email, grant.Token, key) {
		key.Destroy()
		s.discardGrant(ctx, grant.Token, "interrupted login")
		return fmt.Errorf("login interrupted: %w", ErrNoActiveSession)
	}
	unlocked = true

	if meta.KDF.Weak() {
		s.log.Warn().Str("kdf", meta.KDF.Name).Uint32("iterations", meta.KDF.Iterations).
			Msg("vault unlocked; account kdf cost is below the current recommendation")
	} else {
		s.log.Info().Str("kdf", meta.KDF.Name).Msg("vault unlocked")
	}
	return nil
}

// Logout destroys the vault key and returns to LoggedOut before telling the
// identity provider. The key is gone even when the remote sign-out fails.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	token := s.token
	prev := s.state
	s.clearLocked()
	s.mu.Unlock()

	if prev != LoggedOut {
		s.log.Info().Str("from", prev.String()).Msg("vault locked")
	}
	if token == "" {
		return nil
	}
	if err := s.idp.SignOut(ctx, token); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// Check verifies the remote session. An expired or revoked session, or an
// idle timeout, clears the vault key and yields ErrNoActiveSession.
func (s *Session) Check(ctx context.Context) error {
	s.mu.RLock()
	state, token, gen := s.state, s.token, s.gen
	idle := s.idleExpiredLocked()
	s.mu.RUnlock()

	if state != Unlocked {
		return ErrNoActiveSession
	}
	if idle {
		s.expire(gen, "idle timeout")
		return ErrNoActiveSession
	}

	if err := s.idp.Verify(ctx, token); err != nil {
		if errors.Is(err, ErrSessionExpired) {
			s.expire(gen, "remote session expired")
			return fmt.Errorf("%w: %w", ErrNoActiveSession, err)
		}
		return fmt.Errorf("verify session: %w", err)
	}
	return nil
}

// RunExpiry calls Check every interval while the session is unlocked, until
// ctx is done.
func (s *Session) RunExpiry(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() != Unlocked {
				continue
			}
			if err := s.Check(ctx); err != nil && !errors.Is(err, ErrNoActiveSession) {
				s.log.Warn().Err(err).Msg("session check failed")
			}
		}
	}
}

// Encrypt seals plaintext under the vault key.
func (s *Session) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	key, err := s.snapshot()
	if err != nil {
		return nil, nil, err
	}
	defer memguard.WipeBytes(key)

	return s.env.Encrypt(plaintext, key)
}

// Decrypt opens ciphertext under the vault key.
func (s *Session) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	key, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)

	return s.env.Decrypt(ciphertext, nonce, key)
}

// snapshot copies the vault key so an operation keeps working if the session
// is cleared while it runs. The caller wipes the copy.
func (s *Session) snapshot() ([]byte, error) {
	s.mu.RLock()
	if s.state != Unlocked || s.key == nil {
		s.mu.RUnlock()
		return nil, ErrNoActiveSession
	}
	if s.idleExpiredLocked() {
		gen := s.gen
		s.mu.RUnlock()
		s.expire(gen, "idle timeout")
		return nil, ErrNoActiveSession
	}
	key := make([]byte, s.key.Size())
	copy(key, s.key.Bytes())
	s.mu.RUnlock()

	s.lastUsed.Store(s.now())
	return key, nil
}

func (s *Session) idleExpiredLocked() bool {
	return s.idleTimeout > 0 && s.now().Sub(s.lastUsed.Load()) > s.idleTimeout
}

// begin moves LoggedOut to Authenticating and returns the attempt's generation.
func (s *Session) begin() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != LoggedOut {
		return 0, ErrSessionActive
	}
	s.state = Authenticating
	s.gen++
	return s.gen, nil
}

// finish installs the key if the attempt gen is still the current one.
func (s *Session) finish(gen uint64, email, token string, key *memguard.LockedBuffer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != Authenticating {
		return false
	}
	s.state = Unlocked
	s.email = email
	s.token = token
	s.key = key
	s.lastUsed.Store(s.now())
	return true
}

// discardGrant revokes a token the session will not keep.
func (s *Session) discardGrant(ctx context.Context, token, reason string) {
	if err := s.idp.SignOut(ctx, token); err != nil {
		s.log.Warn().Err(err).Str("reason", reason).Msg("sign out of discarded session failed")
	}
}

// abort returns an unfinished attempt to LoggedOut.
func (s *Session) abort(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen && s.state == Authenticating {
		s.clearLocked()
	}
}

func (s *Session) expire(gen uint64, reason string) {
	s.mu.Lock()
	if s.gen != gen || s.state != Unlocked {
		s.mu.Unlock()
		return
	}
	s.clearLocked()
	s.mu.Unlock()

	s.log.Info().Str("reason", reason).Msg("vault locked")
}

func (s *Session) clearLocked() {
	if s.key != nil {
		s.key.Destroy()
		s.key = nil
	}
	s.email = ""
	s.token = ""
	s.state = LoggedOut
	s.gen++
}

func checkCredentials(email string, password []byte) (string, error) {
	email = NormalizeEmail(email)
	if email == "" || len(password) == 0 {
		return "", ErrMissingCredentials
	}
	return email, nil
}

func accountSalt(meta AccountMetadata) ([]byte, error) {
	if strings.TrimSpace(meta.Salt) == "" {
		return nil, ErrCorruptAccount
	}
	salt, err := krypto.ParseSalt(meta.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptAccount, err)
	}
	return salt, nil
}

// NormalizeEmail trims and lower-cases an account identifier.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
