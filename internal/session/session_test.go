package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Hussein-Mazeh/zkvault/internal/session"
	"github.com/Hussein-Mazeh/zkvault/krypto"
)

// fakeIDP is an in-memory identity provider that stores credentials the way a
// remote service would: salt and params in the clear, auth secret as given.
type fakeIDP struct {
	mu       sync.Mutex
	accounts map[string]fakeAccount
	tokens   map[string]bool
	seen     [][]byte
	next     int
}

type fakeAccount struct {
	secret []byte
	meta   session.AccountMetadata
}

func newFakeIDP() *fakeIDP {
	return &fakeIDP{accounts: map[string]fakeAccount{}, tokens: map[string]bool{}}
}

func (f *fakeIDP) LookupAccount(_ context.Context, email string) (session.AccountMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[email]
	if !ok {
		return session.AccountMetadata{Salt: "000102030405060708090a0b0c0d0e0f", KDF: krypto.LegacyKDFParams()}, nil
	}
	return a.meta, nil
}

func (f *fakeIDP) Register(_ context.Context, email string, secret []byte, meta session.AccountMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[email]; ok {
		return session.ErrAccountExists
	}
	f.accounts[email] = fakeAccount{secret: append([]byte(nil), secret...), meta: meta}
	f.seen = append(f.seen, append([]byte(nil), secret...))
	return nil
}

func (f *fakeIDP) SignIn(_ context.Context, email string, secret []byte) (session.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, append([]byte(nil), secret...))
	a, ok := f.accounts[email]
	if !ok || !krypto.Equal(a.secret, secret) {
		return session.Grant{}, session.ErrInvalidCredentials
	}
	f.next++
	token := string(rune('a' + f.next))
	f.tokens[token] = true
	return session.Grant{Token: token, ExpiresAt: time.Now().Add(time.Hour), Account: a.meta}, nil
}

func (f *fakeIDP) Verify(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.tokens[token] {
		return session.ErrSessionExpired
	}
	return nil
}

func (f *fakeIDP) SignOut(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, token)
	return nil
}

func (f *fakeIDP) activeTokens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

func (f *fakeIDP) expireAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = map[string]bool{}
}

func (f *fakeIDP) setSalt(email, salt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.accounts[email]
	a.meta.Salt = salt
	f.accounts[email] = a
}

const (
	email    = "bob@example.com"
	password = "Correct-Horse-9"
)

func newSession(idp session.IdentityProvider, opts ...session.Option) *session.Session {
	opts = append([]session.Option{session.WithKDFParams(krypto.LegacyKDFParams())}, opts...)
	return session.New(idp, opts...)
}

func enrolledSession(t *testing.T, opts ...session.Option) (*session.Session, *fakeIDP) {
	t.Helper()
	idp := newFakeIDP()
	s := newSession(idp, opts...)
	require.NoError(t, s.Enroll(context.Background(), email, []byte(password)))
	return s, idp
}

func TestEnrollDoesNotUnlock(t *testing.T) {
	s, idp := enrolledSession(t)
	require.Equal(t, session.LoggedOut, s.State())

	_, _, err := s.Encrypt([]byte("x"))
	require.ErrorIs(t, err, session.ErrNoActiveSession)

	acct := idp.accounts[email]
	salt, err := krypto.ParseSalt(acct.meta.Salt)
	require.NoError(t, err)
	require.Len(t, salt, krypto.SaltLengthBytes)
	require.Equal(t, krypto.LegacyKDFParams(), acct.meta.KDF)
	require.NotContains(t, string(acct.secret), password)
}

func TestEnrollDuplicate(t *testing.T) {
	s, _ := enrolledSession(t)
	err := s.Enroll(context.Background(), "  BOB@example.com ", []byte("other"))
	require.ErrorIs(t, err, session.ErrAccountExists)
	require.Equal(t, session.LoggedOut, s.State())
}

func TestEnrollAndLoginRejectEmptyInput(t *testing.T) {
	s := newSession(newFakeIDP())
	require.ErrorIs(t, s.Enroll(context.Background(), "", []byte("pw")), krypto.ErrInvalidInput)
	require.ErrorIs(t, s.Enroll(context.Background(), email, nil), krypto.ErrInvalidInput)
	require.ErrorIs(t, s.Login(context.Background(), " ", []byte("pw")), krypto.ErrInvalidInput)
	require.ErrorIs(t, s.Login(context.Background(), email, []byte{}), session.ErrMissingCredentials)
}

func TestEnrollRejectsInvalidParams(t *testing.T) {
	s := session.New(newFakeIDP(), session.WithKDFParams(krypto.KDFParams{}))
	err := s.Enroll(context.Background(), email, []byte(password))
	require.ErrorIs(t, err, krypto.ErrInvalidInput)
	require.NotErrorIs(t, err, session.ErrMissingCredentials)
}

func TestLoginUnlocksAndRoundTrips(t *testing.T) {
	s, _ := enrolledSession(t)
	require.NoError(t, s.Login(context.Background(), email, []byte(password)))
	require.Equal(t, session.Unlocked, s.State())
	require.Equal(t, email, s.Email())

	ct, nonce, err := s.Encrypt([]byte(`{"username":"bob","password":"pw1"}`))
	require.NoError(t, err)

	pt, err := s.Decrypt(ct, nonce)
	require.NoError(t, err)
	require.JSONEq(t, `{"username":"bob","password":"pw1"}`, string(pt))
}

func TestAuthSecretIsNotVaultKey(t *testing.T) {
	s, idp := enrolledSession(t)
	require.NoError(t, s.Login(context.Background(), email, []byte(password)))

	ct, nonce, err := s.Encrypt([]byte("secret"))
	require.NoError(t, err)

	// The identity provider saw only the auth secret; it must not open items.
	for _, seen := range idp.seen {
		_, err := krypto.Decrypt(ct, nonce, seen)
		require.ErrorIs(t, err, krypto.ErrDecryptionFailed)
	}
}

func TestSameKeyAcrossLogins(t *testing.T) {
	s, _ := enrolledSession(t)
	ctx := context.Background()

	require.NoError(t, s.Login(ctx, email, []byte(password)))
	ct, nonce, err := s.Encrypt([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, s.Logout(ctx))

	require.NoError(t, s.Login(ctx, email, []byte(password)))
	pt, err := s.Decrypt(ct, nonce)
	require.NoError(t, err)
	require.Equal(t, "persisted", string(pt))
}

func TestLoginWrongPassword(t *testing.T) {
	s, _ := enrolledSession(t)
	err := s.Login(context.Background(), email, []byte("wrong"))
	require.ErrorIs(t, err, session.ErrInvalidCredentials)
	require.Equal(t, session.LoggedOut, s.State())

	_, err = s.Decrypt([]byte("x"), make([]byte, krypto.NonceSize))
	require.ErrorIs(t, err, session.ErrNoActiveSession)
}

func TestLoginUnknownAccount(t *testing.T) {
	s := newSession(newFakeIDP())
	err := s.Login(context.Background(), "nobody@example.com", []byte(password))
	require.ErrorIs(t, err, session.ErrInvalidCredentials)
	require.Equal(t, session.LoggedOut, s.State())
}

func TestLoginWhileUnlocked(t *testing.T) {
	s, _ := enrolledSession(t)
	require.NoError(t, s.Login(context.Background(), email, []byte(password)))
	require.ErrorIs(t, s.Login(context.Background(), email, []byte(password)), session.ErrSessionActive)
	require.ErrorIs(t, s.Enroll(context.Background(), "new@example.com", []byte(password)), session.ErrSessionActive)
	require.Equal(t, session.Unlocked, s.State())
}

func TestLoginCorruptAccount(t *testing.T) {
	for name, salt := range map[string]string{"missing": "", "malformed": "zz"} {
		t.Run(name, func(t *testing.T) {
			s, idp := enrolledSession(t)
			idp.setSalt(email, salt)

			err := s.Login(context.Background(), email, []byte(password))
			require.ErrorIs(t, err, session.ErrCorruptAccount)
			require.Equal(t, session.LoggedOut, s.State())
		})
	}
}

// grantIDP returns account metadata without a salt in the sign-in grant.
type grantIDP struct {
	*fakeIDP
	signedOut []string
}

func (g *grantIDP) SignIn(ctx context.Context, email string, secret []byte) (session.Grant, error) {
	grant, err := g.fakeIDP.SignIn(ctx, email, secret)
	grant.Account.Salt = ""
	return grant, err
}

func (g *grantIDP) SignOut(ctx context.Context, token string) error {
	g.signedOut = append(g.signedOut, token)
	return g.fakeIDP.SignOut(ctx, token)
}

func TestLoginCorruptGrantSignsOut(t *testing.T) {
	idp := &grantIDP{fakeIDP: newFakeIDP()}
	s := newSession(idp)
	require.NoError(t, s.Enroll(context.Background(), email, []byte(password)))

	err := s.Login(context.Background(), email, []byte(password))
	require.ErrorIs(t, err, session.ErrCorruptAccount)
	require.Equal(t, session.LoggedOut, s.State())
	require.Len(t, idp.signedOut, 1)
}

// gateIDP holds SignIn open after the grant is issued until release is closed.
type gateIDP struct {
	*fakeIDP
	entered chan struct{}
	release chan struct{}
}

func (g *gateIDP) SignIn(ctx context.Context, email string, secret []byte) (session.Grant, error) {
	grant, err := g.fakeIDP.SignIn(ctx, email, secret)
	close(g.entered)
	<-g.release
	return grant, err
}

func TestLogoutDuringLoginRevokesGrant(t *testing.T) {
	ctx := context.Background()
	idp := &gateIDP{fakeIDP: newFakeIDP(), entered: make(chan struct{}), release: make(chan struct{})}
	s := newSession(idp)
	require.NoError(t, s.Enroll(ctx, email, []byte(password)))

	done := make(chan error, 1)
	go func() { done <- s.Login(ctx, email, []byte(password)) }()

	<-idp.entered
	require.Equal(t, session.Authenticating, s.State())
	require.Equal(t, 1, idp.activeTokens())
	require.NoError(t, s.Logout(ctx))
	close(idp.release)

	require.ErrorIs(t, <-done, session.ErrNoActiveSession)
	require.Equal(t, session.LoggedOut, s.State())
	require.Zero(t, idp.activeTokens())

	_, _, err := s.Encrypt([]byte("x"))
	require.ErrorIs(t, err, session.ErrNoActiveSession)
}

func TestLogoutClearsKey(t *testing.T) {
	s, idp := enrolledSession(t)
	ctx := context.Background()
	require.NoError(t, s.Login(ctx, email, []byte(password)))

	ct, nonce, err := s.Encrypt([]byte("secret"))
	require.NoError(t, err)

	require.NoError(t, s.Logout(ctx))
	require.Equal(t, session.LoggedOut, s.State())
	require.Empty(t, s.Email())
	require.Empty(t, idp.tokens)

	_, _, err = s.Encrypt([]byte("secret"))
	require.ErrorIs(t, err, session.ErrNoActiveSession)
	_, err = s.Decrypt(ct, nonce)
	require.ErrorIs(t, err, session.ErrNoActiveSession)

	require.NoError(t, s.Logout(ctx))
}

type mockIDP struct {
	mock.Mock
}

func (m *mockIDP) LookupAccount(ctx context.Context, email string) (session.AccountMetadata, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(session.AccountMetadata), args.Error(1)
}

func (m *mockIDP) Register(ctx context.Context, email string, secret []byte, meta session.AccountMetadata) error {
	return m.Called(ctx, email, secret, meta).Error(0)
}

func (m *mockIDP) SignIn(ctx context.Context, email string, secret []byte) (session.Grant, error) {
	args := m.Called(ctx, email, secret)
	return args.Get(0).(session.Grant), args.Error(1)
}

func (m *mockIDP) Verify(ctx context.Context, token string) error {
	return m.Called(ctx, token).Error(0)
}

func (m *mockIDP) SignOut(ctx context.Context, token string) error {
	return m.Called(ctx, token).Error(0)
}

func TestLogoutClearsEvenWhenSignOutFails(t *testing.T) {
	meta := session.AccountMetadata{Salt: "a1b2c3d4e5f60718293a4b5c6d7e8f90", KDF: krypto.LegacyKDFParams()}
	idp := &mockIDP{}
	idp.On("LookupAccount", mock.Anything, email).Return(meta, nil)
	idp.On("SignIn", mock.Anything, email, mock.Anything).Return(session.Grant{Token: "tok", Account: meta}, nil)
	idp.On("SignOut", mock.Anything, "tok").Return(errors.New("network down"))

	s := newSession(idp)
	require.NoError(t, s.Login(context.Background(), email, []byte(password)))

	err := s.Logout(context.Background())
	require.Error(t, err)
	require.Equal(t, session.LoggedOut, s.State())
	_, _, err = s.Encrypt([]byte("x"))
	require.ErrorIs(t, err, session.ErrNoActiveSession)
	idp.AssertExpectations(t)
}

func TestLookupFailureLeavesLoggedOut(t *testing.T) {
	idp := &mockIDP{}
	idp.On("LookupAccount", mock.Anything, email).Return(session.AccountMetadata{}, errors.New("unreachable"))

	s := newSession(idp)
	require.Error(t, s.Login(context.Background(), email, []byte(password)))
	require.Equal(t, session.LoggedOut, s.State())
	idp.AssertNotCalled(t, "SignIn", mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckClearsOnRemoteExpiry(t *testing.T) {
	s, idp := enrolledSession(t)
	ctx := context.Background()
	require.NoError(t, s.Login(ctx, email, []byte(password)))
	require.NoError(t, s.Check(ctx))

	idp.expireAll()
	err := s.Check(ctx)
	require.ErrorIs(t, err, session.ErrNoActiveSession)
	require.ErrorIs(t, err, session.ErrSessionExpired)
	require.Equal(t, session.LoggedOut, s.State())

	_, _, err = s.Encrypt([]byte("x"))
	require.ErrorIs(t, err, session.ErrNoActiveSession)
}

func TestCheckKeepsSessionOnTransientError(t *testing.T) {
	meta := session.AccountMetadata{Salt: "a1b2c3d4e5f60718293a4b5c6d7e8f90", KDF: krypto.LegacyKDFParams()}
	idp := &mockIDP{}
	idp.On("LookupAccount", mock.Anything, email).Return(meta, nil)
	idp.On("SignIn", mock.Anything, email, mock.Anything).Return(session.Grant{Token: "tok", Account: meta}, nil)
	idp.On("Verify", mock.Anything, "tok").Return(errors.New("timeout"))

	s := newSession(idp)
	require.NoError(t, s.Login(context.Background(), email, []byte(password)))
	require.Error(t, s.Check(context.Background()))
	require.Equal(t, session.Unlocked, s.State())
}

func TestCheckWhenLoggedOut(t *testing.T) {
	s := newSession(newFakeIDP())
	require.ErrorIs(t, s.Check(context.Background()), session.ErrNoActiveSession)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestIdleTimeout(t *testing.T) {
	c := &clock{now: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)}
	s, _ := enrolledSession(t, session.WithIdleTimeout(5*time.Minute), session.WithClock(c.Now))
	require.NoError(t, s.Login(context.Background(), email, []byte(password)))

	c.Advance(4 * time.Minute)
	_, _, err := s.Encrypt([]byte("x"))
	require.NoError(t, err)

	c.Advance(4 * time.Minute)
	_, _, err = s.Encrypt([]byte("x"))
	require.NoError(t, err, "activity must reset the idle timer")

	c.Advance(6 * time.Minute)
	_, _, err = s.Encrypt([]byte("x"))
	require.ErrorIs(t, err, session.ErrNoActiveSession)
	require.Equal(t, session.LoggedOut, s.State())
}

func TestFreshLoginIsNotIdleAfterLongLogout(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)}
	s, _ := enrolledSession(t, session.WithIdleTimeout(time.Minute), session.WithClock(c.Now))
	c.Advance(time.Hour)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_, _, _ = s.Encrypt([]byte("x"))
			}
		}
	}()

	require.NoError(t, s.Login(ctx, email, []byte(password)))
	close(stop)
	wg.Wait()

	require.Equal(t, session.Unlocked, s.State())
	_, _, err := s.Encrypt([]byte("x"))
	require.NoError(t, err)
}

func TestIdleTimeoutViaCheck(t *testing.T) {
	c := &clock{now: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)}
	s, _ := enrolledSession(t, session.WithIdleTimeout(time.Minute), session.WithClock(c.Now))
	require.NoError(t, s.Login(context.Background(), email, []byte(password)))

	c.Advance(2 * time.Minute)
	require.ErrorIs(t, s.Check(context.Background()), session.ErrNoActiveSession)
	require.Equal(t, session.LoggedOut, s.State())
}

func TestRunExpiryStopsWithContext(t *testing.T) {
	s, idp := enrolledSession(t)
	require.NoError(t, s.Login(context.Background(), email, []byte(password)))
	idp.expireAll()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunExpiry(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.State() == session.LoggedOut }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestConcurrentOperationsDuringLogout(t *testing.T) {
	s, _ := enrolledSession(t)
	ctx := context.Background()
	require.NoError(t, s.Login(ctx, email, []byte(password)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				ct, nonce, err := s.Encrypt([]byte("payload"))
				if err != nil {
					if !errors.Is(err, session.ErrNoActiveSession) {
						t.Errorf("unexpected error: %v", err)
					}
					return
				}
				pt, err := s.Decrypt(ct, nonce)
				if err != nil {
					if !errors.Is(err, session.ErrNoActiveSession) {
						t.Errorf("unexpected error: %v", err)
					}
					return
				}
				if string(pt) != "payload" {
					t.Errorf("round trip mismatch: %q", pt)
					return
				}
			}
		}()
	}

	require.NoError(t, s.Logout(ctx))
	wg.Wait()

	_, _, err := s.Encrypt([]byte("payload"))
	require.ErrorIs(t, err, session.ErrNoActiveSession)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "logged-out", session.LoggedOut.String())
	require.Equal(t, "authenticating", session.Authenticating.String())
	require.Equal(t, "unlocked", session.Unlocked.String())
	require.Equal(t, "unknown", session.State(42).String())
}

func TestNormalizeEmail(t *testing.T) {
	require.Equal(t, "bob@example.com", session.NormalizeEmail("  Bob@Example.COM "))
}
