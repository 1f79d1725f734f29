package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Hussein-Mazeh/zkvault/auth"
	"github.com/Hussein-Mazeh/zkvault/internal/db"
	"github.com/Hussein-Mazeh/zkvault/internal/identity"
	"github.com/Hussein-Mazeh/zkvault/internal/session"
	"github.com/Hussein-Mazeh/zkvault/internal/vault"
	"github.com/Hussein-Mazeh/zkvault/krypto"
	"github.com/Hussein-Mazeh/zkvault/store"
)

// ErrNotFound is returned for an item id the signed-in account does not own.
var ErrNotFound = errors.New("item not found")

// Config holds everything needed to open a vault directory.
type Config struct {
	// Dir holds settings.json and vault.db.
	Dir string
	// KDF overrides the enrollment cost stored in settings when Name is set.
	KDF krypto.KDFParams
	// IdleTimeout locks the vault after inactivity; zero disables it.
	IdleTimeout time.Duration
	// TokenTTL bounds a sign-in; zero uses identity.DefaultTokenTTL.
	TokenTTL time.Duration
	// Policy applies to new master passwords.
	Policy auth.ValidateOptions

	Logger          zerolog.Logger
	IdentityOptions []identity.Option
}

// DefaultConfig returns a config for dir with the default policy.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:         dir,
		IdleTimeout: 5 * time.Minute,
		Policy:      auth.DefaultValidateOptions(),
		Logger:      zerolog.Nop(),
	}
}

// Service exposes high-level vault operations for the CLI.
type Service struct {
	paths    store.Paths
	settings store.Settings
	policy   auth.ValidateOptions
	db       *db.DB
	idp      *identity.Provider
	sess     *session.Session
	log      zerolog.Logger
	now      func() time.Time
}

// Item is one row of a listing. Username is a placeholder and Err is set when
// the item could not be opened; the other items are unaffected.
type Item struct {
	ID        string
	SiteLabel string
	SiteURL   string
	Username  string
	CreatedAt time.Time
	Err       error
}

// New opens (creating if needed) the vault directory in cfg.
func New(cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("vault directory is required")
	}
	paths := store.Paths{Dir: cfg.Dir}

	settings, err := store.LoadOrInitSettings(paths)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if cfg.KDF.Name != "" {
		if err := cfg.KDF.Validate(); err != nil {
			return nil, fmt.Errorf("kdf: %w", err)
		}
		settings.KDF = cfg.KDF
	}

	database, err := db.Open(paths.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open sqlite (%s): %w", paths.DBPath(), err)
	}
	if err := db.Migrate(database); err != nil {
		_ = db.Close(database)
		return nil, fmt.Errorf("initialise vault database: %w", err)
	}

	idOpts := []identity.Option{
		identity.WithLogger(cfg.Logger.With().Str("component", "identity").Logger()),
		identity.WithDecoyKDFParams(settings.KDF),
	}
	if cfg.TokenTTL > 0 {
		idOpts = append(idOpts, identity.WithTokenTTL(cfg.TokenTTL))
	}
	idp, err := identity.New(database, append(idOpts, cfg.IdentityOptions...)...)
	if err != nil {
		_ = db.Close(database)
		return nil, fmt.Errorf("identity provider: %w", err)
	}
	if n, err := idp.Purge(context.Background()); err != nil {
		cfg.Logger.Warn().Err(err).Msg("purge expired sessions")
	} else if n > 0 {
		cfg.Logger.Debug().Int64("count", n).Msg("purged expired sessions")
	}

	sess := session.New(idp,
		session.WithKDFParams(settings.KDF),
		session.WithIdleTimeout(cfg.IdleTimeout),
		session.WithLogger(cfg.Logger.With().Str("component", "session").Logger()),
	)

	return &Service{
		paths:    paths,
		settings: settings,
		policy:   cfg.Policy,
		db:       database,
		idp:      idp,
		sess:     sess,
		log:      cfg.Logger,
		now:      time.Now,
	}, nil
}

// Close locks the vault and releases the database.
func (s *Service) Close(ctx context.Context) error {
	lerr := s.sess.Logout(ctx)
	return errors.Join(lerr, db.Close(s.db))
}

// SignUp checks password against the policy and enrolls a new account.
// The vault stays locked; call Login next.
func (s *Service) SignUp(ctx context.Context, email string, password []byte) error {
	opts := s.policy
	opts.UserInputs = append(append([]string(nil), opts.UserInputs...), session.NormalizeEmail(email))
	if err := auth.ValidateMasterPasswordAdvanced(ctx, string(password), opts); err != nil {
		return err
	}
	return s.sess.Enroll(ctx, email, password)
}

// Login unlocks the vault for email.
func (s *Service) Login(ctx context.Context, email string, password []byte) error {
	if err := s.sess.Login(ctx, email, password); err != nil {
		return err
	}

	s.settings.LastEmail = s.sess.Email()
	if err := store.SaveSettings(s.paths, &s.settings); err != nil {
		s.log.Warn().Err(err).Msg("save settings")
	}
	return nil
}

// Logout locks the vault.
func (s *Service) Logout(ctx context.Context) error {
	return s.sess.Logout(ctx)
}

// Unlocked reports whether item operations are available.
func (s *Service) Unlocked() bool {
	return s.sess.State() == session.Unlocked
}

// Email returns the signed-in account, or "".
func (s *Service) Email() string {
	return s.sess.Email()
}

// LastEmail returns the account that last unlocked this directory.
func (s *Service) LastEmail() string {
	return s.settings.LastEmail
}

// RunExpiry locks the vault once the remote session or idle timer lapses.
// It blocks until ctx is done.
func (s *Service) RunExpiry(ctx context.Context, every time.Duration) {
	s.sess.RunExpiry(ctx, every)
}

// Add seals a new credential and stores it.
func (s *Service) Add(ctx context.Context, label, url, username, password string) (Item, error) {
	owner, err := s.active(ctx)
	if err != nil {
		return Item{}, err
	}

	rec, err := vault.Seal(s.sess, label, url, vault.SecretPayload{Username: username, Password: password}, s.now())
	if err != nil {
		return Item{}, err
	}
	if err := db.InsertItem(s.db, toRow(owner, rec)); err != nil {
		return Item{}, err
	}

	s.log.Debug().Str("id", rec.ID).Msg("item added")
	return Item{ID: rec.ID, SiteLabel: rec.SiteLabel, SiteURL: rec.SiteURL, Username: username, CreatedAt: rec.CreatedAt}, nil
}

// List returns every item of the signed-in account, newest first.
func (s *Service) List(ctx context.Context) ([]Item, error) {
	return s.list(ctx, nil)
}

// Search lists the items whose site label contains query, ignoring case.
func (s *Service) Search(ctx context.Context, query string) ([]Item, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	return s.list(ctx, func(r db.ItemRow) bool {
		return strings.Contains(strings.ToLower(r.SiteLabel), q)
	})
}

// Reveal opens one item. A damaged item yields the placeholder payload and
// an error matching krypto.ErrDecryptionFailed.
func (s *Service) Reveal(ctx context.Context, id string) (vault.SecretPayload, error) {
	owner, err := s.active(ctx)
	if err != nil {
		return vault.SecretPayload{}, err
	}

	row, err := db.GetItem(s.db, owner, id)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.SecretPayload{}, ErrNotFound
	}
	if err != nil {
		return vault.SecretPayload{}, err
	}
	return vault.OpenOrPlaceholder(s.sess, fromRow(row))
}

// Delete removes one item.
func (s *Service) Delete(ctx context.Context, id string) error {
	owner, err := s.active(ctx)
	if err != nil {
		return err
	}

	err = db.DeleteItem(s.db, owner, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *Service) list(ctx context.Context, keep func(db.ItemRow) bool) ([]Item, error) {
	owner, err := s.active(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.ListItems(s.db, owner)
	if err != nil {
		return nil, err
	}

	out := make([]Item, 0, len(rows))
	for _, row := range rows {
		if keep != nil && !keep(row) {
			continue
		}
		p, err := vault.OpenOrPlaceholder(s.sess, fromRow(row))
		if err != nil && !errors.Is(err, krypto.ErrDecryptionFailed) {
			return nil, err
		}
		if err != nil {
			s.log.Warn().Str("id", row.ID).Msg("item could not be decrypted")
		}
		out = append(out, Item{
			ID:        row.ID,
			SiteLabel: row.SiteLabel,
			SiteURL:   row.SiteURL,
			Username:  p.Username,
			CreatedAt: row.CreatedAt,
			Err:       err,
		})
	}
	return out, nil
}

// active confirms the remote session and returns the owner of the vault.
func (s *Service) active(ctx context.Context) (string, error) {
	if err := s.sess.Check(ctx); err != nil {
		return "", err
	}
	owner := s.sess.Email()
	if owner == "" {
		return "", session.ErrNoActiveSession
	}
	return owner, nil
}

func toRow(owner string, r vault.Record) db.ItemRow {
	return db.ItemRow{
		ID:         r.ID,
		Owner:      owner,
		SiteLabel:  r.SiteLabel,
		SiteURL:    r.SiteURL,
		Ciphertext: r.Ciphertext,
		Nonce:      r.Nonce,
		CreatedAt:  r.CreatedAt,
	}
}

func fromRow(r db.ItemRow) vault.Record {
	return vault.Record{
		ID:         r.ID,
		SiteLabel:  r.SiteLabel,
		SiteURL:    r.SiteURL,
		Ciphertext: r.Ciphertext,
		Nonce:      r.Nonce,
		CreatedAt:  r.CreatedAt,
	}
}
