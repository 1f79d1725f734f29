package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/Hussein-Mazeh/zkvault/auth"
	"github.com/Hussein-Mazeh/zkvault/internal/identity"
	"github.com/Hussein-Mazeh/zkvault/internal/service"
	"github.com/Hussein-Mazeh/zkvault/internal/session"
	"github.com/Hussein-Mazeh/zkvault/internal/vault"
	"github.com/Hussein-Mazeh/zkvault/krypto"
)

const cliVersion = "0.1.0"

type userError struct {
	msg string
}

func (e userError) Error() string { return e.msg }

var flagDir = &cli.StringFlag{
	Name:    "dir",
	Value:   "./dev-vault",
	Usage:   "vault directory (settings.json and vault.db)",
	EnvVars: []string{"PM_DIR"},
}

var flagLogLevel = &cli.StringFlag{
	Name:    "log-level",
	Value:   "warn",
	Usage:   "debug, info, warn or error",
	EnvVars: []string{"PM_LOG_LEVEL"},
}

var flagKDF = &cli.StringFlag{
	Name:    "kdf",
	Usage:   "key derivation for new accounts: pbkdf2-sha256 or argon2id (default: vault settings)",
	EnvVars: []string{"PM_KDF"},
}

var flagIdleTimeout = &cli.DurationFlag{
	Name:    "idle-timeout",
	Value:   5 * time.Minute,
	Usage:   "lock the vault after this long without activity (0 disables)",
	EnvVars: []string{"PM_IDLE_TIMEOUT"},
}

var flagHIBP = &cli.BoolFlag{
	Name:    "hibp",
	Usage:   "reject master passwords found in the Have I Been Pwned corpus",
	EnvVars: []string{"PM_HIBP"},
}

var flagEmail = &cli.StringFlag{
	Name:  "email",
	Usage: "account email (prompted when empty)",
}

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	app := &cli.App{
		Name:    "pm",
		Usage:   "zero-knowledge password vault",
		Version: cliVersion,
		Flags: []cli.Flag{
			flagDir,
			flagLogLevel,
			flagKDF,
			flagIdleTimeout,
			flagHIBP,
		},
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return userError{msg: err.Error()}
		},
		Commands: []*cli.Command{
			{
				Name:   "signup",
				Usage:  "create an account; the vault stays locked",
				Flags:  []cli.Flag{flagEmail},
				Action: runSignUp,
			},
			{
				Name:   "login",
				Usage:  "unlock the vault and start an interactive session",
				Flags:  []cli.Flag{flagEmail},
				Action: runLogin,
			},
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(*cli.Context) error {
					fmt.Println(cliVersion)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		handleError(err)
	}
}

func handleError(err error) {
	if err == nil {
		return
	}

	var uerr userError
	if errors.As(err, &uerr) {
		fmt.Fprintln(os.Stderr, uerr.Error())
		memguard.SafeExit(1)
	}

	fmt.Fprintf(os.Stderr, "unexpected error: %v\n", err)
	memguard.SafeExit(2)
}

// friendly turns the errors a user can act on into userErrors.
func friendly(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrAccountExists):
		return userError{msg: "an account with this email is already registered; log in instead"}
	case errors.Is(err, session.ErrInvalidCredentials):
		return userError{msg: "invalid login credentials"}
	case errors.Is(err, session.ErrCorruptAccount):
		return userError{msg: "critical error: encryption salt missing for this account; it requires repair"}
	case errors.Is(err, identity.ErrRateLimited):
		return userError{msg: identity.ErrRateLimited.Error()}
	case errors.Is(err, auth.ErrPolicy):
		return userError{msg: err.Error()}
	case errors.Is(err, session.ErrMissingCredentials):
		return userError{msg: "email and password are required"}
	case errors.Is(err, session.ErrNoActiveSession):
		return userError{msg: "vault is locked; log in again"}
	case errors.Is(err, service.ErrNotFound):
		return userError{msg: "no such item"}
	case errors.Is(err, vault.ErrLabelRequired):
		return userError{msg: "a site label is required"}
	}
	return err
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), userError{msg: fmt.Sprintf("invalid log level %q", level)}
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().
		Logger(), nil
}

func loadConfig(c *cli.Context) (service.Config, error) {
	cfg := service.DefaultConfig(c.String(flagDir.Name))
	cfg.IdleTimeout = c.Duration(flagIdleTimeout.Name)
	if cfg.IdleTimeout < 0 {
		return cfg, userError{msg: "idle timeout cannot be negative"}
	}
	cfg.Policy.EnableHIBP = c.Bool(flagHIBP.Name)

	switch kdf := c.String(flagKDF.Name); kdf {
	case "":
	case krypto.KDFPBKDF2SHA256:
		cfg.KDF = krypto.DefaultKDFParams()
	case krypto.KDFArgon2id:
		cfg.KDF = krypto.Argon2idKDFParams()
	default:
		return cfg, userError{msg: fmt.Sprintf("unsupported kdf %q", kdf)}
	}

	log, err := newLogger(c.String(flagLogLevel.Name))
	if err != nil {
		return cfg, err
	}
	cfg.Logger = log
	return cfg, nil
}

func openService(c *cli.Context) (*service.Service, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	svc, err := service.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	return svc, nil
}

// closeService locks the vault and closes the database, reporting failures to w.
func closeService(svc *service.Service, w io.Writer) {
	if err := svc.Close(context.Background()); err != nil {
		fmt.Fprintf(w, "warning: %v\n", err)
	}
}
