package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/Hussein-Mazeh/zkvault/internal/db"
	"github.com/Hussein-Mazeh/zkvault/krypto"
	"github.com/Hussein-Mazeh/zkvault/store"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	app := &cli.App{
		Name:  "initvault",
		Usage: "create a vault directory with settings and an empty database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dir",
				Value:   "./dev-vault",
				Usage:   "vault directory",
				EnvVars: []string{"PM_DIR"},
			},
			&cli.StringFlag{
				Name:  "kdf",
				Value: krypto.KDFPBKDF2SHA256,
				Usage: "key derivation for new accounts: pbkdf2-sha256 or argon2id",
			},
		},
		Action: func(c *cli.Context) error {
			paths := store.Paths{Dir: c.String("dir")}

			settings, err := store.LoadOrInitSettings(paths)
			if err != nil {
				return fmt.Errorf("settings: %w", err)
			}
			switch c.String("kdf") {
			case krypto.KDFPBKDF2SHA256:
				settings.KDF = krypto.DefaultKDFParams()
			case krypto.KDFArgon2id:
				settings.KDF = krypto.Argon2idKDFParams()
			default:
				return fmt.Errorf("unsupported kdf %q", c.String("kdf"))
			}
			if err := store.SaveSettings(paths, &settings); err != nil {
				return fmt.Errorf("settings: %w", err)
			}

			d, err := db.Open(paths.DBPath())
			if err != nil {
				return fmt.Errorf("open vault database: %w", err)
			}
			defer db.Close(d)

			if err := db.Migrate(d); err != nil {
				return fmt.Errorf("initialize vault database: %w", err)
			}

			log.Info().Str("dir", paths.Dir).Str("kdf", settings.KDF.Name).Msg("vault initialised")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("initvault")
	}
}
