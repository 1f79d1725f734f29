package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/Hussein-Mazeh/zkvault/internal/db"
	"github.com/Hussein-Mazeh/zkvault/krypto"
	"github.com/Hussein-Mazeh/zkvault/store"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	app := &cli.App{
		Name:  "vaultinspect",
		Usage: "list accounts in a vault database and flag ones that cannot be unlocked",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "dir",
				Usage:    "vault directory containing vault.db",
				EnvVars:  []string{"PM_DIR"},
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			paths := store.Paths{Dir: c.String("dir")}
			if _, err := os.Stat(paths.DBPath()); err != nil {
				return fmt.Errorf("vault database: %w", err)
			}

			d, err := db.Open(paths.DBPath())
			if err != nil {
				return err
			}
			defer db.Close(d)

			accounts, err := db.ListAccounts(d)
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Println("no accounts")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "EMAIL\tKDF\tITEMS\tSTATUS")
			for _, a := range accounts {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", a.Email, kdfName(a.KDFParams), a.Items, status(a))
			}
			return w.Flush()
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("vaultinspect")
	}
}

func kdfName(raw string) string {
	var p krypto.KDFParams
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return "?"
	}
	if p.Name == krypto.KDFPBKDF2SHA256 {
		return fmt.Sprintf("%s/%d", p.Name, p.Iterations)
	}
	return p.Name
}

func status(a db.AccountSummary) string {
	if !a.HasSalt {
		return "CORRUPT: encryption salt missing"
	}
	var p krypto.KDFParams
	if err := json.Unmarshal([]byte(a.KDFParams), &p); err != nil || p.Validate() != nil {
		return "CORRUPT: kdf params unreadable"
	}
	if p.Weak() {
		return "ok (weak kdf)"
	}
	return "ok"
}
