package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDuplicate is returned when inserting an account that already exists.
var ErrDuplicate = errors.New("duplicate row")

// AccountRow is an identity record. Salt and KDFParams are public metadata;
// Verifier is a server-side hash of the client's authentication secret.
type AccountRow struct {
	Email     string
	Verifier  string
	Salt      string
	KDFParams string
}

// InsertAccount stores a new account. It returns ErrDuplicate if the email is taken.
func InsertAccount(d *DB, a AccountRow) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database handle is nil")
	}

	_, err := d.sql.Exec(
		`INSERT INTO accounts (email, verifier, salt, kdf_params) VALUES (?, ?, ?, ?)`,
		a.Email, a.Verifier, nullIfEmpty(a.Salt), a.KDFParams,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicate
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetAccount returns the account for email, or sql.ErrNoRows.
// A NULL salt is returned as the empty string.
func GetAccount(d *DB, email string) (AccountRow, error) {
	if d == nil || d.sql == nil {
		return AccountRow{}, fmt.Errorf("database handle is nil")
	}

	var (
		a    AccountRow
		salt sql.NullString
	)
	err := d.sql.QueryRow(
		`SELECT email, verifier, salt, kdf_params FROM accounts WHERE email = ?`,
		email,
	).Scan(&a.Email, &a.Verifier, &salt, &a.KDFParams)
	if err != nil {
		if err == sql.ErrNoRows {
			return AccountRow{}, err
		}
		return AccountRow{}, fmt.Errorf("select account: %w", err)
	}
	a.Salt = salt.String
	return a, nil
}

// ClearAccountSalt removes the stored salt of an account. It exists for repair
// tooling and tests that need to reproduce a damaged account.
func ClearAccountSalt(d *DB, email string) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database handle is nil")
	}
	if _, err := d.sql.Exec(`UPDATE accounts SET salt = NULL WHERE email = ?`, email); err != nil {
		return fmt.Errorf("clear salt: %w", err)
	}
	return nil
}

// InsertAuthSession records an issued session token id.
func InsertAuthSession(d *DB, tokenID, email string, expiresAt time.Time) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database handle is nil")
	}

	_, err := d.sql.Exec(
		`INSERT INTO auth_sessions (token_id, email, expires_at) VALUES (?, ?, ?)`,
		tokenID, email, expiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert auth session: %w", err)
	}
	return nil
}

// AuthSessionActive reports whether tokenID was issued and has not been revoked.
func AuthSessionActive(d *DB, tokenID string) (bool, error) {
	if d == nil || d.sql == nil {
		return false, fmt.Errorf("database handle is nil")
	}

	var revoked int
	err := d.sql.QueryRow(`SELECT revoked FROM auth_sessions WHERE token_id = ?`, tokenID).Scan(&revoked)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("select auth session: %w", err)
	}
	return revoked == 0, nil
}

// RevokeAuthSession marks tokenID as revoked. Unknown ids are ignored.
func RevokeAuthSession(d *DB, tokenID string) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database handle is nil")
	}
	if _, err := d.sql.Exec(`UPDATE auth_sessions SET revoked = 1 WHERE token_id = ?`, tokenID); err != nil {
		return fmt.Errorf("revoke auth session: %w", err)
	}
	return nil
}

// PurgeAuthSessions deletes session records that expired before now.
func PurgeAuthSessions(d *DB, now time.Time) (int64, error) {
	if d == nil || d.sql == nil {
		return 0, fmt.Errorf("database handle is nil")
	}
	res, err := d.sql.Exec(`DELETE FROM auth_sessions WHERE expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge auth sessions: %w", err)
	}
	return res.RowsAffected()
}

// LoadOrCreateMeta returns the value stored under name, creating it with
// create() on first use.
func LoadOrCreateMeta(d *DB, name string, create func() ([]byte, error)) ([]byte, error) {
	if d == nil || d.sql == nil {
		return nil, fmt.Errorf("database handle is nil")
	}

	var value []byte
	err := d.sql.QueryRow(`SELECT value FROM provider_meta WHERE name = ?`, name).Scan(&value)
	if err == nil {
		return value, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("select meta %s: %w", name, err)
	}

	value, err = create()
	if err != nil {
		return nil, err
	}
	if _, err := d.sql.Exec(`INSERT OR IGNORE INTO provider_meta (name, value) VALUES (?, ?)`, name, value); err != nil {
		return nil, fmt.Errorf("insert meta %s: %w", name, err)
	}
	// Re-read so a concurrent creator wins consistently.
	if err := d.sql.QueryRow(`SELECT value FROM provider_meta WHERE name = ?`, name).Scan(&value); err != nil {
		return nil, fmt.Errorf("reload meta %s: %w", name, err)
	}
	return value, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// AccountSummary is the non-secret view of an account used by inspection tools.
type AccountSummary struct {
	Email     string
	HasSalt   bool
	KDFParams string
	Items     int
}

// ListAccounts returns every account with its item count, ordered by email.
func ListAccounts(d *DB) ([]AccountSummary, error) {
	if d == nil || d.sql == nil {
		return nil, fmt.Errorf("database handle is nil")
	}

	rows, err := d.sql.Query(`
		SELECT a.email,
		       COALESCE(a.salt, '') <> '',
		       a.kdf_params,
		       (SELECT COUNT(*) FROM vault_items v WHERE v.owner = a.email)
		  FROM accounts a
		 ORDER BY a.email`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []AccountSummary
	for rows.Next() {
		var s AccountSummary
		if err := rows.Scan(&s.Email, &s.HasSalt, &s.KDFParams, &s.Items); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
