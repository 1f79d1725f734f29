package db

import (
	"database/sql"
	"fmt"
	"time"
)

// ItemRow is a vault item as persisted: clear metadata plus opaque ciphertext.
type ItemRow struct {
	ID         string
	Owner      string
	SiteLabel  string
	SiteURL    string
	Ciphertext string
	Nonce      string
	CreatedAt  time.Time
}

// InsertItem stores a new vault item row.
func InsertItem(d *DB, r ItemRow) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database handle is nil")
	}

	_, err := d.sql.Exec(
		`INSERT INTO vault_items (id, owner, site_label, site_url, ciphertext, nonce, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Owner, r.SiteLabel, r.SiteURL, r.Ciphertext, r.Nonce, r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// ListItems returns all items of owner, newest first.
func ListItems(d *DB, owner string) ([]ItemRow, error) {
	if d == nil || d.sql == nil {
		return nil, fmt.Errorf("database handle is nil")
	}

	rows, err := d.sql.Query(
		`SELECT id, owner, site_label, site_url, ciphertext, nonce, created_at
		 FROM vault_items
		 WHERE owner = ?
		 ORDER BY created_at DESC, id`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	defer rows.Close()

	var results []ItemRow
	for rows.Next() {
		r, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item rows: %w", err)
	}
	return results, nil
}

// GetItem returns a single item of owner. It returns sql.ErrNoRows if absent.
func GetItem(d *DB, owner, id string) (ItemRow, error) {
	if d == nil || d.sql == nil {
		return ItemRow{}, fmt.Errorf("database handle is nil")
	}

	row := d.sql.QueryRow(
		`SELECT id, owner, site_label, site_url, ciphertext, nonce, created_at
		 FROM vault_items
		 WHERE owner = ? AND id = ?`,
		owner, id,
	)
	r, err := scanItem(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return ItemRow{}, err
		}
		return ItemRow{}, fmt.Errorf("select item: %w", err)
	}
	return r, nil
}

// DeleteItem deletes an item of owner.
// It returns sql.ErrNoRows if nothing was deleted.
func DeleteItem(d *DB, owner, id string) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database handle is nil")
	}

	res, err := d.sql.Exec(`DELETE FROM vault_items WHERE owner = ? AND id = ?`, owner, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (ItemRow, error) {
	var (
		r       ItemRow
		created int64
	)
	if err := s.Scan(&r.ID, &r.Owner, &r.SiteLabel, &r.SiteURL, &r.Ciphertext, &r.Nonce, &created); err != nil {
		return ItemRow{}, err
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	return r, nil
}
