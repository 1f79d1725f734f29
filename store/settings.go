// Package store keeps the per-directory vault settings file next to the
// database. Nothing secret is written here.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Hussein-Mazeh/zkvault/internal/db"
	"github.com/Hussein-Mazeh/zkvault/krypto"
)

const (
	settingsFilename = "settings.json"

	// SettingsVersion is the current settings file format.
	SettingsVersion = 1
)

// ErrUnsupportedSettings is returned for a settings file written by a newer version.
var ErrUnsupportedSettings = errors.New("unsupported settings version")

// Paths locates vault artifacts on disk.
type Paths struct {
	Dir string
}

// SettingsPath resolves the settings JSON path.
func (p Paths) SettingsPath() string {
	return filepath.Join(p.Dir, settingsFilename)
}

// DBPath resolves the SQLite database path.
func (p Paths) DBPath() string {
	return filepath.Join(p.Dir, db.DefaultFilename)
}

func (p Paths) ensureDir() error {
	if p.Dir == "" {
		return errors.New("vault directory not specified")
	}
	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}
	return nil
}

// Settings are the local preferences of a vault directory.
type Settings struct {
	Version int `json:"version"`

	// KDF is the derivation cost given to accounts enrolled from this directory.
	KDF       krypto.KDFParams `json:"kdf"`
	LastEmail string           `json:"last_email,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// DefaultSettings returns settings for a new vault directory.
func DefaultSettings() Settings {
	return Settings{Version: SettingsVersion, KDF: krypto.DefaultKDFParams()}
}

// LoadSettings reads settings.json. A missing file yields an error matching
// os.ErrNotExist.
func LoadSettings(p Paths) (Settings, error) {
	var s Settings

	data, err := os.ReadFile(p.SettingsPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, err
		}
		return s, fmt.Errorf("read settings: %w", err)
	}

	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode settings: %w", err)
	}
	if s.Version != SettingsVersion {
		return s, fmt.Errorf("%w: %d", ErrUnsupportedSettings, s.Version)
	}
	if err := s.KDF.Validate(); err != nil {
		return s, fmt.Errorf("settings kdf: %w", err)
	}
	return s, nil
}

// LoadOrInitSettings returns the stored settings, writing defaults on first use.
func LoadOrInitSettings(p Paths) (Settings, error) {
	s, err := LoadSettings(p)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return s, err
	}

	s = DefaultSettings()
	if err := SaveSettings(p, &s); err != nil {
		return s, err
	}
	return s, nil
}

// SaveSettings persists settings.json atomically with restrictive permissions.
func SaveSettings(p Paths, s *Settings) error {
	if err := p.ensureDir(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	tmp, err := os.CreateTemp(p.Dir, "settings-*.json")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp settings: %w", err)
	}

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp settings: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp settings: %w", err)
	}

	if err := os.Rename(tmpPath, p.SettingsPath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
