// Package vault models stored credentials. A Record carries the clear site
// metadata and the sealed secret; the secret itself is a SecretPayload that
// exists only between Seal/Open and the caller.
package vault

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/Hussein-Mazeh/zkvault/krypto"
)

// Placeholders shown in place of a secret that could not be opened.
const (
	PlaceholderUsername = "???"
	PlaceholderPassword = "Decryption Failed"
)

// ErrLabelRequired is returned by Seal when the site label is blank.
var ErrLabelRequired = errors.New("site label is required")

// Sealer encrypts and decrypts item payloads under the vault key.
// *session.Session satisfies it.
type Sealer interface {
	Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error)
	Decrypt(ciphertext, nonce []byte) ([]byte, error)
}

// SecretPayload is the plaintext of one item.
type SecretPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Placeholder returns the payload displayed for an item that failed to open.
func Placeholder() SecretPayload {
	return SecretPayload{Username: PlaceholderUsername, Password: PlaceholderPassword}
}

// Record is a vault item as stored: ciphertext is base64, nonce is hex.
type Record struct {
	ID         string
	SiteLabel  string
	SiteURL    string
	Ciphertext string
	Nonce      string
	CreatedAt  time.Time
}

// Seal encrypts p and returns a new record for label and url.
func Seal(s Sealer, label, url string, p SecretPayload, now time.Time) (Record, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return Record{}, ErrLabelRequired
	}

	plaintext, err := json.Marshal(p)
	if err != nil {
		return Record{}, fmt.Errorf("encode payload: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	ct, nonce, err := s.Encrypt(plaintext)
	if err != nil {
		return Record{}, fmt.Errorf("seal item: %w", err)
	}

	return Record{
		ID:         uuid.NewString(),
		SiteLabel:  label,
		SiteURL:    strings.TrimSpace(url),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Nonce:      hex.EncodeToString(nonce),
		CreatedAt:  now,
	}, nil
}

// Open decrypts r. Undecodable fields and payloads that are not the expected
// JSON are reported as krypto.ErrDecryptionFailed; session errors pass through.
func Open(s Sealer, r Record) (SecretPayload, error) {
	ct, err := base64.StdEncoding.DecodeString(r.Ciphertext)
	if err != nil {
		return SecretPayload{}, fmt.Errorf("%w: ciphertext encoding", krypto.ErrDecryptionFailed)
	}
	nonce, err := hex.DecodeString(r.Nonce)
	if err != nil {
		return SecretPayload{}, fmt.Errorf("%w: nonce encoding", krypto.ErrDecryptionFailed)
	}

	plaintext, err := s.Decrypt(ct, nonce)
	if err != nil {
		return SecretPayload{}, fmt.Errorf("open item %s: %w", r.ID, err)
	}
	defer memguard.WipeBytes(plaintext)

	var p SecretPayload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return SecretPayload{}, fmt.Errorf("%w: payload is not valid json", krypto.ErrDecryptionFailed)
	}
	return p, nil
}

// OpenOrPlaceholder opens r, substituting the placeholder payload when the
// item itself is unreadable. The error is still returned for reporting.
func OpenOrPlaceholder(s Sealer, r Record) (SecretPayload, error) {
	p, err := Open(s, r)
	if errors.Is(err, krypto.ErrDecryptionFailed) {
		return Placeholder(), err
	}
	return p, err
}
