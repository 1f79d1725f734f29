package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/nbutton23/zxcvbn-go"
)

const specialChars = "!\"#$%&'()*+,-./:;<=>?@[\\]^_{|}~`"

// MinLength is the shortest master password accepted.
const MinLength = 12

// ErrPolicy wraps every rejection of a master password.
var ErrPolicy = errors.New("master password rejected")

// ValidateOptions selects the checks run by ValidateMasterPasswordAdvanced.
type ValidateOptions struct {
	// MinZXCVBNScore is the lowest acceptable zxcvbn score (0-4); 0 disables it.
	MinZXCVBNScore int
	// UserInputs are penalised by zxcvbn, typically the account email.
	UserInputs []string
	// EnableHIBP queries the breach corpus with the k-anonymity range API.
	EnableHIBP bool
	// HIBPFailClosed rejects the password when the breach lookup errors.
	HIBPFailClosed bool
	// HIBP overrides the breach lookup client.
	HIBP *HIBPClient
}

// DefaultValidateOptions returns the options used for new accounts.
func DefaultValidateOptions() ValidateOptions {
	return ValidateOptions{MinZXCVBNScore: 3}
}

// ValidateMasterPassword applies the master password policy requirements.
func ValidateMasterPassword(pw string) error {
	if len(pw) < MinLength {
		return fmt.Errorf("%w: password must be at least %d characters long", ErrPolicy, MinLength)
	}
	if !hasUpper(pw) {
		return fmt.Errorf("%w: password must include an uppercase letter", ErrPolicy)
	}
	if !hasDigit(pw) {
		return fmt.Errorf("%w: password must include a digit", ErrPolicy)
	}
	if !hasSpecial(pw) {
		return fmt.Errorf("%w: password must include a special character", ErrPolicy)
	}
	return nil
}

// ValidateMasterPasswordAdvanced runs the composition rules, then the zxcvbn
// strength estimate and, if enabled, the breach lookup.
func ValidateMasterPasswordAdvanced(ctx context.Context, pw string, opts ValidateOptions) error {
	if err := ValidateMasterPassword(pw); err != nil {
		return err
	}

	if opts.MinZXCVBNScore > 0 {
		inputs := make([]string, 0, len(opts.UserInputs)*2)
		for _, in := range opts.UserInputs {
			inputs = append(inputs, in)
			if local, _, ok := strings.Cut(in, "@"); ok {
				inputs = append(inputs, local)
			}
		}
		if score := zxcvbn.PasswordStrength(pw, inputs).Score; score < opts.MinZXCVBNScore {
			return fmt.Errorf("%w: password is too guessable (strength %d of 4, need %d)", ErrPolicy, score, opts.MinZXCVBNScore)
		}
	}

	if !opts.EnableHIBP {
		return nil
	}
	client := opts.HIBP
	if client == nil {
		client = DefaultHIBPClient
	}
	res, err := client.Check(ctx, pw)
	if err != nil {
		if opts.HIBPFailClosed {
			return fmt.Errorf("%w: breach lookup unavailable: %v", ErrPolicy, err)
		}
		return nil
	}
	if res.Found {
		return fmt.Errorf("%w: password appears in %d known breaches", ErrPolicy, res.Count)
	}
	return nil
}

func hasUpper(s string) bool {
	for _, r := range s {
		if unicode.IsUpper(r) {
			return true
		}
	}
	return false
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func hasSpecial(s string) bool {
	for _, r := range s {
		if strings.ContainsRune(specialChars, r) {
			return true
		}
	}
	return false
}
