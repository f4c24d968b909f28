// Package query validates and canonicalizes user-submitted disease queries
// and derives the per-owner fingerprint used for deduplication.
package query

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MinLength = 3
	MaxLength = 120
)

// allowedPunct lists the punctuation accepted besides letters, digits and spaces.
const allowedPunct = ",.'()/-"

// ValidationError reports why a raw query was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Message
}

// Normalize trims, collapses whitespace runs to single spaces and lowercases.
func Normalize(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}

// Validate checks a raw query and returns it trimmed. field names the request
// field in the returned error.
func Validate(field, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &ValidationError{Field: field, Message: "is required"}
	}

	n := utf8.RuneCountInString(trimmed)
	if n < MinLength || n > MaxLength {
		return "", &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %d and %d characters", MinLength, MaxLength),
		}
	}

	for _, r := range trimmed {
		if !allowedRune(r) {
			return "", &ValidationError{Field: field, Message: "contains unsupported characters"}
		}
	}
	return trimmed, nil
}

// allowedRune accepts ASCII letters and digits, a single space and the
// punctuation allowlist. Tabs and newlines are rejected.
func allowedRune(r rune) bool {
	switch {
	case r > unicode.MaxASCII:
		return false
	case unicode.IsLetter(r), unicode.IsDigit(r), r == ' ':
		return true
	default:
		return strings.ContainsRune(allowedPunct, r)
	}
}

// Fingerprint returns the hex SHA-256 of ownerID + ":" + normalized.
func Fingerprint(ownerID, normalized string) string {
	sum := sha256.Sum256([]byte(ownerID + ":" + normalized))
	return hex.EncodeToString(sum[:])
}

// Key normalizes raw and fingerprints it for ownerID.
func Key(ownerID, raw string) string {
	return Fingerprint(ownerID, Normalize(raw))
}
