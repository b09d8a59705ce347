/*
Package randx provides generators and format checks for identifiers.

Participant identities and connection session ids are standard UUID v4 strings; identities
supplied by clients are accepted as opaque strings as long as they pass IsValidIdentity.
*/
package randx

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxIdentityLength is the maximum length, in runes, of a participant identity or role key.
const MaxIdentityLength = 128

// UserID generates a new participant identity.
func UserID() string {
	return uuid.New().String()
}

// SessionID generates an identifier for a single websocket connection.
func SessionID() string {
	return uuid.New().String()
}

// IsValidIdentity checks if the given string can be used as an opaque participant identity:
// non-blank, at most MaxIdentityLength runes, and free of whitespace and control characters.
func IsValidIdentity(id string) bool {
	if id == "" || strings.TrimSpace(id) == "" {
		return false
	}

	if utf8.RuneCountInString(id) > MaxIdentityLength {
		return false
	}

	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}

	return true
}
