package domain

import "strings"

const (
	recipientMinLen = 5
	recipientMaxLen = 32
	recipientMarker = '@'
)

// ValidRecipient reports whether handle names a deliverable Telegram account.
// The optional leading @ is ignored; the remainder must be 5-32 ASCII
// letters, digits, or underscores.
func ValidRecipient(handle string) bool {
	handle = strings.TrimPrefix(handle, string(recipientMarker))
	if len(handle) < recipientMinLen || len(handle) > recipientMaxLen {
		return false
	}
	for i := 0; i < len(handle); i++ {
		c := handle[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return false
		}
	}
	return true
}

// NormalizeRecipient prepends the @ marker when absent. Empty input is
// returned unchanged; normalization is idempotent.
func NormalizeRecipient(handle string) string {
	if handle == "" {
		return handle
	}
	if handle[0] == recipientMarker {
		return handle
	}
	return string(recipientMarker) + handle
}
