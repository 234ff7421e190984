// Package idempotency guards mutating endpoints so a retried request with
// the same Idempotency-Key replays the stored response instead of running
// the handler again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL bounds how long completed records are replayable.
const DefaultTTL = 24 * time.Hour

// ErrFingerprintMismatch is returned when a key is reused for a request
// whose method, path, or body differ from the original.
var ErrFingerprintMismatch = errors.New("idempotency: key reused with different request fingerprint")

// Status is the lifecycle state of a record.
type Status string

const (
	// StatusPending marks a reserved key whose handler has not finished.
	StatusPending Status = "pending"
	// StatusCompleted marks a key with a stored, replayable response.
	StatusCompleted Status = "completed"
)

// State is the outcome of reserving a key.
type State int

const (
	// StateNew lets the caller proceed to the handler.
	StateNew State = iota
	// StateCompleted carries a stored response for replay.
	StateCompleted
	// StatePending means a concurrent request holds the key.
	StatePending
)

// Record is the persisted response for a reserved key.
type Record struct {
	Key             string
	Fingerprint     string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// Reservation is the result of Reserve.
type Reservation struct {
	State  State
	Record Record
}

// Response is the handler output stored for replay.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and their responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

func recordID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Headers that are connection-scoped or recomputed on write are not replayed.
func sanitizeHeaders(header http.Header) map[string][]string {
	if len(header) == 0 {
		return nil
	}
	filtered := make(map[string][]string, len(header))
	for name, values := range header {
		switch strings.ToLower(name) {
		case "content-length", "date", "connection", "keep-alive", "transfer-encoding", "upgrade":
			continue
		}
		filtered[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}
