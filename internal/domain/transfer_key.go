package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// TransferKey derives the deterministic idempotency key for one transfer
// call. Identical (orderID, recipient, amount) inputs always produce the
// identical key so the delivery gateway can de-duplicate retried calls.
func TransferKey(orderID, recipient string, amount int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", orderID, recipient, amount)))
	return hex.EncodeToString(sum[:])
}

// MaskTransferID shortens an opaque transfer id for user-facing messages,
// keeping only the trailing characters.
func MaskTransferID(id string) string {
	const visible = 6
	if len(id) <= visible {
		return id
	}
	return "..." + id[len(id)-visible:]
}
