package order

import (
	"crypto/sha1"
	"encoding/hex"
)

// ClientOrderID derives a deterministic exchange client order id from a
// Risk/Rate Gate intent id, so resubmission after a crash or a retried
// Handle call reuses the same id rather than minting a fresh one — the
// exchange's own de-duplication then protects against a double fill
// (scenario S3, time-drift retry).
func ClientOrderID(intentID string) string {
	sum := sha1.Sum([]byte("intent:" + intentID))
	return "coid-" + hex.EncodeToString(sum[:])[:24]
}
