// Package ids generates identifiers for records, subscriptions and queue
// messages, and derives idempotency keys for events.
package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// IdempotencyKey picks the key used to deduplicate redelivered events. The
// queue message id wins; payloads published without one fall back to a
// content hash so identical bodies collapse into one record.
func IdempotencyKey(messageID string, payload []byte) string {
	if messageID != "" {
		return messageID
	}
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}
