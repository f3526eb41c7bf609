// Package uuidv7 mints and orders the time-ordered identifiers used as
// transaction ids. A transaction's snapshot point is its own id, so snapshot
// reads depend on the total order defined by Compare.
package uuidv7

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a UUIDv7 value (time-ordered) or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a string representation of a UUIDv7.
func NewString() string {
	return New().String()
}

// Parse validates s as a transaction id.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("parse txn id: %w", err)
	}
	return id, nil
}

// Compare orders two ids byte-wise. For UUIDv7 values this is creation-time
// order with the random tail breaking ties.
func Compare(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

// CompareStrings orders two textual ids; malformed ids sort before valid ones.
func CompareStrings(a, b string) int {
	ua, errA := uuid.Parse(a)
	ub, errB := uuid.Parse(b)
	switch {
	case errA != nil && errB != nil:
		return bytes.Compare([]byte(a), []byte(b))
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return Compare(ua, ub)
}

// Timestamp extracts the embedded creation time of a v7 id.
func Timestamp(id uuid.UUID) time.Time {
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC()
}
