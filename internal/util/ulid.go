package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID generates a lexicographically sortable ULID string, used for entry and
// event ids.
func NewID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
