// Package ids mints the time-ordered 128-bit identifiers used throughout
// workhub for message_id, instance_id and every other primary key: a v7
// UUID whose high bits are a millisecond timestamp, so id1 < id2 implies
// t(id1) <= t(id2) even for ids minted in the same process.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// entropy supplies the random tail of each id. ulid.Monotonic tracks the
// millisecond it last saw and, when asked again for the same millisecond,
// increments the previous draw instead of handing back a fresh one — that
// is what keeps successive ids strictly increasing within one millisecond,
// which a plain crypto/rand read cannot guarantee.
var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new v7 UUID. It is safe for concurrent use.
func New() uuid.UUID {
	mu.Lock()
	defer mu.Unlock()
	return newLocked(time.Now())
}

func newLocked(now time.Time) uuid.UUID {
	ms := uint64(now.UnixMilli())

	var tail [10]byte
	if err := entropy.MonotonicRead(ms, tail[:]); err != nil {
		// The monotonic increment space for this millisecond is exhausted;
		// move on to the next millisecond (without waiting for the clock)
		// and draw fresh entropy there.
		return newLocked(now.Add(time.Millisecond))
	}

	var id uuid.UUID
	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)
	copy(id[6:], tail[:])
	id[6] = (id[6] & 0x0f) | 0x70 // version 7
	id[8] = (id[8] & 0x3f) | 0x80 // RFC 4122 variant

	return id
}

// Time extracts the millisecond timestamp encoded in an id's high bits.
func Time(id uuid.UUID) time.Time {
	ms := int64(id[0])<<40 | int64(id[1])<<32 | int64(id[2])<<24 |
		int64(id[3])<<16 | int64(id[4])<<8 | int64(id[5])
	return time.UnixMilli(ms).UTC()
}

// Parse wraps uuid.Parse so callers never need to import google/uuid
// directly just to decode an id off the wire.
func Parse(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// MustParse panics if s is not a valid id. Intended for tests and constants.
func MustParse(s string) uuid.UUID {
	return uuid.MustParse(s)
}
