package arena

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// NewID returns a time-ordered UUIDv7 in canonical hyphenated form. The
// upstream browser client generates v7 ids for sessions and messages, and the
// evaluation endpoints reject ids whose timestamp ordering is implausible.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// crypto/rand failure; v4 keeps the request moving even if ordering
		// guarantees are lost.
		return uuid.NewString()
	}
	return id.String()
}

// IDTime extracts the millisecond timestamp embedded in a v7 id.
func IDTime(id string) (time.Time, bool) {
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 7 {
		return time.Time{}, false
	}
	var buf [8]byte
	copy(buf[2:], u[0:6])
	ms := int64(binary.BigEndian.Uint64(buf[:]))
	return time.UnixMilli(ms), true
}
