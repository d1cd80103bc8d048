package span

import (
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID is a 128-bit, time-ordered span identifier: a 48-bit millisecond
// timestamp prefix followed by the first 80 bits of a random (version 4)
// UUID, 74 of which are random (the UUID's version and variant bits are
// fixed). Unlike a plain
// UUIDv4, two IDs minted within the same session compare in emission
// order — invariant 1 in §3 requires a total order consistent with
// causality, which random-prefix identifiers cannot give.
type ID [16]byte

var encoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// NewID mints an ID stamped with the current time. The random suffix
// is drawn from google/uuid's entropy source (the same primitive the
// teacher uses for session and device identifiers) rather than a bare
// crypto/rand.Read, so the byte source is shared across the codebase.
func NewID() (ID, error) {
	return newIDAt(time.Now())
}

func newIDAt(t time.Time) (ID, error) {
	var id ID
	ms := uint64(t.UnixMilli())
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], ms)
	copy(id[:6], tsBuf[2:8])

	u, err := uuid.NewRandom()
	if err != nil {
		return ID{}, fmt.Errorf("span: generate id: %w", err)
	}
	copy(id[6:], u[:10])
	return id, nil
}

// String renders the ID as lowercase base32 (RFC 4648 "base32hex"
// alphabet, 0-9 then a-v), sorting lexicographically in the same order as the
// identifier's byte order.
func (id ID) String() string {
	return strings.ToLower(encoding.EncodeToString(id[:]))
}

// MarshalJSON implements json.Marshaler, rendering the ID as its
// string form so trace.jsonl is directly consumable by external tools.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*id = ID{}
		return nil
	}
	decoded, err := encoding.DecodeString(strings.ToUpper(s))
	if err != nil {
		return fmt.Errorf("span: decode id %q: %w", s, err)
	}
	if len(decoded) != len(id) {
		return fmt.Errorf("span: id %q has wrong length", s)
	}
	copy(id[:], decoded)
	return nil
}

// ParseID decodes a string produced by ID.String.
func ParseID(s string) (ID, error) {
	var id ID
	decoded, err := encoding.DecodeString(strings.ToUpper(s))
	if err != nil {
		return ID{}, fmt.Errorf("span: decode id %q: %w", s, err)
	}
	if len(decoded) != len(id) {
		return ID{}, fmt.Errorf("span: id %q has wrong length", s)
	}
	copy(id[:], decoded)
	return id, nil
}

// IsZero reports whether id is the unset value (used for nullable
// parent_span_id fields).
func (id ID) IsZero() bool {
	return id == ID{}
}

// Before reports whether id was minted strictly earlier than other,
// comparing only the millisecond timestamp prefix.
func (id ID) Before(other ID) bool {
	return string(id[:6]) < string(other[:6])
}
