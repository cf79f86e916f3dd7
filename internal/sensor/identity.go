// Package sensor holds the hardware identity shared by every sensor record.
package sensor

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// IdentityLen is the size of a radio hardware address.
const IdentityLen = 6

// Identity is the 6-byte hardware address of a sensor. It namespaces all
// per-sensor persisted state.
type Identity [IdentityLen]byte

// Broadcast is the all-ones address used for link-level broadcasts.
var Broadcast = Identity{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// String formats the identity as AA:BB:CC:DD:EE:FF.
func (id Identity) String() string {
	var b strings.Builder
	b.Grow(IdentityLen*3 - 1)
	for i, v := range id {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}

// IsBroadcast reports whether id is the broadcast address.
func (id Identity) IsBroadcast() bool {
	return id == Broadcast
}

// MarshalText implements encoding.TextMarshaler so identities render as
// strings in JSON payloads.
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Parse accepts AA:BB:CC:DD:EE:FF, AA-BB-CC-DD-EE-FF or a bare 12 digit hex
// string, in either case.
func Parse(s string) (Identity, error) {
	var id Identity
	clean := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	if len(clean) != IdentityLen*2 {
		return id, fmt.Errorf("invalid sensor identity %q: want %d hex digits", s, IdentityLen*2)
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return id, fmt.Errorf("invalid sensor identity %q: %w", s, err)
	}
	copy(id[:], raw)
	return id, nil
}

// MustParse is Parse for constants and tests. It panics on error.
func MustParse(s string) Identity {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// FromBytes copies the first IdentityLen bytes of b into an Identity.
func FromBytes(b []byte) (Identity, error) {
	var id Identity
	if len(b) < IdentityLen {
		return id, fmt.Errorf("sensor identity needs %d bytes, got %d", IdentityLen, len(b))
	}
	copy(id[:], b[:IdentityLen])
	return id, nil
}
