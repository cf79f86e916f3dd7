package dedup

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/banshee-data/tiderelay/internal/sensor"
)

// maxProbes bounds the open-addressing chain for one composite key.
const maxProbes = 8

const (
	packetTag    byte = 0x01
	packetEntryN      = 1 + packetCompositeN
	seqEntryN         = 4 + seqCompositeN

	packetCompositeN = sensor.IdentityLen + 3
	seqCompositeN    = sensor.IdentityLen + 2
)

// tombstone marks a slot freed by rotation. Lookups continue past it so
// entries probed beyond it stay reachable.
var tombstone = []byte{0x00, 0x00}

func packetComposite(id sensor.Identity, seq uint16, num uint8) []byte {
	b := make([]byte, 0, packetCompositeN)
	b = append(b, id[:]...)
	b = binary.LittleEndian.AppendUint16(b, seq)
	return append(b, num)
}

func sequenceComposite(id sensor.Identity, seq uint16) []byte {
	b := make([]byte, 0, seqCompositeN)
	b = append(b, id[:]...)
	return binary.LittleEndian.AppendUint16(b, seq)
}

// slotKey is the 8 hex digit FNV-1a digest of composite for a probe.
func slotKey(composite []byte, probe int) string {
	h := fnv.New32a()
	h.Write(composite)
	if probe > 0 {
		h.Write([]byte{byte(probe)})
	}
	return fmt.Sprintf("%08x", h.Sum32())
}

func packetEntry(composite []byte) []byte {
	return append([]byte{packetTag}, composite...)
}

func isPacketEntry(v, composite []byte) bool {
	return len(v) == packetEntryN && v[0] == packetTag && bytes.Equal(v[1:], composite)
}

// isLegacyEntry reports a single byte presence flag or counter. Legacy
// entries were never probed and carry no composite, so they only match at
// the first slot.
func isLegacyEntry(v []byte, probe int) bool {
	return probe == 0 && len(v) == 1
}

// counterState is the persisted progress of one sequence.
type counterState struct {
	Received uint16
	Total    uint16
}

func sequenceEntry(st counterState, composite []byte) []byte {
	b := make([]byte, 0, seqEntryN)
	b = binary.LittleEndian.AppendUint16(b, st.Received)
	b = binary.LittleEndian.AppendUint16(b, st.Total)
	return append(b, composite...)
}

func isSequenceEntry(v, composite []byte) bool {
	return len(v) == seqEntryN && (composite == nil || bytes.Equal(v[4:], composite))
}

// decodeSequenceEntry reads a matched counter slot: the current layout or
// the legacy single byte counter, which has no total.
func decodeSequenceEntry(v []byte) counterState {
	if len(v) == 1 {
		return counterState{Received: uint16(v[0])}
	}
	return counterState{
		Received: binary.LittleEndian.Uint16(v[0:2]),
		Total:    binary.LittleEndian.Uint16(v[2:4]),
	}
}
