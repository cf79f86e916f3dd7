// Package wire defines the radio records exchanged between sensors and the
// receiver and the two framings used to carry them.
//
// All multi-byte fields are packed little-endian with no padding.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned for datagrams that do not decode to a known record.
	ErrMalformed = errors.New("malformed record")
	// ErrUnsupported is returned when a record cannot be expressed in a framing.
	ErrUnsupported = errors.New("record not supported by framing")
)

// UploadMagic marks an upload request.
const UploadMagic uint32 = 0xB0A7CAFE

// Record sizes in bytes.
const (
	BroadcastSize     = 4
	TimeSyncSize      = 8
	UploadRequestSize = 4
	DataHeaderSize    = 9
	DataPacketSize    = DataHeaderSize + PayloadSize
	RotateSize        = 2
)

// Kind identifies a record type. The numeric values double as field numbers
// in the tagged framing and must not be reused.
type Kind uint8

const (
	KindDiscovery     Kind = 1
	KindTimeSync      Kind = 2
	KindUploadRequest Kind = 3
	KindData          Kind = 4
	KindRotate        Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindDiscovery:
		return "discovery"
	case KindTimeSync:
		return "time_sync"
	case KindUploadRequest:
		return "upload_request"
	case KindData:
		return "data"
	case KindRotate:
		return "rotate"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// bodySize returns the fixed encoded size of a record of kind k.
func (k Kind) bodySize() (int, bool) {
	switch k {
	case KindDiscovery:
		return BroadcastSize, true
	case KindTimeSync:
		return TimeSyncSize, true
	case KindUploadRequest:
		return UploadRequestSize, true
	case KindData:
		return DataPacketSize, true
	case KindRotate:
		return RotateSize, true
	}
	return 0, false
}

// Record is implemented by every wire record.
type Record interface {
	Kind() Kind
	// AppendBinary appends the packed little-endian body to b.
	AppendBinary(b []byte) []byte
}

// BroadcastType distinguishes discovery announcements.
type BroadcastType uint32

const (
	NewSensor BroadcastType = 0
	Receiver  BroadcastType = 1
)

func (t BroadcastType) String() string {
	switch t {
	case NewSensor:
		return "new_sensor"
	case Receiver:
		return "receiver"
	default:
		return fmt.Sprintf("broadcast(%d)", uint32(t))
	}
}

// Broadcast is a discovery announcement.
type Broadcast struct {
	Type BroadcastType
}

func (Broadcast) Kind() Kind { return KindDiscovery }

func (r Broadcast) AppendBinary(b []byte) []byte {
	return binary.LittleEndian.AppendUint32(b, uint32(r.Type))
}

// TimeSync carries the receiver's wall clock in Unix seconds.
type TimeSync struct {
	Timestamp uint64
}

func (TimeSync) Kind() Kind { return KindTimeSync }

func (r TimeSync) AppendBinary(b []byte) []byte {
	return binary.LittleEndian.AppendUint64(b, r.Timestamp)
}

// UploadRequest asks every listening sensor to flush its log.
type UploadRequest struct {
	Magic uint32
}

// NewUploadRequest returns an upload request carrying UploadMagic.
func NewUploadRequest() UploadRequest { return UploadRequest{Magic: UploadMagic} }

func (UploadRequest) Kind() Kind { return KindUploadRequest }

func (r UploadRequest) AppendBinary(b []byte) []byte {
	return binary.LittleEndian.AppendUint32(b, r.Magic)
}

// DataPacket is one chunk of a sequence.
type DataPacket struct {
	SequenceID uint16
	PacketNum  uint8
	Total      uint16
	Timestamp  uint32
	Payload    [PayloadSize]byte
}

func (DataPacket) Kind() Kind { return KindData }

func (r DataPacket) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, r.SequenceID)
	b = append(b, r.PacketNum)
	b = binary.LittleEndian.AppendUint16(b, r.Total)
	b = binary.LittleEndian.AppendUint32(b, r.Timestamp)
	return append(b, r.Payload[:]...)
}

// Bytes returns the packed record, the same bytes stored as a blob.
func (r DataPacket) Bytes() []byte {
	return r.AppendBinary(make([]byte, 0, DataPacketSize))
}

// Rotate tells the receiver a sensor has cleared its log and will reuse
// SequenceID for new data.
type Rotate struct {
	SequenceID uint16
}

func (Rotate) Kind() Kind { return KindRotate }

func (r Rotate) AppendBinary(b []byte) []byte {
	return binary.LittleEndian.AppendUint16(b, r.SequenceID)
}

// DecodeDataPacket parses a packed data_packet_t.
func DecodeDataPacket(b []byte) (DataPacket, error) {
	var p DataPacket
	if len(b) != DataPacketSize {
		return p, fmt.Errorf("%w: data packet is %d bytes, want %d", ErrMalformed, len(b), DataPacketSize)
	}
	p.SequenceID = binary.LittleEndian.Uint16(b[0:2])
	p.PacketNum = b[2]
	p.Total = binary.LittleEndian.Uint16(b[3:5])
	p.Timestamp = binary.LittleEndian.Uint32(b[5:9])
	copy(p.Payload[:], b[DataHeaderSize:])
	return p, nil
}

// decodeBody decodes a record body whose kind is already known.
func decodeBody(k Kind, body []byte) (Record, error) {
	size, ok := k.bodySize()
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, uint8(k))
	}
	if len(body) != size {
		return nil, fmt.Errorf("%w: %s body is %d bytes, want %d", ErrMalformed, k, len(body), size)
	}
	switch k {
	case KindDiscovery:
		return Broadcast{Type: BroadcastType(binary.LittleEndian.Uint32(body))}, nil
	case KindTimeSync:
		return TimeSync{Timestamp: binary.LittleEndian.Uint64(body)}, nil
	case KindUploadRequest:
		return UploadRequest{Magic: binary.LittleEndian.Uint32(body)}, nil
	case KindData:
		p, err := DecodeDataPacket(body)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return Rotate{SequenceID: binary.LittleEndian.Uint16(body)}, nil
	}
}
