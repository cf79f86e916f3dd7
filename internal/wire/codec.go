package wire

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Framing names accepted by NewCodec.
const (
	FormatTagged = "tagged"
	FormatLegacy = "legacy"
)

// Codec turns records into datagrams and back.
type Codec interface {
	Name() string
	Encode(Record) ([]byte, error)
	Decode([]byte) (Record, error)
}

// NewCodec returns the codec for a framing name. An empty name selects the
// tagged framing.
func NewCodec(format string) (Codec, error) {
	switch format {
	case "", FormatTagged:
		return Tagged{}, nil
	case FormatLegacy:
		return Legacy{}, nil
	default:
		return nil, fmt.Errorf("unknown wire format %q", format)
	}
}

// Legacy sends bare packed records and routes on datagram length. The
// broadcast and upload request records are both 4 bytes, so those are
// told apart by the upload magic.
type Legacy struct{}

func (Legacy) Name() string { return FormatLegacy }

func (Legacy) Encode(rec Record) ([]byte, error) {
	if rec.Kind() == KindRotate {
		return nil, fmt.Errorf("%w: %s in %s framing", ErrUnsupported, rec.Kind(), FormatLegacy)
	}
	return rec.AppendBinary(nil), nil
}

func (Legacy) Decode(b []byte) (Record, error) {
	switch len(b) {
	case BroadcastSize:
		if binary.LittleEndian.Uint32(b) == UploadMagic {
			return decodeBody(KindUploadRequest, b)
		}
		return decodeBody(KindDiscovery, b)
	case TimeSyncSize:
		return decodeBody(KindTimeSync, b)
	case DataPacketSize:
		return decodeBody(KindData, b)
	default:
		return nil, fmt.Errorf("%w: no record is %d bytes", ErrMalformed, len(b))
	}
}

// Tagged prefixes each record with a protobuf-style key and length so the
// kind is explicit and the body size is checked against it.
type Tagged struct{}

func (Tagged) Name() string { return FormatTagged }

func (Tagged) Encode(rec Record) ([]byte, error) {
	body := rec.AppendBinary(nil)
	out := protowire.AppendTag(nil, protowire.Number(rec.Kind()), protowire.BytesType)
	return protowire.AppendBytes(out, body), nil
}

func (Tagged) Decode(b []byte) (Record, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return nil, fmt.Errorf("%w: bad frame tag: %v", ErrMalformed, protowire.ParseError(n))
	}
	if typ != protowire.BytesType {
		return nil, fmt.Errorf("%w: frame wire type %d", ErrMalformed, typ)
	}
	if num <= 0 || num > 255 {
		return nil, fmt.Errorf("%w: frame kind %d out of range", ErrMalformed, num)
	}
	body, m := protowire.ConsumeBytes(b[n:])
	if m < 0 {
		return nil, fmt.Errorf("%w: bad frame length: %v", ErrMalformed, protowire.ParseError(m))
	}
	if rest := len(b) - n - m; rest != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after frame", ErrMalformed, rest)
	}
	return decodeBody(Kind(num), body)
}
