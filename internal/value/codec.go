package value

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// Variant tags of the encoded form. The layout is a little-endian u32 tag
// followed by the payload, which keeps values byte-compatible with peers
// that use a bincode encoding of the same enum.
const (
	tagNull    uint32 = 0
	tagInteger uint32 = 1
	tagReal    uint32 = 2
	tagText    uint32 = 3
	tagBlob    uint32 = 4
)

// ErrMalformed is returned when encoded bytes cannot be decoded.
var ErrMalformed = errors.New("malformed value encoding")

// Encode serializes v. A nil Value encodes as Null.
func Encode(v Value) ([]byte, error) {
	switch val := v.(type) {
	case Null, nil:
		return binary.LittleEndian.AppendUint32(nil, tagNull), nil
	case Integer:
		buf := make([]byte, 0, 12)
		buf = binary.LittleEndian.AppendUint32(buf, tagInteger)
		return binary.LittleEndian.AppendUint64(buf, uint64(val)), nil
	case Real:
		buf := make([]byte, 0, 12)
		buf = binary.LittleEndian.AppendUint32(buf, tagReal)
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(float64(val))), nil
	case Text:
		return appendBytes(tagText, []byte(val)), nil
	case Blob:
		return appendBytes(tagBlob, val), nil
	default:
		return nil, fmt.Errorf("encode: unsupported value type %T", v)
	}
}

func appendBytes(tag uint32, data []byte) []byte {
	buf := make([]byte, 0, 12+len(data))
	buf = binary.LittleEndian.AppendUint32(buf, tag)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(data)))
	return append(buf, data...)
}

// Decode parses bytes produced by Encode. Trailing bytes are rejected.
func Decode(data []byte) (Value, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: missing variant tag", ErrMalformed)
	}
	tag := binary.LittleEndian.Uint32(data)
	rest := data[4:]

	switch tag {
	case tagNull:
		if len(rest) != 0 {
			return nil, fmt.Errorf("%w: %d trailing bytes after null", ErrMalformed, len(rest))
		}
		return Null{}, nil

	case tagInteger, tagReal:
		if len(rest) != 8 {
			return nil, fmt.Errorf("%w: want 8 payload bytes, got %d", ErrMalformed, len(rest))
		}
		bits := binary.LittleEndian.Uint64(rest)
		if tag == tagInteger {
			return Integer(int64(bits)), nil
		}
		return Real(math.Float64frombits(bits)), nil

	case tagText, tagBlob:
		if len(rest) < 8 {
			return nil, fmt.Errorf("%w: missing length prefix", ErrMalformed)
		}
		n := binary.LittleEndian.Uint64(rest)
		rest = rest[8:]
		if n != uint64(len(rest)) {
			return nil, fmt.Errorf("%w: length prefix %d, payload %d", ErrMalformed, n, len(rest))
		}
		if tag == tagText {
			if !utf8.Valid(rest) {
				return nil, fmt.Errorf("%w: text is not valid UTF-8", ErrMalformed)
			}
			return Text(rest), nil
		}
		// Copy so the result does not alias the caller's buffer.
		return Blob(append([]byte{}, rest...)), nil

	default:
		return nil, fmt.Errorf("%w: unknown variant tag %d", ErrMalformed, tag)
	}
}

// Equal reports whether a and b hold the same variant and payload.
// Reals compare by bit pattern so NaN equals itself.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	switch av := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case Integer:
		bv, ok := b.(Integer)
		return ok && av == bv
	case Real:
		bv, ok := b.(Real)
		return ok && math.Float64bits(float64(av)) == math.Float64bits(float64(bv))
	case Text:
		bv, ok := b.(Text)
		return ok && av == bv
	case Blob:
		bv, ok := b.(Blob)
		return ok && string(av) == string(bv)
	default:
		return false
	}
}
