package value

import (
	"fmt"
	"strconv"
)

// Value is a sealed interface representing a SQL scalar.
// Only Null, Integer, Real, Text, and Blob implement it.
type Value interface {
	sqlValue() // Sealed - only these types implement it
}

// Null is the SQL NULL value.
type Null struct{}

func (Null) sqlValue() {}

// Integer is a signed 64-bit SQL integer.
type Integer int64

func (Integer) sqlValue() {}

// Real is a 64-bit IEEE 754 floating point value.
// Encoding preserves the exact bit pattern, NaN payloads included.
type Real float64

func (Real) sqlValue() {}

// Text is a UTF-8 string.
type Text string

func (Text) sqlValue() {}

// Blob is an opaque byte string. A nil Blob and an empty Blob are equal.
type Blob []byte

func (Blob) sqlValue() {}

// Kind names the variant of v for diagnostics.
func Kind(v Value) string {
	switch v.(type) {
	case Null, nil:
		return "null"
	case Integer:
		return "integer"
	case Real:
		return "real"
	case Text:
		return "text"
	case Blob:
		return "blob"
	default:
		return fmt.Sprintf("unknown(%T)", v)
	}
}

// Format renders v for human-readable output.
func Format(v Value) string {
	switch val := v.(type) {
	case Null, nil:
		return "NULL"
	case Integer:
		return strconv.FormatInt(int64(val), 10)
	case Real:
		return strconv.FormatFloat(float64(val), 'g', -1, 64)
	case Text:
		return string(val)
	case Blob:
		return fmt.Sprintf("x'%x'", []byte(val))
	default:
		return fmt.Sprintf("%v", v)
	}
}
