package value

import (
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
)

// ToDriver converts v to a value the database/sql driver can bind.
func ToDriver(v Value) (driver.Value, error) {
	switch val := v.(type) {
	case Null, nil:
		return nil, nil
	case Integer:
		return int64(val), nil
	case Real:
		return float64(val), nil
	case Text:
		return string(val), nil
	case Blob:
		// A nil slice binds as NULL in go-sqlite3.
		if val == nil {
			return []byte{}, nil
		}
		return []byte(val), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// FromDriver converts a cell read in its SQLite storage class into a Value.
func FromDriver(src any) (Value, error) {
	switch val := src.(type) {
	case nil:
		return Null{}, nil
	case int64:
		return Integer(val), nil
	case int:
		return Integer(val), nil
	case float64:
		return Real(val), nil
	case string:
		return Text(val), nil
	case []byte:
		return Blob(append([]byte{}, val...)), nil
	default:
		return nil, fmt.Errorf("unsupported driver value type %T", src)
	}
}

// Native converts v into a plain Go value suitable for JSON output.
// Blobs become {"blob": "<base64>"} so they stay distinguishable from text.
func Native(v Value) any {
	switch val := v.(type) {
	case Null, nil:
		return nil
	case Integer:
		return int64(val)
	case Real:
		return float64(val)
	case Text:
		return string(val)
	case Blob:
		return map[string]any{"blob": base64.StdEncoding.EncodeToString(val)}
	default:
		return nil
	}
}

// FromNative converts a decoded YAML, JSON, or CUE scalar into a Value.
// It is the inverse of Native.
func FromNative(src any) (Value, error) {
	switch val := src.(type) {
	case nil:
		return Null{}, nil
	case bool:
		if val {
			return Integer(1), nil
		}
		return Integer(0), nil
	case int:
		return Integer(val), nil
	case int64:
		return Integer(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return Integer(int64(val)), nil
	case float64:
		return Real(val), nil
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return Integer(n), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", val, err)
		}
		return Real(f), nil
	case string:
		return Text(val), nil
	case []byte:
		return Blob(val), nil
	case map[string]any:
		raw, ok := val["blob"]
		if !ok || len(val) != 1 {
			return nil, fmt.Errorf("object values must have the form {blob: <base64>}")
		}
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("blob must be a base64 string, got %T", raw)
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode blob: %w", err)
		}
		return Blob(data), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", src)
	}
}
