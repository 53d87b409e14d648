package program

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"slices"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/sqlfwd/internal/value"
)

// DomainProgram is the hash domain for program fingerprints.
// The version suffix allows the canonical form to change later.
const DomainProgram = "sqlfwd/program/v1"

// Fingerprint returns a stable content hash of p, used to correlate log
// lines and CLI output for the same program. Two programs with the same
// steps, guards, statements, and bindings share a fingerprint.
func Fingerprint(p Program) (string, error) {
	canonical, err := MarshalCanonical(p)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(DomainProgram))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MarshalCanonical renders p as canonical JSON: object keys sorted by
// UTF-16 code units, no insignificant whitespace, no HTML escaping, and
// NFC-normalized strings. Reals are encoded by bit pattern so the output
// never depends on float formatting.
func MarshalCanonical(p Program) ([]byte, error) {
	steps := make([]any, len(p.Steps))
	for i, s := range p.Steps {
		obj, err := canonicalStep(s)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps[i] = obj
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, map[string]any{"steps": steps}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalStep(s Step) (map[string]any, error) {
	q, err := canonicalQuery(s.Query)
	if err != nil {
		return nil, err
	}
	obj := map[string]any{"query": q}
	if s.Cond != nil {
		c, err := canonicalCond(s.Cond)
		if err != nil {
			return nil, err
		}
		obj["cond"] = c
	}
	return obj, nil
}

func canonicalQuery(q Query) (map[string]any, error) {
	obj := map[string]any{
		"stmt":      q.Stmt,
		"skip_rows": q.SkipRows,
	}

	switch p := q.Params.(type) {
	case nil:
	case Positional:
		vals, err := canonicalValues(p.Values)
		if err != nil {
			return nil, err
		}
		obj["params"] = map[string]any{"positional": vals}
	case Named:
		if len(p.Names) != len(p.Values) {
			return nil, fmt.Errorf("%d names for %d values", len(p.Names), len(p.Values))
		}
		pairs := make([]any, len(p.Names))
		for i, name := range p.Names {
			v, err := canonicalValue(p.Values[i])
			if err != nil {
				return nil, err
			}
			pairs[i] = map[string]any{"name": name, "value": v}
		}
		obj["params"] = map[string]any{"named": pairs}
	default:
		return nil, fmt.Errorf("unsupported params type %T", q.Params)
	}
	return obj, nil
}

func canonicalValues(vals []value.Value) ([]any, error) {
	out := make([]any, len(vals))
	for i, v := range vals {
		c, err := canonicalValue(v)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out[i] = c
	}
	return out, nil
}

func canonicalValue(v value.Value) (any, error) {
	switch val := v.(type) {
	case value.Null, nil:
		return nil, nil
	case value.Integer:
		return int64(val), nil
	case value.Real:
		return map[string]any{"real": fmt.Sprintf("%016x", math.Float64bits(float64(val)))}, nil
	case value.Text:
		return string(val), nil
	case value.Blob:
		return map[string]any{"blob": base64.StdEncoding.EncodeToString(val)}, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func canonicalCond(c Cond) (any, error) {
	switch cond := Unwrap(c).(type) {
	case Ok:
		return map[string]any{"ok": int64(cond.Step)}, nil
	case Err:
		return map[string]any{"err": int64(cond.Step)}, nil
	case Not:
		inner, err := canonicalCond(cond.Cond)
		if err != nil {
			return nil, err
		}
		return map[string]any{"not": inner}, nil
	case And:
		list, err := canonicalConds(cond.Conds)
		if err != nil {
			return nil, err
		}
		return map[string]any{"and": list}, nil
	case Or:
		list, err := canonicalConds(cond.Conds)
		if err != nil {
			return nil, err
		}
		return map[string]any{"or": list}, nil
	case IsAutocommit:
		return map[string]any{"is_autocommit": true}, nil
	default:
		return nil, fmt.Errorf("unsupported condition type %T", c)
	}
}

func canonicalConds(conds []Cond) ([]any, error) {
	out := make([]any, len(conds))
	for i, c := range conds {
		v, err := canonicalCond(c)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case string:
		writeCanonicalString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		slices.SortFunc(keys, compareUTF16)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonicalString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported canonical type %T", v)
	}
	return nil
}

// writeCanonicalString escapes only the quote, the backslash, and control
// characters, which is what RFC 8785 requires.
func writeCanonicalString(buf *bytes.Buffer, s string) {
	const hexDigits = "0123456789abcdef"

	buf.WriteByte('"')
	for _, r := range norm.NFC.String(s) {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xf])
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}

// compareUTF16 orders strings by UTF-16 code units, which differs from Go's
// byte-wise ordering for characters outside the Basic Multilingual Plane.
func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}
