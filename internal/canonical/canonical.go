// Package canonical implements the kernel's deterministic byte encoding of
// structured payloads: sorted keys, NFKC-normalized strings, no whitespace,
// UTC ISO-8601 timestamps, lowercase UUIDs and hex bytes. It is the building
// block every content_hash in this module is computed over, grounded in the
// same "canonicalize, then SHA-256" shape as the retrieved ConstitutionalKernel
// (computeDecisionHash) and the teacher's ledger hashData.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/ocx/kernel/internal/kernelerrors"
)

// Value is anything accepted as a field in a canonicalizable map: string,
// int64, float64, bool, nil, []byte, time.Time, []Value, map[string]Value.
// Go has no sum type, so this is documentation, not an enforced constraint;
// Marshal type-switches at runtime and rejects anything else.
type Value = interface{}

// Marshal produces the unique canonical byte encoding of m.
func Marshal(m map[string]Value) ([]byte, error) {
	var b strings.Builder
	if err := writeMap(&b, m); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// Hash canonicalizes m and returns the lowercase hex SHA-256 digest.
func Hash(m map[string]Value) (string, error) {
	bs, err := Marshal(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(bs)
	return hex.EncodeToString(sum[:]), nil
}

func writeMap(b *strings.Builder, m map[string]Value) error {
	// Re-key by normalized form so lookups below are consistent with sort
	// order. Two distinct input keys that normalize to the same form would
	// otherwise silently collide and drop a value before hashing — fail
	// loud instead of hashing a payload that's quietly missing a field.
	normalized := make(map[string]Value, len(m))
	for k, v := range m {
		nk := normalizeString(k)
		if _, collided := normalized[nk]; collided {
			return kernelerrors.Conflict(fmt.Sprintf("key %q collides with another key after NFKC normalization", k))
		}
		normalized[nk] = v
	}

	keys := make([]string, 0, len(normalized))
	for k := range normalized {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeString(b, k)
		b.WriteByte(':')
		if err := writeValue(b, normalized[k], k); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func writeValue(b *strings.Builder, v Value, field string) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeString(b, normalizeString(t))
	case int:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return kernelerrors.NonFiniteFloat(field)
		}
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case []byte:
		writeString(b, hex.EncodeToString(t))
	case time.Time:
		writeString(b, t.UTC().Format("2006-01-02T15:04:05Z"))
	case []Value:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeValue(b, e, fmt.Sprintf("%s[%d]", field, i)); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case []string:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeString(b, normalizeString(e))
		}
		b.WriteByte(']')
	case map[string]Value:
		if err := writeMap(b, t); err != nil {
			return err
		}
	default:
		return kernelerrors.Validation(fmt.Sprintf("field %q: unsupported canonical type %T", field, v))
	}
	return nil
}

// writeString emits s as a double-quoted, JSON-escaped string. Canonical
// form never contains insignificant whitespace, so the escaping only needs
// to handle the quote and backslash and control characters.
func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

func normalizeString(s string) string {
	return norm.NFKC.String(s)
}

// UUIDCanonical lowercases a UUID string; canonical form is always lowercase.
func UUIDCanonical(id string) string {
	return strings.ToLower(id)
}
