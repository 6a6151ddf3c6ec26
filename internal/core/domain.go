package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type (
	// Record is one opaque entry of a remote ledger stream. Fields are
	// addressed by dotted paths, e.g. "details.type".
	Record map[string]any

	// Page is one slice of a task's record stream.
	Page struct {
		Records    []Record
		NextCursor string // empty when the stream is exhausted
	}
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrMissingField  = errors.New("missing field")
)

// Lookup resolves a dotted path through nested maps.
func (r Record) Lookup(path string) (any, bool) {
	if r == nil || path == "" {
		return nil, false
	}
	var cur any = map[string]any(r)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

// String returns the trimmed string form of the value at path, or "" when
// the value is absent or not a scalar.
func (r Record) String(path string) string {
	v, ok := r.Lookup(path)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	case bool, int, int32, int64, float32, float64:
		return fmt.Sprint(t)
	default:
		return ""
	}
}

// Amount parses the value at path as a signed decimal amount.
func (r Record) Amount(path string) (decimal.Decimal, error) {
	v, ok := r.Lookup(path)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrMissingField, path)
	}
	return AmountFrom(v)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Record:
		return m, true
	default:
		return nil, false
	}
}
