// Package canonical implements the deterministic byte encoding used to
// derive content-addressed unit, ball, and address identifiers.
//
// The encoding rules are recursive: booleans map to "true"/"false",
// integers and finite floats map to their shortest decimal form,
// strings map to themselves, arrays serialize as elements joined by a
// single 0x00 byte, and maps serialize as sorted (key, value) pairs
// joined by 0x00. A fixed recursion-depth cap prevents a pathological
// nested value from exhausting the goroutine stack.
package canonical

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// DefaultMaxDepth bounds recursion for canonical_bytes and the derived
// header/payload size calculations (spec §4.1, §4.5 step 1).
const DefaultMaxDepth = 1024

// ErrInvalidValue is returned for non-finite floats, nil values,
// "undefined" markers, and unsupported types. Values that recurse past
// the depth cap yield a *DepthExceededError instead.
var ErrInvalidValue = errors.New("canonical: invalid value")

// DepthExceededError is a structured error surfaced instead of letting
// a pathological payload exhaust the stack.
type DepthExceededError struct {
	MaxDepth int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("canonical: recursion depth exceeded max %d", e.MaxDepth)
}

// KeyMode selects whether map/object keys are emitted in the canonical
// byte stream. Versions < 4 omit keys for headers accounting; version 4+
// uses WithKeys for everything (spec §4.1).
type KeyMode int

const (
	WithoutKeys KeyMode = iota
	WithKeys
)

// Undefined is a sentinel marking the JS-style "undefined" value, which
// is always invalid in canonical form.
type Undefined struct{}

// Encoder produces canonical byte strings with a bounded recursion
// depth and a chosen key-emission mode.
type Encoder struct {
	MaxDepth int
	Keys     KeyMode
}

// NewEncoder builds an Encoder with the default depth cap.
func NewEncoder(keys KeyMode) *Encoder {
	return &Encoder{MaxDepth: DefaultMaxDepth, Keys: keys}
}

// Bytes returns the canonical byte encoding of value, or a structured
// error if value is invalid or too deeply nested.
func (e *Encoder) Bytes(value any) ([]byte, error) {
	maxDepth := e.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	var buf []byte
	buf, err := e.encode(buf, value, 0, maxDepth)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (e *Encoder) encode(buf []byte, value any, depth, maxDepth int) ([]byte, error) {
	if depth > maxDepth {
		return nil, &DepthExceededError{MaxDepth: maxDepth}
	}
	switch v := value.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil value has no canonical form", ErrInvalidValue)
	case Undefined:
		return nil, fmt.Errorf("%w: undefined", ErrInvalidValue)
	case bool:
		if v {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case string:
		return append(buf, v...), nil
	case int:
		return strconv.AppendInt(buf, int64(v), 10), nil
	case int64:
		return strconv.AppendInt(buf, v, 10), nil
	case uint64:
		return strconv.AppendUint(buf, v, 10), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite float", ErrInvalidValue)
		}
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.AppendInt(buf, int64(v), 10), nil
		}
		return strconv.AppendFloat(buf, v, 'g', -1, 64), nil
	case []byte:
		return append(buf, v...), nil
	case []any:
		for i, elem := range v {
			if i > 0 {
				buf = append(buf, 0x00)
			}
			var err error
			buf, err = e.encode(buf, elem, depth+1, maxDepth)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, 0x00)
			}
			if e.Keys == WithKeys {
				buf = append(buf, k...)
				buf = append(buf, 0x00)
			}
			var err error
			buf, err = e.encode(buf, v[k], depth+1, maxDepth)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, value)
	}
}

// Bytes encodes value with the default (no-keys) encoder, matching
// canonical_bytes for versions < 4.
func Bytes(value any) ([]byte, error) {
	return NewEncoder(WithoutKeys).Bytes(value)
}

// BytesWithKeys encodes value with keys included, required for version
// 4+ header/payload commission accounting.
func BytesWithKeys(value any) ([]byte, error) {
	return NewEncoder(WithKeys).Bytes(value)
}
