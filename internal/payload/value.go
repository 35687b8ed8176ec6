// Package payload implements the structured value carried inside protocol
// messages: a JSON tree with typed accessors for object members.
//
// Numbers are kept as json.Number until read so that 64-bit request ids and
// session ids survive a decode/encode cycle without float rounding.
package payload

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

// Kind identifies the JSON type held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindObject
	KindArray
	KindString
	KindNumber
	KindBool
)

var kindStrings = map[Kind]string{
	KindNull:   "null",
	KindObject: "object",
	KindArray:  "array",
	KindString: "string",
	KindNumber: "number",
	KindBool:   "bool",
}

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return "null"
}

// Value is a node of a JSON tree. Object and array values share their
// underlying storage when copied, so Set on a copy is visible through the
// original.
type Value struct {
	raw any
}

// NewObject returns an empty object value.
func NewObject() Value {
	return Value{raw: map[string]any{}}
}

// NewArray returns an array value holding the given elements.
func NewArray(elems ...any) Value {
	arr := make([]any, 0, len(elems))
	for _, e := range elems {
		arr = append(arr, unwrap(e))
	}
	return Value{raw: arr}
}

// Of wraps an arbitrary Go value (maps, slices, strings, numbers, bools).
func Of(v any) Value {
	return Value{raw: unwrap(v)}
}

// Parse decodes a JSON document.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Value{}, fmt.Errorf("failed to parse payload json: %w", err)
	}
	return Value{raw: raw}, nil
}

// Marshal serializes the value to compact JSON.
func (v Value) Marshal() ([]byte, error) {
	data, err := json.Marshal(v.raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload json: %w", err)
	}
	return data, nil
}

// MustMarshal is Marshal for values built in code, where failure is a bug.
func (v Value) MustMarshal() []byte {
	data, err := v.Marshal()
	if err != nil {
		panic(err)
	}
	return data
}

// MarshalJSON lets a Value be embedded in other JSON documents.
func (v Value) MarshalJSON() ([]byte, error) {
	return v.Marshal()
}

// Kind reports the JSON type of the value.
func (v Value) Kind() Kind {
	switch v.raw.(type) {
	case map[string]any:
		return KindObject
	case []any:
		return KindArray
	case string:
		return KindString
	case json.Number, float64, int64, int, uint32, uint64:
		return KindNumber
	case bool:
		return KindBool
	default:
		return KindNull
	}
}

// IsObject reports whether the value is a JSON object.
func (v Value) IsObject() bool { return v.Kind() == KindObject }

// IsArray reports whether the value is a JSON array.
func (v Value) IsArray() bool { return v.Kind() == KindArray }

// IsNull reports whether the value is empty or JSON null.
func (v Value) IsNull() bool { return v.Kind() == KindNull }

// Raw returns the underlying Go representation.
func (v Value) Raw() any { return v.raw }

// Has reports whether an object value carries key.
func (v Value) Has(key string) bool {
	m, ok := v.raw.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m[key]
	return ok
}

// Get returns the member stored under key.
func (v Value) Get(key string) (Value, bool) {
	m, ok := v.raw.(map[string]any)
	if !ok {
		return Value{}, false
	}
	child, ok := m[key]
	if !ok {
		return Value{}, false
	}
	return Value{raw: child}, true
}

// Set stores x under key. It returns false when v is not an object.
func (v Value) Set(key string, x any) bool {
	m, ok := v.raw.(map[string]any)
	if !ok {
		return false
	}
	m[key] = unwrap(x)
	return true
}

// Delete removes key from an object value.
func (v Value) Delete(key string) {
	if m, ok := v.raw.(map[string]any); ok {
		delete(m, key)
	}
}

// Keys returns the member names of an object value in no particular order.
func (v Value) Keys() []string {
	m, ok := v.raw.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of members or elements.
func (v Value) Len() int {
	switch t := v.raw.(type) {
	case map[string]any:
		return len(t)
	case []any:
		return len(t)
	default:
		return 0
	}
}

// Index returns the i-th element of an array value.
func (v Value) Index(i int) (Value, bool) {
	arr, ok := v.raw.([]any)
	if !ok || i < 0 || i >= len(arr) {
		return Value{}, false
	}
	return Value{raw: arr[i]}, true
}

// Append adds elements to an array value and returns the grown array.
func (v Value) Append(elems ...any) Value {
	arr, _ := v.raw.([]any)
	for _, e := range elems {
		arr = append(arr, unwrap(e))
	}
	return Value{raw: arr}
}

// Int64 reads an integer member. Integral floats are accepted.
func (v Value) Int64(key string) (int64, bool) {
	child, ok := v.Get(key)
	if !ok {
		return 0, false
	}
	return child.AsInt64()
}

// Uint32 reads an integer member that must fit in 32 unsigned bits.
func (v Value) Uint32(key string) (uint32, bool) {
	n, ok := v.Int64(key)
	if !ok || n < 0 || n > math.MaxUint32 {
		return 0, false
	}
	return uint32(n), true
}

// Float reads a numeric member.
func (v Value) Float(key string) (float64, bool) {
	child, ok := v.Get(key)
	if !ok {
		return 0, false
	}
	return child.AsFloat()
}

// Bool reads a boolean member. Numbers are accepted, non-zero meaning true.
func (v Value) Bool(key string) (bool, bool) {
	child, ok := v.Get(key)
	if !ok {
		return false, false
	}
	return child.AsBool()
}

// Str reads a string member.
func (v Value) Str(key string) (string, bool) {
	child, ok := v.Get(key)
	if !ok {
		return "", false
	}
	s, ok := child.raw.(string)
	return s, ok
}

// Object reads a nested object member.
func (v Value) Object(key string) (Value, bool) {
	child, ok := v.Get(key)
	if !ok || !child.IsObject() {
		return Value{}, false
	}
	return child, true
}

// Array reads a nested array member.
func (v Value) Array(key string) (Value, bool) {
	child, ok := v.Get(key)
	if !ok || !child.IsArray() {
		return Value{}, false
	}
	return child, true
}

// AsInt64 converts a number value to int64.
func (v Value) AsInt64() (int64, bool) {
	switch t := v.raw.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		f, err := t.Float64()
		if err != nil || f != math.Trunc(f) {
			return 0, false
		}
		return int64(f), true
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	default:
		return 0, false
	}
}

// AsFloat converts a number value to float64.
func (v Value) AsFloat() (float64, bool) {
	switch t := v.raw.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	default:
		n, ok := v.AsInt64()
		return float64(n), ok
	}
}

// AsBool converts a bool (or number) value to bool.
func (v Value) AsBool() (bool, bool) {
	if b, ok := v.raw.(bool); ok {
		return b, true
	}
	if n, ok := v.AsInt64(); ok {
		return n != 0, true
	}
	return false, false
}

// AsString returns the string held by a string value.
func (v Value) AsString() (string, bool) {
	s, ok := v.raw.(string)
	return s, ok
}

// String renders the value as compact JSON for logging.
func (v Value) String() string {
	data, err := v.Marshal()
	if err != nil {
		return "<invalid>"
	}
	return string(data)
}

// Equal compares two values by their serialized form.
func (v Value) Equal(other Value) bool {
	a, errA := v.Marshal()
	b, errB := other.Marshal()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// unwrap converts Values and narrow integer types into the tree's storage
// representation.
func unwrap(x any) any {
	switch t := x.(type) {
	case Value:
		return t.raw
	case []Value:
		arr := make([]any, 0, len(t))
		for _, e := range t {
			arr = append(arr, e.raw)
		}
		return arr
	case []string:
		arr := make([]any, 0, len(t))
		for _, s := range t {
			arr = append(arr, s)
		}
		return arr
	case int:
		return json.Number(strconv.FormatInt(int64(t), 10))
	case int32:
		return json.Number(strconv.FormatInt(int64(t), 10))
	case int64:
		return json.Number(strconv.FormatInt(t, 10))
	case uint:
		return json.Number(strconv.FormatUint(uint64(t), 10))
	case uint16:
		return json.Number(strconv.FormatUint(uint64(t), 10))
	case uint32:
		return json.Number(strconv.FormatUint(uint64(t), 10))
	case uint64:
		return json.Number(strconv.FormatUint(t, 10))
	default:
		return x
	}
}
