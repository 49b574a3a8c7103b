// Package jsonvalue holds arbitrary JSON as a recursive tagged value.
//
// Tool inputs arrive as free-form objects whose shape is decided by the
// agent, so they are kept dynamic. Every accessor is total: asking a value
// for the wrong kind returns the zero value and false, never panics.
package jsonvalue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/tidwall/gjson"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// ErrNotObject is returned by ParseObject when the text is valid JSON whose
// top level is not an object.
var ErrNotObject = errors.New("jsonvalue: not an object")

// Value is one JSON value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	str  string // string payload, or the literal text of a number
	arr  []Value
	obj  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps b.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps f. Non-finite numbers have no JSON form and become null.
func Number(f float64) Value {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !json.Valid([]byte(s)) {
		return Null()
	}
	return Value{kind: KindNumber, str: s}
}

// String wraps s.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Array wraps items.
func Array(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindArray, arr: items}
}

// Object wraps fields. A nil map yields an empty object.
func Object(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: KindObject, obj: fields}
}

// EmptyObject is the fallback input for tool calls whose arguments could not
// be parsed.
func EmptyObject() Value { return Object(nil) }

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// AsFloat returns the numeric payload as a float64.
func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.str, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// AsString returns the string payload.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// AsArray returns the array elements. The slice is shared; do not mutate.
func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}

// AsObject returns the object fields. The map is shared; do not mutate.
func (v Value) AsObject() (map[string]Value, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	return v.obj, true
}

// Get looks up key on an object value.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	f, ok := v.obj[key]
	return f, ok
}

// Index returns element i of an array value.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindArray || i < 0 || i >= len(v.arr) {
		return Value{}, false
	}
	return v.arr[i], true
}

// Len is the number of elements of an array, fields of an object, or zero.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.obj)
	default:
		return 0
	}
}

// Keys returns the object's field names in sorted order.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports deep equality. Numbers compare by value.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		a, _ := v.AsFloat()
		b, _ := o.AsFloat()
		return a == b
	case KindString:
		return v.str == o.str
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, a := range v.obj {
			b, ok := o.obj[k]
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	}
	return false
}

// FromResult converts a gjson result into a Value. Missing results are null.
func FromResult(r gjson.Result) Value {
	switch r.Type {
	case gjson.True:
		return Bool(true)
	case gjson.False:
		return Bool(false)
	case gjson.Number:
		return Value{kind: KindNumber, str: r.Raw}
	case gjson.String:
		return String(r.Str)
	case gjson.JSON:
		if r.IsArray() {
			items := []Value{}
			r.ForEach(func(_, item gjson.Result) bool {
				items = append(items, FromResult(item))
				return true
			})
			return Array(items...)
		}
		fields := map[string]Value{}
		r.ForEach(func(key, item gjson.Result) bool {
			fields[key.String()] = FromResult(item)
			return true
		})
		return Object(fields)
	default:
		return Null()
	}
}

// Parse decodes text into a Value.
func Parse(text string) (Value, error) {
	if !gjson.Valid(text) {
		return Value{}, fmt.Errorf("jsonvalue: invalid JSON")
	}
	return FromResult(gjson.Parse(text)), nil
}

// ParseObject decodes text and requires the top level to be an object.
func ParseObject(text string) (Value, error) {
	v, err := Parse(text)
	if err != nil {
		return Value{}, err
	}
	if v.kind != KindObject {
		return Value{}, fmt.Errorf("%w: got %s", ErrNotObject, v.kind)
	}
	return v, nil
}

// MarshalJSON implements json.Marshaler. Object keys are written sorted.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		buf.WriteString(v.str)
	case KindString:
		b, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, k := range v.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := v.obj[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("jsonvalue: unknown kind %d", v.kind)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// String returns the compact JSON text of v.
func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return "null"
	}
	return string(b)
}
