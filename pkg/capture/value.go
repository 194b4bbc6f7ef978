package capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind int

// Value kinds.
const (
	KindNil        Kind = iota // undefined or null
	KindBool                   // boolean
	KindNumber                 // number
	KindString                 // string
	KindFunction               // function, kept as its description
	KindArray                  // ordered elements
	KindObject                 // ordered fields
	KindUnresolved             // depth budget exhausted
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindFunction:
		return "function"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindUnresolved:
		return "unresolved"
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// unresolvedText is how a placeholder renders in JSON and text output.
const unresolvedText = "<max depth exceeded>"

// Value is a fully local copy of a remote value. The zero Value is nil.
type Value struct {
	kind   Kind
	b      bool
	num    float64
	str    string
	elems  []Value
	fields []Field
}

// Field is one key of an object value.
type Field struct {
	Key   string
	Value Value
}

// UnresolvedMarker is what Interface returns for a placeholder.
type UnresolvedMarker struct{}

// String returns the placeholder text.
func (UnresolvedMarker) String() string { return unresolvedText }

// Unresolved is the Interface form of a placeholder value.
var Unresolved = UnresolvedMarker{}

// NilValue returns the value of undefined and null.
func NilValue() Value { return Value{} }

// BoolValue returns a boolean value.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// NumberValue returns a number value. NaN and infinities are allowed.
func NumberValue(n float64) Value { return Value{kind: KindNumber, num: n} }

// StringValue returns a string value.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// FunctionValue returns a function value carrying its source description.
func FunctionValue(d string) Value { return Value{kind: KindFunction, str: d} }

// UnresolvedValue returns the placeholder left where the depth budget ran out.
func UnresolvedValue() Value { return Value{kind: KindUnresolved} }

// ArrayValue returns an array holding elems.
func ArrayValue(elems ...Value) Value {
	if len(elems) == 0 {
		elems = nil
	}
	return Value{kind: KindArray, elems: elems}
}

// ObjectValue returns an object with fields in the given order.
func ObjectValue(fields ...Field) Value {
	if len(fields) == 0 {
		fields = nil
	}
	return Value{kind: KindObject, fields: fields}
}

// Kind returns the variant of v.
func (v Value) Kind() Kind { return v.kind }

// IsNil reports whether v is undefined or null.
func (v Value) IsNil() bool { return v.kind == KindNil }

// IsUnresolved reports whether v is the depth placeholder.
func (v Value) IsUnresolved() bool { return v.kind == KindUnresolved }

// Bool returns the boolean of a boolean value, false otherwise.
func (v Value) Bool() bool { return v.b }

// Number returns the number of a number value, 0 otherwise.
func (v Value) Number() float64 { return v.num }

// Elems returns the elements of an array value.
func (v Value) Elems() []Value { return v.elems }

// Fields returns the fields of an object value in transport order.
func (v Value) Fields() []Field { return v.fields }

// Str returns the string of a string value or the description of a
// function value.
func (v Value) Str() string { return v.str }

// Len returns the element count of an array or the field count of an object.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.elems)
	case KindObject:
		return len(v.fields)
	}
	return 0
}

// Get looks up an object field. Duplicate keys resolve to the last one.
func (v Value) Get(key string) (Value, bool) {
	for i := len(v.fields) - 1; i >= 0; i-- {
		if v.fields[i].Key == key {
			return v.fields[i].Value, true
		}
	}
	return Value{}, false
}

// Index returns element i of an array.
func (v Value) Index(i int) (Value, bool) {
	if i < 0 || i >= len(v.elems) {
		return Value{}, false
	}
	return v.elems[i], true
}

// Interface converts v to plain Go values: nil, bool, float64, string,
// []interface{} and map[string]interface{}. Functions become their
// description and placeholders become Unresolved.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.num
	case KindString, KindFunction:
		return v.str
	case KindArray:
		out := make([]interface{}, len(v.elems))
		for i, e := range v.elems {
			out[i] = e.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.fields))
		for _, f := range v.fields {
			out[f.Key] = f.Value.Interface()
		}
		return out
	case KindUnresolved:
		return Unresolved
	}
	return nil
}

// MarshalJSON encodes objects with their keys in transport order. Its
// output is not HTML-escaped, but json.Marshal escapes it again; use an
// Encoder with SetEscapeHTML(false) to keep the bytes as they are.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNil:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		switch {
		case math.IsNaN(v.num):
			buf.WriteString(`"NaN"`)
		case math.IsInf(v.num, 1):
			buf.WriteString(`"Infinity"`)
		case math.IsInf(v.num, -1):
			buf.WriteString(`"-Infinity"`)
		default:
			buf.WriteString(strconv.FormatFloat(v.num, 'g', -1, 64))
		}
	case KindString, KindFunction:
		return writeString(buf, v.str)
	case KindUnresolved:
		return writeString(buf, unresolvedText)
	case KindArray:
		buf.WriteByte('[')
		for i, e := range v.elems {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, f := range v.fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, f.Key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := f.Value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("capture: cannot encode %s", v.kind)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// String returns the JSON encoding of v.
func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return "<" + v.kind.String() + ">"
	}
	return string(b)
}

// FromJSON builds a Value from the output of encoding/json decoding into
// interface{}. Map keys are sorted since Go maps carry no order.
func FromJSON(x interface{}) Value {
	switch t := x.(type) {
	case nil:
		return NilValue()
	case bool:
		return BoolValue(t)
	case float64:
		return NumberValue(t)
	case int:
		return NumberValue(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return StringValue(t.String())
		}
		return NumberValue(f)
	case string:
		return StringValue(t)
	case []interface{}:
		elems := make([]Value, len(t))
		for i, e := range t {
			elems[i] = FromJSON(e)
		}
		return ArrayValue(elems...)
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]Field, len(keys))
		for i, k := range keys {
			fields[i] = Field{Key: k, Value: FromJSON(t[k])}
		}
		return ObjectValue(fields...)
	case Value:
		return t
	}
	return StringValue(fmt.Sprint(x))
}
