package capture

import (
	"math"
	"strconv"

	"github.com/go-rod/rod/lib/proto"
)

// Type is the value kind the transport reports for a remote value.
type Type int

// Remote value types. Null and Array are split out of the transport's
// "object" type by subtype.
const (
	TypeUndefined Type = iota // undefined
	TypeNumber                // number, including NaN and infinities
	TypeString                // string; bigint and symbol map here too
	TypeBoolean               // boolean
	TypeFunction              // function
	TypeNull                  // object with subtype null
	TypeObject                // any other object
	TypeArray                 // object with subtype array
)

func (t Type) String() string {
	switch t {
	case TypeUndefined:
		return "undefined"
	case TypeNumber:
		return "number"
	case TypeString:
		return "string"
	case TypeBoolean:
		return "boolean"
	case TypeFunction:
		return "function"
	case TypeNull:
		return "null"
	case TypeObject:
		return "object"
	case TypeArray:
		return "array"
	}
	return "Type(" + strconv.Itoa(int(t)) + ")"
}

// Composite reports whether values of this type live behind a Handle.
func (t Type) Composite() bool {
	return t == TypeObject || t == TypeArray
}

// Handle refers to a composite value inside the paused target. It does not
// own the value: it stops being valid once the target resumes or its object
// group is released.
type Handle struct {
	id proto.RuntimeRemoteObjectID
}

// Valid reports whether the handle names a remote object.
func (h Handle) Valid() bool {
	return h.id != ""
}

// String returns the remote object id.
func (h Handle) String() string {
	return string(h.id)
}

// Descriptor is one remote value as reported by the transport. Primitives
// and functions carry their literal; objects and arrays carry a Handle.
type Descriptor struct {
	Type      Type
	ClassName string
	literal   Value
	handle    Handle
}

// Literal returns the local form of a primitive or function descriptor.
func (d Descriptor) Literal() Value {
	return d.literal
}

// Handle returns the remote reference of an object or array descriptor.
func (d Descriptor) Handle() Handle {
	return d.handle
}

// DescriptorOf classifies a CDP RemoteObject.
func DescriptorOf(obj *proto.RuntimeRemoteObject) Descriptor {
	if obj == nil {
		return Descriptor{Type: TypeUndefined}
	}

	switch string(obj.Type) {
	case "undefined":
		return Descriptor{Type: TypeUndefined}
	case "string":
		return Descriptor{Type: TypeString, literal: StringValue(obj.Value.Str())}
	case "boolean":
		return Descriptor{Type: TypeBoolean, literal: BoolValue(obj.Value.Bool())}
	case "number":
		return Descriptor{Type: TypeNumber, literal: NumberValue(number(obj))}
	case "function":
		return Descriptor{Type: TypeFunction, ClassName: obj.ClassName, literal: FunctionValue(obj.Description)}
	case "bigint", "symbol":
		desc := obj.Description
		if desc == "" {
			desc = string(obj.UnserializableValue)
		}
		return Descriptor{Type: TypeString, literal: StringValue(desc)}
	case "array":
		return Descriptor{Type: TypeArray, ClassName: obj.ClassName, handle: Handle{id: obj.ObjectID}}
	case "object":
		switch string(obj.Subtype) {
		case "null":
			return Descriptor{Type: TypeNull}
		case "array":
			return Descriptor{Type: TypeArray, ClassName: obj.ClassName, handle: Handle{id: obj.ObjectID}}
		}
		return Descriptor{Type: TypeObject, ClassName: obj.ClassName, handle: Handle{id: obj.ObjectID}}
	}

	return Descriptor{Type: TypeString, literal: StringValue(obj.Description)}
}

func number(obj *proto.RuntimeRemoteObject) float64 {
	switch string(obj.UnserializableValue) {
	case "":
		return obj.Value.Num()
	case "NaN":
		return math.NaN()
	case "Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	case "-0":
		return math.Copysign(0, -1)
	}
	f, err := strconv.ParseFloat(string(obj.UnserializableValue), 64)
	if err != nil {
		return math.NaN()
	}
	return f
}
