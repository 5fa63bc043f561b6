package domain

import "reflect"

// Kind identifies which alternative of Value is populated. Typed
// accessors (GetString/GetBool/GetNumber/GetJSON) match on Kind and
// fall back to the caller-supplied default on mismatch, per spec §4.4.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindNumber
	KindJSON
)

// Value is the sum type a flag variation resolves to. Exactly one
// field is meaningful for a given Kind; JSONValue covers both objects
// and arrays since the wire format never tells them apart up front.
type Value struct {
	Kind      Kind
	String    string
	Bool      bool
	Number    float64
	JSONValue any
}

// StringValue, BoolValue, NumberValue and JSONValueOf are convenience
// constructors used when building a Value from a raw decoded JSON
// field (see fetcher's normalization step).
func StringValue(s string) Value { return Value{Kind: KindString, String: s} }
func BoolValue(b bool) Value     { return Value{Kind: KindBool, Bool: b} }
func NumberValue(n float64) Value { return Value{Kind: KindNumber, Number: n} }
func JSONValueOf(v any) Value    { return Value{Kind: KindJSON, JSONValue: v} }

// ValueFromAny infers a Value's Kind from a decoded interface{}, the
// shape produced by encoding/json.Unmarshal into an any.
func ValueFromAny(v any) Value {
	switch t := v.(type) {
	case string:
		return StringValue(t)
	case bool:
		return BoolValue(t)
	case float64:
		return NumberValue(t)
	case int:
		return NumberValue(float64(t))
	default:
		return JSONValueOf(v)
	}
}

// Equal reports whether two Values represent the same variation,
// used for change detection in the evaluator (spec §4.4).
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.String == other.String
	case KindBool:
		return v.Bool == other.Bool
	case KindNumber:
		return v.Number == other.Number
	default:
		// Values only ever originate from encoding/json.Unmarshal into
		// any, so they're built from comparable primitives, maps, and
		// slices — reflect.DeepEqual is exact for that shape.
		return reflect.DeepEqual(v.JSONValue, other.JSONValue)
	}
}
