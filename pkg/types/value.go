// Package types defines Themis's canonical entity model: the tagged value
// tree records are built from, and the Record/Edge/Snapshot identities the
// rest of the engine addresses (spec.md §3).
package types

import (
	"fmt"

	"github.com/themisdb/themis/pkg/errs"
)

// Kind tags the shape of a Value (spec.md §9, "dynamic/ad-hoc record
// payloads"). Canonical JSON is the interchange form; Kind lets typed
// accessors refuse silent cross-family coercion.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindI64
	KindF64
	KindString
	KindBytes
	KindArray
	KindObject
	KindVector // dense []float32, consumed by the HNSW index
	KindGeoPoint
)

// GeoPoint is a latitude/longitude pair, held in one KindGeoPoint value
// rather than in two sibling fields.
type GeoPoint struct {
	Lat float64
	Lon float64
}

// Value is Themis's tagged tree: null, bool, i64/f64, string, bytes, array,
// object, vector-of-f32, or geo-point. Exactly one of the typed fields is
// meaningful for a given Kind; accessors below enforce that.
type Value struct {
	Kind   Kind
	Bool   bool
	I64    int64
	F64    float64
	Str    string
	Bytes  []byte
	Array  []Value
	Object map[string]Value
	Vector []float32
	Geo    GeoPoint
}

func Null() Value                  { return Value{Kind: KindNull} }
func Bool(b bool) Value            { return Value{Kind: KindBool, Bool: b} }
func I64(i int64) Value            { return Value{Kind: KindI64, I64: i} }
func F64(f float64) Value          { return Value{Kind: KindF64, F64: f} }
func Str(s string) Value           { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value         { return Value{Kind: KindBytes, Bytes: b} }
func Array(a []Value) Value        { return Value{Kind: KindArray, Array: a} }
func Object(o map[string]Value) Value { return Value{Kind: KindObject, Object: o} }
func Vector(v []float32) Value     { return Value{Kind: KindVector, Vector: v} }
func Geo(lat, lon float64) Value   { return Value{Kind: KindGeoPoint, Geo: GeoPoint{Lat: lat, Lon: lon}} }

func (v Value) IsNull() bool { return v.Kind == KindNull }

// GetAsI64 returns v as an int64, accepting only KindI64 — no float
// truncation, no numeric-string parsing.
func (v Value) GetAsI64() (int64, error) {
	if v.Kind != KindI64 {
		return 0, errs.New("Value.GetAsI64", errs.SchemaViolation, "", fmt.Errorf("value is %v, not i64", v.Kind))
	}
	return v.I64, nil
}

// GetAsF64 returns v as a float64, accepting KindF64 or KindI64 (widening
// an integer is not a family crossing; string-to-number is).
func (v Value) GetAsF64() (float64, error) {
	switch v.Kind {
	case KindF64:
		return v.F64, nil
	case KindI64:
		return float64(v.I64), nil
	default:
		return 0, errs.New("Value.GetAsF64", errs.SchemaViolation, "", fmt.Errorf("value is %v, not numeric", v.Kind))
	}
}

func (v Value) GetAsString() (string, error) {
	if v.Kind != KindString {
		return "", errs.New("Value.GetAsString", errs.SchemaViolation, "", fmt.Errorf("value is %v, not string", v.Kind))
	}
	return v.Str, nil
}

func (v Value) GetAsVector() ([]float32, error) {
	if v.Kind != KindVector {
		return nil, errs.New("Value.GetAsVector", errs.SchemaViolation, "", fmt.Errorf("value is %v, not vector", v.Kind))
	}
	return v.Vector, nil
}

func (v Value) GetAsGeoPoint() (GeoPoint, error) {
	if v.Kind != KindGeoPoint {
		return GeoPoint{}, errs.New("Value.GetAsGeoPoint", errs.SchemaViolation, "", fmt.Errorf("value is %v, not geo point", v.Kind))
	}
	return v.Geo, nil
}

func (v Value) GetAsObject() (map[string]Value, error) {
	if v.Kind != KindObject {
		return nil, errs.New("Value.GetAsObject", errs.SchemaViolation, "", fmt.Errorf("value is %v, not object", v.Kind))
	}
	return v.Object, nil
}

func (v Value) GetAsArray() ([]Value, error) {
	if v.Kind != KindArray {
		return nil, errs.New("Value.GetAsArray", errs.SchemaViolation, "", fmt.Errorf("value is %v, not array", v.Kind))
	}
	return v.Array, nil
}

// Field looks up a dotted path ("user.age") inside an object value,
// returning Null (not an error) when a segment is missing — spec.md §4.4's
// null-aware comparison semantics start here.
func (v Value) Field(path string) Value {
	cur := v
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			if cur.Kind != KindObject {
				return Null()
			}
			next, ok := cur.Object[seg]
			if !ok {
				return Null()
			}
			cur = next
			start = i + 1
		}
	}
	return cur
}
