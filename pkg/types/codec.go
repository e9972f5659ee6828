package types

import (
	"encoding/json"
	"fmt"

	"github.com/themisdb/themis/pkg/errs"
)

// wireValue is Value's on-disk/wire shape. encoding/json sorts map keys
// when marshaling, so a wireValue tree round-trips to the same bytes for
// the same logical value — exactly the canonical form ComputeHash and the
// entity layer's content hash need.
type wireValue struct {
	Kind   string               `json:"k"`
	Bool   bool                 `json:"b,omitempty"`
	I64    int64                `json:"i,omitempty"`
	F64    float64              `json:"f,omitempty"`
	Str    string               `json:"s,omitempty"`
	Bytes  []byte               `json:"by,omitempty"`
	Array  []wireValue          `json:"a,omitempty"`
	Object map[string]wireValue `json:"o,omitempty"`
	Vector []float32            `json:"vec,omitempty"`
	Lat    float64              `json:"lat,omitempty"`
	Lon    float64              `json:"lon,omitempty"`
}

var kindNames = map[Kind]string{
	KindNull:     "null",
	KindBool:     "bool",
	KindI64:      "i64",
	KindF64:      "f64",
	KindString:   "string",
	KindBytes:    "bytes",
	KindArray:    "array",
	KindObject:   "object",
	KindVector:   "vector",
	KindGeoPoint: "geo",
}

var namesToKind = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, v := range kindNames {
		m[v] = k
	}
	return m
}()

func toWire(v Value) wireValue {
	w := wireValue{Kind: kindNames[v.Kind]}
	switch v.Kind {
	case KindBool:
		w.Bool = v.Bool
	case KindI64:
		w.I64 = v.I64
	case KindF64:
		w.F64 = v.F64
	case KindString:
		w.Str = v.Str
	case KindBytes:
		w.Bytes = v.Bytes
	case KindArray:
		w.Array = make([]wireValue, len(v.Array))
		for i, e := range v.Array {
			w.Array[i] = toWire(e)
		}
	case KindObject:
		w.Object = make(map[string]wireValue, len(v.Object))
		for k, e := range v.Object {
			w.Object[k] = toWire(e)
		}
	case KindVector:
		w.Vector = v.Vector
	case KindGeoPoint:
		w.Lat, w.Lon = v.Geo.Lat, v.Geo.Lon
	}
	return w
}

func fromWire(w wireValue) (Value, error) {
	kind, ok := namesToKind[w.Kind]
	if !ok {
		return Value{}, fmt.Errorf("unknown value kind %q", w.Kind)
	}
	switch kind {
	case KindNull:
		return Null(), nil
	case KindBool:
		return Bool(w.Bool), nil
	case KindI64:
		return I64(w.I64), nil
	case KindF64:
		return F64(w.F64), nil
	case KindString:
		return Str(w.Str), nil
	case KindBytes:
		return Bytes(w.Bytes), nil
	case KindArray:
		arr := make([]Value, len(w.Array))
		for i, e := range w.Array {
			v, err := fromWire(e)
			if err != nil {
				return Value{}, err
			}
			arr[i] = v
		}
		return Array(arr), nil
	case KindObject:
		obj := make(map[string]Value, len(w.Object))
		for k, e := range w.Object {
			v, err := fromWire(e)
			if err != nil {
				return Value{}, err
			}
			obj[k] = v
		}
		return Object(obj), nil
	case KindVector:
		return Vector(w.Vector), nil
	case KindGeoPoint:
		return Geo(w.Lat, w.Lon), nil
	default:
		return Value{}, fmt.Errorf("unhandled value kind %q", w.Kind)
	}
}

// MarshalCanonical renders v as deterministic JSON bytes: the same
// logical value always produces the same bytes, which is what content
// hashing and compare-on-disk both need.
func MarshalCanonical(v Value) ([]byte, error) {
	b, err := json.Marshal(toWire(v))
	if err != nil {
		return nil, errs.New("types.MarshalCanonical", errs.Internal, "", err)
	}
	return b, nil
}

// UnmarshalCanonical reverses MarshalCanonical.
func UnmarshalCanonical(data []byte) (Value, error) {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return Value{}, errs.New("types.UnmarshalCanonical", errs.Internal, "", err)
	}
	v, err := fromWire(w)
	if err != nil {
		return Value{}, errs.New("types.UnmarshalCanonical", errs.Internal, "", err)
	}
	return v, nil
}
