// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Kind is the type tag of a value on the wire.
type Kind uint8

const (
	KindInt32   Kind = 0x01
	KindInt64   Kind = 0x02
	KindFloat32 Kind = 0x03
	KindFloat64 Kind = 0x04
	KindBool    Kind = 0x05
	KindString  Kind = 0x06
)

var kindNames = map[Kind]string{
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindFloat32: "float32",
	KindFloat64: "float64",
	KindBool:    "bool",
	KindString:  "string",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(0x%02x)", uint8(k))
}

// Valid reports whether k is a known type tag.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind maps a type name such as "int32" or "string" to its Kind.
func ParseKind(name string) (Kind, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "int", "integer":
		return KindInt32, nil
	case "long":
		return KindInt64, nil
	case "float":
		return KindFloat32, nil
	case "double":
		return KindFloat64, nil
	case "boolean":
		return KindBool, nil
	}
	for k, kn := range kindNames {
		if kn == n {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown value type %q", name)
}

// Value is a typed scalar carried in a record's attribute arrays.
// Only the field matching Kind is meaningful; the others stay zero so that
// two values can be compared with ==.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Bool  bool
	Str   string
}

func Int32(v int32) Value     { return Value{Kind: KindInt32, Int: int64(v)} }
func Int64(v int64) Value     { return Value{Kind: KindInt64, Int: v} }
func Float32(v float32) Value { return Value{Kind: KindFloat32, Float: float64(v)} }
func Float64(v float64) Value { return Value{Kind: KindFloat64, Float: v} }
func Bool(v bool) Value       { return Value{Kind: KindBool, Bool: v} }
func String(v string) Value   { return Value{Kind: KindString, Str: v} }

// Interface returns the value as its natural Go type.
func (v Value) Interface() any {
	switch v.Kind {
	case KindInt32:
		return int32(v.Int)
	case KindInt64:
		return v.Int
	case KindFloat32:
		return float32(v.Float)
	case KindFloat64:
		return v.Float
	case KindBool:
		return v.Bool
	case KindString:
		return v.Str
	}
	return nil
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt32, KindInt64:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat32:
		return strconv.FormatFloat(v.Float, 'g', -1, 32)
	case KindFloat64:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindString:
		return strconv.Quote(v.Str)
	}
	return "<invalid>"
}

// FromAny converts a native Go value to a Value. Integers that fit into 32
// bits keep their declared width; plain int becomes int64.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case Value:
		return t, nil
	case int32:
		return Int32(t), nil
	case int:
		return Int64(int64(t)), nil
	case int64:
		return Int64(t), nil
	case uint32:
		return Int64(int64(t)), nil
	case float32:
		return Float32(t), nil
	case float64:
		return Float64(t), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int64(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Float64(f), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", x)
}

// Coerce converts a loosely typed value (as produced by YAML or JSON
// decoding) into a Value of the requested kind.
func Coerce(kind Kind, x any) (Value, error) {
	// json.Number from either JSON package keeps its literal text
	if n, ok := x.(interface {
		Int64() (int64, error)
		String() string
	}); ok {
		x = n.String()
	}
	switch kind {
	case KindInt32, KindInt64:
		var i int64
		switch t := x.(type) {
		case int:
			i = int64(t)
		case int32:
			i = int64(t)
		case int64:
			i = t
		case uint64:
			if t > math.MaxInt64 {
				return Value{}, fmt.Errorf("integer %d out of range", t)
			}
			i = int64(t)
		case float64:
			if t != math.Trunc(t) {
				return Value{}, fmt.Errorf("%v is not an integer", t)
			}
			i = int64(t)
		case string:
			parsed, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("invalid integer %q: %w", t, err)
			}
			i = parsed
		default:
			return Value{}, fmt.Errorf("cannot use %T as %s", x, kind)
		}
		if kind == KindInt32 {
			if i < math.MinInt32 || i > math.MaxInt32 {
				return Value{}, fmt.Errorf("integer %d overflows int32", i)
			}
			return Int32(int32(i)), nil
		}
		return Int64(i), nil
	case KindFloat32, KindFloat64:
		var f float64
		switch t := x.(type) {
		case int:
			f = float64(t)
		case int32:
			f = float64(t)
		case int64:
			f = float64(t)
		case float32:
			f = float64(t)
		case float64:
			f = t
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				return Value{}, fmt.Errorf("invalid float %q: %w", t, err)
			}
			f = parsed
		default:
			return Value{}, fmt.Errorf("cannot use %T as %s", x, kind)
		}
		if kind == KindFloat32 {
			return Float32(float32(f)), nil
		}
		return Float64(f), nil
	case KindBool:
		switch t := x.(type) {
		case bool:
			return Bool(t), nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(t))
			if err != nil {
				return Value{}, fmt.Errorf("invalid bool %q: %w", t, err)
			}
			return Bool(b), nil
		}
		return Value{}, fmt.Errorf("cannot use %T as bool", x)
	case KindString:
		switch t := x.(type) {
		case string:
			return String(t), nil
		case nil:
			return Value{}, fmt.Errorf("missing string value")
		}
		return String(fmt.Sprint(x)), nil
	}
	return Value{}, fmt.Errorf("unknown kind %s", kind)
}

type jsonValue struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// MarshalJSON renders the value as {"type":"int32","value":11}.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Kind.Valid() {
		return nil, fmt.Errorf("cannot marshal value of %s", v.Kind)
	}
	return json.Marshal(jsonValue{Type: v.Kind.String(), Value: v.Interface()})
}

// UnmarshalJSON accepts the form produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw jsonValue
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	kind, err := ParseKind(raw.Type)
	if err != nil {
		return err
	}
	if n, ok := raw.Value.(json.Number); ok {
		if kind == KindFloat32 || kind == KindFloat64 {
			f, err := n.Float64()
			if err != nil {
				return err
			}
			raw.Value = f
		} else {
			raw.Value = n.String()
		}
	}
	parsed, err := Coerce(kind, raw.Value)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
