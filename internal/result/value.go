// Package result converts whatever a snippet left in its result binding into
// a transport-safe tagged value. Conversion never fails: shapes the wire
// format cannot carry degrade to fallback text.
package result

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
)

// Kind tags a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
	KindFallback
)

var kindNames = [...]string{"null", "bool", "int", "float", "string", "list", "map", "fallback"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Field is one entry of a map value. Maps keep insertion order.
type Field struct {
	Key   string
	Value Value
}

// Value is a tagged variant. Only the member matching Kind is meaningful.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Float  float64
	Str    string
	List   []Value
	Fields []Field
}

func Null() Value                 { return Value{} }
func Bool(b bool) Value           { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value           { return Value{Kind: KindInt, Int: i} }
func String(s string) Value       { return Value{Kind: KindString, Str: s} }
func List(items ...Value) Value   { return Value{Kind: KindList, List: items} }
func Map(fields ...Field) Value   { return Value{Kind: KindMap, Fields: fields} }
func Fallback(text string) Value  { return Value{Kind: KindFallback, Str: text} }
func F(key string, v Value) Field { return Field{Key: key, Value: v} }

// Float returns a float value. Non-finite numbers have no JSON form and
// degrade to fallback text.
func Float(f float64) Value {
	switch {
	case math.IsNaN(f):
		return Fallback("NaN")
	case math.IsInf(f, 1):
		return Fallback("Infinity")
	case math.IsInf(f, -1):
		return Fallback("-Infinity")
	}
	return Value{Kind: KindFloat, Float: f}
}

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool {
	return v.Kind == KindNull
}

// Get returns the value stored under key in a map value.
func (v Value) Get(key string) (Value, bool) {
	for _, f := range v.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Degraded reports whether v or anything nested in it is fallback text.
func (v Value) Degraded() bool {
	switch v.Kind {
	case KindFallback:
		return true
	case KindList:
		for _, item := range v.List {
			if item.Degraded() {
				return true
			}
		}
	case KindMap:
		for _, f := range v.Fields {
			if f.Value.Degraded() {
				return true
			}
		}
	}
	return false
}

// Interface converts v into plain Go values (map order is lost).
func (v Value) Interface() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString, KindFallback:
		return v.Str
	case KindList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.Fields))
		for _, f := range v.Fields {
			out[f.Key] = f.Value.Interface()
		}
		return out
	}
	return nil
}

// String renders v as compact JSON.
func (v Value) String() string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%s>", v.Kind)
	}
	return string(data)
}

// MarshalJSON implements json.Marshaler. Fallback text is emitted as a string.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.Kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.Bool))
	case KindInt:
		buf.WriteString(strconv.FormatInt(v.Int, 10))
	case KindFloat:
		data, err := json.Marshal(v.Float)
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindString, KindFallback:
		data, err := json.Marshal(v.Str)
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.List {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMap:
		buf.WriteByte('{')
		for i, f := range v.Fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(f.Key)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := f.Value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("result: unknown kind %d", v.Kind)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler, preserving object key order.
// Fallback text cannot be told apart from strings once encoded, so it comes
// back as KindString.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	out, err := decodeValue(dec)
	if err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("result: trailing data after value")
	}
	*v = out
	return nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Float(f), nil
	case json.Delim:
		switch t {
		case '[':
			items := []Value{}
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return List(items...), nil
		case '{':
			fields := []Field{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("result: object key is %T", keyTok)
				}
				val, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				fields = append(fields, Field{Key: key, Value: val})
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Map(fields...), nil
		}
	}
	return Value{}, fmt.Errorf("result: unexpected token %v", tok)
}
