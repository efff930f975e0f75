package schema

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// StateError reports a value that does not match its schema.
type StateError struct {
	Schema string // message name
	Field  string // dotted field path, empty for message-level problems
	Value  any    // offending value, nil when the field is missing
	Reason string
}

func (e *StateError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: %s: %s", e.Schema, e.Reason)
	}
	if e.Value == nil {
		return fmt.Sprintf("schema: %s.%s: %s", e.Schema, e.Field, e.Reason)
	}
	return fmt.Sprintf("schema: %s.%s: %s (value %v of type %T)", e.Schema, e.Field, e.Reason, e.Value, e.Value)
}

func fillMessage(msg protoreflect.Message, values map[string]any, prefix string) error {
	desc := msg.Descriptor()
	fields := desc.Fields()
	schemaName := string(desc.Name())

	for _, key := range sortedKeys(values) {
		if fields.ByName(protoreflect.Name(key)) == nil {
			return &StateError{Schema: schemaName, Field: prefix + key, Value: values[key], Reason: "unknown field"}
		}
	}

	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		name := string(fd.Name())
		path := prefix + name
		raw, ok := values[name]
		if !ok {
			return &StateError{Schema: schemaName, Field: path, Reason: "missing field"}
		}

		switch {
		case fd.IsList():
			items, ok := raw.([]any)
			if !ok {
				items, ok = toAnySlice(raw)
			}
			if !ok {
				return &StateError{Schema: schemaName, Field: path, Value: raw, Reason: "expected a list"}
			}
			list := msg.Mutable(fd).List()
			for j, item := range items {
				v, err := toValue(msg, fd, item, fmt.Sprintf("%s[%d]", path, j))
				if err != nil {
					return err
				}
				list.Append(v)
			}
		case fd.IsMap():
			return &StateError{Schema: schemaName, Field: path, Value: raw, Reason: "map fields are not supported"}
		default:
			v, err := toValue(msg, fd, raw, path)
			if err != nil {
				return err
			}
			msg.Set(fd, v)
		}
	}
	return nil
}

func toValue(parent protoreflect.Message, fd protoreflect.FieldDescriptor, raw any, path string) (protoreflect.Value, error) {
	bad := func(reason string) (protoreflect.Value, error) {
		return protoreflect.Value{}, &StateError{
			Schema: string(parent.Descriptor().Name()),
			Field:  path,
			Value:  raw,
			Reason: reason,
		}
	}

	switch fd.Kind() {
	case protoreflect.BoolKind:
		b, ok := raw.(bool)
		if !ok {
			return bad("expected bool")
		}
		return protoreflect.ValueOfBool(b), nil

	case protoreflect.FloatKind:
		f, ok := toFloat(raw)
		if !ok {
			return bad("expected number")
		}
		return protoreflect.ValueOfFloat32(float32(f)), nil

	case protoreflect.DoubleKind:
		f, ok := toFloat(raw)
		if !ok {
			return bad("expected number")
		}
		return protoreflect.ValueOfFloat64(f), nil

	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		n, ok := toInt(raw)
		if !ok || n < math.MinInt32 || n > math.MaxInt32 {
			return bad("expected int32")
		}
		return protoreflect.ValueOfInt32(int32(n)), nil

	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		n, ok := toInt(raw)
		if !ok {
			return bad("expected int64")
		}
		return protoreflect.ValueOfInt64(n), nil

	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		n, ok := toInt(raw)
		if !ok || n < 0 || n > math.MaxUint32 {
			return bad("expected uint32")
		}
		return protoreflect.ValueOfUint32(uint32(n)), nil

	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		n, ok := toUint(raw)
		if !ok {
			return bad("expected uint64")
		}
		return protoreflect.ValueOfUint64(n), nil

	case protoreflect.StringKind:
		s, ok := raw.(string)
		if !ok {
			return bad("expected string")
		}
		return protoreflect.ValueOfString(s), nil

	case protoreflect.BytesKind:
		switch b := raw.(type) {
		case []byte:
			return protoreflect.ValueOfBytes(b), nil
		case string:
			return protoreflect.ValueOfBytes([]byte(b)), nil
		}
		return bad("expected bytes")

	case protoreflect.EnumKind:
		n, ok := toInt(raw)
		if !ok || n < math.MinInt32 || n > math.MaxInt32 {
			return bad("expected enum number")
		}
		return protoreflect.ValueOfEnum(protoreflect.EnumNumber(n)), nil

	case protoreflect.MessageKind, protoreflect.GroupKind:
		m, ok := raw.(map[string]any)
		if !ok {
			return bad("expected object")
		}
		var child protoreflect.Message
		if fd.IsList() {
			child = parent.Mutable(fd).List().NewElement().Message()
		} else {
			child = parent.NewField(fd).Message()
		}
		if err := fillMessage(child, m, path+"."); err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfMessage(child), nil
	}
	return bad("unsupported field kind " + fd.Kind().String())
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// toInt accepts Go integer types and integral floats (as produced by JSON
// and TOML decoders).
func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), uint64(n) <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n >= math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		f := float64(n)
		if f != math.Trunc(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}

// toUint is toInt for the full unsigned 64-bit range.
func toUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint:
		return uint64(n), true
	case float64:
		if n < 0 || n != math.Trunc(n) || n >= math.MaxUint64 {
			return 0, false
		}
		return uint64(n), true
	}
	i, ok := toInt(v)
	if !ok || i < 0 {
		return 0, false
	}
	return uint64(i), true
}

func toAnySlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []float64:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []int:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []int64:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []string:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []bool:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	}
	return nil, false
}
