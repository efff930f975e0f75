// Package schema compiles the dynamic message schemas assigned by the brain
// and converts payloads between wire bytes and key/value maps.
//
// Schemas arrive as serialized DescriptorProto messages. Each one is wrapped
// in a synthetic file whose package is derived from the schema's content
// hash, compiled with protodesc, and cached so that identical schemas share
// a descriptor.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// anonymousName is used for schemas that arrive without a message name.
const anonymousName = "__INTERNAL_ANONYMOUS__"

var (
	// ErrEmptySchema is returned when compiling a zero-length schema.
	ErrEmptySchema = errors.New("schema: empty schema")
)

// Schema is a compiled dynamic message type.
type Schema struct {
	desc   protoreflect.MessageDescriptor
	hash   string
	fields []string
}

var cache sync.Map // hash -> *Schema

// Compile parses a serialized DescriptorProto into a Schema. Results are
// cached by content hash.
func Compile(raw []byte) (*Schema, error) {
	if len(raw) == 0 {
		return nil, ErrEmptySchema
	}
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])
	if s, ok := cache.Load(hash); ok {
		return s.(*Schema), nil
	}

	dp := &descriptorpb.DescriptorProto{}
	if err := proto.Unmarshal(raw, dp); err != nil {
		return nil, fmt.Errorf("schema: unmarshal descriptor: %w", err)
	}
	if dp.GetName() == "" {
		dp.Name = proto.String(anonymousName)
	}
	normalizeLabels(dp)

	pkg := "p" + hash[:16]
	fd := &descriptorpb.FileDescriptorProto{
		Name:        proto.String(pkg + "/" + dp.GetName() + ".proto"),
		Package:     proto.String(pkg),
		MessageType: []*descriptorpb.DescriptorProto{dp},
	}
	file, err := protodesc.NewFile(fd, new(protoregistry.Files))
	if err != nil {
		return nil, fmt.Errorf("schema: compile %q: %w", dp.GetName(), err)
	}

	md := file.Messages().Get(0)
	s := &Schema{desc: md, hash: hash}
	fields := md.Fields()
	for i := 0; i < fields.Len(); i++ {
		s.fields = append(s.fields, string(fields.Get(i).Name()))
	}

	actual, _ := cache.LoadOrStore(hash, s)
	return actual.(*Schema), nil
}

// MustCompile is like Compile but panics on error. Intended for fixtures.
func MustCompile(raw []byte) *Schema {
	s, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the message name of the schema.
func (s *Schema) Name() string {
	return string(s.desc.Name())
}

// Hash returns the hex SHA-256 of the serialized descriptor.
func (s *Schema) Hash() string {
	return s.hash
}

// Descriptor returns the compiled message descriptor.
func (s *Schema) Descriptor() protoreflect.MessageDescriptor {
	return s.desc
}

// FieldNames returns the top-level field names in declaration order.
func (s *Schema) FieldNames() []string {
	out := make([]string, len(s.fields))
	copy(out, s.fields)
	return out
}

// Decode parses a payload into a map keyed by field name. Every declared
// field is present in the result, unset fields carrying their zero value.
// Integers decode as int64, except uint64 and fixed64 fields which decode
// as uint64.
func (s *Schema) Decode(raw []byte) (map[string]any, error) {
	msg := dynamicpb.NewMessage(s.desc)
	if err := proto.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("schema: decode %s: %w", s.Name(), err)
	}
	return messageToMap(msg), nil
}

// Encode serializes a map into a payload. The map must contain exactly the
// declared fields with values of a compatible type. A nil map is only
// accepted for a schema without fields.
func (s *Schema) Encode(values map[string]any) ([]byte, error) {
	if values == nil && len(s.fields) > 0 {
		return nil, &StateError{Schema: s.Name(), Reason: "no values for a message with fields"}
	}
	msg := dynamicpb.NewMessage(s.desc)
	if err := fillMessage(msg, values, ""); err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(msg)
}

func messageToMap(msg protoreflect.Message) map[string]any {
	fields := msg.Descriptor().Fields()
	out := make(map[string]any, fields.Len())
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		out[string(fd.Name())] = fieldToValue(msg, fd)
	}
	return out
}

func fieldToValue(msg protoreflect.Message, fd protoreflect.FieldDescriptor) any {
	v := msg.Get(fd)
	switch {
	case fd.IsList():
		list := v.List()
		out := make([]any, list.Len())
		for i := range out {
			out[i] = scalarToValue(fd, list.Get(i))
		}
		return out
	case fd.IsMap():
		out := make(map[string]any)
		v.Map().Range(func(k protoreflect.MapKey, mv protoreflect.Value) bool {
			out[k.String()] = scalarToValue(fd.MapValue(), mv)
			return true
		})
		return out
	default:
		return scalarToValue(fd, v)
	}
}

func scalarToValue(fd protoreflect.FieldDescriptor, v protoreflect.Value) any {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		return v.Bool()
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind,
		protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		return v.Int()
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		return int64(v.Uint())
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		return v.Uint()
	case protoreflect.FloatKind, protoreflect.DoubleKind:
		return v.Float()
	case protoreflect.StringKind:
		return v.String()
	case protoreflect.BytesKind:
		return append([]byte(nil), v.Bytes()...)
	case protoreflect.EnumKind:
		return int64(v.Enum())
	case protoreflect.MessageKind, protoreflect.GroupKind:
		return messageToMap(v.Message())
	default:
		return nil
	}
}

// normalizeLabels marks fields without a label as optional; protodesc
// rejects unlabeled fields.
func normalizeLabels(dp *descriptorpb.DescriptorProto) {
	for _, f := range dp.Field {
		if f.Label == nil {
			f.Label = descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum()
		}
	}
	for _, nested := range dp.NestedType {
		normalizeLabels(nested)
	}
}

// sortedKeys returns map keys in a stable order for deterministic errors.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
