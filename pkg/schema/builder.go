package schema

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Field describes a scalar field for Build.
type Field struct {
	Name     string
	Type     descriptorpb.FieldDescriptorProto_Type
	Repeated bool
}

// Double returns a double field.
func Double(name string) Field {
	return Field{Name: name, Type: descriptorpb.FieldDescriptorProto_TYPE_DOUBLE}
}

// Float returns a float field.
func Float(name string) Field {
	return Field{Name: name, Type: descriptorpb.FieldDescriptorProto_TYPE_FLOAT}
}

// Int64 returns an int64 field.
func Int64(name string) Field {
	return Field{Name: name, Type: descriptorpb.FieldDescriptorProto_TYPE_INT64}
}

// Int32 returns an int32 field.
func Int32(name string) Field {
	return Field{Name: name, Type: descriptorpb.FieldDescriptorProto_TYPE_INT32}
}

// Bool returns a bool field.
func Bool(name string) Field {
	return Field{Name: name, Type: descriptorpb.FieldDescriptorProto_TYPE_BOOL}
}

// String returns a string field.
func String(name string) Field {
	return Field{Name: name, Type: descriptorpb.FieldDescriptorProto_TYPE_STRING}
}

// Build serializes a flat DescriptorProto named name with the given fields,
// numbered from 1 in order. It is how servers and tests produce schemas.
func Build(name string, fields ...Field) []byte {
	dp := &descriptorpb.DescriptorProto{Name: proto.String(name)}
	for i, f := range fields {
		label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
		if f.Repeated {
			label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
		}
		dp.Field = append(dp.Field, &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(f.Name),
			Number: proto.Int32(int32(i + 1)),
			Type:   f.Type.Enum(),
			Label:  label.Enum(),
		})
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(dp)
	if err != nil {
		panic(err)
	}
	return b
}
