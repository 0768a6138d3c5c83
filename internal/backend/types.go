package backend

import "fmt"

// Type is the managed type of an argument, return value or local.
type Type byte

const (
	TypeInvalid Type = iota
	// TypeVoid is only valid as a return type.
	TypeVoid
	TypeBool
	TypeI8
	TypeU16
	TypeI16
	TypeI32
	TypeI64
	TypeF32
	TypeF64
	// TypeRef is an object reference the collector has to know about.
	TypeRef
	// TypeAddress is a raw machine address which is not a collector root, for example an internal pointer.
	TypeAddress
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case TypeVoid:
		return "void"
	case TypeBool:
		return "bool"
	case TypeI8:
		return "i8"
	case TypeU16:
		return "u16"
	case TypeI16:
		return "i16"
	case TypeI32:
		return "i32"
	case TypeI64:
		return "i64"
	case TypeF32:
		return "f32"
	case TypeF64:
		return "f64"
	case TypeRef:
		return "ref"
	case TypeAddress:
		return "address"
	default:
		return "invalid"
	}
}

// IsInt returns true if the value of the type lives in an integer register.
func (t Type) IsInt() bool {
	switch t {
	case TypeBool, TypeI8, TypeU16, TypeI16, TypeI32, TypeI64, TypeRef, TypeAddress:
		return true
	}
	return false
}

// IsFloat returns true if the value of the type lives in a floating point register.
func (t Type) IsFloat() bool {
	return t == TypeF32 || t == TypeF64
}

// IsRef returns true if the type is a collector root.
func (t Type) IsRef() bool {
	return t == TypeRef
}

// Bits returns the number of significant bits of the type.
func (t Type) Bits() byte {
	switch t {
	case TypeBool, TypeI8:
		return 8
	case TypeU16, TypeI16:
		return 16
	case TypeI32, TypeF32:
		return 32
	case TypeI64, TypeF64, TypeRef, TypeAddress:
		return 64
	default:
		panic("BUG: invalid type " + t.String())
	}
}

// Size returns the number of bytes a stack slot of this type occupies.
func (t Type) Size() int64 {
	if t.Bits() <= 32 {
		return 4
	}
	return 8
}

// IsSigned returns true if narrow values of this type are sign-extended to the register width.
func (t Type) IsSigned() bool {
	switch t {
	case TypeI8, TypeI16, TypeI32:
		return true
	}
	return false
}

// ParseType returns the Type whose String is s.
func ParseType(s string) (Type, error) {
	for t := TypeVoid; t <= TypeAddress; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return TypeInvalid, fmt.Errorf("unknown type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) (err error) {
	*t, err = ParseType(string(text))
	return
}
