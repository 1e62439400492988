package streamgraph

import (
	"fmt"
	"reflect"
)

// Packet is an immutable value paired with a Timestamp.
//
// Copies of a Packet share the underlying value; nothing is deep-copied.
// The value is released once no packet or queue refers to it. The zero
// Packet is empty and carries Unset.
type Packet struct {
	holder *holder
	// stamp is the timestamp XOR Unset, so the zero value reads as Unset.
	stamp Timestamp
}

type holder struct {
	value any
}

// MakePacket wraps v in a packet with an Unset timestamp.
func MakePacket[T any](v T) Packet {
	return Packet{holder: &holder{value: v}}
}

// EmptyPacket returns a packet with no value at ts.
func EmptyPacket(ts Timestamp) Packet {
	return Packet{stamp: ts ^ Unset}
}

// At returns a packet sharing p's value with timestamp ts.
func (p Packet) At(ts Timestamp) Packet {
	return Packet{holder: p.holder, stamp: ts ^ Unset}
}

// Timestamp returns the packet's timestamp.
func (p Packet) Timestamp() Timestamp {
	return p.stamp ^ Unset
}

// IsEmpty reports whether the packet holds no value.
func (p Packet) IsEmpty() bool {
	return p.holder == nil
}

// Value returns the stored value, or nil for an empty packet.
func (p Packet) Value() any {
	if p.holder == nil {
		return nil
	}
	return p.holder.value
}

// TypeName returns the Go type name of the stored value.
func (p Packet) TypeName() string {
	if p.holder == nil {
		return "<empty>"
	}
	return fmt.Sprintf("%T", p.holder.value)
}

// String implements fmt.Stringer.
func (p Packet) String() string {
	if p.holder == nil {
		return fmt.Sprintf("Packet{empty @%s}", p.Timestamp())
	}
	return fmt.Sprintf("Packet{%s %v @%s}", p.TypeName(), p.holder.value, p.Timestamp())
}

// Get returns the packet's value as T.
// It fails with ErrEmptyPacket or a *TypeMismatchError.
func Get[T any](p Packet) (T, error) {
	var zero T
	if p.holder == nil {
		return zero, ErrEmptyPacket
	}
	v, ok := p.holder.value.(T)
	if !ok {
		return zero, &TypeMismatchError{
			Want: reflect.TypeFor[T]().String(),
			Got:  p.TypeName(),
		}
	}
	return v, nil
}

// MustGet returns the packet's value as T and panics on an empty packet or
// a type mismatch. Use it where the contract already guarantees the type.
func MustGet[T any](p Packet) T {
	v, err := Get[T](p)
	if err != nil {
		panic(fmt.Sprintf("streamgraph: %v", err))
	}
	return v
}

// ValidateAs reports whether p holds a T.
func ValidateAs[T any](p Packet) error {
	_, err := Get[T](p)
	return err
}

// PacketType describes the values a port accepts. The zero PacketType is
// unset; AnyType accepts everything.
type PacketType struct {
	typ   reflect.Type
	isAny bool
}

// TypeOf returns the PacketType for values of type T. Interface types
// accept any value implementing them.
func TypeOf[T any]() PacketType {
	return PacketType{typ: reflect.TypeFor[T]()}
}

// AnyType returns a PacketType that accepts every value.
func AnyType() PacketType {
	return PacketType{isAny: true}
}

// IsSet reports whether a type has been assigned.
func (t PacketType) IsSet() bool {
	return t.isAny || t.typ != nil
}

// IsAny reports whether the type accepts every value.
func (t PacketType) IsAny() bool {
	return t.isAny || (t.typ != nil && t.typ.Kind() == reflect.Interface && t.typ.NumMethod() == 0)
}

// String implements fmt.Stringer.
func (t PacketType) String() string {
	switch {
	case t.isAny:
		return "Any"
	case t.typ == nil:
		return "<unset>"
	}
	return t.typ.String()
}

// Accepts reports whether v may travel on a port of this type.
func (t PacketType) Accepts(v any) bool {
	if t.IsAny() {
		return true
	}
	if v == nil {
		return false
	}
	vt := reflect.TypeOf(v)
	if t.typ.Kind() == reflect.Interface {
		return vt.Implements(t.typ)
	}
	return vt == t.typ
}

// Validate checks a non-empty packet against the type.
func (t PacketType) Validate(p Packet) error {
	if p.IsEmpty() || t.Accepts(p.Value()) {
		return nil
	}
	return &TypeMismatchError{Want: t.String(), Got: p.TypeName()}
}

// compatible reports whether a producer of type t may feed a consumer of
// type other.
func (t PacketType) compatible(other PacketType) bool {
	if t.IsAny() || other.IsAny() {
		return true
	}
	if t.typ == other.typ {
		return true
	}
	if other.typ.Kind() == reflect.Interface {
		return t.typ.Implements(other.typ)
	}
	return false
}
