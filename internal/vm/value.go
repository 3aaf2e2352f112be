// Package vm implements a stack-machine interpreter for module images,
// including the reflection primitives the call table initializer relies on.
package vm

import (
	"fmt"
	"strconv"

	"callobf/internal/image"
)

// ValueKind identifies the runtime type of a Value.
type ValueKind uint8

const (
	// VKInvalid represents an invalid value.
	VKInvalid ValueKind = iota
	// VKInt32 represents a 32-bit integer.
	VKInt32
	// VKNativeInt represents a machine-word integer, including function pointers.
	VKNativeInt
	// VKRef represents an object reference; Ref holds nil for null.
	VKRef
	// VKPtr represents a managed pointer to a local or argument slot.
	VKPtr
	// VKStruct represents a runtime handle value.
	VKStruct
)

// String returns a human-readable name for the value kind.
func (k ValueKind) String() string {
	switch k {
	case VKInvalid:
		return "invalid"
	case VKInt32:
		return "int32"
	case VKNativeInt:
		return "native int"
	case VKRef:
		return "ref"
	case VKPtr:
		return "ptr"
	case VKStruct:
		return "struct"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a single evaluation stack entry.
type Value struct {
	Kind ValueKind
	I    int64
	Ref  any
}

// Int32Value builds an int32.
func Int32Value(v int32) Value { return Value{Kind: VKInt32, I: int64(v)} }

// NativeIntValue builds a native int.
func NativeIntValue(v int64) Value { return Value{Kind: VKNativeInt, I: v} }

// RefValue builds an object reference.
func RefValue(r any) Value { return Value{Kind: VKRef, Ref: r} }

// StringValue builds a string reference.
func StringValue(s string) Value { return RefValue(s) }

// Null is the null reference.
var Null = Value{Kind: VKRef}

// IsNull reports a null reference.
func (v Value) IsNull() bool { return v.Kind == VKRef && v.Ref == nil }

// Int32 returns the value truncated to 32 bits.
func (v Value) Int32() int32 { return int32(v.I) } //nolint:gosec // truncation is conv.i4 semantics

// Truthy follows brtrue: non-zero integers and non-null references.
func (v Value) Truthy() bool {
	switch v.Kind {
	case VKInt32, VKNativeInt:
		return v.I != 0
	case VKRef:
		return v.Ref != nil
	default:
		return true
	}
}

// String renders the value for Console output and diagnostics.
func (v Value) String() string {
	switch v.Kind {
	case VKInt32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case VKNativeInt:
		return strconv.FormatInt(v.I, 10)
	case VKRef:
		return refString(v.Ref)
	case VKPtr:
		return "&" + v.Deref().String()
	case VKStruct:
		return fmt.Sprint(v.Ref)
	default:
		return "<invalid>"
	}
}

// Deref follows a managed pointer; other values are returned unchanged.
func (v Value) Deref() Value {
	if v.Kind == VKPtr {
		if p, ok := v.Ref.(*Value); ok && p != nil {
			return *p
		}
	}
	return v
}

func refString(r any) string {
	switch o := r.(type) {
	case nil:
		return ""
	case string:
		return o
	case *Object:
		return o.Type.FullName()
	case *Array:
		return "System.Array"
	case *typeObject:
		return o.def.FullName()
	case *moduleObject:
		return o.mod.Name
	case *methodObject:
		return o.def.FullName()
	case *listObject:
		return "System.Collections.Generic.List`1"
	case *delegateObject:
		return "System.Action"
	case *exceptionObject:
		return "System.Exception: " + o.message
	default:
		return fmt.Sprint(o)
	}
}

// zeroValue is the default for a slot of type t.
func zeroValue(t *image.TypeSig) Value {
	if t == nil {
		return Null
	}
	switch t.Elem {
	case image.ElemI4, image.ElemBoolean:
		return Int32Value(0)
	case image.ElemI:
		return NativeIntValue(0)
	case image.ElemValueType:
		switch t.Type.FullName() {
		case "System.Int32", "System.Boolean":
			return Int32Value(0)
		case "System.IntPtr":
			return NativeIntValue(0)
		}
		return Value{Kind: VKStruct}
	default:
		return Null
	}
}
