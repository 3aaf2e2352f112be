package vm

import "callobf/internal/image"

// Object is an instance of a type defined in an image.
type Object struct {
	Type   *image.TypeDef
	Fields map[*image.FieldDef]Value
}

// Array is a single-dimension zero-based array.
type Array struct {
	Items []Value
}

// Runtime representations of reflection objects and handles.
type (
	typeObject struct{ def *image.TypeDef }

	moduleObject struct{ mod *image.Module }

	methodObject struct{ def *image.MethodDef }

	typeHandle struct{ def *image.TypeDef }

	methodHandle struct{ def *image.MethodDef }

	listObject struct{ items []Value }

	delegateObject struct {
		target Value
		method *image.MethodDef
	}

	exceptionObject struct{ message string }
)

func (h typeHandle) String() string   { return "RuntimeTypeHandle(" + h.def.FullName() + ")" }
func (h methodHandle) String() string { return "RuntimeMethodHandle(" + h.def.FullName() + ")" }

// runtimeType returns the defining type of an object reference, or nil.
func runtimeType(v Value) *image.TypeDef {
	if o, ok := v.Ref.(*Object); ok {
		return o.Type
	}
	return nil
}
