// Package corlib describes the core runtime library every image references.
// Methods carry signatures only; the interpreter supplies their behavior.
package corlib

import (
	"fmt"

	"callobf/internal/image"
)

// Name is the resolution scope images use for the core library.
const Name = image.CorLibName

// Well-known method keys.
const (
	GetTypeFromHandle  = "System.Type::GetTypeFromHandle(valuetype System.RuntimeTypeHandle)"
	GetModule          = "System.Type::get_Module()"
	ResolveMethod      = "System.Reflection.Module::ResolveMethod(int32)"
	GetMethodHandle    = "System.Reflection.MethodBase::get_MethodHandle()"
	GetFunctionPointer = "System.RuntimeMethodHandle::GetFunctionPointer()"
)

type builder struct {
	mod *image.Module
}

// New builds a fresh copy of the core library module.
func New() *image.Module {
	b := &builder{mod: image.NewModule(Name)}

	object := b.class("System", "Object", nil)
	valueType := b.class("System", "ValueType", object)
	enum := b.class("System", "Enum", valueType)
	delegate := b.class("System", "Delegate", object)
	multicast := b.class("System", "MulticastDelegate", delegate)
	int32T := b.class("System", "Int32", valueType)
	intPtr := b.class("System", "IntPtr", valueType)
	boolean := b.class("System", "Boolean", valueType)
	b.class("System", "Void", valueType)
	str := b.class("System", "String", object)
	typeHandle := b.class("System", "RuntimeTypeHandle", valueType)
	methodHandle := b.class("System", "RuntimeMethodHandle", valueType)
	typeT := b.class("System", "Type", object)
	module := b.class("System.Reflection", "Module", object)
	methodBase := b.class("System.Reflection", "MethodBase", object)
	b.class("System.Reflection", "MethodInfo", methodBase)
	math := b.class("System", "Math", object)
	console := b.class("System", "Console", object)
	environment := b.class("System", "Environment", object)
	action := b.class("System", "Action", multicast)
	array := b.class("System", "Array", object)
	list := b.class("System.Collections.Generic", "List`1", object)
	b.class("System", "DayOfWeek", enum)
	exception := b.class("System", "Exception", object)

	objSig := image.ClassSig(object)
	i4 := image.Int32Sig
	s := image.StringSig

	b.instance(object, ".ctor", image.VoidSig())
	b.virtual(object, "ToString", s())
	b.virtual(object, "GetHashCode", i4())
	b.virtual(object, "Equals", image.BoolSig(), image.ObjectSig())

	b.instance(int32T, "ToString", s())
	b.instance(int32T, "CompareTo", i4(), i4())
	b.static(int32T, "Parse", i4(), s())
	b.instance(intPtr, "ToInt32", i4())
	b.instance(boolean, "ToString", s())

	b.instance(str, "get_Length", i4())
	b.static(str, "Concat", s(), s(), s())
	b.static(str, "IsNullOrEmpty", image.BoolSig(), s())
	b.instance(str, "Normalize", s())

	b.static(typeT, "GetTypeFromHandle", image.ClassSig(typeT), image.ValueTypeSig(typeHandle))
	b.virtual(typeT, "get_Module", image.ClassSig(module))
	b.virtual(typeT, "get_FullName", s())
	b.virtual(module, "ResolveMethod", image.ClassSig(methodBase), i4())
	b.virtual(methodBase, "get_MethodHandle", image.ValueTypeSig(methodHandle))
	b.virtual(methodBase, "get_Name", s())
	b.instance(methodHandle, "GetFunctionPointer", image.IntPtrSig())

	b.static(math, "Max", i4(), i4(), i4())
	b.static(math, "Min", i4(), i4(), i4())
	b.static(math, "Abs", i4(), i4())

	b.static(console, "WriteLine", image.VoidSig())
	b.static(console, "WriteLine", image.VoidSig(), i4())
	b.static(console, "WriteLine", image.VoidSig(), s())
	b.static(console, "WriteLine", image.VoidSig(), objSig)
	b.static(console, "Write", image.VoidSig(), s())

	b.static(environment, "get_TickCount", i4())
	b.static(environment, "Exit", image.VoidSig(), i4())

	ctor := b.instance(action, ".ctor", image.VoidSig(), image.ObjectSig(), image.IntPtrSig())
	ctor.ImplFlags = image.ImplRuntime
	invoke := b.virtual(action, "Invoke", image.VoidSig())
	invoke.ImplFlags = image.ImplRuntime

	empty := b.static(array, "Empty", image.SzArrayOf(image.MVarSig(0)))
	empty.Signature.GenericParams = 1

	b.instance(list, ".ctor", image.VoidSig())
	b.instance(list, "Add", image.VoidSig(), image.VarSig(0))
	b.instance(list, "get_Count", i4())
	b.instance(list, "get_Item", image.VarSig(0), i4())

	b.instance(exception, ".ctor", image.VoidSig(), s())
	b.virtual(exception, "get_Message", s())

	return b.mod
}

func (b *builder) class(ns, name string, base *image.TypeDef) *image.TypeDef {
	t := &image.TypeDef{Namespace: ns, Name: name, Flags: image.TypePublic}
	if base != nil {
		t.Extends = base
	}
	return b.mod.AddTypeDef(t)
}

func (b *builder) method(t *image.TypeDef, name string, flags image.MethodAttributes, sig *image.MethodSignature) *image.MethodDef {
	if name == ".ctor" {
		flags |= image.MethodSpecialName | image.MethodRTSpecialName
	}
	return b.mod.AddMethod(t, &image.MethodDef{
		Name:      name,
		Flags:     image.MethodPublic | flags,
		ImplFlags: image.ImplInternalCall,
		Signature: sig,
	})
}

func (b *builder) static(t *image.TypeDef, name string, ret *image.TypeSig, params ...*image.TypeSig) *image.MethodDef {
	return b.method(t, name, image.MethodStatic, image.StaticSig(ret, params...))
}

func (b *builder) instance(t *image.TypeDef, name string, ret *image.TypeSig, params ...*image.TypeSig) *image.MethodDef {
	return b.method(t, name, 0, image.InstanceSig(ret, params...))
}

func (b *builder) virtual(t *image.TypeDef, name string, ret *image.TypeSig, params ...*image.TypeSig) *image.MethodDef {
	return b.method(t, name, image.MethodVirtual, image.InstanceSig(ret, params...))
}

// Lookup finds a method by its key, "NS.Type::Name(params)".
func Lookup(lib *image.Module, key string) (*image.MethodDef, error) {
	for _, t := range lib.TypeDefs {
		for _, md := range t.Methods {
			if md.Key() == key {
				return md, nil
			}
		}
	}
	return nil, fmt.Errorf("%s: %s: %w", lib.Name, key, image.ErrUnresolved)
}

// MustLookup is Lookup for keys known to exist.
func MustLookup(lib *image.Module, key string) *image.MethodDef {
	md, err := Lookup(lib, key)
	if err != nil {
		panic(err)
	}
	return md
}
