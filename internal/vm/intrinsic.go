package vm

import (
	"fmt"
	"math"
	"strconv"

	"golang.org/x/text/unicode/norm"

	"callobf/internal/corlib"
	"callobf/internal/image"
)

// nativeFunc implements a runtime-supplied method. Instance methods receive
// this as args[0]; constructors reached through newobj receive only their
// parameters and return the new object.
type nativeFunc func(vm *VM, md *image.MethodDef, args []Value) (Value, *VMError)

func builtinNatives() map[string]nativeFunc {
	n := map[string]nativeFunc{
		"System.Object::.ctor()":                func(*VM, *image.MethodDef, []Value) (Value, *VMError) { return Value{}, nil },
		"System.Object::ToString()":             objectToString,
		"System.Object::GetHashCode()":          objectHashCode,
		"System.Object::Equals(object)":         objectEquals,
		"System.Int32::ToString()":              int32ToString,
		"System.Int32::CompareTo(int32)":        int32CompareTo,
		"System.Int32::Parse(string)":           int32Parse,
		"System.IntPtr::ToInt32()":              intPtrToInt32,
		"System.Boolean::ToString()":            boolToString,
		"System.String::get_Length()":           stringLength,
		"System.String::Concat(string, string)": stringConcat,
		"System.String::IsNullOrEmpty(string)":  stringIsNullOrEmpty,
		"System.String::Normalize()":            stringNormalize,

		corlib.GetTypeFromHandle:                   getTypeFromHandle,
		corlib.GetModule:                           typeGetModule,
		"System.Type::get_FullName()":              typeFullName,
		corlib.ResolveMethod:                       moduleResolveMethod,
		corlib.GetMethodHandle:                     methodGetHandle,
		"System.Reflection.MethodBase::get_Name()": methodName,
		corlib.GetFunctionPointer:                  handleFunctionPointer,

		"System.Math::Max(int32, int32)": mathMax,
		"System.Math::Min(int32, int32)": mathMin,
		"System.Math::Abs(int32)":        mathAbs,

		"System.Console::WriteLine()":                    consoleWriteLine,
		"System.Console::WriteLine(int32)":               consoleWriteLine,
		"System.Console::WriteLine(string)":              consoleWriteLine,
		"System.Console::WriteLine(class System.Object)": consoleWriteLine,
		"System.Console::Write(string)":                  consoleWrite,

		"System.Environment::get_TickCount()": envTickCount,
		"System.Environment::Exit(int32)":     envExit,

		"System.Action::.ctor(object, native int)": actionCtor,
		"System.Action::Invoke()":                  actionInvoke,

		"System.Array::Empty()": arrayEmpty,

		"System.Collections.Generic.List`1::.ctor()":         listCtor,
		"System.Collections.Generic.List`1::Add(!0)":         listAdd,
		"System.Collections.Generic.List`1::get_Count()":     listCount,
		"System.Collections.Generic.List`1::get_Item(int32)": listItem,

		"System.Exception::.ctor(string)": exceptionCtor,
		"System.Exception::get_Message()": exceptionMessage,
	}
	return n
}

// receiver returns the instance argument with managed pointers followed.
func receiver(args []Value) Value {
	if len(args) == 0 {
		return Null
	}
	return args[0].Deref()
}

func objectToString(_ *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	return StringValue(receiver(args).String()), nil
}

func objectHashCode(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	this := receiver(args)
	switch r := this.Ref.(type) {
	case string:
		var h int32
		for _, c := range r {
			h = h*31 + c
		}
		return Int32Value(h), nil
	case nil:
		return Int32Value(this.Int32()), nil
	default:
		return Int32Value(vm.identity(r)), nil
	}
}

func objectEquals(_ *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	return boolValue(equalValues(receiver(args), args[1])), nil
}

func int32ToString(_ *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	return StringValue(strconv.FormatInt(int64(receiver(args).Int32()), 10)), nil
}

func int32CompareTo(_ *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	a, b := receiver(args).Int32(), args[1].Int32()
	switch {
	case a < b:
		return Int32Value(-1), nil
	case a > b:
		return Int32Value(1), nil
	default:
		return Int32Value(0), nil
	}
}

func int32Parse(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	s, ok := args[0].Ref.(string)
	if !ok {
		return Value{}, vm.eb.nullReference("System.Int32::Parse")
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return Value{}, vm.eb.makeError(PanicUnhandledException, "System.FormatException: input string was not in a correct format")
	}
	return Int32Value(int32(n)), nil
}

func intPtrToInt32(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	v := receiver(args)
	if v.I > math.MaxInt32 || v.I < math.MinInt32 {
		return Value{}, vm.eb.makeError(PanicOverflow, "native int does not fit in int32")
	}
	return Int32Value(v.Int32()), nil
}

func boolToString(_ *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	if receiver(args).Truthy() {
		return StringValue("True"), nil
	}
	return StringValue("False"), nil
}

func stringArg(vm *VM, v Value, what string) (string, *VMError) {
	s, ok := v.Ref.(string)
	if !ok {
		if v.IsNull() {
			return "", vm.eb.nullReference(what)
		}
		return "", vm.eb.typeMismatch("string", v)
	}
	return s, nil
}

func stringLength(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	s, vmErr := stringArg(vm, receiver(args), "System.String::get_Length")
	if vmErr != nil {
		return Value{}, vmErr
	}
	return Int32Value(int32(len([]rune(s)))), nil //nolint:gosec // strings are far below 2^31 runes
}

func stringConcat(_ *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	return StringValue(args[0].String() + args[1].String()), nil
}

// stringNormalize returns the NFC form, the default of String.Normalize().
func stringNormalize(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	s, vmErr := stringArg(vm, receiver(args), "System.String::Normalize")
	if vmErr != nil {
		return Value{}, vmErr
	}
	return StringValue(norm.NFC.String(s)), nil
}

func stringIsNullOrEmpty(_ *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	s, _ := args[0].Ref.(string)
	return boolValue(s == ""), nil
}

func getTypeFromHandle(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	h, ok := args[0].Deref().Ref.(typeHandle)
	if !ok {
		return Value{}, vm.eb.typeMismatch("RuntimeTypeHandle", args[0])
	}
	return RefValue(&typeObject{def: h.def}), nil
}

func typeGetModule(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	t, ok := receiver(args).Ref.(*typeObject)
	if !ok {
		return Value{}, vm.eb.typeMismatch("System.Type", receiver(args))
	}
	return RefValue(&moduleObject{mod: t.def.Module}), nil
}

func typeFullName(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	t, ok := receiver(args).Ref.(*typeObject)
	if !ok {
		return Value{}, vm.eb.typeMismatch("System.Type", receiver(args))
	}
	return StringValue(t.def.FullName()), nil
}

// moduleResolveMethod resolves a method token in the scope of the receiving
// module, following references into the libraries they name.
func moduleResolveMethod(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	m, ok := receiver(args).Ref.(*moduleObject)
	if !ok {
		return Value{}, vm.eb.typeMismatch("System.Reflection.Module", receiver(args))
	}
	tok := image.Token(uint32(args[1].Int32())) //nolint:gosec // bit reinterpretation
	desc, err := m.mod.LookupMethod(tok)
	if err != nil {
		return Value{}, vm.eb.makeError(PanicUnhandledException,
			fmt.Sprintf("System.ArgumentOutOfRangeException: token %s is not valid in the scope of module %s: %v", tok, m.mod.Name, err))
	}
	def, vmErr := vm.resolve(desc)
	if vmErr != nil {
		return Value{}, vmErr
	}
	return RefValue(&methodObject{def: def}), nil
}

func methodGetHandle(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	m, ok := receiver(args).Ref.(*methodObject)
	if !ok {
		return Value{}, vm.eb.typeMismatch("System.Reflection.MethodBase", receiver(args))
	}
	return Value{Kind: VKStruct, Ref: methodHandle{def: m.def}}, nil
}

func methodName(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	m, ok := receiver(args).Ref.(*methodObject)
	if !ok {
		return Value{}, vm.eb.typeMismatch("System.Reflection.MethodBase", receiver(args))
	}
	return StringValue(m.def.Name), nil
}

func handleFunctionPointer(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	h, ok := receiver(args).Ref.(methodHandle)
	if !ok {
		return Value{}, vm.eb.typeMismatch("RuntimeMethodHandle", receiver(args))
	}
	return NativeIntValue(vm.functionPointer(h.def)), nil
}

func mathMax(_ *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	return Int32Value(max(args[0].Int32(), args[1].Int32())), nil
}

func mathMin(_ *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	return Int32Value(min(args[0].Int32(), args[1].Int32())), nil
}

func mathAbs(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	v := args[0].Int32()
	if v == math.MinInt32 {
		return Value{}, vm.eb.makeError(PanicOverflow, "negating the minimum value of a twos complement number is invalid")
	}
	if v < 0 {
		v = -v
	}
	return Int32Value(v), nil
}

func consoleWriteLine(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	line := ""
	if len(args) > 0 {
		line = args[0].String()
	}
	fmt.Fprintln(vm.out, line)
	return Value{}, nil
}

func consoleWrite(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	fmt.Fprint(vm.out, args[0].String())
	return Value{}, nil
}

func envTickCount(vm *VM, _ *image.MethodDef, _ []Value) (Value, *VMError) {
	return Int32Value(int32(vm.Elapsed().Milliseconds() & math.MaxInt32)), nil //nolint:gosec // masked
}

func envExit(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	vm.ExitCode = int(args[0].Int32())
	vm.Halted = true
	return Value{}, nil
}

func actionCtor(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	target, ok := vm.fnByPtr[args[1].I]
	if !ok {
		return Value{}, vm.eb.makeError(PanicBadFunctionPointer, fmt.Sprintf("0x%x is not a function pointer", args[1].I))
	}
	return RefValue(&delegateObject{target: args[0], method: target}), nil
}

func actionInvoke(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	d, ok := receiver(args).Ref.(*delegateObject)
	if !ok {
		return Value{}, vm.eb.typeMismatch("System.Action", receiver(args))
	}
	var callArgs []Value
	if !d.method.IsStatic() {
		callArgs = []Value{d.target}
	}
	_, vmErr := vm.invoke(d.method, callArgs)
	return Value{}, vmErr
}

func arrayEmpty(_ *VM, _ *image.MethodDef, _ []Value) (Value, *VMError) {
	return RefValue(&Array{}), nil
}

func listCtor(_ *VM, _ *image.MethodDef, _ []Value) (Value, *VMError) {
	return RefValue(&listObject{}), nil
}

func listOf(vm *VM, args []Value) (*listObject, *VMError) {
	l, ok := receiver(args).Ref.(*listObject)
	if !ok {
		return nil, vm.eb.typeMismatch("List`1", receiver(args))
	}
	return l, nil
}

func listAdd(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	l, vmErr := listOf(vm, args)
	if vmErr != nil {
		return Value{}, vmErr
	}
	l.items = append(l.items, args[1])
	return Value{}, nil
}

func listCount(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	l, vmErr := listOf(vm, args)
	if vmErr != nil {
		return Value{}, vmErr
	}
	return Int32Value(int32(len(l.items))), nil //nolint:gosec // list sizes stay small
}

func listItem(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	l, vmErr := listOf(vm, args)
	if vmErr != nil {
		return Value{}, vmErr
	}
	i := int64(args[1].Int32())
	if i < 0 || i >= int64(len(l.items)) {
		return Value{}, vm.eb.outOfRange(i, len(l.items))
	}
	return l.items[i], nil
}

func exceptionCtor(_ *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	return RefValue(&exceptionObject{message: args[0].String()}), nil
}

func exceptionMessage(vm *VM, _ *image.MethodDef, args []Value) (Value, *VMError) {
	e, ok := receiver(args).Ref.(*exceptionObject)
	if !ok {
		return Value{}, vm.eb.typeMismatch("System.Exception", receiver(args))
	}
	return StringValue(e.message), nil
}
