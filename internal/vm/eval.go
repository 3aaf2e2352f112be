package vm

import (
	"fmt"
	"math"

	"callobf/internal/image"
)

// exec runs f until it returns. The result is meaningful only for methods
// whose signature returns a value.
func (vm *VM) exec(f *Frame) (Value, *VMError) {
	for {
		if vm.Halted {
			return Value{}, nil
		}
		if f.IP >= len(f.code) {
			return Value{}, vm.eb.makeError(PanicUnimplemented, "execution ran past the end of "+f.Method.FullName())
		}
		ins := f.code[f.IP]
		f.IP++
		vm.steps++
		if vm.steps > vm.maxSteps {
			return Value{}, vm.eb.makeError(PanicStepLimit, fmt.Sprintf("instruction budget of %d exhausted", vm.maxSteps))
		}
		if ins.OpCode.Code == image.OpRet.Code {
			if !f.Method.Signature.Returns() {
				return Value{}, nil
			}
			v, ok := f.pop()
			if !ok {
				return Value{}, vm.underflow(ins)
			}
			return v, nil
		}
		if vmErr := vm.step(f, ins); vmErr != nil {
			return Value{}, vmErr
		}
	}
}

func (vm *VM) underflow(ins *image.Instruction) *VMError {
	return vm.eb.makeError(PanicStackUnderflow, "evaluation stack empty at "+ins.OpCode.Name)
}

// step executes one non-returning instruction.
func (vm *VM) step(f *Frame, ins *image.Instruction) *VMError {
	op := ins.OpCode
	switch op.Code {
	case image.OpNop.Code:
		return nil

	case image.OpLdarg0.Code, image.OpLdarg1.Code, image.OpLdarg2.Code, image.OpLdarg3.Code,
		image.OpLdargS.Code, image.OpLdarg.Code:
		i := ins.VarIndex()
		if i < 0 || i >= len(f.Args) {
			return vm.eb.outOfRange(int64(i), len(f.Args))
		}
		f.push(f.Args[i])

	case image.OpLdloc0.Code, image.OpLdloc1.Code, image.OpLdloc2.Code, image.OpLdloc3.Code,
		image.OpLdlocS.Code, image.OpLdloc.Code:
		i := ins.VarIndex()
		if i < 0 || i >= len(f.Locals) {
			return vm.eb.outOfRange(int64(i), len(f.Locals))
		}
		f.push(f.Locals[i])

	case image.OpStloc0.Code, image.OpStloc1.Code, image.OpStloc2.Code, image.OpStloc3.Code,
		image.OpStlocS.Code, image.OpStloc.Code:
		i := ins.VarIndex()
		if i < 0 || i >= len(f.Locals) {
			return vm.eb.outOfRange(int64(i), len(f.Locals))
		}
		v, ok := f.pop()
		if !ok {
			return vm.underflow(ins)
		}
		f.Locals[i] = v

	case image.OpLdlocaS.Code, image.OpLdloca.Code:
		i := ins.VarIndex()
		if i < 0 || i >= len(f.Locals) {
			return vm.eb.outOfRange(int64(i), len(f.Locals))
		}
		f.push(Value{Kind: VKPtr, Ref: &f.Locals[i]})

	case image.OpLdnull.Code:
		f.push(Null)

	case image.OpLdcI4M1.Code, image.OpLdcI40.Code, image.OpLdcI41.Code, image.OpLdcI42.Code,
		image.OpLdcI43.Code, image.OpLdcI44.Code, image.OpLdcI45.Code, image.OpLdcI46.Code,
		image.OpLdcI47.Code, image.OpLdcI48.Code, image.OpLdcI4S.Code, image.OpLdcI4.Code:
		f.push(Int32Value(ins.LdcI4Value()))

	case image.OpDup.Code:
		v, ok := f.pop()
		if !ok {
			return vm.underflow(ins)
		}
		f.push(v)
		f.push(v)

	case image.OpPop.Code:
		if _, ok := f.pop(); !ok {
			return vm.underflow(ins)
		}

	case image.OpLdstr.Code:
		s, _ := ins.Operand.(string)
		f.push(StringValue(s))

	case image.OpBr.Code, image.OpBrS.Code:
		return vm.jump(f, ins)

	case image.OpBrtrue.Code, image.OpBrtrueS.Code, image.OpBrfalse.Code, image.OpBrfalseS.Code:
		v, ok := f.pop()
		if !ok {
			return vm.underflow(ins)
		}
		want := op.Code == image.OpBrtrue.Code || op.Code == image.OpBrtrueS.Code
		if v.Truthy() == want {
			return vm.jump(f, ins)
		}

	case image.OpAdd.Code, image.OpSub.Code, image.OpMul.Code, image.OpDiv.Code, image.OpRem.Code,
		image.OpAnd.Code, image.OpOr.Code, image.OpXor.Code,
		image.OpCeq.Code, image.OpCgt.Code, image.OpClt.Code:
		return vm.binary(f, ins)

	case image.OpNeg.Code:
		v, ok := f.pop()
		if !ok {
			return vm.underflow(ins)
		}
		if v.Kind == VKNativeInt {
			f.push(NativeIntValue(-v.I))
		} else {
			f.push(Int32Value(-v.Int32()))
		}

	case image.OpConvI4.Code:
		v, ok := f.pop()
		if !ok {
			return vm.underflow(ins)
		}
		f.push(Int32Value(v.Int32()))

	case image.OpConvI.Code:
		v, ok := f.pop()
		if !ok {
			return vm.underflow(ins)
		}
		if v.Kind == VKInt32 {
			f.push(NativeIntValue(int64(v.Int32())))
		} else {
			f.push(NativeIntValue(v.I))
		}

	case image.OpCall.Code, image.OpCallvirt.Code:
		return vm.call(f, ins)

	case image.OpCalli.Code:
		return vm.calli(f, ins)

	case image.OpNewobj.Code:
		return vm.newobj(f, ins)

	case image.OpLdftn.Code:
		def, vmErr := vm.resolve(ins.Method())
		if vmErr != nil {
			return vmErr
		}
		f.push(NativeIntValue(vm.functionPointer(def)))

	case image.OpLdfld.Code, image.OpStfld.Code:
		return vm.instanceField(f, ins)

	case image.OpLdsfld.Code:
		fd, vmErr := vm.staticField(ins)
		if vmErr != nil {
			return vmErr
		}
		v, ok := vm.statics[fd]
		if !ok {
			v = zeroValue(fd.Type)
		}
		f.push(v)

	case image.OpStsfld.Code:
		fd, vmErr := vm.staticField(ins)
		if vmErr != nil {
			return vmErr
		}
		v, ok := f.pop()
		if !ok {
			return vm.underflow(ins)
		}
		vm.statics[fd] = v

	case image.OpNewarr.Code:
		n, ok := f.pop()
		if !ok {
			return vm.underflow(ins)
		}
		if n.I < 0 || n.I > math.MaxInt32 {
			return vm.eb.makeError(PanicOverflow, fmt.Sprintf("array length %d", n.I))
		}
		elem := elementZero(ins.Operand)
		items := make([]Value, n.I)
		for i := range items {
			items[i] = elem
		}
		f.push(RefValue(&Array{Items: items}))

	case image.OpLdlen.Code:
		v, ok := f.pop()
		if !ok {
			return vm.underflow(ins)
		}
		arr, vmErr := vm.array(v, ins)
		if vmErr != nil {
			return vmErr
		}
		f.push(NativeIntValue(int64(len(arr.Items))))

	case image.OpLdelemI.Code, image.OpLdelemI4.Code:
		vals, ok := f.popN(2)
		if !ok {
			return vm.underflow(ins)
		}
		arr, vmErr := vm.array(vals[0], ins)
		if vmErr != nil {
			return vmErr
		}
		idx := vals[1].I
		if idx < 0 || idx >= int64(len(arr.Items)) {
			return vm.eb.outOfRange(idx, len(arr.Items))
		}
		v := arr.Items[idx]
		if op.Code == image.OpLdelemI4.Code {
			v = Int32Value(v.Int32())
		}
		f.push(v)

	case image.OpStelemI.Code, image.OpStelemI4.Code:
		vals, ok := f.popN(3)
		if !ok {
			return vm.underflow(ins)
		}
		arr, vmErr := vm.array(vals[0], ins)
		if vmErr != nil {
			return vmErr
		}
		idx := vals[1].I
		if idx < 0 || idx >= int64(len(arr.Items)) {
			return vm.eb.outOfRange(idx, len(arr.Items))
		}
		v := vals[2]
		if op.Code == image.OpStelemI.Code {
			v = NativeIntValue(v.I)
		} else {
			v = Int32Value(v.Int32())
		}
		arr.Items[idx] = v

	case image.OpLdtoken.Code:
		return vm.ldtoken(f, ins)

	case image.OpThrow.Code:
		v, ok := f.pop()
		if !ok {
			return vm.underflow(ins)
		}
		if v.IsNull() {
			return vm.eb.nullReference("throw")
		}
		return vm.eb.makeError(PanicUnhandledException, refString(v.Ref))

	default:
		return vm.eb.unimplemented("opcode " + op.Name)
	}
	return nil
}

func (vm *VM) jump(f *Frame, ins *image.Instruction) *VMError {
	idx, ok := f.targets[ins.Target()]
	if !ok {
		return vm.eb.makeError(PanicUnimplemented, "branch target outside "+f.Method.FullName())
	}
	f.IP = idx
	return nil
}

// binary evaluates arithmetic, bitwise and comparison opcodes. int32 operands
// wrap on overflow; a native int operand widens the operation.
func (vm *VM) binary(f *Frame, ins *image.Instruction) *VMError {
	vals, ok := f.popN(2)
	if !ok {
		return vm.underflow(ins)
	}
	a, b := vals[0], vals[1]
	code := ins.OpCode.Code

	switch code {
	case image.OpCeq.Code:
		f.push(boolValue(equalValues(a, b)))
		return nil
	case image.OpCgt.Code:
		f.push(boolValue(a.I > b.I))
		return nil
	case image.OpClt.Code:
		f.push(boolValue(a.I < b.I))
		return nil
	}

	native := a.Kind == VKNativeInt || b.Kind == VKNativeInt
	x, y := a.I, b.I
	if !native {
		x, y = int64(a.Int32()), int64(b.Int32())
	}
	var r int64
	switch code {
	case image.OpAdd.Code:
		r = x + y
	case image.OpSub.Code:
		r = x - y
	case image.OpMul.Code:
		r = x * y
	case image.OpDiv.Code, image.OpRem.Code:
		if y == 0 {
			return vm.eb.makeError(PanicDivideByZero, "attempted to divide by zero")
		}
		if y == -1 && ((!native && x == math.MinInt32) || (native && x == math.MinInt64)) {
			return vm.eb.makeError(PanicOverflow, "arithmetic operation resulted in an overflow")
		}
		if code == image.OpDiv.Code {
			r = x / y
		} else {
			r = x % y
		}
	case image.OpAnd.Code:
		r = x & y
	case image.OpOr.Code:
		r = x | y
	case image.OpXor.Code:
		r = x ^ y
	}
	if native {
		f.push(NativeIntValue(r))
	} else {
		f.push(Int32Value(int32(r))) //nolint:gosec // int32 arithmetic wraps
	}
	return nil
}

func boolValue(b bool) Value {
	if b {
		return Int32Value(1)
	}
	return Int32Value(0)
}

func equalValues(a, b Value) bool {
	switch {
	case a.Kind == VKRef && b.Kind == VKRef:
		return a.Ref == b.Ref
	case a.Kind == VKRef || b.Kind == VKRef:
		return false
	default:
		return a.I == b.I
	}
}

// call handles call and callvirt, including virtual dispatch on user objects.
func (vm *VM) call(f *Frame, ins *image.Instruction) *VMError {
	desc := ins.Method()
	if desc == nil {
		return vm.eb.makeError(PanicTypeMismatch, "call without method operand")
	}
	def, vmErr := vm.resolve(desc)
	if vmErr != nil {
		return vmErr
	}
	sig := desc.MethodSig()
	args, ok := f.popN(sig.StackArgs())
	if !ok {
		return vm.underflow(ins)
	}
	if sig.HasThis && len(args) > 0 {
		if args[0].IsNull() {
			return vm.eb.nullReference(def.FullName())
		}
		if ins.OpCode.Code == image.OpCallvirt.Code {
			def = vm.dispatch(def, args[0])
		}
	} else if vmErr := vm.initType(def.DeclaringType); vmErr != nil {
		return vmErr
	}
	return vm.complete(f, def, sig, args)
}

// calli calls through a function pointer after checking the call-site
// signature against the target.
func (vm *VM) calli(f *Frame, ins *image.Instruction) *VMError {
	sa, _ := ins.Operand.(*image.StandAloneSig)
	if sa == nil {
		return vm.eb.makeError(PanicTypeMismatch, "calli without signature operand")
	}
	ptr, ok := f.pop()
	if !ok {
		return vm.underflow(ins)
	}
	if ptr.Kind != VKNativeInt {
		return vm.eb.typeMismatch("native int", ptr)
	}
	def, known := vm.fnByPtr[ptr.I]
	if !known {
		return vm.eb.makeError(PanicBadFunctionPointer, fmt.Sprintf("0x%x is not a function pointer", ptr.I))
	}
	if got, want := sa.Signature.String(), def.Signature.String(); got != want {
		return vm.eb.makeError(PanicSignatureMismatch, fmt.Sprintf("calli %s through %s", def.FullName(), got))
	}
	args, ok := f.popN(sa.Signature.StackArgs())
	if !ok {
		return vm.underflow(ins)
	}
	if sa.Signature.HasThis && len(args) > 0 && args[0].IsNull() {
		return vm.eb.nullReference(def.FullName())
	}
	return vm.complete(f, def, sa.Signature, args)
}

func (vm *VM) complete(f *Frame, def *image.MethodDef, sig *image.MethodSignature, args []Value) *VMError {
	v, vmErr := vm.invoke(def, args)
	if vmErr != nil {
		return vmErr
	}
	if sig.Returns() && !vm.Halted {
		f.push(v)
	}
	return nil
}

// dispatch picks the most derived override of a virtual method.
func (vm *VM) dispatch(def *image.MethodDef, this Value) *image.MethodDef {
	if def.Flags&image.MethodVirtual == 0 {
		return def
	}
	want := def.Signature.String()
	for t := runtimeType(this); t != nil; {
		for _, m := range t.Methods {
			if m.Name == def.Name && m.Flags&image.MethodVirtual != 0 && m.Signature.String() == want {
				return m
			}
		}
		base, err := vm.res.BaseType(t)
		if err != nil {
			break
		}
		t = base
	}
	return def
}

// newobj allocates an object and runs its constructor. Runtime-implemented
// constructors act as factories and receive no this argument.
func (vm *VM) newobj(f *Frame, ins *image.Instruction) *VMError {
	desc := ins.Method()
	if desc == nil {
		return vm.eb.makeError(PanicTypeMismatch, "newobj without constructor operand")
	}
	def, vmErr := vm.resolve(desc)
	if vmErr != nil {
		return vmErr
	}
	args, ok := f.popN(len(desc.MethodSig().Params))
	if !ok {
		return vm.underflow(ins)
	}
	if vmErr := vm.initType(def.DeclaringType); vmErr != nil {
		return vmErr
	}
	if def.IsNative() {
		v, vmErr := vm.invoke(def, args)
		if vmErr != nil {
			return vmErr
		}
		if v.Kind == VKInvalid {
			v = RefValue(&Object{Type: def.DeclaringType, Fields: map[*image.FieldDef]Value{}})
		}
		f.push(v)
		return nil
	}
	obj := vm.allocate(def.DeclaringType)
	this := RefValue(obj)
	if _, vmErr := vm.invoke(def, append([]Value{this}, args...)); vmErr != nil {
		return vmErr
	}
	f.push(this)
	return nil
}

// allocate creates an object with every instance field of t and its bases zeroed.
func (vm *VM) allocate(t *image.TypeDef) *Object {
	obj := &Object{Type: t, Fields: make(map[*image.FieldDef]Value)}
	for cur := t; cur != nil; {
		for _, fd := range cur.Fields {
			if !fd.IsStatic() {
				obj.Fields[fd] = zeroValue(fd.Type)
			}
		}
		base, err := vm.res.BaseType(cur)
		if err != nil {
			break
		}
		cur = base
	}
	return obj
}

func (vm *VM) instanceField(f *Frame, ins *image.Instruction) *VMError {
	fd, _ := ins.Operand.(*image.FieldDef)
	if fd == nil {
		return vm.eb.makeError(PanicTypeMismatch, ins.OpCode.Name+" without field operand")
	}
	store := ins.OpCode.Code == image.OpStfld.Code
	n := 1
	if store {
		n = 2
	}
	vals, ok := f.popN(n)
	if !ok {
		return vm.underflow(ins)
	}
	target := vals[0].Deref()
	obj, isObj := target.Ref.(*Object)
	if target.IsNull() || !isObj {
		if target.IsNull() {
			return vm.eb.nullReference(fd.FullName())
		}
		return vm.eb.typeMismatch("object", target)
	}
	if store {
		obj.Fields[fd] = vals[1]
		return nil
	}
	v, found := obj.Fields[fd]
	if !found {
		v = zeroValue(fd.Type)
	}
	f.push(v)
	return nil
}

func (vm *VM) staticField(ins *image.Instruction) (*image.FieldDef, *VMError) {
	fd, _ := ins.Operand.(*image.FieldDef)
	if fd == nil {
		return nil, vm.eb.makeError(PanicTypeMismatch, ins.OpCode.Name+" without field operand")
	}
	if fd.DeclaringType != nil {
		if vmErr := vm.initModule(fd.DeclaringType.Module); vmErr != nil {
			return nil, vmErr
		}
		if vmErr := vm.initType(fd.DeclaringType); vmErr != nil {
			return nil, vmErr
		}
	}
	return fd, nil
}

func (vm *VM) array(v Value, ins *image.Instruction) (*Array, *VMError) {
	if v.IsNull() {
		return nil, vm.eb.nullReference(ins.OpCode.Name)
	}
	arr, ok := v.Ref.(*Array)
	if !ok {
		return nil, vm.eb.typeMismatch("array", v)
	}
	return arr, nil
}

// ldtoken pushes a runtime handle for a type or method operand.
func (vm *VM) ldtoken(f *Frame, ins *image.Instruction) *VMError {
	switch op := ins.Operand.(type) {
	case image.MethodDescriptor:
		def, vmErr := vm.resolve(op)
		if vmErr != nil {
			return vmErr
		}
		f.push(Value{Kind: VKStruct, Ref: methodHandle{def: def}})
	case image.TypeDescriptor:
		def, err := vm.res.ResolveType(op)
		if err != nil {
			return vm.eb.unresolved(op.FullName(), err)
		}
		f.push(Value{Kind: VKStruct, Ref: typeHandle{def: def}})
	default:
		return vm.eb.makeError(PanicTypeMismatch, fmt.Sprintf("ldtoken operand %T", ins.Operand))
	}
	return nil
}

// elementZero is the default element for newarr of the given type.
func elementZero(operand any) Value {
	t, ok := operand.(image.TypeDescriptor)
	if !ok {
		return Null
	}
	switch t.FullName() {
	case "System.Int32", "System.Boolean":
		return Int32Value(0)
	case "System.IntPtr":
		return NativeIntValue(0)
	default:
		return Null
	}
}
