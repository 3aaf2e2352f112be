package vm_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callobf/internal/corlib"
	"callobf/internal/image"
	"callobf/internal/image/imagetest"
	"callobf/internal/vm"
)

const (
	keyWriteInt    = "System.Console::WriteLine(int32)"
	keyWriteString = "System.Console::WriteLine(string)"
	keyMax         = "System.Math::Max(int32, int32)"
)

func run(t *testing.T, b *imagetest.Builder, opts vm.Options) (string, *vm.VM, error) {
	t.Helper()
	var out bytes.Buffer
	opts.Stdout = &out
	machine := vm.New(b.Mod, b.Resolver(), opts)
	err := machine.Run()
	return out.String(), machine, err
}

func requirePanic(t *testing.T, err error, code vm.PanicCode) *vm.VMError {
	t.Helper()
	require.Error(t, err)
	var vmErr *vm.VMError
	require.ErrorAs(t, err, &vmErr)
	assert.Equal(t, code, vmErr.Code, vmErr.Format())
	return vmErr
}

func TestVM_PrintsAndCalls(t *testing.T) {
	b := imagetest.New("hello")
	b.Main(
		image.LdcI4(3),
		image.LdcI4(9),
		imagetest.Call(b.Ref(keyMax)),
		imagetest.Call(b.Ref(keyWriteInt)),
		imagetest.Ldstr("hi"),
		imagetest.Call(b.Ref(keyWriteString)),
		imagetest.Ret(),
	)
	out, _, err := run(t, b, vm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "9\nhi\n", out)
}

func TestVM_StringNormalize(t *testing.T) {
	b := imagetest.New("norm")
	length := b.Ref("System.String::get_Length()")
	b.Main(
		imagetest.Ldstr("e\u0301"),
		imagetest.Callvirt(length),
		imagetest.Call(b.Ref(keyWriteInt)),
		imagetest.Ldstr("e\u0301"),
		imagetest.Callvirt(b.Ref("System.String::Normalize()")),
		imagetest.Callvirt(length),
		imagetest.Call(b.Ref(keyWriteInt)),
		imagetest.Ret(),
	)
	out, _, err := run(t, b, vm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "2\n1\n", out)
}

func TestVM_Arithmetic(t *testing.T) {
	b := imagetest.New("arith")
	b.Main(
		image.LdcI4(0x7fffffff),
		image.LdcI4(1),
		imagetest.Op(image.OpAdd), // wraps
		imagetest.Call(b.Ref(keyWriteInt)),
		image.LdcI4(-7),
		image.LdcI4(2),
		imagetest.Op(image.OpRem),
		imagetest.Call(b.Ref(keyWriteInt)),
		image.LdcI4(0x0f0f),
		image.LdcI4(0x00ff),
		imagetest.Op(image.OpXor),
		imagetest.Call(b.Ref(keyWriteInt)),
		imagetest.Ret(),
	)
	out, _, err := run(t, b, vm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "-2147483648\n-1\n4080\n", out)
}

func TestVM_Branches(t *testing.T) {
	b := imagetest.New("loop")
	// for i := 0; i < 3; i++ { WriteLine(i) }
	check := image.NewInstruction(image.OpLdloc0, nil)
	body := image.NewInstruction(image.OpLdloc0, nil)
	main := b.Main(
		image.LdcI4(0),
		image.NewInstruction(image.OpStloc0, nil),
		image.NewInstruction(image.OpBr, check),
		body,
		imagetest.Call(b.Ref(keyWriteInt)),
		image.NewInstruction(image.OpLdloc0, nil),
		image.LdcI4(1),
		imagetest.Op(image.OpAdd),
		image.NewInstruction(image.OpStloc0, nil),
		check,
		image.LdcI4(3),
		imagetest.Op(image.OpClt),
		image.NewInstruction(image.OpBrtrue, body),
		imagetest.Ret(),
	)
	main.Body.AddLocal(image.Int32Sig())
	out, _, err := run(t, b, vm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "0\n1\n2\n", out)
}

// reflectionChain emits the sequence that turns a method token of the
// running module into a function pointer, leaving it in local 1.
func reflectionChain(b *imagetest.Builder, tok image.Token) []*image.Instruction {
	return []*image.Instruction{
		image.NewInstruction(image.OpLdtoken, b.Mod.GetOrCreateGlobalType()),
		imagetest.Call(b.Ref(corlib.GetTypeFromHandle)),
		imagetest.Callvirt(b.Ref(corlib.GetModule)),
		image.LdcI4(tok.Int32()),
		imagetest.Callvirt(b.Ref(corlib.ResolveMethod)),
		imagetest.Callvirt(b.Ref(corlib.GetMethodHandle)),
		image.NewInstruction(image.OpStloc0, nil),
		image.NewInstruction(image.OpLdlocaS, 0),
		imagetest.Call(b.Ref(corlib.GetFunctionPointer)),
		image.NewInstruction(image.OpStloc1, nil),
	}
}

func withPointerLocals(b *imagetest.Builder, md *image.MethodDef) {
	md.Body.AddLocal(image.ValueTypeSig(b.CorType("System", "RuntimeMethodHandle")))
	md.Body.AddLocal(image.IntPtrSig())
}

func TestVM_ReflectionChainAndCalli(t *testing.T) {
	b := imagetest.New("calli")
	maxRef := b.Ref(keyMax)
	sig := b.Mod.MakeStandAloneSig(maxRef.Signature)

	code := reflectionChain(b, maxRef.Token())
	code = append(code,
		image.LdcI4(3),
		image.LdcI4(9),
		image.NewInstruction(image.OpLdloc1, nil),
		image.NewInstruction(image.OpCalli, sig),
		imagetest.Call(b.Ref(keyWriteInt)),
		imagetest.Ret(),
	)
	withPointerLocals(b, b.Main(code...))

	out, _, err := run(t, b, vm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "9\n", out)
}

func TestVM_CalliSignatureMismatch(t *testing.T) {
	b := imagetest.New("mismatch")
	maxRef := b.Ref(keyMax)
	wrong := b.Mod.MakeStandAloneSig(image.StaticSig(image.Int32Sig(), image.Int32Sig()))

	code := reflectionChain(b, maxRef.Token())
	code = append(code,
		image.LdcI4(3),
		image.NewInstruction(image.OpLdloc1, nil),
		image.NewInstruction(image.OpCalli, wrong),
		imagetest.Op(image.OpPop),
		imagetest.Ret(),
	)
	withPointerLocals(b, b.Main(code...))

	_, _, err := run(t, b, vm.Options{})
	requirePanic(t, err, vm.PanicSignatureMismatch)
}

func TestVM_CalliBadPointer(t *testing.T) {
	b := imagetest.New("badptr")
	sig := b.Mod.MakeStandAloneSig(image.StaticSig(image.VoidSig()))
	b.Main(
		image.LdcI4(1234),
		imagetest.Op(image.OpConvI),
		image.NewInstruction(image.OpCalli, sig),
		imagetest.Ret(),
	)
	_, _, err := run(t, b, vm.Options{})
	vmErr := requirePanic(t, err, vm.PanicBadFunctionPointer)
	require.NotEmpty(t, vmErr.Backtrace)
	assert.Contains(t, vmErr.Backtrace[0].Method, "Program::Main")
}

func TestVM_ResolveMethodRejectsForeignToken(t *testing.T) {
	b := imagetest.New("badtoken")
	code := reflectionChain(b, image.NewToken(image.TableMemberRef, 500))
	code = append(code, imagetest.Ret())
	withPointerLocals(b, b.Main(code...))

	_, _, err := run(t, b, vm.Options{})
	vmErr := requirePanic(t, err, vm.PanicUnhandledException)
	assert.Contains(t, vmErr.Message, "ArgumentOutOfRangeException")
}

func TestVM_ModuleInitializerRunsFirst(t *testing.T) {
	b := imagetest.New("init")
	global := b.Mod.GetOrCreateGlobalType()
	field := b.Mod.AddField(global, &image.FieldDef{
		Name:  "x",
		Flags: image.FieldStatic | image.FieldAssembly,
		Type:  image.Int32Sig(),
	})
	cctor, err := b.Mod.GetOrCreateModuleInitializer()
	require.NoError(t, err)
	cctor.Body.Instructions.Add(
		image.LdcI4(42),
		image.NewInstruction(image.OpStsfld, field),
		imagetest.Ldstr("init"),
		imagetest.Call(b.Ref(keyWriteString)),
		imagetest.Ret(),
	)
	b.Main(
		image.NewInstruction(image.OpLdsfld, field),
		imagetest.Call(b.Ref(keyWriteInt)),
		image.NewInstruction(image.OpLdsfld, field),
		imagetest.Call(b.Ref(keyWriteInt)),
		imagetest.Ret(),
	)
	out, _, err := run(t, b, vm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "init\n42\n42\n", out)
}

func TestVM_ObjectsAndVirtualDispatch(t *testing.T) {
	b := imagetest.New("objects")
	box := b.Class("Demo", "Box")
	value := b.Mod.AddField(box, &image.FieldDef{Name: "value", Flags: image.FieldPrivate, Type: image.Int32Sig()})
	ctor := b.Instance(box, ".ctor", image.InstanceSig(image.VoidSig(), image.Int32Sig()),
		image.NewInstruction(image.OpLdarg0, nil),
		imagetest.Call(b.Ref("System.Object::.ctor()")),
		image.NewInstruction(image.OpLdarg0, nil),
		image.NewInstruction(image.OpLdarg1, nil),
		image.NewInstruction(image.OpStfld, value),
		imagetest.Ret(),
	)
	ctor.Flags |= image.MethodSpecialName | image.MethodRTSpecialName
	toString := b.Instance(box, "ToString", image.InstanceSig(image.StringSig()),
		imagetest.Ldstr("box:"),
		image.NewInstruction(image.OpLdarg0, nil),
		image.NewInstruction(image.OpLdfld, value),
		image.NewInstruction(image.OpStloc0, nil),
		image.NewInstruction(image.OpLdlocaS, 0),
		imagetest.Call(b.Ref("System.Int32::ToString()")),
		imagetest.Call(b.Ref("System.String::Concat(string, string)")),
		imagetest.Ret(),
	)
	toString.Flags |= image.MethodVirtual
	toString.Body.AddLocal(image.Int32Sig())

	b.Main(
		image.LdcI4(7),
		image.NewInstruction(image.OpNewobj, ctor),
		imagetest.Callvirt(b.Ref("System.Object::ToString()")),
		imagetest.Call(b.Ref(keyWriteString)),
		imagetest.Ret(),
	)
	out, _, err := run(t, b, vm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "box:7\n", out)
}

func TestVM_DelegateInvoke(t *testing.T) {
	b := imagetest.New("delegate")
	prog := b.Class("", "Program")
	hello := b.Static(prog, "Hello", image.StaticSig(image.VoidSig()),
		imagetest.Ldstr("from delegate"),
		imagetest.Call(b.Ref(keyWriteString)),
		imagetest.Ret(),
	)
	b.Main(
		imagetest.Op(image.OpLdnull),
		image.NewInstruction(image.OpLdftn, hello),
		image.NewInstruction(image.OpNewobj, b.Ref("System.Action::.ctor(object, native int)")),
		imagetest.Callvirt(b.Ref("System.Action::Invoke()")),
		imagetest.Ret(),
	)
	out, _, err := run(t, b, vm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "from delegate\n", out)
}

func TestVM_ExitHalts(t *testing.T) {
	b := imagetest.New("exit")
	b.Main(
		image.LdcI4(3),
		imagetest.Call(b.Ref("System.Environment::Exit(int32)")),
		imagetest.Ldstr("unreachable"),
		imagetest.Call(b.Ref(keyWriteString)),
		imagetest.Ret(),
	)
	out, machine, err := run(t, b, vm.Options{})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.True(t, machine.Halted)
	assert.Equal(t, 3, machine.ExitCode)
}

func TestVM_Panics(t *testing.T) {
	t.Run("divide by zero", func(t *testing.T) {
		b := imagetest.New("div")
		b.Main(image.LdcI4(1), image.LdcI4(0), imagetest.Op(image.OpDiv), imagetest.Op(image.OpPop), imagetest.Ret())
		_, _, err := run(t, b, vm.Options{})
		requirePanic(t, err, vm.PanicDivideByZero)
	})
	t.Run("step limit", func(t *testing.T) {
		b := imagetest.New("spin")
		spin := imagetest.Op(image.OpNop)
		b.Main(spin, image.NewInstruction(image.OpBr, spin))
		_, _, err := run(t, b, vm.Options{MaxSteps: 100})
		requirePanic(t, err, vm.PanicStepLimit)
	})
	t.Run("recursion", func(t *testing.T) {
		b := imagetest.New("deep")
		prog := b.Class("", "Program")
		self := b.Static(prog, "Loop", image.StaticSig(image.VoidSig()))
		self.Body.Instructions.Add(imagetest.Call(self), imagetest.Ret())
		b.Main(imagetest.Call(self), imagetest.Ret())
		_, _, err := run(t, b, vm.Options{MaxDepth: 16})
		requirePanic(t, err, vm.PanicStackOverflow)
	})
	t.Run("throw", func(t *testing.T) {
		b := imagetest.New("throw")
		b.Main(
			imagetest.Ldstr("boom"),
			image.NewInstruction(image.OpNewobj, b.Ref("System.Exception::.ctor(string)")),
			imagetest.Op(image.OpThrow),
		)
		_, _, err := run(t, b, vm.Options{})
		vmErr := requirePanic(t, err, vm.PanicUnhandledException)
		assert.Equal(t, "System.Exception: boom", vmErr.Message)
	})
	t.Run("underflow", func(t *testing.T) {
		b := imagetest.New("underflow")
		b.Main(imagetest.Op(image.OpPop), imagetest.Ret())
		_, _, err := run(t, b, vm.Options{})
		requirePanic(t, err, vm.PanicStackUnderflow)
	})
}

func TestVM_ArraysOfPointers(t *testing.T) {
	b := imagetest.New("arrays")
	global := b.Mod.GetOrCreateGlobalType()
	table := b.Mod.AddField(global, &image.FieldDef{
		Name:  "t",
		Flags: image.FieldStatic | image.FieldAssembly,
		Type:  image.SzArrayOf(image.IntPtrSig()),
	})
	b.Main(
		image.LdcI4(2),
		image.NewInstruction(image.OpNewarr, b.CorType("System", "IntPtr")),
		image.NewInstruction(image.OpStsfld, table),
		image.NewInstruction(image.OpLdsfld, table),
		image.LdcI4(1),
		image.LdcI4(77),
		imagetest.Op(image.OpConvI),
		imagetest.Op(image.OpStelemI),
		image.NewInstruction(image.OpLdsfld, table),
		image.LdcI4(1),
		imagetest.Op(image.OpLdelemI),
		imagetest.Op(image.OpConvI4),
		imagetest.Call(b.Ref(keyWriteInt)),
		image.NewInstruction(image.OpLdsfld, table),
		imagetest.Op(image.OpLdlen),
		imagetest.Op(image.OpConvI4),
		imagetest.Call(b.Ref(keyWriteInt)),
		image.NewInstruction(image.OpLdsfld, table),
		image.LdcI4(2),
		imagetest.Op(image.OpLdelemI),
		imagetest.Op(image.OpPop),
		imagetest.Ret(),
	)
	out, _, err := run(t, b, vm.Options{})
	requirePanic(t, err, vm.PanicIndexOutOfRange)
	assert.Equal(t, "77\n2\n", out)
}
