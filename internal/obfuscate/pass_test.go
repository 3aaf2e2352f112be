package obfuscate_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callobf/internal/corlib"
	"callobf/internal/image"
	"callobf/internal/image/imagetest"
	"callobf/internal/obfuscate"
	"callobf/internal/vm"
)

const (
	keyWriteInt    = "System.Console::WriteLine(int32)"
	keyWriteString = "System.Console::WriteLine(string)"
	keyMax         = "System.Math::Max(int32, int32)"
	keyMin         = "System.Math::Min(int32, int32)"
)

// siteGrowth is the instruction count one rewritten call adds: the call
// becomes a nop followed by ldsfld, a seven-instruction slot literal,
// ldelem.i and calli.
const siteGrowth = 3 + 7

func runPass(t *testing.T, b *imagetest.Builder, seed uint64) *obfuscate.Report {
	t.Helper()
	report, err := obfuscate.Run(context.Background(), b.Mod, b.Resolver(), obfuscate.Options{Rand: seeded(seed)})
	require.NoError(t, err)
	return report
}

// site is one rewritten call: the slot it loads and its calli instruction.
type site struct {
	slot  int32
	calli *image.Instruction
}

// sites decodes every table-indirect call in md.
func sites(t *testing.T, md *image.MethodDef, field *image.FieldDef) []site {
	t.Helper()
	items := md.Body.Instructions.Items()
	var out []site
	for i, ins := range items {
		if ins.OpCode.Code != image.OpCalli.Code {
			continue
		}
		require.GreaterOrEqual(t, i, 10)
		assert.Equal(t, image.OpNop.Code, items[i-10].OpCode.Code, "rewritten call stays as nop")
		require.Equal(t, image.OpLdsfld.Code, items[i-9].OpCode.Code)
		assert.Same(t, field, items[i-9].Operand)
		require.Equal(t, image.OpLdelemI.Code, items[i-1].OpCode.Code)
		slot, ok := obfuscate.Eval(items[i-8 : i-1])
		require.True(t, ok)
		for _, lit := range literals(items[i-8 : i-1]) {
			assert.NotEqual(t, slot, lit, "slot literal in plain text")
		}
		out = append(out, site{slot: slot, calli: ins})
	}
	return out
}

func count(md *image.MethodDef, pred func(*image.Instruction) bool) int {
	n := 0
	for _, ins := range md.Body.Instructions.Items() {
		if pred(ins) {
			n++
		}
	}
	return n
}

func callsTo(key string) func(*image.Instruction) bool {
	return func(ins *image.Instruction) bool {
		md := ins.Method()
		return ins.OpCode.IsCall() && md != nil && image.MethodKey(md) == key
	}
}

func isOp(op image.OpCode) func(*image.Instruction) bool {
	return func(ins *image.Instruction) bool { return ins.OpCode.Code == op.Code }
}

func TestRun_SharedTargetScenario(t *testing.T) {
	b := imagetest.New("shared")
	prog := b.Class("", "Program")
	m := b.Ref(keyWriteInt)
	a := b.Static(prog, "A", image.StaticSig(image.VoidSig()),
		image.LdcI4(1), imagetest.Call(m),
		image.LdcI4(2), imagetest.Call(m),
		imagetest.Ret(),
	)
	bm := b.Static(prog, "B", image.StaticSig(image.VoidSig()),
		image.LdcI4(3), imagetest.Call(m),
		imagetest.Ret(),
	)
	b.Main(imagetest.Call(a), imagetest.Call(bm), imagetest.Ret())
	sizeA, sizeB := a.Body.Instructions.Len(), bm.Body.Instructions.Len()

	report := runPass(t, b, 10)

	assert.Equal(t, 1, report.Slots)
	assert.Equal(t, 3, report.Rewritten)
	require.Len(t, report.Targets, 1)
	assert.Same(t, m, report.Targets[0].Ref)
	assert.Equal(t, 0, report.Targets[0].Slot)

	all := append(sites(t, a, report.Field), sites(t, bm, report.Field)...)
	require.Len(t, all, 3)
	for _, s := range all {
		assert.Equal(t, int32(0), s.slot)
	}
	// one standalone signature row shared by all three sites
	assert.Same(t, all[0].calli.Operand, all[1].calli.Operand)
	assert.Same(t, all[0].calli.Operand, all[2].calli.Operand)

	assert.Equal(t, sizeA+2*siteGrowth, a.Body.Instructions.Len())
	assert.Equal(t, sizeB+siteGrowth, bm.Body.Instructions.Len())

	cctor := report.Initializer
	require.NotNil(t, cctor)
	assert.Equal(t, 1, count(cctor, callsTo(corlib.GetFunctionPointer)), "one fragment for M")
	assert.Equal(t, 1, count(cctor, isOp(image.OpStelemI)))
	require.NoError(t, image.Validate(b.Mod))
}

func TestRun_SlotUniqueness(t *testing.T) {
	b := imagetest.New("slots")
	maxA := b.Ref(keyMax)
	maxB := b.NewRef(keyMax) // second row naming the same method
	minRef := b.Ref(keyMin)
	require.NotEqual(t, maxA.Token(), maxB.Token())

	main := b.Main(
		image.LdcI4(1), image.LdcI4(2), imagetest.Call(maxA), imagetest.Op(image.OpPop),
		image.LdcI4(1), image.LdcI4(2), imagetest.Call(minRef), imagetest.Op(image.OpPop),
		image.LdcI4(1), image.LdcI4(2), imagetest.Call(maxB), imagetest.Op(image.OpPop),
		imagetest.Ret(),
	)
	report := runPass(t, b, 11)

	got := sites(t, main, report.Field)
	require.Len(t, got, 3)
	assert.Equal(t, int32(0), got[0].slot)
	assert.Equal(t, int32(1), got[1].slot)
	assert.Equal(t, int32(0), got[2].slot)
	assert.Equal(t, 2, report.Slots)
	// the first reference seen is the one the initializer resolves
	assert.Same(t, maxA, report.Targets[0].Ref)
	assert.Equal(t, obfuscate.TargetKey(maxA), obfuscate.TargetKey(maxB))
	assert.NotEqual(t, obfuscate.TargetKey(maxA), obfuscate.TargetKey(minRef))
}

func TestRun_InitializerOrdering(t *testing.T) {
	b := imagetest.New("order")
	b.Main(
		image.LdcI4(4), image.LdcI4(5), imagetest.Call(b.Ref(keyMax)),
		imagetest.Call(b.Ref(keyWriteInt)),
		imagetest.Ldstr("x"), imagetest.Call(b.Ref(keyWriteString)),
		imagetest.Ret(),
	)
	report := runPass(t, b, 12)
	require.Equal(t, 3, report.Slots)

	cctor := report.Initializer
	require.Same(t, b.Mod.ModuleInitializer(), cctor)
	assert.True(t, cctor.Body.InitLocals)
	assert.GreaterOrEqual(t, cctor.Body.MaxStack, uint16(8))
	items := cctor.Body.Instructions.Items()

	slots, ok := obfuscate.Eval(items[:7])
	require.True(t, ok)
	assert.Equal(t, int32(3), slots)
	for _, lit := range literals(items[:7]) {
		assert.NotEqual(t, int32(3), lit)
	}
	assert.Equal(t, image.OpNewarr.Code, items[7].OpCode.Code)
	require.Equal(t, image.OpStsfld.Code, items[8].OpCode.Code)
	assert.Same(t, report.Field, items[8].Operand)

	var fragmentStarts []int
	for i, ins := range items {
		if callsTo(corlib.GetTypeFromHandle)(ins) {
			fragmentStarts = append(fragmentStarts, i)
		}
	}
	require.Len(t, fragmentStarts, 3)
	assert.Greater(t, fragmentStarts[0], 8)

	// each fragment resolves the token of the reference it fills
	for n, start := range fragmentStarts {
		slot, ok := obfuscate.Eval(items[start-8 : start-1])
		require.True(t, ok)
		assert.Equal(t, int32(n), slot)
		tok, ok := obfuscate.Eval(items[start+2 : start+9])
		require.True(t, ok)
		want := report.Targets[n].Ref.Token()
		assert.Equal(t, want.Int32(), tok)
		for _, lit := range literals(items[start+2 : start+9]) {
			assert.NotEqual(t, want.Int32(), lit, "token literal in plain text")
		}
	}

	assert.Equal(t, 1, count(cctor, isOp(image.OpRet)))
	assert.Equal(t, image.OpRet.Code, items[len(items)-1].OpCode.Code)
	require.NoError(t, image.Validate(b.Mod))
}

func TestRun_ExistingInitializer(t *testing.T) {
	b := imagetest.New("existing")
	cctor, err := b.Mod.GetOrCreateModuleInitializer()
	require.NoError(t, err)
	end := imagetest.Ret()
	cctor.Body.Instructions.Add(
		image.LdcI4(0),
		image.NewInstruction(image.OpBrtrue, end),
		imagetest.Ldstr("init"),
		imagetest.Call(b.Ref(keyWriteString)),
		imagetest.Ret(), // interior
		end,             // trailing, also a branch target
	)
	b.Main(imagetest.Ldstr("main"), imagetest.Call(b.Ref(keyWriteString)), imagetest.Ret())

	report := runPass(t, b, 13)
	require.Same(t, cctor, report.Initializer)
	assert.Equal(t, 1, report.Slots)

	items := cctor.Body.Instructions.Items()
	assert.Equal(t, 1, count(cctor, isOp(image.OpRet)))
	final := items[len(items)-1]
	require.Equal(t, image.OpRet.Code, final.OpCode.Code)
	for _, ins := range items {
		if ins.OpCode.IsBranch() {
			assert.Same(t, final, ins.Target(), "%s should reach the single ret", ins.OpCode.Name)
		}
	}
	// the original body comes after every fragment
	lastFragment, firstOriginal := -1, -1
	for i, ins := range items {
		if ins.OpCode.Code == image.OpStelemI.Code {
			lastFragment = i
		}
		if s, ok := ins.Operand.(string); ok && s == "init" && firstOriginal < 0 {
			firstOriginal = i
		}
	}
	assert.Less(t, lastFragment, firstOriginal)
	require.NoError(t, image.Validate(b.Mod))

	var out bytes.Buffer
	require.NoError(t, vm.New(b.Mod, b.Resolver(), vm.Options{Stdout: &out}).Run())
	assert.Equal(t, "init\nmain\n", out.String())
}

func TestRun_UntouchedBodies(t *testing.T) {
	b := imagetest.New("untouched")
	emptyInt := b.Mod.AddMethodSpec(&image.MethodSpec{
		Method: b.Ref("System.Array::Empty()"),
		Args:   []*image.TypeSig{image.Int32Sig()},
	})
	main := b.Main(
		imagetest.Call(emptyInt),
		imagetest.Op(image.OpPop),
		image.LdcI4(5),
		image.NewInstruction(image.OpStloc0, nil),
		image.NewInstruction(image.OpLdlocaS, 0),
		imagetest.Call(b.Ref("System.Int32::ToString()")),
		imagetest.Op(image.OpPop),
		imagetest.Ret(),
	)
	main.Body.AddLocal(image.Int32Sig())
	main.Body.MaxStack = 2
	before := assemble(t, main)
	fieldsBefore := len(b.Mod.Fields)
	typesBefore := len(b.Mod.TypeDefs)
	global := b.Mod.GlobalType()
	require.NotNil(t, global)
	globalFields, globalMethods := len(global.Fields), len(global.Methods)

	report := runPass(t, b, 14)

	assert.Equal(t, before, assemble(t, main))
	assert.Equal(t, uint16(2), main.Body.MaxStack)
	assert.Equal(t, 0, report.Rewritten)
	assert.Equal(t, 2, report.CallSites)
	assert.Equal(t, 1, report.Skipped[obfuscate.SkipGenericInstance])
	assert.Equal(t, 1, report.Skipped[obfuscate.SkipValueTypeInstance])
	assert.Nil(t, report.Field)
	assert.Nil(t, report.Initializer)
	assert.Len(t, b.Mod.Fields, fieldsBefore)
	assert.Len(t, b.Mod.TypeDefs, typesBefore)
	assert.Same(t, global, b.Mod.GlobalType())
	assert.Len(t, global.Fields, globalFields)
	assert.Len(t, global.Methods, globalMethods)
	assert.Nil(t, b.Mod.ModuleInitializer())
	assert.Contains(t, report.String(), "generic-instance=1")
}

// A rewritten callvirt calls the referenced method directly, so an override
// in a derived type is no longer reached. This mirrors how the rewritten
// module behaves on a real runtime.
func TestRun_CallvirtLosesOverride(t *testing.T) {
	b := imagetest.New("override")
	derived := b.Class("", "Derived")
	ctor := b.Instance(derived, ".ctor", image.InstanceSig(image.VoidSig()),
		image.NewInstruction(image.OpLdarg0, nil),
		imagetest.Call(b.Ref("System.Object::.ctor()")),
		imagetest.Ret(),
	)
	ctor.Flags |= image.MethodSpecialName | image.MethodRTSpecialName
	toString := b.Instance(derived, "ToString", image.InstanceSig(image.StringSig()),
		imagetest.Ldstr("derived"),
		imagetest.Ret(),
	)
	toString.Flags |= image.MethodVirtual
	b.Main(
		image.NewInstruction(image.OpNewobj, ctor),
		imagetest.Callvirt(b.Ref("System.Object::ToString()")),
		imagetest.Call(b.Ref(keyWriteString)),
		imagetest.Ret(),
	)
	require.Equal(t, "derived\n", execute(t, b.Mod, b.Resolver()))

	report := runPass(t, b, 19)
	assert.Equal(t, 3, report.Rewritten)
	require.NoError(t, image.Validate(b.Mod))
	assert.Equal(t, "Derived\n", execute(t, b.Mod, b.Resolver()), "base Object::ToString runs")
}

func assemble(t *testing.T, md *image.MethodDef) []byte {
	t.Helper()
	code, err := image.Assemble(md.Body.Instructions, func(m image.Member) (image.Token, error) {
		return m.Token(), nil
	}, &image.StringHeap{})
	require.NoError(t, err)
	return code
}

func TestRun_MixedBodyKeepsSkippedSites(t *testing.T) {
	b := imagetest.New("mixed")
	toString := b.Ref("System.Int32::ToString()")
	main := b.Main(
		image.LdcI4(5),
		image.NewInstruction(image.OpStloc0, nil),
		image.NewInstruction(image.OpLdlocaS, 0),
		imagetest.Call(toString),
		imagetest.Call(b.Ref(keyWriteString)),
		imagetest.Ret(),
	)
	main.Body.AddLocal(image.Int32Sig())
	main.Body.MaxStack = 1

	report := runPass(t, b, 15)
	assert.Equal(t, 1, report.Rewritten)
	assert.Equal(t, 1, count(main, callsTo("System.Int32::ToString()")))
	assert.Equal(t, uint16(5), main.Body.MaxStack)
	// macros are compacted again after insertion
	assert.Equal(t, 1, count(main, isOp(image.OpLdlocaS)))
}

func TestRun_MaxStackSaturates(t *testing.T) {
	b := imagetest.New("stack")
	main := b.Main(imagetest.Ldstr("x"), imagetest.Call(b.Ref(keyWriteString)), imagetest.Ret())
	main.Body.MaxStack = 0xFFFE
	runPass(t, b, 16)
	assert.Equal(t, uint16(0xFFFF), main.Body.MaxStack)
}

func TestRun_FieldNameAvoidsExisting(t *testing.T) {
	b := imagetest.New("names")
	global := b.Mod.GetOrCreateGlobalType()
	for c := 'a'; c <= 'y'; c++ {
		b.Mod.AddField(global, &image.FieldDef{Name: string(c), Flags: image.FieldStatic, Type: image.Int32Sig()})
	}
	b.Main(imagetest.Ldstr("x"), imagetest.Call(b.Ref(keyWriteString)), imagetest.Ret())

	// IntN cycles through every letter, so the only free one is eventually drawn
	src := &scripted{u: []uint32{7}, n: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25}}
	report, err := obfuscate.Run(context.Background(), b.Mod, b.Resolver(), obfuscate.Options{Rand: src})
	require.NoError(t, err)
	assert.Equal(t, "z", report.Field.Name)
	assert.Same(t, global, report.Field.DeclaringType)
	assert.True(t, report.Field.IsStatic())
	assert.Equal(t, "native int[]", report.Field.Type.String())
}

func TestRun_FieldNameWhenLettersExhausted(t *testing.T) {
	b := imagetest.New("crowded")
	global := b.Mod.GetOrCreateGlobalType()
	for c := 'a'; c <= 'z'; c++ {
		b.Mod.AddField(global, &image.FieldDef{Name: string(c), Flags: image.FieldStatic, Type: image.Int32Sig()})
	}
	b.Main(imagetest.Ldstr("x"), imagetest.Call(b.Ref(keyWriteString)), imagetest.Ret())

	report := runPass(t, b, 20)
	require.NotNil(t, report.Field)
	assert.Equal(t, "aa", report.Field.Name)
	names := map[string]int{}
	for _, f := range global.Fields {
		names[f.Name]++
	}
	assert.Len(t, names, 27)
}

func TestRun_NativeInitializer(t *testing.T) {
	b := imagetest.New("native")
	global := b.Mod.GetOrCreateGlobalType()
	b.Mod.AddMethod(global, &image.MethodDef{
		Name:      image.InitializerName,
		Flags:     image.MethodPrivate | image.MethodStatic,
		ImplFlags: image.ImplInternalCall,
		Signature: image.StaticSig(image.VoidSig()),
	})
	main := b.Main(imagetest.Ldstr("x"), imagetest.Call(b.Ref(keyWriteString)), imagetest.Ret())
	before := assemble(t, main)

	_, err := obfuscate.Run(context.Background(), b.Mod, b.Resolver(), obfuscate.Options{Rand: seeded(17)})
	require.ErrorIs(t, err, obfuscate.ErrNoInitializer)
	assert.Equal(t, before, assemble(t, main), "preflight failure leaves bodies alone")
}

func TestRun_MissingCoreLibrary(t *testing.T) {
	b := imagetest.New("nolib")
	b.Main(imagetest.Ldstr("x"), imagetest.Call(b.Ref(keyWriteString)), imagetest.Ret())

	_, err := obfuscate.Run(context.Background(), b.Mod, image.NewResolver(), obfuscate.Options{})
	require.ErrorIs(t, err, obfuscate.ErrResolution)

	partial := image.NewModule(corlib.Name)
	_, err = obfuscate.Run(context.Background(), b.Mod, image.NewResolver(partial), obfuscate.Options{})
	require.ErrorIs(t, err, obfuscate.ErrResolution)
}

func TestRun_Canceled(t *testing.T) {
	b := imagetest.New("cancel")
	b.Main(imagetest.Ldstr("x"), imagetest.Call(b.Ref(keyWriteString)), imagetest.Ret())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := obfuscate.Run(ctx, b.Mod, b.Resolver(), obfuscate.Options{})
	require.ErrorIs(t, err, context.Canceled)
}

// program exercises static, instance and value-type calls, a local helper,
// a branch onto a rewritten site, and a generic instantiation.
func program() *imagetest.Builder {
	b := imagetest.New("equiv")
	prog := b.Class("", "Program")
	writeInt := b.Ref(keyWriteInt)
	writeString := b.Ref(keyWriteString)

	square := b.Static(prog, "Square", image.StaticSig(image.Int32Sig(), image.Int32Sig()),
		image.NewInstruction(image.OpLdarg0, nil),
		image.NewInstruction(image.OpLdarg0, nil),
		imagetest.Op(image.OpMul),
		imagetest.Ret(),
	)
	emptyInt := b.Mod.AddMethodSpec(&image.MethodSpec{
		Method: b.Ref("System.Array::Empty()"),
		Args:   []*image.TypeSig{image.Int32Sig()},
	})

	landing := imagetest.Call(writeInt)
	body := image.NewInstruction(image.OpLdloc0, nil)
	check := image.NewInstruction(image.OpLdloc0, nil)
	main := b.Main(
		image.LdcI4(5),
		image.NewInstruction(image.OpBr, landing),
		landing,

		image.LdcI4(0),
		image.NewInstruction(image.OpStloc0, nil),
		image.NewInstruction(image.OpBr, check),
		body,
		imagetest.Call(square),
		imagetest.Call(writeInt),
		image.NewInstruction(image.OpLdloc0, nil),
		image.LdcI4(1),
		imagetest.Op(image.OpAdd),
		image.NewInstruction(image.OpStloc0, nil),
		check,
		image.LdcI4(3),
		imagetest.Op(image.OpClt),
		image.NewInstruction(image.OpBrtrue, body),

		imagetest.Ldstr("a"),
		imagetest.Ldstr("b"),
		imagetest.Call(b.Ref("System.String::Concat(string, string)")),
		imagetest.Op(image.OpDup),
		imagetest.Call(writeString),
		imagetest.Callvirt(b.Ref("System.String::get_Length()")),
		imagetest.Call(writeInt),

		image.LdcI4(7),
		image.LdcI4(9),
		imagetest.Call(b.Ref(keyMax)),
		image.NewInstruction(image.OpStloc1, nil),
		image.NewInstruction(image.OpLdlocaS, 1),
		imagetest.Call(b.Ref("System.Int32::ToString()")),
		imagetest.Call(writeString),

		imagetest.Ldstr("42"),
		imagetest.Call(b.Ref("System.Int32::Parse(string)")),
		image.LdcI4(8),
		imagetest.Call(b.Ref(keyMin)),
		imagetest.Call(writeInt),

		imagetest.Call(emptyInt),
		imagetest.Op(image.OpLdlen),
		imagetest.Op(image.OpConvI4),
		imagetest.Call(writeInt),
		imagetest.Ret(),
	)
	main.Body.AddLocal(image.Int32Sig())
	main.Body.AddLocal(image.Int32Sig())
	return b
}

func execute(t *testing.T, mod *image.Module, res *image.Resolver) string {
	t.Helper()
	var out bytes.Buffer
	err := vm.New(mod, res, vm.Options{Stdout: &out}).Run()
	require.NoError(t, err)
	return out.String()
}

func TestRun_SemanticEquivalence(t *testing.T) {
	b := program()
	want := execute(t, b.Mod, b.Resolver())
	require.Equal(t, "5\n0\n1\n4\nab\n2\n9\n8\n0\n", want)

	report := runPass(t, b, 18)
	assert.Equal(t, 7, report.Slots)
	assert.Equal(t, 12, report.Rewritten)
	assert.Equal(t, 1, report.Skipped[obfuscate.SkipLocalDefinition])
	assert.Equal(t, 1, report.Skipped[obfuscate.SkipGenericInstance])
	assert.Equal(t, 1, report.Skipped[obfuscate.SkipValueTypeInstance])
	require.NoError(t, image.Validate(b.Mod))

	assert.Equal(t, want, execute(t, b.Mod, b.Resolver()), "in memory")

	var buf bytes.Buffer
	require.NoError(t, image.Write(&buf, b.Mod, image.WriteOptions{PreserveTableIndices: true}))
	loaded, err := image.Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, execute(t, loaded, image.NewResolver(corlib.New())), "after round trip")
}

func TestRun_EquivalenceAcrossSeeds(t *testing.T) {
	ref := program()
	want := execute(t, ref.Mod, ref.Resolver())
	for seed := uint64(100); seed < 120; seed++ {
		b := program()
		runPass(t, b, seed)
		assert.Equal(t, want, execute(t, b.Mod, b.Resolver()), "seed %d", seed)
	}
}
