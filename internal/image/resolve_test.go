package image_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callobf/internal/image"
	"callobf/internal/image/imagetest"
)

func TestResolver_TypeClassification(t *testing.T) {
	b := imagetest.New("r")
	res := b.Resolver()

	tests := []struct {
		ns, name string
		value    bool
		delegate bool
	}{
		{"System", "Int32", true, false},
		{"System", "RuntimeMethodHandle", true, false},
		{"System", "DayOfWeek", true, false},
		{"System", "Enum", false, false},
		{"System", "ValueType", false, false},
		{"System", "String", false, false},
		{"System", "Action", false, true},
		{"System", "Object", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			td, err := res.ResolveType(b.CorType(tt.ns, tt.name))
			require.NoError(t, err)
			assert.Equal(t, tt.value, res.IsValueType(td))
			assert.Equal(t, tt.delegate, res.IsDelegate(td))
		})
	}
}

func TestResolver_MemberRef(t *testing.T) {
	b := imagetest.New("r")
	ref := b.Ref(keyMax)
	md, err := b.Resolver().ResolveMethod(ref)
	require.NoError(t, err)
	assert.Same(t, b.Lib, md.DeclaringType.Module)
	assert.Equal(t, keyMax, md.Key())
}

func TestResolver_MissingLibrary(t *testing.T) {
	b := imagetest.New("r")
	ref := b.Ref(keyMax)
	_, err := image.NewResolver().ResolveMethod(ref)
	require.ErrorIs(t, err, image.ErrUnresolved)
}

func TestImporter_ReusesRows(t *testing.T) {
	b := imagetest.New("imp")
	first := b.Ref(keyMax)
	second := b.Ref(keyMax)
	assert.Same(t, first, second)

	distinct := b.NewRef(keyMax)
	assert.NotSame(t, first, distinct)
	assert.Equal(t, image.MethodKey(first), image.MethodKey(distinct))
	assert.Len(t, b.Mod.TypeRefs, 1, "System.Math only")
}

func TestValidate(t *testing.T) {
	b := sampleModule()
	require.NoError(t, image.Validate(b.Mod))

	prog := b.Mod.TypeDef("", "Program")
	bad := b.Static(prog, "Broken", image.StaticSig(image.VoidSig()),
		image.NewInstruction(image.OpLdloc, 3),
		image.NewInstruction(image.OpBr, image.NewInstruction(image.OpRet, nil)),
		image.NewInstruction(image.OpPop, nil),
	)
	err := image.Validate(b.Mod)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, bad.Name)
	assert.Contains(t, msg, "body ends in pop")
	assert.Contains(t, msg, "branch target outside body")
	assert.Contains(t, msg, "local 3 not declared")
}

func TestDump(t *testing.T) {
	b := sampleModule()
	var buf bytes.Buffer
	require.NoError(t, image.Dump(&buf, b.Mod, image.DumpOptions{Tokens: true}))
	out := buf.String()
	assert.Contains(t, out, ".module sample")
	assert.Contains(t, out, ".assembly extern mscorlib")
	assert.Contains(t, out, "int32 System.Math::Max(int32, int32)")
	assert.Contains(t, out, `ldstr      "done"`)
	assert.Contains(t, out, "/*0x0A000001*/")
}
