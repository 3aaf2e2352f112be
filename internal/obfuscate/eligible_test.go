package obfuscate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"callobf/internal/image"
	"callobf/internal/image/imagetest"
	"callobf/internal/obfuscate"
)

func TestFilter_Check(t *testing.T) {
	b := imagetest.New("filter")
	prog := b.Class("", "Program")
	local := b.Static(prog, "Helper", image.StaticSig(image.VoidSig()), imagetest.Ret())

	console := b.CorType("System", "Console")
	vararg := b.Mod.AddMemberRef(&image.MemberRef{
		Parent: console,
		Name:   "WriteLine",
		Signature: &image.MethodSignature{
			CallConv: image.CallConvVarArg,
			Return:   image.VoidSig(),
			Params:   []*image.TypeSig{image.StringSig()},
		},
	})

	listInt := b.Mod.AddTypeSpec(&image.TypeSpec{
		Sig: image.GenericInstOf(b.CorType("System.Collections.Generic", "List`1"), false, image.Int32Sig()),
	})
	listCount := b.Mod.AddMemberRef(&image.MemberRef{
		Parent:    listInt,
		Name:      "get_Count",
		Signature: image.InstanceSig(image.Int32Sig()),
	})

	emptyInt := b.Mod.AddMethodSpec(&image.MethodSpec{
		Method: b.Ref("System.Array::Empty()"),
		Args:   []*image.TypeSig{image.Int32Sig()},
	})

	foreign := b.Mod.AddTypeRef(&image.TypeRef{Scope: b.Mod.AddAssemblyRef("Other"), Namespace: "Other", Name: "Thing"})
	foreignCall := b.Mod.AddMemberRef(&image.MemberRef{
		Parent:    foreign,
		Name:      "Run",
		Signature: image.StaticSig(image.VoidSig()),
	})

	maxRef := b.Ref("System.Math::Max(int32, int32)")
	parse := b.Ref("System.Int32::Parse(string)")
	length := b.Ref("System.String::get_Length()")

	tests := []struct {
		name string
		ins  *image.Instruction
		want obfuscate.SkipReason
	}{
		{"static external", imagetest.Call(maxRef), obfuscate.Indirect},
		{"static on value type", imagetest.Call(parse), obfuscate.Indirect},
		{"callvirt on class", imagetest.Callvirt(length), obfuscate.Indirect},
		{"not a call", imagetest.Ldstr("x"), obfuscate.SkipNotCall},
		{"newobj is not a call site", image.NewInstruction(image.OpNewobj, b.Ref("System.Exception::.ctor(string)")), obfuscate.SkipNotCall},
		{"generic instance", imagetest.Call(emptyInt), obfuscate.SkipGenericInstance},
		{"local definition", imagetest.Call(local), obfuscate.SkipLocalDefinition},
		{"typespec owner", imagetest.Callvirt(listCount), obfuscate.SkipTypeSpecOwner},
		{"vararg", imagetest.Call(vararg), obfuscate.SkipVarArg},
		{"unresolved owner", imagetest.Call(foreignCall), obfuscate.SkipUnresolvedOwner},
		{"delegate", imagetest.Callvirt(b.Ref("System.Action::Invoke()")), obfuscate.SkipDelegateOwner},
		{"value type instance", imagetest.Call(b.Ref("System.Int32::ToString()")), obfuscate.SkipValueTypeInstance},
	}

	filter := obfuscate.NewFilter(b.Resolver())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, reason := filter.Check(tt.ins)
			assert.Equal(t, tt.want, reason, reason.String())
			if tt.want == obfuscate.Indirect {
				assert.Same(t, tt.ins.Operand, ref)
			} else {
				assert.Nil(t, ref)
			}
		})
	}
}

func TestSkipReason_String(t *testing.T) {
	assert.Equal(t, "valuetype-instance", obfuscate.SkipValueTypeInstance.String())
	assert.Equal(t, "generic-instance", obfuscate.SkipGenericInstance.String())
	assert.Equal(t, "unknown", obfuscate.SkipReason(200).String())
}
