package image

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken_Parts(t *testing.T) {
	tok := NewToken(TableMemberRef, 7)
	assert.Equal(t, TableMemberRef, tok.Table())
	assert.Equal(t, uint32(7), tok.Rid())
	assert.Equal(t, int32(0x0A000007), tok.Int32())
	assert.Equal(t, "0x0A000007", tok.String())
	assert.True(t, NoToken.IsNil())
}

func TestExpandMacros_LongForms(t *testing.T) {
	l := NewInstrList(
		NewInstruction(OpLdcI45, nil),
		NewInstruction(OpLdcI4S, int32(-20)),
		NewInstruction(OpLdloc2, nil),
		NewInstruction(OpStlocS, 9),
		NewInstruction(OpRet, nil),
	)
	l.ExpandMacros()

	assert.Equal(t, OpLdcI4, l.At(0).OpCode)
	assert.Equal(t, int32(5), l.At(0).Operand)
	assert.Equal(t, OpLdcI4, l.At(1).OpCode)
	assert.Equal(t, int32(-20), l.At(1).Operand)
	assert.Equal(t, OpLdloc, l.At(2).OpCode)
	assert.Equal(t, 2, l.At(2).Operand)
	assert.Equal(t, OpStloc, l.At(3).OpCode)
	assert.Equal(t, 9, l.At(3).Operand)
}

func TestOptimizeMacros_SmallestForms(t *testing.T) {
	l := NewInstrList(
		LdcI4(-1),
		LdcI4(8),
		LdcI4(100),
		LdcI4(1000),
		NewInstruction(OpLdloc, 1),
		NewInstruction(OpStloc, 300),
		NewInstruction(OpRet, nil),
	)
	l.OptimizeMacros()

	assert.Equal(t, OpLdcI4M1, l.At(0).OpCode)
	assert.Nil(t, l.At(0).Operand)
	assert.Equal(t, OpLdcI48, l.At(1).OpCode)
	assert.Equal(t, OpLdcI4S, l.At(2).OpCode)
	assert.Equal(t, OpLdcI4, l.At(3).OpCode)
	assert.Equal(t, OpLdloc1, l.At(4).OpCode)
	assert.Equal(t, OpStloc, l.At(5).OpCode)
}

func TestOptimizeMacros_ShortensNearBranches(t *testing.T) {
	target := NewInstruction(OpRet, nil)
	br := NewInstruction(OpBr, target)
	l := NewInstrList(br, NewInstruction(OpNop, nil), target)
	l.OptimizeMacros()
	assert.Equal(t, OpBrS, br.OpCode)
	assert.Same(t, target, br.Target())
}

func TestOptimizeMacros_KeepsFarBranchesLong(t *testing.T) {
	target := NewInstruction(OpRet, nil)
	br := NewInstruction(OpBrtrue, target)
	items := []*Instruction{LdcI4(1), br}
	for range 40 {
		items = append(items, LdcI4(123456))
	}
	items = append(items, target)
	l := NewInstrList(items...)
	l.OptimizeMacros()
	assert.Equal(t, OpBrtrue, br.OpCode)
}

func TestAssembleDisassemble_RoundTrip(t *testing.T) {
	m := NewModule("asm")
	ref := m.AddMemberRef(&MemberRef{
		Parent:    m.AddTypeRef(&TypeRef{Scope: m.CorLibScope(), Namespace: "System", Name: "Math"}),
		Name:      "Abs",
		Signature: StaticSig(Int32Sig(), Int32Sig()),
	})
	end := NewInstruction(OpRet, nil)
	loop := LdcI4(-7)
	l := NewInstrList(
		loop,
		NewInstruction(OpCall, ref),
		NewInstruction(OpPop, nil),
		NewInstruction(OpLdstr, "hi"),
		NewInstruction(OpPop, nil),
		NewInstruction(OpLdcI41, nil),
		NewInstruction(OpBrtrue, end),
		NewInstruction(OpBr, loop),
		end,
	)
	var heap StringHeap
	code, err := Assemble(l, func(mem Member) (Token, error) { return mem.Token(), nil }, &heap)
	require.NoError(t, err)

	back, err := Disassemble(code, m.LookupToken, &heap)
	require.NoError(t, err)
	require.Equal(t, l.Len(), back.Len())
	for i := range l.Len() {
		assert.Equal(t, l.At(i).OpCode, back.At(i).OpCode, "instruction %d", i)
	}
	assert.Same(t, ref, back.At(1).Operand)
	assert.Equal(t, "hi", back.At(3).Operand)
	assert.Same(t, back.At(8), back.At(6).Target())
	assert.Same(t, back.At(0), back.At(7).Target())
}

func TestDisassemble_RejectsMidInstructionBranch(t *testing.T) {
	// br.s +1 lands inside the following ldc.i4 operand
	code := []byte{0x2B, 0x01, 0x20, 0, 0, 0, 0, 0x2A}
	_, err := Disassemble(code, func(Token) (Member, error) { return nil, nil }, &StringHeap{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an instruction boundary")
}
