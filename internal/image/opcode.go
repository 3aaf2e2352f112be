package image

// OperandType describes how an opcode's operand is encoded.
type OperandType uint8

const (
	InlineNone OperandType = iota
	ShortInlineI
	InlineI
	ShortInlineVar
	InlineVar
	ShortInlineBrTarget
	InlineBrTarget
	InlineMethod
	InlineField
	InlineType
	InlineTok
	InlineSig
	InlineString
)

// Size returns the encoded operand width in bytes.
func (o OperandType) Size() int {
	switch o {
	case InlineNone:
		return 0
	case ShortInlineI, ShortInlineVar, ShortInlineBrTarget:
		return 1
	case InlineVar:
		return 2
	default:
		return 4
	}
}

// FlowControl classifies what an instruction does to control flow.
type FlowControl uint8

const (
	FlowNext FlowControl = iota
	FlowBranch
	FlowCondBranch
	FlowCall
	FlowReturn
	FlowThrow
)

// Code is the numeric opcode. Two-byte opcodes carry the 0xFE prefix in the high byte.
type Code uint16

// OpCode describes one instruction kind.
type OpCode struct {
	Code    Code
	Name    string
	Operand OperandType
	Flow    FlowControl
}

// Size returns the encoded opcode width.
func (o OpCode) Size() int {
	if o.Code > 0xFF {
		return 2
	}
	return 1
}

func (o OpCode) String() string { return o.Name }

// IsBranch reports whether the operand is a branch target.
func (o OpCode) IsBranch() bool {
	return o.Operand == InlineBrTarget || o.Operand == ShortInlineBrTarget
}

// IsCall reports call and callvirt.
func (o OpCode) IsCall() bool { return o.Code == OpCall.Code || o.Code == OpCallvirt.Code }

// IsTerminator reports whether control never falls through.
func (o OpCode) IsTerminator() bool {
	return o.Flow == FlowReturn || o.Flow == FlowBranch || o.Flow == FlowThrow
}

var (
	OpNop      = OpCode{0x00, "nop", InlineNone, FlowNext}
	OpLdarg0   = OpCode{0x02, "ldarg.0", InlineNone, FlowNext}
	OpLdarg1   = OpCode{0x03, "ldarg.1", InlineNone, FlowNext}
	OpLdarg2   = OpCode{0x04, "ldarg.2", InlineNone, FlowNext}
	OpLdarg3   = OpCode{0x05, "ldarg.3", InlineNone, FlowNext}
	OpLdloc0   = OpCode{0x06, "ldloc.0", InlineNone, FlowNext}
	OpLdloc1   = OpCode{0x07, "ldloc.1", InlineNone, FlowNext}
	OpLdloc2   = OpCode{0x08, "ldloc.2", InlineNone, FlowNext}
	OpLdloc3   = OpCode{0x09, "ldloc.3", InlineNone, FlowNext}
	OpStloc0   = OpCode{0x0A, "stloc.0", InlineNone, FlowNext}
	OpStloc1   = OpCode{0x0B, "stloc.1", InlineNone, FlowNext}
	OpStloc2   = OpCode{0x0C, "stloc.2", InlineNone, FlowNext}
	OpStloc3   = OpCode{0x0D, "stloc.3", InlineNone, FlowNext}
	OpLdargS   = OpCode{0x0E, "ldarg.s", ShortInlineVar, FlowNext}
	OpLdlocS   = OpCode{0x11, "ldloc.s", ShortInlineVar, FlowNext}
	OpLdlocaS  = OpCode{0x12, "ldloca.s", ShortInlineVar, FlowNext}
	OpStlocS   = OpCode{0x13, "stloc.s", ShortInlineVar, FlowNext}
	OpLdnull   = OpCode{0x14, "ldnull", InlineNone, FlowNext}
	OpLdcI4M1  = OpCode{0x15, "ldc.i4.m1", InlineNone, FlowNext}
	OpLdcI40   = OpCode{0x16, "ldc.i4.0", InlineNone, FlowNext}
	OpLdcI41   = OpCode{0x17, "ldc.i4.1", InlineNone, FlowNext}
	OpLdcI42   = OpCode{0x18, "ldc.i4.2", InlineNone, FlowNext}
	OpLdcI43   = OpCode{0x19, "ldc.i4.3", InlineNone, FlowNext}
	OpLdcI44   = OpCode{0x1A, "ldc.i4.4", InlineNone, FlowNext}
	OpLdcI45   = OpCode{0x1B, "ldc.i4.5", InlineNone, FlowNext}
	OpLdcI46   = OpCode{0x1C, "ldc.i4.6", InlineNone, FlowNext}
	OpLdcI47   = OpCode{0x1D, "ldc.i4.7", InlineNone, FlowNext}
	OpLdcI48   = OpCode{0x1E, "ldc.i4.8", InlineNone, FlowNext}
	OpLdcI4S   = OpCode{0x1F, "ldc.i4.s", ShortInlineI, FlowNext}
	OpLdcI4    = OpCode{0x20, "ldc.i4", InlineI, FlowNext}
	OpDup      = OpCode{0x25, "dup", InlineNone, FlowNext}
	OpPop      = OpCode{0x26, "pop", InlineNone, FlowNext}
	OpCall     = OpCode{0x28, "call", InlineMethod, FlowCall}
	OpCalli    = OpCode{0x29, "calli", InlineSig, FlowCall}
	OpRet      = OpCode{0x2A, "ret", InlineNone, FlowReturn}
	OpBrS      = OpCode{0x2B, "br.s", ShortInlineBrTarget, FlowBranch}
	OpBrfalseS = OpCode{0x2C, "brfalse.s", ShortInlineBrTarget, FlowCondBranch}
	OpBrtrueS  = OpCode{0x2D, "brtrue.s", ShortInlineBrTarget, FlowCondBranch}
	OpBr       = OpCode{0x38, "br", InlineBrTarget, FlowBranch}
	OpBrfalse  = OpCode{0x39, "brfalse", InlineBrTarget, FlowCondBranch}
	OpBrtrue   = OpCode{0x3A, "brtrue", InlineBrTarget, FlowCondBranch}
	OpAdd      = OpCode{0x58, "add", InlineNone, FlowNext}
	OpSub      = OpCode{0x59, "sub", InlineNone, FlowNext}
	OpMul      = OpCode{0x5A, "mul", InlineNone, FlowNext}
	OpDiv      = OpCode{0x5B, "div", InlineNone, FlowNext}
	OpRem      = OpCode{0x5D, "rem", InlineNone, FlowNext}
	OpAnd      = OpCode{0x5F, "and", InlineNone, FlowNext}
	OpOr       = OpCode{0x60, "or", InlineNone, FlowNext}
	OpXor      = OpCode{0x61, "xor", InlineNone, FlowNext}
	OpNeg      = OpCode{0x65, "neg", InlineNone, FlowNext}
	OpConvI4   = OpCode{0x69, "conv.i4", InlineNone, FlowNext}
	OpCallvirt = OpCode{0x6F, "callvirt", InlineMethod, FlowCall}
	OpLdstr    = OpCode{0x72, "ldstr", InlineString, FlowNext}
	OpNewobj   = OpCode{0x73, "newobj", InlineMethod, FlowCall}
	OpThrow    = OpCode{0x7A, "throw", InlineNone, FlowThrow}
	OpLdfld    = OpCode{0x7B, "ldfld", InlineField, FlowNext}
	OpStfld    = OpCode{0x7D, "stfld", InlineField, FlowNext}
	OpLdsfld   = OpCode{0x7E, "ldsfld", InlineField, FlowNext}
	OpStsfld   = OpCode{0x80, "stsfld", InlineField, FlowNext}
	OpNewarr   = OpCode{0x8D, "newarr", InlineType, FlowNext}
	OpLdlen    = OpCode{0x8E, "ldlen", InlineNone, FlowNext}
	OpLdelemI4 = OpCode{0x94, "ldelem.i4", InlineNone, FlowNext}
	OpLdelemI  = OpCode{0x97, "ldelem.i", InlineNone, FlowNext}
	OpStelemI  = OpCode{0x9B, "stelem.i", InlineNone, FlowNext}
	OpStelemI4 = OpCode{0x9E, "stelem.i4", InlineNone, FlowNext}
	OpLdtoken  = OpCode{0xD0, "ldtoken", InlineTok, FlowNext}
	OpConvI    = OpCode{0xD3, "conv.i", InlineNone, FlowNext}
	OpCeq      = OpCode{0xFE01, "ceq", InlineNone, FlowNext}
	OpCgt      = OpCode{0xFE02, "cgt", InlineNone, FlowNext}
	OpClt      = OpCode{0xFE04, "clt", InlineNone, FlowNext}
	OpLdftn    = OpCode{0xFE06, "ldftn", InlineMethod, FlowNext}
	OpLdarg    = OpCode{0xFE09, "ldarg", InlineVar, FlowNext}
	OpLdloc    = OpCode{0xFE0C, "ldloc", InlineVar, FlowNext}
	OpLdloca   = OpCode{0xFE0D, "ldloca", InlineVar, FlowNext}
	OpStloc    = OpCode{0xFE0E, "stloc", InlineVar, FlowNext}
)

var opcodeTable = func() map[Code]OpCode {
	all := []OpCode{
		OpNop, OpLdarg0, OpLdarg1, OpLdarg2, OpLdarg3, OpLdloc0, OpLdloc1, OpLdloc2, OpLdloc3,
		OpStloc0, OpStloc1, OpStloc2, OpStloc3, OpLdargS, OpLdlocS, OpLdlocaS, OpStlocS,
		OpLdnull, OpLdcI4M1, OpLdcI40, OpLdcI41, OpLdcI42, OpLdcI43, OpLdcI44, OpLdcI45,
		OpLdcI46, OpLdcI47, OpLdcI48, OpLdcI4S, OpLdcI4, OpDup, OpPop, OpCall, OpCalli, OpRet,
		OpBrS, OpBrfalseS, OpBrtrueS, OpBr, OpBrfalse, OpBrtrue, OpAdd, OpSub, OpMul, OpDiv,
		OpRem, OpAnd, OpOr, OpXor, OpNeg, OpConvI4, OpCallvirt, OpLdstr, OpNewobj, OpThrow,
		OpLdfld, OpStfld, OpLdsfld, OpStsfld, OpNewarr, OpLdlen, OpLdelemI4, OpLdelemI, OpStelemI, OpStelemI4, OpLdtoken,
		OpConvI, OpCeq, OpCgt, OpClt, OpLdftn, OpLdarg, OpLdloc, OpLdloca, OpStloc,
	}
	table := make(map[Code]OpCode, len(all))
	for _, op := range all {
		table[op.Code] = op
	}
	return table
}()

// LookupOpCode finds an opcode by its numeric code.
func LookupOpCode(code Code) (OpCode, bool) {
	op, ok := opcodeTable[code]
	return op, ok
}
