package image

import (
	"fmt"
	"strconv"
)

// Instruction is one entry of a method body.
//
// Operand types by OperandType:
//
//	InlineNone                       nil
//	ShortInlineI, InlineI            int32
//	ShortInlineVar, InlineVar        int (argument or local index)
//	ShortInlineBrTarget, InlineBr... *Instruction
//	InlineMethod                     MethodDescriptor
//	InlineField                      *FieldDef
//	InlineType, InlineTok            TypeDescriptor (InlineTok also accepts any Member)
//	InlineSig                        *StandAloneSig
//	InlineString                     string
type Instruction struct {
	Offset  int
	OpCode  OpCode
	Operand any
}

// NewInstruction builds an instruction.
func NewInstruction(op OpCode, operand any) *Instruction {
	return &Instruction{OpCode: op, Operand: operand}
}

// LdcI4 builds the long-form integer load.
func LdcI4(v int32) *Instruction { return NewInstruction(OpLdcI4, v) }

// Size returns the encoded size in bytes.
func (i *Instruction) Size() int { return i.OpCode.Size() + i.OpCode.Operand.Size() }

// IsLdcI4 reports whether the instruction is any form of ldc.i4.
func (i *Instruction) IsLdcI4() bool {
	c := i.OpCode.Code
	return c >= OpLdcI4M1.Code && c <= OpLdcI4.Code
}

// LdcI4Value returns the constant an ldc.i4 form pushes.
func (i *Instruction) LdcI4Value() int32 {
	switch c := i.OpCode.Code; {
	case c == OpLdcI4M1.Code:
		return -1
	case c >= OpLdcI40.Code && c <= OpLdcI48.Code:
		return int32(c - OpLdcI40.Code)
	case c == OpLdcI4S.Code || c == OpLdcI4.Code:
		if v, ok := i.Operand.(int32); ok {
			return v
		}
	}
	panic(fmt.Sprintf("image: %s is not an ldc.i4 form", i.OpCode.Name))
}

// Method returns the call operand, or nil.
func (i *Instruction) Method() MethodDescriptor {
	md, _ := i.Operand.(MethodDescriptor)
	return md
}

// Target returns the branch target, or nil.
func (i *Instruction) Target() *Instruction {
	t, _ := i.Operand.(*Instruction)
	return t
}

// VarIndex returns the argument/local index for ldarg/ldloc/stloc/ldloca forms.
func (i *Instruction) VarIndex() int {
	switch i.OpCode.Code {
	case OpLdarg0.Code, OpLdloc0.Code, OpStloc0.Code:
		return 0
	case OpLdarg1.Code, OpLdloc1.Code, OpStloc1.Code:
		return 1
	case OpLdarg2.Code, OpLdloc2.Code, OpStloc2.Code:
		return 2
	case OpLdarg3.Code, OpLdloc3.Code, OpStloc3.Code:
		return 3
	}
	if v, ok := i.Operand.(int); ok {
		return v
	}
	return -1
}

func (i *Instruction) String() string {
	head := fmt.Sprintf("IL_%04X: %s", i.Offset, i.OpCode.Name)
	if i.Operand == nil {
		return head
	}
	return head + " " + FormatOperand(i.Operand)
}

// FormatOperand renders an operand for listings.
func FormatOperand(op any) string {
	switch v := op.(type) {
	case nil:
		return ""
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return "V_" + strconv.Itoa(v)
	case *Instruction:
		return fmt.Sprintf("IL_%04X", v.Offset)
	case string:
		return strconv.Quote(v)
	case Member:
		return v.FullName()
	default:
		return fmt.Sprint(v)
	}
}

// MethodBody is the executable part of a MethodDef.
type MethodBody struct {
	Instructions *InstrList
	Locals       []*TypeSig
	InitLocals   bool
	MaxStack     uint16
}

// NewMethodBody returns a body with the given instructions.
func NewMethodBody(ins ...*Instruction) *MethodBody {
	return &MethodBody{Instructions: NewInstrList(ins...), MaxStack: 8}
}

// AddLocal appends a local variable and returns its index.
func (b *MethodBody) AddLocal(t *TypeSig) int {
	b.Locals = append(b.Locals, t)
	return len(b.Locals) - 1
}
