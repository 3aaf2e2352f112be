package image

import "slices"

// InstrList is an ordered, mutable instruction sequence. Branch operands
// point at *Instruction values, so inserting or neutralizing instructions
// never invalidates a branch; only offsets move, and they are recomputed by
// CalculateOffsets.
type InstrList struct {
	items []*Instruction
}

// NewInstrList wraps the given instructions.
func NewInstrList(ins ...*Instruction) *InstrList {
	l := &InstrList{items: append([]*Instruction(nil), ins...)}
	l.CalculateOffsets()
	return l
}

// Len returns the number of instructions.
func (l *InstrList) Len() int { return len(l.items) }

// At returns the instruction at index i.
func (l *InstrList) At(i int) *Instruction { return l.items[i] }

// Items exposes the underlying slice. Callers must not retain it across mutations.
func (l *InstrList) Items() []*Instruction { return l.items }

// Add appends instructions.
func (l *InstrList) Add(ins ...*Instruction) { l.items = append(l.items, ins...) }

// Insert places ins before index i.
func (l *InstrList) Insert(i int, ins ...*Instruction) {
	l.items = slices.Insert(l.items, i, ins...)
}

// RemoveAt deletes the instruction at index i.
func (l *InstrList) RemoveAt(i int) {
	l.items = slices.Delete(l.items, i, i+1)
}

// IndexOf returns the position of ins, or -1.
func (l *InstrList) IndexOf(ins *Instruction) int {
	return slices.Index(l.items, ins)
}

// Last returns the final instruction, or nil.
func (l *InstrList) Last() *Instruction {
	if len(l.items) == 0 {
		return nil
	}
	return l.items[len(l.items)-1]
}

// CalculateOffsets assigns byte offsets from instruction sizes.
func (l *InstrList) CalculateOffsets() int {
	off := 0
	for _, ins := range l.items {
		ins.Offset = off
		off += ins.Size()
	}
	return off
}

// ExpandMacros rewrites every short or implicit-operand form into its long
// form so operands can be edited freely.
func (l *InstrList) ExpandMacros() {
	for _, ins := range l.items {
		expandMacro(ins)
	}
	l.CalculateOffsets()
}

func expandMacro(ins *Instruction) {
	switch ins.OpCode.Code {
	case OpLdcI4M1.Code, OpLdcI40.Code, OpLdcI41.Code, OpLdcI42.Code, OpLdcI43.Code,
		OpLdcI44.Code, OpLdcI45.Code, OpLdcI46.Code, OpLdcI47.Code, OpLdcI48.Code, OpLdcI4S.Code:
		v := ins.LdcI4Value()
		ins.OpCode, ins.Operand = OpLdcI4, v
	case OpLdarg0.Code, OpLdarg1.Code, OpLdarg2.Code, OpLdarg3.Code, OpLdargS.Code:
		ins.OpCode, ins.Operand = OpLdarg, ins.VarIndex()
	case OpLdloc0.Code, OpLdloc1.Code, OpLdloc2.Code, OpLdloc3.Code, OpLdlocS.Code:
		ins.OpCode, ins.Operand = OpLdloc, ins.VarIndex()
	case OpStloc0.Code, OpStloc1.Code, OpStloc2.Code, OpStloc3.Code, OpStlocS.Code:
		ins.OpCode, ins.Operand = OpStloc, ins.VarIndex()
	case OpLdlocaS.Code:
		ins.OpCode = OpLdloca
	case OpBrS.Code:
		ins.OpCode = OpBr
	case OpBrtrueS.Code:
		ins.OpCode = OpBrtrue
	case OpBrfalseS.Code:
		ins.OpCode = OpBrfalse
	}
}

var (
	ldcShort   = [...]OpCode{OpLdcI4M1, OpLdcI40, OpLdcI41, OpLdcI42, OpLdcI43, OpLdcI44, OpLdcI45, OpLdcI46, OpLdcI47, OpLdcI48}
	ldargShort = [...]OpCode{OpLdarg0, OpLdarg1, OpLdarg2, OpLdarg3}
	ldlocShort = [...]OpCode{OpLdloc0, OpLdloc1, OpLdloc2, OpLdloc3}
	stlocShort = [...]OpCode{OpStloc0, OpStloc1, OpStloc2, OpStloc3}
)

// OptimizeMacros picks the smallest encoding for every instruction. Branches
// are shortened when the displacement fits a signed byte; shrinking only
// pulls targets closer, so the loop converges.
func (l *InstrList) OptimizeMacros() {
	for _, ins := range l.items {
		optimizeMacro(ins)
	}
	for {
		l.CalculateOffsets()
		changed := false
		for _, ins := range l.items {
			short, ok := shortBranch(ins.OpCode)
			if !ok {
				continue
			}
			target := ins.Target()
			if target == nil {
				continue
			}
			// displacement measured from the end of the shortened instruction
			disp := target.Offset - (ins.Offset + short.Size() + short.Operand.Size())
			if disp >= -128 && disp <= 127 {
				ins.OpCode = short
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}

func optimizeMacro(ins *Instruction) {
	switch ins.OpCode.Code {
	case OpLdcI4.Code, OpLdcI4S.Code:
		v := ins.LdcI4Value()
		switch {
		case v >= -1 && v <= 8:
			ins.OpCode, ins.Operand = ldcShort[v+1], nil
		case v >= -128 && v <= 127:
			ins.OpCode, ins.Operand = OpLdcI4S, v
		default:
			ins.OpCode, ins.Operand = OpLdcI4, v
		}
	case OpLdarg.Code, OpLdargS.Code:
		ins.OpCode, ins.Operand = shortVar(ins.VarIndex(), ldargShort[:], OpLdargS, OpLdarg)
	case OpLdloc.Code, OpLdlocS.Code:
		ins.OpCode, ins.Operand = shortVar(ins.VarIndex(), ldlocShort[:], OpLdlocS, OpLdloc)
	case OpStloc.Code, OpStlocS.Code:
		ins.OpCode, ins.Operand = shortVar(ins.VarIndex(), stlocShort[:], OpStlocS, OpStloc)
	case OpLdloca.Code:
		if idx := ins.VarIndex(); idx <= 0xFF {
			ins.OpCode = OpLdlocaS
		}
	}
}

func shortVar(idx int, fixed []OpCode, short, long OpCode) (OpCode, any) {
	switch {
	case idx >= 0 && idx < len(fixed):
		return fixed[idx], nil
	case idx <= 0xFF:
		return short, idx
	default:
		return long, idx
	}
}

func shortBranch(op OpCode) (OpCode, bool) {
	switch op.Code {
	case OpBr.Code:
		return OpBrS, true
	case OpBrtrue.Code:
		return OpBrtrueS, true
	case OpBrfalse.Code:
		return OpBrfalseS, true
	}
	return OpCode{}, false
}
