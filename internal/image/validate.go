package image

import (
	"errors"
	"fmt"
)

// Validate checks structural invariants of every method body.
// Returns error if any invariant is violated.
func Validate(m *Module) error {
	if m == nil {
		return nil
	}
	var errs []error
	if m.GlobalType() == nil {
		errs = append(errs, fmt.Errorf("module %s: missing %s type", m.Name, GlobalTypeName))
	}
	for _, md := range m.MethodsWithBodies() {
		if err := validateBody(md); err != nil {
			errs = append(errs, fmt.Errorf("method %s: %w", md.FullName(), err))
		}
	}
	return errors.Join(errs...)
}

func validateBody(md *MethodDef) error {
	body := md.Body
	if body.Instructions == nil || body.Instructions.Len() == 0 {
		return errors.New("empty body")
	}
	var errs []error

	// 1. Control never falls off the end
	if last := body.Instructions.Last(); !last.OpCode.IsTerminator() {
		errs = append(errs, fmt.Errorf("body ends in %s", last.OpCode.Name))
	}

	// 2. Branch targets belong to this body
	members := make(map[*Instruction]bool, body.Instructions.Len())
	for _, ins := range body.Instructions.Items() {
		members[ins] = true
	}
	for i, ins := range body.Instructions.Items() {
		if !ins.OpCode.IsBranch() {
			continue
		}
		if t := ins.Target(); t == nil || !members[t] {
			errs = append(errs, fmt.Errorf("#%d %s: branch target outside body", i, ins.OpCode.Name))
		}
	}

	// 3. Operand kinds match opcodes
	for i, ins := range body.Instructions.Items() {
		if err := checkOperand(ins); err != nil {
			errs = append(errs, fmt.Errorf("#%d %s: %w", i, ins.OpCode.Name, err))
		}
	}

	// 4. Local indices exist
	for i, ins := range body.Instructions.Items() {
		switch ins.OpCode.Code {
		case OpLdloc0.Code, OpLdloc1.Code, OpLdloc2.Code, OpLdloc3.Code, OpLdlocS.Code, OpLdloc.Code,
			OpStloc0.Code, OpStloc1.Code, OpStloc2.Code, OpStloc3.Code, OpStlocS.Code, OpStloc.Code,
			OpLdlocaS.Code, OpLdloca.Code:
			if idx := ins.VarIndex(); idx < 0 || idx >= len(body.Locals) {
				errs = append(errs, fmt.Errorf("#%d %s: local %d not declared", i, ins.OpCode.Name, idx))
			}
		}
	}
	return errors.Join(errs...)
}

func checkOperand(ins *Instruction) error {
	var ok bool
	switch ins.OpCode.Operand {
	case InlineNone:
		ok = ins.Operand == nil
	case ShortInlineI, InlineI:
		_, ok = ins.Operand.(int32)
	case ShortInlineVar, InlineVar:
		_, ok = ins.Operand.(int)
	case ShortInlineBrTarget, InlineBrTarget:
		_, ok = ins.Operand.(*Instruction)
	case InlineMethod:
		_, ok = ins.Operand.(MethodDescriptor)
	case InlineField:
		_, ok = ins.Operand.(*FieldDef)
	case InlineType:
		_, ok = ins.Operand.(TypeDescriptor)
	case InlineTok:
		_, ok = ins.Operand.(Member)
	case InlineSig:
		_, ok = ins.Operand.(*StandAloneSig)
	case InlineString:
		_, ok = ins.Operand.(string)
	}
	if !ok {
		return fmt.Errorf("unexpected operand %T", ins.Operand)
	}
	return nil
}
