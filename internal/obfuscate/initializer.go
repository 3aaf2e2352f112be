package obfuscate

import (
	"fmt"

	"callobf/internal/image"
)

// checkInitializer fails early when an existing <Module>::.cctor has no IL
// body to patch, before any method is rewritten.
func checkInitializer(mod *image.Module) error {
	cctor := mod.ModuleInitializer()
	if cctor == nil {
		return nil
	}
	if cctor.IsNative() || cctor.Flags&image.MethodAbstract != 0 {
		return fmt.Errorf("%w: %s has no IL body", ErrNoInitializer, cctor.FullName())
	}
	return nil
}

// patchInitializer makes <Module>::.cctor allocate and fill the table before
// its original code runs. Resulting layout:
//
//	<count>; newarr native int; stsfld table
//	fragment 0 .. fragment n-1
//	original body, every ret redirected to the final ret
//	ret
func patchInitializer(mod *image.Module, t *Table) (*image.MethodDef, error) {
	cctor, err := mod.GetOrCreateModuleInitializer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoInitializer, err)
	}
	body := cctor.Body
	list := body.Instructions
	list.ExpandMacros()

	final := image.NewInstruction(image.OpRet, nil)
	stripReturns(list, final)

	t.bindScratch(body.AddLocal(image.ValueTypeSig(t.surface.methodHandle)))

	prologue := t.consts.Obfuscate(literal(t.Len()))
	prologue = append(prologue,
		image.NewInstruction(image.OpNewarr, t.surface.intPtr),
		image.NewInstruction(image.OpStsfld, t.Field()),
	)
	for _, frag := range t.Fragments() {
		prologue = append(prologue, frag...)
	}
	list.Insert(0, prologue...)
	list.Add(final)

	list.OptimizeMacros()
	body.InitLocals = true
	if body.MaxStack < 8 {
		body.MaxStack = 8
	}
	return cctor, nil
}

// stripReturns removes a trailing ret and turns interior ones into branches
// to final. Branches that targeted a removed ret are retargeted to final.
func stripReturns(list *image.InstrList, final *image.Instruction) {
	for i := 0; i < list.Len(); i++ {
		ins := list.At(i)
		if ins.OpCode.Code != image.OpRet.Code {
			continue
		}
		if i == list.Len()-1 {
			retarget(list, ins, final)
			list.RemoveAt(i)
			return
		}
		ins.OpCode, ins.Operand = image.OpBr, final
	}
}

func retarget(list *image.InstrList, from, to *image.Instruction) {
	for _, ins := range list.Items() {
		if ins.OpCode.IsBranch() && ins.Target() == from {
			ins.Operand = to
		}
	}
}
