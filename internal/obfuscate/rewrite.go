package obfuscate

import (
	"callobf/internal/image"
	"callobf/internal/trace"
)

// extraStack is the deepest the slot load sequence pushes above a call's arguments.
const extraStack = 4

// rewriter turns eligible direct calls into table-indirect calls.
type rewriter struct {
	filter *Filter
	table  *Table
	consts *Constants
	sigs   map[string]*image.StandAloneSig
	tracer trace.Tracer
	report *Report
}

// method rewrites one body in place and returns the number of sites changed.
// A body without eligible sites is left exactly as it was, encoding included.
func (rw *rewriter) method(md *image.MethodDef, parent uint64) int {
	body := md.Body
	list := body.Instructions

	eligible := make(map[*image.Instruction]*image.MemberRef)
	for _, ins := range list.Items() {
		if !ins.OpCode.IsCall() {
			continue
		}
		rw.report.CallSites++
		ref, reason := rw.filter.Check(ins)
		if reason != Indirect {
			rw.report.skip(reason)
			if rw.tracer.Level() >= trace.LevelDebug {
				trace.Point(rw.tracer, trace.ScopeSite, "skip", reason.String()+" "+image.FormatOperand(ins.Operand), parent)
			}
			continue
		}
		eligible[ins] = ref
	}
	if len(eligible) == 0 {
		return 0
	}

	list.ExpandMacros()
	for i := 0; i < list.Len(); i++ {
		ins := list.At(i)
		ref, ok := eligible[ins]
		if !ok {
			continue
		}
		seq := rw.indirect(ref)
		// the original stays as a nop so branches aimed at it fall into the sequence
		ins.OpCode, ins.Operand = image.OpNop, nil
		list.Insert(i+1, seq...)
		i += len(seq)
	}
	body.MaxStack = saturatingAdd(body.MaxStack, extraStack)
	list.OptimizeMacros()
	return len(eligible)
}

// indirect builds: ldsfld table; <slot>; ldelem.i; calli sig.
func (rw *rewriter) indirect(ref *image.MemberRef) []*image.Instruction {
	slot := rw.table.SlotFor(ref)
	seq := []*image.Instruction{image.NewInstruction(image.OpLdsfld, rw.table.Field())}
	seq = append(seq, rw.consts.Obfuscate(literal(slot))...)
	return append(seq,
		image.NewInstruction(image.OpLdelemI, nil),
		image.NewInstruction(image.OpCalli, rw.standAlone(ref.Signature)),
	)
}

// standAlone returns a standalone signature equal to sig, sharing rows
// between sites with identical signatures.
func (rw *rewriter) standAlone(sig *image.MethodSignature) *image.StandAloneSig {
	key := sig.String()
	if s, ok := rw.sigs[key]; ok {
		return s
	}
	s := rw.table.mod.MakeStandAloneSig(sig)
	rw.sigs[key] = s
	return s
}

func saturatingAdd(a, b uint16) uint16 {
	if a > 0xFFFF-b {
		return 0xFFFF
	}
	return a + b
}
