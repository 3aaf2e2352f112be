package obfuscate

import (
	"fmt"

	"fortio.org/safecast"

	"callobf/internal/image"
)

// Target is one distinct callee and the table slot holding its entry address.
type Target struct {
	Key  string
	Ref  *image.MemberRef // first reference seen; its token is what the module resolves at load time
	Slot int
}

// Table owns the function-pointer field and the slot assignment for one run.
type Table struct {
	mod    *image.Module
	consts *Constants
	rnd    RandSource
	rt     *runtimeSurface
	imp    *image.Importer

	field   *image.FieldDef
	surface *imported

	slots     map[string]int
	targets   []*Target
	fragments [][]*image.Instruction
	scratch   []*image.Instruction
}

func newTable(mod *image.Module, rt *runtimeSurface, consts *Constants, rnd RandSource) *Table {
	return &Table{
		mod:    mod,
		consts: consts,
		rnd:    rnd,
		rt:     rt,
		imp:    image.NewImporter(mod),
		slots:  make(map[string]int),
	}
}

// TargetKey identifies a callee independent of which reference row names it.
func TargetKey(md image.MethodDescriptor) string {
	scope := ""
	if r, ok := md.Owner().(*image.TypeRef); ok && r.Scope != nil {
		scope = r.Scope.FullName()
	}
	return scope + image.MethodKey(md) + " " + md.MethodSig().String()
}

// Field returns the pointer table field, adding it to <Module> on first use.
func (t *Table) Field() *image.FieldDef {
	if t.field != nil {
		return t.field
	}
	t.surface = t.rt.importInto(t.imp)
	global := t.mod.GetOrCreateGlobalType()
	t.field = t.mod.AddField(global, &image.FieldDef{
		Name:  t.fieldName(global),
		Flags: image.FieldAssembly | image.FieldStatic,
		Type:  image.SzArrayOf(image.IntPtrSig()),
	})
	return t.field
}

// fieldName draws a lowercase letter <Module> does not use yet. When the
// draws keep colliding it takes the first free name in a, b, .., z, aa, ab, ...
func (t *Table) fieldName(global *image.TypeDef) string {
	taken := make(map[string]bool, len(global.Fields))
	for _, f := range global.Fields {
		taken[f.Name] = true
	}
	for range 26 {
		if name := string(rune('a' + t.rnd.IntN(26))); !taken[name] {
			return name
		}
	}
	for n := 0; ; n++ {
		if name := letterName(n); !taken[name] {
			return name
		}
	}
}

// letterName is the n-th name of the sequence a..z, aa..az, ba.. (bijective base 26).
func letterName(n int) string {
	var buf []byte
	for n++; n > 0; n = (n - 1) / 26 {
		buf = append([]byte{byte('a' + (n-1)%26)}, buf...)
	}
	return string(buf)
}

// SlotFor returns the slot for ref's callee. The first request for a callee
// assigns the next slot and records the fragment that fills it.
func (t *Table) SlotFor(ref *image.MemberRef) int {
	key := TargetKey(ref)
	if slot, ok := t.slots[key]; ok {
		return slot
	}
	slot := len(t.targets)
	t.slots[key] = slot
	t.targets = append(t.targets, &Target{Key: key, Ref: ref, Slot: slot})
	t.fragments = append(t.fragments, t.fragment(slot, ref.Token()))
	return slot
}

// fragment resolves the member named tok from this module and stores its
// entry address in slot.
func (t *Table) fragment(slot int, tok image.Token) []*image.Instruction {
	field := t.Field()
	rt := t.surface
	store := image.NewInstruction(image.OpStloc, 0)
	load := image.NewInstruction(image.OpLdloca, 0)
	t.scratch = append(t.scratch, store, load)

	out := []*image.Instruction{image.NewInstruction(image.OpLdsfld, field)}
	out = append(out, t.consts.Obfuscate(literal(slot))...)
	out = append(out,
		image.NewInstruction(image.OpLdtoken, t.mod.GetOrCreateGlobalType()),
		image.NewInstruction(image.OpCall, rt.getTypeFromHandle),
		image.NewInstruction(image.OpCallvirt, rt.getModule),
	)
	out = append(out, t.consts.Obfuscate(tok.Int32())...)
	return append(out,
		image.NewInstruction(image.OpCallvirt, rt.resolveMethod),
		image.NewInstruction(image.OpCallvirt, rt.getMethodHandle),
		store,
		load,
		image.NewInstruction(image.OpCall, rt.getFunctionPointer),
		image.NewInstruction(image.OpStelemI, nil),
	)
}

// bindScratch points every fragment's handle store and load at local idx.
func (t *Table) bindScratch(idx int) {
	for _, ins := range t.scratch {
		ins.Operand = idx
	}
}

// Len returns the number of slots allocated.
func (t *Table) Len() int { return len(t.targets) }

// Targets returns the callees in slot order.
func (t *Table) Targets() []*Target { return t.targets }

// Fragments returns the slot-filling code in first-occurrence order.
func (t *Table) Fragments() [][]*image.Instruction { return t.fragments }

// literal narrows a slot index or count. Slots are bounded by the member
// reference table, which holds at most 2^24 rows.
func literal(n int) int32 {
	v, err := safecast.Conv[int32](n)
	if err != nil {
		panic(fmt.Errorf("slot literal %d: %w", n, err))
	}
	return v
}
