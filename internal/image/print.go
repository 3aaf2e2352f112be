package image

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
)

// DumpOptions configures module dumping.
type DumpOptions struct {
	// Tokens prefixes every row with its metadata token.
	Tokens bool
}

const opcodeColumn = 10

// Dump writes a human-readable disassembly of m.
func Dump(w io.Writer, m *Module, opts DumpOptions) error {
	if w == nil || m == nil {
		return nil
	}
	p := &printer{w: w, opts: opts}
	p.printf(".module %s\n", m.Name)
	for _, a := range m.AssemblyRefs {
		p.printf(".assembly extern %s\n", a.Name)
	}
	if m.EntryPoint != nil {
		p.printf(".entrypoint %s\n", m.EntryPoint.FullName())
	}
	if len(m.MemberRefs) > 0 {
		p.printf("\n")
		for _, r := range m.MemberRefs {
			p.printf("%s.memberref %s\n", p.tok(r), r.FullName())
		}
	}
	for _, t := range m.TypeDefs {
		p.printf("\n")
		p.typeDef(t)
	}
	return p.err
}

type printer struct {
	w    io.Writer
	opts DumpOptions
	err  error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) tok(m Member) string {
	if !p.opts.Tokens {
		return ""
	}
	return "/*" + m.Token().String() + "*/ "
}

func (p *printer) typeDef(t *TypeDef) {
	head := ".class " + t.FullName()
	if t.Extends != nil {
		head += " extends " + t.Extends.FullName()
	}
	p.printf("%s%s\n{\n", p.tok(t), head)
	for _, f := range t.Fields {
		var mods []string
		if f.IsStatic() {
			mods = append(mods, "static")
		}
		mods = append(mods, fieldAccess(f.Flags))
		p.printf("  %s.field %s %s %s\n", p.tok(f), strings.Join(mods, " "), f.Type, f.Name)
	}
	for _, md := range t.Methods {
		p.method(md)
	}
	p.printf("}\n")
}

func fieldAccess(flags FieldAttributes) string {
	switch flags & 0x7 {
	case FieldPrivate:
		return "private"
	case FieldAssembly:
		return "assembly"
	case FieldPublic:
		return "public"
	default:
		return "compilercontrolled"
	}
}

func (p *printer) method(md *MethodDef) {
	var mods []string
	if md.IsStatic() {
		mods = append(mods, "static")
	}
	if md.Flags&MethodVirtual != 0 {
		mods = append(mods, "virtual")
	}
	if md.Flags&MethodAbstract != 0 {
		mods = append(mods, "abstract")
	}
	impl := ""
	switch {
	case md.ImplFlags&ImplInternalCall != 0:
		impl = " internalcall"
	case md.ImplFlags&ImplRuntime == ImplRuntime:
		impl = " runtime"
	}
	ret := "void"
	params := "()"
	if md.Signature != nil {
		ret = md.Signature.Return.String()
		params = md.Signature.ParamList()
	}
	lead := ""
	if len(mods) > 0 {
		lead = strings.Join(mods, " ") + " "
	}
	p.printf("  %s.method %s%s %s%s%s\n", p.tok(md), lead, ret, md.Name, params, impl)
	if md.Body == nil {
		return
	}
	p.printf("  {\n")
	p.printf("    .maxstack %d\n", md.Body.MaxStack)
	if len(md.Body.Locals) > 0 {
		locals := make([]string, len(md.Body.Locals))
		for i, l := range md.Body.Locals {
			locals[i] = fmt.Sprintf("[%d] %s", i, l)
		}
		init := ""
		if md.Body.InitLocals {
			init = "init "
		}
		p.printf("    .locals %s(%s)\n", init, strings.Join(locals, ", "))
	}
	md.Body.Instructions.CalculateOffsets()
	for _, ins := range md.Body.Instructions.Items() {
		p.instruction(ins)
	}
	p.printf("  }\n")
}

func (p *printer) instruction(ins *Instruction) {
	if ins.Operand == nil {
		p.printf("    IL_%04X: %s\n", ins.Offset, ins.OpCode.Name)
		return
	}
	name := runewidth.FillRight(ins.OpCode.Name, opcodeColumn)
	p.printf("    IL_%04X: %s %s\n", ins.Offset, name, FormatOperand(ins.Operand))
}
