// Package imagetest builds small modules for tests.
package imagetest

import (
	"callobf/internal/corlib"
	"callobf/internal/image"
)

// Builder assembles a module that references a fresh core library.
type Builder struct {
	Mod *image.Module
	Lib *image.Module
	imp *image.Importer
}

// New starts a module named name.
func New(name string) *Builder {
	mod := image.NewModule(name)
	return &Builder{Mod: mod, Lib: corlib.New(), imp: image.NewImporter(mod)}
}

// Resolver returns a resolver that knows the core library.
func (b *Builder) Resolver() *image.Resolver { return image.NewResolver(b.Lib) }

// Ref imports the core library method with the given key as a member reference.
func (b *Builder) Ref(key string) *image.MemberRef {
	ref, ok := b.imp.ImportMethod(corlib.MustLookup(b.Lib, key)).(*image.MemberRef)
	if !ok {
		panic("imagetest: import of " + key + " did not produce a member reference")
	}
	return ref
}

// NewRef adds a second, distinct member reference row for the same method.
func (b *Builder) NewRef(key string) *image.MemberRef {
	md := corlib.MustLookup(b.Lib, key)
	return b.Mod.AddMemberRef(&image.MemberRef{
		Parent:    b.imp.ImportType(md.DeclaringType),
		Name:      md.Name,
		Signature: b.imp.ImportSignature(md.Signature),
	})
}

// CorType imports a core library type.
func (b *Builder) CorType(ns, name string) image.TypeDescriptor {
	t := b.Lib.TypeDef(ns, name)
	if t == nil {
		panic("imagetest: no core type " + ns + "." + name)
	}
	return b.imp.ImportType(t)
}

// Class defines a reference type deriving from System.Object.
func (b *Builder) Class(ns, name string) *image.TypeDef {
	return b.Mod.AddTypeDef(&image.TypeDef{
		Namespace: ns,
		Name:      name,
		Flags:     image.TypePublic,
		Extends:   b.CorType("System", "Object"),
	})
}

// Static adds a static method with the given body.
func (b *Builder) Static(t *image.TypeDef, name string, sig *image.MethodSignature, code ...*image.Instruction) *image.MethodDef {
	return b.Mod.AddMethod(t, &image.MethodDef{
		Name:      name,
		Flags:     image.MethodPublic | image.MethodStatic,
		Signature: sig,
		Body:      image.NewMethodBody(code...),
	})
}

// Instance adds an instance method with the given body.
func (b *Builder) Instance(t *image.TypeDef, name string, sig *image.MethodSignature, code ...*image.Instruction) *image.MethodDef {
	return b.Mod.AddMethod(t, &image.MethodDef{
		Name:      name,
		Flags:     image.MethodPublic,
		Signature: sig,
		Body:      image.NewMethodBody(code...),
	})
}

// Main adds Program::Main as the entry point.
func (b *Builder) Main(code ...*image.Instruction) *image.MethodDef {
	prog := b.Mod.TypeDef("", "Program")
	if prog == nil {
		prog = b.Class("", "Program")
	}
	md := b.Static(prog, "Main", image.StaticSig(image.VoidSig()), code...)
	b.Mod.EntryPoint = md
	return md
}

// Call builds a call instruction.
func Call(md image.MethodDescriptor) *image.Instruction {
	return image.NewInstruction(image.OpCall, md)
}

// Callvirt builds a callvirt instruction.
func Callvirt(md image.MethodDescriptor) *image.Instruction {
	return image.NewInstruction(image.OpCallvirt, md)
}

// Op builds an operand-less instruction.
func Op(op image.OpCode) *image.Instruction { return image.NewInstruction(op, nil) }

// Ldstr builds a string load.
func Ldstr(s string) *image.Instruction { return image.NewInstruction(image.OpLdstr, s) }

// Ret builds a return.
func Ret() *image.Instruction { return Op(image.OpRet) }
