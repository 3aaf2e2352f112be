package image

// Importer turns members of other modules into references owned by a
// target module, reusing equal rows that already exist.
type Importer struct {
	mod *Module
}

// NewImporter returns an importer targeting mod.
func NewImporter(mod *Module) *Importer { return &Importer{mod: mod} }

// ImportType returns a descriptor usable from the target module.
func (im *Importer) ImportType(t TypeDescriptor) TypeDescriptor {
	switch v := t.(type) {
	case *TypeDef:
		if v.Module == im.mod {
			return v
		}
		scope := CorLibName
		if v.Module != nil {
			scope = v.Module.Name
		}
		return im.typeRef(scope, v.Namespace, v.Name)
	case *TypeRef:
		scope := CorLibName
		if v.Scope != nil {
			scope = v.Scope.Name
		}
		return im.typeRef(scope, v.Namespace, v.Name)
	case *TypeSpec:
		want := im.ImportTypeSig(v.Sig)
		for _, s := range im.mod.TypeSpecs {
			if s.Sig.Equal(want) {
				return s
			}
		}
		return im.mod.AddTypeSpec(&TypeSpec{Sig: want})
	}
	return t
}

func (im *Importer) typeRef(scope, ns, name string) *TypeRef {
	for _, r := range im.mod.TypeRefs {
		if r.Namespace == ns && r.Name == name && r.Scope != nil && r.Scope.Name == scope {
			return r
		}
	}
	return im.mod.AddTypeRef(&TypeRef{Scope: im.mod.AddAssemblyRef(scope), Namespace: ns, Name: name})
}

// ImportTypeSig re-points every type inside s at the target module.
func (im *Importer) ImportTypeSig(s *TypeSig) *TypeSig {
	if s == nil {
		return nil
	}
	out := *s
	if s.Type != nil {
		out.Type = im.ImportType(s.Type)
	}
	out.Inner = im.ImportTypeSig(s.Inner)
	if len(s.Args) > 0 {
		out.Args = make([]*TypeSig, len(s.Args))
		for i, a := range s.Args {
			out.Args[i] = im.ImportTypeSig(a)
		}
	}
	return &out
}

// ImportSignature re-points a method signature at the target module.
func (im *Importer) ImportSignature(sig *MethodSignature) *MethodSignature {
	out := sig.Clone()
	out.Return = im.ImportTypeSig(sig.Return)
	for i, p := range sig.Params {
		out.Params[i] = im.ImportTypeSig(p)
	}
	return out
}

// ImportMethod returns a descriptor for md usable from the target module.
func (im *Importer) ImportMethod(md MethodDescriptor) MethodDescriptor {
	if def, ok := md.(*MethodDef); ok && def.DeclaringType != nil && def.DeclaringType.Module == im.mod {
		return def
	}
	if spec, ok := md.(*MethodSpec); ok {
		return im.mod.AddMethodSpec(&MethodSpec{Method: im.ImportMethod(spec.Method), Args: spec.Args})
	}
	parent := im.ImportType(md.Owner())
	sig := im.ImportSignature(md.MethodSig())
	for _, r := range im.mod.MemberRefs {
		if r.Name == md.MethodName() && r.Parent == parent && r.Signature.String() == sig.String() {
			return r
		}
	}
	return im.mod.AddMemberRef(&MemberRef{Parent: parent, Name: md.MethodName(), Signature: sig})
}
