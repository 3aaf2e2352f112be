package image

import (
	"errors"
	"fmt"

	"fortio.org/safecast"
)

// CorLibName is the resolution scope of the core runtime library.
const CorLibName = "mscorlib"

// ErrNoILBody reports a method whose implementation is not patchable IL.
var ErrNoILBody = errors.New("method has no IL body")

// Module is an editable managed module. Row order in every table is the rid
// order; new rows are always appended so existing tokens stay valid.
type Module struct {
	Name string

	AssemblyRefs   []*AssemblyRef
	TypeRefs       []*TypeRef
	TypeDefs       []*TypeDef
	Fields         []*FieldDef
	Methods        []*MethodDef
	MemberRefs     []*MemberRef
	TypeSpecs      []*TypeSpec
	MethodSpecs    []*MethodSpec
	StandAloneSigs []*StandAloneSig

	EntryPoint *MethodDef
}

// NewModule returns a module with a global type and a corlib reference.
func NewModule(name string) *Module {
	m := &Module{Name: name}
	m.AddAssemblyRef(CorLibName)
	m.AddTypeDef(&TypeDef{Name: GlobalTypeName})
	return m
}

func rid(n int) uint32 {
	r, err := safecast.Conv[uint32](n)
	if err != nil || r > 0x00FFFFFF {
		panic(fmt.Errorf("metadata table overflow: %d rows", n))
	}
	return r
}

// AddAssemblyRef returns the reference named name, adding it when missing.
func (m *Module) AddAssemblyRef(name string) *AssemblyRef {
	for _, a := range m.AssemblyRefs {
		if a.Name == name {
			return a
		}
	}
	a := &AssemblyRef{Name: name}
	m.AssemblyRefs = append(m.AssemblyRefs, a)
	a.token = NewToken(TableAssemblyRef, rid(len(m.AssemblyRefs)))
	return a
}

// CorLibScope returns the core library reference.
func (m *Module) CorLibScope() *AssemblyRef { return m.AddAssemblyRef(CorLibName) }

// AddTypeRef appends a type reference.
func (m *Module) AddTypeRef(t *TypeRef) *TypeRef {
	m.TypeRefs = append(m.TypeRefs, t)
	t.token = NewToken(TableTypeRef, rid(len(m.TypeRefs)))
	return t
}

// AddTypeDef appends a type definition together with any fields and methods it already holds.
func (m *Module) AddTypeDef(t *TypeDef) *TypeDef {
	m.TypeDefs = append(m.TypeDefs, t)
	t.token = NewToken(TableTypeDef, rid(len(m.TypeDefs)))
	t.Module = m
	fields, methods := t.Fields, t.Methods
	t.Fields, t.Methods = nil, nil
	for _, f := range fields {
		m.AddField(t, f)
	}
	for _, md := range methods {
		m.AddMethod(t, md)
	}
	return t
}

// AddField appends a field to the field table and to t.
func (m *Module) AddField(t *TypeDef, f *FieldDef) *FieldDef {
	m.Fields = append(m.Fields, f)
	f.token = NewToken(TableField, rid(len(m.Fields)))
	f.DeclaringType = t
	t.Fields = append(t.Fields, f)
	return f
}

// AddMethod appends a method to the method table and to t.
func (m *Module) AddMethod(t *TypeDef, md *MethodDef) *MethodDef {
	m.Methods = append(m.Methods, md)
	md.token = NewToken(TableMethod, rid(len(m.Methods)))
	md.DeclaringType = t
	t.Methods = append(t.Methods, md)
	return md
}

// AddMemberRef appends a member reference.
func (m *Module) AddMemberRef(r *MemberRef) *MemberRef {
	m.MemberRefs = append(m.MemberRefs, r)
	r.token = NewToken(TableMemberRef, rid(len(m.MemberRefs)))
	return r
}

// AddTypeSpec appends a type specification.
func (m *Module) AddTypeSpec(s *TypeSpec) *TypeSpec {
	m.TypeSpecs = append(m.TypeSpecs, s)
	s.token = NewToken(TableTypeSpec, rid(len(m.TypeSpecs)))
	return s
}

// AddMethodSpec appends a generic method instantiation.
func (m *Module) AddMethodSpec(s *MethodSpec) *MethodSpec {
	m.MethodSpecs = append(m.MethodSpecs, s)
	s.token = NewToken(TableMethodSpec, rid(len(m.MethodSpecs)))
	return s
}

// AddStandAloneSig appends a standalone signature.
func (m *Module) AddStandAloneSig(s *StandAloneSig) *StandAloneSig {
	m.StandAloneSigs = append(m.StandAloneSigs, s)
	s.token = NewToken(TableStandAloneSig, rid(len(m.StandAloneSigs)))
	return s
}

// MakeStandAloneSig registers a copy of sig for use by calli.
func (m *Module) MakeStandAloneSig(sig *MethodSignature) *StandAloneSig {
	return m.AddStandAloneSig(&StandAloneSig{Signature: sig.Clone()})
}

// GlobalType returns the <Module> type, or nil.
func (m *Module) GlobalType() *TypeDef {
	for _, t := range m.TypeDefs {
		if t.IsGlobal() {
			return t
		}
	}
	return nil
}

// GetOrCreateGlobalType returns the <Module> type, appending it when missing.
func (m *Module) GetOrCreateGlobalType() *TypeDef {
	if t := m.GlobalType(); t != nil {
		return t
	}
	return m.AddTypeDef(&TypeDef{Name: GlobalTypeName})
}

// ModuleInitializer returns <Module>::.cctor, or nil.
func (m *Module) ModuleInitializer() *MethodDef {
	if t := m.GlobalType(); t != nil {
		return t.Initializer()
	}
	return nil
}

// GetOrCreateModuleInitializer returns the module initializer with an IL
// body, creating the method or an empty body as needed. An initializer the
// runtime implements natively cannot be patched.
func (m *Module) GetOrCreateModuleInitializer() (*MethodDef, error) {
	global := m.GetOrCreateGlobalType()
	cctor := global.Initializer()
	if cctor == nil {
		cctor = m.AddMethod(global, &MethodDef{
			Name:      InitializerName,
			Flags:     MethodPrivate | MethodStatic | MethodSpecialName | MethodRTSpecialName,
			Signature: StaticSig(VoidSig()),
		})
	}
	if cctor.IsNative() || cctor.Flags&MethodAbstract != 0 {
		return nil, fmt.Errorf("%s: %w", cctor.FullName(), ErrNoILBody)
	}
	if cctor.Body == nil {
		cctor.Body = NewMethodBody()
	}
	return cctor, nil
}

// TypeDef returns the type named ns.name, or nil.
func (m *Module) TypeDef(ns, name string) *TypeDef {
	for _, t := range m.TypeDefs {
		if t.Namespace == ns && t.Name == name {
			return t
		}
	}
	return nil
}

// FindMethod looks up "NS.Type::Name".
func (m *Module) FindMethod(qualified string) (*MethodDef, bool) {
	for _, t := range m.TypeDefs {
		for _, md := range t.Methods {
			if t.FullName()+"::"+md.Name == qualified {
				return md, true
			}
		}
	}
	return nil, false
}

// MethodsWithBodies returns every method carrying IL, in type then method order.
func (m *Module) MethodsWithBodies() []*MethodDef {
	var out []*MethodDef
	for _, t := range m.TypeDefs {
		for _, md := range t.Methods {
			if md.Body != nil {
				out = append(out, md)
			}
		}
	}
	return out
}

// LookupToken returns the row a token names.
func (m *Module) LookupToken(tok Token) (Member, error) {
	r := int(tok.Rid())
	var (
		out Member
		n   int
	)
	switch tok.Table() {
	case TableAssemblyRef:
		n = len(m.AssemblyRefs)
		if r >= 1 && r <= n {
			out = m.AssemblyRefs[r-1]
		}
	case TableTypeRef:
		n = len(m.TypeRefs)
		if r >= 1 && r <= n {
			out = m.TypeRefs[r-1]
		}
	case TableTypeDef:
		n = len(m.TypeDefs)
		if r >= 1 && r <= n {
			out = m.TypeDefs[r-1]
		}
	case TableField:
		n = len(m.Fields)
		if r >= 1 && r <= n {
			out = m.Fields[r-1]
		}
	case TableMethod:
		n = len(m.Methods)
		if r >= 1 && r <= n {
			out = m.Methods[r-1]
		}
	case TableMemberRef:
		n = len(m.MemberRefs)
		if r >= 1 && r <= n {
			out = m.MemberRefs[r-1]
		}
	case TableTypeSpec:
		n = len(m.TypeSpecs)
		if r >= 1 && r <= n {
			out = m.TypeSpecs[r-1]
		}
	case TableMethodSpec:
		n = len(m.MethodSpecs)
		if r >= 1 && r <= n {
			out = m.MethodSpecs[r-1]
		}
	case TableStandAloneSig:
		n = len(m.StandAloneSigs)
		if r >= 1 && r <= n {
			out = m.StandAloneSigs[r-1]
		}
	default:
		return nil, fmt.Errorf("token %s: unsupported table %s", tok, tok.Table())
	}
	if out == nil {
		return nil, fmt.Errorf("token %s: row out of range (table %s has %d rows)", tok, tok.Table(), n)
	}
	return out, nil
}

// LookupMethod resolves a method token to its descriptor.
func (m *Module) LookupMethod(tok Token) (MethodDescriptor, error) {
	member, err := m.LookupToken(tok)
	if err != nil {
		return nil, err
	}
	md, ok := member.(MethodDescriptor)
	if !ok {
		return nil, fmt.Errorf("token %s names %s, not a method", tok, tok.Table())
	}
	return md, nil
}
