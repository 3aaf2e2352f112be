package image

// TypeAttributes are TypeDef flags.
type TypeAttributes uint32

const (
	TypePublic    TypeAttributes = 0x0001
	TypeInterface TypeAttributes = 0x0020
	TypeAbstract  TypeAttributes = 0x0080
	TypeSealed    TypeAttributes = 0x0100
)

// MethodAttributes are MethodDef flags.
type MethodAttributes uint16

const (
	MethodPrivate       MethodAttributes = 0x0001
	MethodAssembly      MethodAttributes = 0x0003
	MethodPublic        MethodAttributes = 0x0006
	MethodStatic        MethodAttributes = 0x0010
	MethodVirtual       MethodAttributes = 0x0040
	MethodAbstract      MethodAttributes = 0x0400
	MethodSpecialName   MethodAttributes = 0x0800
	MethodRTSpecialName MethodAttributes = 0x1000
)

// MethodImplAttributes are MethodDef implementation flags.
type MethodImplAttributes uint16

const (
	ImplIL           MethodImplAttributes = 0x0000
	ImplRuntime      MethodImplAttributes = 0x0003
	ImplInternalCall MethodImplAttributes = 0x1000
)

// FieldAttributes are FieldDef flags.
type FieldAttributes uint16

const (
	FieldPrivate  FieldAttributes = 0x0001
	FieldAssembly FieldAttributes = 0x0003
	FieldPublic   FieldAttributes = 0x0006
	FieldStatic   FieldAttributes = 0x0010
)

// GlobalTypeName names the synthetic type that owns module-level members.
const GlobalTypeName = "<Module>"

// InitializerName is the name of a type's static constructor.
const InitializerName = ".cctor"

// Member is anything a token can name.
type Member interface {
	Token() Token
	FullName() string
}

// TypeDescriptor is a TypeDef, TypeRef or TypeSpec.
type TypeDescriptor interface {
	Member
	isTypeDescriptor()
}

// MethodDescriptor is a MethodDef, MemberRef or MethodSpec.
type MethodDescriptor interface {
	Member
	// Owner is the declaring type as referenced from the owning module.
	Owner() TypeDescriptor
	// MethodName is the simple member name.
	MethodName() string
	// MethodSig is the signature used at call sites.
	MethodSig() *MethodSignature
}

// AssemblyRef names a referenced library (resolution scope).
type AssemblyRef struct {
	Name  string
	token Token
}

func (a *AssemblyRef) Token() Token     { return a.token }
func (a *AssemblyRef) FullName() string { return "[" + a.Name + "]" }

// TypeRef references a type defined in another library.
type TypeRef struct {
	Scope     *AssemblyRef
	Namespace string
	Name      string
	token     Token
}

func (t *TypeRef) Token() Token     { return t.token }
func (t *TypeRef) FullName() string { return joinName(t.Namespace, t.Name) }
func (*TypeRef) isTypeDescriptor()  {}

// TypeDef is a type defined in the module.
type TypeDef struct {
	Namespace string
	Name      string
	Flags     TypeAttributes
	Extends   TypeDescriptor
	Fields    []*FieldDef
	Methods   []*MethodDef
	Module    *Module
	token     Token
}

func (t *TypeDef) Token() Token     { return t.token }
func (t *TypeDef) FullName() string { return joinName(t.Namespace, t.Name) }
func (*TypeDef) isTypeDescriptor()  {}

// IsGlobal reports whether t is the module's global type.
func (t *TypeDef) IsGlobal() bool { return t.Namespace == "" && t.Name == GlobalTypeName }

// Method returns the first method with the given name.
func (t *TypeDef) Method(name string) *MethodDef {
	for _, m := range t.Methods {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// Initializer returns the static constructor, or nil.
func (t *TypeDef) Initializer() *MethodDef {
	for _, m := range t.Methods {
		if m.Name == InitializerName && m.Flags&MethodStatic != 0 {
			return m
		}
	}
	return nil
}

// TypeSpec references a constructed type such as a generic instantiation.
type TypeSpec struct {
	Sig   *TypeSig
	token Token
}

func (t *TypeSpec) Token() Token     { return t.token }
func (t *TypeSpec) FullName() string { return t.Sig.String() }
func (*TypeSpec) isTypeDescriptor()  {}

// FieldDef is a field defined in the module.
type FieldDef struct {
	Name          string
	Flags         FieldAttributes
	Type          *TypeSig
	DeclaringType *TypeDef
	token         Token
}

func (f *FieldDef) Token() Token { return f.token }

func (f *FieldDef) FullName() string {
	owner := ""
	if f.DeclaringType != nil {
		owner = f.DeclaringType.FullName() + "::"
	}
	return f.Type.String() + " " + owner + f.Name
}

// IsStatic reports whether the field is static.
func (f *FieldDef) IsStatic() bool { return f.Flags&FieldStatic != 0 }

// MethodDef is a method defined in the module.
type MethodDef struct {
	Name          string
	Flags         MethodAttributes
	ImplFlags     MethodImplAttributes
	Signature     *MethodSignature
	Body          *MethodBody
	DeclaringType *TypeDef
	token         Token
}

func (m *MethodDef) Token() Token                { return m.token }
func (m *MethodDef) MethodName() string          { return m.Name }
func (m *MethodDef) MethodSig() *MethodSignature { return m.Signature }

func (m *MethodDef) Owner() TypeDescriptor {
	if m.DeclaringType == nil {
		return nil
	}
	return m.DeclaringType
}

func (m *MethodDef) FullName() string { return methodFullName(m.Owner(), m.Name, m.Signature) }

// IsStatic reports whether the method is static.
func (m *MethodDef) IsStatic() bool { return m.Flags&MethodStatic != 0 }

// IsNative reports whether the runtime supplies the implementation.
func (m *MethodDef) IsNative() bool {
	return m.ImplFlags&ImplInternalCall != 0 || m.ImplFlags&ImplRuntime == ImplRuntime
}

// Key identifies a method independent of module: "NS.Type::Name(params)".
func (m *MethodDef) Key() string { return MethodKey(m) }

// MemberRef references a method defined in another library.
type MemberRef struct {
	Parent    TypeDescriptor
	Name      string
	Signature *MethodSignature
	token     Token
}

func (m *MemberRef) Token() Token                { return m.token }
func (m *MemberRef) Owner() TypeDescriptor       { return m.Parent }
func (m *MemberRef) MethodName() string          { return m.Name }
func (m *MemberRef) MethodSig() *MethodSignature { return m.Signature }
func (m *MemberRef) FullName() string            { return methodFullName(m.Parent, m.Name, m.Signature) }

// MethodSpec instantiates a generic method.
type MethodSpec struct {
	Method MethodDescriptor
	Args   []*TypeSig
	token  Token
}

func (m *MethodSpec) Token() Token                { return m.token }
func (m *MethodSpec) Owner() TypeDescriptor       { return m.Method.Owner() }
func (m *MethodSpec) MethodName() string          { return m.Method.MethodName() }
func (m *MethodSpec) MethodSig() *MethodSignature { return m.Method.MethodSig() }

func (m *MethodSpec) FullName() string {
	args := make([]string, len(m.Args))
	for i, a := range m.Args {
		args[i] = a.String()
	}
	return m.Method.FullName() + "<" + joinList(args) + ">"
}

// StandAloneSig carries a method signature for indirect calls.
type StandAloneSig struct {
	Signature *MethodSignature
	token     Token
}

func (s *StandAloneSig) Token() Token     { return s.token }
func (s *StandAloneSig) FullName() string { return s.Signature.String() }

// MethodKey returns "NS.Type::Name(params)" for any method descriptor.
func MethodKey(m MethodDescriptor) string {
	owner := ""
	if o := m.Owner(); o != nil {
		owner = o.FullName()
	}
	return owner + "::" + m.MethodName() + m.MethodSig().ParamList()
}

func methodFullName(owner TypeDescriptor, name string, sig *MethodSignature) string {
	prefix := ""
	if sig != nil && sig.HasThis {
		prefix = "instance "
	}
	ret := "void"
	params := "()"
	if sig != nil {
		ret = sig.Return.String()
		params = sig.ParamList()
	}
	ownerName := ""
	if owner != nil {
		ownerName = owner.FullName() + "::"
	}
	return prefix + ret + " " + ownerName + name + params
}

func joinName(ns, name string) string {
	if ns == "" {
		return name
	}
	return ns + "." + name
}

func joinList(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
