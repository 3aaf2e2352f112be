package image

import (
	"strconv"
	"strings"
)

// ElementType enumerates signature element kinds.
type ElementType uint8

const (
	ElemVoid        ElementType = 0x01
	ElemBoolean     ElementType = 0x02
	ElemI4          ElementType = 0x08
	ElemI8          ElementType = 0x0A
	ElemString      ElementType = 0x0E
	ElemPtr         ElementType = 0x0F
	ElemByRef       ElementType = 0x10
	ElemValueType   ElementType = 0x11
	ElemClass       ElementType = 0x12
	ElemVar         ElementType = 0x13
	ElemGenericInst ElementType = 0x15
	ElemI           ElementType = 0x18
	ElemObject      ElementType = 0x1C
	ElemSzArray     ElementType = 0x1D
	ElemMVar        ElementType = 0x1E
)

// TypeSig is a type as it appears inside a signature.
type TypeSig struct {
	Elem ElementType
	// Type is set for ElemClass, ElemValueType and the generic type of ElemGenericInst.
	Type TypeDescriptor
	// Inner is the element of ElemSzArray, ElemByRef and ElemPtr.
	Inner *TypeSig
	// Args holds generic arguments for ElemGenericInst.
	Args []*TypeSig
	// ValueInst marks an ElemGenericInst over a value type.
	ValueInst bool
	// Index is the generic parameter number for ElemVar and ElemMVar.
	Index int
}

// Primitive signature constructors.
func VoidSig() *TypeSig      { return &TypeSig{Elem: ElemVoid} }
func BoolSig() *TypeSig      { return &TypeSig{Elem: ElemBoolean} }
func Int32Sig() *TypeSig     { return &TypeSig{Elem: ElemI4} }
func Int64Sig() *TypeSig     { return &TypeSig{Elem: ElemI8} }
func IntPtrSig() *TypeSig    { return &TypeSig{Elem: ElemI} }
func StringSig() *TypeSig    { return &TypeSig{Elem: ElemString} }
func ObjectSig() *TypeSig    { return &TypeSig{Elem: ElemObject} }
func VarSig(n int) *TypeSig  { return &TypeSig{Elem: ElemVar, Index: n} }
func MVarSig(n int) *TypeSig { return &TypeSig{Elem: ElemMVar, Index: n} }

// ClassSig references a reference type.
func ClassSig(t TypeDescriptor) *TypeSig { return &TypeSig{Elem: ElemClass, Type: t} }

// ValueTypeSig references a value type.
func ValueTypeSig(t TypeDescriptor) *TypeSig { return &TypeSig{Elem: ElemValueType, Type: t} }

// SzArrayOf returns a single-dimension zero-based array of elem.
func SzArrayOf(elem *TypeSig) *TypeSig { return &TypeSig{Elem: ElemSzArray, Inner: elem} }

// ByRefOf returns a managed pointer to elem.
func ByRefOf(elem *TypeSig) *TypeSig { return &TypeSig{Elem: ElemByRef, Inner: elem} }

// GenericInstOf instantiates a generic type.
func GenericInstOf(t TypeDescriptor, valueType bool, args ...*TypeSig) *TypeSig {
	return &TypeSig{Elem: ElemGenericInst, Type: t, ValueInst: valueType, Args: args}
}

// String renders the signature in disassembler notation.
func (s *TypeSig) String() string {
	if s == nil {
		return "<nil>"
	}
	switch s.Elem {
	case ElemVoid:
		return "void"
	case ElemBoolean:
		return "bool"
	case ElemI4:
		return "int32"
	case ElemI8:
		return "int64"
	case ElemString:
		return "string"
	case ElemObject:
		return "object"
	case ElemI:
		return "native int"
	case ElemClass:
		return "class " + typeName(s.Type)
	case ElemValueType:
		return "valuetype " + typeName(s.Type)
	case ElemSzArray:
		return s.Inner.String() + "[]"
	case ElemByRef:
		return s.Inner.String() + "&"
	case ElemPtr:
		return s.Inner.String() + "*"
	case ElemVar:
		return "!" + strconv.Itoa(s.Index)
	case ElemMVar:
		return "!!" + strconv.Itoa(s.Index)
	case ElemGenericInst:
		var sb strings.Builder
		if s.ValueInst {
			sb.WriteString("valuetype ")
		} else {
			sb.WriteString("class ")
		}
		sb.WriteString(typeName(s.Type))
		sb.WriteByte('<')
		for i, a := range s.Args {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(a.String())
		}
		sb.WriteByte('>')
		return sb.String()
	default:
		return "elem(0x" + strconv.FormatUint(uint64(s.Elem), 16) + ")"
	}
}

// Equal compares two signatures structurally. Type references compare by
// full name so a TypeRef equals the TypeDef it names.
func (s *TypeSig) Equal(o *TypeSig) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.String() == o.String()
}

// Clone deep-copies the signature tree; type descriptors are shared.
func (s *TypeSig) Clone() *TypeSig {
	if s == nil {
		return nil
	}
	out := *s
	out.Inner = s.Inner.Clone()
	if len(s.Args) > 0 {
		out.Args = make([]*TypeSig, len(s.Args))
		for i, a := range s.Args {
			out.Args[i] = a.Clone()
		}
	}
	return &out
}

func typeName(t TypeDescriptor) string {
	if t == nil {
		return "<nil>"
	}
	return t.FullName()
}

// CallingConvention is the calling convention of a method signature.
type CallingConvention uint8

const (
	// CallConvDefault is the managed default convention.
	CallConvDefault CallingConvention = 0x00
	// CallConvVarArg marks a variable-argument signature.
	CallConvVarArg CallingConvention = 0x05
)

// MethodSignature describes a method's calling convention, parameters and return type.
type MethodSignature struct {
	HasThis       bool
	ExplicitThis  bool
	CallConv      CallingConvention
	GenericParams int
	Return        *TypeSig
	Params        []*TypeSig
}

// StaticSig builds a static default-convention signature.
func StaticSig(ret *TypeSig, params ...*TypeSig) *MethodSignature {
	return &MethodSignature{Return: ret, Params: params}
}

// InstanceSig builds an instance default-convention signature.
func InstanceSig(ret *TypeSig, params ...*TypeSig) *MethodSignature {
	return &MethodSignature{HasThis: true, Return: ret, Params: params}
}

// IsSentinel reports whether the signature is variable-argument. Such
// signatures carry per-call-site extra arguments and cannot be called through
// a fixed standalone signature.
func (m *MethodSignature) IsSentinel() bool {
	return m != nil && m.CallConv == CallConvVarArg
}

// StackArgs returns the number of stack operands a call consumes.
func (m *MethodSignature) StackArgs() int {
	n := len(m.Params)
	if m.HasThis && !m.ExplicitThis {
		n++
	}
	return n
}

// Returns reports whether the call pushes a result.
func (m *MethodSignature) Returns() bool {
	return m.Return != nil && m.Return.Elem != ElemVoid
}

// Clone deep-copies the signature.
func (m *MethodSignature) Clone() *MethodSignature {
	if m == nil {
		return nil
	}
	out := *m
	out.Return = m.Return.Clone()
	out.Params = make([]*TypeSig, len(m.Params))
	for i, p := range m.Params {
		out.Params[i] = p.Clone()
	}
	return &out
}

// ParamList renders "(int32, string)".
func (m *MethodSignature) ParamList() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, p := range m.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

// String renders the full signature without a method name.
func (m *MethodSignature) String() string {
	if m == nil {
		return "<nil>"
	}
	var sb strings.Builder
	if m.HasThis {
		sb.WriteString("instance ")
		if m.ExplicitThis {
			sb.WriteString("explicit ")
		}
	}
	if m.CallConv == CallConvVarArg {
		sb.WriteString("vararg ")
	}
	sb.WriteString(m.Return.String())
	if m.GenericParams > 0 {
		sb.WriteString("<")
		sb.WriteString(strconv.Itoa(m.GenericParams))
		sb.WriteString(">")
	}
	sb.WriteString(m.ParamList())
	return sb.String()
}
