package obfuscate

import "callobf/internal/image"

// SkipReason says why a call site stays a direct call.
type SkipReason uint8

const (
	// Indirect marks an eligible site.
	Indirect SkipReason = iota
	SkipNotCall
	SkipGenericInstance
	SkipLocalDefinition
	SkipTypeSpecOwner
	SkipVarArg
	SkipUnresolvedOwner
	SkipDelegateOwner
	SkipValueTypeInstance
)

func (r SkipReason) String() string {
	switch r {
	case Indirect:
		return "indirect"
	case SkipNotCall:
		return "not-call"
	case SkipGenericInstance:
		return "generic-instance"
	case SkipLocalDefinition:
		return "local-definition"
	case SkipTypeSpecOwner:
		return "typespec-owner"
	case SkipVarArg:
		return "vararg"
	case SkipUnresolvedOwner:
		return "unresolved-owner"
	case SkipDelegateOwner:
		return "delegate-owner"
	case SkipValueTypeInstance:
		return "valuetype-instance"
	default:
		return "unknown"
	}
}

// Filter decides which call sites can go through the pointer table.
type Filter struct {
	res *image.Resolver
}

// NewFilter returns a filter resolving declaring types through res.
func NewFilter(res *image.Resolver) *Filter { return &Filter{res: res} }

// Check returns the member reference to indirect, or the reason the site
// must stay as it is.
func (f *Filter) Check(ins *image.Instruction) (*image.MemberRef, SkipReason) {
	if !ins.OpCode.IsCall() {
		return nil, SkipNotCall
	}
	var ref *image.MemberRef
	switch md := ins.Operand.(type) {
	case *image.MethodSpec:
		return nil, SkipGenericInstance
	case *image.MethodDef:
		return nil, SkipLocalDefinition
	case *image.MemberRef:
		ref = md
	default:
		return nil, SkipNotCall
	}
	if _, ok := ref.Parent.(*image.TypeSpec); ok {
		return nil, SkipTypeSpecOwner
	}
	if ref.Signature.IsSentinel() {
		return nil, SkipVarArg
	}
	owner, err := f.res.ResolveType(ref.Parent)
	if err != nil {
		return nil, SkipUnresolvedOwner
	}
	if f.res.IsDelegate(owner) {
		return nil, SkipDelegateOwner
	}
	if ref.Signature.HasThis && f.res.IsValueType(owner) {
		return nil, SkipValueTypeInstance
	}
	return ref, Indirect
}
