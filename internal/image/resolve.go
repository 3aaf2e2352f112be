package image

import (
	"errors"
	"fmt"
)

// ErrUnresolved reports a reference that no known library defines.
var ErrUnresolved = errors.New("unresolved reference")

// Resolver maps references to definitions across a module and the libraries
// it references by assembly name.
type Resolver struct {
	libs map[string]*Module
}

// NewResolver returns a resolver over the given library modules.
func NewResolver(libs ...*Module) *Resolver {
	r := &Resolver{libs: make(map[string]*Module, len(libs))}
	for _, lib := range libs {
		r.AddLibrary(lib)
	}
	return r
}

// AddLibrary registers a module under its name. A later module with the same name replaces the earlier one.
func (r *Resolver) AddLibrary(lib *Module) {
	if lib != nil {
		r.libs[lib.Name] = lib
	}
}

// Library returns the module registered under name.
func (r *Resolver) Library(name string) (*Module, bool) {
	lib, ok := r.libs[name]
	return lib, ok
}

// ResolveType returns the definition a type descriptor names. A TypeSpec
// resolves to its generic type definition.
func (r *Resolver) ResolveType(t TypeDescriptor) (*TypeDef, error) {
	switch v := t.(type) {
	case nil:
		return nil, fmt.Errorf("nil type: %w", ErrUnresolved)
	case *TypeDef:
		return v, nil
	case *TypeRef:
		if v.Scope == nil {
			return nil, fmt.Errorf("%s: no resolution scope: %w", v.FullName(), ErrUnresolved)
		}
		lib, ok := r.libs[v.Scope.Name]
		if !ok {
			return nil, fmt.Errorf("%s: library %s not loaded: %w", v.FullName(), v.Scope.Name, ErrUnresolved)
		}
		if td := lib.TypeDef(v.Namespace, v.Name); td != nil {
			return td, nil
		}
		return nil, fmt.Errorf("%s not defined in %s: %w", v.FullName(), lib.Name, ErrUnresolved)
	case *TypeSpec:
		if v.Sig != nil && v.Sig.Type != nil {
			return r.ResolveType(v.Sig.Type)
		}
		return nil, fmt.Errorf("%s: %w", v.FullName(), ErrUnresolved)
	default:
		return nil, fmt.Errorf("unsupported type descriptor %T: %w", t, ErrUnresolved)
	}
}

// ResolveMethod returns the definition a method descriptor names.
func (r *Resolver) ResolveMethod(md MethodDescriptor) (*MethodDef, error) {
	switch v := md.(type) {
	case nil:
		return nil, fmt.Errorf("nil method: %w", ErrUnresolved)
	case *MethodDef:
		return v, nil
	case *MethodSpec:
		return r.ResolveMethod(v.Method)
	case *MemberRef:
		owner, err := r.ResolveType(v.Parent)
		if err != nil {
			return nil, err
		}
		want := v.Signature.String()
		for _, cand := range owner.Methods {
			if cand.Name == v.Name && cand.Signature.String() == want {
				return cand, nil
			}
		}
		return nil, fmt.Errorf("%s: %w", v.FullName(), ErrUnresolved)
	default:
		return nil, fmt.Errorf("unsupported method descriptor %T: %w", md, ErrUnresolved)
	}
}

// BaseType resolves the type t extends, or returns nil for a root type.
func (r *Resolver) BaseType(t *TypeDef) (*TypeDef, error) {
	if t.Extends == nil {
		return nil, nil
	}
	return r.ResolveType(t.Extends)
}

// IsValueType reports whether t derives from System.ValueType. System.ValueType
// and System.Enum themselves are reference types.
func (r *Resolver) IsValueType(t *TypeDef) bool {
	if t.Namespace == "System" && t.Name == "Enum" {
		return false
	}
	return r.derivesFrom(t, "System.ValueType")
}

// IsDelegate reports whether t derives from System.Delegate.
func (r *Resolver) IsDelegate(t *TypeDef) bool {
	return r.derivesFrom(t, "System.MulticastDelegate") || r.derivesFrom(t, "System.Delegate")
}

func (r *Resolver) derivesFrom(t *TypeDef, base string) bool {
	seen := make(map[*TypeDef]bool)
	cur := t
	for cur != nil && !seen[cur] {
		seen[cur] = true
		next, err := r.BaseType(cur)
		if err != nil || next == nil {
			return false
		}
		if next.FullName() == base {
			return true
		}
		cur = next
	}
	return false
}
