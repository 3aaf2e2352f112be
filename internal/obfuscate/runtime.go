package obfuscate

import (
	"fmt"

	"callobf/internal/corlib"
	"callobf/internal/image"
)

// runtimeSurface holds the core library members the initializer calls.
type runtimeSurface struct {
	getTypeFromHandle  *image.MethodDef
	getModule          *image.MethodDef
	resolveMethod      *image.MethodDef
	getMethodHandle    *image.MethodDef
	getFunctionPointer *image.MethodDef
	intPtr             *image.TypeDef
}

// lookupRuntime finds every member the generated code needs. It never
// touches the module being rewritten.
func lookupRuntime(res *image.Resolver) (*runtimeSurface, error) {
	lib, ok := res.Library(corlib.Name)
	if !ok {
		return nil, fmt.Errorf("%w: core library %s not loaded", ErrResolution, corlib.Name)
	}
	rt := &runtimeSurface{}
	for _, want := range []struct {
		key string
		dst **image.MethodDef
	}{
		{corlib.GetTypeFromHandle, &rt.getTypeFromHandle},
		{corlib.GetModule, &rt.getModule},
		{corlib.ResolveMethod, &rt.resolveMethod},
		{corlib.GetMethodHandle, &rt.getMethodHandle},
		{corlib.GetFunctionPointer, &rt.getFunctionPointer},
	} {
		md, err := corlib.Lookup(lib, want.key)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrResolution, err)
		}
		*want.dst = md
	}
	if rt.intPtr = lib.TypeDef("System", "IntPtr"); rt.intPtr == nil {
		return nil, fmt.Errorf("%w: %s: System.IntPtr not defined", ErrResolution, lib.Name)
	}
	return rt, nil
}

// imported is the runtime surface as referenced from the rewritten module.
type imported struct {
	getTypeFromHandle  image.MethodDescriptor
	getModule          image.MethodDescriptor
	resolveMethod      image.MethodDescriptor
	getMethodHandle    image.MethodDescriptor
	getFunctionPointer image.MethodDescriptor
	intPtr             image.TypeDescriptor
	methodHandle       image.TypeDescriptor
}

func (rt *runtimeSurface) importInto(imp *image.Importer) *imported {
	return &imported{
		getTypeFromHandle:  imp.ImportMethod(rt.getTypeFromHandle),
		getModule:          imp.ImportMethod(rt.getModule),
		resolveMethod:      imp.ImportMethod(rt.resolveMethod),
		getMethodHandle:    imp.ImportMethod(rt.getMethodHandle),
		getFunctionPointer: imp.ImportMethod(rt.getFunctionPointer),
		intPtr:             imp.ImportType(rt.intPtr),
		methodHandle:       imp.ImportType(rt.getFunctionPointer.DeclaringType),
	}
}
