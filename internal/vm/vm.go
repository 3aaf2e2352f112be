package vm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"callobf/internal/image"
	"callobf/internal/trace"
)

// Function pointers are opaque addresses in a range no real pointer uses.
const (
	fnBase   int64 = 0x7ff0_0000_0000
	fnStride int64 = 0x10
)

// Options configures VM execution.
type Options struct {
	Stdout   io.Writer
	MaxSteps int // instruction budget, 0 means the default
	MaxDepth int // call depth, 0 means the default
	Tracer   trace.Tracer
}

// VM interprets a module and the libraries its references resolve to.
type VM struct {
	Mod      *image.Module
	ExitCode int
	Halted   bool

	res     *image.Resolver
	out     io.Writer
	tracer  trace.Tracer
	frames  []*Frame
	statics map[*image.FieldDef]Value
	inited  map[*image.Module]bool
	typeIni map[*image.TypeDef]bool
	fnAddr  map[*image.MethodDef]int64
	fnByPtr map[int64]*image.MethodDef
	natives map[string]nativeFunc
	ids     map[any]int32

	steps    int
	maxSteps int
	maxDepth int
	started  time.Time
	eb       *errorBuilder
}

// New creates a VM for mod. res must know every library mod references.
func New(mod *image.Module, res *image.Resolver, opts Options) *VM {
	vm := &VM{
		Mod:      mod,
		res:      res,
		out:      opts.Stdout,
		tracer:   opts.Tracer,
		statics:  make(map[*image.FieldDef]Value),
		inited:   make(map[*image.Module]bool),
		typeIni:  make(map[*image.TypeDef]bool),
		fnAddr:   make(map[*image.MethodDef]int64),
		fnByPtr:  make(map[int64]*image.MethodDef),
		natives:  builtinNatives(),
		ids:      make(map[any]int32),
		maxSteps: opts.MaxSteps,
		maxDepth: opts.MaxDepth,
		started:  time.Now(),
	}
	if vm.out == nil {
		vm.out = os.Stdout
	}
	if vm.tracer == nil {
		vm.tracer = trace.Nop
	}
	if vm.maxSteps <= 0 {
		vm.maxSteps = 50_000_000
	}
	if vm.maxDepth <= 0 {
		vm.maxDepth = 1024
	}
	vm.eb = &errorBuilder{vm: vm}
	return vm
}

// Run executes the module initializer and then the entry point.
func (vm *VM) Run() error {
	if vm.Mod.EntryPoint == nil {
		return errors.New("module has no entry point")
	}
	return vm.RunMethod(vm.Mod.EntryPoint)
}

// RunMethod executes md with no arguments after initializing its module.
func (vm *VM) RunMethod(md *image.MethodDef) error {
	span := trace.Begin(vm.tracer, trace.ScopeDriver, "run", 0)
	defer span.End("")
	_, vmErr := vm.Call(md)
	if vmErr != nil {
		return vmErr
	}
	return nil
}

// Call invokes md with args and returns its result.
func (vm *VM) Call(md *image.MethodDef, args ...Value) (Value, *VMError) {
	return vm.invoke(md, args)
}

// initModule runs <Module>::.cctor once, before any other code of mod.
func (vm *VM) initModule(mod *image.Module) *VMError {
	if mod == nil || vm.inited[mod] {
		return nil
	}
	vm.inited[mod] = true
	cctor := mod.ModuleInitializer()
	if cctor == nil {
		return nil
	}
	_, vmErr := vm.invoke(cctor, nil)
	return vmErr
}

// initType runs the static constructor of a user type once.
func (vm *VM) initType(t *image.TypeDef) *VMError {
	if t == nil || t.IsGlobal() || vm.typeIni[t] {
		return nil
	}
	vm.typeIni[t] = true
	cctor := t.Initializer()
	if cctor == nil || cctor.Body == nil {
		return nil
	}
	_, vmErr := vm.invoke(cctor, nil)
	return vmErr
}

// invoke runs a resolved method definition.
func (vm *VM) invoke(md *image.MethodDef, args []Value) (Value, *VMError) {
	if vm.Halted {
		return Value{}, nil
	}
	if md.DeclaringType != nil {
		if vmErr := vm.initModule(md.DeclaringType.Module); vmErr != nil {
			return Value{}, vmErr
		}
	}
	if md.IsNative() || md.Body == nil {
		fn, ok := vm.natives[md.Key()]
		if !ok {
			return Value{}, vm.eb.unimplemented("native " + md.Key())
		}
		return fn(vm, md, args)
	}
	if len(vm.frames) >= vm.maxDepth {
		return Value{}, vm.eb.makeError(PanicStackOverflow, fmt.Sprintf("call depth %d exceeded", vm.maxDepth))
	}
	want := md.Signature.StackArgs()
	if len(args) != want {
		return Value{}, vm.eb.makeError(PanicTypeMismatch, fmt.Sprintf("%s takes %d arguments, got %d", md.FullName(), want, len(args)))
	}
	f := NewFrame(md, args)
	vm.frames = append(vm.frames, f)
	v, vmErr := vm.exec(f)
	vm.frames = vm.frames[:len(vm.frames)-1]
	return v, vmErr
}

// resolve maps any method descriptor reachable from an instruction to its definition.
func (vm *VM) resolve(md image.MethodDescriptor) (*image.MethodDef, *VMError) {
	def, err := vm.res.ResolveMethod(md)
	if err != nil {
		return nil, vm.eb.unresolved(md.FullName(), err)
	}
	return def, nil
}

// functionPointer returns the stable opaque address of md.
func (vm *VM) functionPointer(md *image.MethodDef) int64 {
	if addr, ok := vm.fnAddr[md]; ok {
		return addr
	}
	addr := fnBase + int64(len(vm.fnAddr)+1)*fnStride
	vm.fnAddr[md] = addr
	vm.fnByPtr[addr] = md
	return addr
}

// Elapsed reports time since the VM was created.
func (vm *VM) Elapsed() time.Duration { return time.Since(vm.started) }

// identity returns a stable per-VM hash code for a reference.
func (vm *VM) identity(r any) int32 {
	if id, ok := vm.ids[r]; ok {
		return id
	}
	id := int32(len(vm.ids) + 1) //nolint:gosec // bounded by live objects
	vm.ids[r] = id
	return id
}
