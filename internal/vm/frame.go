package vm

import "callobf/internal/image"

// Frame represents a method activation record on the call stack.
type Frame struct {
	Method *image.MethodDef
	Args   []Value
	Locals []Value
	Stack  []Value
	IP     int // index of the next instruction

	code    []*image.Instruction
	targets map[*image.Instruction]int
}

// NewFrame creates a frame for md with the given arguments.
func NewFrame(md *image.MethodDef, args []Value) *Frame {
	body := md.Body
	code := body.Instructions.Items()
	body.Instructions.CalculateOffsets()
	f := &Frame{
		Method:  md,
		Args:    args,
		Locals:  make([]Value, len(body.Locals)),
		code:    code,
		targets: make(map[*image.Instruction]int, len(code)),
	}
	for i, l := range body.Locals {
		f.Locals[i] = zeroValue(l)
	}
	for i, ins := range code {
		f.targets[ins] = i
	}
	return f
}

func (f *Frame) push(v Value) { f.Stack = append(f.Stack, v) }

func (f *Frame) pop() (Value, bool) {
	if len(f.Stack) == 0 {
		return Value{}, false
	}
	v := f.Stack[len(f.Stack)-1]
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v, true
}

// popN removes n values and returns them in push order.
func (f *Frame) popN(n int) ([]Value, bool) {
	if len(f.Stack) < n {
		return nil, false
	}
	out := make([]Value, n)
	copy(out, f.Stack[len(f.Stack)-n:])
	f.Stack = f.Stack[:len(f.Stack)-n]
	return out, true
}
