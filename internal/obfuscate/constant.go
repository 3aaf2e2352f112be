package obfuscate

import (
	"math/rand/v2"

	"callobf/internal/image"
)

// RandSource supplies random operands. *rand.Rand satisfies it.
type RandSource interface {
	Uint32() uint32
	IntN(n int) int
}

// identity is one of the three self-cancelling arithmetic forms.
type identity uint8

const (
	identSub identity = iota // (v - r) + r
	identAdd                 // (v + r) - r
	identXor                 // (v ^ r) ^ r
)

// Constants hides integer literals behind small arithmetic expressions.
type Constants struct {
	rnd RandSource
}

// NewConstants returns an obfuscator drawing from rnd. A nil source gets a
// freshly seeded PCG generator; output is neither reproducible nor secret.
func NewConstants(rnd RandSource) *Constants {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // not a secret
	}
	return &Constants{rnd: rnd}
}

// Obfuscate returns seven instructions that leave value on the stack. None
// of the four literal loads encodes value itself.
func (c *Constants) Obfuscate(value int32) []*image.Instruction {
	left, right, op := c.split(value, value)
	out := make([]*image.Instruction, 0, 7)
	for _, lit := range []int32{left, right} {
		l2, r2, op2 := c.split(lit, value)
		out = append(out, image.LdcI4(l2), image.LdcI4(r2), image.NewInstruction(op2, nil))
	}
	return append(out, image.NewInstruction(op, nil))
}

// split picks an identity and a random operand r so that pushing left,
// right and applying op yields v. Neither literal equals v or forbidden.
func (c *Constants) split(v, forbidden int32) (left, right int32, op image.OpCode) {
	kind := identity(c.rnd.IntN(3))
	r := int32(c.rnd.Uint32()) //nolint:gosec // full int32 range
	for {
		left, right, op = apply(kind, v, r)
		if left != v && right != v && left != forbidden && right != forbidden {
			return left, right, op
		}
		// at most four operands collide, so stepping terminates quickly
		r++
	}
}

func apply(kind identity, v, r int32) (int32, int32, image.OpCode) {
	switch kind {
	case identAdd:
		return v + r, r, image.OpSub
	case identXor:
		return v ^ r, r, image.OpXor
	default:
		return v - r, r, image.OpAdd
	}
}

// Eval computes what an instruction sequence built from ldc.i4 and
// add/sub/xor leaves on the stack. ok is false for any other instruction or
// a stack that does not end with exactly one value.
func Eval(seq []*image.Instruction) (value int32, ok bool) {
	var stack []int32
	for _, ins := range seq {
		if ins.IsLdcI4() {
			stack = append(stack, ins.LdcI4Value())
			continue
		}
		if len(stack) < 2 {
			return 0, false
		}
		a, b := stack[len(stack)-2], stack[len(stack)-1]
		stack = stack[:len(stack)-2]
		switch ins.OpCode.Code {
		case image.OpAdd.Code:
			stack = append(stack, a+b)
		case image.OpSub.Code:
			stack = append(stack, a-b)
		case image.OpXor.Code:
			stack = append(stack, a^b)
		default:
			return 0, false
		}
	}
	if len(stack) != 1 {
		return 0, false
	}
	return stack[0], true
}
