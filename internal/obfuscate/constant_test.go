package obfuscate_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callobf/internal/image"
	"callobf/internal/obfuscate"
)

// scripted replays fixed values, cycling when exhausted.
type scripted struct {
	u  []uint32
	n  []int
	ui int
	ni int
}

func (s *scripted) Uint32() uint32 {
	v := s.u[s.ui%len(s.u)]
	s.ui++
	return v
}

func (s *scripted) IntN(n int) int {
	v := s.n[s.ni%len(s.n)] % n
	s.ni++
	return v
}

func seeded(seed uint64) *rand.Rand { return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }

var hardValues = []int32{0, 1, -1, 2, math.MaxInt32, math.MinInt32, 0x06000001, 0x0A000003}

func literals(seq []*image.Instruction) []int32 {
	var out []int32
	for _, ins := range seq {
		if ins.IsLdcI4() {
			out = append(out, ins.LdcI4Value())
		}
	}
	return out
}

func TestConstants_Shape(t *testing.T) {
	c := obfuscate.NewConstants(seeded(1))
	for _, v := range hardValues {
		seq := c.Obfuscate(v)
		require.Len(t, seq, 7)
		for _, i := range []int{0, 1, 3, 4} {
			assert.True(t, seq[i].IsLdcI4(), "position %d of %d", i, v)
		}
		for _, i := range []int{2, 5, 6} {
			assert.False(t, seq[i].IsLdcI4(), "position %d of %d", i, v)
		}
	}
}

func TestConstants_EvaluatesToValue(t *testing.T) {
	c := obfuscate.NewConstants(seeded(2))
	for _, v := range hardValues {
		for range 200 {
			got, ok := obfuscate.Eval(c.Obfuscate(v))
			require.True(t, ok)
			require.Equal(t, v, got)
		}
	}
}

func TestConstants_NoPlaintextLiteral(t *testing.T) {
	sources := map[string]obfuscate.RandSource{
		"pcg":    seeded(3),
		"zeros":  &scripted{u: []uint32{0}, n: []int{0}},
		"xor":    &scripted{u: []uint32{0, 1, 2}, n: []int{2}},
		"add":    &scripted{u: []uint32{math.MaxUint32}, n: []int{1}},
		"mixed":  &scripted{u: []uint32{1, 0x80000000, 0xFFFFFFFF}, n: []int{0, 1, 2}},
		"minint": &scripted{u: []uint32{0x80000000}, n: []int{0}},
	}
	for name, src := range sources {
		t.Run(name, func(t *testing.T) {
			c := obfuscate.NewConstants(src)
			for _, v := range hardValues {
				for range 50 {
					seq := c.Obfuscate(v)
					for _, lit := range literals(seq) {
						require.NotEqual(t, v, lit, "value %d leaked", v)
					}
					got, ok := obfuscate.Eval(seq)
					require.True(t, ok)
					require.Equal(t, v, got)
				}
			}
		})
	}
}

func TestConstants_UsesEveryIdentity(t *testing.T) {
	c := obfuscate.NewConstants(seeded(4))
	seen := map[string]bool{}
	for range 300 {
		seq := c.Obfuscate(17)
		seen[seq[6].OpCode.Name] = true
	}
	assert.Equal(t, map[string]bool{"add": true, "sub": true, "xor": true}, seen)
}

func TestConstants_NilSource(t *testing.T) {
	c := obfuscate.NewConstants(nil)
	got, ok := obfuscate.Eval(c.Obfuscate(12345))
	require.True(t, ok)
	assert.Equal(t, int32(12345), got)
}

func TestEval_Rejects(t *testing.T) {
	_, ok := obfuscate.Eval([]*image.Instruction{image.LdcI4(1), image.LdcI4(2)})
	assert.False(t, ok)
	_, ok = obfuscate.Eval([]*image.Instruction{image.LdcI4(1), image.LdcI4(2), image.NewInstruction(image.OpMul, nil)})
	assert.False(t, ok)
	_, ok = obfuscate.Eval([]*image.Instruction{image.NewInstruction(image.OpAdd, nil)})
	assert.False(t, ok)
}
