package fuzztests

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"callobf/internal/image"
	"callobf/internal/image/imagetest"
)

const maxFuzzInput = 1 << 16 // 64 KiB

// seedModules are small but complete images covering calls, branches and strings.
func seedModules() []*image.Module {
	hello := imagetest.New("hello")
	hello.Main(
		imagetest.Ldstr("hi"),
		imagetest.Call(hello.Ref("System.Console::WriteLine(string)")),
		imagetest.Ret(),
	)

	loop := imagetest.New("loop")
	exit := imagetest.Ret()
	loop.Main(
		image.LdcI4(3),
		image.NewInstruction(image.OpBrfalse, exit),
		image.LdcI4(1),
		image.LdcI4(2),
		imagetest.Call(loop.Ref("System.Math::Max(int32, int32)")),
		imagetest.Call(loop.Ref("System.Console::WriteLine(int32)")),
		exit,
	)
	return []*image.Module{hello.Mod, loop.Mod}
}

// addImageSeeds adds encoded seed modules plus a few malformed prefixes.
func addImageSeeds(f *testing.F) {
	for _, mod := range seedModules() {
		for _, preserve := range []bool{true, false} {
			var buf bytes.Buffer
			if err := image.Write(&buf, mod, image.WriteOptions{PreserveTableIndices: preserve}); err != nil {
				f.Fatalf("seed %s: %v", mod.Name, err)
			}
			data := buf.Bytes()
			f.Add(data)
			f.Add(data[:len(data)/2])
		}
	}
	f.Add([]byte{})
	f.Add([]byte("CLOB"))
}

// addCodeSeeds adds assembled method bodies of the seed modules.
func addCodeSeeds(f *testing.F) {
	for _, mod := range seedModules() {
		tokenOf := func(m image.Member) (image.Token, error) { return m.Token(), nil }
		for _, md := range mod.MethodsWithBodies() {
			code, err := image.Assemble(md.Body.Instructions, tokenOf, &image.StringHeap{})
			if err != nil {
				f.Fatalf("seed %s: %v", md.Name, err)
			}
			f.Add(code)
		}
	}
	f.Add([]byte{0xFE})
	f.Add([]byte{0x2B, 0x7F})
}

func clip(input []byte) []byte {
	if len(input) > maxFuzzInput {
		input = input[:maxFuzzInput]
	}
	return append([]byte(nil), input...)
}

func pcg(seed uint64) *rand.Rand { return rand.New(rand.NewPCG(seed, ^seed)) }
