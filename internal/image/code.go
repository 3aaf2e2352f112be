package image

import (
	"encoding/binary"
	"fmt"

	"fortio.org/safecast"
)

// TokenFunc maps a referenced member to the token written in its place.
type TokenFunc func(Member) (Token, error)

// ResolveFunc maps a token read from code back to a member.
type ResolveFunc func(Token) (Member, error)

// StringHeap interns ldstr literals. Tokens are TableUserString rows.
type StringHeap struct {
	Strings []string
	index   map[string]int
}

// Intern returns the token for s, adding it when new.
func (h *StringHeap) Intern(s string) (Token, error) {
	if h.index == nil {
		h.index = make(map[string]int, len(h.Strings))
		for i, v := range h.Strings {
			h.index[v] = i
		}
	}
	idx, ok := h.index[s]
	if !ok {
		idx = len(h.Strings)
		h.Strings = append(h.Strings, s)
		h.index[s] = idx
	}
	rid, err := safecast.Conv[uint32](idx + 1)
	if err != nil {
		return NoToken, fmt.Errorf("user string heap overflow: %w", err)
	}
	return NewToken(TableUserString, rid), nil
}

// Lookup returns the string a user-string token names.
func (h *StringHeap) Lookup(tok Token) (string, error) {
	if tok.Table() != TableUserString || tok.IsNil() || int(tok.Rid()) > len(h.Strings) {
		return "", fmt.Errorf("invalid user string token %s", tok)
	}
	return h.Strings[tok.Rid()-1], nil
}

// Assemble encodes an instruction list to bytes. Branch displacements are
// relative to the end of the branch instruction.
func Assemble(l *InstrList, tokenOf TokenFunc, heap *StringHeap) ([]byte, error) {
	size := l.CalculateOffsets()
	out := make([]byte, 0, size)
	for _, ins := range l.Items() {
		op := ins.OpCode
		if op.Code > 0xFF {
			out = append(out, byte(op.Code>>8), byte(op.Code))
		} else {
			out = append(out, byte(op.Code))
		}
		var err error
		out, err = appendOperand(out, ins, tokenOf, heap)
		if err != nil {
			return nil, fmt.Errorf("IL_%04X %s: %w", ins.Offset, op.Name, err)
		}
	}
	return out, nil
}

func appendOperand(out []byte, ins *Instruction, tokenOf TokenFunc, heap *StringHeap) ([]byte, error) {
	switch ins.OpCode.Operand {
	case InlineNone:
		return out, nil
	case ShortInlineI:
		v, ok := ins.Operand.(int32)
		if !ok || v < -128 || v > 127 {
			return nil, fmt.Errorf("operand %v does not fit int8", ins.Operand)
		}
		return append(out, byte(int8(v))), nil
	case InlineI:
		v, ok := ins.Operand.(int32)
		if !ok {
			return nil, fmt.Errorf("operand %T is not int32", ins.Operand)
		}
		return binary.LittleEndian.AppendUint32(out, uint32(v)), nil //nolint:gosec // two's complement encoding
	case ShortInlineVar:
		v, ok := ins.Operand.(int)
		if !ok {
			return nil, fmt.Errorf("operand %T is not a variable index", ins.Operand)
		}
		b, err := safecast.Conv[uint8](v)
		if err != nil {
			return nil, err
		}
		return append(out, b), nil
	case InlineVar:
		v, ok := ins.Operand.(int)
		if !ok {
			return nil, fmt.Errorf("operand %T is not a variable index", ins.Operand)
		}
		w, err := safecast.Conv[uint16](v)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint16(out, w), nil
	case ShortInlineBrTarget, InlineBrTarget:
		target := ins.Target()
		if target == nil {
			return nil, fmt.Errorf("missing branch target")
		}
		disp := target.Offset - (ins.Offset + ins.Size())
		if ins.OpCode.Operand == ShortInlineBrTarget {
			d, err := safecast.Conv[int8](disp)
			if err != nil {
				return nil, fmt.Errorf("short branch displacement %d: %w", disp, err)
			}
			return append(out, byte(d)), nil
		}
		d, err := safecast.Conv[int32](disp)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint32(out, uint32(d)), nil //nolint:gosec // two's complement encoding
	case InlineString:
		s, ok := ins.Operand.(string)
		if !ok {
			return nil, fmt.Errorf("operand %T is not a string", ins.Operand)
		}
		tok, err := heap.Intern(s)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint32(out, uint32(tok)), nil
	default:
		m, ok := ins.Operand.(Member)
		if !ok {
			return nil, fmt.Errorf("operand %T is not a metadata member", ins.Operand)
		}
		tok, err := tokenOf(m)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint32(out, uint32(tok)), nil
	}
}

// Disassemble decodes bytes into an instruction list, linking branch
// operands to their target instructions.
func Disassemble(code []byte, resolve ResolveFunc, heap *StringHeap) (*InstrList, error) {
	var items []*Instruction
	byOffset := make(map[int]*Instruction)
	pendingTargets := make(map[*Instruction]int)

	for pos := 0; pos < len(code); {
		start := pos
		raw := Code(code[pos])
		pos++
		if raw == 0xFE {
			if pos >= len(code) {
				return nil, fmt.Errorf("IL_%04X: truncated two-byte opcode", start)
			}
			raw = 0xFE00 | Code(code[pos])
			pos++
		}
		op, ok := LookupOpCode(raw)
		if !ok {
			return nil, fmt.Errorf("IL_%04X: unknown opcode 0x%X", start, uint16(raw))
		}
		width := op.Operand.Size()
		if pos+width > len(code) {
			return nil, fmt.Errorf("IL_%04X %s: truncated operand", start, op.Name)
		}
		operand := code[pos : pos+width]
		pos += width

		ins := &Instruction{Offset: start, OpCode: op}
		switch op.Operand {
		case InlineNone:
		case ShortInlineI:
			ins.Operand = int32(int8(operand[0]))
		case InlineI:
			ins.Operand = int32(binary.LittleEndian.Uint32(operand)) //nolint:gosec // two's complement decoding
		case ShortInlineVar:
			ins.Operand = int(operand[0])
		case InlineVar:
			ins.Operand = int(binary.LittleEndian.Uint16(operand))
		case ShortInlineBrTarget:
			pendingTargets[ins] = pos + int(int8(operand[0]))
		case InlineBrTarget:
			pendingTargets[ins] = pos + int(int32(binary.LittleEndian.Uint32(operand))) //nolint:gosec // two's complement decoding
		case InlineString:
			s, err := heap.Lookup(Token(binary.LittleEndian.Uint32(operand)))
			if err != nil {
				return nil, fmt.Errorf("IL_%04X: %w", start, err)
			}
			ins.Operand = s
		default:
			m, err := resolve(Token(binary.LittleEndian.Uint32(operand)))
			if err != nil {
				return nil, fmt.Errorf("IL_%04X %s: %w", start, op.Name, err)
			}
			ins.Operand = m
		}
		items = append(items, ins)
		byOffset[start] = ins
	}

	for ins, off := range pendingTargets {
		target, ok := byOffset[off]
		if !ok {
			return nil, fmt.Errorf("IL_%04X %s: branch to IL_%04X is not an instruction boundary", ins.Offset, ins.OpCode.Name, off)
		}
		ins.Operand = target
	}
	return &InstrList{items: items}, nil
}
