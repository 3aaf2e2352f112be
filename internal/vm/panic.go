package vm

import (
	"fmt"
	"strings"
)

// PanicCode identifies the type of VM panic.
type PanicCode int

// Stable panic codes - do not change values.
const (
	PanicNullReference      PanicCode = 1001 // VM1001: null reference
	PanicTypeMismatch       PanicCode = 1002 // VM1002: type mismatch
	PanicIndexOutOfRange    PanicCode = 1003 // VM1003: index out of range
	PanicDivideByZero       PanicCode = 1004 // VM1004: divide by zero
	PanicUnresolvedMember   PanicCode = 1005 // VM1005: member cannot be resolved
	PanicBadFunctionPointer PanicCode = 1006 // VM1006: function pointer names no method
	PanicSignatureMismatch  PanicCode = 1007 // VM1007: calli signature differs from target
	PanicUnhandledException PanicCode = 1008 // VM1008: exception escaped the entry point
	PanicStackOverflow      PanicCode = 1009 // VM1009: call depth exceeded
	PanicStepLimit          PanicCode = 1010 // VM1010: instruction budget exhausted
	PanicStackUnderflow     PanicCode = 1011 // VM1011: evaluation stack underflow
	PanicOverflow           PanicCode = 1012 // VM1012: arithmetic overflow
	PanicUnimplemented      PanicCode = 1999 // VM1999: unimplemented opcode or native
)

// String returns the code as "VM1001" format.
func (c PanicCode) String() string {
	return fmt.Sprintf("VM%d", c)
}

// BacktraceFrame represents one frame in the panic backtrace.
type BacktraceFrame struct {
	Method string
	Offset int
}

// VMError represents a runtime panic in the VM.
type VMError struct {
	Code      PanicCode
	Message   string
	Backtrace []BacktraceFrame // Stack frames from top to bottom
}

// Error implements the error interface.
func (p *VMError) Error() string {
	return fmt.Sprintf("panic %s: %s", p.Code, p.Message)
}

// Format renders the panic with its backtrace.
func (p *VMError) Format() string {
	var sb strings.Builder
	sb.WriteString(p.Error())
	sb.WriteString("\n")
	if len(p.Backtrace) > 0 {
		sb.WriteString("backtrace:\n")
		for i, frame := range p.Backtrace {
			sb.WriteString(fmt.Sprintf("  %d: %s at IL_%04X\n", i, frame.Method, frame.Offset))
		}
	}
	return sb.String()
}

// errorBuilder helps construct VMError values.
type errorBuilder struct {
	vm *VM
}

func (eb *errorBuilder) makeError(code PanicCode, msg string) *VMError {
	e := &VMError{Code: code, Message: msg}
	frames := eb.vm.frames
	e.Backtrace = make([]BacktraceFrame, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		bf := BacktraceFrame{Method: f.Method.FullName()}
		if f.IP > 0 && f.IP <= len(f.code) {
			bf.Offset = f.code[f.IP-1].Offset
		}
		e.Backtrace[len(frames)-1-i] = bf
	}
	return e
}

func (eb *errorBuilder) nullReference(what string) *VMError {
	return eb.makeError(PanicNullReference, "null reference in "+what)
}

func (eb *errorBuilder) typeMismatch(expected string, got Value) *VMError {
	return eb.makeError(PanicTypeMismatch, fmt.Sprintf("expected %s, got %s", expected, got.Kind))
}

func (eb *errorBuilder) outOfRange(index int64, length int) *VMError {
	return eb.makeError(PanicIndexOutOfRange, fmt.Sprintf("index %d out of range for length %d", index, length))
}

func (eb *errorBuilder) unresolved(what string, err error) *VMError {
	msg := what
	if err != nil {
		msg += ": " + err.Error()
	}
	return eb.makeError(PanicUnresolvedMember, msg)
}

func (eb *errorBuilder) unimplemented(what string) *VMError {
	return eb.makeError(PanicUnimplemented, "unimplemented: "+what)
}
