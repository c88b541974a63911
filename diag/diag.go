// Package diag decodes a faulting user-mode instruction into a short
// human-readable line for the panic/debug output ProcessLifecycle and
// ThreadLifecycle print when a user thread takes an unhandled exception.
//
// Decoding the raw instruction bytes (read from the faulting RIP through
// the direct physical map) rather than the exception vector alone lets
// the line name the actual operation ("mov %rbx,(%rax)" vs. just
// "page fault"), which is what a developer debugging a crashing user
// binary actually wants to see first.
package diag

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Registers holds the subset of general-purpose register state needed to
// resolve a decoded instruction's operands into a readable line. It is
// deliberately a plain value type: diag has no notion of a CPU context
// struct, and the caller (thread/proc) is responsible for populating it
// from whatever trap frame it owns.
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP                uint64
}

// reg returns a pointer to the named general-purpose register within r,
// or nil if reg is not one diag tracks (segment/control/debug registers
// never appear in a decoded user-mode instruction's operands).
func (r *Registers) reg(name x86asm.Reg) *uint64 {
	switch name {
	case x86asm.RAX:
		return &r.RAX
	case x86asm.RBX:
		return &r.RBX
	case x86asm.RCX:
		return &r.RCX
	case x86asm.RDX:
		return &r.RDX
	case x86asm.RSI:
		return &r.RSI
	case x86asm.RDI:
		return &r.RDI
	case x86asm.RBP:
		return &r.RBP
	case x86asm.RSP:
		return &r.RSP
	case x86asm.R8:
		return &r.R8
	case x86asm.R9:
		return &r.R9
	case x86asm.R10:
		return &r.R10
	case x86asm.R11:
		return &r.R11
	case x86asm.R12:
		return &r.R12
	case x86asm.R13:
		return &r.R13
	case x86asm.R14:
		return &r.R14
	case x86asm.R15:
		return &r.R15
	case x86asm.RIP:
		return &r.RIP
	default:
		return nil
	}
}

// Fault describes one decoded faulting instruction.
type Fault struct {
	RIP     uint64
	Mnemonic string
	Length  int
}

// String renders a single diagnostic line, e.g. "fault at 0x401234: mov %rbx,(%rax) (3 bytes)".
func (f Fault) String() string {
	return fmt.Sprintf("fault at %#x: %s (%d bytes)", f.RIP, f.Mnemonic, f.Length)
}

// Decode disassembles the instruction at the start of code (the bytes at
// regs.RIP, read by the caller through the direct physical map) and
// returns a Fault describing it. It never panics: a decode failure
// (truncated read, bytes that aren't a valid instruction — e.g. the
// thread jumped into data) still produces a Fault whose Mnemonic reports
// the failure, since a diagnostic path must never itself be the thing
// that brings down the kernel.
func Decode(code []byte, regs Registers) Fault {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Fault{RIP: regs.RIP, Mnemonic: fmt.Sprintf("<undecodable: %v>", err)}
	}

	return Fault{
		RIP:      regs.RIP,
		Mnemonic: x86asm.GNUSyntax(inst, regs.RIP, nil),
		Length:   inst.Len,
	}
}

// OperandValues returns the current value of every register operand in
// inst, keyed by register name, using regs as the source of truth. Only
// registers diag tracks are reported; a decoded instruction referencing
// a segment, control, or debug register simply omits that operand.
func OperandValues(inst x86asm.Inst, regs Registers) map[string]uint64 {
	out := make(map[string]uint64)
	for _, arg := range inst.Args {
		r, ok := arg.(x86asm.Reg)
		if !ok {
			continue
		}
		if v := regs.reg(r); v != nil {
			out[r.String()] = *v
		}
	}
	return out
}
