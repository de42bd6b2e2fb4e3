// Package asm assembles small position-independent x86-64 machine-code
// blobs. It is not a general assembler: it knows only the handful of
// instruction forms the stub compiler and detour patcher need (register
// moves, RIP-free loads off a base register, calls through a register,
// the push/mov/ret absolute-jump idiom, and the short conditional and
// unconditional jumps used inside stub bodies).
package asm

import "fmt"

// Reg is a general-purpose x86-64 register.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// low3 returns the register's 3-bit encoding within a ModRM/SIB byte.
func (r Reg) low3() uint8 { return uint8(r) & 7 }

// extended reports whether r needs REX.B/R/X to address (R8-R15).
func (r Reg) extended() bool { return uint8(r) >= 8 }

// Buffer accumulates emitted instruction bytes. Once Commit is called no
// further writes are accepted; this mirrors the freeze-before-inject
// discipline a stub blob needs (it is handed to the remote invoker by
// value, and mutating it afterwards would silently desync length/RipOffset
// bookkeeping from the bytes actually written to the target).
type Buffer struct {
	code      []byte
	committed bool
}

// NewBuffer returns an empty, writable instruction buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) mustBeOpen() {
	if b.committed {
		panic("asm: write to committed Buffer")
	}
}

// Byte appends a single raw byte.
func (b *Buffer) Byte(v byte) {
	b.mustBeOpen()
	b.code = append(b.code, v)
}

// Bytes appends a run of raw bytes.
func (b *Buffer) Bytes(v ...byte) {
	b.mustBeOpen()
	b.code = append(b.code, v...)
}

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int { return len(b.code) }

// Commit freezes the buffer; Code and Len remain valid after.
func (b *Buffer) Commit() { b.committed = true }

// Code returns the accumulated bytes. Safe before or after Commit.
func (b *Buffer) Code() []byte { return b.code }

// rex builds a REX prefix. w selects the 64-bit operand size; r/x/b extend
// the ModRM.reg, SIB.index and ModRM.rm/SIB.base fields respectively.
func rex(w, r, x, bExt bool) byte {
	v := byte(0x40)
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if bExt {
		v |= 0x01
	}
	return v
}

func modrm(mod, reg, rm uint8) byte {
	return (mod << 6) | ((reg & 7) << 3) | (rm & 7)
}

func le32(v uint32) [4]byte {
	return [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func le64(v uint64) [8]byte {
	var out [8]byte
	for i := range out {
		out[i] = byte(v >> (8 * uint(i)))
	}
	return out
}

// MovRegImm64 emits `movabs dst, imm64` (REX.W + B8+rd io).
func (b *Buffer) MovRegImm64(dst Reg, imm uint64) {
	b.Byte(rex(true, false, false, dst.extended()))
	b.Byte(0xB8 + dst.low3())
	w := le64(imm)
	b.Bytes(w[:]...)
}

// MovRegReg emits `mov dst, src` (REX.W + 89 /r).
func (b *Buffer) MovRegReg(dst, src Reg) {
	b.Byte(rex(true, src.extended(), false, dst.extended()))
	b.Byte(0x89)
	b.Byte(modrm(3, src.low3(), dst.low3()))
}

// LeaRegMem emits `lea dst, [base+disp32]`. The stubs reach their data
// through the load address that arrives in R8 (copied into RBX first),
// which is why only a base+disp addressing form is offered: no index, no
// RIP-relative encoding (a real
// RIP-relative lea would defeat the point of carrying the data address in
// R8 in the first place).
func (b *Buffer) LeaRegMem(dst, base Reg, disp int32) {
	b.Byte(rex(true, dst.extended(), false, base.extended()))
	b.Byte(0x8D)
	if base.low3() == 4 { // base would collide with the SIB escape; route through SIB+no-index
		b.Byte(modrm(2, dst.low3(), 4))
		b.Byte(0x24) // SIB: scale=0 index=none base=rsp/r12
	} else {
		b.Byte(modrm(2, dst.low3(), base.low3()))
	}
	d := le32(uint32(disp))
	b.Bytes(d[:]...)
}

// CallReg emits `call dst` (REX.B? + FF /2).
func (b *Buffer) CallReg(dst Reg) {
	if dst.extended() {
		b.Byte(rex(false, false, false, true))
	}
	b.Byte(0xFF)
	b.Byte(modrm(3, 2, dst.low3()))
}

// PushReg emits `push r` (50+rd, REX.B? for r8-r15). Used at stub entry to
// push the callee-saved registers (RBX, R12) the stub then overwrites.
func (b *Buffer) PushReg(r Reg) {
	if r.extended() {
		b.Byte(rex(false, false, false, true))
	}
	b.Byte(0x50 + r.low3())
}

// PopReg emits `pop r` (58+rd, REX.B? for r8-r15).
func (b *Buffer) PopReg(r Reg) {
	if r.extended() {
		b.Byte(rex(false, false, false, true))
	}
	b.Byte(0x58 + r.low3())
}

// TestRegReg emits `test a, bReg` (REX.W + 85 /r), used with a == bReg to null-check a
// dlopen/dlsym return value before branching on it.
func (b *Buffer) TestRegReg(a, bReg Reg) {
	b.Byte(rex(true, bReg.extended(), false, a.extended()))
	b.Byte(0x85)
	b.Byte(modrm(3, bReg.low3(), a.low3()))
}

// JzRel8 emits a short `jz rel8`; callers patch the displacement once the
// target offset is known (this assembler has no two-pass label resolver,
// stub bodies are small enough to compute offsets by hand).
func (b *Buffer) JzRel8(rel int8) {
	b.Byte(0x74)
	b.Byte(byte(rel))
}

// JmpRel8 emits a short `jmp rel8`.
func (b *Buffer) JmpRel8(rel int8) {
	b.Byte(0xEB)
	b.Byte(byte(rel))
}

// PushImm32 emits `push imm32` (sign-extended to 64 bits by the CPU).
func (b *Buffer) PushImm32(imm uint32) {
	b.Byte(0x68)
	w := le32(imm)
	b.Bytes(w[:]...)
}

// MovRspDispImm32 emits `mov dword [rsp+disp8], imm32` (C7 /0 with a SIB
// addressing rsp). Used to patch in the high 32 bits of a pushed 64-bit
// address, the second half of the push/mov/ret absolute jump idiom.
func (b *Buffer) MovRspDispImm32(disp int8, imm uint32) {
	b.Byte(0xC7)
	b.Byte(modrm(1, 0, 4))
	b.Byte(0x24) // SIB: base=rsp
	b.Byte(byte(disp))
	w := le32(imm)
	b.Bytes(w[:]...)
}

// Ret emits `ret`.
func (b *Buffer) Ret() { b.Byte(0xC3) }

// Int3 emits the breakpoint trap every stub uses to signal completion.
func (b *Buffer) Int3() { b.Byte(0xCC) }

// Nop emits n single-byte `nop`s, used to pad a hook to its full patch
// length.
func (b *Buffer) Nop(n int) {
	for i := 0; i < n; i++ {
		b.Byte(0x90)
	}
}

// AbsoluteJumpLen is the fixed size of the push/mov/ret sequence AbsoluteJump
// emits: 5 (push imm32) + 8 (mov [rsp+4], imm32) + 1 (ret) = 14 bytes.
const AbsoluteJumpLen = 14

// AbsoluteJump emits a position-independent absolute jump to target that
// needs no free register: push the low 32 bits (sign-extended by the CPU
// to 64 on push), patch in the high 32 bits at [rsp+4], then ret into it.
// Used both for the entry hook and for the trampoline's tail jump back to
// the hooked function's continuation.
func (b *Buffer) AbsoluteJump(target uint64) {
	b.PushImm32(uint32(target))
	b.MovRspDispImm32(4, uint32(target>>32))
	b.Ret()
}

// DecodeAbsoluteJump reverses AbsoluteJump, for tests that want to assert
// an installed hook or trampoline tail actually encodes the address it
// claims to.
func DecodeAbsoluteJump(code []byte) (uint64, error) {
	if len(code) < AbsoluteJumpLen {
		return 0, fmt.Errorf("asm: need %d bytes, got %d", AbsoluteJumpLen, len(code))
	}
	if code[0] != 0x68 {
		return 0, fmt.Errorf("asm: expected push imm32 (0x68), got 0x%02x", code[0])
	}
	low := uint32(code[1]) | uint32(code[2])<<8 | uint32(code[3])<<16 | uint32(code[4])<<24
	if code[5] != 0xC7 || code[6] != modrm(1, 0, 4) || code[7] != 0x24 || code[8] != 4 {
		return 0, fmt.Errorf("asm: expected mov [rsp+4], imm32")
	}
	high := uint32(code[9]) | uint32(code[10])<<8 | uint32(code[11])<<16 | uint32(code[12])<<24
	if code[13] != 0xC3 {
		return 0, fmt.Errorf("asm: expected ret (0xC3), got 0x%02x", code[13])
	}
	return uint64(low) | uint64(high)<<32, nil
}
