// Package decode implements a minimal x86-64 instruction length decoder.
// It is deliberately not a disassembler: it answers exactly two questions
// a detour patcher needs about a prologue instruction stream — how many
// bytes does this instruction occupy, and if it is a branch or carries a
// RIP-relative operand, where its displacement field lies so the caller
// can rewrite it after relocation.
package decode

import "fmt"

// BranchKind classifies how an instruction transfers control, if at all.
type BranchKind int

const (
	// NotBranch is any instruction decode does not need to relocate specially.
	NotBranch BranchKind = iota
	// RelativeBranch is a jump/call whose target is encoded as a signed
	// displacement from the end of the instruction (Jcc, JMP, CALL).
	RelativeBranch
	// IndirectBranch is a jump through a register or memory operand
	// (FF /4, FF /5); its target cannot be recomputed by adjusting a
	// displacement, so a prologue containing one cannot be relocated into
	// a trampoline. An indirect CALL (FF /2, FF /3) is not included here:
	// it returns into the instruction after it, so it copies like any
	// other non-branch instruction. A far JMP (EA) is not classified:
	// Decode rejects it with an error.
	IndirectBranch
)

// Instruction describes one decoded instruction within a prologue byte
// stream, including a rewrite recipe for relative branches.
type Instruction struct {
	Length int
	Kind   BranchKind

	// DispOffset/DispLen locate the displacement field within the
	// instruction's bytes, valid only when Kind == RelativeBranch.
	DispOffset int
	DispLen    int

	// RIPRelative reports whether this instruction additionally carries a
	// RIP-relative memory operand (ModRM mod=00 rm=101) independent of
	// Kind; such an operand needs its own displacement rewrite when the
	// instruction moves to a trampoline at a different address.
	RIPRelative   bool
	RIPDispOffset int
}

// isLegacyPrefix reports whether b is a single-byte prefix that may appear
// before an opcode: operand-size, address-size, segment overrides, LOCK,
// REPNE/REPE.
func isLegacyPrefix(b byte) bool {
	switch b {
	case 0x66, 0x67, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65, 0xF0, 0xF2, 0xF3:
		return true
	}
	return false
}

func isREX(b byte) bool { return b&0xF0 == 0x40 }

// Decode inspects the instruction beginning at code[0] and reports its
// length and branch classification. It supports the subset of the x86-64
// instruction set that a compiler-generated function prologue plausibly
// contains: stack frame setup, register moves, RIP-relative loads, and
// every branch form, but not x87/MMX/AVX encodings or 3-byte opcode maps
// beyond 0F 1F (multi-byte nop) and 0F 80-8F (Jcc rel32).
func Decode(code []byte) (Instruction, error) {
	if len(code) == 0 {
		return Instruction{}, fmt.Errorf("decode: empty input")
	}

	i := 0
	rexW, rexX, rexB := false, false, false
	opSize16 := false

	for i < len(code) && isLegacyPrefix(code[i]) {
		if code[i] == 0x66 {
			opSize16 = true
		}
		i++
	}
	if i < len(code) && isREX(code[i]) {
		b := code[i]
		rexW = b&0x08 != 0
		rexX = b&0x02 != 0
		rexB = b&0x01 != 0
		i++
	}
	if i >= len(code) {
		return Instruction{}, fmt.Errorf("decode: truncated after prefixes")
	}

	op := code[i]
	i++

	// Two-byte opcode map: 0F xx.
	if op == 0x0F {
		if i >= len(code) {
			return Instruction{}, fmt.Errorf("decode: truncated two-byte opcode")
		}
		op2 := code[i]
		i++
		switch {
		case op2 >= 0x80 && op2 <= 0x8F: // Jcc rel32
			if i+4 > len(code) {
				return Instruction{}, fmt.Errorf("decode: truncated Jcc rel32")
			}
			return Instruction{Length: i + 4, Kind: RelativeBranch, DispOffset: i, DispLen: 4}, nil
		case op2 == 0x1F: // multi-byte NOP, ModRM + optional SIB/disp
			return decodeModRMOnly(code, i, rexX, rexB, opSize16)
		default:
			return decodeModRMOnly(code, i, rexX, rexB, opSize16)
		}
	}

	switch {
	case op >= 0x50 && op <= 0x5F: // PUSH/POP r64 (+REX.B encoded in low bit already)
		return Instruction{Length: i}, nil
	case op == 0xC3 || op == 0xC9: // RET / LEAVE
		return Instruction{Length: i}, nil
	case op == 0x90: // NOP
		return Instruction{Length: i}, nil
	case op == 0xE8: // CALL rel32
		if i+4 > len(code) {
			return Instruction{}, fmt.Errorf("decode: truncated CALL rel32")
		}
		return Instruction{Length: i + 4, Kind: RelativeBranch, DispOffset: i, DispLen: 4}, nil
	case op == 0xE9: // JMP rel32
		if i+4 > len(code) {
			return Instruction{}, fmt.Errorf("decode: truncated JMP rel32")
		}
		return Instruction{Length: i + 4, Kind: RelativeBranch, DispOffset: i, DispLen: 4}, nil
	case op == 0xEB: // JMP rel8
		if i+1 > len(code) {
			return Instruction{}, fmt.Errorf("decode: truncated JMP rel8")
		}
		return Instruction{Length: i + 1, Kind: RelativeBranch, DispOffset: i, DispLen: 1}, nil
	case op >= 0x70 && op <= 0x7F: // Jcc rel8
		if i+1 > len(code) {
			return Instruction{}, fmt.Errorf("decode: truncated Jcc rel8")
		}
		return Instruction{Length: i + 1, Kind: RelativeBranch, DispOffset: i, DispLen: 1}, nil
	case op >= 0xE0 && op <= 0xE3: // LOOP/LOOPE/LOOPNE/JCXZ rel8
		if i+1 > len(code) {
			return Instruction{}, fmt.Errorf("decode: truncated LOOP rel8")
		}
		return Instruction{Length: i + 1, Kind: RelativeBranch, DispOffset: i, DispLen: 1}, nil
	case op == 0xC2: // RET imm16
		if i+2 > len(code) {
			return Instruction{}, fmt.Errorf("decode: truncated RET imm16")
		}
		return Instruction{Length: i + 2}, nil
	case op == 0x68: // PUSH imm32
		if i+4 > len(code) {
			return Instruction{}, fmt.Errorf("decode: truncated PUSH imm32")
		}
		return Instruction{Length: i + 4}, nil
	case op == 0x6A: // PUSH imm8
		if i+1 > len(code) {
			return Instruction{}, fmt.Errorf("decode: truncated PUSH imm8")
		}
		return Instruction{Length: i + 1}, nil
	case op >= 0xB8 && op <= 0xBF: // MOV r, imm32/imm64
		width := 4
		if rexW {
			width = 8
		}
		if i+width > len(code) {
			return Instruction{}, fmt.Errorf("decode: truncated MOV reg, imm")
		}
		return Instruction{Length: i + width}, nil
	case op == 0x89, op == 0x8B, op == 0x8D, op == 0x03, op == 0x01, op == 0x29, op == 0x31,
		op == 0x85, op == 0x39, op == 0x3B, op == 0x21, op == 0x09:
		return decodeModRMOnly(code, i, rexX, rexB, opSize16)
	case op == 0xFF: // INC/DEC/CALL/JMP/PUSH through ModRM — must classify /2 /3 /4 /5
		return decodeGroupFF(code, i, rexX, rexB)
	case op == 0xC7: // MOV r/m, imm32
		ins, err := decodeModRMOnly(code, i, rexX, rexB, opSize16)
		if err != nil {
			return Instruction{}, err
		}
		immWidth := 4
		if opSize16 {
			immWidth = 2
		}
		if ins.Length+immWidth > len(code) {
			return Instruction{}, fmt.Errorf("decode: truncated MOV r/m, imm32")
		}
		ins.Length += immWidth
		return ins, nil
	case op == 0x83, op == 0x80: // ADD/SUB/CMP r/m, imm8
		ins, err := decodeModRMOnly(code, i, rexX, rexB, opSize16)
		if err != nil {
			return Instruction{}, err
		}
		if ins.Length+1 > len(code) {
			return Instruction{}, fmt.Errorf("decode: truncated group1 imm8")
		}
		ins.Length++
		return ins, nil
	case op == 0x81: // ADD/SUB/CMP r/m, imm32
		ins, err := decodeModRMOnly(code, i, rexX, rexB, opSize16)
		if err != nil {
			return Instruction{}, err
		}
		if ins.Length+4 > len(code) {
			return Instruction{}, fmt.Errorf("decode: truncated group1 imm32")
		}
		ins.Length += 4
		return ins, nil
	case op == 0xEA: // far JMP ptr16:32, obsolete but still a valid indirect-class transfer
		return Instruction{}, fmt.Errorf("decode: far jmp (0xEA) not supported")
	default:
		return Instruction{}, fmt.Errorf("decode: unsupported opcode 0x%02x", op)
	}
}

// decodeModRMOnly decodes a single ModRM (+SIB +disp) operand with no
// trailing immediate, classifying a RIP-relative memory operand if present.
func decodeModRMOnly(code []byte, i int, rexX, rexB, opSize16 bool) (Instruction, error) {
	if i >= len(code) {
		return Instruction{}, fmt.Errorf("decode: truncated ModRM")
	}
	modrm := code[i]
	mod := modrm >> 6
	rm := modrm & 7
	i++

	ins := Instruction{}

	if mod == 3 { // register-direct, no memory operand
		ins.Length = i
		return ins, nil
	}

	hasSIB := rm == 4
	if hasSIB {
		if i >= len(code) {
			return Instruction{}, fmt.Errorf("decode: truncated SIB")
		}
		sib := code[i]
		i++
		base := sib & 7
		if mod == 0 && base == 5 {
			i += 4 // disp32 with no base register
		}
	} else if mod == 0 && rm == 5 {
		// RIP-relative disp32, independent of REX.X/B.
		ins.RIPRelative = true
		ins.RIPDispOffset = i
		i += 4
	}

	switch mod {
	case 1:
		i += 1
	case 2:
		i += 4
	}

	ins.Length = i
	return ins, nil
}

// decodeGroupFF decodes opcode 0xFF, whose /reg field selects between
// INC, DEC, CALL (near/far), JMP (near/far) and PUSH. Only JMP r/m64 (/4)
// and JMP far (/5) make the instruction stream unrelocatable — an
// indirect CALL (/2, /3) still returns into the next instruction, so it
// is just an ordinary instruction as far as prologue relocation cares.
func decodeGroupFF(code []byte, i int, rexX, rexB bool) (Instruction, error) {
	if i >= len(code) {
		return Instruction{}, fmt.Errorf("decode: truncated ModRM for group FF")
	}
	reg := (code[i] >> 3) & 7
	ins, err := decodeModRMOnly(code, i, rexX, rexB, false)
	if err != nil {
		return Instruction{}, err
	}
	switch reg {
	case 4, 5: // JMP r/m64, JMP far
		ins.Kind = IndirectBranch
	}
	return ins, nil
}
