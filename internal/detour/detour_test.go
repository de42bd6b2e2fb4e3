package detour

import (
	"errors"
	"testing"

	"github.com/xyproto/remotehook/internal/asm"
	"github.com/xyproto/remotehook/internal/decode"
)

func decodeAll(t *testing.T, code []byte) []decode.Instruction {
	t.Helper()
	var out []decode.Instruction
	off := 0
	for off < len(code) {
		ins, err := decode.Decode(code[off:])
		if err != nil {
			t.Fatalf("decode at offset %d: %v", off, err)
		}
		out = append(out, ins)
		off += ins.Length
	}
	return out
}

func TestReadSignedDisp(t *testing.T) {
	if got := readSignedDisp([]byte{0xFE}, 1); got != -2 {
		t.Fatalf("rel8 -2: got %d", got)
	}
	if got := readSignedDisp([]byte{0xFF, 0xFF, 0xFF, 0xFF}, 4); got != -1 {
		t.Fatalf("rel32 -1: got %d", got)
	}
}

func TestCopyDetourPlainPrologueAppendsAbsoluteJump(t *testing.T) {
	// push rbp; mov rbp, rsp; sub rsp, 0x20  (8 bytes, no branches)
	code := []byte{0x55, 0x48, 0x89, 0xE5, 0x48, 0x83, 0xEC, 0x20}
	instrs := decodeAll(t, code)

	targetBase := uintptr(0x400000)
	destAddr := uintptr(0x500000)
	patchLength := 14 // pretend the real function needed 14 bytes total

	out, err := copyDetour(code, instrs, targetBase, destAddr, patchLength)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(out) != len(code)+asm.AbsoluteJumpLen {
		t.Fatalf("trampoline length = %d, want %d", len(out), len(code)+asm.AbsoluteJumpLen)
	}
	for i, b := range code {
		if out[i] != b {
			t.Fatalf("byte %d: got 0x%02x, want 0x%02x (non-branch bytes must copy verbatim)", i, out[i], b)
		}
	}

	got, err := asm.DecodeAbsoluteJump(out[len(code):])
	if err != nil {
		t.Fatalf("decode trailing jump: %v", err)
	}
	want := uint64(targetBase) + uint64(patchLength)
	if got != want {
		t.Fatalf("trailing jump target = %#x, want %#x", got, want)
	}
}

func TestCopyDetourRelocatesRelativeCall(t *testing.T) {
	// call rel32 targeting targetBase+0x100 from an instruction at offset 0.
	targetBase := uintptr(0x400000)
	callTarget := targetBase + 0x100
	// placeholder displacement computed for instruction length 5 at offset 0.
	disp := int32(int64(callTarget) - int64(targetBase+5))
	code := []byte{0xE8, byte(disp), byte(disp >> 8), byte(disp >> 16), byte(disp >> 24)}
	instrs := decodeAll(t, code)

	destAddr := targetBase + 0x200000 // far enough to force a real displacement change
	out, err := copyDetour(code, instrs, targetBase, destAddr, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0] != 0xE8 {
		t.Fatalf("expected call rel32 opcode preserved, got 0x%02x", out[0])
	}
	newDisp := int32(uint32(out[1]) | uint32(out[2])<<8 | uint32(out[3])<<16 | uint32(out[4])<<24)
	gotTarget := int64(destAddr) + 5 + int64(newDisp)
	if uintptr(gotTarget) != callTarget {
		t.Fatalf("relocated call target = %#x, want %#x", gotTarget, callTarget)
	}
}

func TestCopyDetourWidensShortJump(t *testing.T) {
	targetBase := uintptr(0x400000)
	jumpTarget := targetBase + 0x50 // outside the 14-byte hook region
	code := []byte{0xEB, byte(int8(int64(jumpTarget) - int64(targetBase+2)))}
	instrs := decodeAll(t, code)

	destAddr := targetBase + 0x300000
	out, err := copyDetour(code, instrs, targetBase, destAddr, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0] != 0xE9 {
		t.Fatalf("expected widened jmp rel32 (0xE9), got 0x%02x", out[0])
	}
	if len(out) != 5+asm.AbsoluteJumpLen {
		t.Fatalf("trampoline length = %d, want %d", len(out), 5+asm.AbsoluteJumpLen)
	}
}

func TestAnalyzePrologueRejectsTargetTooSmall(t *testing.T) {
	// A 5-byte function body (ret preceded by nops) can never cover the
	// 14-byte hook region the absolute jump needs.
	code := []byte{0x90, 0x90, 0x90, 0x90, 0xC3}
	_, _, err := analyzePrologue(code, "tiny_func", 0x400000, uint64(len(code)))
	var tooSmall *ErrTargetTooSmall
	if !errors.As(err, &tooSmall) {
		t.Fatalf("expected ErrTargetTooSmall, got %v (%T)", err, err)
	}
	if tooSmall.Symbol != "tiny_func" {
		t.Fatalf("expected symbol tiny_func, got %s", tooSmall.Symbol)
	}
}

func TestAnalyzePrologueRejectsJumpIntoHookRegion(t *testing.T) {
	targetBase := uintptr(0x400000)
	// A short jump at offset 0 that lands at offset 10, inside the
	// 14-byte region the hook is about to overwrite, followed by enough
	// nops to cover AbsoluteJumpLen so the loop doesn't stop early on
	// ErrTargetTooSmall first.
	jumpTarget := targetBase + 10
	rel := int8(int64(jumpTarget) - int64(targetBase+2))
	code := []byte{0xEB, byte(rel), 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}
	_, _, err := analyzePrologue(code, "loopy_func", targetBase, uint64(len(code)))
	var jumpInto *ErrUnrelocatableJumpInto
	if !errors.As(err, &jumpInto) {
		t.Fatalf("expected ErrUnrelocatableJumpInto, got %v (%T)", err, err)
	}
	if jumpInto.Offset != 0 {
		t.Fatalf("expected the offending branch at offset 0, got %d", jumpInto.Offset)
	}
}

func TestAnalyzePrologueRejectsLeadingIndirectJump(t *testing.T) {
	targetBase := uintptr(0x400000)
	// jmp [rip+0] as the very first instruction, padded out so the loop
	// doesn't stop on ErrTargetTooSmall first.
	code := []byte{0xFF, 0x25, 0, 0, 0, 0, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}
	_, _, err := analyzePrologue(code, "indirect_func", targetBase, uint64(len(code)))
	var indirect *ErrIndirectJump
	if !errors.As(err, &indirect) {
		t.Fatalf("expected ErrIndirectJump, got %v (%T)", err, err)
	}
}

func TestAnalyzePrologueAcceptsPlainPrologue(t *testing.T) {
	targetBase := uintptr(0x400000)
	code := []byte{0x55, 0x48, 0x89, 0xE5, 0x48, 0x83, 0xEC, 0x20, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}
	instrs, n, err := analyzePrologue(code, "plain_func", targetBase, uint64(len(code)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(code) {
		t.Fatalf("patch length = %d, want %d", n, len(code))
	}
	if len(instrs) == 0 {
		t.Fatal("expected at least one decoded instruction")
	}
}

func TestManagerCreatePatchRejectsDuplicate(t *testing.T) {
	m := &Manager{patches: make(map[string]*Patch)}
	if _, err := m.CreatePatch("foo", 0x1000, 64, 0x2000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.CreatePatch("foo", 0x1000, 64, 0x2000); err == nil {
		t.Fatal("expected ErrDuplicatePatch on second CreatePatch for the same symbol")
	}
}
