package asm

import "testing"

func TestAbsoluteJumpRoundTrip(t *testing.T) {
	targets := []uint64{0, 0x400000, 0x7ffff7a00000, 0xdeadbeefcafef00d}
	for _, want := range targets {
		b := NewBuffer()
		b.AbsoluteJump(want)
		b.Commit()
		if b.Len() != AbsoluteJumpLen {
			t.Fatalf("AbsoluteJump(%#x): got %d bytes, want %d", want, b.Len(), AbsoluteJumpLen)
		}
		got, err := DecodeAbsoluteJump(b.Code())
		if err != nil {
			t.Fatalf("AbsoluteJump(%#x): decode failed: %v", want, err)
		}
		if got != want {
			t.Fatalf("AbsoluteJump(%#x): round-tripped to %#x", want, got)
		}
	}
}

func TestMovRegImm64Length(t *testing.T) {
	b := NewBuffer()
	b.MovRegImm64(R9, 0x1122334455667788)
	if b.Len() != 10 { // REX + B8+r + 8 bytes imm
		t.Fatalf("MovRegImm64: got %d bytes, want 10", b.Len())
	}
}

func TestCommittedBufferPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic writing to a committed Buffer")
		}
	}()
	b := NewBuffer()
	b.Commit()
	b.Ret()
}

func TestLeaRegMemAvoidsSIBAmbiguity(t *testing.T) {
	// RSP and R12 both have low3()==4, which the ModRM encoding reserves
	// for the SIB escape; LeaRegMem must route through an explicit SIB
	// byte rather than letting the displacement's first byte be read as
	// one. Layout: REX, 8D, ModRM, SIB, disp32.
	b := NewBuffer()
	b.LeaRegMem(RDI, RSP, 0x10)
	code := b.Code()
	if len(code) < 4 || code[3] != 0x24 {
		t.Fatalf("LeaRegMem(RSP): expected explicit SIB byte 0x24, got % x", code)
	}
}
