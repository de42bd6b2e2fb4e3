package stub

import (
	"fmt"
	"testing"

	"github.com/xyproto/remotehook/internal/procinfo"
)

type fakeResolver map[string]uintptr

func (f fakeResolver) FindByName(name string) (procinfo.Symbol, error) {
	addr, ok := f[name]
	if !ok {
		return procinfo.Symbol{}, fmt.Errorf("no such routine: %s", name)
	}
	return procinfo.Symbol{Name: name, Base: addr, Size: 16}, nil
}

func testResolver() fakeResolver {
	return fakeResolver{
		"dlopen": 0x7f0000001000,
		"dlsym":  0x7f0000002000,
		"mmap":   0x7f0000003000,
		"munmap": 0x7f0000004000,
	}
}

func TestLoadSymbolLayout(t *testing.T) {
	s, err := LoadSymbol(testResolver(), "/lib/libfoo.so", "do_thing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantDataLen := len("/lib/libfoo.so") + 1 + len("do_thing") + 1
	if s.RipOffset != wantDataLen {
		t.Fatalf("RipOffset = %d, want %d", s.RipOffset, wantDataLen)
	}
	if len(s.Code) <= s.RipOffset {
		t.Fatal("expected code bytes following the data prefix")
	}
	if s.Code[len(s.Code)-1] != 0xCC {
		t.Fatalf("expected stub to end with int3, got 0x%02x", s.Code[len(s.Code)-1])
	}
	if string(s.Code[:len("/lib/libfoo.so")]) != "/lib/libfoo.so" {
		t.Fatal("expected data prefix to begin with the library path")
	}
}

func TestLoadSymbolFailsWithoutDlopen(t *testing.T) {
	r := fakeResolver{"dlsym": 1}
	if _, err := LoadSymbol(r, "/lib/libfoo.so", "x"); err == nil {
		t.Fatal("expected error when dlopen cannot be resolved")
	}
}

func TestSetPatchedFuncEndsWithTrap(t *testing.T) {
	s, err := SetPatchedFunc(testResolver(), "/lib/libfoo.so", "set_original")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Code[len(s.Code)-1] != 0xCC {
		t.Fatal("expected stub to end with int3")
	}
}

func TestMemMapHasNoDataPrefix(t *testing.T) {
	s, err := MemMap(testResolver(), 4096, 0x400000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.RipOffset != 0 {
		t.Fatalf("RipOffset = %d, want 0", s.RipOffset)
	}
	if s.Code[len(s.Code)-1] != 0xCC {
		t.Fatal("expected stub to end with int3")
	}
}

func TestMemUnmapRequiresMunmapSymbol(t *testing.T) {
	r := fakeResolver{}
	if _, err := MemUnmap(r, 0x400000, 4096); err == nil {
		t.Fatal("expected error when munmap cannot be resolved")
	}
}
