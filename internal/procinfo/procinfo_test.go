package procinfo

import (
	"os"
	"testing"
)

func newInfoWithSymbols(syms ...Symbol) *Info {
	info := &Info{byName: make(map[string][]Symbol)}
	for _, s := range syms {
		info.byAddr = append(info.byAddr, s)
		info.byName[s.Name] = append(info.byName[s.Name], s)
	}
	return info
}

func TestFindByNamePrefersStrongOverWeak(t *testing.T) {
	info := newInfoWithSymbols(
		Symbol{Name: "malloc", Base: 0x1000, Size: 32, Weak: true},
		Symbol{Name: "malloc", Base: 0x2000, Size: 32, Weak: false},
	)
	got, err := info.FindByName("malloc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Base != 0x2000 || got.Weak {
		t.Fatalf("expected strong symbol at 0x2000, got %+v", got)
	}
}

func TestFindByNameFallsBackToWeak(t *testing.T) {
	info := newInfoWithSymbols(Symbol{Name: "free", Base: 0x1000, Size: 16, Weak: true})
	got, err := info.FindByName("free")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Base != 0x1000 {
		t.Fatalf("expected weak fallback, got %+v", got)
	}
}

func TestFindByNameMissing(t *testing.T) {
	info := newInfoWithSymbols()
	if _, err := info.FindByName("nope"); err == nil {
		t.Fatal("expected ErrSymbolNotFound")
	}
}

func TestFindByAddrCoversRange(t *testing.T) {
	info := newInfoWithSymbols(
		Symbol{Name: "a", Base: 0x1000, Size: 0x10},
		Symbol{Name: "b", Base: 0x2000, Size: 0x20},
	)
	// FindByAddr expects byAddr sorted by Base; newInfoWithSymbols already
	// inserted in ascending order here.
	got, err := info.FindByAddr(0x2005)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "b" {
		t.Fatalf("expected symbol b, got %+v", got)
	}
}

func TestFindByAddrOutsideAnyRange(t *testing.T) {
	info := newInfoWithSymbols(Symbol{Name: "a", Base: 0x1000, Size: 0x10})
	if _, err := info.FindByAddr(0x500); err == nil {
		t.Fatal("expected ErrSymbolNotFound for address before first symbol")
	}
	if _, err := info.FindByAddr(0x1020); err == nil {
		t.Fatal("expected ErrSymbolNotFound for address past symbol end")
	}
}

func TestScratchRegionUsesMainModule(t *testing.T) {
	info := &Info{byName: make(map[string][]Symbol), Modules: []Module{
		{Start: 0x400000, End: 0x400000 + scratchRegionMinSize + 1, Path: "/bin/target"},
		{Start: 0x7f0000000000, End: 0x7f0000001000, Path: "/lib/libc.so"},
	}}
	addr, err := info.ScratchRegion()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != 0x400000 {
		t.Fatalf("expected the first (main) module's base, got %#x", addr)
	}
}

func TestScratchRegionRejectsTooSmallMapping(t *testing.T) {
	info := &Info{byName: make(map[string][]Symbol), Modules: []Module{
		{Start: 0x400000, End: 0x400000 + scratchRegionMinSize - 1, Path: "/bin/target"},
	}}
	if _, err := info.ScratchRegion(); err == nil {
		t.Fatal("expected an error for a mapping smaller than the scratch region")
	}
}

func TestScratchRegionRejectsNoModules(t *testing.T) {
	info := &Info{byName: make(map[string][]Symbol)}
	if _, err := info.ScratchRegion(); err == nil {
		t.Fatal("expected an error when no modules are loaded")
	}
}

func TestParseMapsDedupesSelfModules(t *testing.T) {
	// parseMaps itself reads a real /proc path, so this test only exercises
	// it against the running test binary's own maps, asserting invariants
	// rather than exact content.
	modules, err := parseMaps(os.Getpid())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(modules) == 0 {
		t.Fatal("expected at least one executable module for self")
	}
	seen := make(map[string]bool)
	for _, m := range modules {
		if seen[m.Path] {
			t.Fatalf("duplicate module path retained: %s", m.Path)
		}
		seen[m.Path] = true
		if m.Start >= m.End {
			t.Fatalf("module %s has non-positive range [%x,%x)", m.Path, m.Start, m.End)
		}
	}
}
