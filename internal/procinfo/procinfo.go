// Package procinfo enumerates a target process's loaded modules and
// resolves function symbols from their backing object files.
package procinfo

import (
	"bufio"
	"debug/elf"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Module is an executable-permission range of the target's address space
// backed by one object file on disk.
type Module struct {
	Start uintptr
	End   uintptr
	Path  string
}

// Symbol is a resolved function symbol within some module.
type Symbol struct {
	Name string
	Base uintptr
	Size uint64
	Weak bool
}

// ParseError reports a memory-map line or object-file structure this
// package could not make sense of.
type ParseError struct {
	Source string
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("procinfo: parse error in %s: %s", e.Source, e.Detail)
}

// ErrSymbolNotFound is returned by FindByName/FindByAddr when no symbol
// matches.
type ErrSymbolNotFound struct {
	Query string
}

func (e *ErrSymbolNotFound) Error() string {
	return fmt.Sprintf("procinfo: symbol not found: %s", e.Query)
}

// scratchRegionMinSize bounds how much of the borrowed region ScratchRegion
// promises is safe to overwrite and restore; comfortably larger than any
// bootstrap stub this package's callers build.
const scratchRegionMinSize = 256

// Info holds the modules and symbol indexes resolved for one target pid.
type Info struct {
	log *logrus.Logger

	Pid     int
	Modules []Module

	byAddr []Symbol // sorted by Base, non-overlapping per the lookup contract
	byName map[string][]Symbol
}

// Load parses /proc/<pid>/maps and every retained module's symbol table.
func Load(pid int, log *logrus.Logger) (*Info, error) {
	if log == nil {
		log = logrus.New()
	}
	info := &Info{log: log, Pid: pid, byName: make(map[string][]Symbol)}

	modules, err := parseMaps(pid)
	if err != nil {
		return nil, err
	}
	info.Modules = modules
	log.WithField("pid", pid).WithField("modules", len(modules)).Debug("parsed memory map")

	for idx, m := range modules {
		isMain := idx == 0
		if err := info.loadModuleSymbols(m, isMain); err != nil {
			log.WithError(err).WithField("path", m.Path).Warn("skipping module with unreadable symbol table")
			continue
		}
	}

	sort.Slice(info.byAddr, func(i, j int) bool { return info.byAddr[i].Base < info.byAddr[j].Base })
	return info, nil
}

// parseMaps reads /proc/<pid>/maps and retains one Module per distinct
// absolute executable path, keeping the first occurrence as the main
// program module.
func parseMaps(pid int) ([]Module, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("procinfo: open %s: %w", path, err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	var modules []Module

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		addrRange := fields[0]
		perms := fields[1]
		modPath := fields[len(fields)-1]

		if !strings.Contains(perms, "x") {
			continue
		}
		if !strings.HasPrefix(modPath, "/") {
			continue
		}
		if seen[modPath] {
			continue
		}

		parts := strings.SplitN(addrRange, "-", 2)
		if len(parts) != 2 {
			return nil, &ParseError{Source: path, Detail: "malformed address range: " + addrRange}
		}
		start, err := strconv.ParseUint(parts[0], 16, 64)
		if err != nil {
			return nil, &ParseError{Source: path, Detail: "bad start address: " + parts[0]}
		}
		end, err := strconv.ParseUint(parts[1], 16, 64)
		if err != nil {
			return nil, &ParseError{Source: path, Detail: "bad end address: " + parts[1]}
		}

		seen[modPath] = true
		modules = append(modules, Module{Start: uintptr(start), End: uintptr(end), Path: modPath})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("procinfo: reading %s: %w", path, err)
	}
	return modules, nil
}

// loadModuleSymbols opens m's object file and indexes its function
// symbols. The main program consumes both the static and dynamic symbol
// tables; every other module consumes only the dynamic table, since a
// shared library's static symbols (if any survive stripping) are
// irrelevant to a caller resolving exported entry points.
func (info *Info) loadModuleSymbols(m Module, isMain bool) error {
	f, err := elf.Open(m.Path)
	if err != nil {
		return fmt.Errorf("procinfo: open elf %s: %w", m.Path, err)
	}
	defer f.Close()

	var tables [][]elf.Symbol
	if isMain {
		if syms, err := f.Symbols(); err == nil {
			tables = append(tables, syms)
		}
	}
	if dynsyms, err := f.DynamicSymbols(); err == nil {
		tables = append(tables, dynsyms)
	}

	for _, table := range tables {
		for _, sym := range table {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
				continue
			}
			if sym.Value == 0 {
				continue
			}
			bind := elf.ST_BIND(sym.Info)
			if bind != elf.STB_GLOBAL && bind != elf.STB_WEAK {
				continue
			}

			base := uintptr(sym.Value)
			if !isMain {
				base += m.Start
			}

			s := Symbol{Name: sym.Name, Base: base, Size: sym.Size, Weak: bind == elf.STB_WEAK}
			info.byAddr = append(info.byAddr, s)
			info.byName[sym.Name] = append(info.byName[sym.Name], s)
		}
	}
	return nil
}

// FindByName returns the strong homonym if one exists, else any weak
// one, else ErrSymbolNotFound.
func (info *Info) FindByName(name string) (Symbol, error) {
	candidates := info.byName[name]
	if len(candidates) == 0 {
		return Symbol{}, &ErrSymbolNotFound{Query: name}
	}
	for _, s := range candidates {
		if !s.Weak {
			return s, nil
		}
	}
	return candidates[0], nil
}

// ScratchRegion returns an address inside the main module's first
// executable mapping, already present and mapped before any remote
// allocation exists. It exists to bootstrap the remote allocator: the very
// first mem_map invocation has no allocator-owned memory yet to run from,
// so it borrows bytes here instead. Callers must save and restore whatever
// they temporarily overwrite at this address.
func (info *Info) ScratchRegion() (uintptr, error) {
	if len(info.Modules) == 0 {
		return 0, fmt.Errorf("procinfo: no modules loaded, no scratch region available")
	}
	m := info.Modules[0]
	if m.End-m.Start < scratchRegionMinSize {
		return 0, fmt.Errorf("procinfo: main module's first executable mapping is too small for a scratch region")
	}
	return m.Start, nil
}

// FindByAddr returns the symbol whose [Base, Base+Size) covers a, via
// binary search over the address-sorted index. Correct only when symbol
// ranges do not overlap.
func (info *Info) FindByAddr(a uintptr) (Symbol, error) {
	i := sort.Search(len(info.byAddr), func(i int) bool { return info.byAddr[i].Base > a })
	if i == 0 {
		return Symbol{}, &ErrSymbolNotFound{Query: fmt.Sprintf("%#x", a)}
	}
	s := info.byAddr[i-1]
	if a < s.Base || a >= s.Base+s.Size {
		return Symbol{}, &ErrSymbolNotFound{Query: fmt.Sprintf("%#x", a)}
	}
	return s, nil
}
