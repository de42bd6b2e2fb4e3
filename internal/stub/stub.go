// Package stub builds the position-independent x86-64 machine-code
// blobs injected into a target process: dynamic-library load + symbol
// lookup, memory mapping, memory unmapping, and library load + setter
// invocation with a caller-supplied argument. All four share a calling
// convention: R8 holds the stub's own remote load address at entry (so
// the stub can address its embedded string data RIP-free), R9 holds an
// auxiliary argument, and the stub signals completion with a trap,
// leaving its result in RAX.
package stub

import (
	"fmt"

	"github.com/xyproto/remotehook/internal/asm"
	"github.com/xyproto/remotehook/internal/procinfo"
)

// Stub is an assembled byte blob ready for remote injection.
type Stub struct {
	Code      []byte
	RipOffset int // byte offset of the first code instruction, past the data prefix
}

// RTLD_NOW matches glibc's dlfcn.h; the stub resolves symbols eagerly so
// a missing dependency surfaces at dlopen time rather than at first call.
const rtldNow = 0x00002

// Resolver looks up the addresses of the libc routines stubs call.
// It is satisfied by *procinfo.Info.
type Resolver interface {
	FindByName(name string) (procinfo.Symbol, error)
}

func resolveRoutine(r Resolver, name string) (uintptr, error) {
	sym, err := r.FindByName(name)
	if err != nil {
		return 0, fmt.Errorf("stub: resolve %s: %w", name, err)
	}
	return sym.Base, nil
}

// appendNULString appends s plus a terminating NUL to prefix, returning the new
// prefix and the offset s begins at.
func appendNULString(prefix []byte, s string) (out []byte, offset int) {
	offset = len(prefix)
	out = append(prefix, s...)
	out = append(out, 0)
	return out, offset
}

// LoadSymbol builds a stub that dlopens soPath and dlsyms funcName,
// returning the resolved address in RAX (1 if dlopen failed, 0 if dlsym
// failed).
func LoadSymbol(r Resolver, soPath, funcName string) (Stub, error) {
	dlopenAddr, err := resolveRoutine(r, "dlopen")
	if err != nil {
		return Stub{}, err
	}
	dlsymAddr, err := resolveRoutine(r, "dlsym")
	if err != nil {
		return Stub{}, err
	}

	var data []byte
	data, offPath := appendNULString(data, soPath)
	data, offFunc := appendNULString(data, funcName)

	b := asm.NewBuffer()
	ripOffset := len(data)

	b.PushReg(asm.RBX)
	b.PushReg(asm.R12)
	b.MovRegReg(asm.RBX, asm.R8) // stash stub base past the calls below
	b.MovRegReg(asm.R12, asm.R9)

	b.LeaRegMem(asm.RDI, asm.RBX, int32(offPath))
	b.MovRegImm64(asm.RSI, rtldNow)
	b.MovRegImm64(asm.RAX, uint64(dlopenAddr))
	b.CallReg(asm.RAX)
	b.TestRegReg(asm.RAX, asm.RAX)
	jzFail1 := b.Len()
	b.JzRel8(0) // patched below once the fail1 target offset is known

	b.MovRegReg(asm.RDI, asm.RAX)
	b.LeaRegMem(asm.RSI, asm.RBX, int32(offFunc))
	b.MovRegImm64(asm.RAX, uint64(dlsymAddr))
	b.CallReg(asm.RAX)
	jmpDone := b.Len()
	b.JmpRel8(0) // patched below to skip the fail1 path

	fail1 := b.Len()
	b.MovRegImm64(asm.RAX, 1)

	done := b.Len()
	b.Int3()

	code := b.Code()
	code[jzFail1+1] = byte(int8(fail1 - (jzFail1 + 2)))
	code[jmpDone+1] = byte(int8(done - (jmpDone + 2)))
	b.Commit()

	return Stub{Code: append(data, code...), RipOffset: ripOffset}, nil
}

// SetPatchedFunc builds a stub that dlopens soPath, dlsyms setterName,
// then calls the resolved setter with R9's original value (the
// trampoline address) as its sole argument. Returns 0 on success, 1 if
// dlopen failed, 2 if dlsym failed.
func SetPatchedFunc(r Resolver, soPath, setterName string) (Stub, error) {
	dlopenAddr, err := resolveRoutine(r, "dlopen")
	if err != nil {
		return Stub{}, err
	}
	dlsymAddr, err := resolveRoutine(r, "dlsym")
	if err != nil {
		return Stub{}, err
	}

	var data []byte
	data, offPath := appendNULString(data, soPath)
	data, offSetter := appendNULString(data, setterName)

	b := asm.NewBuffer()
	ripOffset := len(data)

	b.PushReg(asm.RBX)
	b.PushReg(asm.R12)
	b.MovRegReg(asm.RBX, asm.R8)
	b.MovRegReg(asm.R12, asm.R9) // the trampoline address, the setter's argument

	b.LeaRegMem(asm.RDI, asm.RBX, int32(offPath))
	b.MovRegImm64(asm.RSI, rtldNow)
	b.MovRegImm64(asm.RAX, uint64(dlopenAddr))
	b.CallReg(asm.RAX)
	b.TestRegReg(asm.RAX, asm.RAX)
	jzFail1 := b.Len()
	b.JzRel8(0)

	b.MovRegReg(asm.RDI, asm.RAX)
	b.LeaRegMem(asm.RSI, asm.RBX, int32(offSetter))
	b.MovRegImm64(asm.RAX, uint64(dlsymAddr))
	b.CallReg(asm.RAX)
	b.TestRegReg(asm.RAX, asm.RAX)
	jzFail2 := b.Len()
	b.JzRel8(0)

	b.MovRegReg(asm.RDI, asm.R12)
	b.CallReg(asm.RAX)
	b.MovRegImm64(asm.RAX, 0)
	jmpDone := b.Len()
	b.JmpRel8(0)

	fail1 := b.Len()
	b.MovRegImm64(asm.RAX, 1)
	jmpDone2 := b.Len()
	b.JmpRel8(0)

	fail2 := b.Len()
	b.MovRegImm64(asm.RAX, 2)

	done := b.Len()
	b.Int3()

	code := b.Code()
	code[jzFail1+1] = byte(int8(fail1 - (jzFail1 + 2)))
	code[jzFail2+1] = byte(int8(fail2 - (jzFail2 + 2)))
	code[jmpDone+1] = byte(int8(done - (jmpDone + 2)))
	code[jmpDone2+1] = byte(int8(done - (jmpDone2 + 2)))
	b.Commit()

	return Stub{Code: append(data, code...), RipOffset: ripOffset}, nil
}

// MemMap builds a stub that calls the target's mmap with the System V
// ABI argument order (addr, length, prot, flags, fd, offset), requesting
// read+write+exec protection and an anonymous private mapping. Returns
// the mapped address, or the kernel's falsy/error sentinel on failure.
func MemMap(r Resolver, size uint64, addrHint uintptr, extraFlags int32) (Stub, error) {
	mmapAddr, err := resolveRoutine(r, "mmap")
	if err != nil {
		return Stub{}, err
	}

	const (
		protReadWriteExec = 0x1 | 0x2 | 0x4
		mapPrivate        = 0x02
		mapAnonymous      = 0x20
	)
	flags := int32(mapPrivate|mapAnonymous) | extraFlags

	b := asm.NewBuffer()
	ripOffset := 0 // no embedded string data; all args are immediates

	b.MovRegImm64(asm.RDI, uint64(addrHint))
	b.MovRegImm64(asm.RSI, size)
	b.MovRegImm64(asm.RDX, protReadWriteExec)
	b.MovRegImm64(asm.RCX, uint64(uint32(flags)))
	b.MovRegImm64(asm.R8, ^uint64(0)) // fd = -1
	b.MovRegImm64(asm.R9, 0)          // offset = 0
	b.MovRegImm64(asm.RAX, uint64(mmapAddr))
	b.CallReg(asm.RAX)
	b.Int3()
	b.Commit()

	return Stub{Code: b.Code(), RipOffset: ripOffset}, nil
}

// MemUnmap builds a stub that calls the target's munmap(addr, size),
// returning the kernel's return value verbatim.
func MemUnmap(r Resolver, addr uintptr, size uint64) (Stub, error) {
	munmapAddr, err := resolveRoutine(r, "munmap")
	if err != nil {
		return Stub{}, err
	}

	b := asm.NewBuffer()
	b.MovRegImm64(asm.RDI, uint64(addr))
	b.MovRegImm64(asm.RSI, size)
	b.MovRegImm64(asm.RAX, uint64(munmapAddr))
	b.CallReg(asm.RAX)
	b.Int3()
	b.Commit()

	return Stub{Code: b.Code(), RipOffset: 0}, nil
}
