// Package remap implements the two-pool bump allocator of executable
// memory inside a target process: a low pool biased for reachability by
// 32-bit-displacement addressing, and an unrestricted high pool. Pools
// grow by invoking a fresh mem_map stub through the remote invoker; they
// never free.
package remap

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/xyproto/remotehook/internal/invoke"
	"github.com/xyproto/remotehook/internal/stub"
)

// defaultPageSize is used as the minimum growth increment.
const defaultPageSize = 4096

const (
	lowPoolHint  = uintptr(0x400000)
	highPoolHint = uintptr(0x7f0000000000)

	// map32BitFlag mirrors unix.MAP_32BIT: constrain the mapping to the
	// low 31 bits of the address space so 32-bit-relative addressing can
	// reach it.
	map32BitFlag = 0x40

	// controlAreaSize is reserved at the front of every pool once it has
	// its own memory, solely to run the mem_map stub that grows the pool
	// further. It is never handed out by allocate, so growing a pool
	// mid-life never overwrites memory already returned to a caller.
	controlAreaSize = 256
)

// scratchSource supplies a remote address inside existing, already-mapped
// executable memory. Only the very first pool growth needs it, before
// either pool has memory of its own to run a bootstrap stub from.
type scratchSource interface {
	ScratchRegion() (uintptr, error)
}

// ErrAllocationFailed reports that a remote mapping request was refused.
type ErrAllocationFailed struct {
	Pool string
	Size uint64
}

func (e *ErrAllocationFailed) Error() string {
	return fmt.Sprintf("remap: allocation of %d bytes from %s pool failed", e.Size, e.Pool)
}

// Pool is a monotonically-growing bump allocator within one address range.
type Pool struct {
	name      string
	base      uintptr
	used      uint64
	capacity  uint64
	hint      uintptr
	constrain bool // whether new growth should still try the 32-bit constraint
}

func (p *Pool) initialized() bool { return p.capacity > 0 }

// allocate bumps the pool's cursor past an 8-byte-aligned request,
// growing the pool first if there isn't enough room.
func (p *Pool) allocate(size uint64, grow func(extra uint64) error) (uintptr, error) {
	aligned := (size + 7) &^ 7
	if p.used+aligned > p.capacity {
		need := aligned - (p.capacity - p.used)
		if err := grow(need); err != nil {
			return 0, err
		}
	}
	addr := p.base + uintptr(p.used)
	p.used += aligned
	return addr, nil
}

// Allocator owns the low and high pools for one target.
type Allocator struct {
	tid int
	inv *invoke.Invoker
	res stub.Resolver
	log *logrus.Logger

	low  *Pool
	high *Pool
}

// NewAllocator returns an Allocator that grows pools by invoking stubs
// against tid (which must remain Stopped for the allocator's lifetime)
// through inv, resolving libc routines via res.
func NewAllocator(tid int, inv *invoke.Invoker, res stub.Resolver, log *logrus.Logger) *Allocator {
	if log == nil {
		log = logrus.New()
	}
	return &Allocator{
		tid: tid, inv: inv, res: res, log: log,
		low:  &Pool{name: "low", hint: lowPoolHint, constrain: true},
		high: &Pool{name: "high", hint: highPoolHint},
	}
}

// Init grows both pools by one page, succeeding if either initializes.
func (a *Allocator) Init() error {
	lowErr := a.growPool(a.low, defaultPageSize)
	highErr := a.growPool(a.high, defaultPageSize)
	if lowErr != nil && highErr != nil {
		return fmt.Errorf("remap: both pools failed to initialize: low=%v high=%v", lowErr, highErr)
	}
	return nil
}

// growPool maps fresh memory for p, sized to the larger of a default page
// or twice its current capacity plus the requested amount, and extends
// its capacity on success.
func (a *Allocator) growPool(p *Pool, requested uint64) error {
	size := requested
	if grown := 2*p.capacity + requested; grown > size {
		size = grown
	}
	if size < defaultPageSize {
		size = defaultPageSize
	}

	flags := int32(0)
	if p.constrain {
		flags = map32BitFlag
	}

	mapStub, err := stub.MemMap(a.res, size, p.hint, flags)
	if err != nil {
		return fmt.Errorf("remap: build mem_map stub for %s pool: %w", p.name, err)
	}

	var result uint64
	if p.initialized() {
		result, err = a.inv.Invoke(a.tid, p.base, mapStub, 0)
	} else {
		ss, ok := a.res.(scratchSource)
		if !ok {
			return fmt.Errorf("remap: resolver cannot supply a bootstrap scratch region for %s pool", p.name)
		}
		scratch, scratchErr := ss.ScratchRegion()
		if scratchErr != nil {
			return fmt.Errorf("remap: bootstrap scratch region for %s pool: %w", p.name, scratchErr)
		}
		result, err = a.inv.InvokeBorrowed(a.tid, scratch, mapStub, 0)
	}
	if err != nil {
		return fmt.Errorf("remap: invoke mem_map for %s pool: %w", p.name, err)
	}

	const mapFailed = ^uint64(0) // MAP_FAILED is (void*)-1
	if result == 0 || result == mapFailed {
		if p.constrain {
			a.log.WithField("pool", p.name).Debug("MAP_32BIT mapping failed, retrying unconstrained")
			p.constrain = false
			return a.growPool(p, requested)
		}
		return &ErrAllocationFailed{Pool: p.name, Size: size}
	}

	a.log.WithFields(logrus.Fields{"pool": p.name, "addr": fmt.Sprintf("%#x", result), "size": size}).Debug("grew remote pool")

	if !p.initialized() {
		p.base = uintptr(result)
		p.used = controlAreaSize
	}
	p.capacity += size
	return nil
}

// Allocate returns size bytes of executable remote memory. If hint is
// below the high pool's hint address, the low pool is tried first,
// falling back to the high pool on failure; otherwise the high pool is
// used directly.
func (a *Allocator) Allocate(size uint64, hint uintptr) (uintptr, error) {
	grow := func(pool *Pool) func(uint64) error {
		return func(extra uint64) error { return a.growPool(pool, extra) }
	}

	if hint < highPoolHint {
		addr, err := a.low.allocate(size, grow(a.low))
		if err == nil {
			return addr, nil
		}
		a.log.WithError(err).Debug("low pool allocation failed, falling back to high pool")
	}
	return a.high.allocate(size, grow(a.high))
}
