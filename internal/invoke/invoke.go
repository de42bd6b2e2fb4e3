// Package invoke runs a stub inside the target by writing its bytes to a
// chosen address, redirecting one stopped thread's instruction pointer
// into it, waiting for its terminating trap, and reading back the
// result.
package invoke

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/xyproto/remotehook/internal/ptrace"
	"github.com/xyproto/remotehook/internal/stub"
)

// Invoker runs stubs against a single target pid's threads.
type Invoker struct {
	ctl *ptrace.Controller
	log *logrus.Logger
}

// NewInvoker returns an Invoker using ctl for register and memory access.
func NewInvoker(ctl *ptrace.Controller, log *logrus.Logger) *Invoker {
	if log == nil {
		log = logrus.New()
	}
	return &Invoker{ctl: ctl, log: log}
}

// Invoke writes s to address, hijacks tid (which must currently be
// Stopped) to execute it with R9 = r9Arg, waits for the stub's trap, and
// returns the value the stub left in RAX. tid is left Stopped with its
// original registers restored.
func (inv *Invoker) Invoke(tid int, address uintptr, s stub.Stub, r9Arg uint64) (uint64, error) {
	if err := inv.ctl.WriteMemory(tid, address, s.Code); err != nil {
		return 0, fmt.Errorf("invoke: write stub bytes: %w", err)
	}

	saved, err := inv.ctl.GetRegs(tid)
	if err != nil {
		return 0, fmt.Errorf("invoke: save registers: %w", err)
	}

	newRegs := saved
	newRegs.Rip = uint64(address) + uint64(s.RipOffset)
	newRegs.R8 = uint64(address)
	newRegs.R9 = r9Arg
	newRegs.Rsp = alignStackForCall(saved.Rsp)

	if err := inv.ctl.SetRegs(tid, &newRegs); err != nil {
		return 0, fmt.Errorf("invoke: install stub registers: %w", err)
	}

	inv.log.WithField("tid", tid).WithField("addr", fmt.Sprintf("%#x", address)).Debug("invoking remote stub")

	status, err := inv.ctl.ContAndWait(tid)
	if err != nil {
		return 0, fmt.Errorf("invoke: continue into stub: %w", err)
	}
	if !status.Stopped() || status.StopSignal() != unix.SIGTRAP {
		return 0, fmt.Errorf("invoke: expected SIGTRAP from stub trap, got status %#x", uint32(status))
	}

	result, err := inv.ctl.GetRegs(tid)
	if err != nil {
		return 0, fmt.Errorf("invoke: read result registers: %w", err)
	}

	if err := inv.ctl.SetRegs(tid, &saved); err != nil {
		return 0, fmt.Errorf("invoke: restore registers: %w", err)
	}

	return result.Rax, nil
}

// InvokeBorrowed runs s at address exactly like Invoke, but first saves
// whatever bytes already live there and restores them once the stub
// traps (or fails to). Use this for addresses the caller does not own —
// e.g. existing code borrowed to bootstrap the remote allocator before it
// has any memory of its own — never for allocator-owned scratch memory,
// which Invoke alone is enough to drive.
func (inv *Invoker) InvokeBorrowed(tid int, address uintptr, s stub.Stub, r9Arg uint64) (uint64, error) {
	saved := make([]byte, len(s.Code))
	if err := inv.ctl.ReadMemory(tid, address, saved); err != nil {
		return 0, fmt.Errorf("invoke: save borrowed memory at %#x: %w", address, err)
	}

	result, err := inv.Invoke(tid, address, s, r9Arg)

	if restoreErr := inv.ctl.WriteMemory(tid, address, saved); restoreErr != nil {
		if err == nil {
			err = fmt.Errorf("invoke: restore borrowed memory at %#x: %w", address, restoreErr)
		} else {
			inv.log.WithError(restoreErr).WithField("addr", fmt.Sprintf("%#x", address)).Error("failed to restore borrowed memory after a failed invoke")
		}
	}

	return result, err
}

// alignStackForCall rounds sp down to a 16-byte boundary and backs off by
// 8, the alignment System V requires at the site of a call instruction
// (so the callee sees a 16-aligned RSP once the call pushes its return
// address).
func alignStackForCall(sp uint64) uint64 {
	return (sp &^ 0xF) - 8
}
