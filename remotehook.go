// Package remotehook performs live function hooking on an already-running
// Linux x86-64 process: given a target pid, a shared-library path, and a
// triple of symbol names, it attaches via the kernel debug interface,
// resolves the target and replacement functions, and rewrites the
// target's prologue to redirect execution into the replacement while
// preserving a callable path back to the original through a trampoline.
//
// Nothing is preloaded into the target; every step — attachment,
// introspection, code injection, and patching — happens from outside the
// process via Session's methods.
package remotehook

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/xyproto/remotehook/internal/detour"
	"github.com/xyproto/remotehook/internal/invoke"
	"github.com/xyproto/remotehook/internal/procinfo"
	"github.com/xyproto/remotehook/internal/ptrace"
	"github.com/xyproto/remotehook/internal/remap"
	"github.com/xyproto/remotehook/internal/stub"
	"github.com/xyproto/remotehook/internal/tasks"
)

// Session is a handle over one attached target process. It owns no
// global state; every method operates through the fields captured at
// NewSession and is not safe for concurrent use by multiple goroutines,
// mirroring the single control-flow model the whole core assumes.
type Session struct {
	pid int
	log *logrus.Logger

	ctl   *ptrace.Controller
	sup   *tasks.Supervisor
	info  *procinfo.Info
	inv   *invoke.Invoker
	alloc *remap.Allocator
	mgr   *detour.Manager
}

// NewSession attaches to none of pid's threads yet; it only resolves the
// target's modules and symbols via /proc and the object files on disk.
// Call AttachAll before any method that touches the target's memory or
// registers.
func NewSession(pid int, logger *logrus.Logger) (*Session, error) {
	if logger == nil {
		logger = logrus.New()
	}

	info, err := procinfo.Load(pid, logger)
	if err != nil {
		return nil, fmt.Errorf("remotehook: load process info for pid %d: %w", pid, err)
	}

	ctl := ptrace.NewController(logger)
	sup := tasks.NewSupervisor(pid, ctl, logger)
	inv := invoke.NewInvoker(ctl, logger)

	s := &Session{
		pid:  pid,
		log:  logger,
		ctl:  ctl,
		sup:  sup,
		info: info,
		inv:  inv,
	}
	return s, nil
}

// AttachAll runs the race-free attach loop over every task in the
// target's task group, then initializes the remote allocator against
// whichever tid ends up Stopped.
func (s *Session) AttachAll() error {
	if err := s.sup.AttachAll(); err != nil {
		return fmt.Errorf("remotehook: attach to pid %d: %w", s.pid, err)
	}

	tid, err := s.sup.AnyStopped()
	if err != nil {
		return fmt.Errorf("remotehook: no stopped thread after attach: %w", err)
	}

	s.alloc = remap.NewAllocator(tid, s.inv, s.info, s.log)
	if err := s.alloc.Init(); err != nil {
		return fmt.Errorf("remotehook: initialize remote allocator: %w", err)
	}
	s.mgr = detour.NewManager(s.ctl, s.alloc, s.log)
	return nil
}

// StopAll stops every task currently Running.
func (s *Session) StopAll() error {
	if err := s.sup.StopAll(); err != nil {
		return fmt.Errorf("remotehook: stop pid %d: %w", s.pid, err)
	}
	return nil
}

// ResumeAll resumes every task currently Stopped.
func (s *Session) ResumeAll() error {
	if err := s.sup.ResumeAll(); err != nil {
		return fmt.Errorf("remotehook: resume pid %d: %w", s.pid, err)
	}
	return nil
}

// FindSymbolByName resolves a function symbol by name across every
// loaded module.
func (s *Session) FindSymbolByName(name string) (procinfo.Symbol, error) {
	return s.info.FindByName(name)
}

// FindSymbolByAddr resolves the function symbol covering an absolute
// remote address.
func (s *Session) FindSymbolByAddr(addr uintptr) (procinfo.Symbol, error) {
	return s.info.FindByAddr(addr)
}

// anyStoppedTid returns a tid usable for a one-off remote operation; the
// caller must have already ensured the whole group is Stopped.
func (s *Session) anyStoppedTid() (int, error) {
	return s.sup.AnyStopped()
}

// CreatePatch binds a detour to targetName, resolving its address and
// size via the already-loaded symbol index.
func (s *Session) CreatePatch(targetName string, replacementAddr uintptr) (*detour.Patch, error) {
	sym, err := s.info.FindByName(targetName)
	if err != nil {
		return nil, fmt.Errorf("remotehook: resolve target %s: %w", targetName, err)
	}
	return s.mgr.CreatePatch(targetName, sym.Base, sym.Size, replacementAddr)
}

// Check verifies a patch's target prologue is safe to displace.
func (s *Session) Check(p *detour.Patch) error {
	tid, err := s.anyStoppedTid()
	if err != nil {
		return err
	}
	return s.mgr.Check(tid, p)
}

// Perform installs a checked patch: allocates and writes its trampoline,
// then overwrites the target's entry with a jump to the replacement.
func (s *Session) Perform(p *detour.Patch) error {
	tid, err := s.anyStoppedTid()
	if err != nil {
		return err
	}
	return s.mgr.Perform(tid, p)
}

// TearDown restores a patch's target bytes, best-effort.
func (s *Session) TearDown(p *detour.Patch) error {
	tid, err := s.anyStoppedTid()
	if err != nil {
		return err
	}
	return s.mgr.TearDown(tid, p)
}

// LoadLibraryAndSet dlopens soPath in the target, resolves setterName,
// and calls it with arg — the convention the patch's setter uses to
// receive a pointer back to the original function (the patch's
// PatchedEntry, i.e. the trampoline address).
func (s *Session) LoadLibraryAndSet(soPath, setterName string, arg uintptr) error {
	tid, err := s.anyStoppedTid()
	if err != nil {
		return err
	}

	setterStub, err := stub.SetPatchedFunc(s.info, soPath, setterName)
	if err != nil {
		return fmt.Errorf("remotehook: build setter stub: %w", err)
	}

	scratch, err := s.alloc.Allocate(uint64(len(setterStub.Code)), 0)
	if err != nil {
		return fmt.Errorf("remotehook: allocate scratch for setter stub: %w", err)
	}

	result, err := s.inv.Invoke(tid, scratch, setterStub, uint64(arg))
	if err != nil {
		return fmt.Errorf("remotehook: invoke setter stub: %w", err)
	}
	return setterStatusToError(result, soPath, setterName)
}

func setterStatusToError(result uint64, soPath, setterName string) error {
	switch result {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("remotehook: %s: dlopen failed in target", soPath)
	case 2:
		return fmt.Errorf("remotehook: %s: dlsym(%s) failed in target", soPath, setterName)
	default:
		return fmt.Errorf("remotehook: setter stub returned unexpected status %d", result)
	}
}

// ResolveLibrarySymbol dlopens soPath in the target and dlsyms funcName,
// returning its remote address. Used to resolve the replacement
// function's address before creating a patch, since the user's library
// is not preloaded into the target.
func (s *Session) ResolveLibrarySymbol(soPath, funcName string) (uintptr, error) {
	tid, err := s.anyStoppedTid()
	if err != nil {
		return 0, err
	}

	loadStub, err := stub.LoadSymbol(s.info, soPath, funcName)
	if err != nil {
		return 0, fmt.Errorf("remotehook: build load_symbol stub: %w", err)
	}

	scratch, err := s.alloc.Allocate(uint64(len(loadStub.Code)), 0)
	if err != nil {
		return 0, fmt.Errorf("remotehook: allocate scratch for load_symbol stub: %w", err)
	}

	result, err := s.inv.Invoke(tid, scratch, loadStub, 0)
	if err != nil {
		return 0, fmt.Errorf("remotehook: invoke load_symbol stub: %w", err)
	}
	return loadSymbolStatusToAddr(result, soPath, funcName)
}

func loadSymbolStatusToAddr(result uint64, soPath, funcName string) (uintptr, error) {
	switch result {
	case 0:
		return 0, fmt.Errorf("remotehook: %s: dlsym(%s) failed in target", soPath, funcName)
	case 1:
		return 0, fmt.Errorf("remotehook: %s: dlopen failed in target", soPath)
	default:
		return uintptr(result), nil
	}
}

// Close resumes every supervised task that is still Stopped. It does not
// detach from the tasks and does not tear down installed patches: the
// tasks stay traced until the controller exits and the kernel detaches
// them, and every installed hook stays in place.
func (s *Session) Close() error {
	return s.ResumeAll()
}
