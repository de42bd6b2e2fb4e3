// Package ptrace offers thin, typed operations over the kernel debug
// control interface: peek/poke a word, get/set the general-purpose
// register file, attach, continue, continue-and-wait, signal-continue.
// Every method operates on a single tid and blocks only where the
// underlying syscall blocks (Wait).
package ptrace

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// WordSize is the machine's pointer width in bytes.
const WordSize = 8

// DebugIoError wraps a kernel errno rejecting a debug-control operation.
type DebugIoError struct {
	Op    string
	Tid   int
	Errno unix.Errno
}

func (e *DebugIoError) Error() string {
	return fmt.Sprintf("ptrace: %s(tid=%d): %v", e.Op, e.Tid, e.Errno)
}

func (e *DebugIoError) Unwrap() error { return e.Errno }

// Regs is an alias for the linux/amd64 general-purpose register layout.
type Regs = unix.PtraceRegs

// Controller issues ptrace requests and logs each one at Debug level.
type Controller struct {
	log *logrus.Logger
}

// NewController returns a Controller that logs through log. A nil log
// falls back to logrus.New() (stderr, Info level), as do the other
// constructors in this module, so the per-operation Debug lines are not
// shown.
func NewController(log *logrus.Logger) *Controller {
	if log == nil {
		log = logrus.New()
	}
	return &Controller{log: log}
}

// wrap folds ESRCH from signal-continue operations into success, per the
// race with thread death that attach loops must tolerate, and otherwise
// wraps any other errno as a DebugIoError.
func (c *Controller) wrap(op string, tid int, err error, tolerateESRCH bool) error {
	if err == nil {
		return nil
	}
	errno, ok := err.(unix.Errno)
	if !ok {
		return fmt.Errorf("ptrace: %s(tid=%d): %w", op, tid, err)
	}
	if tolerateESRCH && errno == unix.ESRCH {
		c.log.WithFields(logrus.Fields{"op": op, "tid": tid}).Debug("tid vanished before signal delivery, treating as success")
		return nil
	}
	return &DebugIoError{Op: op, Tid: tid, Errno: errno}
}

// Attach requests tracing of tid. The caller must Wait for the resulting
// group-stop before issuing further operations.
func (c *Controller) Attach(tid int) error {
	c.log.WithField("tid", tid).Debug("ptrace attach")
	return c.wrap("attach", tid, unix.PtraceAttach(tid), false)
}

// Detach releases tid from tracing, letting it run freely.
func (c *Controller) Detach(tid int) error {
	c.log.WithField("tid", tid).Debug("ptrace detach")
	return c.wrap("detach", tid, unix.PtraceDetach(tid), true)
}

// AttachAndWait attaches to tid and blocks until its initial stop.
func (c *Controller) AttachAndWait(tid int) (unix.WaitStatus, error) {
	if err := c.Attach(tid); err != nil {
		return 0, err
	}
	return c.Wait(tid)
}

// Wait blocks until tid reports a status change.
func (c *Controller) Wait(tid int) (unix.WaitStatus, error) {
	var status unix.WaitStatus
	_, err := unix.Wait4(tid, &status, 0, nil)
	if err != nil {
		return 0, c.wrap("wait4", tid, err, false)
	}
	return status, nil
}

// Cont resumes tid with no pending signal.
func (c *Controller) Cont(tid int) error {
	c.log.WithField("tid", tid).Debug("ptrace cont")
	return c.wrap("cont", tid, unix.PtraceCont(tid, 0), true)
}

// ContWithSignal resumes tid, redelivering sig.
func (c *Controller) ContWithSignal(tid int, sig int) error {
	c.log.WithFields(logrus.Fields{"tid": tid, "sig": sig}).Debug("ptrace cont with signal")
	return c.wrap("cont_with_signal", tid, unix.PtraceCont(tid, sig), true)
}

// ContAndWait resumes tid and blocks until its next stop.
func (c *Controller) ContAndWait(tid int) (unix.WaitStatus, error) {
	if err := c.Cont(tid); err != nil {
		return 0, err
	}
	return c.Wait(tid)
}

// StopThread requests a group-stop of tid via SIGSTOP, tolerating a race
// against thread death.
func (c *Controller) StopThread(tid int) error {
	c.log.WithField("tid", tid).Debug("tgkill SIGSTOP")
	err := unix.Tgkill(tid, tid, unix.SIGSTOP)
	return c.wrap("tgkill", tid, err, true)
}

// GetRegs reads tid's general-purpose register file.
func (c *Controller) GetRegs(tid int) (Regs, error) {
	var regs Regs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return Regs{}, c.wrap("get_regs", tid, err, false)
	}
	return regs, nil
}

// SetRegs writes tid's general-purpose register file.
func (c *Controller) SetRegs(tid int, regs *Regs) error {
	if err := unix.PtraceSetRegs(tid, regs); err != nil {
		return c.wrap("set_regs", tid, err, false)
	}
	return nil
}

// PeekWord reads one machine word from the target's address space at addr.
func (c *Controller) PeekWord(tid int, addr uintptr) (uint64, error) {
	var buf [WordSize]byte
	n, err := unix.PtracePeekData(tid, addr, buf[:])
	if err != nil {
		return 0, c.wrap("peek", tid, err, false)
	}
	if n != WordSize {
		return 0, fmt.Errorf("ptrace: peek(tid=%d, addr=%#x): short read of %d bytes", tid, addr, n)
	}
	return leUint64(buf[:]), nil
}

// PokeWord writes one machine word into the target's address space at addr.
func (c *Controller) PokeWord(tid int, addr uintptr, word uint64) error {
	var buf [WordSize]byte
	leUint64Put(buf[:], word)
	n, err := unix.PtracePokeData(tid, addr, buf[:])
	if err != nil {
		return c.wrap("poke", tid, err, false)
	}
	if n != WordSize {
		return fmt.Errorf("ptrace: poke(tid=%d, addr=%#x): short write of %d bytes", tid, addr, n)
	}
	return nil
}

// ReadMemory reads an arbitrary-length byte range, assembling it from
// word-granular peeks. len(out) need not be a multiple of WordSize.
func (c *Controller) ReadMemory(tid int, addr uintptr, out []byte) error {
	for i := 0; i < len(out); i += WordSize {
		word, err := c.PeekWord(tid, addr+uintptr(i))
		if err != nil {
			return err
		}
		var buf [WordSize]byte
		leUint64Put(buf[:], word)
		copy(out[i:], buf[:])
	}
	return nil
}

// WriteMemory writes an arbitrary-length byte range via read-modify-write
// of each enclosing word, so a write that doesn't end on a word boundary
// never clobbers the target's trailing bytes.
func (c *Controller) WriteMemory(tid int, addr uintptr, data []byte) error {
	for i := 0; i < len(data); i += WordSize {
		end := i + WordSize
		if end > len(data) {
			existing, err := c.PeekWord(tid, addr+uintptr(i))
			if err != nil {
				return err
			}
			var buf [WordSize]byte
			leUint64Put(buf[:], existing)
			copy(buf[:], data[i:])
			if err := c.PokeWord(tid, addr+uintptr(i), leUint64(buf[:])); err != nil {
				return err
			}
			continue
		}
		if err := c.PokeWord(tid, addr+uintptr(i), leUint64(data[i:end])); err != nil {
			return err
		}
	}
	return nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func leUint64Put(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
