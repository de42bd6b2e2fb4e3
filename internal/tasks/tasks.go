// Package tasks supervises every thread in a target's task group: it
// attaches to the full set, races newly spawned threads against
// enumeration, and stops/resumes the set as a whole.
package tasks

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/xyproto/remotehook/internal/ptrace"
)

// debugController is the subset of *ptrace.Controller this package drives.
// Defined here, rather than depended on directly, so the attach-loop race
// logic in AttachAll can be exercised against a fake in tests without a
// real traced process.
type debugController interface {
	AttachAndWait(tid int) (unix.WaitStatus, error)
	StopThread(tid int) error
	Wait(tid int) (unix.WaitStatus, error)
	Cont(tid int) error
	ContAndWait(tid int) (unix.WaitStatus, error)
}

// ThreadState is a descriptor's debug-control state.
type ThreadState int

const (
	// Stopped means the task is currently under debug control and
	// group-stopped.
	Stopped ThreadState = iota
	// Running means the task is attached but was most recently continued.
	Running
)

func (s ThreadState) String() string {
	if s == Stopped {
		return "stopped"
	}
	return "running"
}

// ThreadInfo is one supervised task.
type ThreadInfo struct {
	Tid   int
	State ThreadState
}

// Supervisor owns the attached-tid map for one target pid.
type Supervisor struct {
	pid  int
	ctl  debugController
	log  *logrus.Logger
	tids map[int]*ThreadInfo

	// listTasks enumerates the target's current task set. Defaults to
	// listTaskDir; overridden in tests with a fake seam to drive the
	// attach loop through a chosen sequence of snapshots.
	listTasks func(pid int) (map[int]bool, error)
}

// NewSupervisor returns a Supervisor for pid using ctl for debug-control
// operations.
func NewSupervisor(pid int, ctl *ptrace.Controller, log *logrus.Logger) *Supervisor {
	if log == nil {
		log = logrus.New()
	}
	return &Supervisor{pid: pid, ctl: ctl, log: log, tids: make(map[int]*ThreadInfo), listTasks: listTaskDir}
}

// Threads returns a snapshot of all currently supervised descriptors.
func (s *Supervisor) Threads() []ThreadInfo {
	out := make([]ThreadInfo, 0, len(s.tids))
	for _, t := range s.tids {
		out = append(out, *t)
	}
	return out
}

// listTaskDir returns every tid currently listed under /proc/<pid>/task.
func listTaskDir(pid int) (map[int]bool, error) {
	dir := fmt.Sprintf("/proc/%d/task", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("tasks: read %s: %w", dir, err)
	}
	out := make(map[int]bool, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		out[tid] = true
	}
	return out, nil
}

// AttachAll runs the race-free attach loop: snapshot the task directory,
// attach to anything new, repeat until two consecutive snapshots add
// nothing new, then reconcile away any attached tid that has since
// exited.
func (s *Supervisor) AttachAll() error {
	for {
		snapshot, err := s.listTasks(s.pid)
		if err != nil {
			return err
		}

		var newTids []int
		for tid := range snapshot {
			if _, ok := s.tids[tid]; !ok {
				newTids = append(newTids, tid)
			}
		}

		if len(newTids) == 0 {
			s.reconcile(snapshot)
			s.log.WithField("pid", s.pid).WithField("count", len(s.tids)).Debug("attach loop converged")
			return nil
		}

		for _, tid := range newTids {
			s.log.WithField("tid", tid).Debug("attaching to newly discovered task")
			if _, err := s.ctl.AttachAndWait(tid); err != nil {
				return fmt.Errorf("tasks: attach tid %d: %w", tid, err)
			}
			s.tids[tid] = &ThreadInfo{Tid: tid, State: Stopped}
		}
	}
}

// reconcile drops any attached tid absent from the latest snapshot.
func (s *Supervisor) reconcile(snapshot map[int]bool) {
	for tid := range s.tids {
		if !snapshot[tid] {
			s.log.WithField("tid", tid).Debug("dropping exited task from attached set")
			delete(s.tids, tid)
		}
	}
}

// StopAll sends a stop request to every Running descriptor, waits each,
// then re-runs the attach loop to pick up any thread spawned during the
// stop.
func (s *Supervisor) StopAll() error {
	for tid, t := range s.tids {
		if t.State != Running {
			continue
		}
		if err := s.ctl.StopThread(tid); err != nil {
			return fmt.Errorf("tasks: stop tid %d: %w", tid, err)
		}
		if _, err := s.ctl.Wait(tid); err != nil {
			return fmt.Errorf("tasks: wait for stop of tid %d: %w", tid, err)
		}
		t.State = Stopped
	}
	return s.AttachAll()
}

// ResumeAll transitions every Stopped descriptor to Running.
func (s *Supervisor) ResumeAll() error {
	for tid, t := range s.tids {
		if t.State != Stopped {
			continue
		}
		if err := s.ctl.Cont(tid); err != nil {
			return fmt.Errorf("tasks: resume tid %d: %w", tid, err)
		}
		t.State = Running
	}
	return nil
}

// StopThread stops a single tid, failing if it is absent or already
// Stopped.
func (s *Supervisor) StopThread(tid int) error {
	t, ok := s.tids[tid]
	if !ok {
		return fmt.Errorf("tasks: tid %d not supervised", tid)
	}
	if t.State == Stopped {
		return fmt.Errorf("tasks: tid %d already stopped", tid)
	}
	if err := s.ctl.StopThread(tid); err != nil {
		return err
	}
	if _, err := s.ctl.Wait(tid); err != nil {
		return err
	}
	t.State = Stopped
	return nil
}

// ResumeAndWait resumes a single Stopped tid and blocks for its next
// stop, failing if it is absent or already Running.
func (s *Supervisor) ResumeAndWait(tid int) (ThreadInfo, error) {
	t, ok := s.tids[tid]
	if !ok {
		return ThreadInfo{}, fmt.Errorf("tasks: tid %d not supervised", tid)
	}
	if t.State != Stopped {
		return ThreadInfo{}, fmt.Errorf("tasks: tid %d not stopped", tid)
	}
	if _, err := s.ctl.ContAndWait(tid); err != nil {
		return ThreadInfo{}, err
	}
	t.State = Stopped
	return *t, nil
}

// AnyStopped returns an arbitrary currently Stopped tid, acceptable for
// use as the hijack target of a remote invocation.
func (s *Supervisor) AnyStopped() (int, error) {
	for tid, t := range s.tids {
		if t.State == Stopped {
			return tid, nil
		}
	}
	return 0, fmt.Errorf("tasks: no stopped tid available")
}
