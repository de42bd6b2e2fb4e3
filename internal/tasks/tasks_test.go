package tasks

import (
	"testing"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// fakeController is a no-op debugController: AttachAll's race loop only
// needs to know attach was requested, not to actually trace anything.
type fakeController struct {
	attached []int
}

func (f *fakeController) AttachAndWait(tid int) (unix.WaitStatus, error) {
	f.attached = append(f.attached, tid)
	return 0, nil
}
func (f *fakeController) StopThread(int) error                     { return nil }
func (f *fakeController) Wait(int) (unix.WaitStatus, error)        { return 0, nil }
func (f *fakeController) Cont(int) error                           { return nil }
func (f *fakeController) ContAndWait(int) (unix.WaitStatus, error) { return 0, nil }

// TestAttachAllConvergesThroughARace drives AttachAll through a fake
// task-lister seam simulating spec scenario 2: a thread spawns between the
// first enumeration and the first attach pass, so the first snapshot isn't
// the final membership. The loop must pick up the late arrival and only
// stop once a snapshot adds nothing new.
func TestAttachAllConvergesThroughARace(t *testing.T) {
	snapshots := []map[int]bool{
		{1: true, 2: true},         // initial enumeration
		{1: true, 2: true, 3: true}, // tid 3 spawned mid-attach
		{1: true, 2: true, 3: true}, // stable: converge here
	}
	call := 0
	ctl := &fakeController{}
	s := &Supervisor{
		ctl:  ctl,
		tids: make(map[int]*ThreadInfo),
		log:  logrus.New(),
		listTasks: func(int) (map[int]bool, error) {
			snap := snapshots[call]
			if call < len(snapshots)-1 {
				call++
			}
			return snap, nil
		},
	}

	if err := s.AttachAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(s.tids) != 3 {
		t.Fatalf("expected 3 supervised tids, got %d", len(s.tids))
	}
	for _, tid := range []int{1, 2, 3} {
		info, ok := s.tids[tid]
		if !ok {
			t.Fatalf("expected tid %d to be supervised", tid)
		}
		if info.State != Stopped {
			t.Fatalf("expected tid %d to be Stopped, got %v", tid, info.State)
		}
	}
	if len(ctl.attached) != 3 {
		t.Fatalf("expected 3 attach calls, got %d: %v", len(ctl.attached), ctl.attached)
	}
	if call != len(snapshots)-1 {
		t.Fatalf("expected the loop to consume every snapshot up to convergence, stopped at call %d", call)
	}
}

// TestAttachAllReconcilesExitedTidOnConverge exercises the other half of
// scenario 2: a previously attached tid exits before the loop converges,
// and must be dropped rather than left dangling.
func TestAttachAllReconcilesExitedTidOnConverge(t *testing.T) {
	snapshots := []map[int]bool{
		{1: true, 2: true},
		{1: true}, // tid 2 exited
	}
	call := 0
	ctl := &fakeController{}
	s := &Supervisor{
		ctl:  ctl,
		tids: make(map[int]*ThreadInfo),
		log:  logrus.New(),
		listTasks: func(int) (map[int]bool, error) {
			snap := snapshots[call]
			if call < len(snapshots)-1 {
				call++
			}
			return snap, nil
		},
	}

	if err := s.AttachAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.tids[2]; ok {
		t.Fatal("expected exited tid 2 to be reconciled away")
	}
	if _, ok := s.tids[1]; !ok {
		t.Fatal("expected tid 1 to remain supervised")
	}
}

func TestReconcileDropsExitedTids(t *testing.T) {
	s := &Supervisor{tids: map[int]*ThreadInfo{
		1: {Tid: 1, State: Stopped},
		2: {Tid: 2, State: Stopped},
	}}
	s.reconcile(map[int]bool{1: true})
	if _, ok := s.tids[2]; ok {
		t.Fatal("expected tid 2 to be dropped")
	}
	if _, ok := s.tids[1]; !ok {
		t.Fatal("expected tid 1 to remain")
	}
}

func TestThreadStateString(t *testing.T) {
	if Stopped.String() != "stopped" {
		t.Fatalf("got %q", Stopped.String())
	}
	if Running.String() != "running" {
		t.Fatalf("got %q", Running.String())
	}
}

func TestAnyStoppedPrefersStoppedTid(t *testing.T) {
	s := &Supervisor{tids: map[int]*ThreadInfo{
		1: {Tid: 1, State: Running},
		2: {Tid: 2, State: Stopped},
	}}
	tid, err := s.AnyStopped()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tid != 2 {
		t.Fatalf("expected tid 2, got %d", tid)
	}
}

func TestAnyStoppedFailsWhenNoneStopped(t *testing.T) {
	s := &Supervisor{tids: map[int]*ThreadInfo{1: {Tid: 1, State: Running}}}
	if _, err := s.AnyStopped(); err == nil {
		t.Fatal("expected error when no tid is stopped")
	}
}

func TestStopThreadRejectsUnknownTid(t *testing.T) {
	s := &Supervisor{tids: map[int]*ThreadInfo{}}
	if err := s.StopThread(99); err == nil {
		t.Fatal("expected error for unsupervised tid")
	}
}
