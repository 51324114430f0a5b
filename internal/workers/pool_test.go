package workers

import (
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/events"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/queue"
)

// fakeWorker is the far end of one spawned child: tests read the
// assignments the pool sent and write events back as the worker would.
type fakeWorker struct {
	id          string
	assignments chan Assignment

	emitMu  sync.Mutex
	enc     *json.Encoder
	stdoutW *io.PipeWriter
	once    sync.Once
}

func (f *fakeWorker) emit(t *testing.T, e events.Event) {
	t.Helper()
	f.emitMu.Lock()
	defer f.emitMu.Unlock()
	if err := f.enc.Encode(e); err != nil {
		t.Fatalf("fake worker emit: %v", err)
	}
}

// exit closes the worker's stdout, which the pool reads as process death.
func (f *fakeWorker) exit() { f.once.Do(func() { f.stdoutW.Close() }) }

// fakeRig spawns pipe-backed workers and remembers them in order.
type fakeRig struct {
	mu      sync.Mutex
	workers []*fakeWorker
}

func (r *fakeRig) spawn(id string) (*Child, error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	f := &fakeWorker{
		id:          id,
		assignments: make(chan Assignment, 16),
		enc:         json.NewEncoder(stdoutW),
		stdoutW:     stdoutW,
	}
	go func() {
		dec := json.NewDecoder(stdinR)
		for {
			var a Assignment
			if err := dec.Decode(&a); err != nil {
				break
			}
			f.assignments <- a
		}
		close(f.assignments)
		f.exit() // stdin closed: a real worker exits
	}()
	r.mu.Lock()
	r.workers = append(r.workers, f)
	r.mu.Unlock()
	return &Child{Stdin: stdinW, Stdout: stdoutR}, nil
}

func (r *fakeRig) worker(i int) *fakeWorker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[i]
}

func (r *fakeRig) spawned() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type poolRig struct {
	rig   *fakeRig
	clock *fakeClock
	q     *queue.Queue
	got   chan events.Event
	pool  *Pool
}

func newPoolRig(t *testing.T, maxWorkers int) *poolRig {
	t.Helper()
	rig := &fakeRig{}
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	got := make(chan events.Event, 64)
	emit := func(e events.Event) { got <- e }
	q := queue.New(filepath.Join(t.TempDir(), "queue.json"), emit)
	p := NewPool(q, emit, Options{
		MaxWorkers:     maxWorkers,
		HeartbeatEvery: 30 * time.Second,
		KillGrace:      200 * time.Millisecond,
		Spawn:          rig.spawn,
		Now:            clock.Now,
	})
	return &poolRig{rig: rig, clock: clock, q: q, got: got, pool: p}
}

func waitEvent(t *testing.T, ch <-chan events.Event, kind string) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event within deadline", kind)
		}
	}
}

func waitAssignment(t *testing.T, f *fakeWorker) Assignment {
	t.Helper()
	select {
	case a, ok := <-f.assignments:
		if !ok {
			t.Fatal("assignment channel closed")
		}
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("no assignment within deadline")
	}
	return Assignment{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSpawnRespectsMax(t *testing.T) {
	r := newPoolRig(t, 2)
	if n := r.pool.Spawn(5); n != 2 {
		t.Errorf("Spawn(5) = %d, want 2", n)
	}
	alive, total := r.pool.Counts()
	if alive != 2 || total != 2 {
		t.Errorf("Counts() = (%d, %d), want (2, 2)", alive, total)
	}
}

func TestAssignSendsHighestPriority(t *testing.T) {
	r := newPoolRig(t, 1)
	r.pool.Spawn(1)

	low := queue.NewTask(queue.TypeConsciousness, "reflect", 0, 600, 1800)
	high := queue.NewTask(queue.TypeUserRequest, "fix the bug", 1, 600, 1800)
	r.q.Enqueue(low)
	r.q.Enqueue(high)

	if n := r.pool.Assign(); n != 1 {
		t.Fatalf("Assign() = %d, want 1", n)
	}
	a := waitAssignment(t, r.rig.worker(0))
	if a.Type != AssignTask {
		t.Fatalf("assignment type = %q, want %q", a.Type, AssignTask)
	}
	if a.Task.ID != high.ID {
		t.Errorf("assigned task type %q, want the user request first", a.Task.Type)
	}
	if r.q.Running(high.ID) == nil {
		t.Error("assigned task not marked running")
	}
	pending, running := r.q.Counts()
	if pending != 1 || running != 1 {
		t.Errorf("queue counts = (%d, %d), want (1, 1)", pending, running)
	}

	// The only worker is busy now.
	if n := r.pool.Assign(); n != 0 {
		t.Errorf("second Assign() = %d, want 0", n)
	}
}

func TestAssignRejectsDeepChildren(t *testing.T) {
	r := newPoolRig(t, 1)
	r.pool.Spawn(1)

	tk := queue.NewTask(queue.TypeUserRequest, "spawn more subtasks", 1, 600, 1800)
	tk.Depth = queue.MaxDepth + 1
	r.q.Enqueue(tk)

	if n := r.pool.Assign(); n != 0 {
		t.Fatalf("Assign() = %d, want 0", n)
	}
	e := waitEvent(t, r.got, events.KindTaskFailed)
	if e.Reason != "depth_exceeded" {
		t.Errorf("Reason = %q, want depth_exceeded", e.Reason)
	}
	if e.TaskID != tk.ID {
		t.Errorf("TaskID = %q, want %q", e.TaskID, tk.ID)
	}
}

func TestPumpForwardsEventsWithWorkerID(t *testing.T) {
	r := newPoolRig(t, 1)
	r.pool.Spawn(1)

	ev := events.New(events.KindProgress)
	ev.Text = "working on it"
	r.rig.worker(0).emit(t, ev)

	got := waitEvent(t, r.got, events.KindProgress)
	if got.WorkerID != "w1" {
		t.Errorf("WorkerID = %q, want w1", got.WorkerID)
	}
	if got.Text != "working on it" {
		t.Errorf("Text = %q", got.Text)
	}
}

func TestEnsureHealthyReapsStaleWorker(t *testing.T) {
	r := newPoolRig(t, 1)
	r.pool.Spawn(1)

	tk := queue.NewTask(queue.TypeUserRequest, "long job", 1, 600, 1800)
	r.q.Enqueue(tk)
	r.pool.Assign()
	waitAssignment(t, r.rig.worker(0))

	// No stdout lines for more than twice the heartbeat interval.
	r.clock.Advance(61 * time.Second)
	r.pool.EnsureHealthy()

	e := waitEvent(t, r.got, events.KindTaskFailed)
	if e.Reason != "worker_died" {
		t.Errorf("Reason = %q, want worker_died", e.Reason)
	}
	if e.TaskID != tk.ID {
		t.Errorf("TaskID = %q, want %q", e.TaskID, tk.ID)
	}
	if r.rig.spawned() != 2 {
		t.Errorf("spawn calls = %d, want 2 (replacement started)", r.rig.spawned())
	}
	if _, total := r.pool.Counts(); total != 1 {
		t.Errorf("total workers = %d, want 1", total)
	}
}

func TestEnsureHealthyReapsExitedWorker(t *testing.T) {
	r := newPoolRig(t, 1)
	r.pool.Spawn(1)

	r.rig.worker(0).exit()
	waitFor(t, "pump to notice exit", func() bool {
		alive, _ := r.pool.Counts()
		return alive == 0
	})

	r.pool.EnsureHealthy()
	if r.rig.spawned() != 2 {
		t.Errorf("spawn calls = %d, want 2", r.rig.spawned())
	}
	alive, total := r.pool.Counts()
	if alive != 1 || total != 1 {
		t.Errorf("Counts() = (%d, %d), want (1, 1)", alive, total)
	}
}

func TestCrashCeilingHaltsPool(t *testing.T) {
	r := newPoolRig(t, 1)
	r.pool.Spawn(1)

	for i := 0; i < 4; i++ {
		r.rig.worker(i).exit()
		waitFor(t, "pump to notice exit", func() bool {
			alive, _ := r.pool.Counts()
			return alive == 0
		})
		r.clock.Advance(10 * time.Second)
		r.pool.EnsureHealthy()
	}

	halted, reason := r.pool.Halted()
	if !halted {
		t.Fatal("pool not halted after 4 crashes inside the window")
	}
	if reason == "" {
		t.Error("halt reason empty")
	}

	// Halted pool neither respawns nor assigns.
	spawns := r.rig.spawned()
	r.pool.EnsureHealthy()
	if r.rig.spawned() != spawns {
		t.Error("respawned while halted")
	}
	r.q.Enqueue(queue.NewTask(queue.TypeUserRequest, "more work", 1, 60, 120))
	if n := r.pool.Assign(); n != 0 {
		t.Errorf("Assign() = %d while halted, want 0", n)
	}
}

func TestCrashOutsideWindowDoesNotHalt(t *testing.T) {
	r := newPoolRig(t, 1)
	r.pool.Spawn(1)

	for i := 0; i < 4; i++ {
		r.rig.worker(i).exit()
		waitFor(t, "pump to notice exit", func() bool {
			alive, _ := r.pool.Counts()
			return alive == 0
		})
		// Crashes spaced wider than the 120s window never accumulate.
		r.clock.Advance(121 * time.Second)
		r.pool.EnsureHealthy()
	}

	if halted, _ := r.pool.Halted(); halted {
		t.Error("pool halted although crashes were outside the window")
	}
}

func TestKillAllGraceful(t *testing.T) {
	r := newPoolRig(t, 2)
	r.pool.Spawn(2)

	done := make(chan struct{})
	go func() {
		r.pool.KillAll(false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("KillAll did not return")
	}

	if _, total := r.pool.Counts(); total != 0 {
		t.Errorf("total workers = %d after KillAll, want 0", total)
	}
	a := waitAssignment(t, r.rig.worker(0))
	if a.Type != AssignShutdown {
		t.Errorf("first assignment = %q, want %q", a.Type, AssignShutdown)
	}
}

func TestPropagateInterruptsOnce(t *testing.T) {
	r := newPoolRig(t, 1)
	r.pool.Spawn(1)

	tk := queue.NewTask(queue.TypeUserRequest, "long job", 1, 600, 1800)
	r.q.Enqueue(tk)
	r.pool.Assign()
	f := r.rig.worker(0)
	if a := waitAssignment(t, f); a.Type != AssignTask {
		t.Fatalf("first assignment = %q, want task", a.Type)
	}

	if !r.q.Cancel(tk.ID, "owner_cancel") {
		t.Fatal("Cancel() did not find the running task")
	}
	r.pool.PropagateInterrupts()
	a := waitAssignment(t, f)
	if a.Type != AssignInterrupt || a.TaskID != tk.ID {
		t.Fatalf("assignment = %+v, want interrupt for %s", a, tk.ID)
	}

	// Repeat calls must not resend.
	r.pool.PropagateInterrupts()
	r.pool.KillAll(true)
	resent := 0
	for a := range f.assignments {
		if a.Type == AssignInterrupt {
			resent++
		}
	}
	if resent != 0 {
		t.Errorf("interrupt resent %d times", resent)
	}
}

func TestTaskDoneFreesWorker(t *testing.T) {
	r := newPoolRig(t, 1)
	r.pool.Spawn(1)

	first := queue.NewTask(queue.TypeUserRequest, "first", 1, 60, 120)
	r.q.Enqueue(first)
	r.pool.Assign()
	waitAssignment(t, r.rig.worker(0))

	r.q.Finish(first.ID)
	r.pool.TaskDone(first.ID)

	second := queue.NewTask(queue.TypeUserRequest, "second", 1, 60, 120)
	r.q.Enqueue(second)
	if n := r.pool.Assign(); n != 1 {
		t.Errorf("Assign() after TaskDone = %d, want 1", n)
	}
}

func TestAutoResumeAfterRestart(t *testing.T) {
	r := newPoolRig(t, 1)

	// One task still in the running set, one restored from a snapshot
	// with stale assignment markers.
	running := queue.NewTask(queue.TypeUserRequest, "was running", 1, 60, 120)
	r.q.Enqueue(running)
	popped := r.q.PopPending()
	r.q.MarkRunning(popped, "w9")

	stale := queue.NewTask(queue.TypeEvolution, "restored", 0, 60, 120)
	stale.WorkerID = "w3"
	stale.StartedAt = time.Now().UTC()
	r.q.Enqueue(stale)

	if n := r.pool.AutoResumeAfterRestart(); n != 2 {
		t.Fatalf("AutoResumeAfterRestart() = %d, want 2", n)
	}
	pending, runningCount := r.q.Counts()
	if pending != 2 || runningCount != 0 {
		t.Errorf("queue counts = (%d, %d), want (2, 0)", pending, runningCount)
	}
	for tk := r.q.PopPending(); tk != nil; tk = r.q.PopPending() {
		if tk.WorkerID != "" || !tk.StartedAt.IsZero() || tk.InterruptRequested {
			t.Errorf("task %s still carries assignment markers", tk.ID)
		}
	}
}
