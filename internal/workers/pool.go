package workers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/events"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/queue"
)

const (
	defaultHeartbeatEvery = 30 * time.Second
	defaultKillGrace      = 2 * time.Second
	defaultCrashWindow    = 120 * time.Second
	defaultCrashLimit     = 3

	// maxEventLine bounds one stdout event line; longer lines are a
	// worker bug and terminate its pump.
	maxEventLine = 1 << 20
)

// Child is a spawned worker process as the pool sees it. Tests
// fabricate one over in-memory pipes; production children wrap a real
// exec.Cmd.
type Child struct {
	Cmd    *exec.Cmd // nil for pipe-backed fakes
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
}

// SpawnFunc launches one worker process with the given id.
type SpawnFunc func(id string) (*Child, error)

// DefaultSpawn re-executes the current binary as `worker`, pointing it
// at the same home directory.
func DefaultSpawn(home string) SpawnFunc {
	return func(id string) (*Child, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("workers: resolve executable: %w", err)
		}
		cmd := exec.Command(exe, "worker", "--id", id, "--home", home)
		cmd.Stderr = os.Stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("workers: stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("workers: stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("workers: start worker: %w", err)
		}
		return &Child{Cmd: cmd, Stdin: stdin, Stdout: stdout}, nil
	}
}

// workerProc is the pool's bookkeeping for one live worker.
type workerProc struct {
	id    string
	cmd   *exec.Cmd
	stdin io.WriteCloser

	encMu sync.Mutex
	enc   *json.Encoder

	lastBeat atomic.Int64 // unix nanos of the last stdout line
	exited   atomic.Bool

	// Guarded by the pool mutex.
	taskID        string
	interruptSent string // task id already told to wrap up
}

func (w *workerProc) send(a Assignment) error {
	w.encMu.Lock()
	defer w.encMu.Unlock()
	return w.enc.Encode(a)
}

// Options tunes a Pool; zero values use the defaults above.
type Options struct {
	MaxWorkers     int
	HeartbeatEvery time.Duration
	KillGrace      time.Duration
	CrashWindow    time.Duration
	CrashLimit     int
	Spawn          SpawnFunc
	Now            func() time.Time
}

// Pool owns the worker processes: spawn, health, assignment, kill.
// All methods are called from the supervisor tick, so the pool never
// blocks for longer than the kill grace.
type Pool struct {
	mu      sync.Mutex
	workers map[string]*workerProc
	nextID  int

	queue *queue.Queue
	emit  events.Handler
	spawn SpawnFunc
	now   func() time.Time

	max            int
	heartbeatEvery time.Duration
	killGrace      time.Duration
	crashWindow    time.Duration
	crashLimit     int

	crashes    []time.Time
	halted     bool
	haltReason string
}

// NewPool builds a pool over the task queue. Events (task failures,
// worker stdout) flow through emit.
func NewPool(q *queue.Queue, emit events.Handler, opts Options) *Pool {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = defaultHeartbeatEvery
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.CrashWindow <= 0 {
		opts.CrashWindow = defaultCrashWindow
	}
	if opts.CrashLimit <= 0 {
		opts.CrashLimit = defaultCrashLimit
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if emit == nil {
		emit = func(events.Event) {}
	}
	return &Pool{
		workers:        make(map[string]*workerProc),
		queue:          q,
		emit:           emit,
		spawn:          opts.Spawn,
		now:            opts.Now,
		max:            opts.MaxWorkers,
		heartbeatEvery: opts.HeartbeatEvery,
		killGrace:      opts.KillGrace,
		crashWindow:    opts.CrashWindow,
		crashLimit:     opts.CrashLimit,
	}
}

// Spawn starts up to n workers, never exceeding the configured
// maximum. Returns how many actually started.
func (p *Pool) Spawn(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spawnLocked(n)
}

func (p *Pool) spawnLocked(n int) int {
	started := 0
	for i := 0; i < n && len(p.workers) < p.max; i++ {
		p.nextID++
		id := fmt.Sprintf("w%d", p.nextID)
		child, err := p.spawn(id)
		if err != nil {
			slog.Error("worker spawn failed", "worker_id", id, "error", err)
			break
		}
		w := &workerProc{
			id:    id,
			cmd:   child.Cmd,
			stdin: child.Stdin,
			enc:   json.NewEncoder(child.Stdin),
		}
		w.lastBeat.Store(p.now().UnixNano())
		p.workers[id] = w
		go p.pump(w, child.Stdout)
		slog.Info("worker spawned", "worker_id", id)
		started++
	}
	return started
}

// pump forwards one worker's stdout events to the pool's emit handler.
// Any well-formed line counts as a liveness beat. Runs until stdout
// closes, then reaps the process handle.
func (p *Pool) pump(w *workerProc, stdout io.ReadCloser) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxEventLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e events.Event
		if err := json.Unmarshal(line, &e); err != nil {
			slog.Warn("worker event decode failed", "worker_id", w.id, "error", err)
			continue
		}
		if e.WorkerID == "" {
			e.WorkerID = w.id
		}
		w.lastBeat.Store(p.now().UnixNano())
		p.emit(e)
	}
	if err := sc.Err(); err != nil {
		slog.Warn("worker stdout closed", "worker_id", w.id, "error", err)
	}
	if w.cmd != nil {
		_ = w.cmd.Wait()
	}
	w.exited.Store(true)
}

// EnsureHealthy reaps workers whose process exited or whose last
// stdout line is older than twice the heartbeat interval, fails their
// running task with reason worker_died, and respawns up to the
// configured count. More crashes than the limit inside the rolling
// window halt the pool until the next restart.
func (p *Pool) EnsureHealthy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	stale := 2 * p.heartbeatEvery
	for id, w := range p.workers {
		dead := w.exited.Load()
		if !dead && now.Sub(time.Unix(0, w.lastBeat.Load())) > stale {
			dead = true
		}
		if !dead {
			continue
		}
		delete(p.workers, id)
		p.stopProc(w, true)
		p.crashes = append(p.crashes, now)
		slog.Warn("worker reaped", "worker_id", id, "task_id", w.taskID)

		if t := p.queue.RunningByWorker(id); t != nil {
			e := events.New(events.KindTaskFailed)
			e.TaskID = t.ID
			e.WorkerID = id
			e.Reason = "worker_died"
			p.emit(e)
		}
	}

	// Prune the crash window and check the ceiling.
	cutoff := now.Add(-p.crashWindow)
	kept := p.crashes[:0]
	for _, ts := range p.crashes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	p.crashes = kept
	if !p.halted && len(p.crashes) > p.crashLimit {
		p.halted = true
		p.haltReason = fmt.Sprintf("%d worker crashes in %s", len(p.crashes), p.crashWindow)
		slog.Error("worker pool halted", "reason", p.haltReason)
		e := events.New(events.KindLog)
		e.Text = "🛑 Worker pool halted: " + p.haltReason
		p.emit(e)
	}
	if p.halted {
		return
	}
	if missing := p.max - len(p.workers); missing > 0 {
		p.spawnLocked(missing)
	}
}

// Assign matches idle workers to pending tasks by priority. Children
// deeper than the fork-bomb ceiling are failed instead of assigned.
// Returns how many tasks were handed out.
func (p *Pool) Assign() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.halted {
		return 0
	}

	assigned := 0
	for _, w := range p.workers {
		if w.taskID != "" || w.exited.Load() {
			continue
		}
		t := p.nextAssignableLocked()
		if t == nil {
			break
		}
		if err := w.send(Assignment{Type: AssignTask, Task: t}); err != nil {
			slog.Error("assignment write failed", "worker_id", w.id, "task_id", t.ID, "error", err)
			w.exited.Store(true)
			p.queue.Enqueue(t)
			continue
		}
		p.queue.MarkRunning(t, w.id)
		w.taskID = t.ID
		w.interruptSent = ""
		slog.Info("task assigned", "task_id", t.ID, "worker_id", w.id, "type", t.Type)
		assigned++
	}
	return assigned
}

// nextAssignableLocked pops pending tasks until one passes the depth
// ceiling, failing the rejects.
func (p *Pool) nextAssignableLocked() *queue.Task {
	for {
		t := p.queue.PopPending()
		if t == nil {
			return nil
		}
		if t.Depth <= queue.MaxDepth {
			return t
		}
		slog.Warn("task rejected, depth ceiling", "task_id", t.ID, "depth", t.Depth)
		e := events.New(events.KindTaskFailed)
		e.TaskID = t.ID
		e.Reason = "depth_exceeded"
		p.emit(e)
	}
}

// PropagateInterrupts tells workers whose running task carries the
// interrupt flag to wrap up. Sent once per task.
func (p *Pool) PropagateInterrupts() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.taskID == "" || w.interruptSent == w.taskID {
			continue
		}
		t := p.queue.Running(w.taskID)
		if t == nil || !t.InterruptRequested {
			continue
		}
		if err := w.send(Assignment{Type: AssignInterrupt, TaskID: w.taskID}); err != nil {
			slog.Warn("interrupt write failed", "worker_id", w.id, "error", err)
			continue
		}
		w.interruptSent = w.taskID
	}
}

// TaskDone marks the worker that ran the task idle again. Called by
// the event dispatcher on terminal task events.
func (p *Pool) TaskDone(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.taskID == taskID {
			w.taskID = ""
			w.interruptSent = ""
			return
		}
	}
}

// KillWorker force-stops one worker (hard timeout path). The queue
// emits the task failure; EnsureHealthy respawns on the next tick.
func (p *Pool) KillWorker(id string) {
	p.mu.Lock()
	w, ok := p.workers[id]
	if ok {
		delete(p.workers, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	slog.Warn("worker killed", "worker_id", id, "task_id", w.taskID)
	p.stopProc(w, true)
}

// KillAll stops every worker. Graceful mode sends a shutdown line and
// SIGTERM, escalating to SIGKILL after the grace period; force kills
// immediately. Running tasks stay in the queue for the caller.
func (p *Pool) KillAll(force bool) {
	p.mu.Lock()
	procs := make([]*workerProc, 0, len(p.workers))
	for id, w := range p.workers {
		procs = append(procs, w)
		delete(p.workers, id)
	}
	p.mu.Unlock()
	if len(procs) == 0 {
		return
	}

	if force {
		for _, w := range procs {
			p.stopProc(w, true)
		}
		return
	}
	for _, w := range procs {
		_ = w.send(Assignment{Type: AssignShutdown})
		if w.cmd != nil && w.cmd.Process != nil {
			_ = w.cmd.Process.Signal(syscall.SIGTERM)
		}
		_ = w.stdin.Close()
	}
	deadline := time.Now().Add(p.killGrace)
	for time.Now().Before(deadline) {
		alive := false
		for _, w := range procs {
			if !w.exited.Load() {
				alive = true
				break
			}
		}
		if !alive {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	for _, w := range procs {
		if !w.exited.Load() {
			p.stopProc(w, true)
		}
	}
}

// stopProc tears one process down. Force goes straight to SIGKILL.
func (p *Pool) stopProc(w *workerProc, force bool) {
	_ = w.stdin.Close()
	if w.cmd == nil || w.cmd.Process == nil {
		return
	}
	if force {
		_ = w.cmd.Process.Kill()
		return
	}
	_ = w.cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		time.Sleep(p.killGrace)
		if !w.exited.Load() {
			_ = w.cmd.Process.Kill()
		}
	}()
}

// AutoResumeAfterRestart puts tasks that were running when the last
// process shut down back in line: the in-memory running set is
// requeued and stale assignment markers on restored pending tasks are
// cleared. Returns how many tasks were touched.
func (p *Pool) AutoResumeAfterRestart() int {
	n := p.queue.RequeueRunning()
	n += p.queue.ResetStaleAssignments()
	if n > 0 {
		slog.Info("resumed interrupted tasks", "count", n)
	}
	return n
}

// Halted reports whether the crash ceiling tripped, and why.
func (p *Pool) Halted() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted, p.haltReason
}

// Counts returns (alive, total) worker numbers for status surfaces.
func (p *Pool) Counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	alive := 0
	for _, w := range p.workers {
		if !w.exited.Load() {
			alive++
		}
	}
	return alive, len(p.workers)
}
