package workers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/agent"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/events"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/queue"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/tools"
)

// RuntimeConfig wires the worker-process side of the pool protocol.
type RuntimeConfig struct {
	ID   string
	In   io.Reader // assignments, one JSON object per line
	Out  io.Writer // events, one JSON object per line
	Loop *agent.Loop

	// NewTaskContext builds the per-task tool context; emit is the
	// runtime's stdout pipe and must be used for all task events.
	NewTaskContext func(t *queue.Task, emit events.Handler) *tools.TaskContext

	HeartbeatEvery time.Duration
}

// Runtime executes assignments one at a time inside a worker process:
// reads stdin, runs the agent loop, emits events and heartbeats on
// stdout. It exits when stdin closes or a shutdown line arrives.
type Runtime struct {
	id             string
	in             io.Reader
	loop           *agent.Loop
	newTaskContext func(t *queue.Task, emit events.Handler) *tools.TaskContext
	heartbeatEvery time.Duration

	outMu sync.Mutex
	enc   *json.Encoder

	curMu   sync.Mutex
	current string
}

// NewRuntime builds a Runtime.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = defaultHeartbeatEvery
	}
	return &Runtime{
		id:             cfg.ID,
		in:             cfg.In,
		loop:           cfg.Loop,
		newTaskContext: cfg.NewTaskContext,
		heartbeatEvery: cfg.HeartbeatEvery,
		enc:            json.NewEncoder(cfg.Out),
	}
}

// Run blocks until shutdown. Tasks run sequentially; interrupts for
// the running task are forwarded to the loop between its turns.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	taskCh := make(chan *queue.Task, 1)
	go r.readAssignments(cancel, taskCh)

	go func() {
		tick := time.NewTicker(r.heartbeatEvery)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				r.heartbeat()
			}
		}
	}()

	r.heartbeat() // announce liveness before the first assignment
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker shutting down", "worker_id", r.id)
			return nil
		case t := <-taskCh:
			r.runTask(ctx, t)
		}
	}
}

// readAssignments decodes stdin lines until EOF or a shutdown line,
// then cancels the runtime.
func (r *Runtime) readAssignments(cancel context.CancelFunc, taskCh chan<- *queue.Task) {
	defer cancel()
	sc := bufio.NewScanner(r.in)
	sc.Buffer(make([]byte, 64*1024), maxEventLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var a Assignment
		if err := json.Unmarshal(line, &a); err != nil {
			slog.Warn("assignment decode failed", "worker_id", r.id, "error", err)
			continue
		}
		switch a.Type {
		case AssignTask:
			if a.Task == nil {
				continue
			}
			select {
			case taskCh <- a.Task:
			default:
				// The pool assigns one task per idle worker; a second
				// arriving mid-run means supervisor state diverged.
				slog.Error("assignment dropped, already running", "task_id", a.Task.ID)
			}
		case AssignInterrupt:
			if cur := r.currentTask(); cur != "" && (a.TaskID == "" || a.TaskID == cur) {
				slog.Info("interrupt received", "task_id", cur)
				r.loop.Interrupt()
			}
		case AssignShutdown:
			return
		default:
			slog.Warn("unknown assignment type", "type", a.Type)
		}
	}
}

func (r *Runtime) runTask(ctx context.Context, t *queue.Task) {
	r.setCurrent(t.ID)
	defer r.setCurrent("")

	slog.Info("task started", "task_id", t.ID, "type", t.Type)
	tc := r.newTaskContext(t, r.emit)
	if _, err := r.loop.Run(ctx, t, tc, nil); err != nil {
		// The loop already emitted the failure event.
		slog.Error("task run failed", "task_id", t.ID, "error", err)
		return
	}
	slog.Info("task finished", "task_id", t.ID)
}

// emit writes one event line to stdout, stamping the worker id.
// Safe for concurrent use by the loop, tools, and the heartbeat.
func (r *Runtime) emit(e events.Event) {
	if e.WorkerID == "" {
		e.WorkerID = r.id
	}
	if e.TS == "" {
		e.TS = time.Now().UTC().Format(time.RFC3339)
	}
	r.outMu.Lock()
	defer r.outMu.Unlock()
	if err := r.enc.Encode(e); err != nil {
		slog.Error("event write failed", "worker_id", r.id, "error", err)
	}
}

func (r *Runtime) heartbeat() {
	e := events.New(events.KindHeartbeat)
	e.TaskID = r.currentTask()
	r.emit(e)
}

func (r *Runtime) setCurrent(id string) {
	r.curMu.Lock()
	r.current = id
	r.curMu.Unlock()
}

func (r *Runtime) currentTask() string {
	r.curMu.Lock()
	defer r.curMu.Unlock()
	return r.current
}
