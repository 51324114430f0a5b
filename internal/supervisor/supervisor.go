// Package supervisor owns the host process: it boots the repo, the
// worker pool, and the queue, then drives the single-threaded tick that
// routes events, enforces timeouts, schedules work, and answers the
// owner. Restarts are signalled to the launcher parent through
// distinguished exit codes.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/bus"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/config"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/events"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/queue"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/repo"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/schedule"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/state"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/workers"
)

const (
	defaultUpdateWait = time.Second
	defaultTickPause  = 500 * time.Millisecond

	maxCrashRetries = 3
	maxCrashBackoff = 30 * time.Second

	// Progress forwards are throttled so a chatty worker cannot flood
	// the owner chat; everything still lands in progress.jsonl.
	progressEvery = 2 * time.Second
	progressBurst = 4
	progressClip  = 500

	// localChatID is the web UI's fixed chat id. Crash notices go there
	// through the raw bridge because the budget path itself may be what
	// is broken.
	localChatID int64 = 1
)

// RepoControl is the slice of the repo manager the supervisor drives.
type RepoControl interface {
	EnsurePresent(ctx context.Context) error
	SafeRestart(ctx context.Context, reason, policy string) (bool, string)
	Head(ctx context.Context) (branch, sha string)
}

// Mind is the background consciousness surface the tick steers.
type Mind interface {
	Start() string
	Stop() string
	IsRunning() bool
	Pause()
	Resume()
	InjectObservation(text string)
}

// ChatRunner is the resident chat agent as the tick sees it.
type ChatRunner interface {
	Busy() bool
	Inject(text string)
	Run(ctx context.Context, chatID int64, text string)
}

// Config wires a Supervisor. Settings returns the live document; the
// hot-reload watcher swaps what it returns.
type Config struct {
	Settings func() *config.Settings

	Store  *state.Store
	Queue  *queue.Queue
	Pool   *workers.Pool
	Repo   RepoControl
	Inbox  *events.Inbox
	Bridge *bus.Bridge
	Sender *bus.Sender
	Mind   Mind
	Sched  *schedule.Scheduler
	Chat   ChatRunner

	// UpdateWait bounds the inbox poll; TickPause is the idle sleep
	// between iterations. Zero values use the defaults.
	UpdateWait time.Duration
	TickPause  time.Duration
	Now        func() time.Time
}

// Supervisor runs the main loop. All queue, pool, and state mutations
// happen on the tick goroutine; the only exceptions are the chat agent
// and consciousness driver, which feed back through the event inbox.
type Supervisor struct {
	settings func() *config.Settings

	store  *state.Store
	queue  *queue.Queue
	pool   *workers.Pool
	repo   RepoControl
	inbox  *events.Inbox
	bridge *bus.Bridge
	sender *bus.Sender
	mind   Mind
	sched  *schedule.Scheduler
	chat   ChatRunner

	dispatch *events.Dispatcher
	progress *rate.Limiter

	updateWait time.Duration
	tickPause  time.Duration
	now        func() time.Time

	// Tick-goroutine state.
	offset  int64
	crashes int
	runCtx  context.Context

	startedAt time.Time
	ready     atomic.Bool

	errMu   sync.Mutex
	lastErr string

	exitOnce sync.Once
	exit     chan struct{}
	exitCode int
}

// New builds a Supervisor over already-constructed components.
func New(cfg Config) *Supervisor {
	if cfg.UpdateWait <= 0 {
		cfg.UpdateWait = defaultUpdateWait
	}
	if cfg.TickPause <= 0 {
		cfg.TickPause = defaultTickPause
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	s := &Supervisor{
		settings:   cfg.Settings,
		store:      cfg.Store,
		queue:      cfg.Queue,
		pool:       cfg.Pool,
		repo:       cfg.Repo,
		inbox:      cfg.Inbox,
		bridge:     cfg.Bridge,
		sender:     cfg.Sender,
		mind:       cfg.Mind,
		sched:      cfg.Sched,
		chat:       cfg.Chat,
		progress:   rate.NewLimiter(rate.Every(progressEvery), progressBurst),
		updateWait: cfg.UpdateWait,
		tickPause:  cfg.TickPause,
		now:        cfg.Now,
		runCtx:     context.Background(),
		startedAt:  cfg.Now(),
		exit:       make(chan struct{}),
	}
	s.dispatch = s.newDispatcher()
	return s
}

// Run boots the host and drives the tick loop until ctx is cancelled or
// an exit is requested. The returned value is the process exit code: 0
// for a clean shutdown, RestartExitCode when the launcher parent should
// respawn, PanicExitCode after /panic.
func (s *Supervisor) Run(ctx context.Context) int {
	s.runCtx = ctx
	s.startedAt = s.now()

	if err := s.boot(ctx); err != nil {
		s.setErr("init failed: " + err.Error())
		slog.Error("supervisor init failed", "error", err)
		s.bridge.SendMessage(localChatID, "⚠️ Supervisor failed to start: "+err.Error(), false)
		s.ready.Store(true)
		<-ctx.Done()
		return 0
	}
	s.ready.Store(true)
	slog.Info("supervisor ready")

	for {
		select {
		case <-ctx.Done():
			return 0
		case <-s.exit:
			return s.exitCode
		default:
		}

		err := s.safeTick(ctx)
		select {
		case <-s.exit:
			return s.exitCode
		default:
		}
		if err == nil {
			s.crashes = 0
			sleepCtx(ctx, s.tickPause)
			continue
		}

		halt, backoff := s.noteCrash(err)
		if halt {
			break
		}
		sleepCtx(ctx, backoff)
	}

	// Halted: the HTTP host stays up so the owner can inspect state;
	// only a process restart brings the loop back.
	select {
	case <-ctx.Done():
		return 0
	case <-s.exit:
		return s.exitCode
	}
}

// boot mirrors the restart protocol in reverse: clean tree, fresh
// workers, restored queue.
func (s *Supervisor) boot(ctx context.Context) error {
	if err := s.repo.EnsurePresent(ctx); err != nil {
		return err
	}
	if ok, msg := s.repo.SafeRestart(ctx, "bootstrap", repo.PolicyRescueAndReset); !ok {
		slog.Error("bootstrap checkout failed", "error", msg)
	}
	s.refreshHead(ctx)

	s.pool.KillAll(true)
	s.pool.Spawn(max(1, s.settings().MaxWorkers))

	restored, err := s.queue.Restore()
	if err != nil {
		slog.Warn("queue restore failed", "error", err)
	}
	if err := s.queue.Snapshot(); err != nil {
		slog.Warn("queue snapshot failed", "error", err)
	}
	if restored > 0 {
		if chat := s.ownerChat(); chat != 0 {
			s.sender.Send(chat, fmt.Sprintf("♻️ Restored pending queue from snapshot: %d tasks.", restored))
		}
	}
	s.pool.AutoResumeAfterRestart()

	if st, err := s.store.Load(); err == nil && st.BackgroundEnabled && s.mind != nil {
		slog.Info("background consciousness resumed", "result", s.mind.Start())
	}
	return nil
}

// tick is one supervisor iteration. The order is load-bearing: events
// drain before timeouts are enforced, so a task that completed this
// tick is never seen as timed out; assignment precedes the snapshot so
// the file reflects what is actually still pending.
func (s *Supervisor) tick(ctx context.Context) error {
	if err := s.store.RotateIfOversized(state.JournalChat); err != nil {
		slog.Warn("chat log rotation failed", "error", err)
	}
	s.pool.EnsureHealthy()

	for _, e := range s.inbox.Drain() {
		if e.Kind == events.KindRestartRequest {
			s.agentRestart(ctx, e)
			continue
		}
		s.dispatch.Dispatch(e)
	}

	s.queue.EnforceTimeouts(s.pool.KillWorker)
	s.pool.PropagateInterrupts()

	st, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	set := s.settings()

	if s.queue.EnqueueEvolutionIfNeeded(st.EvolutionModeEnabled, st.SpentUSD, st.EvolutionCostMarker,
		set.EvoCostThreshold, set.SoftTimeoutSec, set.HardTimeoutSec) {
		if _, err := s.store.Mutate(func(st *state.State) {
			st.EvolutionCostMarker = st.SpentUSD
			st.EvolutionCycle++
		}); err != nil {
			slog.Warn("evolution marker update failed", "error", err)
		}
	}

	if s.sched != nil {
		for _, job := range s.sched.Due() {
			t := queue.NewTask(queue.TypeScheduled, job.Prompt, st.OwnerChat(), set.SoftTimeoutSec, set.HardTimeoutSec)
			if job.Priority > 0 {
				t.Priority = job.Priority
			}
			s.queue.Enqueue(t)
		}
	}

	s.pool.Assign()
	if err := s.queue.Snapshot(); err != nil {
		slog.Warn("queue snapshot failed", "error", err)
	}

	for _, u := range s.bridge.GetUpdates(s.offset, s.updateWait) {
		s.offset = u.UpdateID + 1
		if u.Message == nil {
			continue
		}
		s.handleMessage(ctx, u.Message.Chat.ID, u.Message.From.ID, u.Message.Text)
	}
	return nil
}

// safeTick converts a panic anywhere in the tick into an error, so a
// bug in one subsystem degrades to the crash counter instead of taking
// the process down.
func (s *Supervisor) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()
	return s.tick(ctx)
}

// noteCrash records one tick failure: sticky error, owner notice, halt
// verdict after the retry ceiling. Returns whether the loop must halt
// and otherwise the back-off before the next attempt.
func (s *Supervisor) noteCrash(err error) (halt bool, backoff time.Duration) {
	s.crashes++
	s.setErr(err.Error())
	slog.Error("supervisor tick crashed", "attempt", s.crashes, "error", err)
	s.bridge.SendMessage(localChatID,
		fmt.Sprintf("⚠️ Supervisor error (attempt %d/%d): %v", s.crashes, maxCrashRetries, err), false)
	if s.crashes >= maxCrashRetries {
		slog.Error("supervisor halted after repeated crashes", "crashes", s.crashes)
		s.bridge.SendMessage(localChatID,
			fmt.Sprintf("🛑 Supervisor stopped after %d crashes. Please restart the app.", maxCrashRetries), false)
		return true, 0
	}
	return false, backoffAfter(s.crashes)
}

func backoffAfter(crashes int) time.Duration {
	d := time.Duration(1<<min(crashes, 5)) * time.Second
	return min(d, maxCrashBackoff)
}

// finishRestart is the tail of the restart protocol: stop workers, put
// their tasks back in line, rotate the session, and persist both
// documents so the next process starts from exactly this point.
func (s *Supervisor) finishRestart(force bool) {
	s.pool.KillAll(force)
	s.queue.RequeueRunning()
	if _, err := s.store.RotateSession(); err != nil {
		slog.Warn("session rotation failed", "error", err)
	}
	if err := s.queue.Snapshot(); err != nil {
		slog.Warn("queue snapshot failed", "error", err)
	}
}

// requestExit arms the exit code once; the Run loop returns it after
// the current tick.
func (s *Supervisor) requestExit(code int) {
	s.exitOnce.Do(func() {
		s.exitCode = code
		close(s.exit)
	})
}

// Ready reports whether initialization has finished (even when it failed;
// LastError carries the failure).
func (s *Supervisor) Ready() bool { return s.ready.Load() }

// LastError returns the sticky initialization or tick error, if any.
func (s *Supervisor) LastError() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

func (s *Supervisor) setErr(msg string) {
	s.errMu.Lock()
	s.lastErr = msg
	s.errMu.Unlock()
}

// refreshHead mirrors the working tree's branch and commit into state.
func (s *Supervisor) refreshHead(ctx context.Context) {
	branch, sha := s.repo.Head(ctx)
	if branch == "" && sha == "" {
		return
	}
	if _, err := s.store.Mutate(func(st *state.State) {
		st.CurrentBranch = branch
		st.CurrentSHA = sha
	}); err != nil {
		slog.Warn("head refresh failed", "error", err)
	}
}

// ownerChat returns the recorded owner chat id, or 0 before first contact.
func (s *Supervisor) ownerChat() int64 {
	st, err := s.store.Load()
	if err != nil {
		return 0
	}
	return st.OwnerChat()
}

// deliveryChat resolves where an event's text goes: the task's chat,
// then the owner, then the local UI.
func (s *Supervisor) deliveryChat(e events.Event) int64 {
	if e.ChatID != 0 {
		return e.ChatID
	}
	if chat := s.ownerChat(); chat != 0 {
		return chat
	}
	return localChatID
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// clipRunes truncates to n runes without splitting a code point.
func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
