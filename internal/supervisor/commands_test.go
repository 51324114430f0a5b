package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/config"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/queue"
)

func (r *rig) exitArmed(t *testing.T) (int, bool) {
	t.Helper()
	select {
	case <-r.sup.exit:
		return r.sup.exitCode, true
	default:
		return 0, false
	}
}

func TestHandleMessageClaimsOwnerAndRunsChat(t *testing.T) {
	r := newRig(t)
	r.sup.handleMessage(context.Background(), 7, 9, "hello there")

	st, err := r.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.OwnerChat() != 7 {
		t.Errorf("owner chat = %d, want 7", st.OwnerChat())
	}
	if st.LastOwnerMessageAt == "" {
		t.Error("LastOwnerMessageAt not set")
	}

	select {
	case got := <-r.chat.runs:
		if got != "hello there" {
			t.Errorf("chat run text = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chat turn never started")
	}
	waitFor(t, "mind resume", func() bool { return r.mind.resumeCount() == 1 })

	data, err := os.ReadFile(filepath.Join(r.dir, "logs", "chat.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello there") {
		t.Error("inbound message missing from chat journal")
	}

	r.mind.mu.Lock()
	obs := append([]string(nil), r.mind.observations...)
	r.mind.mu.Unlock()
	if len(obs) != 1 || !strings.Contains(obs[0], "Owner message: hello there") {
		t.Errorf("observations = %v", obs)
	}
}

func TestHandleMessageIgnoresBlankText(t *testing.T) {
	r := newRig(t)
	r.sup.handleMessage(context.Background(), 1, 1, "   ")
	select {
	case got := <-r.chat.runs:
		t.Fatalf("chat ran on blank input %q", got)
	case <-time.After(50 * time.Millisecond):
	}
	r.noText(t)
}

func TestBusyChatGetsInjection(t *testing.T) {
	r := newRig(t)
	r.chat.busy = true
	r.sup.handleMessage(context.Background(), 1, 1, "also this")

	r.chat.mu.Lock()
	injected := append([]string(nil), r.chat.injected...)
	r.chat.mu.Unlock()
	if len(injected) != 1 || injected[0] != "also this" {
		t.Errorf("injected = %v", injected)
	}
	r.mind.mu.Lock()
	pauses := r.mind.pauses
	r.mind.mu.Unlock()
	if pauses != 0 {
		t.Errorf("mind paused %d times for an injection", pauses)
	}
}

func TestPanicCommand(t *testing.T) {
	r := newRig(t)
	r.claimOwner(t)
	before, err := r.store.Load()
	if err != nil {
		t.Fatal(err)
	}

	task := queue.NewTask(queue.TypeUserRequest, "in flight", 1, 600, 1800)
	r.q.Enqueue(task)
	r.q.PopPending()
	r.q.MarkRunning(task, "w1")

	r.sup.handleMessage(context.Background(), 1, 1, "/panic")

	if got := r.nextText(t); !strings.Contains(got, "PANIC: stopping everything now.") {
		t.Errorf("panic notice = %q", got)
	}
	code, armed := r.exitArmed(t)
	if !armed || code != config.PanicExitCode {
		t.Errorf("exit = (%d, %v), want (%d, true)", code, armed, config.PanicExitCode)
	}

	after, err := r.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if after.SessionID == before.SessionID {
		t.Error("session not rotated")
	}

	pending := r.q.PendingTasks()
	if len(pending) != 1 || pending[0].ID != task.ID {
		t.Errorf("running task not requeued, pending = %v", pending)
	}
}

func TestRestartCommand(t *testing.T) {
	t.Run("clean tree restarts", func(t *testing.T) {
		r := newRig(t)
		r.claimOwner(t)
		r.sup.handleMessage(context.Background(), 1, 1, "/restart")

		if got := r.nextText(t); !strings.Contains(got, "Restarting (soft).") {
			t.Errorf("restart notice = %q", got)
		}
		code, armed := r.exitArmed(t)
		if !armed || code != config.RestartExitCode {
			t.Errorf("exit = (%d, %v), want (%d, true)", code, armed, config.RestartExitCode)
		}
		reasons := r.repo.restartReasons()
		if len(reasons) != 1 || reasons[0] != "owner_restart" {
			t.Errorf("restart reasons = %v", reasons)
		}
	})

	t.Run("dirty tree refuses", func(t *testing.T) {
		r := newRig(t)
		r.claimOwner(t)
		r.repo.refuse = "unsynced work on ouroboros"
		r.sup.handleMessage(context.Background(), 1, 1, "/restart")

		r.nextText(t) // "Restarting (soft)."
		if got := r.nextText(t); !strings.Contains(got, "Restart cancelled: unsynced work on ouroboros") {
			t.Errorf("refusal = %q", got)
		}
		if _, armed := r.exitArmed(t); armed {
			t.Error("exit armed despite refusal")
		}
	})
}

func TestReviewCommandQueuesSilently(t *testing.T) {
	r := newRig(t)
	r.claimOwner(t)
	r.sup.handleMessage(context.Background(), 1, 1, "/review")

	pending := r.q.PendingTasks()
	if len(pending) != 1 || pending[0].Type != queue.TypeReview {
		t.Fatalf("pending = %+v, want one review task", pending)
	}
	if !strings.Contains(pending[0].Prompt, "owner:/review") {
		t.Errorf("review prompt = %q, want the reason embedded", pending[0].Prompt)
	}
	r.noText(t)
}

func TestEvolveCommand(t *testing.T) {
	t.Run("bare turns on", func(t *testing.T) {
		r := newRig(t)
		r.claimOwner(t)
		r.sup.handleMessage(context.Background(), 1, 1, "/evolve")

		st, _ := r.store.Load()
		if !st.EvolutionModeEnabled {
			t.Error("evolution not enabled")
		}
		if got := r.nextText(t); !strings.Contains(got, "Evolution: ON") {
			t.Errorf("ack = %q", got)
		}
	})

	for _, arg := range []string{"off", "stop", "0"} {
		t.Run("turns off with "+arg, func(t *testing.T) {
			r := newRig(t)
			r.claimOwner(t)
			r.q.Enqueue(queue.NewTask(queue.TypeEvolution, "improve", 0, 600, 1800))
			r.sup.handleMessage(context.Background(), 1, 1, "/evolve "+arg)

			st, _ := r.store.Load()
			if st.EvolutionModeEnabled {
				t.Error("evolution still enabled")
			}
			if got := len(r.q.PendingTasks()); got != 0 {
				t.Errorf("pending evolution tasks = %d, want 0", got)
			}
			if got := r.nextText(t); !strings.Contains(got, "Evolution: OFF") {
				t.Errorf("ack = %q", got)
			}
		})
	}
}

func TestBackgroundCommand(t *testing.T) {
	r := newRig(t)
	r.claimOwner(t)

	r.sup.handleMessage(context.Background(), 1, 1, "/bg on")
	if !r.mind.IsRunning() {
		t.Error("mind not running after /bg on")
	}
	st, _ := r.store.Load()
	if !st.BackgroundEnabled {
		t.Error("background flag not persisted")
	}
	if got := r.nextText(t); !strings.Contains(got, "Background consciousness started") {
		t.Errorf("ack = %q", got)
	}

	r.sup.handleMessage(context.Background(), 1, 1, "/bg")
	if got := r.nextText(t); !strings.Contains(got, "Background consciousness: running") {
		t.Errorf("status = %q", got)
	}

	r.sup.handleMessage(context.Background(), 1, 1, "/bg off")
	if r.mind.IsRunning() {
		t.Error("mind still running after /bg off")
	}
	st, _ = r.store.Load()
	if st.BackgroundEnabled {
		t.Error("background flag still set")
	}
	if got := r.nextText(t); !strings.Contains(got, "Background consciousness stopped") {
		t.Errorf("ack = %q", got)
	}

	r.sup.handleMessage(context.Background(), 1, 1, "/bg status")
	if got := r.nextText(t); !strings.Contains(got, "Background consciousness: stopped") {
		t.Errorf("status = %q", got)
	}
}

func TestStatusCommand(t *testing.T) {
	r := newRig(t)
	r.claimOwner(t)
	r.sup.handleMessage(context.Background(), 1, 1, "/status")

	got := r.nextText(t)
	if !strings.HasPrefix(got, "📊 Status") {
		t.Errorf("status = %q, want 📊 Status header", got)
	}
	for _, want := range []string{
		"Workers: 0/0 alive",
		"Queue: 0 pending, 0 running",
		"Evolution: OFF (cycle 0)",
		"Background consciousness: stopped",
		"Timeouts: soft 600s / hard 1800s",
		"Session: ",
		"Budget: $0.0000 / $10.00",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("status missing %q in:\n%s", want, got)
		}
	}
}

func TestStatusListsRunningTasks(t *testing.T) {
	r := newRig(t)
	task := queue.NewTask(queue.TypeEvolution, "improve", 0, 600, 1800)
	r.q.Enqueue(task)
	r.q.PopPending()
	r.q.MarkRunning(task, "w1")

	got := r.sup.statusText()
	if !strings.Contains(got, "Queue: 0 pending, 1 running") {
		t.Errorf("counts wrong in:\n%s", got)
	}
	if !strings.Contains(got, "▶ "+shortID(task.ID)+" evolution") {
		t.Errorf("running task line missing in:\n%s", got)
	}
	if strings.HasSuffix(got, "\n") {
		t.Error("status text ends with a newline")
	}
}
