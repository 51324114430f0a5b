package supervisor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/bus"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/config"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/queue"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/repo"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/state"
)

// handleMessage processes one inbound owner message: claim ownership on
// first contact, journal it, then route to a command or the chat agent.
func (s *Supervisor) handleMessage(ctx context.Context, chatID, userID int64, text string) {
	if _, err := s.store.Mutate(func(st *state.State) {
		st.SetOwner(userID, chatID)
		st.LastOwnerMessageAt = s.now().Format(time.RFC3339)
	}); err != nil {
		slog.Warn("owner record update failed", "error", err)
	}
	if err := s.store.LogChat("in", chatID, userID, text); err != nil {
		slog.Warn("chat journal append failed", "error", err)
	}

	lowered := strings.ToLower(strings.TrimSpace(text))
	if lowered == "" {
		return
	}
	switch {
	case strings.HasPrefix(lowered, "/panic"):
		s.cmdPanic(chatID)
	case strings.HasPrefix(lowered, "/restart"):
		s.cmdRestart(ctx, chatID)
	case strings.HasPrefix(lowered, "/review"):
		set := s.settings()
		s.queue.QueueReviewTask("owner:/review", true, set.SoftTimeoutSec, set.HardTimeoutSec)
	case strings.HasPrefix(lowered, "/evolve"):
		s.cmdEvolve(chatID, lowered)
	case strings.HasPrefix(lowered, "/bg"):
		s.cmdBackground(chatID, lowered)
	case strings.HasPrefix(lowered, "/status"):
		s.sender.SendWith(chatID, s.statusText(), bus.SendOpts{ForceBudget: true})
	default:
		s.handleChat(ctx, chatID, text)
	}
}

// cmdPanic is the hard stop: no tree rescue, workers killed outright,
// and an exit code the launcher counts as a crash.
func (s *Supervisor) cmdPanic(chatID int64) {
	s.sender.Send(chatID, "🛑 PANIC: stopping everything now.")
	s.finishRestart(true)
	s.requestExit(config.PanicExitCode)
}

func (s *Supervisor) cmdRestart(ctx context.Context, chatID int64) {
	s.sender.Send(chatID, "♻️ Restarting (soft).")
	ok, msg := s.repo.SafeRestart(ctx, "owner_restart", repo.PolicyRescueAndReset)
	if !ok {
		s.sender.Send(chatID, "⚠️ Restart cancelled: "+msg)
		return
	}
	s.finishRestart(false)
	s.requestExit(config.RestartExitCode)
}

// cmdEvolve flips the self-evolution flag. Turning it off also drops
// any evolution tasks already waiting in line.
func (s *Supervisor) cmdEvolve(chatID int64, lowered string) {
	action := "on"
	if f := strings.Fields(lowered); len(f) > 1 {
		action = f[1]
	}
	turnOn := action != "off" && action != "stop" && action != "0"
	if _, err := s.store.Mutate(func(st *state.State) {
		st.EvolutionModeEnabled = turnOn
	}); err != nil {
		slog.Warn("evolution flag update failed", "error", err)
	}
	if !turnOn {
		s.queue.DropPendingByType(queue.TypeEvolution, "evolve_off")
		if err := s.queue.Snapshot(); err != nil {
			slog.Warn("queue snapshot failed", "error", err)
		}
		s.sender.Send(chatID, "🧬 Evolution: OFF")
		return
	}
	s.sender.Send(chatID, "🧬 Evolution: ON")
}

func (s *Supervisor) cmdBackground(chatID int64, lowered string) {
	action := "status"
	if f := strings.Fields(lowered); len(f) > 1 {
		action = f[1]
	}
	switch action {
	case "start", "on", "1":
		result := s.mind.Start()
		s.setBackgroundEnabled(true)
		s.sender.Send(chatID, "🧠 "+result)
	case "stop", "off", "0":
		result := s.mind.Stop()
		s.setBackgroundEnabled(false)
		s.sender.Send(chatID, "🧠 "+result)
	default:
		if s.mind.IsRunning() {
			s.sender.Send(chatID, "🧠 Background consciousness: running")
		} else {
			s.sender.Send(chatID, "🧠 Background consciousness: stopped")
		}
	}
}

// setBackgroundEnabled persists the /bg toggle so a restart resumes it.
func (s *Supervisor) setBackgroundEnabled(v bool) {
	if _, err := s.store.Mutate(func(st *state.State) {
		st.BackgroundEnabled = v
	}); err != nil {
		slog.Warn("background flag update failed", "error", err)
	}
}

// handleChat hands a plain message to the resident chat agent. If a
// turn is already running the text is injected into it; otherwise the
// background mind pauses for the owner and a new turn starts.
func (s *Supervisor) handleChat(ctx context.Context, chatID int64, text string) {
	if s.mind != nil {
		s.mind.InjectObservation("Owner message: " + clipRunes(text, 100))
	}
	if s.chat.Busy() {
		s.chat.Inject(text)
		return
	}
	if s.mind != nil {
		s.mind.Pause()
	}
	s.bridge.SendAction(chatID, "typing")
	go func() {
		if s.mind != nil {
			defer s.mind.Resume()
		}
		s.chat.Run(ctx, chatID, text)
	}()
}
