package supervisor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/state"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/pkg/protocol"
)

// statusText renders the /status reply. Money is deliberately absent:
// the sender appends the budget footer, and /status forces it.
func (s *Supervisor) statusText() string {
	st, err := s.store.Load()
	if err != nil {
		return "📊 Status unavailable: " + err.Error()
	}
	set := s.settings()
	alive, total := s.pool.Counts()
	pending, running := s.queue.Counts()

	var b strings.Builder
	b.WriteString("📊 Status\n")
	fmt.Fprintf(&b, "Workers: %d/%d alive\n", alive, total)
	if halted, reason := s.pool.Halted(); halted {
		fmt.Fprintf(&b, "⚠️ Pool halted: %s\n", reason)
	}
	fmt.Fprintf(&b, "Queue: %d pending, %d running\n", pending, running)

	tasks := s.queue.RunningTasks()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].StartedAt.Before(tasks[j].StartedAt) })
	for _, t := range tasks {
		elapsed := s.now().Sub(t.StartedAt).Round(time.Second)
		fmt.Fprintf(&b, "  ▶ %s %s %s\n", shortID(t.ID), t.Type, elapsed)
	}

	mode := "OFF"
	if st.EvolutionModeEnabled {
		mode = "ON"
	}
	fmt.Fprintf(&b, "Evolution: %s (cycle %d)\n", mode, st.EvolutionCycle)

	bg := "stopped"
	if s.mind != nil && s.mind.IsRunning() {
		bg = "running"
	}
	fmt.Fprintf(&b, "Background consciousness: %s\n", bg)

	branch := st.CurrentBranch
	if branch == "" {
		branch = "?"
	}
	fmt.Fprintf(&b, "Repo: %s@%s\n", branch, shortID(st.CurrentSHA))
	fmt.Fprintf(&b, "Timeouts: soft %ds / hard %ds\n", set.SoftTimeoutSec, set.HardTimeoutSec)
	fmt.Fprintf(&b, "Session: %s", shortID(st.SessionID))
	return b.String()
}

// StateSnapshot assembles the gateway's /api/state document. Callable
// from any goroutine; every source it reads is internally locked.
func (s *Supervisor) StateSnapshot() protocol.StateSnapshot {
	st, err := s.store.Load()
	if err != nil {
		st = state.New()
	}
	set := s.settings()
	alive, total := s.pool.Counts()
	pending, running := s.queue.Counts()
	halted, _ := s.pool.Halted()

	var pct float64
	if set.TotalBudget > 0 {
		pct = st.SpentUSD / set.TotalBudget * 100
	}
	snap := protocol.StateSnapshot{
		Uptime:            int(s.now().Sub(s.startedAt) / time.Second),
		WorkersAlive:      alive,
		WorkersTotal:      total,
		PendingCount:      pending,
		RunningCount:      running,
		SpentUSD:          st.SpentUSD,
		BudgetLimit:       set.TotalBudget,
		BudgetPct:         pct,
		Branch:            st.CurrentBranch,
		SHA:               st.CurrentSHA,
		EvolutionEnabled:  st.EvolutionModeEnabled,
		EvolutionCycle:    st.EvolutionCycle,
		SpentCalls:        st.SpentCalls,
		SupervisorReady:   s.Ready(),
		SupervisorError:   s.LastError(),
		PoolHalted:        halted,
		BackgroundRunning: s.mind != nil && s.mind.IsRunning(),
	}
	return snap
}
