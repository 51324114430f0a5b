package bus

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/state"
)

// budgetReportEvery appends the budget footer to every Nth owner message.
const budgetReportEvery = 10

// zeroWidthSpace marks agent replies that should not reach the owner.
const zeroWidthSpace = "​"

// SendOpts tunes one owner-facing send.
type SendOpts struct {
	LogText     string // journaled instead of the visible text when set
	ForceBudget bool   // append the budget footer regardless of cadence
	Markdown    bool   // keep markdown and skip splitting
	Progress    bool   // journal to progress.jsonl instead of chat.jsonl
}

// Sender is the owner-facing send path: journals every message,
// appends the periodic budget footer, splits long texts, and drops
// messages that are only a zero-width space.
type Sender struct {
	bridge *Bridge
	store  *state.Store
	limit  func() float64 // budget limit; read per send so reloads apply
}

// NewSender wires a sender over the bridge.
func NewSender(bridge *Bridge, store *state.Store, limit func() float64) *Sender {
	return &Sender{bridge: bridge, store: store, limit: limit}
}

// Send delivers text to the owner with default options.
func (s *Sender) Send(chatID int64, text string) {
	s.SendWith(chatID, text, SendOpts{})
}

// SendWith delivers text to the owner. The message is journaled even
// when it ends up suppressed as silent.
func (s *Sender) SendWith(chatID int64, text string, opts SendOpts) {
	logText := opts.LogText
	if logText == "" {
		logText = text
	}
	s.journal(chatID, logText, opts.Progress)

	budget := s.budgetLine(opts.ForceBudget)
	var full string
	if budget == "" {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || trimmed == zeroWidthSpace {
			return
		}
		full = text
	} else {
		base := strings.TrimRightFunc(text, unicode.IsSpace)
		if base == "" || base == zeroWidthSpace {
			full = budget
		} else {
			full = base + "\n\n" + budget
		}
	}

	if opts.Markdown {
		s.bridge.SendMessage(chatID, full, true)
		return
	}
	for _, part := range SplitMessage(full, splitLimit) {
		s.bridge.SendMessage(chatID, part, false)
	}
}

func (s *Sender) journal(chatID int64, text string, progress bool) {
	var ownerID int64
	if st, err := s.store.Load(); err == nil && st.OwnerID != nil {
		ownerID = *st.OwnerID
	}
	if progress {
		err := s.store.AppendJSONL(state.JournalProgress, map[string]any{
			"direction": "out",
			"chat_id":   chatID,
			"user_id":   ownerID,
			"text":      text,
		})
		if err != nil {
			slog.Warn("progress journal failed", "error", err)
		}
		return
	}
	if err := s.store.LogChat("out", chatID, ownerID, text); err != nil {
		slog.Warn("chat journal failed", "error", err)
	}
}

// budgetLine returns the footer when the cadence (or force) says so,
// advancing the persisted message counter either way.
func (s *Sender) budgetLine(force bool) string {
	var line string
	_, err := s.store.Mutate(func(st *state.State) {
		if force {
			st.BudgetMsgSinceReport = 0
			line = formatBudgetLine(st, s.limit())
			return
		}
		st.BudgetMsgSinceReport++
		if st.BudgetMsgSinceReport < budgetReportEvery {
			return
		}
		st.BudgetMsgSinceReport = 0
		line = formatBudgetLine(st, s.limit())
	})
	if err != nil {
		slog.Warn("budget line skipped", "error", err)
		return ""
	}
	return line
}

func formatBudgetLine(st *state.State, total float64) string {
	pct := 0.0
	if total > 0 {
		pct = st.SpentUSD / total * 100
	}
	sha := st.CurrentSHA
	if len(sha) > 8 {
		sha = sha[:8]
	}
	branch := st.CurrentBranch
	if branch == "" {
		branch = "?"
	}
	return fmt.Sprintf("—\nBudget: $%.4f / $%.2f (%.2f%%) | %s@%s", st.SpentUSD, total, pct, branch, sha)
}
