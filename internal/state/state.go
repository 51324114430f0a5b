// Package state persists the supervisor's single JSON state document and the
// append-only JSONL journals, and owns budget accounting.
package state

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the durable document at data/state.json. Owner ids are set on the
// first inbound message and never overwritten; spent_usd is monotone within a
// session; branch/sha mirror the working tree after every repo operation.
type State struct {
	SessionID   string `json:"session_id"`
	OwnerID     *int64 `json:"owner_id"`
	OwnerChatID *int64 `json:"owner_chat_id"`

	SpentUSD       float64 `json:"spent_usd"`
	SpentCalls     int     `json:"spent_calls"`
	BudgetNotified bool    `json:"budget_notified"`

	// Messages sent since the last budget line was appended.
	BudgetMsgSinceReport int `json:"budget_messages_since_report"`

	CurrentBranch string `json:"current_branch"`
	CurrentSHA    string `json:"current_sha"`

	EvolutionModeEnabled bool    `json:"evolution_mode_enabled"`
	EvolutionCycle       int     `json:"evolution_cycle"`
	EvolutionCostMarker  float64 `json:"evolution_cost_marker"`

	BackgroundEnabled  bool   `json:"background_enabled"`
	LastOwnerMessageAt string `json:"last_owner_message_at,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// New returns a fresh State with a new session id.
func New() *State {
	now := time.Now().UTC().Format(time.RFC3339)
	return &State{
		SessionID: NewSessionID(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewSessionID returns a fresh opaque session identifier.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SetOwner records the owner ids on first contact only.
func (s *State) SetOwner(userID, chatID int64) {
	if s.OwnerID == nil {
		s.OwnerID = &userID
		s.OwnerChatID = &chatID
	}
}

// OwnerChat returns the owner chat id, or 0 when no owner has spoken yet.
func (s *State) OwnerChat() int64 {
	if s.OwnerChatID == nil {
		return 0
	}
	return *s.OwnerChatID
}
