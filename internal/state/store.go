package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/fslock"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/providers"
)

// Store reads and writes state.json and the JSONL journals. File-level
// consistency comes from the lock sentinel + atomic rename; the in-process
// mutex keeps load-modify-save sequences whole across goroutines.
type Store struct {
	path    string
	logsDir string

	mu     sync.Mutex
	pricer *Pricer

	sinkMu sync.RWMutex
	sink   func(kind string, record map[string]any)
}

// NewStore creates a store for state.json at path with journals in logsDir.
func NewStore(path, logsDir string) *Store {
	return &Store{path: path, logsDir: logsDir, pricer: NewPricer(nil)}
}

// SetLogSink registers the callback invoked synchronously on every journal
// append (the bus uses it to stream records to live subscribers).
func (st *Store) SetLogSink(sink func(kind string, record map[string]any)) {
	st.sinkMu.Lock()
	st.sink = sink
	st.sinkMu.Unlock()
}

// Load reads the state document. A missing file yields a fresh State.
func (st *Store) Load() (*State, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	s := New()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	return s, nil
}

// Save writes the state document atomically under the lock sentinel.
func (st *Store) Save(s *State) error {
	s.UpdatedAt = nowISO()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return fslock.WriteAtomic(st.path, data)
}

// Mutate runs fn over a freshly loaded State and saves the result, holding
// the in-process mutex for the whole read-modify-write.
func (st *Store) Mutate(fn func(*State)) (*State, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, err := st.Load()
	if err != nil {
		return nil, err
	}
	fn(s)
	if err := st.Save(s); err != nil {
		return nil, err
	}
	return s, nil
}

// RotateSession installs a fresh session id (process start, accepted restart).
func (st *Store) RotateSession() (*State, error) {
	return st.Mutate(func(s *State) {
		s.SessionID = NewSessionID()
		s.BudgetNotified = false
	})
}

// UpdateBudget converts a provider usage record into a USD delta and folds it
// into spent_usd. Returns the new total and whether the spend just crossed
// the limit (true exactly once per session).
func (st *Store) UpdateBudget(model string, u providers.Usage, limit float64) (float64, bool, error) {
	delta := st.pricer.Cost(model, u)
	if delta < 0 {
		delta = 0
	}
	var spent float64
	var crossed bool
	_, err := st.Mutate(func(s *State) {
		s.SpentUSD += delta
		s.SpentCalls++
		spent = s.SpentUSD
		if limit > 0 && spent >= limit && !s.BudgetNotified {
			s.BudgetNotified = true
			crossed = true
		}
	})
	if err != nil {
		return 0, false, err
	}
	return spent, crossed, nil
}
