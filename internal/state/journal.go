package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// Journals rotate once they exceed this size.
	journalMaxBytes = 2 << 20

	// Rotated generations kept per journal (chat.jsonl.1 … .3).
	journalKeep = 3
)

// Journal kinds. AppendJSONL accepts only these.
const (
	JournalChat     = "chat"
	JournalTools    = "tools"
	JournalEvents   = "events"
	JournalProgress = "progress"
)

func (st *Store) journalPath(kind string) string {
	return filepath.Join(st.logsDir, kind+".jsonl")
}

// AppendJSONL appends one record to the named journal and synchronously
// invokes the registered log sink. The single entry point for all logs.
func (st *Store) AppendJSONL(kind string, record map[string]any) error {
	switch kind {
	case JournalChat, JournalTools, JournalEvents, JournalProgress:
	default:
		return fmt.Errorf("unknown journal %q", kind)
	}
	if _, ok := record["ts"]; !ok {
		record["ts"] = nowISO()
	}

	if err := os.MkdirAll(st.logsDir, 0o755); err != nil {
		return err
	}
	path := st.journalPath(kind)
	if err := rotateIfOversized(path); err != nil {
		return err
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", kind, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	st.sinkMu.RLock()
	sink := st.sink
	st.sinkMu.RUnlock()
	if sink != nil {
		sink(kind, record)
	}
	return nil
}

// RotateIfOversized rotates the named journal when it exceeds the size cap.
// Also called from the supervisor tick for the chat journal.
func (st *Store) RotateIfOversized(kind string) error {
	return rotateIfOversized(st.journalPath(kind))
}

func rotateIfOversized(path string) error {
	fi, err := os.Stat(path)
	if err != nil || fi.Size() <= journalMaxBytes {
		return nil
	}
	// Shift generations: .2→.3, .1→.2, current→.1.
	for n := journalKeep - 1; n >= 1; n-- {
		os.Rename(fmt.Sprintf("%s.%d", path, n), fmt.Sprintf("%s.%d", path, n+1))
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return fmt.Errorf("rotate %s: %w", path, err)
	}
	return nil
}

// ResetJournals deletes all journal files, returning the names removed.
// Backs POST /api/reset.
func (st *Store) ResetJournals() []string {
	var deleted []string
	for _, kind := range []string{JournalChat, JournalTools, JournalEvents, JournalProgress} {
		path := st.journalPath(kind)
		if err := os.Remove(path); err == nil {
			deleted = append(deleted, kind+".jsonl")
		}
	}
	return deleted
}

// LogChat appends one chat message record (direction "in" or "out").
func (st *Store) LogChat(direction string, chatID, userID int64, text string) error {
	return st.AppendJSONL(JournalChat, map[string]any{
		"direction": direction,
		"chat_id":   chatID,
		"user_id":   userID,
		"text":      text,
	})
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
