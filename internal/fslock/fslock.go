// Package fslock implements the cooperative lock-sentinel discipline used for
// every durable file (settings, state, queue snapshot): the lock is an
// exclusively-created file next to the protected one, writers hold it only for
// the few milliseconds of a temp-write-plus-rename, and a sentinel older than
// the staleness TTL is presumed abandoned and stolen.
package fslock

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

const (
	// AcquireTimeout bounds how long Acquire spins before giving up.
	AcquireTimeout = 2 * time.Second

	// StealAfter is the staleness TTL: a sentinel older than this belongs to
	// a dead process and is removed.
	StealAfter = 10 * time.Second

	retryInterval = 10 * time.Millisecond
)

// Lock is a held lock sentinel. Release it promptly; holders are expected to
// keep it for ~10 ms, not across blocking work.
type Lock struct {
	path string
}

// Acquire creates the sentinel at path, spinning up to AcquireTimeout.
// Stale sentinels (older than StealAfter) are stolen.
func Acquire(path string) (*Lock, error) {
	deadline := time.Now().Add(AcquireTimeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}
		if fi, statErr := os.Stat(path); statErr == nil && time.Since(fi.ModTime()) > StealAfter {
			slog.Warn("stealing stale lock", "path", path, "age", time.Since(fi.ModTime()))
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire lock %s: timed out after %s", path, AcquireTimeout)
		}
		time.Sleep(retryInterval)
	}
}

// Release removes the sentinel. Safe to call once.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	os.Remove(l.path)
}

// WriteAtomic writes data to path via a temp file and rename, under the lock
// sentinel path+".lock". This is the single write path for every durable JSON
// artifact.
func WriteAtomic(path string, data []byte) error {
	lock, err := Acquire(path + ".lock")
	if err != nil {
		return err
	}
	defer lock.Release()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
