package repo

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed templates
var templatesFS embed.FS

// EnsurePresent makes the working tree usable: init when missing, a
// local identity for commits, seed files from the embedded templates,
// an initial commit on the dev branch, and the stable branch. Safe to
// call on every start.
func (m *Manager) EnsurePresent(ctx context.Context) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("repo: create dir: %w", err)
	}

	if _, err := os.Stat(filepath.Join(m.dir, ".git")); os.IsNotExist(err) {
		if r := m.git(ctx, "init", "--initial-branch", BranchDev); !r.ok() {
			// Older git lacks --initial-branch.
			if r2 := m.git(ctx, "init"); !r2.ok() {
				return fmt.Errorf("repo: git init: %s", r2.errMsg())
			}
		}
		slog.Info("initialized agent repo", "dir", m.dir)
	}

	// Commits need an identity; keep it local to this tree.
	m.git(ctx, "config", "user.name", "Ouroboros")
	m.git(ctx, "config", "user.email", "ouroboros@localhost")

	seeded, err := m.seedTemplates()
	if err != nil {
		return err
	}

	// First commit, if the tree has none.
	if !m.git(ctx, "rev-parse", "--verify", "--quiet", "HEAD").ok() {
		m.git(ctx, "add", "-A")
		if r := m.git(ctx, "commit", "-m", "initial commit"); !r.ok() {
			return fmt.Errorf("repo: initial commit: %s", r.errMsg())
		}
	} else if seeded > 0 {
		m.git(ctx, "add", "-A")
		m.git(ctx, "commit", "-m", "seed missing identity files")
	}

	if m.currentBranch(ctx) != BranchDev {
		if m.branchExists(ctx, BranchDev) {
			if err := m.checkout(ctx, BranchDev); err != nil {
				return err
			}
		} else if r := m.git(ctx, "checkout", "-b", BranchDev); !r.ok() {
			return fmt.Errorf("repo: create %s: %s", BranchDev, r.errMsg())
		}
	}

	if !m.branchExists(ctx, BranchStable) {
		if r := m.git(ctx, "branch", BranchStable); !r.ok() {
			return fmt.Errorf("repo: create %s: %s", BranchStable, r.errMsg())
		}
	}
	return nil
}

// seedTemplates copies embedded template files that are missing from the
// tree. Existing files are never touched. Returns how many were written.
func (m *Manager) seedTemplates() (int, error) {
	written := 0
	err := fs.WalkDir(templatesFS, "templates", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel("templates", path)
		if err != nil {
			return err
		}
		dst := filepath.Join(m.dir, rel)
		if _, err := os.Stat(dst); err == nil {
			return nil
		}
		data, err := fs.ReadFile(templatesFS, path)
		if err != nil {
			return fmt.Errorf("repo: read template %s: %w", rel, err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("repo: seed %s: %w", rel, err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("repo: seed %s: %w", rel, err)
		}
		written++
		slog.Info("seeded repo file", "file", rel)
		return nil
	})
	if err != nil {
		return written, fmt.Errorf("repo: seed templates: %w", err)
	}
	return written, nil
}

// SafetyPromptPath is where the gate's system prompt lives inside the
// agent tree.
func (m *Manager) SafetyPromptPath() string {
	return filepath.Join(m.dir, "prompts", "SAFETY.md")
}
