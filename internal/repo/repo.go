// Package repo manages the agent's git working tree: the self-evolving
// code lives on a dev branch, the last known-good version on a stable
// branch, and every state-changing operation goes through git so it can
// be inspected and rolled back.
package repo

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Branch names for the evolving tree and its known-good mirror.
const (
	BranchDev    = "ouroboros"
	BranchStable = "ouroboros-stable"
)

// Unsynced-tree policies for SafeRestart.
const (
	PolicyRescueAndReset = "rescue_and_reset"
	PolicyReject         = "reject"
)

// Manager runs git against one working tree. All methods are safe for
// sequential use from the supervisor; git itself serializes tree access.
type Manager struct {
	dir string
}

// NewManager returns a manager for the tree rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Dir returns the working tree root.
func (m *Manager) Dir() string { return m.dir }

// gitResult captures one git invocation. Non-zero exit is a value, not
// an error; callers decide what a failure means.
type gitResult struct {
	rc     int
	stdout string
	stderr string
}

func (r gitResult) ok() bool      { return r.rc == 0 }
func (r gitResult) out() string   { return strings.TrimSpace(r.stdout) }
func (r gitResult) errMsg() string {
	if msg := strings.TrimSpace(r.stderr); msg != "" {
		return msg
	}
	return strings.TrimSpace(r.stdout)
}

func (m *Manager) git(ctx context.Context, args ...string) gitResult {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := gitResult{stdout: stdout.String(), stderr: stderr.String()}
	switch e := err.(type) {
	case nil:
		res.rc = 0
	case *exec.ExitError:
		res.rc = e.ExitCode()
	default:
		res.rc = -1
		res.stderr = err.Error()
	}
	return res
}

// Head returns the current branch name and full commit SHA. Both are
// empty when the repo has no commits yet.
func (m *Manager) Head(ctx context.Context) (branch, sha string) {
	if r := m.git(ctx, "rev-parse", "--abbrev-ref", "HEAD"); r.ok() {
		branch = r.out()
	}
	if r := m.git(ctx, "rev-parse", "HEAD"); r.ok() {
		sha = r.out()
	}
	return branch, sha
}

// Dirty reports whether the working tree has uncommitted changes,
// including untracked files.
func (m *Manager) Dirty(ctx context.Context) bool {
	r := m.git(ctx, "status", "--porcelain")
	return r.ok() && r.out() != ""
}

func (m *Manager) currentBranch(ctx context.Context) string {
	r := m.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if !r.ok() {
		return ""
	}
	return r.out()
}

func (m *Manager) branchExists(ctx context.Context, name string) bool {
	return m.git(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+name).ok()
}

func (m *Manager) checkout(ctx context.Context, branch string) error {
	if r := m.git(ctx, "checkout", branch); !r.ok() {
		return fmt.Errorf("git checkout %s: %s", branch, r.errMsg())
	}
	return nil
}
