package repo

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SafeRestart brings the tree to a clean checkout of the dev branch so
// the host can restart onto known code. A dirty tree is handled per
// policy: PolicyRescueAndReset commits the unsynced work to a
// timestamped rescue ref and hard-resets; PolicyReject refuses.
// The returned message describes what happened and is shown to the owner.
func (m *Manager) SafeRestart(ctx context.Context, reason, policy string) (bool, string) {
	rescued := ""
	if m.Dirty(ctx) {
		switch policy {
		case PolicyReject:
			return false, "working tree dirty"
		case PolicyRescueAndReset:
			ref, err := m.rescueDirtyTree(ctx, reason)
			if err != nil {
				return false, err.Error()
			}
			rescued = ref
		default:
			return false, fmt.Sprintf("unknown unsynced policy %q", policy)
		}
	}

	if m.currentBranch(ctx) != BranchDev {
		if err := m.checkout(ctx, BranchDev); err != nil {
			return false, err.Error()
		}
	}

	if rescued != "" {
		slog.Info("rescued unsynced work", "ref", rescued, "reason", reason)
		return true, fmt.Sprintf("rescued unsynced work to %s", rescued)
	}
	return true, "clean"
}

// rescueDirtyTree commits everything to rescue/<UTC timestamp> and
// resets the current branch back to where it was.
func (m *Manager) rescueDirtyTree(ctx context.Context, reason string) (string, error) {
	prev := ""
	if r := m.git(ctx, "rev-parse", "HEAD"); r.ok() {
		prev = r.out()
	}

	if r := m.git(ctx, "add", "-A"); !r.ok() {
		return "", fmt.Errorf("rescue: git add: %s", r.errMsg())
	}
	if r := m.git(ctx, "commit", "-m", "rescue: unsynced work before "+reason); !r.ok() {
		return "", fmt.Errorf("rescue: git commit: %s", r.errMsg())
	}

	ref := "rescue/" + time.Now().UTC().Format("20060102-150405")
	if r := m.git(ctx, "branch", ref); !r.ok() {
		return "", fmt.Errorf("rescue: git branch %s: %s", ref, r.errMsg())
	}

	if prev != "" {
		if r := m.git(ctx, "reset", "--hard", prev); !r.ok() {
			return "", fmt.Errorf("rescue: git reset: %s", r.errMsg())
		}
	}
	return ref, nil
}
