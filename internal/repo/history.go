package repo

import (
	"context"
	"fmt"
	"strings"
)

// Commit is one entry of the tree's history.
type Commit struct {
	SHA     string
	Subject string
	Author  string
	Date    string
}

// ListCommits returns the n most recent commits on the current branch.
func (m *Manager) ListCommits(ctx context.Context, n int) ([]Commit, error) {
	if n <= 0 {
		n = 20
	}
	r := m.git(ctx, "log", fmt.Sprintf("-%d", n), "--pretty=format:%H%x1f%s%x1f%an%x1f%cI")
	if !r.ok() {
		return nil, fmt.Errorf("repo: git log: %s", r.errMsg())
	}
	var commits []Commit
	for _, line := range strings.Split(r.out(), "\n") {
		parts := strings.Split(line, "\x1f")
		if len(parts) != 4 {
			continue
		}
		commits = append(commits, Commit{SHA: parts[0], Subject: parts[1], Author: parts[2], Date: parts[3]})
	}
	return commits, nil
}

// ListVersions returns up to n tags, newest first.
func (m *Manager) ListVersions(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		n = 20
	}
	r := m.git(ctx, "tag", "--sort=-creatordate")
	if !r.ok() {
		return nil, fmt.Errorf("repo: git tag: %s", r.errMsg())
	}
	if r.out() == "" {
		return nil, nil
	}
	tags := strings.Split(r.out(), "\n")
	if len(tags) > n {
		tags = tags[:n]
	}
	return tags, nil
}

// RollbackTo hard-resets the current branch to ref. The ref must
// resolve to a commit; anything uncommitted is discarded.
func (m *Manager) RollbackTo(ctx context.Context, ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("repo: rollback: empty ref")
	}
	if r := m.git(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}"); !r.ok() {
		return fmt.Errorf("repo: rollback: unknown ref %q", ref)
	}
	if r := m.git(ctx, "reset", "--hard", ref); !r.ok() {
		return fmt.Errorf("repo: rollback: %s", r.errMsg())
	}
	return nil
}

// PromoteToStable fast-forwards the stable branch to the dev head. It
// refuses when stable is not an ancestor of dev.
func (m *Manager) PromoteToStable(ctx context.Context) (string, error) {
	devSHA := ""
	if r := m.git(ctx, "rev-parse", BranchDev); r.ok() {
		devSHA = r.out()
	} else {
		return "", fmt.Errorf("repo: promote: resolve %s: %s", BranchDev, r.errMsg())
	}

	if m.branchExists(ctx, BranchStable) {
		if r := m.git(ctx, "merge-base", "--is-ancestor", BranchStable, BranchDev); !r.ok() {
			return "", fmt.Errorf("repo: promote: %s has diverged from %s", BranchStable, BranchDev)
		}
	}
	if r := m.git(ctx, "branch", "-f", BranchStable, devSHA); !r.ok() {
		return "", fmt.Errorf("repo: promote: %s", r.errMsg())
	}
	short := devSHA
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s → %s", BranchStable, short), nil
}
