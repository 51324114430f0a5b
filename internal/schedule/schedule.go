// Package schedule evaluates the cron entries from settings and tells
// the supervisor which ones are due. Expressions are standard 5-field
// cron checked at minute granularity; an entry fires at most once per
// matching minute.
package schedule

import (
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/config"
)

// Scheduler tracks which cron entries already fired this minute. The
// entry list is read per check so settings reloads take effect live.
type Scheduler struct {
	gron *gronx.Gronx
	jobs func() []config.CronJob
	now  func() time.Time

	mu     sync.Mutex
	fired  map[string]string // job name → minute stamp of the last fire
	warned map[string]bool   // bad expressions, logged once
}

// New builds a scheduler over the settings cron list.
func New(jobs func() []config.CronJob) *Scheduler {
	return &Scheduler{
		gron:   gronx.New(),
		jobs:   jobs,
		now:    time.Now,
		fired:  make(map[string]string),
		warned: make(map[string]bool),
	}
}

// Due returns the entries matching the current minute that have not
// fired in it yet, marking them fired. The caller enqueues the tasks.
func (s *Scheduler) Due() []config.CronJob {
	now := s.now().Truncate(time.Minute)
	stamp := now.Format("2006-01-02T15:04")

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []config.CronJob
	for _, job := range s.jobs() {
		if job.Cron == "" || job.Prompt == "" {
			continue
		}
		if s.fired[job.Name] == stamp {
			continue
		}
		ok, err := s.gron.IsDue(job.Cron, now)
		if err != nil {
			if !s.warned[job.Name+" "+job.Cron] {
				s.warned[job.Name+" "+job.Cron] = true
				slog.Warn("bad cron expression", "job", job.Name, "cron", job.Cron, "error", err)
			}
			continue
		}
		if !ok {
			continue
		}
		s.fired[job.Name] = stamp
		due = append(due, job)
		slog.Info("cron entry due", "job", job.Name, "cron", job.Cron)
	}
	return due
}
