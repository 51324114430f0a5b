// Package consciousness drives self-initiated background reflection.
// When enabled it wakes on an exponentially growing interval and
// enqueues one low-priority reflection task per wake; owner activity
// resets the interval back to its minimum.
package consciousness

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	defaultWakeupMin = 30 * time.Second
	defaultWakeupMax = 2 * time.Hour
	defaultMaxRounds = 5

	// Observations kept between wakes; older ones are dropped.
	maxObservations = 20
)

// EnqueueFunc hands one reflection prompt to the task queue.
type EnqueueFunc func(prompt string, chatID int64)

// Options configures a Driver.
type Options struct {
	WakeupMin time.Duration
	WakeupMax time.Duration
	MaxRounds int // loop cap surfaced in the reflection prompt
	Enqueue   EnqueueFunc
	OwnerChat func() int64 // current owner chat id; 0 when unknown
}

// Driver owns the wake timer. Start and Stop bound its lifetime; Pause
// holds wakes while the resident chat agent is talking to the owner.
type Driver struct {
	opts Options

	mu       sync.Mutex
	running  bool
	paused   bool
	interval time.Duration
	pending  []string
	stop     chan struct{}
	wakes    int

	// Nudges the wake loop to re-read the interval after a reset.
	kick chan struct{}
}

// New builds a stopped driver.
func New(opts Options) *Driver {
	if opts.WakeupMin <= 0 {
		opts.WakeupMin = defaultWakeupMin
	}
	if opts.WakeupMax <= 0 {
		opts.WakeupMax = defaultWakeupMax
	}
	if opts.WakeupMax < opts.WakeupMin {
		opts.WakeupMax = opts.WakeupMin
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = defaultMaxRounds
	}
	return &Driver{
		opts:     opts,
		interval: opts.WakeupMin,
		kick:     make(chan struct{}, 1),
	}
}

// Start launches the wake loop. The returned sentence is owner-facing.
func (d *Driver) Start() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return "Background consciousness already running."
	}
	d.running = true
	d.paused = false
	d.interval = d.opts.WakeupMin
	d.stop = make(chan struct{})
	go d.run(d.stop)
	slog.Info("background consciousness started",
		"wakeup_min", d.opts.WakeupMin, "wakeup_max", d.opts.WakeupMax)
	return "Background consciousness started."
}

// Stop ends the wake loop. The returned sentence is owner-facing.
func (d *Driver) Stop() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return "Background consciousness not running."
	}
	d.running = false
	close(d.stop)
	d.stop = nil
	slog.Info("background consciousness stopped")
	return "Background consciousness stopped."
}

// IsRunning reports whether the wake loop is live.
func (d *Driver) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Pause holds wakes. Observations and the interval survive a pause.
func (d *Driver) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

// Resume lifts a pause.
func (d *Driver) Resume() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
}

// Interval returns the current wait between wakes.
func (d *Driver) Interval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interval
}

// Wakes returns how many reflections have fired since Start.
func (d *Driver) Wakes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wakes
}

// InjectObservation records owner or system activity for the next
// reflection and resets the wake interval to its minimum.
func (d *Driver) InjectObservation(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	d.mu.Lock()
	d.pending = append(d.pending, text)
	if n := len(d.pending) - maxObservations; n > 0 {
		d.pending = d.pending[n:]
	}
	d.interval = d.opts.WakeupMin
	d.mu.Unlock()

	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Driver) run(stop chan struct{}) {
	for {
		d.mu.Lock()
		wait := d.interval
		d.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-d.kick:
			// Interval was reset; start a fresh wait.
			timer.Stop()
			continue
		case <-timer.C:
		}

		if prompt, chatID, ok := d.wake(); ok {
			d.opts.Enqueue(prompt, chatID)
		}
	}
}

// wake drains observations, doubles the interval up to the cap, and
// composes the reflection prompt. Paused wakes fire nothing and leave
// the interval alone.
func (d *Driver) wake() (string, int64, bool) {
	d.mu.Lock()
	if d.paused {
		d.mu.Unlock()
		return "", 0, false
	}
	obs := d.pending
	d.pending = nil
	d.interval = min(d.interval*2, d.opts.WakeupMax)
	d.wakes++
	n := d.wakes
	d.mu.Unlock()

	var chatID int64
	if d.opts.OwnerChat != nil {
		chatID = d.opts.OwnerChat()
	}
	slog.Debug("consciousness wake", "wake", n, "observations", len(obs))
	return reflectionPrompt(d.opts.MaxRounds, obs), chatID, true
}

// reflectionPrompt is the task prompt for one background wake.
func reflectionPrompt(maxRounds int, observations []string) string {
	var b strings.Builder
	b.WriteString("Background reflection wake-up. Review where you are: recent tasks, ")
	b.WriteString("knowledge notes, repository state. Pick at most one small concrete ")
	b.WriteString("thing worth doing now (record an insight with knowledge_write, tidy ")
	b.WriteString("your scratchpad, or queue follow-up work) and do it.\n")
	fmt.Fprintf(&b, "You have at most %d rounds. ", maxRounds)
	b.WriteString("If nothing needs attention, reply with a single zero-width space to stay silent.\n")
	if len(observations) > 0 {
		b.WriteString("\nRecent activity since the last wake:\n")
		for _, o := range observations {
			b.WriteString("- ")
			b.WriteString(o)
			b.WriteString("\n")
		}
	}
	return b.String()
}
