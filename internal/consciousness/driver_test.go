package consciousness

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

type wake struct {
	prompt string
	chatID int64
}

type driverRig struct {
	driver *Driver
	wakes  chan wake
}

func newDriverRig(t *testing.T, opts Options) *driverRig {
	t.Helper()
	rig := &driverRig{wakes: make(chan wake, 32)}
	opts.Enqueue = func(prompt string, chatID int64) {
		rig.wakes <- wake{prompt: prompt, chatID: chatID}
	}
	if opts.OwnerChat == nil {
		opts.OwnerChat = func() int64 { return 7 }
	}
	rig.driver = New(opts)
	t.Cleanup(func() { rig.driver.Stop() })
	return rig
}

func (r *driverRig) nextWake(t *testing.T) wake {
	t.Helper()
	select {
	case w := <-r.wakes:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("no wake within deadline")
		return wake{}
	}
}

func (r *driverRig) noWakeFor(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case w := <-r.wakes:
		t.Fatalf("unexpected wake: %q", w.prompt)
	case <-time.After(d):
	}
}

func TestStartStopAreIdempotentWithOwnerFacingText(t *testing.T) {
	d := New(Options{Enqueue: func(string, int64) {}})

	if got := d.Stop(); got != "Background consciousness not running." {
		t.Errorf("Stop() before start = %q", got)
	}
	if got := d.Start(); got != "Background consciousness started." {
		t.Errorf("Start() = %q", got)
	}
	if !d.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if got := d.Start(); got != "Background consciousness already running." {
		t.Errorf("second Start() = %q", got)
	}
	if got := d.Stop(); got != "Background consciousness stopped." {
		t.Errorf("Stop() = %q", got)
	}
	if d.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

func TestWakeDoublesIntervalUpToCap(t *testing.T) {
	rig := newDriverRig(t, Options{
		WakeupMin: 20 * time.Millisecond,
		WakeupMax: 80 * time.Millisecond,
		MaxRounds: 5,
	})
	rig.driver.Start()

	w := rig.nextWake(t)
	if w.chatID != 7 {
		t.Errorf("chatID = %d, want 7", w.chatID)
	}
	if !strings.Contains(w.prompt, "at most 5 rounds") {
		t.Errorf("prompt lacks the round bound: %q", w.prompt)
	}
	if got := rig.driver.Interval(); got != 40*time.Millisecond {
		t.Errorf("interval after first wake = %v, want 40ms", got)
	}

	rig.nextWake(t)
	if got := rig.driver.Interval(); got != 80*time.Millisecond {
		t.Errorf("interval after second wake = %v, want 80ms", got)
	}

	rig.nextWake(t)
	if got := rig.driver.Interval(); got != 80*time.Millisecond {
		t.Errorf("interval after third wake = %v, want capped at 80ms", got)
	}
}

func TestObservationResetsIntervalAndFeedsNextWake(t *testing.T) {
	rig := newDriverRig(t, Options{
		WakeupMin: 30 * time.Millisecond,
		WakeupMax: 240 * time.Millisecond,
	})
	rig.driver.Start()
	rig.nextWake(t)
	rig.nextWake(t)
	if got := rig.driver.Interval(); got != 120*time.Millisecond {
		t.Fatalf("interval after two wakes = %v, want 120ms", got)
	}

	rig.driver.InjectObservation("Owner message: hi")
	if got := rig.driver.Interval(); got != 30*time.Millisecond {
		t.Errorf("interval after observation = %v, want reset to 30ms", got)
	}

	w := rig.nextWake(t)
	if !strings.Contains(w.prompt, "Recent activity since the last wake:") ||
		!strings.Contains(w.prompt, "- Owner message: hi") {
		t.Errorf("prompt lacks the observation: %q", w.prompt)
	}
}

func TestObservationsDrainAfterOneWake(t *testing.T) {
	rig := newDriverRig(t, Options{
		WakeupMin: 20 * time.Millisecond,
		WakeupMax: 40 * time.Millisecond,
	})
	rig.driver.InjectObservation("first thing")
	rig.driver.InjectObservation("second thing")
	rig.driver.Start()

	w := rig.nextWake(t)
	if !strings.Contains(w.prompt, "- first thing") || !strings.Contains(w.prompt, "- second thing") {
		t.Errorf("first wake lacks observations: %q", w.prompt)
	}

	w = rig.nextWake(t)
	if strings.Contains(w.prompt, "Recent activity") {
		t.Errorf("second wake repeats drained observations: %q", w.prompt)
	}
}

func TestObservationBufferDropsOldest(t *testing.T) {
	d := New(Options{Enqueue: func(string, int64) {}})
	for i := 0; i < maxObservations+5; i++ {
		d.InjectObservation(fmt.Sprintf("note %02d", i))
	}

	prompt, _, ok := d.wake()
	if !ok {
		t.Fatal("wake() skipped while not paused")
	}
	if strings.Contains(prompt, "note 04") {
		t.Errorf("overflowed observation survived: %q", prompt)
	}
	if !strings.Contains(prompt, "note 05") || !strings.Contains(prompt, "note 24") {
		t.Errorf("kept observations missing: %q", prompt)
	}
}

func TestPauseHoldsWakesUntilResume(t *testing.T) {
	rig := newDriverRig(t, Options{
		WakeupMin: 20 * time.Millisecond,
		WakeupMax: 20 * time.Millisecond,
	})
	rig.driver.Start()
	rig.nextWake(t)

	rig.driver.Pause()
	// Drain anything already in flight before asserting silence.
	for {
		select {
		case <-rig.wakes:
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	rig.noWakeFor(t, 100*time.Millisecond)

	rig.driver.Resume()
	rig.nextWake(t)
}

func TestStopEndsWakes(t *testing.T) {
	rig := newDriverRig(t, Options{
		WakeupMin: 20 * time.Millisecond,
		WakeupMax: 20 * time.Millisecond,
	})
	rig.driver.Start()
	rig.nextWake(t)
	rig.driver.Stop()

	// Drain the in-flight wake, if any, then expect silence.
	select {
	case <-rig.wakes:
	case <-time.After(50 * time.Millisecond):
	}
	rig.noWakeFor(t, 100*time.Millisecond)
}

func TestReflectionPromptShape(t *testing.T) {
	p := reflectionPrompt(3, nil)
	if !strings.Contains(p, "at most 3 rounds") {
		t.Errorf("prompt lacks round bound: %q", p)
	}
	if strings.Contains(p, "Recent activity") {
		t.Errorf("empty observation list still rendered: %q", p)
	}
}
