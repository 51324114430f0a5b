package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/config"
)

const (
	healthWaitStartup = 60 * time.Second
	crashWindow       = 120 * time.Second
	maxCrashRestarts  = 5
	crashRestartPause = 3 * time.Second
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the launcher: supervise the serve process across restarts",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runLauncher())
		},
	}
}

// runLauncher supervises the serve process. Exit code 42 means the
// agent replaced its own code and wants a clean relaunch; it never
// counts against the crash budget. Any other non-signal exit does.
func runLauncher() int {
	setupLogging(os.Stdout)

	paths := appPaths()
	if err := os.MkdirAll(paths.Root, 0o755); err != nil {
		slog.Error("app root creation failed", "dir", paths.Root, "error", err)
		return 1
	}
	if err := acquirePIDLock(paths.PIDFile()); err != nil {
		slog.Error("another instance is already running",
			"pid_file", paths.PIDFile(), "error", err)
		return 1
	}
	defer releasePIDLock(paths.PIDFile())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exe, err := os.Executable()
	if err != nil {
		slog.Error("cannot resolve own executable", "error", err)
		return 1
	}
	slog.Info("launcher started", "home", paths.Root, "pid", os.Getpid())

	var crashes []time.Time
	for {
		code := superviseOnce(ctx, exe, paths)
		if ctx.Err() != nil {
			slog.Info("launcher stopped")
			return 0
		}
		if code == config.RestartExitCode {
			slog.Info("restart requested, relaunching")
			continue
		}

		now := time.Now()
		recent := crashes[:0]
		for _, t := range crashes {
			if now.Sub(t) <= crashWindow {
				recent = append(recent, t)
			}
		}
		crashes = append(recent, now)
		if len(crashes) >= maxCrashRestarts {
			slog.Error("too many crashes, halting",
				"crashes", len(crashes), "window", crashWindow)
			return 1
		}
		slog.Warn("server crashed, restarting",
			"exit_code", code, "recent_crashes", len(crashes))
		select {
		case <-ctx.Done():
			slog.Info("launcher stopped")
			return 0
		case <-time.After(crashRestartPause):
		}
	}
}

// superviseOnce starts one serve process and waits for it to exit,
// forwarding SIGTERM when the launcher itself is told to stop.
func superviseOnce(ctx context.Context, exe string, paths config.Paths) int {
	cmd := exec.Command(exe, "serve",
		"--home", paths.Root,
		"--log-level", logLevel,
		"--log-format", logFormat)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		slog.Error("server start failed", "error", err)
		return 1
	}
	slog.Info("server started", "pid", cmd.Process.Pid)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Signal(syscall.SIGTERM)
		case <-done:
		}
	}()

	hctx, hcancel := context.WithCancel(ctx)
	go func() {
		if port, ok := waitForHealth(hctx, paths, healthWaitStartup); ok {
			slog.Info("server healthy", "port", port)
		} else if hctx.Err() == nil {
			slog.Warn("server not healthy yet", "waited", healthWaitStartup)
		}
	}()

	err := cmd.Wait()
	close(done)
	hcancel()
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	slog.Error("server wait failed", "error", err)
	return 1
}

// waitForHealth polls /api/health until the server answers, the wait
// budget runs out, or ctx is cancelled. The port file is re-read every
// poll because serve writes it only after binding.
func waitForHealth(ctx context.Context, paths config.Paths, wait time.Duration) (int, bool) {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		port := readPortFile(paths)
		url := fmt.Sprintf("http://127.0.0.1:%d/api/health", port)
		if req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil); err == nil {
			if resp, err := client.Do(req); err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return port, true
				}
			}
		}
		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(500 * time.Millisecond):
		}
	}
	return 0, false
}

// readPortFile returns the port serve advertised, falling back to the
// default when the file is missing or unparseable.
func readPortFile(paths config.Paths) int {
	data, err := os.ReadFile(paths.PortFile())
	if err != nil {
		return config.DefaultServerPort
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port <= 0 {
		return config.DefaultServerPort
	}
	return port
}

// acquirePIDLock enforces the single-instance guard. It refuses only
// when the recorded pid is a different live process; stale, foreign, or
// unreadable pid files are stolen.
func acquirePIDLock(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr == nil && pid != os.Getpid() && processAlive(pid) {
			return fmt.Errorf("pid %d is alive", pid)
		}
		_ = os.Remove(path)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// releasePIDLock removes the pid file only while it still names this
// process, so an instance that stole the lock keeps its own file.
func releasePIDLock(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if strings.TrimSpace(string(data)) == strconv.Itoa(os.Getpid()) {
		_ = os.Remove(path)
	}
}

// processAlive reports whether pid accepts signal 0. A permission error
// counts as dead: everything under the app root runs as the same user.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
