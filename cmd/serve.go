package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/agent"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/bus"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/config"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/consciousness"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/events"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/gateway"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/knowledge"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/mcp"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/providers"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/queue"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/repo"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/safety"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/schedule"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/state"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/supervisor"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/telegram"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/telemetry"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/tools"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/workers"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor host (gateway, worker pool, chat agent)",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runServe())
		},
	}
}

// runServe assembles the host and drives the supervisor loop until
// shutdown. The return value is the contract with the launcher parent:
// 0 clean stop, 42 restart requested, 99 panic command.
func runServe() int {
	setupLogging(os.Stdout)

	paths := appPaths()
	for _, dir := range []string{paths.DataDir(), paths.LogsDir(), filepath.Dir(paths.PortFile())} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("data layout creation failed", "dir", dir, "error", err)
			return 1
		}
	}

	set, err := config.Load(paths.SettingsPath())
	if err != nil {
		slog.Error("settings load failed", "path", paths.SettingsPath(), "error", err)
		return 1
	}
	if _, statErr := os.Stat(paths.SettingsPath()); os.IsNotExist(statErr) {
		// First run: persist the defaults so the settings UI has a
		// document to patch.
		if err := config.Save(paths.SettingsPath(), set); err != nil {
			slog.Warn("settings seed write failed", "error", err)
		} else {
			slog.Info("settings seeded", "path", paths.SettingsPath())
		}
	}
	snap := set.Snapshot()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:  snap.TelemetryEnabled,
		Endpoint: snap.TelemetryEndpoint,
		Protocol: snap.TelemetryProtocol,
		Service:  "ouroboros",
		Version:  Version,
	})
	if err != nil {
		slog.Warn("telemetry setup failed", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			shutdownTelemetry(flushCtx)
		}()
	}

	// Hot reload: swap the live document when settings.json changes on
	// disk. Components read through Snapshot per use, so the swap takes
	// effect without coordination.
	go func() {
		err := config.Watch(ctx, paths.SettingsPath(), func(next *config.Settings) {
			set.Replace(next)
			slog.Info("settings reloaded", "path", paths.SettingsPath())
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("settings watch stopped", "error", err)
		}
	}()

	bridge := bus.NewBridge()
	store := state.NewStore(paths.StatePath(), paths.LogsDir())
	store.SetLogSink(func(kind string, record map[string]any) { bridge.PushLog(record) })

	inbox := events.NewInbox()
	q := queue.New(paths.QueuePath(), inbox.Put)
	pool := workers.NewPool(q, inbox.Put, workers.Options{
		MaxWorkers: snap.MaxWorkers,
		Spawn:      workers.DefaultSpawn(paths.Root),
	})
	repoMgr := repo.NewManager(paths.RepoDir())
	sender := bus.NewSender(bridge, store, func() float64 { return set.Snapshot().TotalBudget })
	sched := schedule.New(func() []config.CronJob { return set.Snapshot().CronJobs })

	kstore, err := knowledge.Open(paths.KnowledgeDB())
	if err != nil {
		slog.Warn("knowledge store unavailable", "path", paths.KnowledgeDB(), "error", err)
	} else {
		defer kstore.Close()
	}

	client := providers.NewOpenRouter(snap.OpenRouterAPIKey, snap.APIBaseURL)
	gate := safety.NewGate(client, snap.ModelLight, snap.Model, repoMgr.SafetyPromptPath())
	registry := tools.NewRegistry(gate)
	registry.RegisterAll(tools.BuiltinEntries())

	if len(snap.MCPServers) > 0 {
		mcpMgr := mcp.NewManager(registry, snap.MCPServers)
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("mcp startup errors", "error", err)
		}
		defer mcpMgr.Stop()
		slog.Info("mcp servers initialized",
			"configured", len(snap.MCPServers), "tools", len(mcpMgr.ToolNames()))
	}

	// All queue mutations belong to the supervisor tick, so in-process
	// task producers route through the inbox as task_request events,
	// the same path worker processes use.
	enqueueViaInbox := func(t *queue.Task) {
		raw, err := json.Marshal(t)
		if err != nil {
			slog.Error("task request marshal failed", "task_id", t.ID, "error", err)
			return
		}
		e := events.New(events.KindTaskRequest)
		e.TaskID = t.ID
		e.TaskJSON = raw
		inbox.Put(e)
	}

	budget := budgetGuard(store, func() float64 { return set.Snapshot().TotalBudget })

	taskCtx := func(t *queue.Task) *tools.TaskContext {
		return newTaskContext(t, paths, set, inbox.Put, repoMgr, kstore)
	}

	chatLoop := agent.New(agent.Config{
		Client:   client,
		Registry: registry,
		Model:    snap.Model,
		Effort:   snap.ReasoningEffort,
		Budget:   budget,
	})
	chat := supervisor.NewChatAgent(chatLoop, agent.NewHistory(0), taskCtx, func() (int, int) {
		s := set.Snapshot()
		return s.SoftTimeoutSec, s.HardTimeoutSec
	})

	mind := consciousness.New(consciousness.Options{
		WakeupMin: time.Duration(snap.BGWakeupMin) * time.Second,
		WakeupMax: time.Duration(snap.BGWakeupMax) * time.Second,
		MaxRounds: snap.BGMaxRounds,
		Enqueue: func(prompt string, chatID int64) {
			s := set.Snapshot()
			enqueueViaInbox(queue.NewTask(queue.TypeConsciousness, prompt, chatID, s.SoftTimeoutSec, s.HardTimeoutSec))
		},
		OwnerChat: func() int64 {
			st, err := store.Load()
			if err != nil {
				return 0
			}
			return st.OwnerChat()
		},
	})

	sup := supervisor.New(supervisor.Config{
		Settings: func() *config.Settings { return set.Snapshot() },
		Store:    store,
		Queue:    q,
		Pool:     pool,
		Repo:     repoMgr,
		Inbox:    inbox,
		Bridge:   bridge,
		Sender:   sender,
		Mind:     mind,
		Sched:    sched,
		Chat:     chat,
	})

	gw := gateway.New(gateway.Config{
		Settings:     set,
		SettingsPath: paths.SettingsPath(),
		PortFile:     paths.PortFile(),
		Version:      Version,
		Bridge:       bridge,
		Store:        store,
		Repo:         repoMgr,
		Status:       sup,
	})

	var tg *telegram.Channel
	if snap.TelegramBotToken != "" {
		tg, err = telegram.New(telegram.Config{
			Token:     snap.TelegramBotToken,
			OwnerFile: paths.TelegramOwnerFile(),
			Bridge:    bridge,
		})
		if err != nil {
			slog.Error("telegram channel init failed", "error", err)
			tg = nil
		} else {
			slog.Info("telegram channel enabled")
		}
	}

	slog.Info("ouroboros host starting",
		"version", Version,
		"home", paths.Root,
		"model", snap.Model,
		"max_workers", snap.MaxWorkers,
		"budget_usd", snap.TotalBudget,
	)

	var exitCode int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(gctx) })
	if tg != nil {
		g.Go(func() error { return tg.Run(gctx) })
	}
	g.Go(func() error {
		exitCode = sup.Run(gctx)
		stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("host error", "error", err)
		if exitCode == 0 {
			return 1
		}
	}
	slog.Info("ouroboros host stopped", "exit_code", exitCode)
	return exitCode
}

// budgetGuard refuses new LLM turns once spent_usd crosses the limit.
// State read failures never block work.
func budgetGuard(store *state.Store, limit func() float64) agent.BudgetFunc {
	return func() error {
		st, err := store.Load()
		if err != nil {
			return nil
		}
		lim := limit()
		if lim > 0 && st.SpentUSD >= lim {
			return fmt.Errorf("budget exhausted: $%.2f of $%.2f spent", st.SpentUSD, lim)
		}
		return nil
	}
}

// newTaskContext builds the per-task tool environment. emit is the
// inbox in the supervisor process and the stdout pipe in workers;
// EnqueueTask stays nil so schedule_task routes child tasks through
// task_request events in both cases.
func newTaskContext(t *queue.Task, paths config.Paths, set *config.Settings,
	emit events.Handler, repoMgr *repo.Manager, kstore *knowledge.Store) *tools.TaskContext {
	tc := &tools.TaskContext{
		RepoDir:        paths.RepoDir(),
		DataDir:        paths.DataDir(),
		TaskID:         t.ID,
		TaskType:       t.Type,
		ChatID:         t.ChatID,
		Depth:          t.Depth,
		SoftTimeoutSec: t.SoftTimeoutSec,
		HardTimeoutSec: t.HardTimeoutSec,
		Emit:           emit,
		Repo:           repoMgr,
		Knowledge:      kstore,
		Scratchpad:     paths.ScratchpadPath(),
	}
	if t.Type == queue.TypeConsciousness {
		tc.MaxIterations = set.Snapshot().BGMaxRounds
	}
	return tc
}
