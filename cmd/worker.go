package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/agent"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/config"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/events"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/knowledge"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/mcp"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/providers"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/queue"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/repo"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/safety"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/state"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/tools"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/workers"
)

func workerCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one pool worker process (spawned by serve)",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runWorker(id))
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "worker id assigned by the pool")
	return cmd
}

// runWorker hosts one pool worker. Assignments arrive as JSON lines on
// stdin and events leave on stdout, so all logging goes to stderr.
func runWorker(id string) int {
	setupLogging(os.Stderr)
	if id == "" {
		slog.Error("worker requires --id")
		return 1
	}

	paths := appPaths()
	set, err := config.Load(paths.SettingsPath())
	if err != nil {
		slog.Error("settings load failed", "path", paths.SettingsPath(), "error", err)
		return 1
	}
	snap := set.Snapshot()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kstore, err := knowledge.Open(paths.KnowledgeDB())
	if err != nil {
		slog.Warn("knowledge store unavailable", "path", paths.KnowledgeDB(), "error", err)
	} else {
		defer kstore.Close()
	}

	repoMgr := repo.NewManager(paths.RepoDir())
	client := providers.NewOpenRouter(snap.OpenRouterAPIKey, snap.APIBaseURL)
	gate := safety.NewGate(client, snap.ModelLight, snap.Model, repoMgr.SafetyPromptPath())
	registry := tools.NewRegistry(gate)
	registry.RegisterAll(tools.BuiltinEntries())

	if len(snap.MCPServers) > 0 {
		mcpMgr := mcp.NewManager(registry, snap.MCPServers)
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("mcp startup errors", "worker_id", id, "error", err)
		}
		defer mcpMgr.Stop()
	}

	// The supervisor owns state.json; the worker only reads it for the
	// budget check, so every Load sees the latest flush.
	store := state.NewStore(paths.StatePath(), paths.LogsDir())

	loop := agent.New(agent.Config{
		Client:   client,
		Registry: registry,
		Model:    snap.Model,
		Effort:   snap.ReasoningEffort,
		Budget:   budgetGuard(store, func() float64 { return set.Snapshot().TotalBudget }),
	})

	rt := workers.NewRuntime(workers.RuntimeConfig{
		ID:   id,
		In:   os.Stdin,
		Out:  os.Stdout,
		Loop: loop,
		NewTaskContext: func(t *queue.Task, emit events.Handler) *tools.TaskContext {
			return newTaskContext(t, paths, set, emit, repoMgr, kstore)
		},
	})

	slog.Info("worker started", "worker_id", id, "home", paths.Root)
	if err := rt.Run(ctx); err != nil {
		slog.Error("worker runtime failed", "worker_id", id, "error", err)
		return 1
	}
	return 0
}
