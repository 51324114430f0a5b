// Package config owns settings.json: the flat, user-editable document shared
// with the UI. Field names on disk are the uppercase keys the UI and the
// environment use; env vars with the same names override file values.
package config

import (
	"path/filepath"
	"sync"
)

// Process exit codes agreed with the launcher parent.
const (
	RestartExitCode = 42
	PanicExitCode   = 99
)

// DefaultServerPort is the first port the gateway tries.
const DefaultServerPort = 8765

// CronJob is one scheduled-task entry. The expression is standard 5-field
// cron, evaluated at minute granularity.
type CronJob struct {
	Name     string `json:"name"`
	Cron     string `json:"cron"`
	Prompt   string `json:"prompt"`
	Priority int    `json:"priority"`
}

// MCPServer describes one external tool server to source registry entries
// from. Transport is "stdio" (command + args) or "http" (url).
type MCPServer struct {
	Name    string            `json:"name"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
}

// Settings mirrors settings.json. Zero values are filled by Default().
type Settings struct {
	mu sync.RWMutex

	OpenRouterAPIKey string `json:"OPENROUTER_API_KEY"`
	GitHubToken      string `json:"GITHUB_TOKEN"`
	GitHubRepo       string `json:"GITHUB_REPO"`
	TelegramBotToken string `json:"TELEGRAM_BOT_TOKEN"`

	Model         string `json:"OUROBOROS_MODEL"`
	ModelCode     string `json:"OUROBOROS_MODEL_CODE"`
	ModelLight    string `json:"OUROBOROS_MODEL_LIGHT"`
	ModelFallback string `json:"OUROBOROS_MODEL_FALLBACK"`

	// APIBaseURL points the provider client at an OpenAI-compatible server.
	// Empty means OpenRouter.
	APIBaseURL      string `json:"OUROBOROS_API_BASE_URL"`
	ReasoningEffort string `json:"OUROBOROS_REASONING_EFFORT"`

	MaxWorkers     int     `json:"OUROBOROS_MAX_WORKERS"`
	TotalBudget    float64 `json:"TOTAL_BUDGET"`
	SoftTimeoutSec int     `json:"OUROBOROS_SOFT_TIMEOUT_SEC"`
	HardTimeoutSec int     `json:"OUROBOROS_HARD_TIMEOUT_SEC"`

	BGMaxRounds int `json:"OUROBOROS_BG_MAX_ROUNDS"`
	BGWakeupMin int `json:"OUROBOROS_BG_WAKEUP_MIN"`
	BGWakeupMax int `json:"OUROBOROS_BG_WAKEUP_MAX"`

	EvoCostThreshold float64 `json:"OUROBOROS_EVO_COST_THRESHOLD"`

	TelemetryEnabled  bool   `json:"OUROBOROS_TELEMETRY_ENABLED"`
	TelemetryEndpoint string `json:"OUROBOROS_TELEMETRY_ENDPOINT"`
	TelemetryProtocol string `json:"OUROBOROS_TELEMETRY_PROTOCOL"`

	CronJobs   []CronJob   `json:"CRON_JOBS,omitempty"`
	MCPServers []MCPServer `json:"MCP_SERVERS,omitempty"`
}

// Default returns the settings every fresh install starts from.
func Default() *Settings {
	return &Settings{
		Model:             "anthropic/claude-sonnet-4.6",
		ModelCode:         "anthropic/claude-sonnet-4.6",
		ModelLight:        "google/gemini-3-flash-preview",
		ModelFallback:     "google/gemini-3-flash-preview",
		ReasoningEffort:   "medium",
		MaxWorkers:        5,
		TotalBudget:       10.0,
		SoftTimeoutSec:    600,
		HardTimeoutSec:    1800,
		BGMaxRounds:       5,
		BGWakeupMin:       30,
		BGWakeupMax:       7200,
		EvoCostThreshold:  0.10,
		TelemetryProtocol: "grpc",
	}
}

// secretKeys are redacted on every read surface (GET /api/settings).
var secretKeys = []string{
	"OPENROUTER_API_KEY",
	"GITHUB_TOKEN",
	"TELEGRAM_BOT_TOKEN",
}

// Paths resolves the on-disk layout under the app root (default ~/Ouroboros).
type Paths struct {
	Root string
}

func DefaultPaths() Paths {
	return Paths{Root: ExpandHome("~/Ouroboros")}
}

func (p Paths) DataDir() string      { return filepath.Join(p.Root, "data") }
func (p Paths) RepoDir() string      { return filepath.Join(p.Root, "repo") }
func (p Paths) SettingsPath() string { return filepath.Join(p.DataDir(), "settings.json") }
func (p Paths) StatePath() string    { return filepath.Join(p.DataDir(), "state.json") }
func (p Paths) QueuePath() string    { return filepath.Join(p.DataDir(), "queue.json") }
func (p Paths) LogsDir() string      { return filepath.Join(p.DataDir(), "logs") }
func (p Paths) PortFile() string     { return filepath.Join(p.DataDir(), "state", "server_port") }
func (p Paths) TelegramOwnerFile() string {
	return filepath.Join(p.DataDir(), "state", "telegram_owner.json")
}
func (p Paths) KnowledgeDB() string    { return filepath.Join(p.DataDir(), "knowledge.db") }
func (p Paths) PIDFile() string        { return filepath.Join(p.Root, "ouroboros.pid") }
func (p Paths) IdentityPath() string   { return filepath.Join(p.RepoDir(), "BIBLE.md") }
func (p Paths) ScratchpadPath() string { return filepath.Join(p.RepoDir(), "SCRATCHPAD.md") }
