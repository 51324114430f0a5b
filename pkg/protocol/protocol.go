// Package protocol defines the wire types shared between the supervisor's
// HTTP/WebSocket host and its clients (web UI, `ouroboros chat`).
package protocol

// WebSocket frame types.
const (
	// Client → server.
	FrameChat    = "chat"    // {"type":"chat","content":"..."}
	FrameCommand = "command" // {"type":"command","cmd":"/status"}

	// Server → client.
	FrameLog = "log" // {"type":"log","data":{...}}
	// Chat frames flow both ways; outbound ones carry role + content.
)

// ClientFrame is a message received on /ws.
type ClientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Cmd     string `json:"cmd,omitempty"`
}

// ChatFrame is an assistant message pushed to /ws subscribers.
type ChatFrame struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content"`
	ChatID  int64  `json:"chat_id,omitempty"`
}

// LogFrame streams a journal record to /ws subscribers.
type LogFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// HealthResponse is the GET /api/health body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// StateSnapshot is the GET /api/state body.
type StateSnapshot struct {
	Uptime            int     `json:"uptime"`
	WorkersAlive      int     `json:"workers_alive"`
	WorkersTotal      int     `json:"workers_total"`
	PendingCount      int     `json:"pending_count"`
	RunningCount      int     `json:"running_count"`
	SpentUSD          float64 `json:"spent_usd"`
	BudgetLimit       float64 `json:"budget_limit"`
	BudgetPct         float64 `json:"budget_pct"`
	Branch            string  `json:"branch"`
	SHA               string  `json:"sha"`
	EvolutionEnabled  bool    `json:"evolution_enabled"`
	EvolutionCycle    int     `json:"evolution_cycle"`
	SpentCalls        int     `json:"spent_calls"`
	SupervisorReady   bool    `json:"supervisor_ready"`
	SupervisorError   string  `json:"supervisor_error,omitempty"`
	PoolHalted        bool    `json:"pool_halted"`
	BackgroundRunning bool    `json:"background_running"`
}

// CommandRequest is the POST /api/command body.
type CommandRequest struct {
	Cmd string `json:"cmd"`
}

// ResetResponse is the POST /api/reset body.
type ResetResponse struct {
	Status  string   `json:"status"`
	Deleted []string `json:"deleted"`
}

// CommitInfo is one entry of GET /api/git/log.
type CommitInfo struct {
	SHA     string `json:"sha"`
	Subject string `json:"subject"`
	Author  string `json:"author"`
	Date    string `json:"date"`
}

// RollbackRequest is the POST /api/git/rollback body.
type RollbackRequest struct {
	Ref string `json:"ref"`
}
