// Package gateway hosts the local web API: REST endpoints over the
// supervisor's state and settings, git history controls, and the /ws
// feed that mirrors chat and journal traffic to the UI. It binds to
// loopback only; the owner's browser is the sole intended client.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/bus"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/config"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/fslock"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/repo"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/state"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/pkg/protocol"
)

// portTries bounds the scan for a free loopback port above the default.
const portTries = 10

// StatusSource supplies the /api/state document.
type StatusSource interface {
	StateSnapshot() protocol.StateSnapshot
}

// RepoOps is the slice of the repo manager the git endpoints use.
type RepoOps interface {
	ListCommits(ctx context.Context, n int) ([]repo.Commit, error)
	RollbackTo(ctx context.Context, ref string) error
	PromoteToStable(ctx context.Context) (string, error)
}

// Config wires a Server.
type Config struct {
	Settings     *config.Settings
	SettingsPath string
	PortFile     string
	Version      string

	Bridge *bus.Bridge
	Store  *state.Store
	Repo   RepoOps
	Status StatusSource
}

// Server is the HTTP/WebSocket host.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	httpServer *http.Server
}

// New builds a Server. Run starts it.
func New(cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		clients: make(map[*wsClient]struct{}),
	}
	// Loopback-only host; the UI is served from the same origin or a
	// local dev server, so any origin is acceptable here.
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return s
}

// Handler returns the route table; exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/settings", s.handleSettingsGet)
	mux.HandleFunc("POST /api/settings", s.handleSettingsPost)
	mux.HandleFunc("POST /api/command", s.handleCommand)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /api/git/log", s.handleGitLog)
	mux.HandleFunc("POST /api/git/rollback", s.handleGitRollback)
	mux.HandleFunc("POST /api/git/promote", s.handleGitPromote)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Run binds the first free loopback port at or above the default,
// records it in the port file, and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, port, err := listenLoopback()
	if err != nil {
		return err
	}
	if err := s.writePortFile(port); err != nil {
		slog.Warn("port file write failed", "error", err)
	}

	// Mirror bridge traffic to connected WebSocket clients for as long
	// as the server lives.
	s.cfg.Bridge.SetBroadcast(s.Broadcast)
	defer s.cfg.Bridge.SetBroadcast(nil)

	s.httpServer = &http.Server{Handler: s.Handler()}
	slog.Info("gateway listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

func listenLoopback() (net.Listener, int, error) {
	for i := 0; i < portTries; i++ {
		port := config.DefaultServerPort + i
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("gateway: no free port in %d..%d",
		config.DefaultServerPort, config.DefaultServerPort+portTries-1)
}

func (s *Server) writePortFile(port int) error {
	if s.cfg.PortFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.PortFile), 0o755); err != nil {
		return err
	}
	return fslock.WriteAtomic(s.cfg.PortFile, []byte(strconv.Itoa(port)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok", Version: s.cfg.Version})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Status.StateSnapshot())
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	doc, err := s.cfg.Settings.Redacted()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleSettingsPost merges known keys from the body into the live
// settings and persists the result. Components reading settings per
// call pick the change up immediately; the file watcher covers the
// rest.
func (s *Server) handleSettingsPost(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Settings.ApplyPatch(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := config.Save(s.cfg.SettingsPath, s.cfg.Settings); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req protocol.CommandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Cmd == "" {
		writeError(w, http.StatusBadRequest, "cmd required")
		return
	}
	s.cfg.Bridge.UISend(req.Cmd)
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	deleted := s.cfg.Store.ResetJournals()
	writeJSON(w, http.StatusOK, protocol.ResetResponse{Status: "ok", Deleted: deleted})
}

func (s *Server) handleGitLog(w http.ResponseWriter, r *http.Request) {
	n := 20
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = v
	}
	commits, err := s.cfg.Repo.ListCommits(r.Context(), n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]protocol.CommitInfo, 0, len(commits))
	for _, c := range commits {
		out = append(out, protocol.CommitInfo{SHA: c.SHA, Subject: c.Subject, Author: c.Author, Date: c.Date})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGitRollback(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req protocol.RollbackRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Ref == "" {
		writeError(w, http.StatusBadRequest, "ref required")
		return
	}
	if err := s.cfg.Repo.RollbackTo(r.Context(), req.Ref); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "ref": req.Ref})
}

func (s *Server) handleGitPromote(w http.ResponseWriter, r *http.Request) {
	result, err := s.cfg.Repo.PromoteToStable(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "result": result})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}
