package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/fslock"
)

// Load reads settings from a JSON/JSON5 file, then overlays env vars.
// A missing file yields defaults.
func Load(path string) (*Settings, error) {
	s := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.applyEnvOverrides()
			return s, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err := json5.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	s.applyEnvOverrides()
	return s, nil
}

// applyEnvOverrides overlays env vars onto the settings. Env var names equal
// the on-disk keys, so a launcher can export the whole file.
func (s *Settings) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				*dst = f
			}
		}
	}

	envStr("OPENROUTER_API_KEY", &s.OpenRouterAPIKey)
	envStr("GITHUB_TOKEN", &s.GitHubToken)
	envStr("GITHUB_REPO", &s.GitHubRepo)
	envStr("TELEGRAM_BOT_TOKEN", &s.TelegramBotToken)

	envStr("OUROBOROS_MODEL", &s.Model)
	envStr("OUROBOROS_MODEL_CODE", &s.ModelCode)
	envStr("OUROBOROS_MODEL_LIGHT", &s.ModelLight)
	envStr("OUROBOROS_MODEL_FALLBACK", &s.ModelFallback)
	envStr("OUROBOROS_API_BASE_URL", &s.APIBaseURL)
	envStr("OUROBOROS_REASONING_EFFORT", &s.ReasoningEffort)

	envInt("OUROBOROS_MAX_WORKERS", &s.MaxWorkers)
	envFloat("TOTAL_BUDGET", &s.TotalBudget)
	envInt("OUROBOROS_SOFT_TIMEOUT_SEC", &s.SoftTimeoutSec)
	envInt("OUROBOROS_HARD_TIMEOUT_SEC", &s.HardTimeoutSec)
	envInt("OUROBOROS_BG_MAX_ROUNDS", &s.BGMaxRounds)
	envInt("OUROBOROS_BG_WAKEUP_MIN", &s.BGWakeupMin)
	envInt("OUROBOROS_BG_WAKEUP_MAX", &s.BGWakeupMax)
	envFloat("OUROBOROS_EVO_COST_THRESHOLD", &s.EvoCostThreshold)

	if v := os.Getenv("OUROBOROS_TELEMETRY_ENABLED"); v != "" {
		s.TelemetryEnabled = v == "true" || v == "1"
	}
	envStr("OUROBOROS_TELEMETRY_ENDPOINT", &s.TelemetryEndpoint)
	envStr("OUROBOROS_TELEMETRY_PROTOCOL", &s.TelemetryProtocol)
}

// Save writes settings atomically under the lock sentinel.
func Save(path string, s *Settings) error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return fslock.WriteAtomic(path, data)
}

// ApplyPatch merges a raw JSON body onto the settings, touching only known
// keys. Unknown keys are ignored so clients cannot grow the file.
func (s *Settings) ApplyPatch(body []byte) error {
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(body, &patch); err != nil {
		return fmt.Errorf("parse patch: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := json.Marshal(s)
	if err != nil {
		return err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(current, &doc); err != nil {
		return err
	}
	for key, val := range patch {
		if _, known := doc[key]; known {
			doc[key] = val
		}
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, s)
}

// Redacted returns the settings as a key-value map with secrets shortened to
// their first 8 characters plus "..." ("***" when shorter).
func (s *Settings) Redacted() (map[string]any, error) {
	s.mu.RLock()
	data, err := json.Marshal(s)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	for _, key := range secretKeys {
		v, ok := doc[key].(string)
		if !ok || v == "" {
			continue
		}
		if len(v) > 8 {
			doc[key] = v[:8] + "..."
		} else {
			doc[key] = "***"
		}
	}
	return doc, nil
}

// Snapshot returns a deep copy safe to read without holding the lock.
func (s *Settings) Snapshot() *Settings {
	s.mu.RLock()
	data, _ := json.Marshal(s)
	s.mu.RUnlock()
	cp := &Settings{}
	json.Unmarshal(data, cp)
	return cp
}

// Replace swaps the settings contents in place (used by live reload).
func (s *Settings) Replace(next *Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, _ := json.Marshal(next)
	json.Unmarshal(data, s)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
