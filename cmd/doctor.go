package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/config"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/knowledge"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("ouroboros doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	paths := appPaths()
	fmt.Printf("  Home:     %s", paths.Root)
	if _, err := os.Stat(paths.Root); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}
	fmt.Printf("  Settings: %s", paths.SettingsPath())
	if _, err := os.Stat(paths.SettingsPath()); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	set, err := config.Load(paths.SettingsPath())
	if err != nil {
		fmt.Printf("  Settings load error: %s\n", err)
		return
	}
	s := set.Snapshot()

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("OpenRouter", s.OpenRouterAPIKey)
	checkProvider("GitHub", s.GitHubToken)

	fmt.Println()
	fmt.Println("  Models:")
	fmt.Printf("    %-12s %s\n", "main:", s.Model)
	fmt.Printf("    %-12s %s\n", "code:", s.ModelCode)
	fmt.Printf("    %-12s %s\n", "light:", s.ModelLight)
	fmt.Printf("    %-12s %s\n", "fallback:", s.ModelFallback)

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Web UI", true, true)
	checkChannel("Telegram", s.TelegramBotToken != "", s.TelegramBotToken != "")

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("git")
	for _, srv := range s.MCPServers {
		if srv.Command != "" {
			checkBinary(srv.Command)
		}
	}

	fmt.Println()
	fmt.Println("  Data:")
	checkFile("state.json", paths.StatePath())
	checkFile("queue.json", paths.QueuePath())
	checkKnowledge(paths.KnowledgeDB())
	checkRepo(paths.RepoDir())

	fmt.Println()
	fmt.Print("  Server:   ")
	if port, ok := serverHealthy(paths); ok {
		fmt.Printf("running (port %d)\n", port)
	} else {
		fmt.Println("not running")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkProvider(name, apiKey string) {
	if apiKey == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	masked := "****"
	if len(apiKey) > 8 {
		masked = apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}

func checkFile(label, path string) {
	st, err := os.Stat(path)
	if err != nil {
		fmt.Printf("    %-14s NOT FOUND\n", label+":")
		return
	}
	fmt.Printf("    %-14s %d bytes\n", label+":", st.Size())
}

func checkKnowledge(path string) {
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("    %-14s NOT FOUND (created on first serve)\n", "knowledge.db:")
		return
	}
	v, dirty, err := knowledge.MigrationVersion(path)
	switch {
	case err != nil:
		fmt.Printf("    %-14s CHECK FAILED (%s)\n", "knowledge.db:", err)
	case dirty:
		fmt.Printf("    %-14s schema v%d (DIRTY — run: ouroboros migrate up)\n", "knowledge.db:", v)
	default:
		fmt.Printf("    %-14s schema v%d\n", "knowledge.db:", v)
	}
}

func checkRepo(dir string) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		fmt.Printf("    %-14s NOT FOUND (seeded on first serve)\n", "repo:")
		return
	}
	fmt.Printf("    %-14s %s\n", "repo:", dir)
}

// serverHealthy pings the advertised port once; doctor never waits.
func serverHealthy(paths config.Paths) (int, bool) {
	port := readPortFile(paths)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/api/health", port))
	if err != nil {
		return port, false
	}
	resp.Body.Close()
	return port, resp.StatusCode == http.StatusOK
}
