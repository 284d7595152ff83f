package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/shipyard/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "agent":
		return runAgentNoun(args)
	case "job":
		return runJobNoun(args)

	case "start":
		return runStart(args)
	case "doctor":
		return runConfigCheck(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: shipyard version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("shipyard %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`shipyard - durable deploy queue for agent repositories

Usage:
  shipyard <noun> <action> [flags]

System Commands:
  system start              Run workers, sweeper, API and webhooks in foreground
  system status             Show queue depth and PID lock state

Config Commands:
  config check              Validate configuration and host prerequisites
  config lock               Record the BLAKE3 hash of the config file
  config show               Print the resolved configuration
  config token              Generate a scoped API token

Agent Commands:
  agent list                List registered agents

Job Commands:
  job status <id>           Show state, attempts and outcome of a job
  job trigger <agent>       Enqueue a manual deployment
  job watch <id>            Follow a job until it finishes (TUI)

General:
  version                   Show version information
  help                      Show this help message

Use 'shipyard <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printNounHelp(os.Stderr, "system", "start, status")
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout, "system", "start, status")
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: shipyard system start [--config PATH]")
			fmt.Println("Run the deploy service in the foreground.")
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: shipyard system status [--config PATH] [--json]")
			fmt.Println("Show queue depth per state and whether a service holds the PID lock.")
			return 0
		}
		return runSystemStatus(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	const actions = "check, lock, show, token"
	if len(args) < 1 {
		printNounHelp(os.Stderr, "config", actions)
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout, "config", actions)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: shipyard config check [--config PATH] [--json] [--strict]")
			fmt.Println("Validate configuration, executor prerequisites, API and webhook settings.")
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: shipyard config lock [--config PATH] [--dry-run]")
			fmt.Println("Write .checksums next to the config file; later loads refuse a modified file.")
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: shipyard config show [--config PATH] [--json]")
			fmt.Println("Print the resolved configuration, defaults applied.")
			return 0
		}
		return runConfigShow(actionArgs)
	case "token":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: shipyard config token [--scopes a,b]")
			fmt.Println("Generate a random API token and print the api.auth.tokens entry for it.")
			fmt.Println("Without --scopes an interactive picker is shown.")
			return 0
		}
		return runConfigToken(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runAgentNoun(args []string) int {
	if len(args) < 1 {
		printNounHelp(os.Stderr, "agent", "list")
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout, "agent", "list")
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: shipyard agent list [--config PATH] [--json]")
			return 0
		}
		return runAgentList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown agent action: %s\n", action)
		return 1
	}
}

func runJobNoun(args []string) int {
	const actions = "status, trigger, watch"
	if len(args) < 1 {
		printNounHelp(os.Stderr, "job", actions)
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout, "job", actions)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "status":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: shipyard job status <id> [--config PATH] [--json]")
			fmt.Println("Read the job straight from the state database.")
			return 0
		}
		return runJobStatus(actionArgs)
	case "trigger":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: shipyard job trigger <agent> [--branch NAME] [--commit REF] [--message TEXT] [--config PATH]")
			fmt.Println("Enqueue a manual deployment. Branch defaults to the agent's first allowed branch.")
			return 0
		}
		return runJobTrigger(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: shipyard job watch <id> [--api-url URL] [--api-key KEY] [--interval D] [--no-live]")
			fmt.Println("Follow a job through a running API until it completes or fails.")
			fmt.Println("Exit status is 0 for completed, 2 for failed.")
			return 0
		}
		return runJobWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printNounHelp(w *os.File, noun, actions string) {
	fmt.Fprintf(w, "Usage: shipyard %s <action>\n", noun)
	fmt.Fprintf(w, "Actions: %s\n", actions)
}

// splitPositional pulls a leading positional argument out so flags may follow it.
func splitPositional(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

func loadConfigForTool(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, "", err
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, err
	}
	return cfg, configPath, nil
}
