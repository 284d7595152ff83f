package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/shipyard/internal/auth"
	"github.com/mattjoyce/shipyard/internal/config"
	"github.com/mattjoyce/shipyard/internal/dispatch"
	"github.com/mattjoyce/shipyard/internal/doctor"
	"github.com/mattjoyce/shipyard/internal/events"
	"github.com/mattjoyce/shipyard/internal/inspect"
	"github.com/mattjoyce/shipyard/internal/lock"
	"github.com/mattjoyce/shipyard/internal/queue"
	"github.com/mattjoyce/shipyard/internal/registry"
	"github.com/mattjoyce/shipyard/internal/status"
	"github.com/mattjoyce/shipyard/internal/storage"
	"github.com/mattjoyce/shipyard/internal/tui/tokenmgr"
	"github.com/mattjoyce/shipyard/internal/tui/watch"
)

// --- system ---

type systemStatus struct {
	Config     string         `json:"config"`
	Database   string         `json:"database"`
	Running    bool           `json:"running"`
	PID        string         `json:"pid,omitempty"`
	QueueDepth map[string]int `json:"queue_depth"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, resolved, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	depth, err := newQueue(db, cfg).Depth(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read queue depth: %v\n", err)
		return 1
	}

	st := systemStatus{
		Config:     resolved,
		Database:   cfg.State.Path,
		QueueDepth: make(map[string]int, len(depth)),
	}
	for state, n := range depth {
		st.QueueDepth[string(state)] = n
	}

	// A lock we can take means nothing else is running.
	lockPath := lock.PathFor(cfg.State.Path)
	if l, err := lock.AcquirePIDLock(lockPath); err == nil {
		_ = l.Release()
	} else if errors.Is(err, lock.ErrLocked) {
		st.Running = true
		st.PID = lock.HolderPID(lockPath)
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("config:   %s\n", st.Config)
	fmt.Printf("database: %s\n", st.Database)
	if st.Running {
		fmt.Printf("service:  running (pid %s)\n", st.PID)
	} else {
		fmt.Println("service:  stopped")
	}
	fmt.Println("queue:")
	for _, s := range []queue.State{queue.StateWaiting, queue.StateActive, queue.StateDelayedRetry, queue.StateCompleted, queue.StateFailed} {
		fmt.Printf("  %-14s %s\n", s, humanize.Comma(int64(st.QueueDepth[string(s)])))
	}
	return 0
}

// --- config ---

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfigForTool(*configPath)
	if err != nil {
		if *jsonOut {
			out, _ := doctor.FormatJSON(&doctor.Result{
				Valid:  false,
				Errors: []doctor.Issue{{Category: "config", Message: err.Error()}},
			})
			fmt.Println(out)
		} else {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		}
		return 1
	}

	result := doctor.New(cfg).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid || (*strict && len(result.Warnings) > 0) {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Compute the hash without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := *configPath
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		path = discovered
	}

	report, err := config.Lock(path, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}

	fmt.Printf("HASH %s: %s\n", report.ConfigPath, report.Hash)
	if report.Written {
		fmt.Printf("Wrote %s\n", report.ChecksumPath)
	} else {
		fmt.Printf("DRY-RUN %s not written\n", report.ChecksumPath)
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Render error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func runConfigToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	scopesArg := fs.String("scopes", "", "Comma-separated scopes; omit for the interactive picker")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var scopes []string
	if strings.TrimSpace(*scopesArg) != "" {
		for _, s := range strings.Split(*scopesArg, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if !auth.IsKnownScope(s) {
				fmt.Fprintf(os.Stderr, "Unknown scope %q (known: %s)\n", s, strings.Join(auth.KnownScopes, ", "))
				return 1
			}
			scopes = append(scopes, s)
		}
	} else {
		final, err := tea.NewProgram(tokenmgr.New()).Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			return 1
		}
		scopes = final.(tokenmgr.Model).Selected()
	}
	if len(scopes) == 0 {
		fmt.Fprintln(os.Stderr, "No scopes selected; no token generated.")
		return 1
	}

	token, err := tokenmgr.GenerateToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	snippet, err := tokenmgr.Snippet(token, scopes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Render error: %v\n", err)
		return 1
	}

	fmt.Println("# Add under api.auth.tokens:")
	fmt.Print(snippet)
	return 0
}

// --- agent ---

func runAgentList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Registry error: %v\n", err)
		return 1
	}

	agents := reg.All()
	if *jsonOut {
		data, _ := json.MarshalIndent(agents, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSOURCE REPO\tAUTO DEPLOY\tBRANCHES")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", a.Name, a.SourceRepo, a.AutoDeploy, strings.Join(a.AllowedBranches, ","))
	}
	_ = w.Flush()
	return 0
}

// --- job ---

func runJobStatus(args []string) int {
	jobID, rest := splitPositional(args)
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jobID == "" && fs.NArg() == 1 {
		jobID = fs.Arg(0)
	}
	if jobID == "" {
		fmt.Fprintln(os.Stderr, "Usage: shipyard job status <id> [--config PATH] [--json]")
		return 1
	}

	cfg, _, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	svc := status.NewService(newQueue(db, cfg))
	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(ctx, svc, jobID)
	} else {
		out, err = inspect.BuildReport(ctx, svc, jobID)
	}
	if errors.Is(err, status.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Job not found: %s\n", jobID)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status error: %v\n", err)
		return 1
	}
	fmt.Println(strings.TrimRight(out, "\n"))
	return 0
}

func runJobTrigger(args []string) int {
	agentName, rest := splitPositional(args)
	fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	branch := fs.String("branch", "", "Branch to deploy (default: agent's first allowed branch)")
	commit := fs.String("commit", "", "Commit ref to pin")
	message := fs.String("message", "", "Commit message recorded with the job")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if agentName == "" && fs.NArg() == 1 {
		agentName = fs.Arg(0)
	}
	if agentName == "" {
		fmt.Fprintln(os.Stderr, "Usage: shipyard job trigger <agent> [--branch NAME] [--commit REF]")
		return 1
	}

	cfg, _, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Registry error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	// A running service picks the job up from the shared database.
	decision, err := dispatch.New(reg, newQueue(db, cfg), events.Nop{}).Dispatch(ctx, dispatch.Trigger{
		EventType:         dispatch.EventManual,
		AgentNameOverride: agentName,
		Branch:            *branch,
		CommitRef:         *commit,
		CommitMessage:     *message,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Trigger failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(decision, "", "  ")
		fmt.Println(string(data))
	} else if decision.Outcome.Rejected() {
		fmt.Printf("Not enqueued: %s\n", decision.Outcome)
	} else {
		fmt.Printf("Enqueued %s (agent %s, branch %s)\n", decision.JobID, decision.Agent, decision.Branch)
	}

	if decision.Outcome.Rejected() {
		return 1
	}
	return 0
}

func runJobWatch(args []string) int {
	jobID, rest := splitPositional(args)
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8080", "Shipyard API URL")
	apiKey := fs.String("api-key", os.Getenv("SHIPYARD_API_KEY"), "API bearer token (or SHIPYARD_API_KEY)")
	interval := fs.Duration("interval", 2*time.Second, "Poll interval")
	noLive := fs.Bool("no-live", false, "Poll only; do not subscribe to /events")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jobID == "" && fs.NArg() == 1 {
		jobID = fs.Arg(0)
	}
	if jobID == "" {
		fmt.Fprintln(os.Stderr, "Usage: shipyard job watch <id> [--api-url URL] [--api-key KEY]")
		return 1
	}

	m := watch.New(watch.Options{
		APIURL:       *apiURL,
		APIKey:       *apiKey,
		JobID:        jobID,
		PollInterval: *interval,
		Live:         !*noLive,
	})
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return watchExitCode(final.(watch.Model))
}

// watchExitCode maps the watcher's last view to a process status.
func watchExitCode(m watch.Model) int {
	if m.Err() != nil {
		return 1
	}
	v := m.Job()
	switch {
	case v == nil:
		return 1
	case v.State == queue.StateCompleted:
		return 0
	case v.State == queue.StateFailed:
		return 2
	default:
		// Operator quit before the job finished.
		return 0
	}
}
