package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattjoyce/shipyard/internal/config"
	"github.com/mattjoyce/shipyard/internal/log"
)

// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
const terminationGracePeriod = 5 * time.Second

// CommandExecutor clones the agent's repository into the workspace and runs
// the configured publish command inside the checkout.
type CommandExecutor struct {
	cloneURL       string
	publishCommand string
	locationTpl    string
	env            map[string]string
	grace          time.Duration
	logger         *slog.Logger
}

func NewCommandExecutor(cfg config.ExecutorConfig) *CommandExecutor {
	return &CommandExecutor{
		cloneURL:       cfg.CloneURL,
		publishCommand: cfg.PublishCommand,
		locationTpl:    cfg.PublishedLocation,
		env:            cfg.Env,
		grace:          terminationGracePeriod,
		logger:         log.WithComponent("deploy.command"),
	}
}

func (e *CommandExecutor) Name() string { return "command" }

func (e *CommandExecutor) Deploy(ctx context.Context, req Request) (Result, error) {
	logger := e.logger.With("job_id", req.JobID, "agent", req.AgentName, "attempt", req.Attempt)

	workDir := req.WorkspacePath
	env := append(os.Environ(), environment(req, e.env, req.WorkspacePath)...)

	var output bytes.Buffer
	if e.cloneURL != "" {
		srcDir := filepath.Join(req.WorkspacePath, "src")
		url := expand(e.cloneURL, req)

		args := []string{"clone", "--quiet", "--branch", req.Branch, "--single-branch"}
		if req.CommitRef == "" {
			args = append(args, "--depth", "1")
		}
		args = append(args, url, srcDir)

		logger.Debug("cloning source", "branch", req.Branch)
		if _, err := e.run(ctx, logger, "git clone", req.WorkspacePath, env, &output, "git", args...); err != nil {
			return Result{}, err
		}
		if req.CommitRef != "" {
			if _, err := e.run(ctx, logger, "git checkout", srcDir, env, &output, "git", "checkout", "--quiet", "--detach", req.CommitRef); err != nil {
				return Result{}, err
			}
		}
		workDir = srcDir
	}

	var stdout string
	if e.publishCommand != "" {
		logger.Debug("running publish command")
		out, err := e.run(ctx, logger, "publish", workDir, env, &output, "sh", "-c", e.publishCommand)
		if err != nil {
			return Result{}, err
		}
		stdout = out
	}

	loc, err := publishedLocation(stdout, e.locationTpl, req)
	if err != nil {
		return Result{}, err
	}
	return Result{PublishedLocation: loc, Output: truncate(output.String())}, nil
}

// run executes one step. On ctx cancellation the process gets SIGTERM, then
// SIGKILL after the grace period, and ctx.Err() is returned.
func (e *CommandExecutor) run(
	ctx context.Context,
	logger *slog.Logger,
	step, dir string,
	env []string,
	combined *bytes.Buffer,
	name string,
	args ...string,
) (string, error) {
	// Not CommandContext: termination is managed here.
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = env
	// Children of sh may hold the pipes open after the parent dies.
	cmd.WaitDelay = e.grace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", Failf("%s: start %s: %v", step, name, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		logger.Warn("deploy step cancelled, sending SIGTERM", "step", step)
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "step", step, "error", err)
		}

		grace := time.NewTimer(e.grace)
		defer grace.Stop()

		select {
		case <-waitErr:
			logger.Info("deploy step exited after SIGTERM", "step", step)
		case <-grace.C:
			logger.Warn("deploy step did not exit after SIGTERM, sending SIGKILL", "step", step)
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "step", step, "error", err)
			}
			<-waitErr
		}
		combined.Write(stdout.Bytes())
		combined.Write(stderr.Bytes())
		return "", ctx.Err()

	case err = <-waitErr:
	}

	combined.Write(stdout.Bytes())
	combined.Write(stderr.Bytes())

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail := lastLine(stderr.String())
			if detail == "" {
				detail = lastLine(stdout.String())
			}
			return "", Failf("%s exited with status %d: %s", step, exitErr.ExitCode(), detail)
		}
		return "", fmt.Errorf("%s: wait for process: %w", step, err)
	}
	return stdout.String(), nil
}
