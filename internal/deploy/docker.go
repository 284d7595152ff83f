package deploy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/mattjoyce/shipyard/internal/config"
	"github.com/mattjoyce/shipyard/internal/log"
)

const containerWorkspace = "/workspace"

// dockerAPI is the subset of the Docker client the executor uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, opts container.StartOptions) error
	ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, id string, opts container.StopOptions) error
	ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
}

// DockerExecutor runs the deploy inside a throwaway container with the
// workspace bind-mounted at /workspace.
type DockerExecutor struct {
	cli            dockerAPI
	image          string
	publishCommand string
	cloneURL       string
	locationTpl    string
	env            map[string]string
	logger         *slog.Logger
}

// NewDockerExecutor connects to the daemon configured by the DOCKER_* environment.
func NewDockerExecutor(cfg config.ExecutorConfig) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerExecutor(cli, cfg), nil
}

func newDockerExecutor(cli dockerAPI, cfg config.ExecutorConfig) *DockerExecutor {
	return &DockerExecutor{
		cli:            cli,
		image:          cfg.Image,
		publishCommand: cfg.PublishCommand,
		cloneURL:       cfg.CloneURL,
		locationTpl:    cfg.PublishedLocation,
		env:            cfg.Env,
		logger:         log.WithComponent("deploy.docker"),
	}
}

func (e *DockerExecutor) Name() string { return "docker" }

func (e *DockerExecutor) Deploy(ctx context.Context, req Request) (Result, error) {
	logger := e.logger.With("job_id", req.JobID, "agent", req.AgentName, "attempt", req.Attempt)

	env := environment(req, e.env, containerWorkspace)
	if e.cloneURL != "" {
		env = append(env, "SHIPYARD_CLONE_URL="+expand(e.cloneURL, req))
	}

	cfg := &container.Config{
		Image:      e.image,
		Env:        env,
		WorkingDir: containerWorkspace,
		Labels: map[string]string{
			"shipyard.managed": "true",
			"shipyard.job_id":  req.JobID,
			"shipyard.agent":   req.AgentName,
		},
	}
	if e.publishCommand != "" {
		cfg.Cmd = []string{"sh", "-c", e.publishCommand}
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: req.WorkspacePath,
			Target: containerWorkspace,
		}},
	}
	name := fmt.Sprintf("shipyard-%s-a%d", req.JobID, req.Attempt)

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if client.IsErrNotFound(err) {
		logger.Info("pulling deploy image", "image", e.image)
		reader, pullErr := e.cli.ImagePull(ctx, e.image, image.PullOptions{})
		if pullErr != nil {
			return Result{}, Failf("pull image %s: %v", e.image, pullErr)
		}
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
		resp, err = e.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		return Result{}, Failf("create container: %v", err)
	}

	defer func() {
		// Removal must run even when the attempt context is done.
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := e.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			logger.Error("failed to remove deploy container", "container", resp.ID, "error", err)
		}
	}()

	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, Failf("start container: %v", err)
	}

	statusCh, errCh := e.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case <-ctx.Done():
		logger.Warn("deploy container cancelled, stopping")
		grace := int(terminationGracePeriod / time.Second)
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminationGracePeriod+5*time.Second)
		defer cancel()
		if err := e.cli.ContainerStop(stopCtx, resp.ID, container.StopOptions{Timeout: &grace}); err != nil {
			logger.Error("failed to stop deploy container", "error", err)
		}
		return Result{}, ctx.Err()
	case err := <-errCh:
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("wait for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return Result{}, Failf("container wait: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	}

	stdout, stderr, err := e.logs(ctx, resp.ID)
	if err != nil {
		logger.Warn("failed to read container logs", "error", err)
	}

	if exitCode != 0 {
		detail := lastLine(stderr)
		if detail == "" {
			detail = lastLine(stdout)
		}
		return Result{}, Failf("deploy container exited with status %d: %s", exitCode, detail)
	}

	loc, err := publishedLocation(stdout, e.locationTpl, req)
	if err != nil {
		return Result{}, err
	}
	return Result{PublishedLocation: loc, Output: truncate(stdout + stderr)}, nil
}

func (e *DockerExecutor) logs(ctx context.Context, id string) (string, string, error) {
	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return stdout.String(), stderr.String(), err
	}
	return strings.TrimSpace(stdout.String()), stderr.String(), nil
}
