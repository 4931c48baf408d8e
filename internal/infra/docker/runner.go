// Package docker runs sanitized argument vectors inside short-lived containers
// with the host USB bus passed through.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"rtlbridge/internal/domain/command"
	"rtlbridge/internal/ports"
)

const (
	// DefaultUSBDevice is mapped into every container so rtl_433 can reach the dongle.
	DefaultUSBDevice = "/dev/bus/usb"

	defaultStopGrace       = 5 * time.Second
	defaultStderrTailBytes = 4 << 10
	postStopWaitTimeout    = 15 * time.Second
)

// Config describes how to create a new Runner.
type Config struct {
	Image string
	// Devices are host device paths exposed at the same path in the container.
	Devices []string
	// StopGrace is how long Docker waits after SIGTERM before killing a timed-out container.
	StopGrace time.Duration
	// SkipPull uses the local image without contacting a registry.
	SkipPull        bool
	Stdout          io.Writer
	Stderr          io.Writer
	StderrTailBytes int
	Logger          *slog.Logger
}

// Runner executes invocations in Docker containers via the official SDK.
type Runner struct {
	cli      dockerClient
	cfg      Config
	logger   *slog.Logger
	pullOnce sync.Once
	pullErr  error
}

// ensure Runner implements ports.Runner.
var _ ports.Runner = (*Runner)(nil)

// New creates a Runner connected to the Docker daemon described by the environment.
func New(cfg Config) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runner, err := newRunner(cli, cfg)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	return runner, nil
}

func newRunner(cli dockerClient, cfg Config) (*Runner, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("image must be provided")
	}
	if cfg.Devices == nil {
		cfg.Devices = []string{DefaultUSBDevice}
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.StderrTailBytes <= 0 {
		cfg.StderrTailBytes = defaultStderrTailBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cli: cli, cfg: cfg, logger: cfg.Logger}, nil
}

// Close releases the underlying Docker client resources.
func (r *Runner) Close() error {
	if r.cli == nil {
		return nil
	}
	return r.cli.Close()
}

// Run creates a container for inv.Argv, starts it and waits for it to exit.
// On timeout the container is stopped and waited for before Run returns.
func (r *Runner) Run(ctx context.Context, inv command.Invocation) command.Outcome {
	if len(inv.Argv) == 0 {
		return launchFailed(errors.New("empty argument vector"), 0)
	}

	start := time.Now()
	if err := r.ensureImage(ctx); err != nil {
		return launchFailed(err, time.Since(start))
	}

	containerID, cleanup, err := r.createContainer(ctx, inv.Argv)
	if err != nil {
		return launchFailed(err, time.Since(start))
	}
	defer cleanup()

	start = time.Now()
	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return launchFailed(fmt.Errorf("start container: %w", err), time.Since(start))
	}
	inv.Started()
	r.logger.Debug("container started", "container", shortID(containerID), "argv0", inv.Argv[0])

	waitCtx := ctx
	var cancel context.CancelFunc
	if inv.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
	}
	status, err := r.waitForExit(waitCtx, containerID)
	if cancel != nil {
		cancel()
	}

	var outcome command.Outcome
	switch {
	case err == nil:
		outcome = command.ExitOutcome(int(status.StatusCode), 0)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		outcome = r.handleTimeout(containerID)
	default:
		outcome = command.Outcome{Kind: command.OutcomeNonZeroExit, ExitCode: -1, Err: err}
	}
	outcome.Duration = time.Since(start)
	outcome.StderrTail = r.copyLogs(containerID)
	return outcome
}

func (r *Runner) ensureImage(ctx context.Context) error {
	if r.cfg.SkipPull {
		return nil
	}
	r.pullOnce.Do(func() {
		reader, err := r.cli.ImagePull(ctx, r.cfg.Image, image.PullOptions{})
		if err != nil {
			r.pullErr = fmt.Errorf("pull image %s: %w", r.cfg.Image, err)
			return
		}
		defer reader.Close()
		if _, err := io.Copy(io.Discard, reader); err != nil {
			r.pullErr = fmt.Errorf("consume pull output for %s: %w", r.cfg.Image, err)
		}
	})
	return r.pullErr
}

func (r *Runner) createContainer(ctx context.Context, argv []string) (string, func(), error) {
	hostConfig := &container.HostConfig{}
	for _, dev := range r.cfg.Devices {
		hostConfig.Resources.Devices = append(hostConfig.Resources.Devices, container.DeviceMapping{
			PathOnHost:        dev,
			PathInContainer:   dev,
			CgroupPermissions: "rwm",
		})
	}

	resp, err := r.cli.ContainerCreate(
		ctx,
		&container.Config{
			Image:        r.cfg.Image,
			Entrypoint:   argv[:1],
			Cmd:          argv[1:],
			AttachStdout: true,
			AttachStderr: true,
		},
		hostConfig,
		nil,
		nil,
		"",
	)
	if err != nil {
		return "", nil, fmt.Errorf("create container: %w", err)
	}

	cleanup := func() {
		_ = r.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	}

	return resp.ID, cleanup, nil
}

func (r *Runner) handleTimeout(containerID string) command.Outcome {
	graceSeconds := int(math.Ceil(r.cfg.StopGrace.Seconds()))
	stopCtx, cancelStop := context.WithTimeout(context.Background(), r.cfg.StopGrace+postStopWaitTimeout)
	defer cancelStop()

	if err := r.cli.ContainerStop(stopCtx, containerID, container.StopOptions{Timeout: &graceSeconds}); err != nil && !client.IsErrNotFound(err) {
		r.logger.Warn("stop container after timeout failed", "container", shortID(containerID), "error", err)
	}

	waitCtx, cancelWait := context.WithTimeout(context.Background(), postStopWaitTimeout)
	defer cancelWait()

	exitCode := -1
	status, err := r.waitForExit(waitCtx, containerID)
	if err != nil && !client.IsErrNotFound(err) {
		r.logger.Warn("wait for container after timeout failed", "container", shortID(containerID), "error", err)
	}
	if status != nil {
		exitCode = int(status.StatusCode)
	}

	return command.Outcome{Kind: command.OutcomeTimedOut, ExitCode: exitCode}
}

func (r *Runner) waitForExit(ctx context.Context, containerID string) (*container.WaitResponse, error) {
	statusCh, errCh := r.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return nil, fmt.Errorf("container error: %s", status.Error.Message)
		}
		return &status, nil
	case err := <-errCh:
		return nil, fmt.Errorf("wait for container: %w", err)
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for container: %w", ctx.Err())
	}
}

// copyLogs forwards the container output to the configured writers and
// returns the tail of stderr.
func (r *Runner) copyLogs(containerID string) string {
	logs, err := r.cli.ContainerLogs(context.Background(), containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		r.logger.Warn("fetch container logs failed", "container", shortID(containerID), "error", err)
		return ""
	}
	defer logs.Close()

	var stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(r.cfg.Stdout, io.MultiWriter(r.cfg.Stderr, &stderrBuf), logs); err != nil {
		r.logger.Warn("demultiplex container logs failed", "container", shortID(containerID), "error", err)
	}
	return tail(stderrBuf.Bytes(), r.cfg.StderrTailBytes)
}

func launchFailed(err error, dur time.Duration) command.Outcome {
	return command.Outcome{Kind: command.OutcomeLaunchFailed, ExitCode: -1, Duration: dur, Err: err}
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
