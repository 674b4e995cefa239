package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/fleetd/fleetd/internal/task"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
)

// ContainerRuntime is the subset of the Docker API ContainerTask uses.
// *client.Client implements it.
type ContainerRuntime interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// NewDockerRuntime connects to the Docker daemon at host, or the
// environment's default when host is empty.
func NewDockerRuntime(host string) (*client.Client, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to Docker: %w", err)
	}
	return cli, nil
}

// ContainerTask runs the "command" parameter inside a fresh container of
// the "image" parameter and streams its output into the task log.
type ContainerTask struct {
	runtime ContainerRuntime
	desc    *task.Descriptor
	image   string
	command string
	pull    bool
	logs    task.LogSink
	logger  zerolog.Logger
}

func containerFactory(runtime ContainerRuntime) task.Factory {
	return func(scope *task.Scope) (task.Task, error) {
		img := scope.Descriptor.Param("image", "")
		if img == "" {
			return nil, errors.New("image parameter is required")
		}
		return &ContainerTask{
			runtime: runtime,
			desc:    scope.Descriptor,
			image:   img,
			command: scope.Descriptor.Param("command", ""),
			pull:    scope.Descriptor.Param("pull", "true") != "false",
			logs:    scope.Logs,
			logger:  scope.Logger.With().Str("task_body", TypeContainer).Logger(),
		}, nil
	}
}

func (t *ContainerTask) Execute(ctx context.Context) error {
	if t.pull {
		if err := t.pullImage(ctx); err != nil {
			return err
		}
	}

	containerID, err := t.createContainer(ctx)
	if err != nil {
		return err
	}

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := t.cleanup(cleanupCtx, containerID); err != nil {
			t.logger.Warn().Err(err).Str("container_id", containerID).Msg("Failed to cleanup container")
		}
	}()

	if err := t.runtime.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.streamOutput(ctx, containerID)
	}()

	exitCode, err := t.waitContainer(ctx, containerID)
	wg.Wait()

	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("container interrupted: %w", ctx.Err())
	case err != nil:
		return fmt.Errorf("failed waiting for container: %w", err)
	case exitCode != 0:
		return fmt.Errorf("container exited with code %d", exitCode)
	}
	return nil
}

func (t *ContainerTask) pullImage(ctx context.Context) error {
	_ = t.logs.Logf(task.LevelInfo, "pulling image %s", t.image)

	reader, err := t.runtime.ImagePull(ctx, t.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	// Consume the output to complete the pull
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (t *ContainerTask) createContainer(ctx context.Context) (string, error) {
	env := make([]string, 0, len(t.desc.Environment)+2)
	env = append(env,
		fmt.Sprintf("FLEETD_TASK_ID=%s", t.desc.ID),
		fmt.Sprintf("FLEETD_TASK_TYPE=%s", t.desc.TypeName),
	)
	for k, v := range t.desc.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	config := &container.Config{
		Image: t.image,
		Env:   env,
		Labels: map[string]string{
			"fleetd.task_id": t.desc.ID,
			"fleetd.agent":   "true",
		},
	}
	if t.command != "" {
		config.Cmd = []string{"/bin/sh", "-c", t.command}
	}

	hostConfig := &container.HostConfig{
		AutoRemove:  false, // removed in cleanup after logs are drained
		NetworkMode: container.NetworkMode("bridge"),
	}

	resp, err := t.runtime.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	t.logger.Debug().Str("container_id", resp.ID).Msg("Container created")
	return resp.ID, nil
}

// streamOutput follows the container's output until it exits.
func (t *ContainerTask) streamOutput(ctx context.Context, containerID string) {
	reader, err := t.runtime.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		t.logger.Debug().Err(err).Msg("Failed to attach to container logs")
		return
	}
	defer reader.Close()

	stdout := &lineWriter{level: task.LevelInfo, logs: t.logs}
	stderr := &lineWriter{level: task.LevelWarn, logs: t.logs}

	// Docker multiplexes stdout/stderr in the stream
	if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil && !errors.Is(err, io.EOF) {
		t.logger.Debug().Err(err).Msg("Error copying container output")
	}
	stdout.Flush()
	stderr.Flush()
}

func (t *ContainerTask) waitContainer(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := t.runtime.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, errors.New(status.Error.Message)
		}
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (t *ContainerTask) cleanup(ctx context.Context, containerID string) error {
	t.logger.Debug().Str("container_id", containerID).Msg("Cleaning up container")

	timeout := 10
	if err := t.runtime.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		t.logger.Debug().Err(err).Msg("Failed to stop container")
	}

	opts := container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}
	if err := t.runtime.ContainerRemove(ctx, containerID, opts); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// lineWriter splits written bytes into lines for a log sink.
type lineWriter struct {
	level string
	logs  task.LogSink
	buf   bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line; keep it for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			return len(p), nil
		}
		_ = w.logs.Log(w.level, line[:len(line)-1])
	}
}

// Flush emits a trailing line with no newline.
func (w *lineWriter) Flush() {
	if w.buf.Len() > 0 {
		_ = w.logs.Log(w.level, w.buf.String())
		w.buf.Reset()
	}
}
