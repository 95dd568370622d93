package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// containerWorkspace is where the job workspace is mounted.
const containerWorkspace = "/workspace"

// DockerExecutor runs each job in a fresh container of the job's image.
type DockerExecutor struct {
	cli  *client.Client
	pull bool
}

// NewDockerExecutor connects to the daemon named by the DOCKER_* environment.
// When pull is set the image is pulled before every job.
func NewDockerExecutor(pull bool) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	return &DockerExecutor{cli: cli, pull: pull}, nil
}

// Close releases the daemon connection.
func (d *DockerExecutor) Close() error {
	return d.cli.Close()
}

func (d *DockerExecutor) Run(ctx context.Context, e Execution, out io.Writer) (int, error) {
	if d.pull {
		if err := d.pullImage(ctx, e.Image); err != nil {
			return -1, err
		}
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      e.Image,
			Cmd:        []string{"sh", "-c", e.Command()},
			Env:        e.EnvList(),
			WorkingDir: containerWorkspace,
		},
		&container.HostConfig{
			Mounts: []mount.Mount{{
				Type:   mount.TypeBind,
				Source: e.Workspace,
				Target: containerWorkspace,
			}},
		},
		nil, nil, "",
	)
	if err != nil {
		return -1, fmt.Errorf("creating container: %w", err)
	}
	id := resp.ID
	defer d.remove(id)

	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("starting container: %w", err)
	}

	logs, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		d.kill(id)
		return -1, fmt.Errorf("attaching to container logs: %w", err)
	}
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		defer logs.Close()
		_, _ = stdcopy.StdCopy(out, out, logs)
	}()

	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			d.kill(id)
			<-copied
			return -1, ctx.Err()
		}
		d.kill(id)
		<-copied
		return -1, fmt.Errorf("waiting for container: %w", err)
	case status := <-statusCh:
		<-copied
		if status.Error != nil {
			return -1, fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (d *DockerExecutor) pullImage(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	return nil
}

func (d *DockerExecutor) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		slog.Warn("failed to kill container", "container_id", id, "error", err)
	}
}

func (d *DockerExecutor) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove container", "container_id", id, "error", err)
	}
}

var _ Executor = (*DockerExecutor)(nil)
