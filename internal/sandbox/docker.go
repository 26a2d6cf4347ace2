package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	docker "github.com/fsouza/go-dockerclient"
	"go.uber.org/zap"
)

// dockerAPI is the subset of the Docker client used here
type dockerAPI interface {
	CreateContainer(opts docker.CreateContainerOptions) (*docker.Container, error)
	StartContainerWithContext(id string, hostConfig *docker.HostConfig, ctx context.Context) error
	KillContainer(opts docker.KillContainerOptions) error
	RemoveContainer(opts docker.RemoveContainerOptions) error
	CreateExec(opts docker.CreateExecOptions) (*docker.Exec, error)
	StartExec(id string, opts docker.StartExecOptions) error
	InspectExec(id string) (*docker.ExecInspect, error)
}

// DockerOpener starts one container per environment. The container idles
// on tail so commands can be exec'd into it; the checkout is bind-mounted
// read-write and commands run as the invoking user so build outputs stay
// owned by them.
type DockerOpener struct {
	client      dockerAPI
	mountTarget string
	user        string
	logger      *zap.Logger
}

// NewDockerOpener connects to endpoint, or to the environment's Docker
// daemon when endpoint is empty
func NewDockerOpener(endpoint, mountTarget string, logger *zap.Logger) (*DockerOpener, error) {
	var (
		client *docker.Client
		err    error
	)
	if endpoint == "" {
		client, err = docker.NewClientFromEnv()
	} else {
		client, err = docker.NewClient(endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	return newDockerOpener(client, mountTarget, logger), nil
}

func newDockerOpener(api dockerAPI, mountTarget string, logger *zap.Logger) *DockerOpener {
	if mountTarget == "" {
		mountTarget = "/repo"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DockerOpener{
		client:      api,
		mountTarget: mountTarget,
		user:        fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		logger:      logger,
	}
}

// Open creates and starts the container for spec
func (o *DockerOpener) Open(ctx context.Context, spec Spec) (Environment, error) {
	hostDir, err := filepath.Abs(spec.HostDir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", spec.HostDir, err)
	}

	hostConfig := &docker.HostConfig{
		Binds: []string{hostDir + ":" + o.mountTarget + ":rw"},
	}
	container, err := o.client.CreateContainer(docker.CreateContainerOptions{
		Config: &docker.Config{
			Image:      spec.Image,
			Cmd:        []string{"tail", "-f", "/dev/null"},
			User:       o.user,
			Tty:        true,
			WorkingDir: o.mountTarget,
		},
		HostConfig: hostConfig,
		Context:    ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("creating container from %s: %w", spec.Image, err)
	}

	env := &Docker{client: o.client, id: container.ID, workDir: o.mountTarget, logger: o.logger}
	if err := o.client.StartContainerWithContext(container.ID, nil, ctx); err != nil {
		// the container exists, so it must still be removed
		_ = env.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("starting container %s: %w", shortID(container.ID), err)
	}

	o.logger.Debug("container started",
		zap.String("container", shortID(container.ID)),
		zap.String("image", spec.Image),
		zap.String("mount", hostDir))
	return env, nil
}

// reapCommand kills every process in the container except its init,
// which ignores signals sent from inside its own namespace
const reapCommand = "kill -KILL -1 2>/dev/null; true"

const reapBudget = 10 * time.Second

// Docker is a running container bound to one checkout
type Docker struct {
	client  dockerAPI
	id      string
	workDir string
	logger  *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// ID returns the container ID
func (d *Docker) ID() string { return d.id }

// Exec runs command through sh -c inside the container
func (d *Docker) Exec(ctx context.Context, command string) (ExecResult, error) {
	exec, err := d.client.CreateExec(docker.CreateExecOptions{
		Container:    d.id,
		Cmd:          []string{"sh", "-c", command},
		WorkingDir:   d.workDir,
		AttachStdout: true,
		AttachStderr: true,
		Context:      ctx,
	})
	if err != nil {
		return ExecResult{}, classify(ctx, fmt.Errorf("creating exec: %w", err))
	}

	var out lockedBuffer
	err = d.client.StartExec(exec.ID, docker.StartExecOptions{
		OutputStream: &out,
		ErrorStream:  &out,
		Context:      ctx,
	})
	if err != nil || ctx.Err() != nil {
		if ctx.Err() != nil {
			// the exec'd command outlives the abandoned call
			d.reap(ctx)
			return ExecResult{ExitCode: -1, Output: out.String()}, classify(ctx, err)
		}
		return ExecResult{Output: out.String()}, fmt.Errorf("running exec: %w", err)
	}

	inspect, err := d.client.InspectExec(exec.ID)
	if err != nil {
		return ExecResult{Output: out.String()}, fmt.Errorf("inspecting exec: %w", err)
	}
	return ExecResult{ExitCode: inspect.ExitCode, Output: out.String()}, nil
}

func (d *Docker) reap(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reapBudget)
	defer cancel()

	exec, err := d.client.CreateExec(docker.CreateExecOptions{
		Container:    d.id,
		Cmd:          []string{"sh", "-c", reapCommand},
		AttachStdout: true,
		AttachStderr: true,
		Context:      ctx,
	})
	if err == nil {
		err = d.client.StartExec(exec.ID, docker.StartExecOptions{
			OutputStream: io.Discard,
			ErrorStream:  io.Discard,
			Context:      ctx,
		})
	}
	if err != nil {
		d.logger.Warn("killing abandoned command", zap.String("container", shortID(d.id)), zap.Error(err))
	}
}

// Close kills and removes the container, volumes included. Safe to call twice.
func (d *Docker) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		// kill fails on a container that already stopped; removal is what matters
		_ = d.client.KillContainer(docker.KillContainerOptions{ID: d.id, Signal: docker.SIGKILL, Context: ctx})
		err := d.client.RemoveContainer(docker.RemoveContainerOptions{
			ID:            d.id,
			RemoveVolumes: true,
			Force:         true,
			Context:       ctx,
		})
		if err != nil {
			d.closeErr = fmt.Errorf("removing container %s: %w", shortID(d.id), err)
			return
		}
		d.logger.Debug("container removed", zap.String("container", shortID(d.id)))
	})
	return d.closeErr
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
