package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_Exec(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pom.xml"), []byte("<project/>"), 0644))

	env, err := LocalOpener{}.Open(context.Background(), Spec{HostDir: dir})
	require.NoError(t, err)
	defer env.Close(context.Background())

	res, err := env.Exec(context.Background(), "ls && echo oops >&2 && exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "pom.xml")
	assert.Contains(t, res.Output, "oops")

	res, err = env.Exec(context.Background(), "true")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestLocal_Timeout(t *testing.T) {
	old := GracePeriod
	GracePeriod = 10 * time.Millisecond
	defer func() { GracePeriod = old }()

	env, err := LocalOpener{}.Open(context.Background(), Spec{HostDir: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := env.Exec(ctx, "echo started; sleep 30")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, res.Output, "started")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestLocal_Cancelled(t *testing.T) {
	old := GracePeriod
	GracePeriod = 10 * time.Millisecond
	defer func() { GracePeriod = old }()

	env, err := LocalOpener{}.Open(context.Background(), Spec{HostDir: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = env.Exec(ctx, "sleep 30")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestLocal_ClosedAndInvalid(t *testing.T) {
	_, err := LocalOpener{}.Open(context.Background(), Spec{HostDir: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)

	env, err := LocalOpener{}.Open(context.Background(), Spec{HostDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, env.Close(context.Background()))

	_, err = env.Exec(context.Background(), "true")
	assert.Error(t, err)
}

// fakeDocker records calls and scripts exec results
type fakeDocker struct {
	created   docker.CreateContainerOptions
	startErr  error
	execCmds  [][]string
	started   []string
	output    string
	exitCode  int
	execBlock bool
	killed    int
	removed   []docker.RemoveContainerOptions
}

func (f *fakeDocker) CreateContainer(opts docker.CreateContainerOptions) (*docker.Container, error) {
	f.created = opts
	return &docker.Container{ID: "0123456789abcdef0123"}, nil
}

func (f *fakeDocker) StartContainerWithContext(string, *docker.HostConfig, context.Context) error {
	return f.startErr
}

func (f *fakeDocker) KillContainer(docker.KillContainerOptions) error {
	f.killed++
	return nil
}

func (f *fakeDocker) RemoveContainer(opts docker.RemoveContainerOptions) error {
	f.removed = append(f.removed, opts)
	return nil
}

func (f *fakeDocker) CreateExec(opts docker.CreateExecOptions) (*docker.Exec, error) {
	f.execCmds = append(f.execCmds, opts.Cmd)
	return &docker.Exec{ID: fmt.Sprintf("exec-%d", len(f.execCmds))}, nil
}

// StartExec blocks build commands when execBlock is set; the kill
// command always returns at once
func (f *fakeDocker) StartExec(id string, opts docker.StartExecOptions) error {
	f.started = append(f.started, id)
	cmd := f.execCmds[len(f.execCmds)-1]
	if cmd[len(cmd)-1] == reapCommand {
		return nil
	}
	_, _ = io.Copy(opts.OutputStream, strings.NewReader(f.output))
	if f.execBlock {
		<-opts.Context.Done()
		return opts.Context.Err()
	}
	return nil
}

func (f *fakeDocker) InspectExec(string) (*docker.ExecInspect, error) {
	return &docker.ExecInspect{ExitCode: f.exitCode}, nil
}

func TestDocker_Lifecycle(t *testing.T) {
	fake := &fakeDocker{output: "[INFO] BUILD FAILURE\n", exitCode: 1}
	opener := newDockerOpener(fake, "", nil)

	dir := t.TempDir()
	env, err := opener.Open(context.Background(), Spec{Image: "crab-maven", HostDir: dir})
	require.NoError(t, err)

	cfg := fake.created.Config
	assert.Equal(t, "crab-maven", cfg.Image)
	assert.Equal(t, []string{"tail", "-f", "/dev/null"}, cfg.Cmd)
	assert.Equal(t, "/repo", cfg.WorkingDir)
	assert.True(t, cfg.Tty)
	assert.Equal(t, []string{dir + ":/repo:rw"}, fake.created.HostConfig.Binds)

	res, err := env.Exec(context.Background(), "mvn test")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "[INFO] BUILD FAILURE\n", res.Output)
	assert.Equal(t, []string{"sh", "-c", "mvn test"}, fake.execCmds[0])

	require.NoError(t, env.Close(context.Background()))
	require.NoError(t, env.Close(context.Background()))
	assert.Equal(t, 1, fake.killed)
	require.Len(t, fake.removed, 1)
	assert.True(t, fake.removed[0].Force)
	assert.True(t, fake.removed[0].RemoveVolumes)
}

func TestDocker_ExecTimeout(t *testing.T) {
	fake := &fakeDocker{output: "partial", execBlock: true}
	env, err := newDockerOpener(fake, "/repo", nil).Open(context.Background(), Spec{Image: "crab-gradle", HostDir: t.TempDir()})
	require.NoError(t, err)
	defer env.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := env.Exec(ctx, "gradle test")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "partial", res.Output)

	// the runaway build is killed before the container is reused
	require.Len(t, fake.execCmds, 2)
	assert.Equal(t, []string{"sh", "-c", reapCommand}, fake.execCmds[1])
	assert.Equal(t, []string{"exec-1", "exec-2"}, fake.started)
	assert.Zero(t, fake.killed, "the container itself stays up")
}

func TestDocker_StartFailureRemovesContainer(t *testing.T) {
	fake := &fakeDocker{startErr: errors.New("no such image")}
	_, err := newDockerOpener(fake, "/repo", nil).Open(context.Background(), Spec{Image: "crab-maven", HostDir: t.TempDir()})
	require.Error(t, err)
	assert.Len(t, fake.removed, 1)
}
