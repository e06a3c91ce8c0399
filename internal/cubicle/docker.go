package cubicle

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerEngine implements Engine against a local Docker daemon.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects to Docker using the standard environment
// (DOCKER_HOST etc.) with API version negotiation.
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

func (e *DockerEngine) Create(ctx context.Context, spec CreateSpec) (string, error) {
	pids := spec.PidsLimit
	init := true
	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	host := &container.HostConfig{
		Binds:       spec.Binds,
		NetworkMode: container.NetworkMode(spec.Network),
		SecurityOpt: []string{"no-new-privileges:true"},
		Init:        &init,
		Resources: container.Resources{
			Memory:    spec.MemoryMB * 1024 * 1024,
			NanoCPUs:  int64(spec.CPUs * 1e9),
			PidsLimit: &pids,
		},
	}
	resp, err := e.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", fmt.Errorf("image %q not present locally, pull it first: %w", spec.Image, err)
		}
		return "", e.wrap("create container", err)
	}
	return resp.ID, nil
}

func (e *DockerEngine) Start(ctx context.Context, id string) error {
	return e.wrap("start container", e.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

func (e *DockerEngine) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace / time.Second)
	return e.wrap("stop container", e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}))
}

func (e *DockerEngine) Remove(ctx context.Context, id string) error {
	opts := container.RemoveOptions{Force: true, RemoveVolumes: true}
	return e.wrap("remove container", e.cli.ContainerRemove(ctx, id, opts))
}

func (e *DockerEngine) Rename(ctx context.Context, id, name string) error {
	return e.wrap("rename container", e.cli.ContainerRename(ctx, id, name))
}

func (e *DockerEngine) List(ctx context.Context, labels map[string]string) ([]Summary, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	items, err := e.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, e.wrap("list containers", err)
	}
	out := make([]Summary, 0, len(items))
	for _, item := range items {
		name := ""
		if len(item.Names) > 0 {
			name = item.Names[0]
		}
		out = append(out, Summary{
			ID:        item.ID,
			Name:      name,
			Labels:    item.Labels,
			Running:   string(item.State) == "running",
			CreatedAt: time.Unix(item.Created, 0).UTC(),
		})
	}
	return out, nil
}

func (e *DockerEngine) Inspect(ctx context.Context, id string) (Summary, error) {
	resp, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return Summary{}, e.wrap("inspect container", err)
	}
	created, _ := time.Parse(time.RFC3339Nano, resp.Created)
	s := Summary{
		ID:        resp.ID,
		Name:      resp.Name,
		CreatedAt: created.UTC(),
	}
	if resp.State != nil {
		s.Running = resp.State.Running
	}
	if resp.Config != nil {
		s.Labels = resp.Config.Labels
	}
	return s, nil
}

// Exec runs one command inside a running container and demultiplexes its
// output into stdout and stderr. It blocks until the command exits or ctx
// is done, then reports the exit code.
func (e *DockerEngine) Exec(ctx context.Context, id string, spec ExecSpec, stdout, stderr io.Writer) (int, error) {
	create, err := e.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	})
	if err != nil {
		return 0, e.wrap("exec create", err)
	}
	attach, err := e.cli.ContainerExecAttach(ctx, create.ID, container.ExecAttachOptions{})
	if err != nil {
		return 0, e.wrap("exec attach", err)
	}
	defer attach.Close()

	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- copyErr
	}()
	select {
	case <-ctx.Done():
		attach.Close()
		<-done
		return 0, ctx.Err()
	case copyErr := <-done:
		if copyErr != nil {
			return 0, fmt.Errorf("exec stream: %w", copyErr)
		}
	}

	inspect, err := e.cli.ContainerExecInspect(ctx, create.ID)
	if err != nil {
		return 0, e.wrap("exec inspect", err)
	}
	return inspect.ExitCode, nil
}

// PullImage pulls the given image reference, streaming raw progress JSON
// to progress when non-nil.
func (e *DockerEngine) PullImage(ctx context.Context, ref string, progress io.Writer) error {
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return e.wrap("pull image", err)
	}
	defer rc.Close()
	if progress == nil {
		progress = io.Discard
	}
	if _, err := io.Copy(progress, rc); err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	return nil
}

// HasImage reports whether the image reference exists locally.
func (e *DockerEngine) HasImage(ctx context.Context, ref string) (bool, error) {
	_, err := e.cli.ImageInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, e.wrap("inspect image", err)
	}
	return true, nil
}

// ServerVersion reports the daemon version and negotiated API version.
func (e *DockerEngine) ServerVersion(ctx context.Context) (string, error) {
	v, err := e.cli.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return fmt.Sprintf("%s (api %s)", v.Version, v.APIVersion), nil
}

func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return nil
}

func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

func (e *DockerEngine) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s: %w", op, ErrContainerNotFound)
	}
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%s: %w", op, ErrEngineUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}
