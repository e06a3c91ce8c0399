package cubicle

import (
	"context"
	"errors"
	"io"
	"time"
)

// Engine-level failures. Callers branch on these to decide between
// retrying, recreating, and surfacing an operator-facing error.
var (
	// ErrEngineUnavailable means the container engine could not be
	// reached at all. Nothing container-shaped can proceed.
	ErrEngineUnavailable = errors.New("container engine unavailable")

	// ErrContainerNotFound means the referenced container no longer
	// exists. For cubicles this is recoverable: the manager retries the
	// operation as a fresh create.
	ErrContainerNotFound = errors.New("container not found")
)

// CreateSpec describes a cubicle container to create. The container runs a
// no-op command so it stays alive between messages; real work happens in
// execs against it.
type CreateSpec struct {
	Name      string
	Image     string
	Cmd       []string
	Labels    map[string]string
	Binds     []string
	Env       []string
	MemoryMB  int64
	CPUs      float64
	PidsLimit int64
	Network   string
}

// ExecSpec describes a single exec inside an existing container.
type ExecSpec struct {
	Cmd        []string
	Env        []string
	WorkingDir string
}

// Summary is the engine's view of one cubicle container.
type Summary struct {
	ID        string
	Name      string
	Labels    map[string]string
	Running   bool
	CreatedAt time.Time
}

// Engine abstracts the container runtime. The production implementation
// talks to Docker; tests substitute an in-memory fake.
type Engine interface {
	// Create provisions a stopped container and returns its ID.
	Create(ctx context.Context, spec CreateSpec) (string, error)

	// Start runs a created or stopped container.
	Start(ctx context.Context, id string) error

	// Stop gracefully stops a running container within the grace period.
	Stop(ctx context.Context, id string, grace time.Duration) error

	// Remove force-removes a container and its anonymous volumes.
	Remove(ctx context.Context, id string) error

	// Rename changes a container's name. Used to refresh the last-active
	// stamp carried in cubicle names.
	Rename(ctx context.Context, id, name string) error

	// List returns containers matching every given label, running or not.
	List(ctx context.Context, labels map[string]string) ([]Summary, error)

	// Inspect returns the current state of one container.
	Inspect(ctx context.Context, id string) (Summary, error)

	// Exec runs a command inside a running container, streaming stdout
	// and stderr to the given writers until the command exits or ctx is
	// done. It returns the command's exit code.
	Exec(ctx context.Context, id string, spec ExecSpec, stdout, stderr io.Writer) (int, error)

	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	Close() error
}
