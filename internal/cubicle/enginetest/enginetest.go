// Package enginetest provides an in-memory container engine for tests in
// other packages. It mirrors the visible behavior of the Docker engine:
// names come back with a leading slash, execs run against started
// containers and removal is final.
package enginetest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/basket/cubicle/internal/cubicle"
)

// ExecFunc scripts the sandbox side of an exec: write to stdout/stderr and
// return the exit code.
type ExecFunc func(ctx context.Context, id string, spec cubicle.ExecSpec, stdout, stderr io.Writer) (int, error)

// Container is the in-memory state of one fake container.
type Container struct {
	ID      string
	Name    string
	Labels  map[string]string
	Running bool
	Created time.Time
	Spec    cubicle.CreateSpec
}

// Engine is a scriptable cubicle.Engine. The zero value is not usable;
// call New.
type Engine struct {
	// ExecFn is invoked for every container exec when set.
	ExecFn ExecFunc
	// CreateErr fails every create when set.
	CreateErr error
	// StopErr fails every stop when set.
	StopErr error
	// RemoveErr fails every remove when set.
	RemoveErr error

	mu         sync.Mutex
	seq        int
	containers map[string]*Container
	creates    int
	execs      int
	lastExec   cubicle.ExecSpec
}

var _ cubicle.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{containers: make(map[string]*Container)}
}

func (e *Engine) Create(_ context.Context, spec cubicle.CreateSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CreateErr != nil {
		return "", e.CreateErr
	}
	for _, c := range e.containers {
		if c.Name == spec.Name {
			return "", fmt.Errorf("container name %q already in use", spec.Name)
		}
	}
	e.seq++
	e.creates++
	id := fmt.Sprintf("mem-%d", e.seq)
	e.containers[id] = &Container{
		ID: id, Name: spec.Name, Labels: spec.Labels,
		Created: time.Now().UTC(), Spec: spec,
	}
	return id, nil
}

func (e *Engine) Start(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return fmt.Errorf("start: %w", cubicle.ErrContainerNotFound)
	}
	c.Running = true
	return nil
}

func (e *Engine) Stop(_ context.Context, id string, _ time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.StopErr != nil {
		return e.StopErr
	}
	c, ok := e.containers[id]
	if !ok {
		return fmt.Errorf("stop: %w", cubicle.ErrContainerNotFound)
	}
	c.Running = false
	return nil
}

func (e *Engine) Remove(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.RemoveErr != nil {
		return e.RemoveErr
	}
	if _, ok := e.containers[id]; !ok {
		return fmt.Errorf("remove: %w", cubicle.ErrContainerNotFound)
	}
	delete(e.containers, id)
	return nil
}

func (e *Engine) Rename(_ context.Context, id, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return fmt.Errorf("rename: %w", cubicle.ErrContainerNotFound)
	}
	c.Name = name
	return nil
}

func (e *Engine) List(_ context.Context, labels map[string]string) ([]cubicle.Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []cubicle.Summary
	for _, c := range e.containers {
		match := true
		for k, v := range labels {
			if c.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, e.summarize(c))
		}
	}
	return out, nil
}

func (e *Engine) Inspect(_ context.Context, id string) (cubicle.Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return cubicle.Summary{}, fmt.Errorf("inspect: %w", cubicle.ErrContainerNotFound)
	}
	return e.summarize(c), nil
}

func (e *Engine) Exec(ctx context.Context, id string, spec cubicle.ExecSpec, stdout, stderr io.Writer) (int, error) {
	e.mu.Lock()
	c, ok := e.containers[id]
	running := ok && c.Running
	e.execs++
	e.lastExec = spec
	fn := e.ExecFn
	e.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("exec: %w", cubicle.ErrContainerNotFound)
	}
	if !running {
		return 0, fmt.Errorf("exec: container %s is not running", id)
	}
	if fn == nil {
		return 0, nil
	}
	return fn(ctx, id, spec, stdout, stderr)
}

func (e *Engine) Ping(context.Context) error { return nil }
func (e *Engine) Close() error               { return nil }

func (e *Engine) summarize(c *Container) cubicle.Summary {
	return cubicle.Summary{
		ID:        c.ID,
		Name:      "/" + c.Name,
		Labels:    c.Labels,
		Running:   c.Running,
		CreatedAt: c.Created,
	}
}

// Seed installs a container directly, bypassing create bookkeeping.
func (e *Engine) Seed(c Container) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c.ID == "" {
		e.seq++
		c.ID = fmt.Sprintf("mem-%d", e.seq)
	}
	if c.Created.IsZero() {
		c.Created = time.Now().UTC()
	}
	cp := c
	e.containers[c.ID] = &cp
}

// Container returns a copy of the container state, or nil when absent.
func (e *Engine) Container(id string) *Container {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// Containers returns a snapshot of all containers.
func (e *Engine) Containers() []Container {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Container, 0, len(e.containers))
	for _, c := range e.containers {
		out = append(out, *c)
	}
	return out
}

// Creates reports how many containers were created through Create.
func (e *Engine) Creates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.creates
}

// Execs reports how many execs ran.
func (e *Engine) Execs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.execs
}

// LastExec returns the most recent exec spec.
func (e *Engine) LastExec() cubicle.ExecSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastExec
}
