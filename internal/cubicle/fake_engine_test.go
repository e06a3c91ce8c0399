package cubicle

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// fakeEngine is an in-memory Engine for manager and reaper tests.
type fakeEngine struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*fakeContainer
	createErr  error
	// vanish makes Start on the given ID behave as if the container was
	// removed out from under the manager.
	vanish map[string]bool
	// execFn scripts Exec behavior; nil means exit 0 with no output.
	execFn func(ctx context.Context, id string, spec ExecSpec, stdout, stderr io.Writer) (int, error)

	creates int
	starts  int
	renames int
	stops   int
	removes int
}

type fakeContainer struct {
	id      string
	name    string
	labels  map[string]string
	running bool
	created time.Time
	spec    CreateSpec
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: make(map[string]*fakeContainer),
		vanish:     make(map[string]bool),
	}
}

// seed inserts a container directly, bypassing Create bookkeeping.
func (f *fakeEngine) seed(name string, labels map[string]string, running bool, created time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("fake-%d", f.seq)
	f.containers[id] = &fakeContainer{
		id: id, name: name, labels: labels, running: running, created: created,
	}
	return id
}

func (f *fakeEngine) get(id string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id]
}

func (f *fakeEngine) Create(_ context.Context, spec CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	for _, c := range f.containers {
		if c.name == spec.Name {
			return "", fmt.Errorf("create container: name %q already in use", spec.Name)
		}
	}
	f.seq++
	f.creates++
	id := fmt.Sprintf("fake-%d", f.seq)
	f.containers[id] = &fakeContainer{
		id:      id,
		name:    spec.Name,
		labels:  spec.Labels,
		created: time.Now().UTC(),
		spec:    spec,
	}
	return id, nil
}

func (f *fakeEngine) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.vanish[id] {
		delete(f.containers, id)
		return fmt.Errorf("start container: %w", ErrContainerNotFound)
	}
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("start container: %w", ErrContainerNotFound)
	}
	c.running = true
	return nil
}

func (f *fakeEngine) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("stop container: %w", ErrContainerNotFound)
	}
	c.running = false
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	if _, ok := f.containers[id]; !ok {
		return fmt.Errorf("remove container: %w", ErrContainerNotFound)
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeEngine) Rename(_ context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("rename container: %w", ErrContainerNotFound)
	}
	for _, other := range f.containers {
		if other.id != id && other.name == name {
			return fmt.Errorf("rename container: name %q already in use", name)
		}
	}
	f.renames++
	c.name = name
	return nil
}

func (f *fakeEngine) List(_ context.Context, labels map[string]string) ([]Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Summary
	for _, c := range f.containers {
		match := true
		for k, v := range labels {
			if c.labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, summarize(c))
		}
	}
	return out, nil
}

func (f *fakeEngine) Inspect(_ context.Context, id string) (Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return Summary{}, fmt.Errorf("inspect container: %w", ErrContainerNotFound)
	}
	return summarize(c), nil
}

func (f *fakeEngine) Exec(ctx context.Context, id string, spec ExecSpec, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	c, ok := f.containers[id]
	running := ok && c.running
	fn := f.execFn
	f.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("exec create: %w", ErrContainerNotFound)
	}
	if !running {
		return 0, fmt.Errorf("exec create: container %s is not running", id)
	}
	if fn == nil {
		return 0, nil
	}
	return fn(ctx, id, spec, stdout, stderr)
}

func (f *fakeEngine) Ping(context.Context) error { return nil }

func (f *fakeEngine) Close() error { return nil }

func summarize(c *fakeContainer) Summary {
	return Summary{
		ID:        c.id,
		Name:      "/" + c.name,
		Labels:    c.labels,
		Running:   c.running,
		CreatedAt: c.created,
	}
}
