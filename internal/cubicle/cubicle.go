// Package cubicle manages the long-lived sandbox containers that agent
// conversations run in. One cubicle exists per (agent, user) pair; it is
// created on first contact, woken from hibernation on demand, and reaped
// when idle. The container engine is the single source of truth: identity
// lives in labels, the last-active stamp lives in the container name, and
// status is always projected from live engine state.
package cubicle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/cubicle/internal/bus"
	"github.com/basket/cubicle/internal/config"
	"github.com/basket/cubicle/internal/persistence"
	"github.com/basket/cubicle/internal/workspace"
)

// WorkspaceMount is where a cubicle's workspace tree is bound inside the
// container.
const WorkspaceMount = "/workspace"

// stopGrace is how long a container gets to exit cleanly before the engine
// kills it.
const stopGrace = 10 * time.Second

// vesselCmd keeps the container alive between execs without doing work.
var vesselCmd = []string{"sleep", "infinity"}

// Status is the projected state of a cubicle.
type Status string

const (
	StatusActive      Status = "active"
	StatusHibernating Status = "hibernating"
)

// Cubicle is a point-in-time projection of one sandbox container.
type Cubicle struct {
	ContainerID string    `json:"container_id"`
	Name        string    `json:"name"`
	AgentID     int64     `json:"agent_id"`
	UserID      int64     `json:"user_id"`
	Status      Status    `json:"status"`
	LastActive  time.Time `json:"last_active"`
	CreatedAt   time.Time `json:"created_at"`
	Workspace   string    `json:"workspace"`
}

// Handle is an acquired cubicle. It pins the per-key mutex so runs against
// one (agent, user) pair serialize; callers must Release it when the run
// ends.
type Handle struct {
	Cubicle
	once    sync.Once
	release func()
}

// Release returns the per-key mutex. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

// keyMutex hands out one mutex per cubicle key.
type keyMutex struct {
	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

func (k *keyMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.keys[key]
	if !ok {
		m = &sync.Mutex{}
		k.keys[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func lockKey(agentID, userID int64) string {
	return fmt.Sprintf("%d/%d", agentID, userID)
}

// Manager owns cubicle lifecycle against a container engine.
type Manager struct {
	engine     Engine
	workspaces *workspace.Manager
	sandbox    config.SandboxConfig
	logger     *slog.Logger
	bus        *bus.Bus
	locks      keyMutex
	now        func() time.Time
}

// NewManager wires a lifecycle manager. The bus may be nil in tests.
func NewManager(engine Engine, workspaces *workspace.Manager, sandbox config.SandboxConfig, logger *slog.Logger, eventBus *bus.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		engine:     engine,
		workspaces: workspaces,
		sandbox:    sandbox,
		logger:     logger,
		bus:        eventBus,
		locks:      keyMutex{keys: make(map[string]*sync.Mutex)},
		now:        time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// GetOrCreate acquires the cubicle for (agent, user), creating or waking
// its container as needed. The returned handle holds the per-key mutex
// until released, which serializes runs for the pair and covers the
// scan-or-create critical section.
func (m *Manager) GetOrCreate(ctx context.Context, agent *persistence.AgentRecord, userID int64) (*Handle, error) {
	unlock := m.locks.lock(lockKey(agent.AgentID, userID))
	cub, err := m.acquire(ctx, agent, userID)
	if err != nil {
		unlock()
		return nil, err
	}
	h := &Handle{Cubicle: *cub}
	h.release = unlock
	return h, nil
}

func (m *Manager) acquire(ctx context.Context, agent *persistence.AgentRecord, userID int64) (*Cubicle, error) {
	found, err := m.find(ctx, agent.AgentID, userID)
	if err != nil {
		return nil, err
	}
	if found != nil {
		cub, err := m.revive(ctx, *found)
		if err == nil {
			return cub, nil
		}
		if !errors.Is(err, ErrContainerNotFound) {
			return nil, err
		}
		// The container vanished between scan and start. One retry as a
		// fresh create; the key mutex rules out a concurrent creator.
		m.logger.Warn("cubicle vanished during wake, recreating",
			"agent_id", agent.AgentID, "user_id", userID)
	}
	return m.create(ctx, agent, userID)
}

// find label-scans the engine for the pair's container. Returns nil when
// none exists. Duplicate matches should be impossible under the key mutex;
// if they happen anyway the freshest one wins.
func (m *Manager) find(ctx context.Context, agentID, userID int64) (*Summary, error) {
	matches, err := m.engine.List(ctx, IdentityLabels(agentID, userID))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	best := matches[0]
	if len(matches) > 1 {
		m.logger.Warn("duplicate cubicle containers for key",
			"agent_id", agentID, "user_id", userID, "count", len(matches))
		for _, s := range matches[1:] {
			if lastActiveOf(s).After(lastActiveOf(best)) {
				best = s
			}
		}
	}
	return &best, nil
}

func (m *Manager) revive(ctx context.Context, s Summary) (*Cubicle, error) {
	cub := m.project(s)
	if !s.Running {
		if err := m.engine.Start(ctx, s.ID); err != nil {
			return nil, err
		}
		m.logger.Info("cubicle woken",
			"agent_id", cub.AgentID, "user_id", cub.UserID, "container_id", s.ID)
		m.publish(bus.TopicCubicleWoken, cub, "request")
	}
	now := m.now()
	m.touch(ctx, s.ID, s.Name, cub.AgentID, cub.UserID, now)
	cub.Status = StatusActive
	cub.LastActive = now
	cub.Name = ContainerName(cub.AgentID, cub.UserID, now)
	return &cub, nil
}

func (m *Manager) create(ctx context.Context, agent *persistence.AgentRecord, userID int64) (*Cubicle, error) {
	ws, err := m.workspaces.Ensure(agent.AgentID, userID)
	if err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	image := agent.Image
	if image == "" {
		image = m.sandbox.Image
	}
	now := m.now()
	name := ContainerName(agent.AgentID, userID, now)
	id, err := m.engine.Create(ctx, CreateSpec{
		Name:      name,
		Image:     image,
		Cmd:       vesselCmd,
		Labels:    IdentityLabels(agent.AgentID, userID),
		Binds:     m.binds(ws.Dir()),
		MemoryMB:  m.sandbox.MemoryMB,
		CPUs:      m.sandbox.CPUs,
		PidsLimit: m.sandbox.PidsLimit,
		Network:   m.sandbox.Network,
	})
	if err != nil {
		return nil, err
	}
	if err := m.engine.Start(ctx, id); err != nil {
		return nil, fmt.Errorf("start fresh cubicle: %w", err)
	}
	cub := &Cubicle{
		ContainerID: id,
		Name:        name,
		AgentID:     agent.AgentID,
		UserID:      userID,
		Status:      StatusActive,
		LastActive:  now,
		CreatedAt:   now,
		Workspace:   ws.Dir(),
	}
	m.logger.Info("cubicle created",
		"agent_id", agent.AgentID, "user_id", userID,
		"container_id", id, "image", image)
	m.publish(bus.TopicCubicleCreated, *cub, "request")
	return cub, nil
}

func (m *Manager) binds(wsDir string) []string {
	binds := []string{wsDir + ":" + WorkspaceMount + ":rw"}
	for _, dir := range m.sandbox.CacheDirs {
		if dir == "" {
			continue
		}
		// Entries may already be host:container bind specs; bare paths
		// mount at the same path inside the container.
		if strings.Contains(dir, ":") {
			binds = append(binds, dir)
		} else {
			binds = append(binds, dir+":"+dir+":rw")
		}
	}
	return binds
}

// Touch refreshes the last-active stamp of an acquired cubicle. Rename
// failures only age the stamp early, so they are logged and swallowed.
func (m *Manager) Touch(ctx context.Context, c *Cubicle) {
	now := m.now()
	m.touch(ctx, c.ContainerID, c.Name, c.AgentID, c.UserID, now)
	c.LastActive = now
	c.Name = ContainerName(c.AgentID, c.UserID, now)
}

func (m *Manager) touch(ctx context.Context, id, currentName string, agentID, userID int64, now time.Time) {
	next := ContainerName(agentID, userID, now)
	if strings.TrimPrefix(currentName, "/") == next {
		return
	}
	if err := m.engine.Rename(ctx, id, next); err != nil {
		m.logger.Warn("refresh last-active stamp failed",
			"agent_id", agentID, "user_id", userID, "error", err)
	}
}

// Lookup projects the pair's cubicle without side effects. Returns nil
// when no container exists.
func (m *Manager) Lookup(ctx context.Context, agentID, userID int64) (*Cubicle, error) {
	found, err := m.find(ctx, agentID, userID)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, nil
	}
	cub := m.project(*found)
	return &cub, nil
}

// List projects every managed container, hibernating or not, ordered by
// (agent, user). The projection is never cached.
func (m *Manager) List(ctx context.Context) ([]Cubicle, error) {
	matches, err := m.engine.List(ctx, map[string]string{LabelManaged: "true"})
	if err != nil {
		return nil, err
	}
	out := make([]Cubicle, 0, len(matches))
	for _, s := range matches {
		if _, _, ok := ParseIdentity(s.Labels); !ok {
			m.logger.Warn("managed container with malformed identity labels",
				"container_id", s.ID, "name", s.Name)
			continue
		}
		out = append(out, m.project(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// Hibernate stops the pair's container if it is running. A missing
// container is a no-op.
func (m *Manager) Hibernate(ctx context.Context, agentID, userID int64, reason string) error {
	found, err := m.find(ctx, agentID, userID)
	if err != nil {
		return err
	}
	if found == nil || !found.Running {
		return nil
	}
	if err := m.engine.Stop(ctx, found.ID, stopGrace); err != nil {
		if errors.Is(err, ErrContainerNotFound) {
			return nil
		}
		return err
	}
	cub := m.project(*found)
	cub.Status = StatusHibernating
	m.logger.Info("cubicle hibernated",
		"agent_id", agentID, "user_id", userID, "reason", reason)
	m.publish(bus.TopicCubicleHibernated, cub, reason)
	return nil
}

// Remove force-removes the pair's container in any state. The workspace
// tree is left intact so the next create resumes with full context.
func (m *Manager) Remove(ctx context.Context, agentID, userID int64, reason string) error {
	found, err := m.find(ctx, agentID, userID)
	if err != nil {
		return err
	}
	if found == nil {
		return nil
	}
	if err := m.engine.Remove(ctx, found.ID); err != nil {
		if errors.Is(err, ErrContainerNotFound) {
			return nil
		}
		return err
	}
	cub := m.project(*found)
	m.logger.Info("cubicle removed",
		"agent_id", agentID, "user_id", userID, "reason", reason)
	m.publish(bus.TopicCubicleRemoved, cub, reason)
	return nil
}

// Suspend stops a specific container without taking the key mutex. The
// approval coordinator uses it to halt a denied run that is still holding
// its own handle; taking the mutex here would deadlock against that run.
func (m *Manager) Suspend(ctx context.Context, agentID, userID int64, containerID, reason string) error {
	if err := m.engine.Stop(ctx, containerID, stopGrace); err != nil {
		if errors.Is(err, ErrContainerNotFound) {
			return nil
		}
		return err
	}
	m.logger.Info("cubicle suspended",
		"agent_id", agentID, "user_id", userID, "reason", reason)
	m.publish(bus.TopicCubicleHibernated, Cubicle{
		ContainerID: containerID,
		AgentID:     agentID,
		UserID:      userID,
		Status:      StatusHibernating,
	}, reason)
	return nil
}

func (m *Manager) project(s Summary) Cubicle {
	agentID, userID, _ := ParseIdentity(s.Labels)
	status := StatusHibernating
	if s.Running {
		status = StatusActive
	}
	return Cubicle{
		ContainerID: s.ID,
		Name:        strings.TrimPrefix(s.Name, "/"),
		AgentID:     agentID,
		UserID:      userID,
		Status:      status,
		LastActive:  lastActiveOf(s),
		CreatedAt:   s.CreatedAt,
		Workspace:   m.workspaces.PathFor(agentID, userID),
	}
}

func (m *Manager) publish(topic string, c Cubicle, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, bus.CubicleLifecycleEvent{
		AgentID:     c.AgentID,
		UserID:      c.UserID,
		ContainerID: c.ContainerID,
		Reason:      reason,
	})
}

// lastActiveOf reads the activity stamp out of the container name, falling
// back to the create time for names minted outside this scheme.
func lastActiveOf(s Summary) time.Time {
	if _, _, stamp, ok := ParseContainerName(s.Name); ok {
		return stamp
	}
	return s.CreatedAt
}
