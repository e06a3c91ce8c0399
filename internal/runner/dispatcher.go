package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/cubicle/internal/persistence"
)

// maxConcurrentRuns bounds simultaneous sandbox execs across all users.
const maxConcurrentRuns = 8

// Dispatcher accepts inbound messages, applies the per-user throttle and
// executes runs on detached goroutines so transports can acknowledge
// immediately. Runs derive from the daemon context, not the transport
// callback's, and are drained on shutdown.
type Dispatcher struct {
	runner   *Runner
	throttle *Throttle
	logger   *slog.Logger
	sem      chan struct{}
	wg       sync.WaitGroup

	mu   sync.RWMutex
	base context.Context
}

// NewDispatcher builds a dispatcher with the given per-user throttle
// settings.
func NewDispatcher(r *Runner, messagesPerMinute, messageBurst int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		runner:   r,
		throttle: NewThrottle(messagesPerMinute, messageBurst),
		logger:   logger,
		sem:      make(chan struct{}, maxConcurrentRuns),
	}
}

// Start binds the dispatcher to the daemon context and begins throttle
// bucket eviction.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.base = ctx
	d.mu.Unlock()
	d.throttle.StartEviction(ctx, 10*time.Minute, 30*time.Minute)
}

func (d *Dispatcher) context() context.Context {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.base != nil {
		return d.base
	}
	return context.Background()
}

// Dispatch queues one message for execution. It returns false when the
// user's throttle refuses the message; the transport should tell the user
// to slow down. Deliver is invoked exactly once from the run goroutine.
func (d *Dispatcher) Dispatch(agent *persistence.AgentRecord, userID int64, text string, deliver func(*Result, error)) bool {
	if !d.throttle.Allow(userID) {
		d.logger.Info("message throttled", "agent_id", agent.AgentID, "user_id", userID)
		return false
	}

	ctx := d.context()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-ctx.Done():
			deliver(nil, ctx.Err())
			return
		}
		res, err := d.runner.Run(ctx, agent, userID, text)
		deliver(res, err)
	}()
	return true
}

// Drain waits for in-flight runs up to timeout. Returns true when all
// completed in time.
func (d *Dispatcher) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
