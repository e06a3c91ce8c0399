package otel

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/cubicle/internal/bus"
)

// Collector subscribes to the event bus and translates lifecycle events into
// metric increments. It is the only component that writes to the instruments,
// so the rest of the daemon publishes events without knowing whether telemetry
// is enabled.
type Collector struct {
	metrics *Metrics
	bus     *bus.Bus
	logger  *slog.Logger

	sub    *bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector creates a collector over the given instruments and bus.
func NewCollector(m *Metrics, eventBus *bus.Bus, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		metrics: m,
		bus:     eventBus,
		logger:  logger,
	}
}

// Start subscribes to all topics and begins recording.
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.sub = c.bus.Subscribe("")
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-c.sub.Ch():
				if !ok {
					return
				}
				c.record(ctx, ev)
			}
		}
	}()
	c.logger.Debug("telemetry collector started")
}

// Stop unsubscribes and waits for the loop to drain.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.sub != nil {
		c.bus.Unsubscribe(c.sub)
	}
	if c.done != nil {
		<-c.done
	}
}

func (c *Collector) record(ctx context.Context, ev bus.Event) {
	switch payload := ev.Payload.(type) {
	case bus.RunStartedEvent:
		c.metrics.ActiveRuns.Add(ctx, 1)

	case bus.RunCompletedEvent:
		c.metrics.ActiveRuns.Add(ctx, -1)
		c.metrics.Runs.Add(ctx, 1,
			metric.WithAttributes(AttrOutcome.String(runOutcome(ev.Topic, payload))))
		c.metrics.RunDuration.Record(ctx, float64(payload.DurationMS)/1000)

	case bus.CubicleLifecycleEvent:
		phase := strings.TrimPrefix(ev.Topic, "cubicle.")
		c.metrics.CubicleEvents.Add(ctx, 1,
			metric.WithAttributes(attribute.String("phase", phase)))

	case bus.ApprovalRequestedEvent:
		c.metrics.Approvals.Add(ctx, 1,
			metric.WithAttributes(attribute.String("decision", "requested")))

	case bus.ApprovalResolvedEvent:
		c.metrics.Approvals.Add(ctx, 1,
			metric.WithAttributes(attribute.String("decision", payload.Decision)))

	case bus.ApprovalViolationEvent:
		c.metrics.ProtocolViolations.Add(ctx, 1,
			metric.WithAttributes(attribute.String("kind", payload.Kind)))

	case bus.MeetingEvent:
		c.metrics.Meetings.Add(ctx, 1,
			metric.WithAttributes(attribute.String("status", payload.Status)))

	case bus.BudgetDeniedEvent:
		c.metrics.BudgetDenials.Add(ctx, 1)

	case bus.ReaperSweepEvent:
		c.metrics.ReaperHibernated.Add(ctx, int64(payload.Hibernated))
		c.metrics.ReaperRemoved.Add(ctx, int64(payload.Removed))
		c.metrics.ReaperErrors.Add(ctx, int64(payload.Errors))
	}
}

func runOutcome(topic string, ev bus.RunCompletedEvent) string {
	if ev.TimedOut {
		return "timeout"
	}
	if topic == bus.TopicRunFailed {
		return "failed"
	}
	return "ok"
}
