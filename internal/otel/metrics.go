package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all cubicled metric instruments.
type Metrics struct {
	Runs               metric.Int64Counter
	ActiveRuns         metric.Int64UpDownCounter
	RunDuration        metric.Float64Histogram
	RunCost            metric.Float64Counter
	CubicleEvents      metric.Int64Counter
	Approvals          metric.Int64Counter
	ProtocolViolations metric.Int64Counter
	Meetings           metric.Int64Counter
	BudgetDenials      metric.Int64Counter
	ReaperHibernated   metric.Int64Counter
	ReaperRemoved      metric.Int64Counter
	ReaperErrors       metric.Int64Counter
	RateLimitRejects   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Runs, err = meter.Int64Counter("cubicled.runs",
		metric.WithDescription("Finished sandbox runs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("cubicled.runs.active",
		metric.WithDescription("Sandbox runs currently executing"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("cubicled.run.duration",
		metric.WithDescription("Sandbox run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunCost, err = meter.Float64Counter("cubicled.run.cost",
		metric.WithDescription("Total reported run cost"),
	)
	if err != nil {
		return nil, err
	}

	m.CubicleEvents, err = meter.Int64Counter("cubicled.cubicle.events",
		metric.WithDescription("Cubicle lifecycle transitions by phase"),
	)
	if err != nil {
		return nil, err
	}

	m.Approvals, err = meter.Int64Counter("cubicled.approvals",
		metric.WithDescription("Approval gate entries by decision"),
	)
	if err != nil {
		return nil, err
	}

	m.ProtocolViolations, err = meter.Int64Counter("cubicled.protocol.violations",
		metric.WithDescription("Exec notices that broke the gate protocol"),
	)
	if err != nil {
		return nil, err
	}

	m.Meetings, err = meter.Int64Counter("cubicled.meetings",
		metric.WithDescription("Meeting lifecycle transitions by status"),
	)
	if err != nil {
		return nil, err
	}

	m.BudgetDenials, err = meter.Int64Counter("cubicled.budget.denials",
		metric.WithDescription("Runs refused by the spend gate"),
	)
	if err != nil {
		return nil, err
	}

	m.ReaperHibernated, err = meter.Int64Counter("cubicled.reaper.hibernated",
		metric.WithDescription("Cubicles hibernated by reaper sweeps"),
	)
	if err != nil {
		return nil, err
	}

	m.ReaperRemoved, err = meter.Int64Counter("cubicled.reaper.removed",
		metric.WithDescription("Cubicles removed by reaper sweeps"),
	)
	if err != nil {
		return nil, err
	}

	m.ReaperErrors, err = meter.Int64Counter("cubicled.reaper.errors",
		metric.WithDescription("Item failures across reaper sweeps"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("cubicled.ratelimit.rejects",
		metric.WithDescription("Gateway requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
