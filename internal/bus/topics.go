package bus

// Run event topics.
const (
	TopicRunStarted   = "run.started"
	TopicRunLine      = "run.line"
	TopicRunCompleted = "run.completed"
	TopicRunFailed    = "run.failed"
)

// RunStartedEvent is published when an execution pipeline run begins.
type RunStartedEvent struct {
	RunID       string
	AgentID     int64
	UserID      int64
	ContainerID string
}

// RunLineEvent is published for every conversational line streamed from a
// cubicle during a run.
type RunLineEvent struct {
	RunID   string
	AgentID int64
	UserID  int64
	Line    string
}

// RunCompletedEvent is published when a run finishes, successfully or not.
type RunCompletedEvent struct {
	RunID      string
	AgentID    int64
	UserID     int64
	DurationMS int64
	TimedOut   bool
	Err        string
}

// Cubicle lifecycle event topics.
const (
	TopicCubicleCreated    = "cubicle.created"
	TopicCubicleWoken      = "cubicle.woken"
	TopicCubicleHibernated = "cubicle.hibernated"
	TopicCubicleRemoved    = "cubicle.removed"
)

// CubicleLifecycleEvent is published on create/wake/hibernate/remove.
type CubicleLifecycleEvent struct {
	AgentID     int64
	UserID      int64
	ContainerID string
	Reason      string // "request", "reaper", "deny", "timeout"
}

// HITL approval event topics.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalResolved  = "approval.resolved"
	TopicApprovalViolation = "approval.violation"
)

// ApprovalRequestedEvent is published when a dangerous command needs operator sign-off.
type ApprovalRequestedEvent struct {
	EntryID     string
	AgentID     int64
	UserID      int64
	Command     string
	ContainerID string
}

// ApprovalResolvedEvent is published when an entry leaves the pending state.
type ApprovalResolvedEvent struct {
	EntryID  string
	Decision string // "approved" or "denied"
	Approver string
}

// ApprovalViolationEvent is published when an exec notice breaks the gate
// protocol. Kind "entry_not_approved" means the sandbox runtime executed a
// gated command before the operator answered; "unknown_token" covers
// never-requested and already-consumed tokens.
type ApprovalViolationEvent struct {
	AgentID int64
	UserID  int64
	Token   string
	Kind    string
}

// Meeting event topics.
const (
	TopicMeetingRequested = "meeting.requested"
	TopicMeetingResolved  = "meeting.resolved"
	TopicMeetingCompleted = "meeting.completed"
)

// MeetingEvent is published on meeting lifecycle transitions.
type MeetingEvent struct {
	MeetingID   int64
	InitiatorID int64
	Participant int64
	Topic       string
	Status      string
}

// Reaper and agent administration topics.
const (
	TopicReaperSweep  = "reaper.sweep"
	TopicAgentChanged = "agent.changed"
	TopicBudgetDenied = "budget.denied"
)

// ReaperSweepEvent is published after each sweep with the affected counts.
type ReaperSweepEvent struct {
	Hibernated int
	Removed    int
	Errors     int
}

// AgentChangedEvent is published when an agent row is created, updated or
// retired, so the channel supervisor can reconcile running bots.
type AgentChangedEvent struct {
	AgentID int64
	Active  bool
}

// BudgetDeniedEvent is published when a spend gate rejects a run.
type BudgetDeniedEvent struct {
	AgentID int64
	UserID  int64
	Spend   float64
	Limit   float64
}
