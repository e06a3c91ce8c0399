package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/cubicle/internal/approval"
	"github.com/basket/cubicle/internal/bus"
	"github.com/basket/cubicle/internal/meeting"
	"github.com/basket/cubicle/internal/persistence"
	"github.com/basket/cubicle/internal/runner"
)

// transport is the per-agent bot surface the supervisor drives. The real
// implementation is *Bot; tests substitute a recorder.
type transport interface {
	Start(ctx context.Context) error
	SendText(ctx context.Context, chatID int64, text string) error
	SendApprovalPrompt(ctx context.Context, chatID int64, rec persistence.ApprovalRecord) error
	SendMeetingPrompt(ctx context.Context, chatID int64, rec persistence.MeetingRecord) error
}

var _ transport = (*Bot)(nil)

// botHandle tracks one supervised bot and its shutdown plumbing.
type botHandle struct {
	t      transport
	token  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor keeps one running bot per active agent. It restores bots from
// the store at startup, reconciles on agent.changed events and routes
// operator prompts through the owning agent's bot.
type Supervisor struct {
	store      *persistence.Store
	dispatcher *runner.Dispatcher
	approvals  *approval.Coordinator
	meetings   *meeting.Orchestrator
	logger     *slog.Logger
	bus        *bus.Bus

	launch func(agent persistence.AgentRecord) transport

	mu     sync.Mutex
	bots   map[int64]*botHandle
	cancel context.CancelFunc
	sub    *bus.Subscription
	wg     sync.WaitGroup
}

var (
	_ approval.Notifier = (*Supervisor)(nil)
	_ meeting.Notifier  = (*Supervisor)(nil)
)

// NewSupervisor builds the channel supervisor. Start launches the bots.
func NewSupervisor(store *persistence.Store, dispatcher *runner.Dispatcher,
	approvals *approval.Coordinator, meetings *meeting.Orchestrator,
	logger *slog.Logger, eventBus *bus.Bus) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		store:      store,
		dispatcher: dispatcher,
		approvals:  approvals,
		meetings:   meetings,
		logger:     logger,
		bus:        eventBus,
		bots:       make(map[int64]*botHandle),
	}
	s.launch = func(agent persistence.AgentRecord) transport {
		return NewBot(agent, store, dispatcher, approvals, meetings, logger)
	}
	return s
}

// Start restores bots for every active agent and begins watching for agent
// changes. Individual bot failures are logged and retried, never fatal.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	agents, err := s.store.ListActiveAgents(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("restore channel bots: %w", err)
	}
	for _, agent := range agents {
		s.ensure(ctx, agent)
	}

	s.sub = s.bus.Subscribe(bus.TopicAgentChanged)
	s.wg.Add(1)
	go s.watch(ctx)

	s.logger.Info("channel supervisor started", "bots", s.BotCount())
	return nil
}

// Stop cancels every bot and waits for them to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s.sub != nil {
		s.bus.Unsubscribe(s.sub)
	}
	s.wg.Wait()
}

// BotCount reports how many bots are currently supervised.
func (s *Supervisor) BotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bots)
}

// ensure starts a bot for the agent unless an identical one is already
// running. A rotated token replaces the running bot.
func (s *Supervisor) ensure(ctx context.Context, agent persistence.AgentRecord) {
	if agent.BotToken == "" {
		s.logger.Warn("agent has no bot token, channel not started", "agent_id", agent.AgentID)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.bots[agent.AgentID]; ok {
		if h.token == agent.BotToken {
			return
		}
		h.cancel()
		<-h.done
		delete(s.bots, agent.AgentID)
		s.logger.Info("bot token rotated, restarting", "agent_id", agent.AgentID)
	}

	botCtx, cancel := context.WithCancel(ctx)
	h := &botHandle{
		t:      s.launch(agent),
		token:  agent.BotToken,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.bots[agent.AgentID] = h

	s.wg.Add(1)
	go s.runBot(botCtx, agent.AgentID, h)
}

// runBot keeps one bot alive, restarting it with backoff when Start fails.
// Reconnects within a healthy session are the bot's own business.
func (s *Supervisor) runBot(ctx context.Context, agentID int64, h *botHandle) {
	defer s.wg.Done()
	defer close(h.done)

	backoff := 5 * time.Second
	const maxBackoff = time.Minute

	for {
		err := h.t.Start(ctx)
		if ctx.Err() != nil || err == nil {
			return
		}
		s.logger.Error("bot terminated, restarting", "agent_id", agentID, "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Supervisor) stop(agentID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.bots[agentID]
	if !ok {
		return
	}
	h.cancel()
	<-h.done
	delete(s.bots, agentID)
	s.logger.Info("bot stopped", "agent_id", agentID)
}

func (s *Supervisor) watch(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.sub.Ch():
			if !ok {
				return
			}
			changed, ok := ev.Payload.(bus.AgentChangedEvent)
			if !ok {
				continue
			}
			s.reconcile(ctx, changed)
		}
	}
}

func (s *Supervisor) reconcile(ctx context.Context, ev bus.AgentChangedEvent) {
	if !ev.Active {
		s.stop(ev.AgentID)
		return
	}
	rec, err := s.store.GetAgent(ctx, ev.AgentID)
	if err != nil {
		s.logger.Error("reconcile agent lookup failed", "agent_id", ev.AgentID, "error", err)
		return
	}
	if rec == nil || !rec.Active {
		s.stop(ev.AgentID)
		return
	}
	s.ensure(ctx, *rec)
}

// ApprovalRequested sends the operator an approve/deny keyboard through the
// requesting agent's own bot.
func (s *Supervisor) ApprovalRequested(ctx context.Context, agent *persistence.AgentRecord, rec persistence.ApprovalRecord) error {
	operatorID, err := s.store.OperatorID(ctx)
	if err != nil {
		return err
	}
	if operatorID == 0 {
		return fmt.Errorf("no operator on the allowlist")
	}
	t := s.transportFor(agent.AgentID)
	if t == nil {
		return fmt.Errorf("no running bot for agent %d", agent.AgentID)
	}
	return t.SendApprovalPrompt(ctx, operatorID, rec)
}

// MeetingRequested sends the operator a meeting approve/decline keyboard
// through the initiating agent's bot.
func (s *Supervisor) MeetingRequested(ctx context.Context, initiator *persistence.AgentRecord, rec persistence.MeetingRecord) error {
	operatorID, err := s.store.OperatorID(ctx)
	if err != nil {
		return err
	}
	if operatorID == 0 {
		return fmt.Errorf("no operator on the allowlist")
	}
	t := s.transportFor(initiator.AgentID)
	if t == nil {
		return fmt.Errorf("no running bot for agent %d", initiator.AgentID)
	}
	return t.SendMeetingPrompt(ctx, operatorID, rec)
}

// NotifyUser delivers an asynchronous notice to a user through the given
// agent's bot.
func (s *Supervisor) NotifyUser(ctx context.Context, agentID, userID int64, text string) error {
	t := s.transportFor(agentID)
	if t == nil {
		return fmt.Errorf("no running bot for agent %d", agentID)
	}
	return t.SendText(ctx, userID, text)
}

func (s *Supervisor) transportFor(agentID int64) transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.bots[agentID]; ok {
		return h.t
	}
	return nil
}
