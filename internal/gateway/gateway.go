// Package gateway serves the local ops API: agent administration, cubicle
// and approval visibility, budget standings, manual reaper sweeps and a
// websocket event feed. Everything except the health and metrics probes
// sits behind a bearer token.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/basket/cubicle/internal/approval"
	"github.com/basket/cubicle/internal/audit"
	"github.com/basket/cubicle/internal/budget"
	"github.com/basket/cubicle/internal/bus"
	"github.com/basket/cubicle/internal/config"
	"github.com/basket/cubicle/internal/cubicle"
	"github.com/basket/cubicle/internal/meeting"
	"github.com/basket/cubicle/internal/persistence"
	"github.com/basket/cubicle/internal/reaper"
	"github.com/basket/cubicle/internal/shared"
)

// maxBodyBytes caps request bodies. Agent records are small; anything
// bigger is a mistake or an attack.
const maxBodyBytes = 1 << 20

// Config carries the collaborators the handlers reach into. Bus may be nil
// in tests that never touch /v1/events.
type Config struct {
	Store     *persistence.Store
	Cubicles  *cubicle.Manager
	Budget    *budget.Guard
	Approvals *approval.Coordinator
	Meetings  *meeting.Orchestrator
	Reaper    *reaper.Reaper
	Bus       *bus.Bus
	Logger    *slog.Logger

	AuthToken    string
	AllowOrigins []string
	RateLimit    config.RateLimitConfig
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimiter
	started time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		limiter: NewRateLimiter(cfg.RateLimit),
		started: time.Now(),
	}
}

// StartBackgroundTasks launches the rate limiter eviction sweep. Callers
// own ctx; cancelling it stops the sweep.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.limiter.StartEviction(ctx, 10*time.Minute, 30*time.Minute)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/agents", s.handleAgents)
	mux.HandleFunc("/v1/agents/", s.handleAgentByID)
	mux.HandleFunc("/v1/cubicles", s.handleCubicles)
	mux.HandleFunc("/v1/approvals", s.handleApprovals)
	mux.HandleFunc("/v1/approvals/", s.handleApprovalByID)
	mux.HandleFunc("/v1/meetings", s.handleMeetings)
	mux.HandleFunc("/v1/meetings/", s.handleMeetingByID)
	mux.HandleFunc("/v1/budgets", s.handleBudgets)
	mux.HandleFunc("/v1/reaper/run", s.handleReaperRun)
	mux.HandleFunc("/v1/events", s.handleEvents)
	return s.limiter.Wrap(withTrace(mux))
}

// withTrace stamps each request context with a trace id, honoring one the
// caller supplied. Audit rows written downstream carry it.
func withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Trace-Id"))
		if id == "" {
			id = shared.NewTraceID()
		}
		next.ServeHTTP(w, r.WithContext(shared.WithTraceID(r.Context(), id)))
	})
}

// handleHealthz reports daemon liveness. It stays unauthenticated so
// container orchestrators and the doctor can probe it, and answers 503
// when the store or the container engine stop responding.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	agents, err := s.cfg.Store.ListActiveAgents(ctx)
	dbOK := err == nil
	if !dbOK {
		s.logger.Warn("healthz store probe failed", "error", err)
	}

	engineOK := true
	activeCubicles := 0
	if s.cfg.Cubicles != nil {
		cubs, err := s.cfg.Cubicles.List(ctx)
		if err != nil {
			engineOK = false
			s.logger.Warn("healthz engine probe failed", "error", err)
		} else {
			for _, c := range cubs {
				if c.Status == cubicle.StatusActive {
					activeCubicles++
				}
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !dbOK || !engineOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy":         dbOK && engineOK,
		"db_ok":           dbOK,
		"engine_ok":       engineOK,
		"agent_count":     len(agents),
		"active_cubicles": activeCubicles,
		"uptime_seconds":  int64(time.Since(s.started).Seconds()),
	})
}

// handleMetrics emits Prometheus text format by hand. The handful of
// gauges here does not justify pulling in a client library.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	var active, hibernated int
	if s.cfg.Cubicles != nil {
		if cubs, err := s.cfg.Cubicles.List(ctx); err == nil {
			for _, c := range cubs {
				if c.Status == cubicle.StatusActive {
					active++
				} else {
					hibernated++
				}
			}
		}
	}
	fmt.Fprintf(w, "# HELP cubicled_cubicles Managed sandbox containers by status.\n")
	fmt.Fprintf(w, "# TYPE cubicled_cubicles gauge\n")
	fmt.Fprintf(w, "cubicled_cubicles{status=%q} %d\n", "active", active)
	fmt.Fprintf(w, "cubicled_cubicles{status=%q} %d\n", "hibernated", hibernated)

	if agents, err := s.cfg.Store.ListActiveAgents(ctx); err == nil {
		fmt.Fprintf(w, "# HELP cubicled_active_agents Agents currently enabled.\n")
		fmt.Fprintf(w, "# TYPE cubicled_active_agents gauge\n")
		fmt.Fprintf(w, "cubicled_active_agents %d\n", len(agents))
	}

	if pending, err := s.cfg.Store.ListPendingApprovals(ctx); err == nil {
		fmt.Fprintf(w, "# HELP cubicled_pending_approvals Commands waiting on the operator.\n")
		fmt.Fprintf(w, "# TYPE cubicled_pending_approvals gauge\n")
		fmt.Fprintf(w, "cubicled_pending_approvals %d\n", len(pending))
	}

	if rows, err := s.cfg.Store.ListSpendForDay(ctx, persistence.BudgetDay(time.Now())); err == nil {
		var spend float64
		for _, row := range rows {
			spend += row.Spent
		}
		fmt.Fprintf(w, "# HELP cubicled_spend_today_usd Recorded spend across all pairs today.\n")
		fmt.Fprintf(w, "# TYPE cubicled_spend_today_usd gauge\n")
		fmt.Fprintf(w, "cubicled_spend_today_usd %.6f\n", spend)
	}

	fmt.Fprintf(w, "# HELP cubicled_policy_denials_total Commands refused by policy since start.\n")
	fmt.Fprintf(w, "# TYPE cubicled_policy_denials_total counter\n")
	fmt.Fprintf(w, "cubicled_policy_denials_total %d\n", audit.DenyCount())

	if s.cfg.Bus != nil {
		fmt.Fprintf(w, "# HELP cubicled_bus_dropped_events_total Events discarded on full subscriber buffers.\n")
		fmt.Fprintf(w, "# TYPE cubicled_bus_dropped_events_total counter\n")
		fmt.Fprintf(w, "cubicled_bus_dropped_events_total %d\n", s.cfg.Bus.Dropped())
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	fmt.Fprintf(w, "# HELP cubicled_memory_alloc_bytes Heap bytes currently allocated.\n")
	fmt.Fprintf(w, "# TYPE cubicled_memory_alloc_bytes gauge\n")
	fmt.Fprintf(w, "cubicled_memory_alloc_bytes %d\n", mem.Alloc)

	fmt.Fprintf(w, "# HELP cubicled_uptime_seconds Seconds since the daemon started.\n")
	fmt.Fprintf(w, "# TYPE cubicled_uptime_seconds counter\n")
	fmt.Fprintf(w, "cubicled_uptime_seconds %d\n", int64(time.Since(s.started).Seconds()))
}

// agentPayload widens AgentRecord for requests: bot_token is json:"-" on
// the record so it never leaks in responses, but create and update need to
// accept it.
type agentPayload struct {
	persistence.AgentRecord
	BotToken string `json:"bot_token"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		unauthorized(w)
		return
	}

	switch r.Method {
	case http.MethodGet:
		agents, err := s.cfg.Store.ListAgents(r.Context())
		if err != nil {
			s.internalError(w, "list agents", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": agents})

	case http.MethodPost:
		var p agentPayload
		if err := decodeJSON(w, r, &p); err != nil {
			badRequest(w, err.Error())
			return
		}
		rec := p.AgentRecord
		rec.BotToken = p.BotToken
		if rec.AgentID <= 0 || rec.Name == "" || rec.Role == "" {
			badRequest(w, "agent_id, name and role are required")
			return
		}
		if err := s.cfg.Store.CreateAgent(r.Context(), rec); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				writeJSON(w, http.StatusConflict, map[string]any{"error": fmt.Sprintf("agent %d already exists", rec.AgentID)})
				return
			}
			s.internalError(w, "create agent", err)
			return
		}
		audit.RecordCtx(r.Context(), "allow", "agent.create", "gateway", "", fmt.Sprintf("agent:%d", rec.AgentID))
		s.publish(bus.TopicAgentChanged, bus.AgentChangedEvent{AgentID: rec.AgentID, Active: rec.Active})
		writeJSON(w, http.StatusCreated, rec)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		unauthorized(w)
		return
	}

	agentID, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/v1/agents/"), 10, 64)
	if err != nil || agentID <= 0 {
		badRequest(w, "invalid agent id")
		return
	}

	ctx := r.Context()
	existing, err := s.cfg.Store.GetAgent(ctx, agentID)
	if err != nil {
		s.internalError(w, "load agent", err)
		return
	}
	if existing == nil {
		notFound(w, fmt.Sprintf("agent %d not found", agentID))
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, existing)

	case http.MethodPut:
		var p agentPayload
		if err := decodeJSON(w, r, &p); err != nil {
			badRequest(w, err.Error())
			return
		}
		rec := p.AgentRecord
		rec.AgentID = agentID
		rec.BotToken = p.BotToken
		if rec.BotToken == "" {
			// Omitting the token on update keeps the stored one.
			rec.BotToken = existing.BotToken
		}
		if rec.Name == "" || rec.Role == "" {
			badRequest(w, "name and role are required")
			return
		}
		if err := s.cfg.Store.UpdateAgent(ctx, rec); err != nil {
			s.internalError(w, "update agent", err)
			return
		}
		// UpdateAgent leaves the active flag alone so the daemon can
		// disable agents without clobbering edits. Flip it separately.
		if rec.Active != existing.Active {
			if err := s.cfg.Store.SetAgentActive(ctx, agentID, rec.Active); err != nil {
				s.internalError(w, "set agent active", err)
				return
			}
		}
		audit.RecordCtx(ctx, "allow", "agent.update", "gateway", "", fmt.Sprintf("agent:%d", agentID))
		s.publish(bus.TopicAgentChanged, bus.AgentChangedEvent{AgentID: agentID, Active: rec.Active})
		writeJSON(w, http.StatusOK, rec)

	case http.MethodDelete:
		if err := s.cfg.Store.DeleteAgent(ctx, agentID); err != nil {
			s.internalError(w, "delete agent", err)
			return
		}
		audit.RecordCtx(ctx, "allow", "agent.delete", "gateway", "", fmt.Sprintf("agent:%d", agentID))
		s.publish(bus.TopicAgentChanged, bus.AgentChangedEvent{AgentID: agentID, Active: false})
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCubicles(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		unauthorized(w)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	cubs, err := s.cfg.Cubicles.List(r.Context())
	if err != nil {
		s.internalError(w, "list cubicles", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cubicles": cubs})
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		unauthorized(w)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	pending, err := s.cfg.Store.ListPendingApprovals(r.Context())
	if err != nil {
		s.internalError(w, "list approvals", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

type resolveRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

func (s *Server) handleApprovalByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		unauthorized(w)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/approvals/")
	parts := strings.SplitN(rest, "/", 2)
	approvalID := parts[0]
	if approvalID == "" {
		badRequest(w, "missing approval id")
		return
	}

	if len(parts) == 2 {
		if parts[1] != "resolve" {
			notFound(w, "unknown approval action "+parts[1])
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req resolveRequest
		if err := decodeJSON(w, r, &req); err != nil {
			badRequest(w, err.Error())
			return
		}
		approver := "gateway:" + r.RemoteAddr
		if err := s.cfg.Approvals.Resolve(r.Context(), approvalID, req.Approve, approver, req.Reason); err != nil {
			if errors.Is(err, approval.ErrInvalidApprovalReference) {
				writeJSON(w, http.StatusConflict, map[string]any{"error": "approval already resolved or unknown"})
				return
			}
			s.internalError(w, "resolve approval", err)
			return
		}
		status := "denied"
		if req.Approve {
			status = "approved"
		}
		writeJSON(w, http.StatusOK, map[string]any{"approval_id": approvalID, "status": status})
		return
	}

	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rec, err := s.cfg.Store.GetApproval(r.Context(), approvalID)
	if err != nil {
		s.internalError(w, "load approval", err)
		return
	}
	if rec == nil {
		notFound(w, "approval "+approvalID+" not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMeetings(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		unauthorized(w)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	statuses := []persistence.MeetingStatus{
		persistence.MeetingPendingApproval,
		persistence.MeetingActive,
		persistence.MeetingCompleted,
		persistence.MeetingDenied,
	}
	if q := r.URL.Query().Get("status"); q != "" {
		st := persistence.MeetingStatus(q)
		if !validMeetingStatus(st) {
			badRequest(w, "unknown meeting status "+q)
			return
		}
		statuses = []persistence.MeetingStatus{st}
	}

	meetings := make([]persistence.MeetingRecord, 0)
	for _, st := range statuses {
		rows, err := s.cfg.Store.ListMeetingsByStatus(r.Context(), st)
		if err != nil {
			s.internalError(w, "list meetings", err)
			return
		}
		meetings = append(meetings, rows...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"meetings": meetings})
}

func (s *Server) handleMeetingByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		unauthorized(w)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/meetings/")
	parts := strings.SplitN(rest, "/", 2)
	meetingID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || meetingID <= 0 {
		badRequest(w, "invalid meeting id")
		return
	}

	if len(parts) == 2 {
		if parts[1] != "resolve" {
			notFound(w, "unknown meeting action "+parts[1])
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req resolveRequest
		if err := decodeJSON(w, r, &req); err != nil {
			badRequest(w, err.Error())
			return
		}
		approver := "gateway:" + r.RemoteAddr
		if err := s.cfg.Meetings.Resolve(r.Context(), meetingID, req.Approve, approver); err != nil {
			if errors.Is(err, approval.ErrInvalidApprovalReference) {
				writeJSON(w, http.StatusConflict, map[string]any{"error": "meeting already resolved or unknown"})
				return
			}
			s.internalError(w, "resolve meeting", err)
			return
		}
		status := "denied"
		if req.Approve {
			status = "approved"
		}
		writeJSON(w, http.StatusOK, map[string]any{"meeting_id": meetingID, "status": status})
		return
	}

	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rec, err := s.cfg.Store.GetMeeting(r.Context(), meetingID)
	if err != nil {
		s.internalError(w, "load meeting", err)
		return
	}
	if rec == nil {
		notFound(w, fmt.Sprintf("meeting %d not found", meetingID))
		return
	}
	turns, err := s.cfg.Store.ListMeetingTurns(r.Context(), meetingID)
	if err != nil {
		s.internalError(w, "load transcript", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"meeting": rec, "transcript": turns})
}

// handleBudgets reports today's spend per agent and user pair, enriched
// with the effective limit from the guard.
func (s *Server) handleBudgets(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		unauthorized(w)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	day := persistence.BudgetDay(time.Now())
	rows, err := s.cfg.Store.ListSpendForDay(r.Context(), day)
	if err != nil {
		s.internalError(w, "list spend", err)
		return
	}

	budgets := make([]budget.Status, 0, len(rows))
	for _, row := range rows {
		st, err := s.cfg.Budget.Status(r.Context(), row.AgentID, row.UserID)
		if err != nil {
			s.internalError(w, "budget status", err)
			return
		}
		budgets = append(budgets, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"day": day, "budgets": budgets})
}

// handleReaperRun triggers one sweep outside the schedule. Useful when the
// operator wants hibernation now instead of at the next tick.
func (s *Server) handleReaperRun(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		unauthorized(w)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	outcome := s.cfg.Reaper.Sweep(r.Context())
	s.logger.Info("manual reaper sweep",
		"hibernated", outcome.Hibernated, "removed", outcome.Removed, "errors", outcome.Errors)
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) publish(topic string, payload interface{}) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(topic, payload)
	}
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("gateway "+op+" failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": op + " failed"})
}

func validMeetingStatus(st persistence.MeetingStatus) bool {
	switch st {
	case persistence.MeetingPendingApproval, persistence.MeetingActive,
		persistence.MeetingCompleted, persistence.MeetingDenied:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": msg})
}

func notFound(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusNotFound, map[string]any{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}
