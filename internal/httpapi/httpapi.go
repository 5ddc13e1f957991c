// Package httpapi implements the Orchestrator HTTP Facade: claim/transition/
// execute/snapshot, audit query/stats, and health/metrics endpoints, per
// spec.md §6-7.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orchestrator-core/orchestrator/internal/audit"
	"github.com/orchestrator-core/orchestrator/internal/broker"
	"github.com/orchestrator-core/orchestrator/internal/scheduler"
	"github.com/orchestrator-core/orchestrator/internal/statemachine"
	"github.com/orchestrator-core/orchestrator/internal/store"
	"github.com/orchestrator-core/orchestrator/internal/token"
	"github.com/orchestrator-core/orchestrator/internal/workflowdef"
)

// jobStatusSource is satisfied by *scheduler.Scheduler; kept as a narrow
// interface so tests can stand up a Server without a real Scheduler.
type jobStatusSource interface {
	Status() []scheduler.JobStatus
}

// Server wires the facade's dependencies together and exposes a Handler.
type Server struct {
	store       *store.Store
	tokens      *token.Service
	definitions map[string]*workflowdef.Definition
	audit       *audit.Log
	broker      *broker.Broker
	sessionsDir string
	tokenTTL    time.Duration
	logger      *slog.Logger
	jobs        jobStatusSource

	loadMachine func(taskID string) (*statemachine.Machine, error)
}

// AttachScheduler registers the background job scheduler so /health can
// report each maintenance job's last outcome alongside liveness.
func (s *Server) AttachScheduler(sched jobStatusSource) {
	s.jobs = sched
}

// New constructs a Server. loadMachine resolves a task ID to its bound
// Machine (reading the session-scoped state file and wiring it against the
// shared gate/schema registries, runner, and event bus); the facade itself
// stays oblivious to those dependencies.
func New(st *store.Store, tokens *token.Service, definitions map[string]*workflowdef.Definition, auditLog *audit.Log, b *broker.Broker, sessionsDir string, tokenTTL time.Duration, loadMachine func(taskID string) (*statemachine.Machine, error), logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:       st,
		tokens:      tokens,
		definitions: definitions,
		audit:       auditLog,
		broker:      b,
		sessionsDir: sessionsDir,
		tokenTTL:    tokenTTL,
		loadMachine: loadMachine,
		logger:      logger,
	}
}

// Handler builds the chi router implementing every route in spec.md §7's
// HTTP surface, plus the expansion's /metrics.
func (s *Server) Handler(corsOrigins string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(slogMiddleware(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(corsOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks/claim", s.handleClaim)
		r.Post("/tasks/transition", s.handleTransition)
		r.Post("/tools/execute", s.handleToolsExecute)
		r.Get("/state/snapshot", s.handleSnapshot)
		r.Get("/audit/query", s.handleAuditQuery)
		r.Get("/audit/stats", s.handleAuditStats)
	})

	return r
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return []string{"*"}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func slogMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Info("http request", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
		})
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "orchestrator"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if s.jobs != nil {
		body["jobs"] = s.jobs.Status()
	}
	writeJSON(w, http.StatusOK, body)
}

// --- claim ---

type claimRequest struct {
	TaskID          string   `json:"task_id"`
	AgentID         string   `json:"agent_id"`
	WorkflowType    string   `json:"workflow_type"`
	TaskDescription string   `json:"task_description"`
	Dependencies    []string `json:"dependencies,omitempty"`
}

type claimResponse struct {
	TaskID       string   `json:"task_id"`
	Phase        string   `json:"phase"`
	Token        string   `json:"token"`
	AllowedTools []string `json:"allowed_tools"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TaskID == "" || req.AgentID == "" || req.WorkflowType == "" {
		writeError(w, http.StatusBadRequest, "task_id, agent_id, and workflow_type are required")
		return
	}

	def, ok := s.definitions[req.WorkflowType]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown workflow_type")
		return
	}
	first, ok := def.FirstPhase()
	if !ok {
		writeError(w, http.StatusNotFound, "workflow defines no phases")
		return
	}

	if err := s.store.Register(req.TaskID, req.AgentID, first.ID, req.Dependencies); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	statePath := s.sessionStatePath(req.TaskID)
	if _, err := statemachine.StartWorkflow(statePath, def, req.TaskID, req.TaskDescription, nil, nil, false); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	tok, err := s.tokens.Issue(req.TaskID, first.ID, first.AllowedTools, s.tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, claimResponse{TaskID: req.TaskID, Phase: first.ID, Token: tok, AllowedTools: first.AllowedTools})
}

// --- transition ---

// transitionRequest and transitionResponse mirror spec.md §6's wire
// contract: {task_id, current_phase, target_phase, phase_token, artifacts}
// -> {allowed, new_token?, blockers}, plus an optional force flag on the
// request that skips artifact and gate validation.
type transitionRequest struct {
	TaskID       string                 `json:"task_id"`
	CurrentPhase string                 `json:"current_phase"`
	TargetPhase  string                 `json:"target_phase"`
	PhaseToken   string                 `json:"phase_token"`
	Artifacts    map[string]interface{} `json:"artifacts,omitempty"`
	Force        bool                   `json:"force,omitempty"`
}

type transitionResponse struct {
	Allowed  bool     `json:"allowed"`
	NewToken string   `json:"new_token,omitempty"`
	Blockers []string `json:"blockers,omitempty"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	m, err := s.loadMachine(req.TaskID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if !s.tokens.Verify(r.Context(), req.PhaseToken, req.TaskID, m.Instance().CurrentPhase) {
		writeError(w, http.StatusForbidden, "invalid or expired phase token")
		return
	}

	if req.CurrentPhase != m.Instance().CurrentPhase {
		writeError(w, http.StatusBadRequest, "current_phase does not match the task's active phase")
		return
	}
	// A phase with no declared outgoing transition is the workflow's last
	// phase: completing it takes no target_phase. Otherwise target_phase
	// must name the one transition the workflow document declares out of
	// the current phase.
	if next, hasNext := m.Instance().Definition.NextPhase(req.CurrentPhase); hasNext {
		if req.TargetPhase != next.ID {
			writeError(w, http.StatusBadRequest, "no transition declared from "+req.CurrentPhase+" to "+req.TargetPhase)
			return
		}
	} else if req.TargetPhase != "" {
		writeError(w, http.StatusBadRequest, "no transition declared from "+req.CurrentPhase+" to "+req.TargetPhase)
		return
	}

	// AdvancePhase validates req.Artifacts against the current phase's
	// required artifacts and gate blockers (spec.md §4.8/§8) — a blocked
	// transition is a normal outcome (allowed=false, HTTP 200), never an
	// error response.
	done, blockers, err := m.AdvancePhase(req.Artifacts, req.Force)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(blockers) > 0 {
		writeJSON(w, http.StatusOK, transitionResponse{Allowed: false, Blockers: blockers})
		return
	}

	if err := s.store.RecordTransition(req.TaskID, m.Instance().CurrentPhase); err != nil {
		s.logger.Warn("failed to record transition in coordination store", "error", err, "task_id", req.TaskID)
	}

	resp := transitionResponse{Allowed: true}
	if !done {
		phase, _ := m.Instance().CurrentPhaseDef()
		tok, err := s.tokens.Issue(req.TaskID, phase.ID, phase.AllowedTools, s.tokenTTL)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.NewToken = tok
	} else {
		_ = s.store.MarkCompleted(req.TaskID)
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- tools/execute ---

type executeRequest struct {
	TaskID string          `json:"task_id"`
	Token  string          `json:"token"`
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
}

func (s *Server) handleToolsExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TaskID == "" || req.Token == "" || req.Tool == "" {
		writeError(w, http.StatusBadRequest, "task_id, token, and tool are required")
		return
	}

	result, err := s.broker.Execute(r.Context(), req.Token, req.TaskID, req.Tool, req.Args)
	if err != nil {
		switch err {
		case broker.ErrInvalidToken:
			writeError(w, http.StatusForbidden, err.Error())
		case broker.ErrToolNotAllowed:
			writeError(w, http.StatusForbidden, err.Error())
		case broker.ErrToolNotRegistered:
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"result": result})
}

// --- snapshot ---

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id query parameter is required")
		return
	}
	snap := s.store.Snapshot(taskID)
	writeJSON(w, http.StatusOK, snap)
}

// --- audit ---

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := audit.Query{
		TaskID:   r.URL.Query().Get("task_id"),
		Phase:    r.URL.Query().Get("phase"),
		ToolName: r.URL.Query().Get("tool_name"),
	}
	if v := r.URL.Query().Get("success"); v != "" {
		b := v == "true"
		q.Success = &b
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Limit = n
		}
	}

	entries, err := s.audit.Find(q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.audit.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) sessionStatePath(taskID string) string {
	return s.sessionsDir + "/" + taskID + "/state.json"
}

// --- JSON helpers ---

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
