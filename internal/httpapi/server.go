// Package httpapi exposes the fabric's submit/inspect REST surface and the
// progress WebSocket endpoint, bridging HTTP clients to the task store, the
// work log, and the fan-out bus. Routing is a plain http.ServeMux with
// prefix handlers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/templatefabric/internal/progress"
	"github.com/c360studio/templatefabric/internal/task"
	"github.com/c360studio/templatefabric/internal/version"
)

// IdempotencyWindow bounds how long a submitted Idempotency-Key returns the
// prior task instead of creating a new one.
const IdempotencyWindow = 10 * time.Minute

// maxListLimit caps GET /jobs result pages.
const maxListLimit = 100

// TaskStore is the surface the HTTP layer needs from internal/task.Store.
type TaskStore interface {
	Create(ctx context.Context, kind task.Kind, relatedID, creatorID, providerName, traceID string) (string, error)
	Get(ctx context.Context, taskID string) (*task.Job, error)
	List(ctx context.Context, filter task.Filter) ([]*task.Job, error)
	Cancel(ctx context.Context, taskID string) error
	Fail(ctx context.Context, taskID, errMsg string, kind task.ErrorKind) error
}

// Appender is the slice of worklog.Dispatcher the submit path needs.
type Appender interface {
	Append(ctx context.Context, kind task.Kind, payload map[string]string) (string, error)
}

// TemplateStore is the surface the template endpoints need from
// internal/version.
type TemplateStore interface {
	Get(ctx context.Context, templateID string) (*version.Template, error)
	ListVersions(ctx context.Context, templateID string) ([]*version.Version, error)
	GetVersion(ctx context.Context, templateID string, versionNumber int) (*version.Version, error)
	Restore(ctx context.Context, templateID string, targetVersion int, restorer string) (int, error)
}

// Bus is the subscription surface the WS endpoint needs from the progress
// bus. The returned close function must be idempotent.
type Bus interface {
	Subscribe(taskID string) (<-chan *progress.Event, func() error, error)
}

// idemEntry remembers a prior submit under an Idempotency-Key.
type idemEntry struct {
	taskID  string
	expires time.Time
}

// Server handles the REST and WebSocket surface.
type Server struct {
	store      TaskStore
	dispatcher Appender
	templates  TemplateStore
	bus        Bus
	logger     *slog.Logger
	now        func() time.Time

	idemMu sync.Mutex
	idem   map[string]idemEntry

	pingInterval time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithTemplates wires the template read/restore endpoints.
func WithTemplates(ts TemplateStore) Option {
	return func(s *Server) { s.templates = ts }
}

// WithClock overrides the server's time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer builds the HTTP surface around the fabric's stores and bus.
func NewServer(store TaskStore, dispatcher Appender, bus Bus, opts ...Option) *Server {
	s := &Server{
		store:        store,
		dispatcher:   dispatcher,
		bus:          bus,
		logger:       slog.Default(),
		now:          time.Now,
		idem:         make(map[string]idemEntry),
		pingInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHandlers mounts every route on mux.
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/jobs", s.handleJobsCollection)
	mux.HandleFunc("/jobs/", s.handleJobsPath)
	mux.HandleFunc("/ws/jobs/", s.handleWS)
	mux.HandleFunc("/templates/", s.handleTemplates)
	mux.HandleFunc("/healthz", s.handleHealthz)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitRequest is the union body of POST /jobs/{kind}; kind-specific fields
// are validated per kind.
type submitRequest struct {
	RelatedID string `json:"related_id"`
	CreatorID string `json:"creator_id"`
	TraceID   string `json:"trace_id,omitempty"`
	Provider  string `json:"provider,omitempty"`

	FilePath         string `json:"file_path,omitempty"`
	OriginalFilename string `json:"original_filename,omitempty"`
	ISOStandard      string `json:"iso_standard,omitempty"`
	CustomRules      string `json:"custom_rules,omitempty"`

	TemplateID    string `json:"template_id,omitempty"`
	ChangeRequest string `json:"change_request,omitempty"`
	ReviewFocus   string `json:"review_focus,omitempty"`
}

// submitResponse is the 202 Accepted body.
type submitResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// kindFromPath maps the {kind} path segment onto a job kind.
func kindFromPath(segment string) (task.Kind, bool) {
	switch segment {
	case "parse":
		return task.KindTemplateParse, true
	case "edit":
		return task.KindTemplateEdit, true
	case "review":
		return task.KindTemplateReview, true
	default:
		return "", false
	}
}

// handleJobsCollection serves GET /jobs with status/kind/limit/offset filters.
func (s *Server) handleJobsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter := task.Filter{Limit: 20}
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		filter.State = task.State(v)
	}
	if v := q.Get("kind"); v != "" {
		filter.Kind = task.Kind(v)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		filter.Offset = n
	}

	jobs, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list jobs failed", "error", err)
		http.Error(w, "task store unavailable", http.StatusServiceUnavailable)
		return
	}
	if jobs == nil {
		jobs = []*task.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// handleJobsPath routes /jobs/{kind} submits, /jobs/{task_id} reads, and
// /jobs/{task_id}/cancel.
func (s *Server) handleJobsPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/")
	segments := strings.Split(rest, "/")

	switch {
	case len(segments) == 1 && r.Method == http.MethodPost:
		if kind, ok := kindFromPath(segments[0]); ok {
			s.handleSubmit(w, r, kind)
			return
		}
		http.Error(w, "unknown job kind", http.StatusNotFound)

	case len(segments) == 1 && r.Method == http.MethodGet:
		s.handleGetJob(w, r, segments[0])

	case len(segments) == 2 && segments[1] == "cancel" && r.Method == http.MethodPost:
		s.handleCancel(w, r, segments[0])

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, kind task.Kind) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if msg := validateSubmit(kind, &req); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if taskID, ok := s.priorSubmit(idemKey); ok {
		job, err := s.store.Get(r.Context(), taskID)
		if err == nil {
			writeJSON(w, http.StatusAccepted, submitResponse{
				TaskID:    job.TaskID,
				Status:    strings.ToLower(string(job.State)),
				Message:   "Task already accepted",
				CreatedAt: job.CreatedAt,
			})
			return
		}
	}

	taskID, err := s.store.Create(r.Context(), kind, req.RelatedID, req.CreatorID, req.Provider, req.TraceID)
	if err != nil {
		s.logger.Error("create job failed", "kind", kind, "error", err)
		http.Error(w, "task store unavailable", http.StatusServiceUnavailable)
		return
	}

	job, err := s.store.Get(r.Context(), taskID)
	if err != nil {
		s.logger.Error("read back created job failed", "task_id", taskID, "error", err)
		http.Error(w, "task store unavailable", http.StatusServiceUnavailable)
		return
	}

	payload := buildPayload(kind, taskID, job.TraceID, &req)
	if _, err := s.dispatcher.Append(r.Context(), kind, payload); err != nil {
		s.logger.Error("append job message failed", "task_id", taskID, "error", err)
		// The row exists but no worker will ever see it; fail it now
		// rather than waiting for the dispatch-timeout sweep.
		if failErr := s.store.Fail(r.Context(), taskID, "work log unavailable at submit", task.ErrorKindLogUnavailable); failErr != nil {
			s.logger.Warn("failing undispatched job failed", "task_id", taskID, "error", failErr)
		}
		http.Error(w, "work log unavailable", http.StatusServiceUnavailable)
		return
	}

	s.rememberSubmit(idemKey, taskID)
	writeJSON(w, http.StatusAccepted, submitResponse{
		TaskID:    taskID,
		Status:    "pending",
		Message:   "Task accepted for processing",
		CreatedAt: job.CreatedAt,
	})
}

// validateSubmit returns a human-readable problem, or "" when the body is
// acceptable for kind.
func validateSubmit(kind task.Kind, req *submitRequest) string {
	if req.RelatedID == "" {
		return "related_id is required"
	}
	if req.CreatorID == "" {
		return "creator_id is required"
	}
	switch kind {
	case task.KindTemplateParse:
		if req.FilePath == "" {
			return "file_path is required for parse jobs"
		}
	case task.KindTemplateEdit:
		if req.TemplateID == "" {
			return "template_id is required for edit jobs"
		}
		if req.ChangeRequest == "" {
			return "change_request is required for edit jobs"
		}
	case task.KindTemplateReview:
		if req.TemplateID == "" {
			return "template_id is required for review jobs"
		}
	}
	return ""
}

// buildPayload flattens the submit body into the flat-string wire payload.
func buildPayload(kind task.Kind, taskID, traceID string, req *submitRequest) map[string]string {
	payload := map[string]string{
		"task_id":      taskID,
		"trace_id":     traceID,
		"created_by":   req.CreatorID,
		"llm_provider": req.Provider,
	}
	switch kind {
	case task.KindTemplateParse:
		payload["template_file_id"] = req.RelatedID
		payload["file_path"] = req.FilePath
		payload["original_filename"] = req.OriginalFilename
		payload["iso_standard"] = req.ISOStandard
		payload["custom_rules"] = req.CustomRules
	case task.KindTemplateEdit:
		payload["template_id"] = req.TemplateID
		payload["change_request"] = req.ChangeRequest
	case task.KindTemplateReview:
		payload["template_id"] = req.TemplateID
		payload["review_focus"] = req.ReviewFocus
	}
	return payload
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, taskID string) {
	job, err := s.store.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		s.logger.Error("get job failed", "task_id", taskID, "error", err)
		http.Error(w, "task store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, taskID string) {
	err := s.store.Cancel(r.Context(), taskID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": "cancelled"})
	case errors.Is(err, task.ErrNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case errors.Is(err, task.ErrStateConflict):
		http.Error(w, "already terminal", http.StatusBadRequest)
	default:
		s.logger.Error("cancel job failed", "task_id", taskID, "error", err)
		http.Error(w, "task store unavailable", http.StatusServiceUnavailable)
	}
}

// priorSubmit looks up a non-expired idempotency entry.
func (s *Server) priorSubmit(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	s.idemMu.Lock()
	defer s.idemMu.Unlock()
	entry, ok := s.idem[key]
	if !ok || s.now().After(entry.expires) {
		delete(s.idem, key)
		return "", false
	}
	return entry.taskID, true
}

func (s *Server) rememberSubmit(key, taskID string) {
	if key == "" {
		return
	}
	s.idemMu.Lock()
	defer s.idemMu.Unlock()
	// Lazily drop expired entries so the map stays bounded by the submit
	// rate within one window.
	now := s.now()
	for k, e := range s.idem {
		if now.After(e.expires) {
			delete(s.idem, k)
		}
	}
	s.idem[key] = idemEntry{taskID: taskID, expires: now.Add(IdempotencyWindow)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
