package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/unchainedshop/workqueue/internal/director"
	"github.com/unchainedshop/workqueue/internal/domain"
	"github.com/unchainedshop/workqueue/internal/postgres"
	"github.com/unchainedshop/workqueue/internal/redis"
	"github.com/unchainedshop/workqueue/pkg/telemetry"
)

// Service is the queue surface the REST handlers sit on. *queue.Queue
// satisfies it.
type Service interface {
	AddWork(ctx context.Context, workType string, input json.RawMessage, opts director.AddOptions) (string, error)
	FindWork(ctx context.Context, workID string) (*domain.WorkItem, error)
	FindWorkQueue(ctx context.Context, f postgres.QueueFilter) ([]*domain.WorkItem, error)
	CountWorkQueue(ctx context.Context, f postgres.QueueFilter) (int64, error)
	ActiveWorkTypes() []string
	FinishExternalWork(ctx context.Context, workID string, success bool, result json.RawMessage, workErr *domain.WorkError) (*domain.WorkItem, error)
	DeleteWork(ctx context.Context, workID string) (*domain.WorkItem, error)
}

// REST handles the HTTP API.
type REST struct {
	service Service
	limiter redis.RateLimiter
	ping    func(ctx context.Context) error
	logger  *slog.Logger
}

// NewREST creates the REST handler. limiter may be nil to disable rate
// limiting; ping backs the readiness probe.
func NewREST(service Service, limiter redis.RateLimiter, ping func(ctx context.Context) error, logger *slog.Logger) *REST {
	return &REST{service: service, limiter: limiter, ping: ping, logger: logger}
}

// AddWorkRequest is the JSON body for POST /api/v1/work.
type AddWorkRequest struct {
	Type           string          `json:"type"`
	Input          json.RawMessage `json:"input,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	Scheduled      *time.Time      `json:"scheduled,omitempty"`
	Retries        *int            `json:"retries,omitempty"`
	Timeout        string          `json:"timeout,omitempty"` // Go duration string, e.g. "30s"
	OriginalWorkID string          `json:"original_work_id,omitempty"`
}

// AddWorkResponse is the 201 response body.
type AddWorkResponse struct {
	WorkID string        `json:"work_id"`
	Status domain.Status `json:"status"`
}

// WorkResponse is one work item on the wire. Status is derived, never
// stored, so it is attached here.
type WorkResponse struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Status         domain.Status     `json:"status"`
	Input          json.RawMessage   `json:"input,omitempty"`
	Priority       int               `json:"priority"`
	Scheduled      time.Time         `json:"scheduled"`
	Started        *time.Time        `json:"started,omitempty"`
	Finished       *time.Time        `json:"finished,omitempty"`
	Success        *bool             `json:"success,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          *domain.WorkError `json:"error,omitempty"`
	Retries        int               `json:"retries"`
	TimeoutMS      int64             `json:"timeout_ms,omitempty"`
	Worker         string            `json:"worker,omitempty"`
	OriginalWorkID string            `json:"original_work_id,omitempty"`
	AutoScheduled  bool              `json:"autoscheduled"`
	CreatedAt      time.Time         `json:"created_at"`
}

func toWorkResponse(item *domain.WorkItem) WorkResponse {
	return WorkResponse{
		ID:             item.ID,
		Type:           item.Type,
		Status:         item.Status(),
		Input:          item.Input,
		Priority:       item.Priority,
		Scheduled:      item.Scheduled,
		Started:        item.Started,
		Finished:       item.Finished,
		Success:        item.Success,
		Result:         item.Result,
		Error:          item.Error,
		Retries:        item.Retries,
		TimeoutMS:      item.Timeout.Milliseconds(),
		Worker:         item.Worker,
		OriginalWorkID: item.OriginalWorkID,
		AutoScheduled:  item.AutoScheduled,
		CreatedAt:      item.CreatedAt,
	}
}

// AddWork handles POST /api/v1/work.
func (h *REST) AddWork(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.add_work")
	defer span.End()

	var req AddWorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeError(w, http.StatusBadRequest, "field 'type' is required")
		return
	}

	var timeout time.Duration
	if req.Timeout != "" {
		var err error
		if timeout, err = time.ParseDuration(req.Timeout); err != nil {
			writeError(w, http.StatusBadRequest, "field 'timeout' must be a duration string like \"30s\"")
			return
		}
	}

	if !h.allow(ctx, clientIP(r)) {
		telemetry.APIWorkRateLimited.WithLabelValues(req.Type).Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	span.SetAttributes(attribute.String("work.type", req.Type))

	var scheduled time.Time
	if req.Scheduled != nil {
		scheduled = *req.Scheduled
	}

	workID, err := h.service.AddWork(ctx, req.Type, req.Input, director.AddOptions{
		Priority:       req.Priority,
		Scheduled:      scheduled,
		Retries:        req.Retries,
		Timeout:        timeout,
		OriginalWorkID: req.OriginalWorkID,
	})
	if err != nil {
		span.RecordError(err)
		h.logger.Error("add work failed", slog.String("work_type", req.Type), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to add work")
		return
	}

	telemetry.APIWorkSubmitted.WithLabelValues(req.Type).Inc()
	writeJSON(w, http.StatusCreated, AddWorkResponse{WorkID: workID, Status: domain.StatusNew})
}

// GetWork handles GET /api/v1/work/{id}.
func (h *REST) GetWork(w http.ResponseWriter, r *http.Request) {
	workID := chi.URLParam(r, "id")

	item, err := h.service.FindWork(r.Context(), workID)
	if err != nil {
		h.writeStoreError(w, workID, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkResponse(item))
}

// ListWorkResponse is the GET /api/v1/work response body.
type ListWorkResponse struct {
	Items []WorkResponse `json:"items"`
	Total int64          `json:"total"`
}

// ListWork handles GET /api/v1/work with optional filters:
// ?types=a,b&status=NEW,ALLOCATED&created_after=RFC3339&limit=50&offset=0
func (h *REST) ListWork(w http.ResponseWriter, r *http.Request) {
	f := postgres.QueueFilter{Limit: 50}
	q := r.URL.Query()

	if types := q.Get("types"); types != "" {
		f.Types = strings.Split(types, ",")
	}
	if statuses := q.Get("status"); statuses != "" {
		for _, s := range strings.Split(statuses, ",") {
			f.Statuses = append(f.Statuses, domain.Status(strings.ToUpper(s)))
		}
	}
	if created := q.Get("created_after"); created != "" {
		t, err := time.Parse(time.RFC3339, created)
		if err != nil {
			writeError(w, http.StatusBadRequest, "created_after must be RFC3339")
			return
		}
		f.Created = &t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		f.Limit = n
	}
	if offset := q.Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be >= 0")
			return
		}
		f.Offset = n
	}

	items, err := h.service.FindWorkQueue(r.Context(), f)
	if err != nil {
		h.logger.Error("list work failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list work")
		return
	}
	total, err := h.service.CountWorkQueue(r.Context(), f)
	if err != nil {
		h.logger.Error("count work failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list work")
		return
	}

	resp := ListWorkResponse{Items: make([]WorkResponse, 0, len(items)), Total: total}
	for _, item := range items {
		resp.Items = append(resp.Items, toWorkResponse(item))
	}
	writeJSON(w, http.StatusOK, resp)
}

// WorkTypes handles GET /api/v1/work-types.
func (h *REST) WorkTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"types": h.service.ActiveWorkTypes()})
}

// FinishWorkRequest is the JSON body for POST /api/v1/work/{id}/finish.
type FinishWorkRequest struct {
	Success bool              `json:"success"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   *domain.WorkError `json:"error,omitempty"`
}

// FinishWork handles POST /api/v1/work/{id}/finish — completion of
// external work. Items of non-external types are finalized by the worker
// loop only and cannot be completed here.
func (h *REST) FinishWork(w http.ResponseWriter, r *http.Request) {
	workID := chi.URLParam(r, "id")

	var req FinishWorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	item, err := h.service.FinishExternalWork(r.Context(), workID, req.Success, req.Result, req.Error)
	if err != nil {
		h.writeStoreError(w, workID, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkResponse(item))
}

// DeleteWork handles DELETE /api/v1/work/{id}.
func (h *REST) DeleteWork(w http.ResponseWriter, r *http.Request) {
	workID := chi.URLParam(r, "id")

	item, err := h.service.DeleteWork(r.Context(), workID)
	if err != nil {
		h.writeStoreError(w, workID, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkResponse(item))
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz — checks store connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// allow consults the rate limiter, failing open: a broken limiter must
// not take down work submission.
func (h *REST) allow(ctx context.Context, key string) bool {
	if h.limiter == nil {
		return true
	}
	ok, err := h.limiter.Allow(ctx, key)
	if err != nil {
		h.logger.Warn("rate limiter unavailable, allowing request", slog.String("error", err.Error()))
		return true
	}
	return ok
}

// writeStoreError maps the typed domain errors onto HTTP status codes.
func (h *REST) writeStoreError(w http.ResponseWriter, workID string, err error) {
	var (
		notFound        *domain.WorkNotFoundError
		alreadyFinished *domain.AlreadyFinishedError
		unknownType     *domain.UnknownWorkTypeError
		allocated       *domain.WorkAllocatedError
		notExternal     *domain.NotExternalError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "work item not found")
	case errors.As(err, &alreadyFinished),
		errors.As(err, &unknownType),
		errors.As(err, &allocated),
		errors.As(err, &notExternal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("work operation failed",
			slog.String("work_id", workID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "operation failed")
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
