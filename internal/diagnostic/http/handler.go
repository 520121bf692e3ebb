// Package diagnostichttp exposes the consistency engine over a JSON API.
package diagnostichttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/almoner-erp/almoner-erp/internal/diagnostic"
	"github.com/almoner-erp/almoner-erp/internal/platform/httpx"
	"github.com/almoner-erp/almoner-erp/jobs"
)

const dateLayout = "2006-01-02"

type diagnosticService interface {
	Run(ctx context.Context, scope diagnostic.Scope) (diagnostic.Report, error)
	Latest(ctx context.Context) (diagnostic.Report, error)
}

// Handler wires HTTP endpoints for diagnostics.
type Handler struct {
	logger   *slog.Logger
	service  diagnosticService
	enqueue  func(ctx context.Context, payload jobs.DiagnosticSweepPayload, delay time.Duration) error
	validate *validator.Validate
}

// NewHandler constructs a diagnostic HTTP handler. The enqueue function is
// optional; without it the schedule endpoint answers 503.
func NewHandler(logger *slog.Logger, service diagnosticService, enqueue func(ctx context.Context, payload jobs.DiagnosticSweepPayload, delay time.Duration) error) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		enqueue:  enqueue,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/diagnostics", func(r chi.Router) {
		r.Post("/run", h.run)
		r.Post("/schedule", h.schedule)
		r.Get("/latest", h.latest)
	})
}

type scanRequest struct {
	CostCenterID int64  `json:"cost_center_id"`
	From         string `json:"from" validate:"omitempty,datetime=2006-01-02"`
	To           string `json:"to" validate:"omitempty,datetime=2006-01-02"`
	// DelaySeconds postpones a scheduled sweep; ignored by the
	// synchronous run endpoint.
	DelaySeconds int `json:"delay_seconds"`
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeScan(w, r)
	if !ok {
		return
	}
	report, err := h.service.Run(r.Context(), scopeFrom(req))
	if err != nil {
		h.logger.Warn("diagnostic run", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) schedule(w http.ResponseWriter, r *http.Request) {
	if h.enqueue == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "job queue not configured")
		return
	}
	req, ok := h.decodeScan(w, r)
	if !ok {
		return
	}
	scope := scopeFrom(req)
	payload := jobs.DiagnosticSweepPayload{
		CostCenterID: scope.CostCenterID,
		From:         scope.From,
		To:           scope.To,
	}
	delay := time.Duration(req.DelaySeconds) * time.Second
	if err := h.enqueue(r.Context(), payload, delay); err != nil {
		h.logger.Error("schedule diagnostic sweep", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"status": "scheduled"})
}

func (h *Handler) latest(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Latest(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) decodeScan(w http.ResponseWriter, r *http.Request) (scanRequest, bool) {
	var req scanRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
			return scanRequest{}, false
		}
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return scanRequest{}, false
	}
	return req, true
}

func scopeFrom(req scanRequest) diagnostic.Scope {
	scope := diagnostic.Scope{CostCenterID: req.CostCenterID}
	if req.From != "" {
		from, _ := time.Parse(dateLayout, req.From)
		scope.From = &from
	}
	if req.To != "" {
		to, _ := time.Parse(dateLayout, req.To)
		scope.To = &to
	}
	return scope
}
