// Package closinghttp exposes the closing lifecycle over a JSON API.
package closinghttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/almoner-erp/almoner-erp/internal/closing"
	"github.com/almoner-erp/almoner-erp/internal/ledger"
	"github.com/almoner-erp/almoner-erp/internal/platform/httpx"
)

const dateLayout = "2006-01-02"

type closingService interface {
	ComputeClosing(ctx context.Context, in closing.ComputeInput) (closing.Closing, error)
	ApproveClosing(ctx context.Context, id, actorID int64) (closing.Closing, error)
	RecomputeClosing(ctx context.Context, id, actorID int64) (closing.Closing, error)
	DeleteClosing(ctx context.Context, id, actorID int64) error
	GetClosing(ctx context.Context, id int64) (closing.Closing, error)
	ListClosings(ctx context.Context, costCenterID int64, limit, offset int) ([]closing.Closing, error)
}

// Handler wires HTTP endpoints for closings.
type Handler struct {
	logger   *slog.Logger
	service  closingService
	validate *validator.Validate
}

// NewHandler constructs a closing HTTP handler.
func NewHandler(logger *slog.Logger, service closingService) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/closings", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.compute)
		r.Get("/{id}", h.get)
		r.Post("/{id}/approve", h.approve)
		r.Post("/{id}/recompute", h.recompute)
		r.Delete("/{id}", h.remove)
	})
}

type computeRequest struct {
	CostCenterID int64  `json:"cost_center_id" validate:"required"`
	From         string `json:"from" validate:"required,datetime=2006-01-02"`
	To           string `json:"to" validate:"required,datetime=2006-01-02"`
	ActorID      int64  `json:"actor_id" validate:"required"`
}

type actorRequest struct {
	ActorID int64 `json:"actor_id" validate:"required"`
}

type allocationItemView struct {
	ID            int64  `json:"id"`
	RuleID        int64  `json:"rule_id"`
	DestinationID int64  `json:"destination_id"`
	Base          string `json:"base"`
	Percentage    string `json:"percentage"`
	Value         string `json:"value"`
}

type closingView struct {
	ID              int64                `json:"id"`
	CostCenterID    int64                `json:"cost_center_id"`
	Year            int                  `json:"year"`
	Month           int                  `json:"month"`
	From            string               `json:"from"`
	To              string               `json:"to"`
	Status          string               `json:"status"`
	Income          string               `json:"income_total"`
	Expense         string               `json:"expense_total"`
	IncomePhysical  string               `json:"income_physical"`
	IncomeDigital   string               `json:"income_digital"`
	ExpensePhysical string               `json:"expense_physical"`
	ExpenseDigital  string               `json:"expense_digital"`
	AllocationTotal string               `json:"allocation_total"`
	FinalBalance    string               `json:"final_balance"`
	SubmittedBy     int64                `json:"submitted_by"`
	SubmittedAt     time.Time            `json:"submitted_at"`
	ApprovedBy      *int64               `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time           `json:"approved_at,omitempty"`
	Allocations     []allocationItemView `json:"allocations"`
}

func (h *Handler) compute(w http.ResponseWriter, r *http.Request) {
	var req computeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	from, _ := time.Parse(dateLayout, req.From)
	to, _ := time.Parse(dateLayout, req.To)
	result, err := h.service.ComputeClosing(r.Context(), closing.ComputeInput{
		CostCenterID: req.CostCenterID,
		Range:        ledger.DateRange{From: from, To: to},
		ActorID:      req.ActorID,
	})
	if err != nil {
		h.logger.Warn("compute closing", slog.Int64("cost_center", req.CostCenterID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toView(result))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	costCenterID, _ := strconv.ParseInt(r.URL.Query().Get("cost_center_id"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	closings, err := h.service.ListClosings(r.Context(), costCenterID, limit, offset)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	views := make([]closingView, 0, len(closings))
	for _, c := range closings {
		views = append(views, toView(c))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"closings": views})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := h.service.GetClosing(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(result))
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeActor(w, r)
	if !ok {
		return
	}
	result, err := h.service.ApproveClosing(r.Context(), id, req.ActorID)
	if err != nil {
		h.logger.Warn("approve closing", slog.Int64("closing", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(result))
}

func (h *Handler) recompute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeActor(w, r)
	if !ok {
		return
	}
	result, err := h.service.RecomputeClosing(r.Context(), id, req.ActorID)
	if err != nil {
		h.logger.Warn("recompute closing", slog.Int64("closing", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(result))
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actorID, _ := strconv.ParseInt(r.URL.Query().Get("actor_id"), 10, 64)
	if err := h.service.DeleteClosing(r.Context(), id, actorID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeActor(w http.ResponseWriter, r *http.Request) (actorRequest, bool) {
	var req actorRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return actorRequest{}, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return actorRequest{}, false
	}
	return req, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return 0, false
	}
	return id, true
}

func toView(c closing.Closing) closingView {
	view := closingView{
		ID:              c.ID,
		CostCenterID:    c.CostCenterID,
		Year:            c.Year,
		Month:           int(c.Month),
		From:            c.Range.From.Format(dateLayout),
		To:              c.Range.To.Format(dateLayout),
		Status:          string(c.Status),
		Income:          c.Totals.Income.StringFixed(2),
		Expense:         c.Totals.Expense.StringFixed(2),
		IncomePhysical:  c.Totals.IncomePhysical.StringFixed(2),
		IncomeDigital:   c.Totals.IncomeDigital.StringFixed(2),
		ExpensePhysical: c.Totals.ExpensePhysical.StringFixed(2),
		ExpenseDigital:  c.Totals.ExpenseDigital.StringFixed(2),
		AllocationTotal: c.AllocationTotal.StringFixed(2),
		FinalBalance:    c.FinalBalance.StringFixed(2),
		SubmittedBy:     c.SubmittedBy,
		SubmittedAt:     c.SubmittedAt,
		ApprovedBy:      c.ApprovedBy,
		ApprovedAt:      c.ApprovedAt,
		Allocations:     make([]allocationItemView, 0, len(c.Allocations)),
	}
	for _, item := range c.Allocations {
		view.Allocations = append(view.Allocations, allocationItemView{
			ID:            item.ID,
			RuleID:        item.RuleID,
			DestinationID: item.DestinationID,
			Base:          item.Base.StringFixed(2),
			Percentage:    item.Percentage.String(),
			Value:         item.Value.StringFixed(2),
		})
	}
	return view
}
