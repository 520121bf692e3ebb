// Package ledgerhttp exposes cost centers and allocation rules over a
// JSON API.
package ledgerhttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/almoner-erp/almoner-erp/internal/ledger"
	"github.com/almoner-erp/almoner-erp/internal/platform/httpx"
)

type ledgerService interface {
	CreateCostCenter(ctx context.Context, in ledger.CreateCostCenterInput) (ledger.CostCenter, error)
	GetCostCenter(ctx context.Context, id int64) (ledger.CostCenter, error)
	ActiveCostCenters(ctx context.Context) ([]ledger.CostCenter, error)
	CreateRule(ctx context.Context, in ledger.CreateRuleInput) (ledger.AllocationRule, error)
	DeactivateRule(ctx context.Context, id, actorID int64) (ledger.AllocationRule, error)
	ListRules(ctx context.Context, originID int64) ([]ledger.AllocationRule, error)
}

// Handler wires HTTP endpoints for the ledger reference data.
type Handler struct {
	logger   *slog.Logger
	service  ledgerService
	validate *validator.Validate
}

// NewHandler constructs a ledger HTTP handler.
func NewHandler(logger *slog.Logger, service ledgerService) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/cost-centers", func(r chi.Router) {
		r.Get("/", h.listCostCenters)
		r.Post("/", h.createCostCenter)
		r.Get("/{id}", h.getCostCenter)
	})
	r.Route("/allocation-rules", func(r chi.Router) {
		r.Get("/", h.listRules)
		r.Post("/", h.createRule)
		r.Post("/{id}/deactivate", h.deactivateRule)
	})
}

type createCostCenterRequest struct {
	Name    string `json:"name" validate:"required"`
	Kind    string `json:"kind" validate:"required,oneof=CENTRAL FUND BRANCH"`
	ActorID int64  `json:"actor_id" validate:"required"`
}

type createRuleRequest struct {
	OriginID      int64  `json:"origin_id" validate:"required"`
	DestinationID int64  `json:"destination_id" validate:"required"`
	Percentage    string `json:"percentage" validate:"required"`
	ActorID       int64  `json:"actor_id" validate:"required"`
}

type costCenterView struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type ruleView struct {
	ID            int64     `json:"id"`
	OriginID      int64     `json:"origin_id"`
	DestinationID int64     `json:"destination_id"`
	Percentage    string    `json:"percentage"`
	Active        bool      `json:"active"`
	CreatedBy     int64     `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

func (h *Handler) createCostCenter(w http.ResponseWriter, r *http.Request) {
	var req createCostCenterRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	cc, err := h.service.CreateCostCenter(r.Context(), ledger.CreateCostCenterInput{
		Name:    req.Name,
		Kind:    ledger.CostCenterKind(req.Kind),
		ActorID: req.ActorID,
	})
	if err != nil {
		h.logger.Warn("create cost center", slog.String("name", req.Name), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toCostCenterView(cc))
}

func (h *Handler) getCostCenter(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	cc, err := h.service.GetCostCenter(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toCostCenterView(cc))
}

func (h *Handler) listCostCenters(w http.ResponseWriter, r *http.Request) {
	centers, err := h.service.ActiveCostCenters(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	views := make([]costCenterView, 0, len(centers))
	for _, cc := range centers {
		views = append(views, toCostCenterView(cc))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"cost_centers": views})
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	pct, err := decimal.NewFromString(req.Percentage)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "percentage must be a decimal number")
		return
	}
	rule, err := h.service.CreateRule(r.Context(), ledger.CreateRuleInput{
		OriginID:      req.OriginID,
		DestinationID: req.DestinationID,
		Percentage:    pct,
		ActorID:       req.ActorID,
	})
	if err != nil {
		h.logger.Warn("create allocation rule",
			slog.Int64("origin", req.OriginID),
			slog.Int64("destination", req.DestinationID),
			slog.Any("error", err),
		)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRuleView(rule))
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	originID, _ := strconv.ParseInt(r.URL.Query().Get("origin_id"), 10, 64)
	rules, err := h.service.ListRules(r.Context(), originID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	views := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, toRuleView(rule))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rules": views})
}

func (h *Handler) deactivateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actorID, _ := strconv.ParseInt(r.URL.Query().Get("actor_id"), 10, 64)
	rule, err := h.service.DeactivateRule(r.Context(), id, actorID)
	if err != nil {
		h.logger.Warn("deactivate allocation rule", slog.Int64("rule", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRuleView(rule))
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return 0, false
	}
	return id, true
}

func toCostCenterView(cc ledger.CostCenter) costCenterView {
	return costCenterView{
		ID:        cc.ID,
		Name:      cc.Name,
		Kind:      string(cc.Kind),
		Active:    cc.Active,
		CreatedAt: cc.CreatedAt,
	}
}

func toRuleView(rule ledger.AllocationRule) ruleView {
	return ruleView{
		ID:            rule.ID,
		OriginID:      rule.OriginID,
		DestinationID: rule.DestinationID,
		Percentage:    rule.Percentage.String(),
		Active:        rule.Active,
		CreatedBy:     rule.CreatedBy,
		CreatedAt:     rule.CreatedAt,
	}
}
