package ledger

import (
	"context"
	"strconv"
	"time"

	"github.com/almoner-erp/almoner-erp/internal/shared"
)

// Store is the read/write surface the service needs. The pgx-backed
// Repository satisfies it; tests substitute an in-memory fake.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
	GetCostCenter(ctx context.Context, id int64) (CostCenter, error)
	ActiveCostCenters(ctx context.Context) ([]CostCenter, error)
	ListRules(ctx context.Context, originID int64) ([]AllocationRule, error)
}

// TxStore exposes the mutations that must share one transaction.
type TxStore interface {
	GetCostCenter(ctx context.Context, id int64) (CostCenter, error)
	CostCenterNameTaken(ctx context.Context, name string) (bool, error)
	InsertCostCenter(ctx context.Context, in CreateCostCenterInput) (CostCenter, error)
	HasActiveRule(ctx context.Context, originID, destinationID int64) (bool, error)
	InsertRule(ctx context.Context, in CreateRuleInput) (AllocationRule, error)
	DeactivateRule(ctx context.Context, id int64) (AllocationRule, error)
}

// Service manages cost centers and allocation rules.
type Service struct {
	store Store
	audit *shared.AuditLogger
	now   func() time.Time
}

// NewService constructs a Service instance.
func NewService(store Store, audit *shared.AuditLogger) *Service {
	return &Service{store: store, audit: audit, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// GetCostCenter loads one cost center.
func (s *Service) GetCostCenter(ctx context.Context, id int64) (CostCenter, error) {
	return s.store.GetCostCenter(ctx, id)
}

// ActiveCostCenters lists all active cost centers.
func (s *Service) ActiveCostCenters(ctx context.Context) ([]CostCenter, error) {
	return s.store.ActiveCostCenters(ctx)
}

// CreateCostCenter inserts a cost center with an explicit kind.
func (s *Service) CreateCostCenter(ctx context.Context, in CreateCostCenterInput) (CostCenter, error) {
	if err := in.Validate(); err != nil {
		return CostCenter{}, err
	}
	var cc CostCenter
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		taken, err := tx.CostCenterNameTaken(ctx, in.Name)
		if err != nil {
			return err
		}
		if taken {
			return ErrDuplicateCostCenter
		}
		cc, err = tx.InsertCostCenter(ctx, in)
		return err
	})
	if err != nil {
		return CostCenter{}, err
	}
	s.recordAudit(in.ActorID, "cost_center.create", "cost_center", cc.ID, map[string]any{"name": cc.Name, "kind": string(cc.Kind)})
	return cc, nil
}

// ListRules returns rules for an origin, or all rules when originID is zero.
func (s *Service) ListRules(ctx context.Context, originID int64) ([]AllocationRule, error) {
	return s.store.ListRules(ctx, originID)
}

// CreateRule validates and persists a standing allocation rule. At most
// one active rule may exist per (origin, destination) pair.
func (s *Service) CreateRule(ctx context.Context, in CreateRuleInput) (AllocationRule, error) {
	if err := in.Validate(); err != nil {
		return AllocationRule{}, err
	}
	var rule AllocationRule
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if _, err := tx.GetCostCenter(ctx, in.OriginID); err != nil {
			return err
		}
		if _, err := tx.GetCostCenter(ctx, in.DestinationID); err != nil {
			return err
		}
		dup, err := tx.HasActiveRule(ctx, in.OriginID, in.DestinationID)
		if err != nil {
			return err
		}
		if dup {
			return ErrDuplicateRule
		}
		rule, err = tx.InsertRule(ctx, in)
		return err
	})
	if err != nil {
		return AllocationRule{}, err
	}
	s.recordAudit(in.ActorID, "allocation_rule.create", "allocation_rule", rule.ID, map[string]any{
		"origin":      rule.OriginID,
		"destination": rule.DestinationID,
		"percentage":  rule.Percentage.String(),
	})
	return rule, nil
}

// DeactivateRule retires a rule; existing allocation items keep the
// percentage they copied at application time.
func (s *Service) DeactivateRule(ctx context.Context, id, actorID int64) (AllocationRule, error) {
	var rule AllocationRule
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		rule, err = tx.DeactivateRule(ctx, id)
		return err
	})
	if err != nil {
		return AllocationRule{}, err
	}
	s.recordAudit(actorID, "allocation_rule.deactivate", "allocation_rule", rule.ID, nil)
	return rule, nil
}

func (s *Service) recordAudit(actorID int64, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.RecordAsync(shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
		At:       s.now(),
	})
}
