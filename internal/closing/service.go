package closing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/almoner-erp/almoner-erp/internal/ledger"
	"github.com/almoner-erp/almoner-erp/internal/shared"
)

// Store is the persistence surface for closings. The pgx Repository
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
	GetClosing(ctx context.Context, id int64) (Closing, error)
	ListClosings(ctx context.Context, costCenterID int64, limit, offset int) ([]Closing, error)
	StalePendingIDs(ctx context.Context, before time.Time) ([]int64, error)
}

// TxStore exposes the steps of one closing computation. "Clear existing
// items, then regenerate" must stay inside a single transaction so a
// partial regeneration is never visible.
type TxStore interface {
	GetCostCenter(ctx context.Context, id int64) (ledger.CostCenter, error)
	ClosingExists(ctx context.Context, costCenterID int64, year int, month time.Month) (bool, error)
	EntriesInRange(ctx context.Context, costCenterID int64, rng ledger.DateRange) ([]ledger.Entry, error)
	Categories(ctx context.Context) (map[int64]ledger.Category, error)
	ActiveRules(ctx context.Context, originID int64) ([]ledger.AllocationRule, error)

	InsertClosing(ctx context.Context, c Closing) (Closing, error)
	GetClosingForUpdate(ctx context.Context, id int64) (Closing, error)
	UpdateClosingComputation(ctx context.Context, c Closing) error
	ApproveClosing(ctx context.Context, id, actorID int64, at time.Time) error
	DeleteClosing(ctx context.Context, id int64) error

	InsertAllocationItems(ctx context.Context, closingID int64, items []AllocationItem) ([]AllocationItem, error)
	DeleteAllocationItems(ctx context.Context, closingID int64) error
	InsertDetailLines(ctx context.Context, closingID int64, lines []DetailLine) error
	DeleteDetailLines(ctx context.Context, closingID int64) error
	TagEntries(ctx context.Context, closingID int64, entryIDs []int64) error
	ReleaseEntries(ctx context.Context, closingID int64) error
}

// Service orchestrates the closing lifecycle.
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

// GetClosing returns one closing with its allocation items.
func (s *Service) GetClosing(ctx context.Context, id int64) (Closing, error) {
	return s.store.GetClosing(ctx, id)
}

// ListClosings returns closings for a cost center, newest first.
func (s *Service) ListClosings(ctx context.Context, costCenterID int64, limit, offset int) ([]Closing, error) {
	return s.store.ListClosings(ctx, costCenterID, limit, offset)
}

// ComputeClosing aggregates the period, runs allocation when the cost
// center is the central collection point, snapshots detail lines, and
// tags the contributing entries, all in one transaction. At most one
// closing may exist per (cost center, year, month); the store enforces
// this with a unique constraint on top of the existence check here.
func (s *Service) ComputeClosing(ctx context.Context, in ComputeInput) (Closing, error) {
	if err := in.Validate(); err != nil {
		return Closing{}, err
	}
	var result Closing
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		cc, err := tx.GetCostCenter(ctx, in.CostCenterID)
		if err != nil {
			return err
		}
		year, month := in.Range.From.Year(), in.Range.From.Month()
		exists, err := tx.ClosingExists(ctx, cc.ID, year, month)
		if err != nil {
			return err
		}
		if exists {
			return ErrAlreadyClosed
		}
		entries, err := tx.EntriesInRange(ctx, cc.ID, in.Range)
		if err != nil {
			return err
		}

		closing := Closing{
			CostCenterID: cc.ID,
			Year:         year,
			Month:        month,
			Range:        in.Range,
			Status:       StatusPending,
			Totals:       ComputeTotals(entries),
			SubmittedBy:  in.ActorID,
			SubmittedAt:  s.now(),
		}
		var items []AllocationItem
		if cc.Kind == ledger.KindCentral {
			rules, err := tx.ActiveRules(ctx, cc.ID)
			if err != nil {
				return err
			}
			items, closing.AllocationTotal = ApplyRules(closing.Totals, rules)
		}
		closing.FinalBalance = closing.ExpectedFinalBalance()

		closing, err = tx.InsertClosing(ctx, closing)
		if err != nil {
			return err
		}
		closing.Allocations, err = tx.InsertAllocationItems(ctx, closing.ID, items)
		if err != nil {
			return err
		}
		categories, err := tx.Categories(ctx)
		if err != nil {
			return err
		}
		if err := tx.InsertDetailLines(ctx, closing.ID, BuildDetailLines(entries, categories)); err != nil {
			return err
		}
		if err := tx.TagEntries(ctx, closing.ID, entryIDs(entries)); err != nil {
			return err
		}
		result = closing
		return nil
	})
	if err != nil {
		return Closing{}, err
	}
	s.recordAudit(in.ActorID, "closing.compute", result.ID, map[string]any{
		"cost_center":      result.CostCenterID,
		"period":           periodLabel(result.Year, result.Month),
		"allocation_total": result.AllocationTotal.String(),
		"final_balance":    result.FinalBalance.String(),
	})
	return result, nil
}

// ApproveClosing performs the terminal Pending -> Approved transition.
func (s *Service) ApproveClosing(ctx context.Context, id, actorID int64) (Closing, error) {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		closing, err := tx.GetClosingForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if closing.Status != StatusPending {
			return ErrNotApprovable
		}
		return tx.ApproveClosing(ctx, id, actorID, s.now())
	})
	if err != nil {
		return Closing{}, err
	}
	s.recordAudit(actorID, "closing.approve", id, nil)
	return s.store.GetClosing(ctx, id)
}

// RecomputeClosing rebuilds a pending closing from the current ledger
// and rule set: existing allocation items, detail lines, and entry tags
// are discarded and regenerated from scratch in one transaction.
func (s *Service) RecomputeClosing(ctx context.Context, id, actorID int64) (Closing, error) {
	var result Closing
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		closing, err := tx.GetClosingForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if closing.Status != StatusPending {
			return ErrNotPending
		}
		if err := s.clearComputation(ctx, tx, id); err != nil {
			return err
		}
		cc, err := tx.GetCostCenter(ctx, closing.CostCenterID)
		if err != nil {
			return err
		}
		entries, err := tx.EntriesInRange(ctx, cc.ID, closing.Range)
		if err != nil {
			return err
		}
		closing.Totals = ComputeTotals(entries)
		var items []AllocationItem
		closing.AllocationTotal = decimal.Zero
		if cc.Kind == ledger.KindCentral {
			rules, err := tx.ActiveRules(ctx, cc.ID)
			if err != nil {
				return err
			}
			items, closing.AllocationTotal = ApplyRules(closing.Totals, rules)
		}
		closing.FinalBalance = closing.ExpectedFinalBalance()

		if err := tx.UpdateClosingComputation(ctx, closing); err != nil {
			return err
		}
		closing.Allocations, err = tx.InsertAllocationItems(ctx, id, items)
		if err != nil {
			return err
		}
		categories, err := tx.Categories(ctx)
		if err != nil {
			return err
		}
		if err := tx.InsertDetailLines(ctx, id, BuildDetailLines(entries, categories)); err != nil {
			return err
		}
		if err := tx.TagEntries(ctx, id, entryIDs(entries)); err != nil {
			return err
		}
		result = closing
		return nil
	})
	if err != nil {
		return Closing{}, err
	}
	s.recordAudit(actorID, "closing.recompute", id, map[string]any{
		"allocation_total": result.AllocationTotal.String(),
		"final_balance":    result.FinalBalance.String(),
	})
	return result, nil
}

// DeleteClosing removes a pending closing and releases every ledger
// entry it referenced.
func (s *Service) DeleteClosing(ctx context.Context, id, actorID int64) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		closing, err := tx.GetClosingForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if closing.Status != StatusPending {
			return ErrNotPending
		}
		if err := s.clearComputation(ctx, tx, id); err != nil {
			return err
		}
		return tx.DeleteClosing(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(actorID, "closing.delete", id, nil)
	return nil
}

// CleanupStalePending deletes pending closings untouched since before
// the cutoff. Used by the scheduled cleanup job; each closing is removed
// through the same release-then-delete path as a manual delete.
func (s *Service) CleanupStalePending(ctx context.Context, before time.Time, actorID int64) (int, error) {
	ids, err := s.store.StalePendingIDs(ctx, before)
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, id := range ids {
		err := s.DeleteClosing(ctx, id, actorID)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, shared.ErrNotFound), errors.Is(err, shared.ErrInvalidState):
			// Approved or already removed between listing and deletion.
			// Not this run's problem; keep going.
		default:
			errs = append(errs, fmt.Errorf("closing %d: %w", id, err))
		}
	}
	return removed, errors.Join(errs...)
}

func (s *Service) clearComputation(ctx context.Context, tx TxStore, closingID int64) error {
	if err := tx.ReleaseEntries(ctx, closingID); err != nil {
		return err
	}
	if err := tx.DeleteAllocationItems(ctx, closingID); err != nil {
		return err
	}
	return tx.DeleteDetailLines(ctx, closingID)
}

func (s *Service) recordAudit(actorID int64, action string, closingID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.RecordAsync(shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "closing",
		EntityID: strconv.FormatInt(closingID, 10),
		Meta:     meta,
		At:       s.now(),
	})
}

func entryIDs(entries []ledger.Entry) []int64 {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func periodLabel(year int, month time.Month) string {
	return strconv.Itoa(year) + "-" + twoDigits(int(month))
}

func twoDigits(v int) string {
	if v < 10 {
		return "0" + strconv.Itoa(v)
	}
	return strconv.Itoa(v)
}
