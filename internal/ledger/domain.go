// Package ledger holds the treasury master data and the read-side queries
// over income/expense records that the closing and diagnostic engines
// consume. Ledger entries themselves are written by an external surface;
// this package never mutates them outside of allocation-rule management.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/almoner-erp/almoner-erp/internal/shared"
)

// CostCenterKind classifies a cost center's role in the organisation.
// Persisted explicitly at creation; never inferred from the display name.
type CostCenterKind string

const (
	// KindCentral marks the central collection point from which
	// allocations to the other funds originate.
	KindCentral CostCenterKind = "CENTRAL"
	// KindFund marks a destination fund.
	KindFund CostCenterKind = "FUND"
	// KindBranch marks a congregation branch.
	KindBranch CostCenterKind = "BRANCH"
)

// CostCenter is a node in the organisation: a branch, a fund, or the
// central unit.
type CostCenter struct {
	ID        int64
	Name      string
	Kind      CostCenterKind
	Active    bool
	CreatedAt time.Time
}

// ChannelKind tags a payment channel as cash-in-hand or bank/electronic.
type ChannelKind string

const (
	ChannelPhysical ChannelKind = "PHYSICAL"
	ChannelDigital  ChannelKind = "DIGITAL"
)

// Channel is a payment method (cash box, PIX, card machine, bank account).
type Channel struct {
	ID     int64
	Name   string
	Kind   ChannelKind
	Active bool
}

// EntryKind distinguishes income from expense records.
type EntryKind string

const (
	EntryIncome  EntryKind = "INCOME"
	EntryExpense EntryKind = "EXPENSE"
)

// Category groups entries for reporting (tithes, offerings, utilities...).
type Category struct {
	ID   int64
	Name string
	Kind EntryKind
}

// Entry is a single income or expense record.
type Entry struct {
	ID           int64
	Kind         EntryKind
	Description  string
	Amount       decimal.Decimal
	Date         time.Time
	CostCenterID int64
	ChannelID    int64
	CategoryID   int64
	Counterparty string
	// ChannelKind is resolved by the read queries via join so aggregation
	// does not chase the channel row per entry.
	ChannelKind ChannelKind
	// IncludedInClosing and ClosingID back-reference the closing that
	// snapshotted this entry. The pair is validated by the diagnostic
	// engine, not enforced transactionally.
	IncludedInClosing bool
	ClosingID         *int64
}

// Transfer is an internal movement between cost centers or channels.
type Transfer struct {
	ID                 int64
	Amount             decimal.Decimal
	Date               time.Time
	Description        string
	OriginCostCenterID int64
	DestCostCenterID   int64
	OriginChannelID    int64
	DestChannelID      int64
}

// AllocationRule is a standing percentage rule routing part of the
// central closing's digital balance to a destination cost center.
type AllocationRule struct {
	ID            int64
	OriginID      int64
	DestinationID int64
	Percentage    decimal.Decimal
	Active        bool
	CreatedBy     int64
	CreatedAt     time.Time
}

// DateRange is an inclusive [From, To] interval.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Validate ensures the range is coherent.
func (r DateRange) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return fmt.Errorf("ledger: date range requires both bounds: %w", shared.ErrValidation)
	}
	if r.From.After(r.To) {
		return fmt.Errorf("ledger: date range start after end: %w", shared.ErrValidation)
	}
	return nil
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

// CreateRuleInput captures allocation rule creation parameters.
type CreateRuleInput struct {
	OriginID      int64
	DestinationID int64
	Percentage    decimal.Decimal
	ActorID       int64
}

// Validate applies the structural rules before any store access.
func (in CreateRuleInput) Validate() error {
	if in.OriginID == 0 || in.DestinationID == 0 {
		return fmt.Errorf("ledger: origin and destination required: %w", shared.ErrValidation)
	}
	if in.OriginID == in.DestinationID {
		return fmt.Errorf("ledger: rule origin equals destination: %w", shared.ErrValidation)
	}
	if in.Percentage.LessThanOrEqual(decimal.Zero) || in.Percentage.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("ledger: percentage must be within (0, 100]: %w", shared.ErrValidation)
	}
	if in.ActorID == 0 {
		return fmt.Errorf("ledger: actor required: %w", shared.ErrValidation)
	}
	return nil
}

// CreateCostCenterInput captures cost center creation parameters.
type CreateCostCenterInput struct {
	Name    string
	Kind    CostCenterKind
	ActorID int64
}

// Validate checks the input before persistence.
func (in CreateCostCenterInput) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("ledger: cost center name required: %w", shared.ErrValidation)
	}
	switch in.Kind {
	case KindCentral, KindFund, KindBranch:
	default:
		return fmt.Errorf("ledger: unknown cost center kind %q: %w", in.Kind, shared.ErrValidation)
	}
	if in.ActorID == 0 {
		return fmt.Errorf("ledger: actor required: %w", shared.ErrValidation)
	}
	return nil
}

var (
	// ErrCostCenterNotFound reports a missing cost center reference.
	ErrCostCenterNotFound = fmt.Errorf("ledger: cost center: %w", shared.ErrNotFound)
	// ErrRuleNotFound reports a missing allocation rule.
	ErrRuleNotFound = fmt.Errorf("ledger: allocation rule: %w", shared.ErrNotFound)
	// ErrDuplicateRule reports an active rule already covering the
	// (origin, destination) pair.
	ErrDuplicateRule = fmt.Errorf("ledger: active rule exists for origin/destination: %w", shared.ErrConflict)
	// ErrDuplicateCostCenter reports a cost center name collision.
	ErrDuplicateCostCenter = fmt.Errorf("ledger: cost center name taken: %w", shared.ErrConflict)
)
