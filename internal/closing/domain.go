// Package closing implements the period closing lifecycle: aggregation of
// ledger totals per cash-channel kind, percentage-based allocation of the
// central digital balance, and the audit snapshot of contributing entries.
package closing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/almoner-erp/almoner-erp/internal/ledger"
	"github.com/almoner-erp/almoner-erp/internal/shared"
)

// Status captures the closing lifecycle. The transition is one-way:
// a Pending closing may be edited or deleted, an Approved one is immutable.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
)

// Totals holds the six aggregates of one closing, split by channel kind.
type Totals struct {
	Income          decimal.Decimal
	Expense         decimal.Decimal
	IncomePhysical  decimal.Decimal
	IncomeDigital   decimal.Decimal
	ExpensePhysical decimal.Decimal
	ExpenseDigital  decimal.Decimal
}

// DigitalBalance returns incomeDigital - expenseDigital, the allocation base.
func (t Totals) DigitalBalance() decimal.Decimal {
	return t.IncomeDigital.Sub(t.ExpenseDigital)
}

// PhysicalBalance returns incomePhysical - expensePhysical.
func (t Totals) PhysicalBalance() decimal.Decimal {
	return t.IncomePhysical.Sub(t.ExpensePhysical)
}

// Closing is one cost center's snapshot for one month.
type Closing struct {
	ID           int64
	CostCenterID int64
	Year         int
	Month        time.Month
	Range        ledger.DateRange
	Status       Status
	Totals       Totals
	// AllocationTotal is the sum of the item values generated at
	// computation time; it is stored, not derived on read.
	AllocationTotal decimal.Decimal
	FinalBalance    decimal.Decimal
	SubmittedBy     int64
	SubmittedAt     time.Time
	ApprovedBy      *int64
	ApprovedAt      *time.Time
	Allocations     []AllocationItem
}

// ExpectedFinalBalance applies the balance invariant:
// (incomePhysical - expensePhysical) + (incomeDigital - expenseDigital) - allocationTotal.
func (c Closing) ExpectedFinalBalance() decimal.Decimal {
	return c.Totals.PhysicalBalance().Add(c.Totals.DigitalBalance()).Sub(c.AllocationTotal)
}

// AllocationItem is one application of a rule to a closing. Percentage is
// copied from the rule at application time and never re-read.
type AllocationItem struct {
	ID            int64
	ClosingID     int64
	RuleID        int64
	DestinationID int64
	Base          decimal.Decimal
	Percentage    decimal.Decimal
	Value         decimal.Decimal
}

// DetailLine is a snapshot row of one ledger entry included in the closing.
// Purely a projection; never updated independently.
type DetailLine struct {
	ID           int64
	ClosingID    int64
	EntryID      int64
	Kind         ledger.EntryKind
	Description  string
	Amount       decimal.Decimal
	Date         time.Time
	Category     string
	Counterparty string
}

// ComputeInput requests a new closing for one cost center and period.
type ComputeInput struct {
	CostCenterID int64
	Range        ledger.DateRange
	ActorID      int64
}

// Validate checks the request before any store access.
func (in ComputeInput) Validate() error {
	if in.CostCenterID == 0 {
		return fmt.Errorf("closing: cost center required: %w", shared.ErrValidation)
	}
	if in.ActorID == 0 {
		return fmt.Errorf("closing: actor required: %w", shared.ErrValidation)
	}
	if err := in.Range.Validate(); err != nil {
		return err
	}
	if in.Range.From.Year() != in.Range.To.Year() || in.Range.From.Month() != in.Range.To.Month() {
		return fmt.Errorf("closing: range must stay within one calendar month: %w", shared.ErrValidation)
	}
	return nil
}

var (
	// ErrClosingNotFound reports a missing closing.
	ErrClosingNotFound = fmt.Errorf("closing: %w", shared.ErrNotFound)
	// ErrAlreadyClosed reports an existing closing for the same
	// (cost center, year, month) key.
	ErrAlreadyClosed = fmt.Errorf("closing: period already closed for cost center: %w", shared.ErrConflict)
	// ErrNotPending reports an edit or delete against an approved closing.
	ErrNotPending = fmt.Errorf("closing: only pending closings can be modified: %w", shared.ErrInvalidState)
	// ErrNotApprovable reports an approval against a non-pending closing.
	ErrNotApprovable = fmt.Errorf("closing: only pending closings can be approved: %w", shared.ErrInvalidState)
)
