// Package diagnostic independently recomputes closing aggregates and
// allocation values and reports every discrepancy against the stored
// records. It is a read-only engine: anomalies are data, not errors, and
// remediation is always a separate human-triggered action.
package diagnostic

import (
	"time"

	"github.com/shopspring/decimal"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

// Check names, in the fixed order the engine runs them.
const (
	CheckDuplicateEntries     = "duplicate_entries"
	CheckClosingDrift         = "closing_total_drift"
	CheckReferentialIntegrity = "referential_integrity"
	CheckOrphanedEntries      = "orphaned_entries"
	CheckDegenerateTransfers  = "degenerate_transfers"
	CheckAllocationArithmetic = "allocation_arithmetic"
	CheckNegativeBalance      = "negative_balance"
	CheckChannelPlausibility  = "channel_kind_plausibility"
	CheckFutureDates          = "future_dates"
	CheckNonPositiveAmounts   = "non_positive_amounts"
)

// Inconsistency is one finding of a diagnostic run. It is a report row,
// never persisted as authoritative state.
type Inconsistency struct {
	Check       string   `json:"check"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	EntityType  string   `json:"entity_type,omitempty"`
	EntityID    int64    `json:"entity_id,omitempty"`
	Suggestion  string   `json:"suggestion,omitempty"`
}

// Scope optionally narrows a run to one cost center and/or date range.
// The zero value scans everything.
type Scope struct {
	CostCenterID int64      `json:"cost_center_id,omitempty"`
	From         *time.Time `json:"from,omitempty"`
	To           *time.Time `json:"to,omitempty"`
}

// coversPeriod reports whether the interval [from, to] sits entirely
// inside the scope's date window. A closing whose period only overlaps
// the window would be recomputed from a truncated entry set.
func (s Scope) coversPeriod(from, to time.Time) bool {
	if s.From != nil && from.Before(*s.From) {
		return false
	}
	if s.To != nil && to.After(*s.To) {
		return false
	}
	return true
}

// Report is the output of one diagnostic run.
type Report struct {
	ID          string           `json:"id"`
	GeneratedAt time.Time        `json:"generated_at"`
	Scope       Scope            `json:"scope"`
	Items       []Inconsistency  `json:"items"`
	Counts      map[Severity]int `json:"counts"`
	// Health is a percentage derived from the critical count against the
	// number of records scanned; 100 means no critical findings.
	Health float64 `json:"health"`
	// RecordsScanned counts entries, closings, allocation items, and
	// transfers examined.
	RecordsScanned int `json:"records_scanned"`
	// Incomplete names checks that could not run because the store
	// failed, with the failure attached. The rest of the report is
	// still valid best-effort output.
	Incomplete []string `json:"incomplete,omitempty"`
}

// CostCenterBalance is a cost center's all-time income minus expense.
type CostCenterBalance struct {
	CostCenterID int64
	Name         string
	Balance      decimal.Decimal
}

// epsilon is the rounding tolerance for monetary comparisons.
var epsilon = decimal.New(1, -2)

// futureHorizon is how far ahead an entry may be dated before it is
// flagged.
const futureHorizon = 30 * 24 * time.Hour

func withinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(epsilon)
}
