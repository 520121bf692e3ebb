package diagnostic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/almoner-erp/almoner-erp/internal/closing"
	"github.com/almoner-erp/almoner-erp/internal/ledger"
)

// Store is the read-only surface the engine scans. The pgx Repository
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	Entries(ctx context.Context, scope Scope) ([]ledger.Entry, error)
	Closings(ctx context.Context, scope Scope) ([]closing.Closing, error)
	AllocationItems(ctx context.Context) ([]closing.AllocationItem, error)
	Transfers(ctx context.Context, scope Scope) ([]ledger.Transfer, error)
	CostCenters(ctx context.Context) ([]ledger.CostCenter, error)
	Channels(ctx context.Context) ([]ledger.Channel, error)
	Categories(ctx context.Context) ([]ledger.Category, error)
	CostCenterBalances(ctx context.Context) ([]CostCenterBalance, error)
}

// Engine runs the consistency checks in a fixed sequence. It never
// writes: a store failure inside one check marks that check incomplete
// and the remaining checks still run.
type Engine struct {
	store Store
	now   func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(store Store) *Engine {
	return &Engine{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// WithNow overrides the clock for deterministic tests.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

type checkFunc func(ctx context.Context, d *dataset, now time.Time) ([]Inconsistency, error)

// Run executes every check against the scoped data and assembles the
// report. Identical data always yields an identical report body, so the
// on-demand and scheduled paths are interchangeable.
func (e *Engine) Run(ctx context.Context, scope Scope) Report {
	now := e.now()
	report := Report{
		ID:          uuid.NewString(),
		GeneratedAt: now,
		Scope:       scope,
		Items:       []Inconsistency{},
		Counts: map[Severity]int{
			SeverityCritical: 0,
			SeverityWarning:  0,
			SeverityInfo:     0,
		},
	}
	d := &dataset{store: e.store, scope: scope}

	checks := []struct {
		name string
		fn   checkFunc
	}{
		{CheckDuplicateEntries, e.checkDuplicateEntries},
		{CheckClosingDrift, e.checkClosingDrift},
		{CheckReferentialIntegrity, e.checkReferentialIntegrity},
		{CheckOrphanedEntries, e.checkOrphanedEntries},
		{CheckDegenerateTransfers, e.checkDegenerateTransfers},
		{CheckAllocationArithmetic, e.checkAllocationArithmetic},
		{CheckNegativeBalance, e.checkNegativeBalance},
		{CheckChannelPlausibility, e.checkChannelPlausibility},
		{CheckFutureDates, e.checkFutureDates},
		{CheckNonPositiveAmounts, e.checkNonPositiveAmounts},
	}
	for _, check := range checks {
		items, err := check.fn(ctx, d, now)
		if err != nil {
			report.Incomplete = append(report.Incomplete, check.name+": "+err.Error())
			continue
		}
		report.Items = append(report.Items, items...)
	}

	for _, item := range report.Items {
		report.Counts[item.Severity]++
	}
	report.RecordsScanned = d.recordsScanned()
	report.Health = healthPercentage(report.Counts[SeverityCritical], report.RecordsScanned)
	return report
}

// healthPercentage relates critical findings to the record volume: 100
// when nothing critical, degrading towards 0 as criticals approach the
// number of records scanned.
func healthPercentage(critical, scanned int) float64 {
	if scanned == 0 {
		return 100
	}
	if critical >= scanned {
		return 0
	}
	ratio := 1 - float64(critical)/float64(scanned)
	return float64(int(ratio*10000)) / 100
}

// 1. Duplicate ledger entries.
func (e *Engine) checkDuplicateEntries(ctx context.Context, d *dataset, _ time.Time) ([]Inconsistency, error) {
	entries, err := d.Entries(ctx)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]int64)
	var order []string
	for _, entry := range entries {
		key := fmt.Sprintf("%s|%s|%d|%d", entry.Date.Format("2006-01-02"), entry.Amount.StringFixed(2), entry.CostCenterID, entry.CategoryID)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], entry.ID)
	}
	var items []Inconsistency
	for _, key := range order {
		ids := groups[key]
		if len(ids) < 2 {
			continue
		}
		items = append(items, Inconsistency{
			Check:       CheckDuplicateEntries,
			Category:    "ledger",
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("entries %s share date, amount, cost center, and category", joinIDs(ids)),
			EntityType:  "entry",
			EntityID:    ids[0],
			Suggestion:  "review the group and remove the accidental duplicate",
		})
	}
	return items, nil
}

// 2. Closing total drift.
func (e *Engine) checkClosingDrift(ctx context.Context, d *dataset, _ time.Time) ([]Inconsistency, error) {
	closings, err := d.Closings(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := d.Entries(ctx)
	if err != nil {
		return nil, err
	}
	byClosing := make(map[int64][]ledger.Entry)
	for _, entry := range entries {
		if entry.ClosingID != nil {
			byClosing[*entry.ClosingID] = append(byClosing[*entry.ClosingID], entry)
		}
	}
	var items []Inconsistency
	for _, c := range closings {
		// Skip closings only partially inside the scope window: their
		// entries outside the window were never loaded, so a recompute
		// would drift on perfectly consistent data.
		if !d.scope.coversPeriod(c.Range.From, c.Range.To) {
			continue
		}
		recomputed := closing.ComputeTotals(byClosing[c.ID])
		comparisons := []struct {
			field  string
			stored decimal.Decimal
			truth  decimal.Decimal
		}{
			{"income total", c.Totals.Income, recomputed.Income},
			{"expense total", c.Totals.Expense, recomputed.Expense},
			{"physical income", c.Totals.IncomePhysical, recomputed.IncomePhysical},
			{"digital income", c.Totals.IncomeDigital, recomputed.IncomeDigital},
			{"physical expense", c.Totals.ExpensePhysical, recomputed.ExpensePhysical},
			{"digital expense", c.Totals.ExpenseDigital, recomputed.ExpenseDigital},
			{"final balance", c.FinalBalance, c.ExpectedFinalBalance()},
		}
		for _, cmp := range comparisons {
			if withinEpsilon(cmp.stored, cmp.truth) {
				continue
			}
			items = append(items, Inconsistency{
				Check:       CheckClosingDrift,
				Category:    "closing",
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("closing %d %s drifted: stored %s, recomputed %s", c.ID, cmp.field, cmp.stored.StringFixed(2), cmp.truth.StringFixed(2)),
				EntityType:  "closing",
				EntityID:    c.ID,
				Suggestion:  "recompute the closing from its ledger entries",
			})
		}
	}
	return items, nil
}

// 3. Referential integrity of ledger entries.
func (e *Engine) checkReferentialIntegrity(ctx context.Context, d *dataset, _ time.Time) ([]Inconsistency, error) {
	entries, err := d.Entries(ctx)
	if err != nil {
		return nil, err
	}
	channels, err := d.Channels(ctx)
	if err != nil {
		return nil, err
	}
	costCenters, err := d.CostCenters(ctx)
	if err != nil {
		return nil, err
	}
	categories, err := d.Categories(ctx)
	if err != nil {
		return nil, err
	}
	channelIDs := make(map[int64]bool, len(channels))
	for _, ch := range channels {
		channelIDs[ch.ID] = true
	}
	costCenterIDs := make(map[int64]bool, len(costCenters))
	for _, cc := range costCenters {
		costCenterIDs[cc.ID] = true
	}
	categoryIDs := make(map[int64]bool, len(categories))
	for _, cat := range categories {
		categoryIDs[cat.ID] = true
	}
	var items []Inconsistency
	for _, entry := range entries {
		missing := ""
		switch {
		case !channelIDs[entry.ChannelID]:
			missing = fmt.Sprintf("payment channel %d", entry.ChannelID)
		case !costCenterIDs[entry.CostCenterID]:
			missing = fmt.Sprintf("cost center %d", entry.CostCenterID)
		case !categoryIDs[entry.CategoryID]:
			missing = fmt.Sprintf("category %d", entry.CategoryID)
		}
		if missing == "" {
			continue
		}
		items = append(items, Inconsistency{
			Check:       CheckReferentialIntegrity,
			Category:    "ledger",
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("entry %d references missing %s", entry.ID, missing),
			EntityType:  "entry",
			EntityID:    entry.ID,
			Suggestion:  "repoint the entry to an existing record",
		})
	}
	return items, nil
}

// 4. Orphaned ledger entries.
func (e *Engine) checkOrphanedEntries(ctx context.Context, d *dataset, _ time.Time) ([]Inconsistency, error) {
	entries, err := d.Entries(ctx)
	if err != nil {
		return nil, err
	}
	closings, err := d.Closings(ctx)
	if err != nil {
		return nil, err
	}
	closingIDs := make(map[int64]bool, len(closings))
	for _, c := range closings {
		closingIDs[c.ID] = true
	}
	var items []Inconsistency
	for _, entry := range entries {
		if !entry.IncludedInClosing {
			continue
		}
		if entry.ClosingID != nil && closingIDs[*entry.ClosingID] {
			continue
		}
		ref := "none"
		if entry.ClosingID != nil {
			ref = fmt.Sprintf("%d", *entry.ClosingID)
		}
		items = append(items, Inconsistency{
			Check:       CheckOrphanedEntries,
			Category:    "ledger",
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("entry %d is marked as closed but its closing reference (%s) does not exist", entry.ID, ref),
			EntityType:  "entry",
			EntityID:    entry.ID,
			Suggestion:  "clear the included-in-closing flag",
		})
	}
	return items, nil
}

// 5. Degenerate internal transfers.
func (e *Engine) checkDegenerateTransfers(ctx context.Context, d *dataset, _ time.Time) ([]Inconsistency, error) {
	transfers, err := d.Transfers(ctx)
	if err != nil {
		return nil, err
	}
	var items []Inconsistency
	for _, tr := range transfers {
		var reason string
		switch {
		case tr.OriginCostCenterID == tr.DestCostCenterID && tr.OriginChannelID == tr.DestChannelID:
			reason = "origin and destination are identical"
		case tr.OriginCostCenterID == tr.DestCostCenterID:
			reason = "origin cost center equals destination"
		case tr.OriginChannelID == tr.DestChannelID:
			reason = "origin channel equals destination"
		default:
			continue
		}
		items = append(items, Inconsistency{
			Check:       CheckDegenerateTransfers,
			Category:    "transfer",
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("transfer %d moves nothing: %s", tr.ID, reason),
			EntityType:  "transfer",
			EntityID:    tr.ID,
			Suggestion:  "delete the transfer or fix its destination",
		})
	}
	return items, nil
}

// 6. Allocation arithmetic.
func (e *Engine) checkAllocationArithmetic(ctx context.Context, d *dataset, _ time.Time) ([]Inconsistency, error) {
	allocations, err := d.AllocationItems(ctx)
	if err != nil {
		return nil, err
	}
	closings, err := d.Closings(ctx)
	if err != nil {
		return nil, err
	}
	var items []Inconsistency
	sums := make(map[int64]decimal.Decimal)
	for _, item := range allocations {
		sums[item.ClosingID] = sums[item.ClosingID].Add(item.Value)
		expected := item.Base.Mul(item.Percentage).Div(decimal.NewFromInt(100)).Round(2)
		if withinEpsilon(item.Value, expected) {
			continue
		}
		items = append(items, Inconsistency{
			Check:       CheckAllocationArithmetic,
			Category:    "allocation",
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("allocation item %d stores %s but %s%% of %s is %s", item.ID, item.Value.StringFixed(2), item.Percentage.String(), item.Base.StringFixed(2), expected.StringFixed(2)),
			EntityType:  "allocation_item",
			EntityID:    item.ID,
			Suggestion:  "recompute the closing to regenerate its allocation items",
		})
	}
	for _, c := range closings {
		if withinEpsilon(sums[c.ID], c.AllocationTotal) {
			continue
		}
		items = append(items, Inconsistency{
			Check:       CheckAllocationArithmetic,
			Category:    "allocation",
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("closing %d stores allocation total %s but its items sum to %s", c.ID, c.AllocationTotal.StringFixed(2), sums[c.ID].StringFixed(2)),
			EntityType:  "closing",
			EntityID:    c.ID,
			Suggestion:  "recompute the closing to realign the stored total",
		})
	}
	return items, nil
}

// 7. Negative all-time cost center balance.
func (e *Engine) checkNegativeBalance(ctx context.Context, d *dataset, _ time.Time) ([]Inconsistency, error) {
	balances, err := d.CostCenterBalances(ctx)
	if err != nil {
		return nil, err
	}
	var items []Inconsistency
	for _, bal := range balances {
		if bal.Balance.GreaterThanOrEqual(decimal.Zero) {
			continue
		}
		items = append(items, Inconsistency{
			Check:       CheckNegativeBalance,
			Category:    "cost_center",
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("cost center %q has spent %s more than it received", bal.Name, bal.Balance.Abs().StringFixed(2)),
			EntityType:  "cost_center",
			EntityID:    bal.CostCenterID,
			Suggestion:  "verify whether expenses were posted to the wrong cost center",
		})
	}
	return items, nil
}

var (
	physicalHints = []string{"dinheiro", "especie", "espécie", "cash", "moeda"}
	digitalHints  = []string{"pix", "banco", "cartao", "cartão", "transfer", "debito", "débito", "credito", "crédito", "online"}
)

// 8. Channel-kind plausibility.
func (e *Engine) checkChannelPlausibility(ctx context.Context, d *dataset, _ time.Time) ([]Inconsistency, error) {
	channels, err := d.Channels(ctx)
	if err != nil {
		return nil, err
	}
	var items []Inconsistency
	for _, ch := range channels {
		name := strings.ToLower(ch.Name)
		var hint string
		switch {
		case ch.Kind == ledger.ChannelDigital && matchesAny(name, physicalHints):
			hint = "name suggests cash in hand but the channel is tagged digital"
		case ch.Kind == ledger.ChannelPhysical && matchesAny(name, digitalHints):
			hint = "name suggests electronic movement but the channel is tagged physical"
		default:
			continue
		}
		items = append(items, Inconsistency{
			Check:       CheckChannelPlausibility,
			Category:    "channel",
			Severity:    SeverityInfo,
			Description: fmt.Sprintf("channel %q: %s", ch.Name, hint),
			EntityType:  "channel",
			EntityID:    ch.ID,
			Suggestion:  "confirm the channel kind with the treasurer",
		})
	}
	return items, nil
}

// 9. Entries dated too far in the future.
func (e *Engine) checkFutureDates(ctx context.Context, d *dataset, now time.Time) ([]Inconsistency, error) {
	entries, err := d.Entries(ctx)
	if err != nil {
		return nil, err
	}
	horizon := now.Add(futureHorizon)
	var items []Inconsistency
	for _, entry := range entries {
		if !entry.Date.After(horizon) {
			continue
		}
		items = append(items, Inconsistency{
			Check:       CheckFutureDates,
			Category:    "ledger",
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("entry %d is dated %s, more than 30 days ahead", entry.ID, entry.Date.Format("2006-01-02")),
			EntityType:  "entry",
			EntityID:    entry.ID,
			Suggestion:  "confirm the posting date with the bookkeeper",
		})
	}
	return items, nil
}

// 10. Non-positive amounts.
func (e *Engine) checkNonPositiveAmounts(ctx context.Context, d *dataset, _ time.Time) ([]Inconsistency, error) {
	entries, err := d.Entries(ctx)
	if err != nil {
		return nil, err
	}
	var items []Inconsistency
	for _, entry := range entries {
		if entry.Amount.GreaterThan(decimal.Zero) {
			continue
		}
		items = append(items, Inconsistency{
			Check:       CheckNonPositiveAmounts,
			Category:    "ledger",
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("entry %d has non-positive amount %s", entry.ID, entry.Amount.StringFixed(2)),
			EntityType:  "entry",
			EntityID:    entry.ID,
			Suggestion:  "correct the amount or remove the entry",
		})
	}
	return items, nil
}

func matchesAny(name string, hints []string) bool {
	for _, hint := range hints {
		if strings.Contains(name, hint) {
			return true
		}
	}
	return false
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ", ")
}

// dataset memoizes store reads so one scan feeds every check that needs
// the same table.
type dataset struct {
	store Store
	scope Scope

	entries       []ledger.Entry
	entriesErr    error
	entriesLoaded bool

	closings       []closing.Closing
	closingsErr    error
	closingsLoaded bool

	allocations       []closing.AllocationItem
	allocationsErr    error
	allocationsLoaded bool

	transfers       []ledger.Transfer
	transfersErr    error
	transfersLoaded bool

	costCenters       []ledger.CostCenter
	costCentersErr    error
	costCentersLoaded bool

	channels       []ledger.Channel
	channelsErr    error
	channelsLoaded bool

	categories       []ledger.Category
	categoriesErr    error
	categoriesLoaded bool

	balances       []CostCenterBalance
	balancesErr    error
	balancesLoaded bool
}

func (d *dataset) Entries(ctx context.Context) ([]ledger.Entry, error) {
	if !d.entriesLoaded {
		d.entries, d.entriesErr = d.store.Entries(ctx, d.scope)
		d.entriesLoaded = true
	}
	return d.entries, d.entriesErr
}

func (d *dataset) Closings(ctx context.Context) ([]closing.Closing, error) {
	if !d.closingsLoaded {
		d.closings, d.closingsErr = d.store.Closings(ctx, d.scope)
		d.closingsLoaded = true
	}
	return d.closings, d.closingsErr
}

func (d *dataset) AllocationItems(ctx context.Context) ([]closing.AllocationItem, error) {
	if !d.allocationsLoaded {
		d.allocations, d.allocationsErr = d.store.AllocationItems(ctx)
		d.allocationsLoaded = true
	}
	return d.allocations, d.allocationsErr
}

func (d *dataset) Transfers(ctx context.Context) ([]ledger.Transfer, error) {
	if !d.transfersLoaded {
		d.transfers, d.transfersErr = d.store.Transfers(ctx, d.scope)
		d.transfersLoaded = true
	}
	return d.transfers, d.transfersErr
}

func (d *dataset) CostCenters(ctx context.Context) ([]ledger.CostCenter, error) {
	if !d.costCentersLoaded {
		d.costCenters, d.costCentersErr = d.store.CostCenters(ctx)
		d.costCentersLoaded = true
	}
	return d.costCenters, d.costCentersErr
}

func (d *dataset) Channels(ctx context.Context) ([]ledger.Channel, error) {
	if !d.channelsLoaded {
		d.channels, d.channelsErr = d.store.Channels(ctx)
		d.channelsLoaded = true
	}
	return d.channels, d.channelsErr
}

func (d *dataset) Categories(ctx context.Context) ([]ledger.Category, error) {
	if !d.categoriesLoaded {
		d.categories, d.categoriesErr = d.store.Categories(ctx)
		d.categoriesLoaded = true
	}
	return d.categories, d.categoriesErr
}

func (d *dataset) CostCenterBalances(ctx context.Context) ([]CostCenterBalance, error) {
	if !d.balancesLoaded {
		d.balances, d.balancesErr = d.store.CostCenterBalances(ctx)
		d.balancesLoaded = true
	}
	return d.balances, d.balancesErr
}

func (d *dataset) recordsScanned() int {
	total := 0
	if d.entriesLoaded && d.entriesErr == nil {
		total += len(d.entries)
	}
	if d.closingsLoaded && d.closingsErr == nil {
		total += len(d.closings)
	}
	if d.allocationsLoaded && d.allocationsErr == nil {
		total += len(d.allocations)
	}
	if d.transfersLoaded && d.transfersErr == nil {
		total += len(d.transfers)
	}
	return total
}
