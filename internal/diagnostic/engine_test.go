package diagnostic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/almoner-erp/almoner-erp/internal/closing"
	"github.com/almoner-erp/almoner-erp/internal/ledger"
)

var scanClock = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

type memDiagStore struct {
	entries     []ledger.Entry
	closings    []closing.Closing
	allocations []closing.AllocationItem
	transfers   []ledger.Transfer
	costCenters []ledger.CostCenter
	channels    []ledger.Channel
	categories  []ledger.Category
	balances    []CostCenterBalance

	entriesErr error
}

func (m *memDiagStore) Entries(ctx context.Context, scope Scope) ([]ledger.Entry, error) {
	if m.entriesErr != nil {
		return nil, m.entriesErr
	}
	var out []ledger.Entry
	for _, e := range m.entries {
		if scope.CostCenterID != 0 && e.CostCenterID != scope.CostCenterID {
			continue
		}
		if scope.From != nil && e.Date.Before(*scope.From) {
			continue
		}
		if scope.To != nil && e.Date.After(*scope.To) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Closings keeps any closing whose period overlaps the window, the
// same way the pgx store filters on range_start and range_end.
func (m *memDiagStore) Closings(ctx context.Context, scope Scope) ([]closing.Closing, error) {
	var out []closing.Closing
	for _, c := range m.closings {
		if scope.CostCenterID != 0 && c.CostCenterID != scope.CostCenterID {
			continue
		}
		if scope.From != nil && c.Range.To.Before(*scope.From) {
			continue
		}
		if scope.To != nil && c.Range.From.After(*scope.To) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *memDiagStore) AllocationItems(ctx context.Context) ([]closing.AllocationItem, error) {
	return m.allocations, nil
}

func (m *memDiagStore) Transfers(ctx context.Context, scope Scope) ([]ledger.Transfer, error) {
	return m.transfers, nil
}

func (m *memDiagStore) CostCenters(ctx context.Context) ([]ledger.CostCenter, error) {
	return m.costCenters, nil
}

func (m *memDiagStore) Channels(ctx context.Context) ([]ledger.Channel, error) {
	return m.channels, nil
}

func (m *memDiagStore) Categories(ctx context.Context) ([]ledger.Category, error) {
	return m.categories, nil
}

func (m *memDiagStore) CostCenterBalances(ctx context.Context) ([]CostCenterBalance, error) {
	return m.balances, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func int64Ptr(v int64) *int64 {
	return &v
}

// cleanStore builds a consistent ledger: one approved closing whose
// stored totals match its entries, one valid transfer, no stragglers.
func cleanStore() *memDiagStore {
	closingID := int64(1)
	return &memDiagStore{
		costCenters: []ledger.CostCenter{
			{ID: 1, Name: "Sede Central", Kind: ledger.KindCentral, Active: true},
			{ID: 2, Name: "Fundo Missões", Kind: ledger.KindFund, Active: true},
		},
		channels: []ledger.Channel{
			{ID: 1, Name: "Caixa Dinheiro", Kind: ledger.ChannelPhysical, Active: true},
			{ID: 2, Name: "Conta Pix", Kind: ledger.ChannelDigital, Active: true},
		},
		categories: []ledger.Category{
			{ID: 1, Name: "Dízimos", Kind: ledger.EntryIncome},
			{ID: 2, Name: "Manutenção", Kind: ledger.EntryExpense},
		},
		entries: []ledger.Entry{
			{
				ID: 1, Kind: ledger.EntryIncome, Description: "Dízimos fevereiro",
				Amount: dec("1000.00"), Date: time.Date(2025, time.February, 2, 0, 0, 0, 0, time.UTC),
				CostCenterID: 1, ChannelID: 2, CategoryID: 1, ChannelKind: ledger.ChannelDigital,
				IncludedInClosing: true, ClosingID: &closingID,
			},
			{
				ID: 2, Kind: ledger.EntryExpense, Description: "Conta de luz",
				Amount: dec("200.00"), Date: time.Date(2025, time.February, 10, 0, 0, 0, 0, time.UTC),
				CostCenterID: 1, ChannelID: 2, CategoryID: 2, ChannelKind: ledger.ChannelDigital,
				IncludedInClosing: true, ClosingID: &closingID,
			},
		},
		closings: []closing.Closing{
			{
				ID: 1, CostCenterID: 1, Year: 2025, Month: time.February,
				Range: ledger.DateRange{
					From: time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC),
					To:   time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC),
				},
				Status: closing.StatusApproved,
				Totals: closing.Totals{
					Income: dec("1000.00"), Expense: dec("200.00"),
					IncomeDigital: dec("1000.00"), ExpenseDigital: dec("200.00"),
				},
				AllocationTotal: dec("160.00"),
				FinalBalance:    dec("640.00"),
			},
		},
		allocations: []closing.AllocationItem{
			{ID: 1, ClosingID: 1, RuleID: 1, DestinationID: 2, Base: dec("800.00"), Percentage: dec("20"), Value: dec("160.00")},
		},
		transfers: []ledger.Transfer{
			{ID: 1, Amount: dec("160.00"), Date: time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
				OriginCostCenterID: 1, DestCostCenterID: 2, OriginChannelID: 2, DestChannelID: 1},
		},
		balances: []CostCenterBalance{
			{CostCenterID: 1, Name: "Sede Central", Balance: dec("800.00")},
			{CostCenterID: 2, Name: "Fundo Missões", Balance: dec("160.00")},
		},
	}
}

func newTestEngine(store Store) *Engine {
	engine := NewEngine(store)
	engine.WithNow(func() time.Time { return scanClock })
	return engine
}

func findByCheck(items []Inconsistency, check string) []Inconsistency {
	var out []Inconsistency
	for _, item := range items {
		if item.Check == check {
			out = append(out, item)
		}
	}
	return out
}

func TestRunCleanLedger(t *testing.T) {
	report := newTestEngine(cleanStore()).Run(context.Background(), Scope{})

	require.Empty(t, report.Items)
	require.Empty(t, report.Incomplete)
	require.Equal(t, float64(100), report.Health)
	// 2 entries + 1 closing + 1 allocation item + 1 transfer.
	require.Equal(t, 5, report.RecordsScanned)
	require.NotEmpty(t, report.ID)
	require.Equal(t, scanClock, report.GeneratedAt)
}

func TestDuplicateEntriesGrouped(t *testing.T) {
	store := cleanStore()
	store.entries = append(store.entries,
		ledger.Entry{
			ID: 3, Kind: ledger.EntryIncome, Description: "Oferta",
			Amount: dec("150.00"), Date: time.Date(2025, time.March, 2, 0, 0, 0, 0, time.UTC),
			CostCenterID: 1, ChannelID: 1, CategoryID: 1, ChannelKind: ledger.ChannelPhysical,
		},
		ledger.Entry{
			ID: 4, Kind: ledger.EntryIncome, Description: "Oferta lançada de novo",
			Amount: dec("150.00"), Date: time.Date(2025, time.March, 2, 0, 0, 0, 0, time.UTC),
			CostCenterID: 1, ChannelID: 1, CategoryID: 1, ChannelKind: ledger.ChannelPhysical,
		},
	)

	report := newTestEngine(store).Run(context.Background(), Scope{})

	dupes := findByCheck(report.Items, CheckDuplicateEntries)
	require.Len(t, dupes, 1)
	require.Equal(t, SeverityWarning, dupes[0].Severity)
	require.Contains(t, dupes[0].Description, "3, 4")
}

func TestClosingDriftReportsStoredAndRecomputed(t *testing.T) {
	store := cleanStore()
	store.closings[0].Totals.Income = dec("1100.00")

	report := newTestEngine(store).Run(context.Background(), Scope{})

	drift := findByCheck(report.Items, CheckClosingDrift)
	require.Len(t, drift, 1)
	require.Equal(t, SeverityCritical, drift[0].Severity)
	require.Contains(t, drift[0].Description, "stored 1100.00")
	require.Contains(t, drift[0].Description, "recomputed 1000.00")
}

func TestClosingDriftFinalBalanceInvariant(t *testing.T) {
	store := cleanStore()
	store.closings[0].FinalBalance = dec("700.00")

	report := newTestEngine(store).Run(context.Background(), Scope{})

	drift := findByCheck(report.Items, CheckClosingDrift)
	require.Len(t, drift, 1)
	require.Contains(t, drift[0].Description, "final balance")
	require.Contains(t, drift[0].Description, "recomputed 640.00")
}

func TestClosingDriftIgnoresPartiallyCoveredPeriod(t *testing.T) {
	store := cleanStore()
	// A mid-period lower bound drops the first February entry but still
	// loads the February closing, so a recompute would see only part of
	// the period.
	from := time.Date(2025, time.February, 5, 0, 0, 0, 0, time.UTC)

	report := newTestEngine(store).Run(context.Background(), Scope{From: &from})

	require.Empty(t, findByCheck(report.Items, CheckClosingDrift))
}

func TestClosingDriftStillRunsOnFullyCoveredPeriod(t *testing.T) {
	store := cleanStore()
	store.closings[0].Totals.Income = dec("1100.00")
	from := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC)

	report := newTestEngine(store).Run(context.Background(), Scope{From: &from, To: &to})

	drift := findByCheck(report.Items, CheckClosingDrift)
	require.Len(t, drift, 1)
	require.Contains(t, drift[0].Description, "stored 1100.00")
}

func TestReferentialIntegrityMissingChannel(t *testing.T) {
	store := cleanStore()
	store.entries = append(store.entries, ledger.Entry{
		ID: 9, Kind: ledger.EntryExpense, Amount: dec("50.00"),
		Date:         time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC),
		CostCenterID: 1, ChannelID: 99, CategoryID: 2,
	})

	report := newTestEngine(store).Run(context.Background(), Scope{})

	broken := findByCheck(report.Items, CheckReferentialIntegrity)
	require.Len(t, broken, 1)
	require.Equal(t, SeverityCritical, broken[0].Severity)
	require.Contains(t, broken[0].Description, "payment channel 99")
	require.EqualValues(t, 9, broken[0].EntityID)
}

func TestOrphanedEntry(t *testing.T) {
	store := cleanStore()
	store.entries = append(store.entries, ledger.Entry{
		ID: 9, Kind: ledger.EntryIncome, Amount: dec("75.00"),
		Date:         time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC),
		CostCenterID: 1, ChannelID: 1, CategoryID: 1, ChannelKind: ledger.ChannelPhysical,
		IncludedInClosing: true, ClosingID: int64Ptr(42),
	})

	report := newTestEngine(store).Run(context.Background(), Scope{})

	orphans := findByCheck(report.Items, CheckOrphanedEntries)
	require.Len(t, orphans, 1)
	require.Equal(t, SeverityCritical, orphans[0].Severity)
	require.Contains(t, orphans[0].Description, "(42)")
	require.Equal(t, "clear the included-in-closing flag", orphans[0].Suggestion)
}

func TestDegenerateTransfer(t *testing.T) {
	store := cleanStore()
	store.transfers = append(store.transfers, ledger.Transfer{
		ID: 5, Amount: dec("10.00"), Date: time.Date(2025, time.March, 4, 0, 0, 0, 0, time.UTC),
		OriginCostCenterID: 1, DestCostCenterID: 1, OriginChannelID: 2, DestChannelID: 2,
	})

	report := newTestEngine(store).Run(context.Background(), Scope{})

	degenerate := findByCheck(report.Items, CheckDegenerateTransfers)
	require.Len(t, degenerate, 1)
	require.Equal(t, SeverityCritical, degenerate[0].Severity)
	require.Contains(t, degenerate[0].Description, "origin and destination are identical")
}

func TestAllocationArithmeticDrift(t *testing.T) {
	store := cleanStore()
	store.allocations[0].Value = dec("150.00")

	report := newTestEngine(store).Run(context.Background(), Scope{})

	warnings := findByCheck(report.Items, CheckAllocationArithmetic)
	// The bad item value also desyncs the stored closing total.
	require.Len(t, warnings, 2)
	require.Contains(t, warnings[0].Description, "20% of 800.00 is 160.00")
	require.Contains(t, warnings[1].Description, "items sum to 150.00")
}

func TestNegativeBalanceWarning(t *testing.T) {
	store := cleanStore()
	store.balances[1].Balance = dec("-50.00")

	report := newTestEngine(store).Run(context.Background(), Scope{})

	negatives := findByCheck(report.Items, CheckNegativeBalance)
	require.Len(t, negatives, 1)
	require.Equal(t, SeverityWarning, negatives[0].Severity)
	require.Contains(t, negatives[0].Description, "Fundo Missões")
	require.Contains(t, negatives[0].Description, "50.00")
}

func TestChannelKindPlausibility(t *testing.T) {
	store := cleanStore()
	store.channels = append(store.channels,
		ledger.Channel{ID: 3, Name: "Pix da Tesouraria", Kind: ledger.ChannelPhysical, Active: true},
		ledger.Channel{ID: 4, Name: "Caixinha em espécie", Kind: ledger.ChannelDigital, Active: true},
	)

	report := newTestEngine(store).Run(context.Background(), Scope{})

	hints := findByCheck(report.Items, CheckChannelPlausibility)
	require.Len(t, hints, 2)
	for _, hint := range hints {
		require.Equal(t, SeverityInfo, hint.Severity)
	}
}

func TestFutureDatedEntry(t *testing.T) {
	store := cleanStore()
	store.entries = append(store.entries, ledger.Entry{
		ID: 9, Kind: ledger.EntryIncome, Amount: dec("30.00"),
		Date:         scanClock.Add(45 * 24 * time.Hour),
		CostCenterID: 1, ChannelID: 1, CategoryID: 1, ChannelKind: ledger.ChannelPhysical,
	})

	report := newTestEngine(store).Run(context.Background(), Scope{})

	future := findByCheck(report.Items, CheckFutureDates)
	require.Len(t, future, 1)
	require.Equal(t, SeverityWarning, future[0].Severity)
}

func TestEntryWithinHorizonIsNotFlagged(t *testing.T) {
	store := cleanStore()
	store.entries = append(store.entries, ledger.Entry{
		ID: 9, Kind: ledger.EntryIncome, Amount: dec("30.00"),
		Date:         scanClock.Add(10 * 24 * time.Hour),
		CostCenterID: 1, ChannelID: 1, CategoryID: 1, ChannelKind: ledger.ChannelPhysical,
	})

	report := newTestEngine(store).Run(context.Background(), Scope{})

	require.Empty(t, findByCheck(report.Items, CheckFutureDates))
}

func TestNonPositiveAmount(t *testing.T) {
	store := cleanStore()
	store.entries = append(store.entries, ledger.Entry{
		ID: 9, Kind: ledger.EntryExpense, Amount: dec("0.00"),
		Date:         time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC),
		CostCenterID: 1, ChannelID: 1, CategoryID: 2, ChannelKind: ledger.ChannelPhysical,
	})

	report := newTestEngine(store).Run(context.Background(), Scope{})

	zeros := findByCheck(report.Items, CheckNonPositiveAmounts)
	require.Len(t, zeros, 1)
	require.Equal(t, SeverityCritical, zeros[0].Severity)
}

func TestHealthDegradesWithCriticals(t *testing.T) {
	store := cleanStore()
	// One critical against five scanned records.
	store.entries[1].Amount = dec("-200.00")
	store.closings[0].Totals.Expense = dec("-200.00")
	store.closings[0].Totals.ExpenseDigital = dec("-200.00")
	store.closings[0].FinalBalance = dec("960.00")
	store.allocations[0].Base = dec("1200.00")
	store.allocations[0].Value = dec("240.00")
	store.closings[0].AllocationTotal = dec("240.00")

	report := newTestEngine(store).Run(context.Background(), Scope{})

	require.Equal(t, 1, report.Counts[SeverityCritical])
	require.Equal(t, float64(80), report.Health)
}

func TestStoreFailureMarksChecksIncomplete(t *testing.T) {
	store := cleanStore()
	store.entriesErr = errors.New("connection reset")

	report := newTestEngine(store).Run(context.Background(), Scope{})

	require.NotEmpty(t, report.Incomplete)
	var names []string
	for _, entry := range report.Incomplete {
		names = append(names, entry)
	}
	require.Contains(t, names[0], CheckDuplicateEntries)
	// Checks that never touch entries still produce results.
	require.Empty(t, findByCheck(report.Items, CheckDegenerateTransfers))
	require.Empty(t, findByCheck(report.Items, CheckNegativeBalance))
	// Scanned volume excludes the failed table.
	require.Equal(t, 3, report.RecordsScanned)
}

func TestHealthWithNoRecords(t *testing.T) {
	report := newTestEngine(&memDiagStore{}).Run(context.Background(), Scope{})

	require.Equal(t, float64(100), report.Health)
	require.Zero(t, report.RecordsScanned)
}
