package closing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/almoner-erp/almoner-erp/internal/ledger"
)

func entry(id int64, kind ledger.EntryKind, channelKind ledger.ChannelKind, amount string) ledger.Entry {
	return ledger.Entry{
		ID:           id,
		Kind:         kind,
		ChannelKind:  channelKind,
		Amount:       decimal.RequireFromString(amount),
		Date:         time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		CostCenterID: 1,
		ChannelID:    1,
		CategoryID:   1,
	}
}

func TestComputeTotalsSplitsByChannelKind(t *testing.T) {
	entries := []ledger.Entry{
		entry(1, ledger.EntryIncome, ledger.ChannelPhysical, "150.00"),
		entry(2, ledger.EntryIncome, ledger.ChannelDigital, "1000.00"),
		entry(3, ledger.EntryExpense, ledger.ChannelDigital, "200.00"),
		entry(4, ledger.EntryExpense, ledger.ChannelPhysical, "50.00"),
	}

	totals := ComputeTotals(entries)

	require.True(t, totals.Income.Equal(decimal.RequireFromString("1150.00")))
	require.True(t, totals.Expense.Equal(decimal.RequireFromString("250.00")))
	require.True(t, totals.IncomePhysical.Equal(decimal.RequireFromString("150.00")))
	require.True(t, totals.IncomeDigital.Equal(decimal.RequireFromString("1000.00")))
	require.True(t, totals.ExpensePhysical.Equal(decimal.RequireFromString("50.00")))
	require.True(t, totals.ExpenseDigital.Equal(decimal.RequireFromString("200.00")))
}

func TestComputeTotalsIsIdempotent(t *testing.T) {
	entries := []ledger.Entry{
		entry(1, ledger.EntryIncome, ledger.ChannelDigital, "10.10"),
		entry(2, ledger.EntryExpense, ledger.ChannelPhysical, "3.33"),
	}

	first := ComputeTotals(entries)
	second := ComputeTotals(entries)

	require.True(t, first.Income.Equal(second.Income))
	require.True(t, first.Expense.Equal(second.Expense))
	require.True(t, first.DigitalBalance().Equal(second.DigitalBalance()))
	require.True(t, first.PhysicalBalance().Equal(second.PhysicalBalance()))
}
