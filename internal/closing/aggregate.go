package closing

import "github.com/almoner-erp/almoner-erp/internal/ledger"

// ComputeTotals sums ledger entries into the six closing aggregates,
// grouped by entry kind and the channel's physical/digital tag. Pure
// function of its input: re-running over the same entries yields
// identical totals.
func ComputeTotals(entries []ledger.Entry) Totals {
	var t Totals
	for _, e := range entries {
		switch e.Kind {
		case ledger.EntryIncome:
			t.Income = t.Income.Add(e.Amount)
			if e.ChannelKind == ledger.ChannelPhysical {
				t.IncomePhysical = t.IncomePhysical.Add(e.Amount)
			} else {
				t.IncomeDigital = t.IncomeDigital.Add(e.Amount)
			}
		case ledger.EntryExpense:
			t.Expense = t.Expense.Add(e.Amount)
			if e.ChannelKind == ledger.ChannelPhysical {
				t.ExpensePhysical = t.ExpensePhysical.Add(e.Amount)
			} else {
				t.ExpenseDigital = t.ExpenseDigital.Add(e.Amount)
			}
		}
	}
	return t
}
