package closing

import (
	"github.com/shopspring/decimal"

	"github.com/almoner-erp/almoner-erp/internal/ledger"
)

var oneHundred = decimal.NewFromInt(100)

// ApplyRules computes one allocation item per rule against the closing's
// digital balance. The physical balance stays at the origin: only the
// bank/electronic movement is shared with the destination funds. Rules
// are independent; each value is rounded to 2 decimal places on its own,
// so the sum of rounded items may differ from the rounded sum by a few
// cents. That drift is accepted, not corrected.
func ApplyRules(totals Totals, rules []ledger.AllocationRule) ([]AllocationItem, decimal.Decimal) {
	base := totals.DigitalBalance()
	items := make([]AllocationItem, 0, len(rules))
	total := decimal.Zero
	for _, rule := range rules {
		value := base.Mul(rule.Percentage).Div(oneHundred).Round(2)
		items = append(items, AllocationItem{
			RuleID:        rule.ID,
			DestinationID: rule.DestinationID,
			Base:          base,
			Percentage:    rule.Percentage,
			Value:         value,
		})
		total = total.Add(value)
	}
	return items, total
}
