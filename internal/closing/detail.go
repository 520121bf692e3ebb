package closing

import "github.com/almoner-erp/almoner-erp/internal/ledger"

// BuildDetailLines projects the contributing ledger entries into snapshot
// rows for audit and printing. Prior lines for the closing must be
// cleared before regeneration.
func BuildDetailLines(entries []ledger.Entry, categories map[int64]ledger.Category) []DetailLine {
	lines := make([]DetailLine, 0, len(entries))
	for _, e := range entries {
		category := ""
		if cat, ok := categories[e.CategoryID]; ok {
			category = cat.Name
		}
		lines = append(lines, DetailLine{
			EntryID:      e.ID,
			Kind:         e.Kind,
			Description:  e.Description,
			Amount:       e.Amount,
			Date:         e.Date,
			Category:     category,
			Counterparty: e.Counterparty,
		})
	}
	return lines
}
