package diagnostic

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/almoner-erp/almoner-erp/internal/closing"
	"github.com/almoner-erp/almoner-erp/internal/ledger"
)

// Repository reads the whole store for the engine. Every query is
// read-only; the engine never mutates through it.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Entries returns scoped ledger entries. The channel join is a LEFT
// JOIN on purpose: a broken channel reference must still surface so the
// referential check can flag it.
func (r *Repository) Entries(ctx context.Context, scope Scope) ([]ledger.Entry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT e.id, e.kind, e.description, e.amount::text, e.entry_date, e.cost_center_id,
		        e.channel_id, e.category_id, e.counterparty, COALESCE(ch.kind, ''), e.included_in_closing, e.closing_id
		 FROM entries e
		 LEFT JOIN channels ch ON ch.id = e.channel_id
		 WHERE ($1 = 0 OR e.cost_center_id = $1)
		   AND ($2::date IS NULL OR e.entry_date >= $2)
		   AND ($3::date IS NULL OR e.entry_date <= $3)
		 ORDER BY e.id`,
		scope.CostCenterID, scope.From, scope.To,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []ledger.Entry
	for rows.Next() {
		var (
			e      ledger.Entry
			amount string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.Description, &amount, &e.Date, &e.CostCenterID,
			&e.ChannelID, &e.CategoryID, &e.Counterparty, &e.ChannelKind, &e.IncludedInClosing, &e.ClosingID); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("diagnostic: parse amount: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Closings returns scoped closings without their allocation items.
func (r *Repository) Closings(ctx context.Context, scope Scope) ([]closing.Closing, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, cost_center_id, year, month, range_start, range_end, status,
		        income_total::text, expense_total::text,
		        income_physical::text, income_digital::text,
		        expense_physical::text, expense_digital::text,
		        allocation_total::text, final_balance::text,
		        submitted_by, submitted_at, approved_by, approved_at
		 FROM closings
		 WHERE ($1 = 0 OR cost_center_id = $1)
		   AND ($2::date IS NULL OR range_end >= $2)
		   AND ($3::date IS NULL OR range_start <= $3)
		 ORDER BY id`,
		scope.CostCenterID, scope.From, scope.To,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var closings []closing.Closing
	for rows.Next() {
		c, err := scanClosingRow(rows)
		if err != nil {
			return nil, err
		}
		closings = append(closings, c)
	}
	return closings, rows.Err()
}

// AllocationItems returns every allocation item in the store.
func (r *Repository) AllocationItems(ctx context.Context) ([]closing.AllocationItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, closing_id, rule_id, destination_id, base_value::text, percentage::text, value::text
		 FROM allocation_items ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []closing.AllocationItem
	for rows.Next() {
		var (
			item             closing.AllocationItem
			base, pct, value string
		)
		if err := rows.Scan(&item.ID, &item.ClosingID, &item.RuleID, &item.DestinationID, &base, &pct, &value); err != nil {
			return nil, err
		}
		if item.Base, err = decimal.NewFromString(base); err != nil {
			return nil, err
		}
		if item.Percentage, err = decimal.NewFromString(pct); err != nil {
			return nil, err
		}
		if item.Value, err = decimal.NewFromString(value); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Transfers returns scoped internal transfers.
func (r *Repository) Transfers(ctx context.Context, scope Scope) ([]ledger.Transfer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, amount::text, transfer_date, description,
		        origin_cost_center_id, dest_cost_center_id, origin_channel_id, dest_channel_id
		 FROM transfers
		 WHERE ($1 = 0 OR origin_cost_center_id = $1 OR dest_cost_center_id = $1)
		   AND ($2::date IS NULL OR transfer_date >= $2)
		   AND ($3::date IS NULL OR transfer_date <= $3)
		 ORDER BY id`,
		scope.CostCenterID, scope.From, scope.To,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var transfers []ledger.Transfer
	for rows.Next() {
		var (
			tr     ledger.Transfer
			amount string
		)
		if err := rows.Scan(&tr.ID, &amount, &tr.Date, &tr.Description,
			&tr.OriginCostCenterID, &tr.DestCostCenterID, &tr.OriginChannelID, &tr.DestChannelID); err != nil {
			return nil, err
		}
		if tr.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		transfers = append(transfers, tr)
	}
	return transfers, rows.Err()
}

// CostCenters returns all cost centers, active or not.
func (r *Repository) CostCenters(ctx context.Context) ([]ledger.CostCenter, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, kind, active, created_at FROM cost_centers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var centers []ledger.CostCenter
	for rows.Next() {
		var cc ledger.CostCenter
		if err := rows.Scan(&cc.ID, &cc.Name, &cc.Kind, &cc.Active, &cc.CreatedAt); err != nil {
			return nil, err
		}
		centers = append(centers, cc)
	}
	return centers, rows.Err()
}

// Channels returns all payment channels.
func (r *Repository) Channels(ctx context.Context) ([]ledger.Channel, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, kind, active FROM channels ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var channels []ledger.Channel
	for rows.Next() {
		var ch ledger.Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Kind, &ch.Active); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// Categories returns all entry categories.
func (r *Repository) Categories(ctx context.Context) ([]ledger.Category, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, kind FROM categories ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var categories []ledger.Category
	for rows.Next() {
		var cat ledger.Category
		if err := rows.Scan(&cat.ID, &cat.Name, &cat.Kind); err != nil {
			return nil, err
		}
		categories = append(categories, cat)
	}
	return categories, rows.Err()
}

// CostCenterBalances aggregates all-time income minus expense per cost center.
func (r *Repository) CostCenterBalances(ctx context.Context) ([]CostCenterBalance, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT cc.id, cc.name,
		        COALESCE(SUM(CASE WHEN e.kind = 'INCOME' THEN e.amount ELSE -e.amount END), 0)::text
		 FROM cost_centers cc
		 LEFT JOIN entries e ON e.cost_center_id = cc.id
		 GROUP BY cc.id, cc.name
		 ORDER BY cc.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var balances []CostCenterBalance
	for rows.Next() {
		var (
			bal CostCenterBalance
			raw string
		)
		if err := rows.Scan(&bal.CostCenterID, &bal.Name, &raw); err != nil {
			return nil, err
		}
		if bal.Balance, err = decimal.NewFromString(raw); err != nil {
			return nil, err
		}
		balances = append(balances, bal)
	}
	return balances, rows.Err()
}

func scanClosingRow(row pgx.Row) (closing.Closing, error) {
	var (
		c        closing.Closing
		month    int
		status   string
		income   string
		expense  string
		incPhys  string
		incDig   string
		expPhys  string
		expDig   string
		allocTot string
		finalBal string
	)
	err := row.Scan(&c.ID, &c.CostCenterID, &c.Year, &month, &c.Range.From, &c.Range.To, &status,
		&income, &expense, &incPhys, &incDig, &expPhys, &expDig,
		&allocTot, &finalBal,
		&c.SubmittedBy, &c.SubmittedAt, &c.ApprovedBy, &c.ApprovedAt)
	if err != nil {
		return closing.Closing{}, err
	}
	c.Month = time.Month(month)
	c.Status = closing.Status(status)
	for _, bind := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&c.Totals.Income, income},
		{&c.Totals.Expense, expense},
		{&c.Totals.IncomePhysical, incPhys},
		{&c.Totals.IncomeDigital, incDig},
		{&c.Totals.ExpensePhysical, expPhys},
		{&c.Totals.ExpenseDigital, expDig},
		{&c.AllocationTotal, allocTot},
		{&c.FinalBalance, finalBal},
	} {
		value, err := decimal.NewFromString(bind.src)
		if err != nil {
			return closing.Closing{}, fmt.Errorf("diagnostic: parse closing total: %w", err)
		}
		*bind.dst = value
	}
	return c, nil
}
