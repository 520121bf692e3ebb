package closing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/almoner-erp/almoner-erp/internal/ledger"
	"github.com/almoner-erp/almoner-erp/internal/platform/db"
)

// Repository persists closings, allocation items, and detail lines.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("closing: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const closingColumns = `id, cost_center_id, year, month, range_start, range_end, status,
	income_total::text, expense_total::text,
	income_physical::text, income_digital::text,
	expense_physical::text, expense_digital::text,
	allocation_total::text, final_balance::text,
	submitted_by, submitted_at, approved_by, approved_at`

// GetClosing loads one closing with its allocation items.
func (r *Repository) GetClosing(ctx context.Context, id int64) (Closing, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+closingColumns+` FROM closings WHERE id = $1`, id)
	closing, err := scanClosing(row)
	if err != nil {
		return Closing{}, err
	}
	closing.Allocations, err = r.allocationItems(ctx, id)
	if err != nil {
		return Closing{}, err
	}
	return closing, nil
}

// ListClosings returns closings for a cost center, newest period first.
// costCenterID zero lists all cost centers.
func (r *Repository) ListClosings(ctx context.Context, costCenterID int64, limit, offset int) ([]Closing, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+closingColumns+` FROM closings
		 WHERE ($1 = 0 OR cost_center_id = $1)
		 ORDER BY year DESC, month DESC, cost_center_id
		 LIMIT $2 OFFSET $3`,
		costCenterID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var closings []Closing
	for rows.Next() {
		c, err := scanClosing(rows)
		if err != nil {
			return nil, err
		}
		closings = append(closings, c)
	}
	return closings, rows.Err()
}

// StalePendingIDs lists pending closings submitted before the cutoff.
func (r *Repository) StalePendingIDs(ctx context.Context, before time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM closings WHERE status = $1 AND submitted_at < $2 ORDER BY id`, string(StatusPending), before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *txRepository) GetCostCenter(ctx context.Context, id int64) (ledger.CostCenter, error) {
	var cc ledger.CostCenter
	err := t.tx.QueryRow(ctx, `SELECT id, name, kind, active, created_at FROM cost_centers WHERE id = $1`, id).
		Scan(&cc.ID, &cc.Name, &cc.Kind, &cc.Active, &cc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.CostCenter{}, ledger.ErrCostCenterNotFound
	}
	return cc, err
}

func (t *txRepository) ClosingExists(ctx context.Context, costCenterID int64, year int, month time.Month) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM closings WHERE cost_center_id = $1 AND year = $2 AND month = $3)`,
		costCenterID, year, int(month)).Scan(&exists)
	return exists, err
}

// EntriesInRange returns untagged entries of the cost center inside the
// inclusive range, channel kind resolved via join.
func (t *txRepository) EntriesInRange(ctx context.Context, costCenterID int64, rng ledger.DateRange) ([]ledger.Entry, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT e.id, e.kind, e.description, e.amount::text, e.entry_date, e.cost_center_id,
		        e.channel_id, e.category_id, e.counterparty, ch.kind, e.included_in_closing, e.closing_id
		 FROM entries e
		 JOIN channels ch ON ch.id = e.channel_id
		 WHERE e.cost_center_id = $1 AND e.entry_date BETWEEN $2 AND $3 AND NOT e.included_in_closing
		 ORDER BY e.entry_date, e.id`,
		costCenterID, rng.From, rng.To,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (t *txRepository) Categories(ctx context.Context) (map[int64]ledger.Category, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, name, kind FROM categories`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	categories := make(map[int64]ledger.Category)
	for rows.Next() {
		var cat ledger.Category
		if err := rows.Scan(&cat.ID, &cat.Name, &cat.Kind); err != nil {
			return nil, err
		}
		categories[cat.ID] = cat
	}
	return categories, rows.Err()
}

func (t *txRepository) ActiveRules(ctx context.Context, originID int64) ([]ledger.AllocationRule, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, origin_id, destination_id, percentage::text, active, created_by, created_at
		 FROM allocation_rules WHERE active AND origin_id = $1 ORDER BY id`, originID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []ledger.AllocationRule
	for rows.Next() {
		var (
			rule ledger.AllocationRule
			pct  string
		)
		if err := rows.Scan(&rule.ID, &rule.OriginID, &rule.DestinationID, &pct, &rule.Active, &rule.CreatedBy, &rule.CreatedAt); err != nil {
			return nil, err
		}
		if rule.Percentage, err = decimal.NewFromString(pct); err != nil {
			return nil, fmt.Errorf("closing: parse percentage: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (t *txRepository) InsertClosing(ctx context.Context, c Closing) (Closing, error) {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO closings (cost_center_id, year, month, range_start, range_end, status,
			income_total, expense_total, income_physical, income_digital, expense_physical, expense_digital,
			allocation_total, final_balance, submitted_by, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 RETURNING id`,
		c.CostCenterID, c.Year, int(c.Month), c.Range.From, c.Range.To, string(c.Status),
		c.Totals.Income.String(), c.Totals.Expense.String(),
		c.Totals.IncomePhysical.String(), c.Totals.IncomeDigital.String(),
		c.Totals.ExpensePhysical.String(), c.Totals.ExpenseDigital.String(),
		c.AllocationTotal.String(), c.FinalBalance.String(),
		c.SubmittedBy, c.SubmittedAt,
	).Scan(&c.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		// Unique constraint on (cost_center_id, year, month) closes the
		// race between the existence check and the insert.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Closing{}, ErrAlreadyClosed
		}
		return Closing{}, err
	}
	return c, nil
}

func (t *txRepository) GetClosingForUpdate(ctx context.Context, id int64) (Closing, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+closingColumns+` FROM closings WHERE id = $1 FOR UPDATE`, id)
	return scanClosing(row)
}

func (t *txRepository) UpdateClosingComputation(ctx context.Context, c Closing) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE closings SET income_total = $2, expense_total = $3,
			income_physical = $4, income_digital = $5, expense_physical = $6, expense_digital = $7,
			allocation_total = $8, final_balance = $9
		 WHERE id = $1`,
		c.ID,
		c.Totals.Income.String(), c.Totals.Expense.String(),
		c.Totals.IncomePhysical.String(), c.Totals.IncomeDigital.String(),
		c.Totals.ExpensePhysical.String(), c.Totals.ExpenseDigital.String(),
		c.AllocationTotal.String(), c.FinalBalance.String(),
	)
	return err
}

func (t *txRepository) ApproveClosing(ctx context.Context, id, actorID int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE closings SET status = $2, approved_by = $3, approved_at = $4 WHERE id = $1`,
		id, string(StatusApproved), actorID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClosingNotFound
	}
	return nil
}

func (t *txRepository) DeleteClosing(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM closings WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClosingNotFound
	}
	return nil
}

func (t *txRepository) InsertAllocationItems(ctx context.Context, closingID int64, items []AllocationItem) ([]AllocationItem, error) {
	inserted := make([]AllocationItem, 0, len(items))
	for _, item := range items {
		item.ClosingID = closingID
		err := t.tx.QueryRow(ctx,
			`INSERT INTO allocation_items (closing_id, rule_id, destination_id, base_value, percentage, value)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			closingID, item.RuleID, item.DestinationID,
			item.Base.String(), item.Percentage.String(), item.Value.String(),
		).Scan(&item.ID)
		if err != nil {
			return nil, err
		}
		inserted = append(inserted, item)
	}
	return inserted, nil
}

func (t *txRepository) DeleteAllocationItems(ctx context.Context, closingID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM allocation_items WHERE closing_id = $1`, closingID)
	return err
}

func (t *txRepository) InsertDetailLines(ctx context.Context, closingID int64, lines []DetailLine) error {
	for _, line := range lines {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO closing_detail_lines (closing_id, entry_id, kind, description, amount, line_date, category, counterparty)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			closingID, line.EntryID, string(line.Kind), line.Description,
			line.Amount.String(), line.Date, line.Category, line.Counterparty,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepository) DeleteDetailLines(ctx context.Context, closingID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM closing_detail_lines WHERE closing_id = $1`, closingID)
	return err
}

func (t *txRepository) TagEntries(ctx context.Context, closingID int64, entryIDs []int64) error {
	if len(entryIDs) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx, `UPDATE entries SET included_in_closing = TRUE, closing_id = $1 WHERE id = ANY($2)`, closingID, entryIDs)
	return err
}

func (t *txRepository) ReleaseEntries(ctx context.Context, closingID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE entries SET included_in_closing = FALSE, closing_id = NULL WHERE closing_id = $1`, closingID)
	return err
}

func (r *Repository) allocationItems(ctx context.Context, closingID int64) ([]AllocationItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, closing_id, rule_id, destination_id, base_value::text, percentage::text, value::text
		 FROM allocation_items WHERE closing_id = $1 ORDER BY id`, closingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []AllocationItem
	for rows.Next() {
		var (
			item             AllocationItem
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

func scanClosing(row pgx.Row) (Closing, error) {
	var (
		c        Closing
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
	if errors.Is(err, pgx.ErrNoRows) {
		return Closing{}, ErrClosingNotFound
	}
	if err != nil {
		return Closing{}, err
	}
	c.Month = time.Month(month)
	c.Status = Status(status)
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
			return Closing{}, fmt.Errorf("closing: parse total: %w", err)
		}
		*bind.dst = value
	}
	return c, nil
}

func collectEntries(rows pgx.Rows) ([]ledger.Entry, error) {
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
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("closing: parse amount: %w", err)
		}
		e.Amount = value
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
