package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/almoner-erp/almoner-erp/internal/platform/db"
)

// Repository persists master data and allocation rules.
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
		return fmt.Errorf("ledger: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetCostCenter loads one cost center by id.
func (r *Repository) GetCostCenter(ctx context.Context, id int64) (CostCenter, error) {
	return scanCostCenter(r.pool.QueryRow(ctx, costCenterByIDSQL, id))
}

// ActiveCostCenters lists cost centers flagged active, ordered by name.
func (r *Repository) ActiveCostCenters(ctx context.Context) ([]CostCenter, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, kind, active, created_at FROM cost_centers WHERE active ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var centers []CostCenter
	for rows.Next() {
		var cc CostCenter
		if err := rows.Scan(&cc.ID, &cc.Name, &cc.Kind, &cc.Active, &cc.CreatedAt); err != nil {
			return nil, err
		}
		centers = append(centers, cc)
	}
	return centers, rows.Err()
}

// ListRules returns rules filtered by origin; originID zero means all.
func (r *Repository) ListRules(ctx context.Context, originID int64) ([]AllocationRule, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, origin_id, destination_id, percentage::text, active, created_by, created_at FROM allocation_rules WHERE ($1 = 0 OR origin_id = $1) ORDER BY id`, originID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

func (t *txRepository) GetCostCenter(ctx context.Context, id int64) (CostCenter, error) {
	return scanCostCenter(t.tx.QueryRow(ctx, costCenterByIDSQL, id))
}

func (t *txRepository) CostCenterNameTaken(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cost_centers WHERE lower(name) = lower($1))`, name).Scan(&exists)
	return exists, err
}

func (t *txRepository) InsertCostCenter(ctx context.Context, in CreateCostCenterInput) (CostCenter, error) {
	var cc CostCenter
	err := t.tx.QueryRow(ctx,
		`INSERT INTO cost_centers (name, kind, active) VALUES ($1, $2, TRUE) RETURNING id, name, kind, active, created_at`,
		in.Name, string(in.Kind),
	).Scan(&cc.ID, &cc.Name, &cc.Kind, &cc.Active, &cc.CreatedAt)
	return cc, err
}

func (t *txRepository) HasActiveRule(ctx context.Context, originID, destinationID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM allocation_rules WHERE active AND origin_id = $1 AND destination_id = $2)`, originID, destinationID).Scan(&exists)
	return exists, err
}

func (t *txRepository) InsertRule(ctx context.Context, in CreateRuleInput) (AllocationRule, error) {
	row := t.tx.QueryRow(ctx,
		`INSERT INTO allocation_rules (origin_id, destination_id, percentage, active, created_by) VALUES ($1, $2, $3, TRUE, $4)
		 RETURNING id, origin_id, destination_id, percentage::text, active, created_by, created_at`,
		in.OriginID, in.DestinationID, in.Percentage.String(), in.ActorID,
	)
	return scanRule(row)
}

func (t *txRepository) DeactivateRule(ctx context.Context, id int64) (AllocationRule, error) {
	row := t.tx.QueryRow(ctx,
		`UPDATE allocation_rules SET active = FALSE WHERE id = $1
		 RETURNING id, origin_id, destination_id, percentage::text, active, created_by, created_at`,
		id,
	)
	rule, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return AllocationRule{}, ErrRuleNotFound
	}
	return rule, err
}

const costCenterByIDSQL = `SELECT id, name, kind, active, created_at FROM cost_centers WHERE id = $1`

func scanCostCenter(row pgx.Row) (CostCenter, error) {
	var cc CostCenter
	err := row.Scan(&cc.ID, &cc.Name, &cc.Kind, &cc.Active, &cc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return CostCenter{}, ErrCostCenterNotFound
	}
	if err != nil {
		return CostCenter{}, err
	}
	return cc, nil
}

func scanRule(row pgx.Row) (AllocationRule, error) {
	var (
		rule AllocationRule
		pct  string
		at   time.Time
	)
	if err := row.Scan(&rule.ID, &rule.OriginID, &rule.DestinationID, &pct, &rule.Active, &rule.CreatedBy, &at); err != nil {
		return AllocationRule{}, err
	}
	value, err := decimal.NewFromString(pct)
	if err != nil {
		return AllocationRule{}, fmt.Errorf("ledger: parse percentage: %w", err)
	}
	rule.Percentage = value
	rule.CreatedAt = at
	return rule, nil
}

func collectRules(rows pgx.Rows) ([]AllocationRule, error) {
	var rules []AllocationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
