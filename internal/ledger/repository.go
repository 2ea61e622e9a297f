package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository defines persistence for ledger entries.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	CurrentStock(ctx context.Context, q StockQuery) (decimal.Decimal, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]StockMovement, error)
}

// TxRepository exposes transactional ledger writes. Inserts only; the ledger
// has no update or delete path.
type TxRepository interface {
	InsertMovement(ctx context.Context, m StockMovement) (int64, error)
	CurrentStock(ctx context.Context, q StockQuery) (decimal.Decimal, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const insertMovementSQL = `
	INSERT INTO stock_movements (
		code, product_id, variant_id, warehouse_id, shop_id, movement_type,
		quantity, unit_cost, moved_at, created_by, ref_module, ref_id, notes
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	RETURNING id
`

// InsertMovement appends one movement inside the transaction.
func (t *txRepository) InsertMovement(ctx context.Context, m StockMovement) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, insertMovementSQL,
		m.Code, m.ProductID, m.VariantID, m.WarehouseID, m.ShopID, m.Type,
		m.Quantity, m.UnitCost, m.MovedAt, m.CreatedBy, m.RefModule, m.RefID, m.Notes,
	).Scan(&id)
	return id, err
}

// InsertMovementTx appends one movement using a caller supplied transaction.
// Document modules use this to stage ledger writes atomically with their own
// status and accumulator updates.
func InsertMovementTx(ctx context.Context, tx pgx.Tx, m StockMovement) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, insertMovementSQL,
		m.Code, m.ProductID, m.VariantID, m.WarehouseID, m.ShopID, m.Type,
		m.Quantity, m.UnitCost, m.MovedAt, m.CreatedBy, m.RefModule, m.RefID, m.Notes,
	).Scan(&id)
	return id, err
}

func stockConditions(q StockQuery) (string, []any) {
	conditions := []string{"product_id = $1"}
	args := []any{q.ProductID}
	pos := 2

	if q.VariantID != nil {
		conditions = append(conditions, fmt.Sprintf("variant_id = $%d", pos))
		args = append(args, *q.VariantID)
		pos++
	} else {
		conditions = append(conditions, "variant_id IS NULL")
	}

	if q.WarehouseID != nil {
		conditions = append(conditions, fmt.Sprintf("warehouse_id = $%d", pos))
		args = append(args, *q.WarehouseID)
	} else if q.ShopID != nil {
		conditions = append(conditions, fmt.Sprintf("shop_id = $%d", pos))
		args = append(args, *q.ShopID)
	}

	return strings.Join(conditions, " AND "), args
}

func currentStock(ctx context.Context, q StockQuery, row interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}) (decimal.Decimal, error) {
	where, args := stockConditions(q)
	query := fmt.Sprintf(`SELECT COALESCE(SUM(quantity), 0) FROM stock_movements WHERE %s`, where)
	var sum decimal.Decimal
	if err := row.QueryRow(ctx, query, args...).Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

// CurrentStock derives the stock level by summing matching movements.
func (r *repository) CurrentStock(ctx context.Context, q StockQuery) (decimal.Decimal, error) {
	return currentStock(ctx, q, r.pool)
}

// CurrentStock derives the stock level inside the transaction.
func (t *txRepository) CurrentStock(ctx context.Context, q StockQuery) (decimal.Decimal, error) {
	return currentStock(ctx, q, t.tx)
}

// ListMovements returns ledger entries matching the filter, newest first.
func (r *repository) ListMovements(ctx context.Context, filter MovementFilter) ([]StockMovement, error) {
	conditions := []string{"product_id = $1"}
	args := []any{filter.ProductID}
	pos := 2

	if filter.VariantID != nil {
		conditions = append(conditions, fmt.Sprintf("variant_id = $%d", pos))
		args = append(args, *filter.VariantID)
		pos++
	}
	if filter.WarehouseID != nil {
		conditions = append(conditions, fmt.Sprintf("warehouse_id = $%d", pos))
		args = append(args, *filter.WarehouseID)
		pos++
	}
	if filter.ShopID != nil {
		conditions = append(conditions, fmt.Sprintf("shop_id = $%d", pos))
		args = append(args, *filter.ShopID)
		pos++
	}
	if filter.From != nil {
		conditions = append(conditions, fmt.Sprintf("moved_at >= $%d", pos))
		args = append(args, *filter.From)
		pos++
	}
	if filter.To != nil {
		conditions = append(conditions, fmt.Sprintf("moved_at <= $%d", pos))
		args = append(args, *filter.To)
		pos++
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, code, product_id, variant_id, warehouse_id, shop_id, movement_type,
		       quantity, unit_cost, moved_at, created_by, ref_module, ref_id, notes, created_at
		FROM stock_movements
		WHERE %s
		ORDER BY moved_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, strings.Join(conditions, " AND "), pos, pos+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var movements []StockMovement
	for rows.Next() {
		var m StockMovement
		err := rows.Scan(
			&m.ID, &m.Code, &m.ProductID, &m.VariantID, &m.WarehouseID, &m.ShopID,
			&m.Type, &m.Quantity, &m.UnitCost, &m.MovedAt, &m.CreatedBy,
			&m.RefModule, &m.RefID, &m.Notes, &m.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}

	return movements, rows.Err()
}
