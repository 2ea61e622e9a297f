package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository defines persistence for sales orders.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (*SalesOrder, error)
	List(ctx context.Context, req ListRequest) ([]WithDetails, int64, error)
}

// TxRepository exposes transactional writes. Status changes, accumulator
// recomputes and ledger entries for one order commit or roll back together.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id int64) (*SalesOrder, error)
	LinesForUpdate(ctx context.Context, orderID int64) ([]Line, error)
	NextDocNumber(ctx context.Context, orderDate time.Time) (string, error)
	Insert(ctx context.Context, o *SalesOrder) (int64, error)
	InsertLine(ctx context.Context, l *Line) (int64, error)
	Update(ctx context.Context, id int64, updates map[string]interface{}) error
	UpdateStatus(ctx context.Context, id int64, status Status, extra map[string]interface{}) error
	DeleteLines(ctx context.Context, orderID int64) error
	OpenDeliveryCount(ctx context.Context, orderID int64) (int64, error)
	InsertMovement(ctx context.Context, m ledger.StockMovement) (int64, error)
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

const orderColumns = `
	id, doc_number, customer_id, warehouse_id, shop_id, order_date, status,
	subtotal, tax_amount, shipping_cost, total_amount, notes, attachment_url,
	created_by, approved_by, approved_at, cancelled_by, cancelled_at,
	cancellation_reason, deleted_at, created_at, updated_at
`

func scanOrder(row pgx.Row) (*SalesOrder, error) {
	var o SalesOrder
	err := row.Scan(
		&o.ID, &o.DocNumber, &o.CustomerID, &o.WarehouseID, &o.ShopID, &o.OrderDate, &o.Status,
		&o.Subtotal, &o.TaxAmount, &o.ShippingCost, &o.TotalAmount, &o.Notes, &o.AttachmentURL,
		&o.CreatedBy, &o.ApprovedBy, &o.ApprovedAt, &o.CancelledBy, &o.CancelledAt,
		&o.CancellationReason, &o.DeletedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

const lineColumns = `
	id, sales_order_id, product_id, variant_id, quantity, quantity_shipped,
	quantity_invoiced, unit_price, discount_percent, vat_rate, line_total,
	notes, line_order, created_at, updated_at
`

func scanLines(rows pgx.Rows) ([]Line, error) {
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		err := rows.Scan(
			&l.ID, &l.SalesOrderID, &l.ProductID, &l.VariantID, &l.Quantity, &l.QuantityShipped,
			&l.QuantityInvoiced, &l.UnitPrice, &l.DiscountPercent, &l.VATRate, &l.LineTotal,
			&l.Notes, &l.LineOrder, &l.CreatedAt, &l.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// Get loads an order with its lines.
func (r *repository) Get(ctx context.Context, id int64) (*SalesOrder, error) {
	query := fmt.Sprintf(`SELECT %s FROM sales_orders WHERE id = $1 AND deleted_at IS NULL`, orderColumns)
	o, err := scanOrder(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	lineQuery := fmt.Sprintf(`SELECT %s FROM sales_order_lines WHERE sales_order_id = $1 ORDER BY line_order, id`, lineColumns)
	rows, err := r.pool.Query(ctx, lineQuery, id)
	if err != nil {
		return nil, err
	}
	o.Lines, err = scanLines(rows)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// List returns a filtered page of orders with customer details.
func (r *repository) List(ctx context.Context, req ListRequest) ([]WithDetails, int64, error) {
	conditions := []string{"so.deleted_at IS NULL"}
	var args []any
	pos := 1

	if req.CustomerID > 0 {
		conditions = append(conditions, fmt.Sprintf("so.customer_id = $%d", pos))
		args = append(args, req.CustomerID)
		pos++
	}
	if req.Status != "" {
		conditions = append(conditions, fmt.Sprintf("so.status = $%d", pos))
		args = append(args, req.Status)
		pos++
	}
	if req.DateFrom != "" {
		conditions = append(conditions, fmt.Sprintf("so.order_date >= $%d", pos))
		args = append(args, req.DateFrom)
		pos++
	}
	if req.DateTo != "" {
		conditions = append(conditions, fmt.Sprintf("so.order_date <= $%d", pos))
		args = append(args, req.DateTo)
		pos++
	}
	if req.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(so.doc_number ILIKE $%d OR c.name ILIKE $%d)", pos, pos))
		args = append(args, "%"+req.Search+"%")
		pos++
	}

	where := strings.Join(conditions, " AND ")

	var total int64
	countQuery := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM sales_orders so
		JOIN customers c ON c.id = so.customer_id
		WHERE %s
	`, where)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT so.id, so.doc_number, so.customer_id, so.warehouse_id, so.shop_id, so.order_date,
		       so.status, so.subtotal, so.tax_amount, so.shipping_cost, so.total_amount,
		       so.notes, so.attachment_url, so.created_by, so.approved_by, so.approved_at,
		       so.cancelled_by, so.cancelled_at, so.cancellation_reason, so.deleted_at,
		       so.created_at, so.updated_at,
		       c.name, u.full_name,
		       (SELECT COUNT(*) FROM sales_order_lines l WHERE l.sales_order_id = so.id)
		FROM sales_orders so
		JOIN customers c ON c.id = so.customer_id
		JOIN users u ON u.id = so.created_by
		WHERE %s
		ORDER BY so.order_date DESC, so.id DESC
		LIMIT $%d OFFSET $%d
	`, where, pos, pos+1)
	args = append(args, limit, req.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []WithDetails
	for rows.Next() {
		var d WithDetails
		err := rows.Scan(
			&d.ID, &d.DocNumber, &d.CustomerID, &d.WarehouseID, &d.ShopID, &d.OrderDate,
			&d.Status, &d.Subtotal, &d.TaxAmount, &d.ShippingCost, &d.TotalAmount,
			&d.Notes, &d.AttachmentURL, &d.CreatedBy, &d.ApprovedBy, &d.ApprovedAt,
			&d.CancelledBy, &d.CancelledAt, &d.CancellationReason, &d.DeletedAt,
			&d.CreatedAt, &d.UpdatedAt,
			&d.CustomerName, &d.CreatedByName, &d.LineCount,
		)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, d)
	}
	return results, total, rows.Err()
}

// GetForUpdate loads the order header under a row lock.
func (t *txRepository) GetForUpdate(ctx context.Context, id int64) (*SalesOrder, error) {
	query := fmt.Sprintf(`SELECT %s FROM sales_orders WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, orderColumns)
	return scanOrder(t.tx.QueryRow(ctx, query, id))
}

// LinesForUpdate locks and returns the order's lines. Callers that compute
// remaining quantities against the lines hold the locks until commit.
func (t *txRepository) LinesForUpdate(ctx context.Context, orderID int64) ([]Line, error) {
	query := fmt.Sprintf(`SELECT %s FROM sales_order_lines WHERE sales_order_id = $1 ORDER BY line_order, id FOR UPDATE`, lineColumns)
	rows, err := t.tx.Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	return scanLines(rows)
}

// NextDocNumber allocates the next sequential document number for the year.
func (t *txRepository) NextDocNumber(ctx context.Context, orderDate time.Time) (string, error) {
	prefix := fmt.Sprintf("SO-%d-", orderDate.Year())
	var seq int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(SUBSTRING(doc_number FROM LENGTH($1) + 1)::bigint), 0) + 1
		FROM sales_orders
		WHERE doc_number LIKE $1 || '%'
	`, prefix).Scan(&seq)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%05d", prefix, seq), nil
}

// Insert writes the order header.
func (t *txRepository) Insert(ctx context.Context, o *SalesOrder) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO sales_orders (
			doc_number, customer_id, warehouse_id, shop_id, order_date, status,
			subtotal, tax_amount, shipping_cost, total_amount, notes, attachment_url, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`,
		o.DocNumber, o.CustomerID, o.WarehouseID, o.ShopID, o.OrderDate, o.Status,
		o.Subtotal, o.TaxAmount, o.ShippingCost, o.TotalAmount, o.Notes, o.AttachmentURL, o.CreatedBy,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicateDocNumber
		}
		return 0, err
	}
	return id, nil
}

// InsertLine writes one order line.
func (t *txRepository) InsertLine(ctx context.Context, l *Line) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO sales_order_lines (
			sales_order_id, product_id, variant_id, quantity, unit_price,
			discount_percent, vat_rate, line_total, notes, line_order
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`,
		l.SalesOrderID, l.ProductID, l.VariantID, l.Quantity, l.UnitPrice,
		l.DiscountPercent, l.VATRate, l.LineTotal, l.Notes, l.LineOrder,
	).Scan(&id)
	return id, err
}

// Update applies a partial header update.
func (t *txRepository) Update(ctx context.Context, id int64, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	setClauses := make([]string, 0, len(updates)+1)
	args := make([]any, 0, len(updates)+1)
	pos := 1
	for col, val := range updates {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, pos))
		args = append(args, val)
		pos++
	}
	setClauses = append(setClauses, "updated_at = NOW()")
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE sales_orders SET %s WHERE id = $%d AND deleted_at IS NULL`,
		strings.Join(setClauses, ", "), pos)
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus moves the order to a new status with optional extra columns.
func (t *txRepository) UpdateStatus(ctx context.Context, id int64, status Status, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": status}
	for k, v := range extra {
		updates[k] = v
	}
	return t.Update(ctx, id, updates)
}

// DeleteLines removes all lines of the order, ahead of a draft line rewrite.
func (t *txRepository) DeleteLines(ctx context.Context, orderID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM sales_order_lines WHERE sales_order_id = $1`, orderID)
	return err
}

// OpenDeliveryCount counts non-cancelled deliveries referencing the order.
func (t *txRepository) OpenDeliveryCount(ctx context.Context, orderID int64) (int64, error) {
	var count int64
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM delivery_orders
		WHERE sales_order_id = $1 AND status <> 'CANCELLED' AND deleted_at IS NULL
	`, orderID).Scan(&count)
	return count, err
}

// InsertMovement stages a ledger entry in the order's transaction.
func (t *txRepository) InsertMovement(ctx context.Context, m ledger.StockMovement) (int64, error) {
	return ledger.InsertMovementTx(ctx, t.tx, m)
}
