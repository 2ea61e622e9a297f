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
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	salesorders "github.com/meridian-erp/meridian-erp/internal/sales/orders"
)

// Repository defines persistence for delivery orders.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (*DeliveryOrder, error)
	List(ctx context.Context, req ListRequest) ([]WithDetails, int64, error)
}

// TxRepository exposes transactional writes. Shipping reconciliation reads
// the upstream sales order lines under row locks in the same transaction
// that writes the delivery, its ledger entries and the accumulators.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id int64) (*DeliveryOrder, error)
	LinesForUpdate(ctx context.Context, deliveryID int64) ([]Line, error)
	NextDocNumber(ctx context.Context, deliveryDate time.Time) (string, error)
	Insert(ctx context.Context, d *DeliveryOrder) (int64, error)
	InsertLine(ctx context.Context, l *Line) (int64, error)
	Update(ctx context.Context, id int64, updates map[string]interface{}) error
	UpdateStatus(ctx context.Context, id int64, status Status, extra map[string]interface{}) error
	DeleteLines(ctx context.Context, deliveryID int64) error

	LockSalesOrder(ctx context.Context, salesOrderID int64) (*salesorders.SalesOrder, error)
	LockSalesOrderLines(ctx context.Context, salesOrderID int64) ([]salesorders.Line, error)
	// CommittedQuantities sums, per sales order line, the quantities on all
	// non-cancelled deliveries of the order except the one given.
	CommittedQuantities(ctx context.Context, salesOrderID, excludeDeliveryID int64) (map[int64]decimal.Decimal, error)
	// RecomputeShipped re-derives quantity_shipped for the given sales order
	// lines from shipped and delivered deliveries. Accumulators are never
	// incremented in place.
	RecomputeShipped(ctx context.Context, salesOrderLineIDs []int64) error
	UpdateSalesOrderStatus(ctx context.Context, salesOrderID int64, status salesorders.Status) error
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

const deliveryColumns = `
	id, doc_number, sales_order_id, warehouse_id, shop_id, delivery_date, status,
	notes, attachment_url, created_by, shipped_by, shipped_at, delivered_at,
	cancelled_by, cancelled_at, cancellation_reason, deleted_at, created_at, updated_at
`

func scanDelivery(row pgx.Row) (*DeliveryOrder, error) {
	var d DeliveryOrder
	err := row.Scan(
		&d.ID, &d.DocNumber, &d.SalesOrderID, &d.WarehouseID, &d.ShopID, &d.DeliveryDate, &d.Status,
		&d.Notes, &d.AttachmentURL, &d.CreatedBy, &d.ShippedBy, &d.ShippedAt, &d.DeliveredAt,
		&d.CancelledBy, &d.CancelledAt, &d.CancellationReason, &d.DeletedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

const lineColumns = `
	id, delivery_order_id, sales_order_line_id, product_id, variant_id,
	quantity, notes, line_order, created_at, updated_at
`

func scanLines(rows pgx.Rows) ([]Line, error) {
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		err := rows.Scan(
			&l.ID, &l.DeliveryOrderID, &l.SalesOrderLineID, &l.ProductID, &l.VariantID,
			&l.Quantity, &l.Notes, &l.LineOrder, &l.CreatedAt, &l.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// Get loads a delivery with its lines.
func (r *repository) Get(ctx context.Context, id int64) (*DeliveryOrder, error) {
	query := fmt.Sprintf(`SELECT %s FROM delivery_orders WHERE id = $1 AND deleted_at IS NULL`, deliveryColumns)
	d, err := scanDelivery(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	lineQuery := fmt.Sprintf(`SELECT %s FROM delivery_order_lines WHERE delivery_order_id = $1 ORDER BY line_order, id`, lineColumns)
	rows, err := r.pool.Query(ctx, lineQuery, id)
	if err != nil {
		return nil, err
	}
	d.Lines, err = scanLines(rows)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// List returns a filtered page of deliveries with order details.
func (r *repository) List(ctx context.Context, req ListRequest) ([]WithDetails, int64, error) {
	conditions := []string{"d.deleted_at IS NULL"}
	var args []any
	pos := 1

	if req.SalesOrderID > 0 {
		conditions = append(conditions, fmt.Sprintf("d.sales_order_id = $%d", pos))
		args = append(args, req.SalesOrderID)
		pos++
	}
	if req.Status != "" {
		conditions = append(conditions, fmt.Sprintf("d.status = $%d", pos))
		args = append(args, req.Status)
		pos++
	}
	if req.DateFrom != "" {
		conditions = append(conditions, fmt.Sprintf("d.delivery_date >= $%d", pos))
		args = append(args, req.DateFrom)
		pos++
	}
	if req.DateTo != "" {
		conditions = append(conditions, fmt.Sprintf("d.delivery_date <= $%d", pos))
		args = append(args, req.DateTo)
		pos++
	}

	where := strings.Join(conditions, " AND ")

	var total int64
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM delivery_orders d WHERE %s`, where)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT d.id, d.doc_number, d.sales_order_id, d.warehouse_id, d.shop_id, d.delivery_date,
		       d.status, d.notes, d.attachment_url, d.created_by, d.shipped_by, d.shipped_at,
		       d.delivered_at, d.cancelled_by, d.cancelled_at, d.cancellation_reason, d.deleted_at,
		       d.created_at, d.updated_at,
		       so.doc_number, c.name,
		       (SELECT COUNT(*) FROM delivery_order_lines l WHERE l.delivery_order_id = d.id)
		FROM delivery_orders d
		JOIN sales_orders so ON so.id = d.sales_order_id
		JOIN customers c ON c.id = so.customer_id
		WHERE %s
		ORDER BY d.delivery_date DESC, d.id DESC
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
			&d.ID, &d.DocNumber, &d.SalesOrderID, &d.WarehouseID, &d.ShopID, &d.DeliveryDate,
			&d.Status, &d.Notes, &d.AttachmentURL, &d.CreatedBy, &d.ShippedBy, &d.ShippedAt,
			&d.DeliveredAt, &d.CancelledBy, &d.CancelledAt, &d.CancellationReason, &d.DeletedAt,
			&d.CreatedAt, &d.UpdatedAt,
			&d.SalesOrderNumber, &d.CustomerName, &d.LineCount,
		)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, d)
	}
	return results, total, rows.Err()
}

// GetForUpdate loads the delivery header under a row lock.
func (t *txRepository) GetForUpdate(ctx context.Context, id int64) (*DeliveryOrder, error) {
	query := fmt.Sprintf(`SELECT %s FROM delivery_orders WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, deliveryColumns)
	return scanDelivery(t.tx.QueryRow(ctx, query, id))
}

// LinesForUpdate locks and returns the delivery's lines.
func (t *txRepository) LinesForUpdate(ctx context.Context, deliveryID int64) ([]Line, error) {
	query := fmt.Sprintf(`SELECT %s FROM delivery_order_lines WHERE delivery_order_id = $1 ORDER BY line_order, id FOR UPDATE`, lineColumns)
	rows, err := t.tx.Query(ctx, query, deliveryID)
	if err != nil {
		return nil, err
	}
	return scanLines(rows)
}

// NextDocNumber allocates the next sequential document number for the year.
func (t *txRepository) NextDocNumber(ctx context.Context, deliveryDate time.Time) (string, error) {
	prefix := fmt.Sprintf("DL-%d-", deliveryDate.Year())
	var seq int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(SUBSTRING(doc_number FROM LENGTH($1) + 1)::bigint), 0) + 1
		FROM delivery_orders
		WHERE doc_number LIKE $1 || '%'
	`, prefix).Scan(&seq)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%05d", prefix, seq), nil
}

// Insert writes the delivery header.
func (t *txRepository) Insert(ctx context.Context, d *DeliveryOrder) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO delivery_orders (
			doc_number, sales_order_id, warehouse_id, shop_id, delivery_date,
			status, notes, attachment_url, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`,
		d.DocNumber, d.SalesOrderID, d.WarehouseID, d.ShopID, d.DeliveryDate,
		d.Status, d.Notes, d.AttachmentURL, d.CreatedBy,
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

// InsertLine writes one delivery line.
func (t *txRepository) InsertLine(ctx context.Context, l *Line) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO delivery_order_lines (
			delivery_order_id, sales_order_line_id, product_id, variant_id,
			quantity, notes, line_order
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`,
		l.DeliveryOrderID, l.SalesOrderLineID, l.ProductID, l.VariantID,
		l.Quantity, l.Notes, l.LineOrder,
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

	query := fmt.Sprintf(`UPDATE delivery_orders SET %s WHERE id = $%d AND deleted_at IS NULL`,
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

// UpdateStatus moves the delivery to a new status with optional extra columns.
func (t *txRepository) UpdateStatus(ctx context.Context, id int64, status Status, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": status}
	for k, v := range extra {
		updates[k] = v
	}
	return t.Update(ctx, id, updates)
}

// DeleteLines removes all lines of the delivery, ahead of a draft rewrite.
func (t *txRepository) DeleteLines(ctx context.Context, deliveryID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM delivery_order_lines WHERE delivery_order_id = $1`, deliveryID)
	return err
}

// LockSalesOrder loads the upstream order header under a row lock.
func (t *txRepository) LockSalesOrder(ctx context.Context, salesOrderID int64) (*salesorders.SalesOrder, error) {
	var o salesorders.SalesOrder
	err := t.tx.QueryRow(ctx, `
		SELECT id, doc_number, customer_id, warehouse_id, shop_id, order_date, status,
		       subtotal, tax_amount, shipping_cost, total_amount, notes, attachment_url,
		       created_by, approved_by, approved_at, cancelled_by, cancelled_at,
		       cancellation_reason, deleted_at, created_at, updated_at
		FROM sales_orders WHERE id = $1 AND deleted_at IS NULL FOR UPDATE
	`, salesOrderID).Scan(
		&o.ID, &o.DocNumber, &o.CustomerID, &o.WarehouseID, &o.ShopID, &o.OrderDate, &o.Status,
		&o.Subtotal, &o.TaxAmount, &o.ShippingCost, &o.TotalAmount, &o.Notes, &o.AttachmentURL,
		&o.CreatedBy, &o.ApprovedBy, &o.ApprovedAt, &o.CancelledBy, &o.CancelledAt,
		&o.CancellationReason, &o.DeletedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSalesOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

// LockSalesOrderLines locks and returns the upstream order's lines. The locks
// serialize concurrent deliveries against the same order until commit.
func (t *txRepository) LockSalesOrderLines(ctx context.Context, salesOrderID int64) ([]salesorders.Line, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, sales_order_id, product_id, variant_id, quantity, quantity_shipped,
		       quantity_invoiced, unit_price, discount_percent, vat_rate, line_total,
		       notes, line_order, created_at, updated_at
		FROM sales_order_lines WHERE sales_order_id = $1 ORDER BY line_order, id FOR UPDATE
	`, salesOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []salesorders.Line
	for rows.Next() {
		var l salesorders.Line
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

// CommittedQuantities sums per-line commitments of the order's other
// non-cancelled deliveries.
func (t *txRepository) CommittedQuantities(ctx context.Context, salesOrderID, excludeDeliveryID int64) (map[int64]decimal.Decimal, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT dl.sales_order_line_id, COALESCE(SUM(dl.quantity), 0)
		FROM delivery_order_lines dl
		JOIN delivery_orders d ON d.id = dl.delivery_order_id
		WHERE d.sales_order_id = $1
		  AND d.id <> $2
		  AND d.status <> 'CANCELLED'
		  AND d.deleted_at IS NULL
		GROUP BY dl.sales_order_line_id
	`, salesOrderID, excludeDeliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	committed := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var lineID int64
		var sum decimal.Decimal
		if err := rows.Scan(&lineID, &sum); err != nil {
			return nil, err
		}
		committed[lineID] = sum
	}
	return committed, rows.Err()
}

// RecomputeShipped re-derives quantity_shipped from shipped and delivered
// deliveries for the given lines.
func (t *txRepository) RecomputeShipped(ctx context.Context, salesOrderLineIDs []int64) error {
	if len(salesOrderLineIDs) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE sales_order_lines sol
		SET quantity_shipped = COALESCE((
			SELECT SUM(dl.quantity)
			FROM delivery_order_lines dl
			JOIN delivery_orders d ON d.id = dl.delivery_order_id
			WHERE dl.sales_order_line_id = sol.id
			  AND d.status IN ('SHIPPED', 'DELIVERED')
			  AND d.deleted_at IS NULL
		), 0),
		updated_at = NOW()
		WHERE sol.id = ANY($1)
	`, salesOrderLineIDs)
	return err
}

// UpdateSalesOrderStatus moves the upstream order's aggregate status.
func (t *txRepository) UpdateSalesOrderStatus(ctx context.Context, salesOrderID int64, status salesorders.Status) error {
	_, err := t.tx.Exec(ctx, `UPDATE sales_orders SET status = $1, updated_at = NOW() WHERE id = $2`, status, salesOrderID)
	return err
}

// InsertMovement stages a ledger entry in the delivery's transaction.
func (t *txRepository) InsertMovement(ctx context.Context, m ledger.StockMovement) (int64, error) {
	return ledger.InsertMovementTx(ctx, t.tx, m)
}
