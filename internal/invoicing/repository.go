package invoicing

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

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	salesorders "github.com/meridian-erp/meridian-erp/internal/sales/orders"
)

// Repository defines persistence for customer invoices.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (*CustomerInvoice, error)
	List(ctx context.Context, req ListRequest) ([]WithDetails, int64, error)
}

// TxRepository exposes transactional writes. Invoice creation locks the
// billed sales order lines so the invoiced bound holds under concurrency,
// exactly like the shipping side.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id int64) (*CustomerInvoice, error)
	LinesOf(ctx context.Context, invoiceID int64) ([]Line, error)
	NextDocNumber(ctx context.Context, invoiceDate time.Time) (string, error)
	Insert(ctx context.Context, inv *CustomerInvoice) (int64, error)
	InsertLine(ctx context.Context, l *Line) (int64, error)
	InsertLink(ctx context.Context, invoiceID, salesOrderID int64) error
	DeleteLines(ctx context.Context, invoiceID int64) error
	DeleteLinks(ctx context.Context, invoiceID int64) error
	Update(ctx context.Context, id int64, updates map[string]interface{}) error
	UpdateStatus(ctx context.Context, id int64, status Status, extra map[string]interface{}) error

	// LockSalesOrderLines locks and returns arbitrary order lines by id,
	// together with each line's order status and customer.
	LockSalesOrderLines(ctx context.Context, lineIDs []int64) ([]UpstreamLine, error)
	// CommittedInvoiced sums, per sales order line, the quantities billed by
	// all non-voided invoices except the one given.
	CommittedInvoiced(ctx context.Context, lineIDs []int64, excludeInvoiceID int64) (map[int64]decimal.Decimal, error)
	// RecomputeInvoiced re-derives quantity_invoiced for the given lines
	// from non-voided invoices.
	RecomputeInvoiced(ctx context.Context, lineIDs []int64) error

	InsertPayment(ctx context.Context, p *Payment) (int64, error)
	// SumPayments re-derives the paid amount from the payment rows.
	SumPayments(ctx context.Context, invoiceID int64) (decimal.Decimal, error)
}

// UpstreamLine pairs a sales order line with its order's billing context.
type UpstreamLine struct {
	salesorders.Line
	SalesOrderStatus salesorders.Status
	CustomerID       int64
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

const invoiceColumns = `
	id, doc_number, customer_id, invoice_date, due_date, status, subtotal,
	tax_amount, total_amount, amount_paid, notes, attachment_url, created_by,
	sent_at, voided_by, voided_at, void_reason, deleted_at, created_at, updated_at
`

func scanInvoice(row pgx.Row) (*CustomerInvoice, error) {
	var inv CustomerInvoice
	err := row.Scan(
		&inv.ID, &inv.DocNumber, &inv.CustomerID, &inv.InvoiceDate, &inv.DueDate, &inv.Status, &inv.Subtotal,
		&inv.TaxAmount, &inv.TotalAmount, &inv.AmountPaid, &inv.Notes, &inv.AttachmentURL, &inv.CreatedBy,
		&inv.SentAt, &inv.VoidedBy, &inv.VoidedAt, &inv.VoidReason, &inv.DeletedAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &inv, nil
}

const lineColumns = `
	id, invoice_id, sales_order_line_id, product_id, variant_id, quantity,
	unit_price, discount_percent, vat_rate, line_total, notes, line_order,
	created_at, updated_at
`

func scanLines(rows pgx.Rows) ([]Line, error) {
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		err := rows.Scan(
			&l.ID, &l.InvoiceID, &l.SalesOrderLineID, &l.ProductID, &l.VariantID, &l.Quantity,
			&l.UnitPrice, &l.DiscountPercent, &l.VATRate, &l.LineTotal, &l.Notes, &l.LineOrder,
			&l.CreatedAt, &l.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// Get loads an invoice with lines, linked orders and payments.
func (r *repository) Get(ctx context.Context, id int64) (*CustomerInvoice, error) {
	query := fmt.Sprintf(`SELECT %s FROM customer_invoices WHERE id = $1 AND deleted_at IS NULL`, invoiceColumns)
	inv, err := scanInvoice(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}

	lineQuery := fmt.Sprintf(`SELECT %s FROM customer_invoice_lines WHERE invoice_id = $1 ORDER BY line_order, id`, lineColumns)
	rows, err := r.pool.Query(ctx, lineQuery, id)
	if err != nil {
		return nil, err
	}
	inv.Lines, err = scanLines(rows)
	if err != nil {
		return nil, err
	}

	linkRows, err := r.pool.Query(ctx, `SELECT sales_order_id FROM invoice_sales_orders WHERE invoice_id = $1 ORDER BY sales_order_id`, id)
	if err != nil {
		return nil, err
	}
	defer linkRows.Close()
	for linkRows.Next() {
		var soID int64
		if err := linkRows.Scan(&soID); err != nil {
			return nil, err
		}
		inv.SalesOrderIDs = append(inv.SalesOrderIDs, soID)
	}
	if err := linkRows.Err(); err != nil {
		return nil, err
	}

	payRows, err := r.pool.Query(ctx, `
		SELECT id, invoice_id, amount, method, reference, paid_at, notes, created_by, created_at
		FROM payments WHERE invoice_id = $1 ORDER BY paid_at, id
	`, id)
	if err != nil {
		return nil, err
	}
	defer payRows.Close()
	for payRows.Next() {
		var p Payment
		err := payRows.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.Method, &p.Reference, &p.PaidAt, &p.Notes, &p.CreatedBy, &p.CreatedAt)
		if err != nil {
			return nil, err
		}
		inv.Payments = append(inv.Payments, p)
	}
	return inv, payRows.Err()
}

// List returns a filtered page of invoices with customer details.
func (r *repository) List(ctx context.Context, req ListRequest) ([]WithDetails, int64, error) {
	conditions := []string{"inv.deleted_at IS NULL"}
	var args []any
	pos := 1

	if req.CustomerID > 0 {
		conditions = append(conditions, fmt.Sprintf("inv.customer_id = $%d", pos))
		args = append(args, req.CustomerID)
		pos++
	}
	if req.SalesOrderID > 0 {
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM invoice_sales_orders iso WHERE iso.invoice_id = inv.id AND iso.sales_order_id = $%d)", pos))
		args = append(args, req.SalesOrderID)
		pos++
	}
	if req.Status != "" {
		conditions = append(conditions, fmt.Sprintf("inv.status = $%d", pos))
		args = append(args, req.Status)
		pos++
	}
	if req.DateFrom != "" {
		conditions = append(conditions, fmt.Sprintf("inv.invoice_date >= $%d", pos))
		args = append(args, req.DateFrom)
		pos++
	}
	if req.DateTo != "" {
		conditions = append(conditions, fmt.Sprintf("inv.invoice_date <= $%d", pos))
		args = append(args, req.DateTo)
		pos++
	}

	where := strings.Join(conditions, " AND ")

	var total int64
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM customer_invoices inv WHERE %s`, where)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT inv.id, inv.doc_number, inv.customer_id, inv.invoice_date, inv.due_date, inv.status,
		       inv.subtotal, inv.tax_amount, inv.total_amount, inv.amount_paid, inv.notes,
		       inv.attachment_url, inv.created_by, inv.sent_at, inv.voided_by, inv.voided_at,
		       inv.void_reason, inv.deleted_at, inv.created_at, inv.updated_at,
		       c.name,
		       (SELECT COUNT(*) FROM customer_invoice_lines l WHERE l.invoice_id = inv.id)
		FROM customer_invoices inv
		JOIN customers c ON c.id = inv.customer_id
		WHERE %s
		ORDER BY inv.invoice_date DESC, inv.id DESC
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
			&d.ID, &d.DocNumber, &d.CustomerID, &d.InvoiceDate, &d.DueDate, &d.Status,
			&d.Subtotal, &d.TaxAmount, &d.TotalAmount, &d.AmountPaid, &d.Notes,
			&d.AttachmentURL, &d.CreatedBy, &d.SentAt, &d.VoidedBy, &d.VoidedAt,
			&d.VoidReason, &d.DeletedAt, &d.CreatedAt, &d.UpdatedAt,
			&d.CustomerName, &d.LineCount,
		)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, d)
	}
	return results, total, rows.Err()
}

// GetForUpdate loads the invoice header under a row lock.
func (t *txRepository) GetForUpdate(ctx context.Context, id int64) (*CustomerInvoice, error) {
	query := fmt.Sprintf(`SELECT %s FROM customer_invoices WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, invoiceColumns)
	return scanInvoice(t.tx.QueryRow(ctx, query, id))
}

// LinesOf returns the invoice's lines inside the transaction.
func (t *txRepository) LinesOf(ctx context.Context, invoiceID int64) ([]Line, error) {
	query := fmt.Sprintf(`SELECT %s FROM customer_invoice_lines WHERE invoice_id = $1 ORDER BY line_order, id`, lineColumns)
	rows, err := t.tx.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, err
	}
	return scanLines(rows)
}

// NextDocNumber allocates the next sequential document number for the year.
func (t *txRepository) NextDocNumber(ctx context.Context, invoiceDate time.Time) (string, error) {
	prefix := fmt.Sprintf("INV-%d-", invoiceDate.Year())
	var seq int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(SUBSTRING(doc_number FROM LENGTH($1) + 1)::bigint), 0) + 1
		FROM customer_invoices
		WHERE doc_number LIKE $1 || '%'
	`, prefix).Scan(&seq)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%05d", prefix, seq), nil
}

// Insert writes the invoice header.
func (t *txRepository) Insert(ctx context.Context, inv *CustomerInvoice) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO customer_invoices (
			doc_number, customer_id, invoice_date, due_date, status, subtotal,
			tax_amount, total_amount, amount_paid, notes, attachment_url, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`,
		inv.DocNumber, inv.CustomerID, inv.InvoiceDate, inv.DueDate, inv.Status, inv.Subtotal,
		inv.TaxAmount, inv.TotalAmount, inv.AmountPaid, inv.Notes, inv.AttachmentURL, inv.CreatedBy,
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

// InsertLine writes one invoice line.
func (t *txRepository) InsertLine(ctx context.Context, l *Line) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO customer_invoice_lines (
			invoice_id, sales_order_line_id, product_id, variant_id, quantity,
			unit_price, discount_percent, vat_rate, line_total, notes, line_order
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`,
		l.InvoiceID, l.SalesOrderLineID, l.ProductID, l.VariantID, l.Quantity,
		l.UnitPrice, l.DiscountPercent, l.VATRate, l.LineTotal, l.Notes, l.LineOrder,
	).Scan(&id)
	return id, err
}

// InsertLink records that the invoice bills the sales order.
func (t *txRepository) InsertLink(ctx context.Context, invoiceID, salesOrderID int64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO invoice_sales_orders (invoice_id, sales_order_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, invoiceID, salesOrderID)
	return err
}

// DeleteLines removes all lines of the invoice, ahead of a draft rewrite.
func (t *txRepository) DeleteLines(ctx context.Context, invoiceID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM customer_invoice_lines WHERE invoice_id = $1`, invoiceID)
	return err
}

// DeleteLinks removes the invoice's sales order links.
func (t *txRepository) DeleteLinks(ctx context.Context, invoiceID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM invoice_sales_orders WHERE invoice_id = $1`, invoiceID)
	return err
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

	query := fmt.Sprintf(`UPDATE customer_invoices SET %s WHERE id = $%d AND deleted_at IS NULL`,
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

// UpdateStatus moves the invoice to a new status with optional extra columns.
func (t *txRepository) UpdateStatus(ctx context.Context, id int64, status Status, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": status}
	for k, v := range extra {
		updates[k] = v
	}
	return t.Update(ctx, id, updates)
}

// LockSalesOrderLines locks arbitrary order lines with their order context.
func (t *txRepository) LockSalesOrderLines(ctx context.Context, lineIDs []int64) ([]UpstreamLine, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT sol.id, sol.sales_order_id, sol.product_id, sol.variant_id, sol.quantity,
		       sol.quantity_shipped, sol.quantity_invoiced, sol.unit_price, sol.discount_percent,
		       sol.vat_rate, sol.line_total, sol.notes, sol.line_order, sol.created_at, sol.updated_at,
		       so.status, so.customer_id
		FROM sales_order_lines sol
		JOIN sales_orders so ON so.id = sol.sales_order_id
		WHERE sol.id = ANY($1) AND so.deleted_at IS NULL
		ORDER BY sol.id
		FOR UPDATE OF sol
	`, lineIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []UpstreamLine
	for rows.Next() {
		var l UpstreamLine
		err := rows.Scan(
			&l.ID, &l.SalesOrderID, &l.ProductID, &l.VariantID, &l.Quantity,
			&l.QuantityShipped, &l.QuantityInvoiced, &l.UnitPrice, &l.DiscountPercent,
			&l.VATRate, &l.LineTotal, &l.Notes, &l.LineOrder, &l.CreatedAt, &l.UpdatedAt,
			&l.SalesOrderStatus, &l.CustomerID,
		)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// CommittedInvoiced sums per-line billed quantities of other live invoices.
func (t *txRepository) CommittedInvoiced(ctx context.Context, lineIDs []int64, excludeInvoiceID int64) (map[int64]decimal.Decimal, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT il.sales_order_line_id, COALESCE(SUM(il.quantity), 0)
		FROM customer_invoice_lines il
		JOIN customer_invoices inv ON inv.id = il.invoice_id
		WHERE il.sales_order_line_id = ANY($1)
		  AND inv.id <> $2
		  AND inv.status <> 'VOIDED'
		  AND inv.deleted_at IS NULL
		GROUP BY il.sales_order_line_id
	`, lineIDs, excludeInvoiceID)
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

// RecomputeInvoiced re-derives quantity_invoiced from non-voided invoices.
func (t *txRepository) RecomputeInvoiced(ctx context.Context, lineIDs []int64) error {
	if len(lineIDs) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE sales_order_lines sol
		SET quantity_invoiced = COALESCE((
			SELECT SUM(il.quantity)
			FROM customer_invoice_lines il
			JOIN customer_invoices inv ON inv.id = il.invoice_id
			WHERE il.sales_order_line_id = sol.id
			  AND inv.status <> 'VOIDED'
			  AND inv.deleted_at IS NULL
		), 0),
		updated_at = NOW()
		WHERE sol.id = ANY($1)
	`, lineIDs)
	return err
}

// InsertPayment writes one payment row.
func (t *txRepository) InsertPayment(ctx context.Context, p *Payment) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO payments (invoice_id, amount, method, reference, paid_at, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, p.InvoiceID, p.Amount, p.Method, p.Reference, p.PaidAt, p.Notes, p.CreatedBy).Scan(&id)
	return id, err
}

// SumPayments re-derives the paid amount from the payment rows.
func (t *txRepository) SumPayments(ctx context.Context, invoiceID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM payments WHERE invoice_id = $1`, invoiceID).Scan(&sum)
	return sum, err
}
