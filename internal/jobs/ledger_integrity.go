package jobs

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// IntegrityMetrics abstracts the drift gauge.
type IntegrityMetrics interface {
	SetIntegrityDrift(count int)
}

// IntegrityScanner cross-checks the ledger and the reconciliation
// accumulators against their derivations. It changes nothing; findings are
// logged and exported as a gauge for alerting.
type IntegrityScanner struct {
	pool    *pgxpool.Pool
	metrics IntegrityMetrics
	logger  *slog.Logger
}

// NewIntegrityScanner builds the scanner.
func NewIntegrityScanner(pool *pgxpool.Pool, metrics IntegrityMetrics, logger *slog.Logger) *IntegrityScanner {
	return &IntegrityScanner{pool: pool, metrics: metrics, logger: logger}
}

// signViolationsSQL finds movements whose stored sign contradicts the
// direction of their movement type.
const signViolationsSQL = `
	SELECT COUNT(*)
	FROM stock_movements
	WHERE quantity = 0
	   OR (movement_type IN (
			'PURCHASE_RECEPTION', 'CUSTOMER_RETURN', 'ADJUSTMENT_IN',
			'TRANSFER_IN', 'MANUAL_ENTRY_IN', 'PRODUCTION_IN'
	       ) AND quantity < 0)
	   OR (movement_type IN (
			'SALE_DELIVERY', 'SUPPLIER_RETURN', 'ADJUSTMENT_OUT',
			'TRANSFER_OUT', 'MANUAL_ENTRY_OUT', 'PRODUCTION_OUT'
	       ) AND quantity > 0)
`

// shippedDriftSQL finds order lines whose shipped accumulator disagrees with
// the sum over shipped and delivered deliveries.
const shippedDriftSQL = `
	SELECT COUNT(*)
	FROM sales_order_lines sol
	WHERE sol.quantity_shipped <> COALESCE((
		SELECT SUM(dl.quantity)
		FROM delivery_order_lines dl
		JOIN delivery_orders d ON d.id = dl.delivery_order_id
		WHERE dl.sales_order_line_id = sol.id
		  AND d.status IN ('SHIPPED', 'DELIVERED')
		  AND d.deleted_at IS NULL
	), 0)
`

// invoicedDriftSQL finds order lines whose invoiced accumulator disagrees
// with the sum over non-voided invoices.
const invoicedDriftSQL = `
	SELECT COUNT(*)
	FROM sales_order_lines sol
	WHERE sol.quantity_invoiced <> COALESCE((
		SELECT SUM(il.quantity)
		FROM customer_invoice_lines il
		JOIN customer_invoices inv ON inv.id = il.invoice_id
		WHERE il.sales_order_line_id = sol.id
		  AND inv.status <> 'VOIDED'
		  AND inv.deleted_at IS NULL
	), 0)
`

// paidDriftSQL finds invoices whose paid amount drifted more than the
// settlement tolerance from the payment sum.
const paidDriftSQL = `
	SELECT COUNT(*)
	FROM customer_invoices inv
	WHERE inv.deleted_at IS NULL
	  AND ABS(inv.amount_paid - COALESCE((
		SELECT SUM(p.amount) FROM payments p WHERE p.invoice_id = inv.id
	  ), 0)) > 0.005
`

// Run executes the full scan.
func (s *IntegrityScanner) Run(ctx context.Context) error {
	checks := []struct {
		name string
		sql  string
	}{
		{"movement_sign", signViolationsSQL},
		{"quantity_shipped", shippedDriftSQL},
		{"quantity_invoiced", invoicedDriftSQL},
		{"amount_paid", paidDriftSQL},
	}

	total := int64(0)
	for _, check := range checks {
		var count int64
		if err := s.pool.QueryRow(ctx, check.sql).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			s.logger.Error("ledger integrity drift detected",
				slog.String("check", check.name),
				slog.Int64("rows", count),
			)
		}
		total += count
	}

	if s.metrics != nil {
		s.metrics.SetIntegrityDrift(int(total))
	}
	if total == 0 {
		s.logger.Info("ledger integrity scan clean")
	}
	return nil
}
