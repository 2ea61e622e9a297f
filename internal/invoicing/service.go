package invoicing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/recon"
	salesorders "github.com/meridian-erp/meridian-erp/internal/sales/orders"
	salesshared "github.com/meridian-erp/meridian-erp/internal/sales/shared"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort abstracts domain metric counters.
type MetricsPort interface {
	ReconciliationRejected(document string)
	PaymentApplied()
}

// ServiceConfig groups invoicing policy settings.
type ServiceConfig struct {
	// InvoiceAgainstShipped bounds billable quantities by what has shipped
	// instead of what was ordered.
	InvoiceAgainstShipped bool
}

// Service coordinates customer invoice operations.
type Service struct {
	repo           Repository
	audit          AuditPort
	metrics        MetricsPort
	againstShipped bool
	logger         *slog.Logger
}

// NewService builds Service.
func NewService(repo Repository, audit AuditPort, metrics MetricsPort, cfg ServiceConfig, logger *slog.Logger) *Service {
	return &Service{
		repo:           repo,
		audit:          audit,
		metrics:        metrics,
		againstShipped: cfg.InvoiceAgainstShipped,
		logger:         logger,
	}
}

func orderBillable(s salesorders.Status) bool {
	return s != salesorders.StatusDraft && s != salesorders.StatusCancelled
}

// Create validates the request against the billed order lines under row
// locks and persists a draft invoice. All billed lines must belong to orders
// of the same customer.
func (s *Service) Create(ctx context.Context, actorID int64, req CreateRequest) (*CustomerInvoice, error) {
	invoice := &CustomerInvoice{
		InvoiceDate:   req.InvoiceDate,
		DueDate:       req.DueDate,
		Status:        StatusDraft,
		AmountPaid:    decimal.Zero,
		Notes:         req.Notes,
		AttachmentURL: req.AttachmentURL,
		CreatedBy:     actorID,
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lines, orderIDs, customerID, totals, err := s.buildLines(ctx, tx, req.Lines, 0)
		if err != nil {
			return err
		}
		invoice.CustomerID = customerID
		invoice.Subtotal, invoice.TaxAmount, invoice.TotalAmount = totals[0], totals[1], totals[2]

		invoice.DocNumber, err = tx.NextDocNumber(ctx, invoice.InvoiceDate)
		if err != nil {
			return err
		}
		invoice.ID, err = tx.Insert(ctx, invoice)
		if err != nil {
			return err
		}
		lineIDs := make([]int64, 0, len(lines))
		for i := range lines {
			lines[i].InvoiceID = invoice.ID
			if _, err := tx.InsertLine(ctx, &lines[i]); err != nil {
				return err
			}
			lineIDs = append(lineIDs, lines[i].SalesOrderLineID)
		}
		for _, soID := range orderIDs {
			if err := tx.InsertLink(ctx, invoice.ID, soID); err != nil {
				return err
			}
		}
		return tx.RecomputeInvoiced(ctx, lineIDs)
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actorID, "invoice:create", invoice.ID, map[string]any{"doc_number": invoice.DocNumber})
	return s.repo.Get(ctx, invoice.ID)
}

// Get loads an invoice with lines and payments.
func (s *Service) Get(ctx context.Context, id int64) (*CustomerInvoice, error) {
	return s.repo.Get(ctx, id)
}

// List returns a filtered page of invoices.
func (s *Service) List(ctx context.Context, req ListRequest) (*ListResponse, error) {
	results, total, err := s.repo.List(ctx, req)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return &ListResponse{Invoices: results, Total: total, Limit: limit, Offset: req.Offset}, nil
}

// Update applies a partial update. Anything past draft accepts only notes
// and the attachment URL; other fields reject the whole update. Line
// changes re-run the reconciliation check and re-derive the accumulators of
// both freed and newly billed order lines.
func (s *Service) Update(ctx context.Context, actorID int64, id int64, req UpdateRequest) (*CustomerInvoice, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		invoice, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if invoice.Status.IsLocked() && !req.onlyUnlockedFields() {
			return ErrLocked
		}

		updates := map[string]interface{}{}
		if req.Notes != nil {
			updates["notes"] = *req.Notes
		}
		if req.AttachmentURL != nil {
			updates["attachment_url"] = *req.AttachmentURL
		}
		if invoice.Status == StatusDraft {
			if req.InvoiceDate != nil {
				updates["invoice_date"] = *req.InvoiceDate
			}
			if req.DueDate != nil {
				updates["due_date"] = *req.DueDate
			}
			if req.Lines != nil {
				if err := s.rewriteLines(ctx, tx, invoice, req.Lines, updates); err != nil {
					return err
				}
			}
		}
		return tx.Update(ctx, id, updates)
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actorID, "invoice:update", id, nil)
	return s.repo.Get(ctx, id)
}

// Send issues a draft invoice.
func (s *Service) Send(ctx context.Context, actorID int64, id int64) (*CustomerInvoice, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		invoice, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if invoice.Status != StatusDraft {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, invoice.Status, StatusSent)
		}
		lines, err := tx.LinesOf(ctx, id)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return ErrNoLines
		}
		return tx.UpdateStatus(ctx, id, StatusSent, map[string]interface{}{
			"sent_at": time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actorID, "invoice:send", id, nil)
	return s.repo.Get(ctx, id)
}

// Void cancels an invoice without payments and frees the billed quantities.
func (s *Service) Void(ctx context.Context, actorID int64, id int64, reason string) (*CustomerInvoice, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		invoice, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !invoice.Status.Voidable() {
			return fmt.Errorf("%w: status %s", ErrNotVoidable, invoice.Status)
		}
		lines, err := tx.LinesOf(ctx, id)
		if err != nil {
			return err
		}
		err = tx.UpdateStatus(ctx, id, StatusVoided, map[string]interface{}{
			"voided_by":   actorID,
			"voided_at":   time.Now().UTC(),
			"void_reason": reason,
		})
		if err != nil {
			return err
		}
		lineIDs := make([]int64, 0, len(lines))
		for _, l := range lines {
			lineIDs = append(lineIDs, l.SalesOrderLineID)
		}
		return tx.RecomputeInvoiced(ctx, lineIDs)
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actorID, "invoice:void", id, map[string]any{"reason": reason})
	return s.repo.Get(ctx, id)
}

// ApplyPayment records a payment or refund and re-derives the paid amount
// and payment status. A payment referencing a missing invoice is a logged
// no-op: the caller gets a result with Applied false, not an error. A
// residual balance inside the tolerance pins the paid amount to the total.
func (s *Service) ApplyPayment(ctx context.Context, actorID int64, req PaymentRequest) (*PaymentResult, error) {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.IsZero() {
		return nil, ErrZeroPayment
	}

	missing := false
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		invoice, err := tx.GetForUpdate(ctx, req.InvoiceID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				missing = true
				return nil
			}
			return err
		}
		if !invoice.Status.AcceptsPayments() {
			return fmt.Errorf("%w: status %s", ErrPaymentNotAccepted, invoice.Status)
		}

		newPaid := invoice.AmountPaid.Add(amount)
		if newPaid.IsNegative() {
			return ErrNegativePaid
		}
		if newPaid.Sub(invoice.TotalAmount).GreaterThan(PaymentTolerance) {
			return fmt.Errorf("%w: paid %s of %s", ErrOverpayment, newPaid, invoice.TotalAmount)
		}

		paidAt := time.Now().UTC()
		if req.PaidAt != nil {
			paidAt = *req.PaidAt
		}
		_, err = tx.InsertPayment(ctx, &Payment{
			InvoiceID: invoice.ID,
			Amount:    amount,
			Method:    req.Method,
			Reference: req.Reference,
			PaidAt:    paidAt,
			Notes:     req.Notes,
			CreatedBy: actorID,
		})
		if err != nil {
			return err
		}

		paid, err := tx.SumPayments(ctx, invoice.ID)
		if err != nil {
			return err
		}
		status, pinned := StatusForBalance(invoice.TotalAmount, paid)
		return tx.UpdateStatus(ctx, invoice.ID, status, map[string]interface{}{
			"amount_paid": pinned,
		})
	})
	if err != nil {
		return nil, err
	}
	if missing {
		s.logger.Warn("payment for unknown invoice ignored",
			slog.Int64("invoice_id", req.InvoiceID),
			slog.String("amount", amount.String()),
		)
		return &PaymentResult{Applied: false}, nil
	}

	if s.metrics != nil {
		s.metrics.PaymentApplied()
	}
	s.recordAudit(ctx, actorID, "invoice:payment", req.InvoiceID, map[string]any{"amount": amount.String()})
	invoice, err := s.repo.Get(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	return &PaymentResult{Applied: true, Invoice: invoice}, nil
}

// buildLines parses and reconciliation-checks request lines against the
// locked order lines. Returns the lines, the distinct billed order ids, the
// shared customer id and the header totals (subtotal, tax, total).
func (s *Service) buildLines(ctx context.Context, tx TxRepository, reqs []CreateLineRequest, excludeInvoiceID int64) ([]Line, []int64, int64, [3]decimal.Decimal, error) {
	var zero [3]decimal.Decimal
	lineIDs := make([]int64, 0, len(reqs))
	for _, lr := range reqs {
		lineIDs = append(lineIDs, lr.SalesOrderLineID)
	}

	upstream, err := tx.LockSalesOrderLines(ctx, lineIDs)
	if err != nil {
		return nil, nil, 0, zero, err
	}
	byID := make(map[int64]UpstreamLine, len(upstream))
	for _, l := range upstream {
		byID[l.ID] = l
	}
	committed, err := tx.CommittedInvoiced(ctx, lineIDs, excludeInvoiceID)
	if err != nil {
		return nil, nil, 0, zero, err
	}

	var customerID int64
	orderSeen := make(map[int64]bool)
	var orderIDs []int64
	pending := make(map[int64]decimal.Decimal)

	var lines []Line
	var lineTotals, lineTaxes []decimal.Decimal
	for i, lr := range reqs {
		soLine, ok := byID[lr.SalesOrderLineID]
		if !ok {
			return nil, nil, 0, zero, fmt.Errorf("%w: line %d", ErrSalesOrderLineAbsent, lr.SalesOrderLineID)
		}
		if !orderBillable(soLine.SalesOrderStatus) {
			return nil, nil, 0, zero, fmt.Errorf("%w: order %d is %s", ErrOrderNotBillable, soLine.SalesOrderID, soLine.SalesOrderStatus)
		}
		if customerID == 0 {
			customerID = soLine.CustomerID
		} else if customerID != soLine.CustomerID {
			return nil, nil, 0, zero, ErrCustomerMismatch
		}

		qty, err := decimal.NewFromString(lr.Quantity)
		if err != nil {
			return nil, nil, 0, zero, fmt.Errorf("%w: line %d: quantity must be a number", ErrBadAmount, i+1)
		}

		bound := soLine.Quantity
		if s.againstShipped {
			bound = soLine.QuantityShipped
		}
		already := committed[soLine.ID].Add(pending[soLine.ID])
		if err := recon.CheckCommit(recon.EffectInvoiced, soLine.ID, bound, already, qty); err != nil {
			if _, exceeded := recon.AsExceeds(err); exceeded && s.metrics != nil {
				s.metrics.ReconciliationRejected("customer_invoice")
			}
			return nil, nil, 0, zero, err
		}
		pending[soLine.ID] = pending[soLine.ID].Add(qty)

		price := soLine.UnitPrice
		if lr.UnitPrice != nil {
			price, err = decimal.NewFromString(*lr.UnitPrice)
			if err != nil || price.IsNegative() {
				return nil, nil, 0, zero, fmt.Errorf("%w: line %d: unit price must be a non-negative number", ErrBadAmount, i+1)
			}
		}
		discount := soLine.DiscountPercent
		if lr.DiscountPercent != nil {
			discount, err = decimal.NewFromString(*lr.DiscountPercent)
			if err != nil || discount.IsNegative() || discount.GreaterThan(decimal.NewFromInt(100)) {
				return nil, nil, 0, zero, fmt.Errorf("%w: line %d: discount must be between 0 and 100", ErrBadAmount, i+1)
			}
		}
		vat := soLine.VATRate
		if lr.VATRate != nil {
			vat, err = decimal.NewFromString(*lr.VATRate)
			if err != nil || vat.IsNegative() {
				return nil, nil, 0, zero, fmt.Errorf("%w: line %d: vat rate must be non-negative", ErrBadAmount, i+1)
			}
		}

		lineTotal := salesshared.LineTotal(qty, price, discount)
		lines = append(lines, Line{
			SalesOrderLineID: soLine.ID,
			ProductID:        soLine.ProductID,
			VariantID:        soLine.VariantID,
			Quantity:         qty,
			UnitPrice:        price,
			DiscountPercent:  discount,
			VATRate:          vat,
			LineTotal:        lineTotal,
			Notes:            lr.Notes,
			LineOrder:        i + 1,
		})
		lineTotals = append(lineTotals, lineTotal)
		lineTaxes = append(lineTaxes, salesshared.LineTax(lineTotal, vat))

		if !orderSeen[soLine.SalesOrderID] {
			orderSeen[soLine.SalesOrderID] = true
			orderIDs = append(orderIDs, soLine.SalesOrderID)
		}
	}

	subtotal, tax, total := salesshared.HeaderTotals(lineTotals, lineTaxes, decimal.Zero)
	return lines, orderIDs, customerID, [3]decimal.Decimal{subtotal, tax, total}, nil
}

// rewriteLines replaces a draft invoice's lines and links, re-deriving the
// accumulators of every order line billed before or after the rewrite.
func (s *Service) rewriteLines(ctx context.Context, tx TxRepository, invoice *CustomerInvoice, reqs []CreateLineRequest, updates map[string]interface{}) error {
	old, err := tx.LinesOf(ctx, invoice.ID)
	if err != nil {
		return err
	}

	lines, orderIDs, customerID, totals, err := s.buildLines(ctx, tx, reqs, invoice.ID)
	if err != nil {
		return err
	}
	if customerID != invoice.CustomerID {
		return ErrCustomerMismatch
	}

	if err := tx.DeleteLines(ctx, invoice.ID); err != nil {
		return err
	}
	if err := tx.DeleteLinks(ctx, invoice.ID); err != nil {
		return err
	}

	touched := make(map[int64]bool)
	var touchedIDs []int64
	for _, l := range old {
		if !touched[l.SalesOrderLineID] {
			touched[l.SalesOrderLineID] = true
			touchedIDs = append(touchedIDs, l.SalesOrderLineID)
		}
	}
	for i := range lines {
		lines[i].InvoiceID = invoice.ID
		if _, err := tx.InsertLine(ctx, &lines[i]); err != nil {
			return err
		}
		if !touched[lines[i].SalesOrderLineID] {
			touched[lines[i].SalesOrderLineID] = true
			touchedIDs = append(touchedIDs, lines[i].SalesOrderLineID)
		}
	}
	for _, soID := range orderIDs {
		if err := tx.InsertLink(ctx, invoice.ID, soID); err != nil {
			return err
		}
	}

	updates["subtotal"] = totals[0]
	updates["tax_amount"] = totals[1]
	updates["total_amount"] = totals[2]
	return tx.RecomputeInvoiced(ctx, touchedIDs)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "customer_invoice",
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}
