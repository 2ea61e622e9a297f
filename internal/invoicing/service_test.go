package invoicing

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/recon"
	salesorders "github.com/meridian-erp/meridian-erp/internal/sales/orders"
)

type fakeRepo struct {
	nextID   int64
	invoices map[int64]*CustomerInvoice
	lines    map[int64][]Line
	links    map[int64][]int64
	payments map[int64][]Payment
	upstream map[int64]*UpstreamLine
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		invoices: map[int64]*CustomerInvoice{},
		lines:    map[int64][]Line{},
		links:    map[int64][]int64{},
		payments: map[int64][]Payment{},
		upstream: map[int64]*UpstreamLine{},
	}
}

func (r *fakeRepo) snapshot() *fakeRepo {
	snap := newFakeRepo()
	snap.nextID = r.nextID
	for id, v := range r.invoices {
		copied := *v
		snap.invoices[id] = &copied
	}
	for id, ls := range r.lines {
		snap.lines[id] = append([]Line(nil), ls...)
	}
	for id, ls := range r.links {
		snap.links[id] = append([]int64(nil), ls...)
	}
	for id, ps := range r.payments {
		snap.payments[id] = append([]Payment(nil), ps...)
	}
	for id, v := range r.upstream {
		copied := *v
		snap.upstream[id] = &copied
	}
	return snap
}

func (r *fakeRepo) restore(snap *fakeRepo) {
	r.nextID = snap.nextID
	r.invoices = snap.invoices
	r.lines = snap.lines
	r.links = snap.links
	r.payments = snap.payments
	r.upstream = snap.upstream
}

func (r *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snap := r.snapshot()
	if err := fn(ctx, &fakeTx{repo: r}); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

func (r *fakeRepo) Get(ctx context.Context, id int64) (*CustomerInvoice, error) {
	inv, ok := r.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *inv
	copied.Lines = append([]Line(nil), r.lines[id]...)
	copied.Payments = append([]Payment(nil), r.payments[id]...)
	copied.SalesOrderIDs = append([]int64(nil), r.links[id]...)
	return &copied, nil
}

func (r *fakeRepo) List(ctx context.Context, req ListRequest) ([]WithDetails, int64, error) {
	var out []WithDetails
	for _, inv := range r.invoices {
		out = append(out, WithDetails{CustomerInvoice: *inv, LineCount: len(r.lines[inv.ID])})
	}
	return out, int64(len(out)), nil
}

type fakeTx struct {
	repo *fakeRepo
}

func (t *fakeTx) GetForUpdate(ctx context.Context, id int64) (*CustomerInvoice, error) {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *inv
	return &copied, nil
}

func (t *fakeTx) LinesOf(ctx context.Context, invoiceID int64) ([]Line, error) {
	return append([]Line(nil), t.repo.lines[invoiceID]...), nil
}

func (t *fakeTx) NextDocNumber(ctx context.Context, invoiceDate time.Time) (string, error) {
	return fmt.Sprintf("INV-%d-%05d", invoiceDate.Year(), len(t.repo.invoices)+1), nil
}

func (t *fakeTx) Insert(ctx context.Context, inv *CustomerInvoice) (int64, error) {
	t.repo.nextID++
	copied := *inv
	copied.ID = t.repo.nextID
	t.repo.invoices[copied.ID] = &copied
	return copied.ID, nil
}

func (t *fakeTx) InsertLine(ctx context.Context, l *Line) (int64, error) {
	t.repo.nextID++
	copied := *l
	copied.ID = t.repo.nextID
	t.repo.lines[copied.InvoiceID] = append(t.repo.lines[copied.InvoiceID], copied)
	return copied.ID, nil
}

func (t *fakeTx) InsertLink(ctx context.Context, invoiceID, salesOrderID int64) error {
	t.repo.links[invoiceID] = append(t.repo.links[invoiceID], salesOrderID)
	return nil
}

func (t *fakeTx) DeleteLines(ctx context.Context, invoiceID int64) error {
	delete(t.repo.lines, invoiceID)
	return nil
}

func (t *fakeTx) DeleteLinks(ctx context.Context, invoiceID int64) error {
	delete(t.repo.links, invoiceID)
	return nil
}

func (t *fakeTx) Update(ctx context.Context, id int64, updates map[string]interface{}) error {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return ErrNotFound
	}
	for key, value := range updates {
		switch key {
		case "notes":
			v := value.(string)
			inv.Notes = &v
		case "attachment_url":
			v := value.(string)
			inv.AttachmentURL = &v
		case "invoice_date":
			inv.InvoiceDate = value.(time.Time)
		case "due_date":
			v := value.(time.Time)
			inv.DueDate = &v
		case "subtotal":
			inv.Subtotal = value.(decimal.Decimal)
		case "tax_amount":
			inv.TaxAmount = value.(decimal.Decimal)
		case "total_amount":
			inv.TotalAmount = value.(decimal.Decimal)
		}
	}
	return nil
}

func (t *fakeTx) UpdateStatus(ctx context.Context, id int64, status Status, extra map[string]interface{}) error {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return ErrNotFound
	}
	inv.Status = status
	for key, value := range extra {
		switch key {
		case "sent_at":
			v := value.(time.Time)
			inv.SentAt = &v
		case "voided_by":
			v := value.(int64)
			inv.VoidedBy = &v
		case "voided_at":
			v := value.(time.Time)
			inv.VoidedAt = &v
		case "void_reason":
			v := value.(string)
			inv.VoidReason = &v
		case "amount_paid":
			inv.AmountPaid = value.(decimal.Decimal)
		}
	}
	return nil
}

func (t *fakeTx) LockSalesOrderLines(ctx context.Context, lineIDs []int64) ([]UpstreamLine, error) {
	var out []UpstreamLine
	for _, id := range lineIDs {
		if l, ok := t.repo.upstream[id]; ok {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (t *fakeTx) CommittedInvoiced(ctx context.Context, lineIDs []int64, excludeInvoiceID int64) (map[int64]decimal.Decimal, error) {
	sums := map[int64]decimal.Decimal{}
	for _, inv := range t.repo.invoices {
		if inv.Status == StatusVoided || inv.ID == excludeInvoiceID {
			continue
		}
		for _, l := range t.repo.lines[inv.ID] {
			sums[l.SalesOrderLineID] = sums[l.SalesOrderLineID].Add(l.Quantity)
		}
	}
	return sums, nil
}

func (t *fakeTx) RecomputeInvoiced(ctx context.Context, lineIDs []int64) error {
	billed := map[int64]decimal.Decimal{}
	for _, inv := range t.repo.invoices {
		if inv.Status == StatusVoided {
			continue
		}
		for _, l := range t.repo.lines[inv.ID] {
			billed[l.SalesOrderLineID] = billed[l.SalesOrderLineID].Add(l.Quantity)
		}
	}
	for _, id := range lineIDs {
		if l, ok := t.repo.upstream[id]; ok {
			l.QuantityInvoiced = billed[id]
		}
	}
	return nil
}

func (t *fakeTx) InsertPayment(ctx context.Context, p *Payment) (int64, error) {
	t.repo.nextID++
	copied := *p
	copied.ID = t.repo.nextID
	t.repo.payments[copied.InvoiceID] = append(t.repo.payments[copied.InvoiceID], copied)
	return copied.ID, nil
}

func (t *fakeTx) SumPayments(ctx context.Context, invoiceID int64) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, p := range t.repo.payments[invoiceID] {
		sum = sum.Add(p.Amount)
	}
	return sum, nil
}

type fakeMetrics struct {
	rejected map[string]int
	payments int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{rejected: map[string]int{}}
}

func (m *fakeMetrics) ReconciliationRejected(document string) { m.rejected[document]++ }
func (m *fakeMetrics) PaymentApplied()                        { m.payments++ }

func newTestService(repo *fakeRepo, metrics *fakeMetrics, cfg ServiceConfig) *Service {
	return NewService(repo, nil, metrics, cfg, slog.Default())
}

// seedUpstreamLine registers one billable sales order line. Quantity shipped
// defaults to zero.
func seedUpstreamLine(repo *fakeRepo, orderID, customerID int64, status salesorders.Status, qty, price, vat string) *UpstreamLine {
	repo.nextID++
	line := &UpstreamLine{
		Line: salesorders.Line{
			ID:           repo.nextID,
			SalesOrderID: orderID,
			ProductID:    10,
			Quantity:     d(qty),
			UnitPrice:    d(price),
			VATRate:      d(vat),
		},
		SalesOrderStatus: status,
		CustomerID:       customerID,
	}
	repo.upstream[line.ID] = line
	return line
}

func invoiceReq(lines ...CreateLineRequest) CreateRequest {
	return CreateRequest{
		InvoiceDate: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		Lines:       lines,
	}
}

func billLine(upstream *UpstreamLine, qty string) CreateLineRequest {
	return CreateLineRequest{SalesOrderLineID: upstream.ID, Quantity: qty}
}

func TestCreateInvoice(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics(), ServiceConfig{})
	up := seedUpstreamLine(repo, 1, 5, salesorders.StatusApproved, "5", "10", "21")

	inv, err := svc.Create(context.Background(), 7, invoiceReq(billLine(up, "2")))
	require.NoError(t, err)
	require.Equal(t, "INV-2026-00001", inv.DocNumber)
	require.Equal(t, StatusDraft, inv.Status)
	require.Equal(t, int64(5), inv.CustomerID)
	require.Equal(t, []int64{1}, inv.SalesOrderIDs)
	require.Len(t, inv.Lines, 1)

	// Price fields defaulted from the order line.
	require.True(t, inv.Lines[0].UnitPrice.Equal(d("10")))
	require.True(t, inv.Lines[0].VATRate.Equal(d("21")))
	require.True(t, inv.Subtotal.Equal(d("20")))
	require.True(t, inv.TaxAmount.Equal(d("4.2")))
	require.True(t, inv.TotalAmount.Equal(d("24.2")))

	// Accumulator re-derived on creation; drafts count as committed.
	require.True(t, repo.upstream[up.ID].QuantityInvoiced.Equal(d("2")))
}

func TestCreateSpansOrdersOfOneCustomer(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics(), ServiceConfig{})
	a := seedUpstreamLine(repo, 1, 5, salesorders.StatusApproved, "5", "10", "0")
	b := seedUpstreamLine(repo, 2, 5, salesorders.StatusFullyShipped, "3", "4", "0")

	inv, err := svc.Create(context.Background(), 7, invoiceReq(billLine(a, "5"), billLine(b, "3")))
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{1, 2}, inv.SalesOrderIDs)
	require.True(t, inv.TotalAmount.Equal(d("62")))

	other := seedUpstreamLine(repo, 3, 6, salesorders.StatusApproved, "5", "10", "0")
	_, err = svc.Create(context.Background(), 7, invoiceReq(billLine(a, "1"), billLine(other, "1")))
	require.ErrorIs(t, err, ErrCustomerMismatch)
}

func TestCreateEnforcesInvoicedBound(t *testing.T) {
	repo := newFakeRepo()
	metrics := newFakeMetrics()
	svc := newTestService(repo, metrics, ServiceConfig{})
	up := seedUpstreamLine(repo, 1, 5, salesorders.StatusApproved, "5", "10", "0")

	first, err := svc.Create(context.Background(), 7, invoiceReq(billLine(up, "4")))
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), 7, invoiceReq(billLine(up, "2")))
	require.Error(t, err)
	exceeds, ok := recon.AsExceeds(err)
	require.True(t, ok)
	require.Equal(t, recon.EffectInvoiced, exceeds.Effect)
	require.Equal(t, 1, metrics.rejected["customer_invoice"])

	// Voiding the first invoice frees its quantities.
	_, err = svc.Void(context.Background(), 7, first.ID, "billing error")
	require.NoError(t, err)
	require.True(t, repo.upstream[up.ID].QuantityInvoiced.IsZero())

	_, err = svc.Create(context.Background(), 7, invoiceReq(billLine(up, "5")))
	require.NoError(t, err)
}

func TestCreateBoundsSplitLines(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics(), ServiceConfig{})
	up := seedUpstreamLine(repo, 1, 5, salesorders.StatusApproved, "5", "10", "0")

	// Two request lines against the same order line share the bound.
	_, err := svc.Create(context.Background(), 7, invoiceReq(billLine(up, "3"), billLine(up, "3")))
	require.Error(t, err)
	_, ok := recon.AsExceeds(err)
	require.True(t, ok)
	require.Empty(t, repo.invoices)

	_, err = svc.Create(context.Background(), 7, invoiceReq(billLine(up, "3"), billLine(up, "2")))
	require.NoError(t, err)
}

func TestCreateAgainstShipped(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics(), ServiceConfig{InvoiceAgainstShipped: true})
	up := seedUpstreamLine(repo, 1, 5, salesorders.StatusPartiallyShipped, "10", "10", "0")
	up.QuantityShipped = d("4")

	_, err := svc.Create(context.Background(), 7, invoiceReq(billLine(up, "5")))
	require.Error(t, err)
	exceeds, ok := recon.AsExceeds(err)
	require.True(t, ok)
	require.True(t, exceeds.Ordered.Equal(d("4")))

	_, err = svc.Create(context.Background(), 7, invoiceReq(billLine(up, "4")))
	require.NoError(t, err)
}

func TestCreateRequiresBillableOrder(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics(), ServiceConfig{})

	draft := seedUpstreamLine(repo, 1, 5, salesorders.StatusDraft, "5", "10", "0")
	_, err := svc.Create(context.Background(), 7, invoiceReq(billLine(draft, "1")))
	require.ErrorIs(t, err, ErrOrderNotBillable)

	cancelled := seedUpstreamLine(repo, 2, 5, salesorders.StatusCancelled, "5", "10", "0")
	_, err = svc.Create(context.Background(), 7, invoiceReq(billLine(cancelled, "1")))
	require.ErrorIs(t, err, ErrOrderNotBillable)

	_, err = svc.Create(context.Background(), 7, invoiceReq(CreateLineRequest{SalesOrderLineID: 9999, Quantity: "1"}))
	require.ErrorIs(t, err, ErrSalesOrderLineAbsent)
}

func TestSend(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics(), ServiceConfig{})
	up := seedUpstreamLine(repo, 1, 5, salesorders.StatusApproved, "5", "10", "0")

	inv, err := svc.Create(context.Background(), 7, invoiceReq(billLine(up, "2")))
	require.NoError(t, err)

	sent, err := svc.Send(context.Background(), 7, inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, sent.Status)
	require.NotNil(t, sent.SentAt)

	_, err = svc.Send(context.Background(), 7, inv.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateLockedInvoice(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics(), ServiceConfig{})
	up := seedUpstreamLine(repo, 1, 5, salesorders.StatusApproved, "5", "10", "0")

	inv, err := svc.Create(context.Background(), 7, invoiceReq(billLine(up, "2")))
	require.NoError(t, err)
	_, err = svc.Send(context.Background(), 7, inv.ID)
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), 7, inv.ID, UpdateRequest{
		Lines: []CreateLineRequest{billLine(up, "1")},
	})
	require.ErrorIs(t, err, ErrLocked)

	// A mixed update rejects as a whole; the allowed notes must not slip
	// through alongside the rejected line changes.
	mixed := "payment due on receipt"
	_, err = svc.Update(context.Background(), 7, inv.ID, UpdateRequest{
		Notes: &mixed,
		Lines: []CreateLineRequest{billLine(up, "1")},
	})
	require.ErrorIs(t, err, ErrLocked)
	fresh, err := svc.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Nil(t, fresh.Notes)

	notes := "net 30"
	updated, err := svc.Update(context.Background(), 7, inv.ID, UpdateRequest{Notes: &notes})
	require.NoError(t, err)
	require.NotNil(t, updated.Notes)
	require.Equal(t, notes, *updated.Notes)
}

func TestUpdateDraftRewritesLines(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics(), ServiceConfig{})
	up := seedUpstreamLine(repo, 1, 5, salesorders.StatusApproved, "5", "10", "0")
	other := seedUpstreamLine(repo, 1, 5, salesorders.StatusApproved, "3", "20", "0")

	inv, err := svc.Create(context.Background(), 7, invoiceReq(billLine(up, "4")))
	require.NoError(t, err)
	require.True(t, repo.upstream[up.ID].QuantityInvoiced.Equal(d("4")))

	// Rewriting to the other line frees the first and bills the second.
	updated, err := svc.Update(context.Background(), 7, inv.ID, UpdateRequest{
		Lines: []CreateLineRequest{billLine(other, "3")},
	})
	require.NoError(t, err)
	require.Len(t, updated.Lines, 1)
	require.True(t, updated.TotalAmount.Equal(d("60")))
	require.True(t, repo.upstream[up.ID].QuantityInvoiced.IsZero())
	require.True(t, repo.upstream[other.ID].QuantityInvoiced.Equal(d("3")))

	// A rewrite can reuse the invoice's own committed quantities.
	updated, err = svc.Update(context.Background(), 7, inv.ID, UpdateRequest{
		Lines: []CreateLineRequest{billLine(up, "5")},
	})
	require.NoError(t, err)
	require.True(t, updated.TotalAmount.Equal(d("50")))
}

func TestVoidRejectsPaidInvoice(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics(), ServiceConfig{})
	up := seedUpstreamLine(repo, 1, 5, salesorders.StatusApproved, "5", "10", "0")

	inv, err := svc.Create(context.Background(), 7, invoiceReq(billLine(up, "2")))
	require.NoError(t, err)
	_, err = svc.Send(context.Background(), 7, inv.ID)
	require.NoError(t, err)

	_, err = svc.ApplyPayment(context.Background(), 7, PaymentRequest{
		InvoiceID: inv.ID, Amount: "5", Method: "CASH",
	})
	require.NoError(t, err)

	_, err = svc.Void(context.Background(), 7, inv.ID, "too late")
	require.ErrorIs(t, err, ErrNotVoidable)
}

func TestApplyPayment(t *testing.T) {
	repo := newFakeRepo()
	metrics := newFakeMetrics()
	svc := newTestService(repo, metrics, ServiceConfig{})
	up := seedUpstreamLine(repo, 1, 5, salesorders.StatusApproved, "5", "10", "0")

	inv, err := svc.Create(context.Background(), 7, invoiceReq(billLine(up, "2")))
	require.NoError(t, err)
	_, err = svc.Send(context.Background(), 7, inv.ID)
	require.NoError(t, err)

	// Total is 20. A partial payment moves the status.
	res, err := svc.ApplyPayment(context.Background(), 7, PaymentRequest{
		InvoiceID: inv.ID, Amount: "15", Method: "BANK_TRANSFER",
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, StatusPartiallyPaid, res.Invoice.Status)
	require.True(t, res.Invoice.AmountPaid.Equal(d("15")))
	require.Equal(t, 1, metrics.payments)

	// A residual of 0.004 is inside the tolerance: paid pins to the total.
	res, err = svc.ApplyPayment(context.Background(), 7, PaymentRequest{
		InvoiceID: inv.ID, Amount: "4.996", Method: "CASH",
	})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, res.Invoice.Status)
	require.True(t, res.Invoice.AmountPaid.Equal(d("20")))
	require.Len(t, res.Invoice.Payments, 2)
}

func TestRefundReopensInvoice(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics(), ServiceConfig{})
	up := seedUpstreamLine(repo, 1, 5, salesorders.StatusApproved, "5", "10", "0")

	inv, err := svc.Create(context.Background(), 7, invoiceReq(billLine(up, "2")))
	require.NoError(t, err)
	_, err = svc.Send(context.Background(), 7, inv.ID)
	require.NoError(t, err)

	_, err = svc.ApplyPayment(context.Background(), 7, PaymentRequest{
		InvoiceID: inv.ID, Amount: "20", Method: "CARD",
	})
	require.NoError(t, err)

	res, err := svc.ApplyPayment(context.Background(), 7, PaymentRequest{
		InvoiceID: inv.ID, Amount: "-5", Method: "CARD",
	})
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyPaid, res.Invoice.Status)
	require.True(t, res.Invoice.AmountPaid.Equal(d("15")))
}

func TestApplyPaymentRejections(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics(), ServiceConfig{})
	up := seedUpstreamLine(repo, 1, 5, salesorders.StatusApproved, "5", "10", "0")

	inv, err := svc.Create(context.Background(), 7, invoiceReq(billLine(up, "2")))
	require.NoError(t, err)

	// Draft invoices take no payments.
	_, err = svc.ApplyPayment(context.Background(), 7, PaymentRequest{
		InvoiceID: inv.ID, Amount: "5", Method: "CASH",
	})
	require.ErrorIs(t, err, ErrPaymentNotAccepted)

	_, err = svc.Send(context.Background(), 7, inv.ID)
	require.NoError(t, err)

	_, err = svc.ApplyPayment(context.Background(), 7, PaymentRequest{
		InvoiceID: inv.ID, Amount: "0", Method: "CASH",
	})
	require.ErrorIs(t, err, ErrZeroPayment)

	// Total is 20; 25 exceeds it beyond the tolerance.
	_, err = svc.ApplyPayment(context.Background(), 7, PaymentRequest{
		InvoiceID: inv.ID, Amount: "25", Method: "CASH",
	})
	require.ErrorIs(t, err, ErrOverpayment)

	// A refund with nothing paid would drive the amount negative.
	_, err = svc.ApplyPayment(context.Background(), 7, PaymentRequest{
		InvoiceID: inv.ID, Amount: "-5", Method: "CASH",
	})
	require.ErrorIs(t, err, ErrNegativePaid)

	require.Empty(t, repo.payments[inv.ID])
}

func TestApplyPaymentMissingInvoiceIsNoOp(t *testing.T) {
	repo := newFakeRepo()
	metrics := newFakeMetrics()
	svc := newTestService(repo, metrics, ServiceConfig{})

	res, err := svc.ApplyPayment(context.Background(), 7, PaymentRequest{
		InvoiceID: 9999, Amount: "5", Method: "CASH",
	})
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Nil(t, res.Invoice)
	require.Empty(t, repo.payments)
	require.Equal(t, 0, metrics.payments)
}
