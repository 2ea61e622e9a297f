package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/recon"
	salesorders "github.com/meridian-erp/meridian-erp/internal/sales/orders"
)

func ptr64(v int64) *int64 { return &v }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeRepo struct {
	mu          sync.Mutex
	nextID      int64
	deliveries  map[int64]*DeliveryOrder
	lines       map[int64][]Line
	salesOrders map[int64]*salesorders.SalesOrder
	soLines     map[int64][]salesorders.Line
	movements   []ledger.StockMovement
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		deliveries:  map[int64]*DeliveryOrder{},
		lines:       map[int64][]Line{},
		salesOrders: map[int64]*salesorders.SalesOrder{},
		soLines:     map[int64][]salesorders.Line{},
	}
}

func (r *fakeRepo) snapshot() *fakeRepo {
	snap := newFakeRepo()
	snap.nextID = r.nextID
	for id, v := range r.deliveries {
		copied := *v
		snap.deliveries[id] = &copied
	}
	for id, ls := range r.lines {
		snap.lines[id] = append([]Line(nil), ls...)
	}
	for id, v := range r.salesOrders {
		copied := *v
		snap.salesOrders[id] = &copied
	}
	for id, ls := range r.soLines {
		snap.soLines[id] = append([]salesorders.Line(nil), ls...)
	}
	snap.movements = append([]ledger.StockMovement(nil), r.movements...)
	return snap
}

func (r *fakeRepo) restore(snap *fakeRepo) {
	r.nextID = snap.nextID
	r.deliveries = snap.deliveries
	r.lines = snap.lines
	r.salesOrders = snap.salesOrders
	r.soLines = snap.soLines
	r.movements = snap.movements
}

// WithTx serializes transactions the way row locks on the parent sales
// order do in Postgres.
func (r *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshot()
	if err := fn(ctx, &fakeTx{repo: r}); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

func (r *fakeRepo) Get(ctx context.Context, id int64) (*DeliveryOrder, error) {
	dl, ok := r.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *dl
	copied.Lines = append([]Line(nil), r.lines[id]...)
	return &copied, nil
}

func (r *fakeRepo) List(ctx context.Context, req ListRequest) ([]WithDetails, int64, error) {
	var out []WithDetails
	for _, dl := range r.deliveries {
		out = append(out, WithDetails{DeliveryOrder: *dl, LineCount: len(r.lines[dl.ID])})
	}
	return out, int64(len(out)), nil
}

type fakeTx struct {
	repo *fakeRepo
}

func (t *fakeTx) GetForUpdate(ctx context.Context, id int64) (*DeliveryOrder, error) {
	dl, ok := t.repo.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *dl
	return &copied, nil
}

func (t *fakeTx) LinesForUpdate(ctx context.Context, deliveryID int64) ([]Line, error) {
	return append([]Line(nil), t.repo.lines[deliveryID]...), nil
}

func (t *fakeTx) NextDocNumber(ctx context.Context, deliveryDate time.Time) (string, error) {
	return fmt.Sprintf("DL-%d-%05d", deliveryDate.Year(), len(t.repo.deliveries)+1), nil
}

func (t *fakeTx) Insert(ctx context.Context, dl *DeliveryOrder) (int64, error) {
	t.repo.nextID++
	copied := *dl
	copied.ID = t.repo.nextID
	t.repo.deliveries[copied.ID] = &copied
	return copied.ID, nil
}

func (t *fakeTx) InsertLine(ctx context.Context, l *Line) (int64, error) {
	t.repo.nextID++
	copied := *l
	copied.ID = t.repo.nextID
	t.repo.lines[copied.DeliveryOrderID] = append(t.repo.lines[copied.DeliveryOrderID], copied)
	return copied.ID, nil
}

func (t *fakeTx) Update(ctx context.Context, id int64, updates map[string]interface{}) error {
	dl, ok := t.repo.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	for key, value := range updates {
		switch key {
		case "notes":
			v := value.(string)
			dl.Notes = &v
		case "attachment_url":
			v := value.(string)
			dl.AttachmentURL = &v
		case "delivery_date":
			dl.DeliveryDate = value.(time.Time)
		}
	}
	return nil
}

func (t *fakeTx) UpdateStatus(ctx context.Context, id int64, status Status, extra map[string]interface{}) error {
	dl, ok := t.repo.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	dl.Status = status
	for key, value := range extra {
		switch key {
		case "shipped_by":
			v := value.(int64)
			dl.ShippedBy = &v
		case "shipped_at":
			v := value.(time.Time)
			dl.ShippedAt = &v
		case "delivered_at":
			v := value.(time.Time)
			dl.DeliveredAt = &v
		case "cancelled_by":
			v := value.(int64)
			dl.CancelledBy = &v
		case "cancelled_at":
			v := value.(time.Time)
			dl.CancelledAt = &v
		case "cancellation_reason":
			v := value.(string)
			dl.CancellationReason = &v
		}
	}
	return nil
}

func (t *fakeTx) DeleteLines(ctx context.Context, deliveryID int64) error {
	delete(t.repo.lines, deliveryID)
	return nil
}

func (t *fakeTx) LockSalesOrder(ctx context.Context, salesOrderID int64) (*salesorders.SalesOrder, error) {
	so, ok := t.repo.salesOrders[salesOrderID]
	if !ok {
		return nil, ErrSalesOrderNotFound
	}
	copied := *so
	return &copied, nil
}

func (t *fakeTx) LockSalesOrderLines(ctx context.Context, salesOrderID int64) ([]salesorders.Line, error) {
	return append([]salesorders.Line(nil), t.repo.soLines[salesOrderID]...), nil
}

func (t *fakeTx) CommittedQuantities(ctx context.Context, salesOrderID, excludeDeliveryID int64) (map[int64]decimal.Decimal, error) {
	sums := map[int64]decimal.Decimal{}
	for _, dl := range t.repo.deliveries {
		if dl.SalesOrderID != salesOrderID || dl.Status == StatusCancelled || dl.ID == excludeDeliveryID {
			continue
		}
		for _, l := range t.repo.lines[dl.ID] {
			sums[l.SalesOrderLineID] = sums[l.SalesOrderLineID].Add(l.Quantity)
		}
	}
	return sums, nil
}

func (t *fakeTx) RecomputeShipped(ctx context.Context, salesOrderLineIDs []int64) error {
	targets := map[int64]bool{}
	for _, id := range salesOrderLineIDs {
		targets[id] = true
	}
	shipped := map[int64]decimal.Decimal{}
	for _, dl := range t.repo.deliveries {
		if dl.Status != StatusShipped && dl.Status != StatusDelivered {
			continue
		}
		for _, l := range t.repo.lines[dl.ID] {
			shipped[l.SalesOrderLineID] = shipped[l.SalesOrderLineID].Add(l.Quantity)
		}
	}
	for soID, lines := range t.repo.soLines {
		for i := range lines {
			if targets[lines[i].ID] {
				lines[i].QuantityShipped = shipped[lines[i].ID]
			}
		}
		t.repo.soLines[soID] = lines
	}
	return nil
}

func (t *fakeTx) UpdateSalesOrderStatus(ctx context.Context, salesOrderID int64, status salesorders.Status) error {
	so, ok := t.repo.salesOrders[salesOrderID]
	if !ok {
		return ErrSalesOrderNotFound
	}
	so.Status = status
	return nil
}

func (t *fakeTx) InsertMovement(ctx context.Context, m ledger.StockMovement) (int64, error) {
	t.repo.nextID++
	m.ID = t.repo.nextID
	t.repo.movements = append(t.repo.movements, m)
	return m.ID, nil
}

type fakeMetrics struct {
	posted   map[string]int
	rejected map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{posted: map[string]int{}, rejected: map[string]int{}}
}

func (m *fakeMetrics) MovementPosted(movementType string)     { m.posted[movementType]++ }
func (m *fakeMetrics) ReconciliationRejected(document string) { m.rejected[document]++ }

func newTestService(repo *fakeRepo, metrics *fakeMetrics) *Service {
	return NewService(repo, nil, metrics, slog.Default())
}

// seedSalesOrder adds an upstream order with one line per ordered quantity
// and returns the order with its line IDs populated.
func seedSalesOrder(repo *fakeRepo, status salesorders.Status, ordered ...string) *salesorders.SalesOrder {
	repo.nextID++
	so := &salesorders.SalesOrder{
		ID:          repo.nextID,
		DocNumber:   fmt.Sprintf("SO-2026-%05d", repo.nextID),
		CustomerID:  1,
		WarehouseID: ptr64(1),
		Status:      status,
	}
	repo.salesOrders[so.ID] = so
	for i, qty := range ordered {
		repo.nextID++
		repo.soLines[so.ID] = append(repo.soLines[so.ID], salesorders.Line{
			ID:           repo.nextID,
			SalesOrderID: so.ID,
			ProductID:    int64(10 + i),
			Quantity:     d(qty),
			LineOrder:    i + 1,
		})
	}
	so.Lines = repo.soLines[so.ID]
	return so
}

func createReq(so *salesorders.SalesOrder, quantities ...string) CreateRequest {
	req := CreateRequest{
		SalesOrderID: so.ID,
		DeliveryDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
	}
	for i, qty := range quantities {
		req.Lines = append(req.Lines, CreateLineRequest{
			SalesOrderLineID: so.Lines[i].ID,
			Quantity:         qty,
		})
	}
	return req
}

func TestCreateDelivery(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics())
	so := seedSalesOrder(repo, salesorders.StatusApproved, "10")

	dl, err := svc.Create(context.Background(), 7, createReq(so, "4"))
	require.NoError(t, err)
	require.Equal(t, "DL-2026-00001", dl.DocNumber)
	require.Equal(t, StatusDraft, dl.Status)
	require.Equal(t, so.ID, dl.SalesOrderID)
	require.NotNil(t, dl.WarehouseID)
	require.Equal(t, int64(1), *dl.WarehouseID)
	require.Len(t, dl.Lines, 1)
	require.Equal(t, so.Lines[0].ID, dl.Lines[0].SalesOrderLineID)
	require.True(t, dl.Lines[0].Quantity.Equal(d("4")))

	// Drafting moves no stock and ships nothing.
	require.Empty(t, repo.movements)
	require.True(t, repo.soLines[so.ID][0].QuantityShipped.IsZero())
}

func TestCreateCountsDraftCommitments(t *testing.T) {
	repo := newFakeRepo()
	metrics := newFakeMetrics()
	svc := newTestService(repo, metrics)
	so := seedSalesOrder(repo, salesorders.StatusApproved, "10")

	_, err := svc.Create(context.Background(), 7, createReq(so, "7"))
	require.NoError(t, err)

	// 7 of 10 already committed by the draft; another 4 does not fit.
	_, err = svc.Create(context.Background(), 7, createReq(so, "4"))
	require.Error(t, err)
	exceeds, ok := recon.AsExceeds(err)
	require.True(t, ok)
	require.Equal(t, so.Lines[0].ID, exceeds.UpstreamLineID)
	require.True(t, exceeds.Committed.Equal(d("7")))
	require.Equal(t, 1, metrics.rejected["delivery_order"])

	// 3 still fits.
	_, err = svc.Create(context.Background(), 7, createReq(so, "3"))
	require.NoError(t, err)
}

func TestCreateBoundsSplitLines(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics())
	so := seedSalesOrder(repo, salesorders.StatusApproved, "10")

	// Two request lines against the same order line share the bound.
	req := createReq(so, "6")
	req.Lines = append(req.Lines, CreateLineRequest{SalesOrderLineID: so.Lines[0].ID, Quantity: "5"})
	_, err := svc.Create(context.Background(), 7, req)
	require.Error(t, err)
	_, ok := recon.AsExceeds(err)
	require.True(t, ok)
	require.Empty(t, repo.deliveries)

	req = createReq(so, "6")
	req.Lines = append(req.Lines, CreateLineRequest{SalesOrderLineID: so.Lines[0].ID, Quantity: "4"})
	dl, err := svc.Create(context.Background(), 7, req)
	require.NoError(t, err)
	require.Len(t, dl.Lines, 2)
}

func TestCreateRequiresShippableOrder(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics())

	draft := seedSalesOrder(repo, salesorders.StatusDraft, "10")
	_, err := svc.Create(context.Background(), 7, createReq(draft, "1"))
	require.ErrorIs(t, err, ErrSalesOrderNotOpen)

	done := seedSalesOrder(repo, salesorders.StatusFullyShipped, "10")
	_, err = svc.Create(context.Background(), 7, createReq(done, "1"))
	require.ErrorIs(t, err, ErrSalesOrderNotOpen)
}

func TestCreateRejectsUnknownOrderLine(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics())
	so := seedSalesOrder(repo, salesorders.StatusApproved, "10")

	req := createReq(so, "1")
	req.Lines[0].SalesOrderLineID = 9999
	_, err := svc.Create(context.Background(), 7, req)
	require.ErrorIs(t, err, ErrSalesOrderLineAbsent)
}

func TestShip(t *testing.T) {
	repo := newFakeRepo()
	metrics := newFakeMetrics()
	svc := newTestService(repo, metrics)
	so := seedSalesOrder(repo, salesorders.StatusInPreparation, "10")

	dl, err := svc.Create(context.Background(), 7, createReq(so, "4"))
	require.NoError(t, err)

	shipped, err := svc.Ship(context.Background(), 9, dl.ID)
	require.NoError(t, err)
	require.Equal(t, StatusShipped, shipped.Status)
	require.NotNil(t, shipped.ShippedBy)
	require.Equal(t, int64(9), *shipped.ShippedBy)
	require.NotNil(t, shipped.ShippedAt)

	require.Len(t, repo.movements, 1)
	m := repo.movements[0]
	require.Equal(t, ledger.MovementTypeSaleDelivery, m.Type)
	require.True(t, m.Quantity.Equal(d("-4")))
	require.NotNil(t, m.RefModule)
	require.Equal(t, ledger.RefModuleDelivery, *m.RefModule)
	require.NotNil(t, m.RefID)
	require.Equal(t, dl.ID, *m.RefID)
	require.Equal(t, 1, metrics.posted[string(ledger.MovementTypeSaleDelivery)])

	require.True(t, repo.soLines[so.ID][0].QuantityShipped.Equal(d("4")))
	require.Equal(t, salesorders.StatusPartiallyShipped, repo.salesOrders[so.ID].Status)
}

func TestShipFullQuantity(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics())
	so := seedSalesOrder(repo, salesorders.StatusApproved, "10", "5")

	dl, err := svc.Create(context.Background(), 7, createReq(so, "10", "5"))
	require.NoError(t, err)

	_, err = svc.Ship(context.Background(), 9, dl.ID)
	require.NoError(t, err)
	require.Equal(t, salesorders.StatusFullyShipped, repo.salesOrders[so.ID].Status)
	require.Len(t, repo.movements, 2)
}

func TestCancelShippedReverses(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics())
	so := seedSalesOrder(repo, salesorders.StatusInPreparation, "10")

	dl, err := svc.Create(context.Background(), 7, createReq(so, "4"))
	require.NoError(t, err)
	_, err = svc.Ship(context.Background(), 9, dl.ID)
	require.NoError(t, err)
	require.Equal(t, salesorders.StatusPartiallyShipped, repo.salesOrders[so.ID].Status)

	cancelled, err := svc.Cancel(context.Background(), 9, dl.ID, "wrong address")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	require.Len(t, repo.movements, 2)
	reversal := repo.movements[1]
	require.Equal(t, ledger.MovementTypeCustomerReturn, reversal.Type)
	require.True(t, reversal.Quantity.Equal(d("4")))
	require.NotNil(t, reversal.Notes)
	require.Equal(t, fmt.Sprintf("shipment reversal for %s", dl.DocNumber), *reversal.Notes)

	// Accumulator re-derived and the order drops back to preparation.
	require.True(t, repo.soLines[so.ID][0].QuantityShipped.IsZero())
	require.Equal(t, salesorders.StatusInPreparation, repo.salesOrders[so.ID].Status)
}

func TestCancelDraftFreesCommitment(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics())
	so := seedSalesOrder(repo, salesorders.StatusApproved, "10")

	dl, err := svc.Create(context.Background(), 7, createReq(so, "7"))
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), 7, dl.ID, "re-planned")
	require.NoError(t, err)
	require.Empty(t, repo.movements)

	// The cancelled draft no longer counts against the order line.
	_, err = svc.Create(context.Background(), 7, createReq(so, "10"))
	require.NoError(t, err)
}

func TestUpdateLockedDelivery(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics())
	so := seedSalesOrder(repo, salesorders.StatusApproved, "10")

	dl, err := svc.Create(context.Background(), 7, createReq(so, "4"))
	require.NoError(t, err)
	_, err = svc.Ship(context.Background(), 9, dl.ID)
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), 7, dl.ID, UpdateRequest{
		Lines: []CreateLineRequest{{SalesOrderLineID: so.Lines[0].ID, Quantity: "2"}},
	})
	require.ErrorIs(t, err, ErrLocked)

	notes := "fragile"
	updated, err := svc.Update(context.Background(), 7, dl.ID, UpdateRequest{Notes: &notes})
	require.NoError(t, err)
	require.NotNil(t, updated.Notes)
	require.Equal(t, notes, *updated.Notes)
}

func TestUpdateDraftExcludesOwnLines(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics())
	so := seedSalesOrder(repo, salesorders.StatusApproved, "10")

	dl, err := svc.Create(context.Background(), 7, createReq(so, "7"))
	require.NoError(t, err)

	// Rewriting to the full quantity works because the draft's own 7 is
	// left out of the committed sum.
	updated, err := svc.Update(context.Background(), 7, dl.ID, UpdateRequest{
		Lines: []CreateLineRequest{{SalesOrderLineID: so.Lines[0].ID, Quantity: "10"}},
	})
	require.NoError(t, err)
	require.Len(t, updated.Lines, 1)
	require.True(t, updated.Lines[0].Quantity.Equal(d("10")))
}

func TestMarkDelivered(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics())
	so := seedSalesOrder(repo, salesorders.StatusApproved, "10")

	dl, err := svc.Create(context.Background(), 7, createReq(so, "4"))
	require.NoError(t, err)

	_, err = svc.MarkDelivered(context.Background(), 9, dl.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.Ship(context.Background(), 9, dl.ID)
	require.NoError(t, err)

	delivered, err := svc.MarkDelivered(context.Background(), 9, dl.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, delivered.Status)
	require.NotNil(t, delivered.DeliveredAt)
}

func TestConcurrentCreatesBoundJointQuantity(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeMetrics())
	so := seedSalesOrder(repo, salesorders.StatusApproved, "10")

	// Two deliveries of 6 each would jointly overshoot the ordered 10.
	// The lock on the parent order serializes them, so exactly one wins.
	var g errgroup.Group
	results := make([]error, 2)
	for i := range results {
		g.Go(func() error {
			_, results[i] = svc.Create(context.Background(), 7, createReq(so, "6"))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var succeeded, rejected int
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		_, ok := recon.AsExceeds(err)
		require.True(t, ok)
		rejected++
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, rejected)

	committed := decimal.Zero
	for _, lines := range repo.lines {
		for _, l := range lines {
			committed = committed.Add(l.Quantity)
		}
	}
	require.True(t, committed.Equal(d("6")))
}
