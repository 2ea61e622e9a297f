package ledger

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	movements []StockMovement
	nextID    int64
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	staged := &fakeTx{repo: f}
	if err := fn(ctx, staged); err != nil {
		return err
	}
	f.movements = append(f.movements, staged.inserted...)
	return nil
}

func (f *fakeRepo) matches(m StockMovement, q StockQuery) bool {
	if m.ProductID != q.ProductID {
		return false
	}
	if q.VariantID != nil {
		if m.VariantID == nil || *m.VariantID != *q.VariantID {
			return false
		}
	} else if m.VariantID != nil {
		return false
	}
	if q.WarehouseID != nil {
		return m.WarehouseID != nil && *m.WarehouseID == *q.WarehouseID
	}
	if q.ShopID != nil {
		return m.ShopID != nil && *m.ShopID == *q.ShopID
	}
	return true
}

func (f *fakeRepo) CurrentStock(_ context.Context, q StockQuery) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, m := range f.movements {
		if f.matches(m, q) {
			sum = sum.Add(m.Quantity)
		}
	}
	return sum, nil
}

func (f *fakeRepo) ListMovements(_ context.Context, filter MovementFilter) ([]StockMovement, error) {
	var out []StockMovement
	for _, m := range f.movements {
		if m.ProductID == filter.ProductID {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeTx struct {
	repo     *fakeRepo
	inserted []StockMovement
}

func (t *fakeTx) InsertMovement(_ context.Context, m StockMovement) (int64, error) {
	t.repo.nextID++
	m.ID = t.repo.nextID
	t.inserted = append(t.inserted, m)
	return m.ID, nil
}

func (t *fakeTx) CurrentStock(ctx context.Context, q StockQuery) (decimal.Decimal, error) {
	sum, _ := t.repo.CurrentStock(ctx, q)
	for _, m := range t.inserted {
		if t.repo.matches(m, q) {
			sum = sum.Add(m.Quantity)
		}
	}
	return sum, nil
}

type fakeCatalog struct {
	products map[int64]bool
	variants map[int64]int64
}

func (f *fakeCatalog) ProductExists(_ context.Context, id int64) (bool, error) {
	return f.products[id], nil
}

func (f *fakeCatalog) VariantProduct(_ context.Context, variantID int64) (int64, error) {
	return f.variants[variantID], nil
}

type fakeLocations struct {
	warehouses map[int64]bool
	shops      map[int64]bool
}

func (f *fakeLocations) WarehouseExists(_ context.Context, id int64) (bool, error) {
	return f.warehouses[id], nil
}

func (f *fakeLocations) ShopExists(_ context.Context, id int64) (bool, error) {
	return f.shops[id], nil
}

type fakeIdentity struct {
	users map[int64]bool
}

func (f *fakeIdentity) UserExists(_ context.Context, id int64) (bool, error) {
	return f.users[id], nil
}

func newTestService(repo *fakeRepo, allowNeg bool) *Service {
	return NewService(
		repo,
		&fakeCatalog{products: map[int64]bool{1: true}, variants: map[int64]int64{11: 1}},
		&fakeLocations{warehouses: map[int64]bool{5: true}, shops: map[int64]bool{7: true}},
		&fakeIdentity{users: map[int64]bool{9: true}},
		nil, nil, nil,
		ServiceConfig{AllowNegativeStock: allowNeg},
		slog.Default(),
	)
}

func TestAppendDerivesStockFromMovements(t *testing.T) {
	repo := &fakeRepo{}
	svc := newTestService(repo, false)
	ctx := context.Background()

	receive := func(qty int64) {
		_, err := svc.Append(ctx, MovementInput{
			ProductID:   1,
			WarehouseID: i64(5),
			Type:        MovementTypePurchaseReception,
			Quantity:    decimal.NewFromInt(qty),
			CreatedBy:   9,
		})
		require.NoError(t, err)
	}
	receive(10)
	receive(5)

	_, err := svc.Append(ctx, MovementInput{
		ProductID:   1,
		WarehouseID: i64(5),
		Type:        MovementTypeSaleDelivery,
		Quantity:    decimal.NewFromInt(4),
		CreatedBy:   9,
	})
	require.NoError(t, err)

	stock, err := svc.CurrentStock(ctx, StockQuery{ProductID: 1, WarehouseID: i64(5)})
	require.NoError(t, err)
	require.True(t, stock.Equal(decimal.NewFromInt(11)), "got %s", stock)
}

func TestAppendRejectsNegativeStock(t *testing.T) {
	repo := &fakeRepo{}
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.Append(ctx, MovementInput{
		ProductID:   1,
		WarehouseID: i64(5),
		Type:        MovementTypeSaleDelivery,
		Quantity:    decimal.NewFromInt(1),
		CreatedBy:   9,
	})
	require.ErrorIs(t, err, ErrNegativeStock)
	require.Empty(t, repo.movements)
}

func TestAppendAllowsNegativeStockWhenConfigured(t *testing.T) {
	repo := &fakeRepo{}
	svc := newTestService(repo, true)

	_, err := svc.Append(context.Background(), MovementInput{
		ProductID:   1,
		WarehouseID: i64(5),
		Type:        MovementTypeSaleDelivery,
		Quantity:    decimal.NewFromInt(3),
		CreatedBy:   9,
	})
	require.NoError(t, err)
	require.Len(t, repo.movements, 1)
}

func TestPostManualAdjustmentRejectsNonManualTypes(t *testing.T) {
	svc := newTestService(&fakeRepo{}, true)

	_, err := svc.PostManualAdjustment(context.Background(), ManualAdjustmentInput{
		ProductID:   1,
		WarehouseID: i64(5),
		Type:        MovementTypeSaleDelivery,
		Quantity:    decimal.NewFromInt(1),
		ActorID:     9,
	})
	require.ErrorIs(t, err, ErrManualTypeOnly)
}

func TestPostManualAdjustmentTagsRefModule(t *testing.T) {
	repo := &fakeRepo{}
	svc := newTestService(repo, true)

	m, err := svc.PostManualAdjustment(context.Background(), ManualAdjustmentInput{
		ProductID:   1,
		WarehouseID: i64(5),
		Type:        MovementTypeManualEntryOut,
		Quantity:    decimal.NewFromInt(2),
		ActorID:     9,
	})
	require.NoError(t, err)
	require.NotNil(t, m.RefModule)
	require.Equal(t, RefModuleManual, *m.RefModule)
	require.NotEmpty(t, m.Code)
}

func TestAppendRejectsUnknownReferences(t *testing.T) {
	svc := newTestService(&fakeRepo{}, true)
	ctx := context.Background()

	_, err := svc.Append(ctx, MovementInput{
		ProductID:   99,
		WarehouseID: i64(5),
		Type:        MovementTypeAdjustmentIn,
		Quantity:    decimal.NewFromInt(1),
		CreatedBy:   9,
	})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Append(ctx, MovementInput{
		ProductID:   1,
		VariantID:   i64(42),
		WarehouseID: i64(5),
		Type:        MovementTypeAdjustmentIn,
		Quantity:    decimal.NewFromInt(1),
		CreatedBy:   9,
	})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Append(ctx, MovementInput{
		ProductID:   1,
		WarehouseID: i64(5),
		Type:        MovementTypeAdjustmentIn,
		Quantity:    decimal.NewFromInt(1),
		CreatedBy:   404,
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCurrentStockScopesByLocationAndVariant(t *testing.T) {
	repo := &fakeRepo{}
	svc := newTestService(repo, true)
	ctx := context.Background()

	post := func(variantID, warehouseID, shopID *int64, mt MovementType, qty int64) {
		_, err := svc.Append(ctx, MovementInput{
			ProductID:   1,
			VariantID:   variantID,
			WarehouseID: warehouseID,
			ShopID:      shopID,
			Type:        mt,
			Quantity:    decimal.NewFromInt(qty),
			CreatedBy:   9,
			MovedAt:     time.Now().UTC(),
		})
		require.NoError(t, err)
	}
	post(nil, i64(5), nil, MovementTypePurchaseReception, 10)
	post(nil, nil, i64(7), MovementTypePurchaseReception, 3)
	post(i64(11), i64(5), nil, MovementTypePurchaseReception, 2)

	warehouse, err := svc.CurrentStock(ctx, StockQuery{ProductID: 1, WarehouseID: i64(5)})
	require.NoError(t, err)
	require.True(t, warehouse.Equal(decimal.NewFromInt(10)))

	shop, err := svc.CurrentStock(ctx, StockQuery{ProductID: 1, ShopID: i64(7)})
	require.NoError(t, err)
	require.True(t, shop.Equal(decimal.NewFromInt(3)))

	variant, err := svc.CurrentStock(ctx, StockQuery{ProductID: 1, VariantID: i64(11), WarehouseID: i64(5)})
	require.NoError(t, err)
	require.True(t, variant.Equal(decimal.NewFromInt(2)))
}
