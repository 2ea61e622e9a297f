package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// CatalogPort abstracts product and variant existence checks.
type CatalogPort interface {
	ProductExists(ctx context.Context, id int64) (bool, error)
	// VariantProduct returns the owning product id for a variant, or 0 when
	// the variant does not exist.
	VariantProduct(ctx context.Context, variantID int64) (int64, error)
}

// LocationPort abstracts warehouse and shop existence checks.
type LocationPort interface {
	WarehouseExists(ctx context.Context, id int64) (bool, error)
	ShopExists(ctx context.Context, id int64) (bool, error)
}

// IdentityPort abstracts acting-user existence checks.
type IdentityPort interface {
	UserExists(ctx context.Context, id int64) (bool, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort abstracts domain metric counters.
type MetricsPort interface {
	MovementPosted(movementType string)
}

// Service coordinates ledger operations. It is the movement factory: every
// stock-affecting event in the system goes through NewMovement plus one of
// the insert paths here or the document modules' transactions.
type Service struct {
	repo        Repository
	catalog     CatalogPort
	locations   LocationPort
	identity    IdentityPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	metrics     MetricsPort
	allowNeg    bool
	logger      *slog.Logger
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeStock bool
}

// NewService builds Service.
func NewService(repo Repository, catalog CatalogPort, locations LocationPort, identity IdentityPort, audit AuditPort, idem *shared.IdempotencyStore, metrics MetricsPort, cfg ServiceConfig, logger *slog.Logger) *Service {
	return &Service{
		repo:        repo,
		catalog:     catalog,
		locations:   locations,
		identity:    identity,
		audit:       audit,
		idempotency: idem,
		metrics:     metrics,
		allowNeg:    cfg.AllowNegativeStock,
		logger:      logger,
	}
}

// ManualAdjustmentInput is the manual IN/OUT entry point request.
type ManualAdjustmentInput struct {
	ProductID   int64
	VariantID   *int64
	WarehouseID *int64
	ShopID      *int64
	Type        MovementType
	Quantity    decimal.Decimal
	UnitCost    *decimal.Decimal
	ActorID     int64
	Notes       *string
	// IdempotencyKey mirrors the Idempotency-Key request header.
	IdempotencyKey string
}

// PostManualAdjustment validates and appends a manual stock adjustment. Only
// the two manual movement types are accepted at this entry point.
func (s *Service) PostManualAdjustment(ctx context.Context, input ManualAdjustmentInput) (*StockMovement, error) {
	if !input.Type.IsManual() {
		return nil, ErrManualTypeOnly
	}
	refModule := RefModuleManual
	return s.Append(ctx, MovementInput{
		ProductID:      input.ProductID,
		VariantID:      input.VariantID,
		WarehouseID:    input.WarehouseID,
		ShopID:         input.ShopID,
		Type:           input.Type,
		Quantity:       input.Quantity,
		UnitCost:       input.UnitCost,
		CreatedBy:      input.ActorID,
		RefModule:      &refModule,
		Notes:          input.Notes,
		IdempotencyKey: input.IdempotencyKey,
	})
}

// Append validates a movement request against the catalog, location and
// identity collaborators and persists it in its own transaction. Callers that
// already hold a transaction construct the movement with NewMovement and
// insert through their TxRepository instead.
func (s *Service) Append(ctx context.Context, input MovementInput) (*StockMovement, error) {
	movement, err := NewMovement(input)
	if err != nil {
		return nil, err
	}
	if err := s.checkReferences(ctx, movement); err != nil {
		return nil, err
	}

	movement.Code = NewMovementCode()

	key := input.IdempotencyKey
	insertedKey := false
	if s.idempotency != nil && key != "" {
		if err := s.idempotency.CheckAndInsert(ctx, key, "ledger"); err != nil {
			return nil, err
		}
		insertedKey = true
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if movement.Quantity.IsNegative() && !s.allowNeg {
			current, err := tx.CurrentStock(ctx, StockQuery{
				ProductID:   movement.ProductID,
				VariantID:   movement.VariantID,
				WarehouseID: movement.WarehouseID,
				ShopID:      movement.ShopID,
			})
			if err != nil {
				return err
			}
			if current.Add(movement.Quantity).IsNegative() {
				return ErrNegativeStock
			}
		}
		id, err := tx.InsertMovement(ctx, *movement)
		if err != nil {
			return err
		}
		movement.ID = id
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.MovementPosted(string(movement.Type))
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  movement.CreatedBy,
			Action:   fmt.Sprintf("ledger:%s", movement.Type),
			Entity:   "stock_movement",
			EntityID: movement.Code,
			Meta: map[string]any{
				"product_id": movement.ProductID,
				"quantity":   movement.Quantity.String(),
			},
		})
	}
	return movement, nil
}

// CurrentStock derives the stock level for one product/variant/location. The
// product and location must exist even when no movements do.
func (s *Service) CurrentStock(ctx context.Context, q StockQuery) (decimal.Decimal, error) {
	if (q.WarehouseID == nil) == (q.ShopID == nil) {
		return decimal.Zero, ErrLocationExclusive
	}
	ok, err := s.catalog.ProductExists(ctx, q.ProductID)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: product %d", ErrNotFound, q.ProductID)
	}
	if q.VariantID != nil {
		productID, err := s.catalog.VariantProduct(ctx, *q.VariantID)
		if err != nil {
			return decimal.Zero, err
		}
		if productID == 0 {
			return decimal.Zero, fmt.Errorf("%w: variant %d", ErrNotFound, *q.VariantID)
		}
		if productID != q.ProductID {
			return decimal.Zero, ErrVariantMismatch
		}
	}
	if err := s.checkLocation(ctx, q.WarehouseID, q.ShopID); err != nil {
		return decimal.Zero, err
	}
	return s.repo.CurrentStock(ctx, q)
}

// ListMovements returns ledger history matching the filter.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]StockMovement, error) {
	if filter.ProductID == 0 {
		return nil, ErrMissingReference
	}
	return s.repo.ListMovements(ctx, filter)
}

func (s *Service) checkReferences(ctx context.Context, m *StockMovement) error {
	ok, err := s.catalog.ProductExists(ctx, m.ProductID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: product %d", ErrNotFound, m.ProductID)
	}
	if m.VariantID != nil {
		productID, err := s.catalog.VariantProduct(ctx, *m.VariantID)
		if err != nil {
			return err
		}
		if productID == 0 {
			return fmt.Errorf("%w: variant %d", ErrNotFound, *m.VariantID)
		}
		if productID != m.ProductID {
			return ErrVariantMismatch
		}
	}
	if err := s.checkLocation(ctx, m.WarehouseID, m.ShopID); err != nil {
		return err
	}
	ok, err = s.identity.UserExists(ctx, m.CreatedBy)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user %d", ErrNotFound, m.CreatedBy)
	}
	return nil
}

func (s *Service) checkLocation(ctx context.Context, warehouseID, shopID *int64) error {
	if warehouseID != nil {
		ok, err := s.locations.WarehouseExists(ctx, *warehouseID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: warehouse %d", ErrNotFound, *warehouseID)
		}
		return nil
	}
	if shopID != nil {
		ok, err := s.locations.ShopExists(ctx, *shopID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: shop %d", ErrNotFound, *shopID)
		}
	}
	return nil
}
