package orders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	salesshared "github.com/meridian-erp/meridian-erp/internal/sales/shared"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// CustomerPort abstracts customer existence checks.
type CustomerPort interface {
	CustomerExists(ctx context.Context, id int64) (bool, error)
}

// CatalogPort abstracts product and variant checks.
type CatalogPort interface {
	ProductExists(ctx context.Context, id int64) (bool, error)
	VariantProduct(ctx context.Context, variantID int64) (int64, error)
}

// LocationPort abstracts dispatch location checks.
type LocationPort interface {
	WarehouseExists(ctx context.Context, id int64) (bool, error)
	ShopExists(ctx context.Context, id int64) (bool, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort abstracts domain metric counters.
type MetricsPort interface {
	MovementPosted(movementType string)
}

// Service coordinates sales order operations.
type Service struct {
	repo      Repository
	customers CustomerPort
	catalog   CatalogPort
	locations LocationPort
	audit     AuditPort
	metrics   MetricsPort
	logger    *slog.Logger
}

// NewService builds Service.
func NewService(repo Repository, customers CustomerPort, catalog CatalogPort, locations LocationPort, audit AuditPort, metrics MetricsPort, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		customers: customers,
		catalog:   catalog,
		locations: locations,
		audit:     audit,
		metrics:   metrics,
		logger:    logger,
	}
}

// parsedLine is a validated line ready for persistence.
type parsedLine struct {
	Line
	tax decimal.Decimal
}

// Create validates the request and persists a draft order with its lines.
func (s *Service) Create(ctx context.Context, actorID int64, req CreateRequest) (*SalesOrder, error) {
	if (req.WarehouseID == nil) == (req.ShopID == nil) {
		return nil, ErrLocationExclusive
	}
	if err := s.checkReferences(ctx, req.CustomerID, req.WarehouseID, req.ShopID); err != nil {
		return nil, err
	}

	shipping, err := parseAmount(req.ShippingCost, "shipping_cost")
	if err != nil {
		return nil, err
	}
	lines, subtotal, tax, total, err := s.buildLines(ctx, req.Lines, shipping)
	if err != nil {
		return nil, err
	}

	order := &SalesOrder{
		CustomerID:    req.CustomerID,
		WarehouseID:   req.WarehouseID,
		ShopID:        req.ShopID,
		OrderDate:     req.OrderDate,
		Status:        StatusDraft,
		Subtotal:      subtotal,
		TaxAmount:     tax,
		ShippingCost:  shipping,
		TotalAmount:   total,
		Notes:         req.Notes,
		AttachmentURL: req.AttachmentURL,
		CreatedBy:     actorID,
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order.DocNumber, err = tx.NextDocNumber(ctx, order.OrderDate)
		if err != nil {
			return err
		}
		order.ID, err = tx.Insert(ctx, order)
		if err != nil {
			return err
		}
		for i := range lines {
			lines[i].SalesOrderID = order.ID
			lines[i].ID, err = tx.InsertLine(ctx, &lines[i].Line)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actorID, "sales_order:create", order.ID, map[string]any{"doc_number": order.DocNumber})
	return s.repo.Get(ctx, order.ID)
}

// Get loads an order with lines.
func (s *Service) Get(ctx context.Context, id int64) (*SalesOrder, error) {
	return s.repo.Get(ctx, id)
}

// List returns a filtered page of orders.
func (s *Service) List(ctx context.Context, req ListRequest) (*ListResponse, error) {
	results, total, err := s.repo.List(ctx, req)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return &ListResponse{Orders: results, Total: total, Limit: limit, Offset: req.Offset}, nil
}

// Update applies a partial update. Locked orders accept only notes and the
// attachment URL; any other field in the request rejects the whole update.
// Structural fields (customer, location, date, shipping, lines) require draft.
func (s *Service) Update(ctx context.Context, actorID int64, id int64, req UpdateRequest) (*SalesOrder, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if order.Status.IsLocked() && !req.onlyUnlockedFields() {
			return ErrLocked
		}
		if !req.onlyUnlockedFields() && order.Status != StatusDraft {
			return ErrNotDraft
		}

		updates := map[string]interface{}{}
		if req.Notes != nil {
			updates["notes"] = *req.Notes
		}
		if req.AttachmentURL != nil {
			updates["attachment_url"] = *req.AttachmentURL
		}

		if order.Status == StatusDraft {
			if err := s.applyStructural(ctx, order, req, updates); err != nil {
				return err
			}
			if req.Lines != nil || req.ShippingCost != nil {
				if err := s.rewriteLines(ctx, tx, order, req, updates); err != nil {
					return err
				}
			}
		}

		return tx.Update(ctx, id, updates)
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actorID, "sales_order:update", id, nil)
	return s.repo.Get(ctx, id)
}

// Approve moves a draft order to APPROVED and writes one outbound
// reservation movement per line at the dispatch location.
func (s *Service) Approve(ctx context.Context, actorID int64, id int64) (*SalesOrder, error) {
	return s.reserveTransition(ctx, actorID, id, StatusApproved, "sales_order:approve")
}

// StartPreparation moves the order to IN_PREPARATION. Orders approved first
// are already reserved; a draft jumping straight here reserves now.
func (s *Service) StartPreparation(ctx context.Context, actorID int64, id int64) (*SalesOrder, error) {
	return s.reserveTransition(ctx, actorID, id, StatusInPreparation, "sales_order:prepare")
}

func (s *Service) reserveTransition(ctx context.Context, actorID int64, id int64, target Status, action string) (*SalesOrder, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !order.Status.CanTransitionTo(target) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, order.Status, target)
		}
		lines, err := tx.LinesForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return ErrNoLines
		}

		// Reservation happens once, on leaving draft.
		if order.Status == StatusDraft {
			if err := s.writeMovements(ctx, tx, order, lines, ledger.MovementTypeSaleDelivery, actorID, nil); err != nil {
				return err
			}
		}

		extra := map[string]interface{}{}
		if target == StatusApproved {
			extra["approved_by"] = actorID
			extra["approved_at"] = time.Now().UTC()
		}
		return tx.UpdateStatus(ctx, id, target, extra)
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actorID, action, id, nil)
	return s.repo.Get(ctx, id)
}

// Cancel terminates the order. Reserved orders get one offsetting inbound
// movement per line so the ledger nets back to the pre-approval level. Orders
// with live deliveries must have those cancelled first.
func (s *Service) Cancel(ctx context.Context, actorID int64, id int64, reason string) (*SalesOrder, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !order.Status.CanTransitionTo(StatusCancelled) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, order.Status, StatusCancelled)
		}
		open, err := tx.OpenDeliveryCount(ctx, id)
		if err != nil {
			return err
		}
		if open > 0 {
			return ErrHasOpenDeliveries
		}

		if order.Status.Reserved() {
			lines, err := tx.LinesForUpdate(ctx, id)
			if err != nil {
				return err
			}
			note := fmt.Sprintf("reservation reversal for %s", order.DocNumber)
			if err := s.writeMovements(ctx, tx, order, lines, ledger.MovementTypeCustomerReturn, actorID, &note); err != nil {
				return err
			}
		}

		return tx.UpdateStatus(ctx, id, StatusCancelled, map[string]interface{}{
			"cancelled_by":        actorID,
			"cancelled_at":        time.Now().UTC(),
			"cancellation_reason": reason,
		})
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actorID, "sales_order:cancel", id, map[string]any{"reason": reason})
	return s.repo.Get(ctx, id)
}

// Complete closes a fully shipped order.
func (s *Service) Complete(ctx context.Context, actorID int64, id int64) (*SalesOrder, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !order.Status.CanTransitionTo(StatusCompleted) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, order.Status, StatusCompleted)
		}
		return tx.UpdateStatus(ctx, id, StatusCompleted, nil)
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actorID, "sales_order:complete", id, nil)
	return s.repo.Get(ctx, id)
}

// writeMovements stages one ledger entry per line in the order's current
// transaction. The movement type decides the direction; quantities are the
// ordered amounts.
func (s *Service) writeMovements(ctx context.Context, tx TxRepository, order *SalesOrder, lines []Line, movementType ledger.MovementType, actorID int64, notes *string) error {
	refModule := ledger.RefModuleSalesOrder
	for _, line := range lines {
		movement, err := ledger.NewMovement(ledger.MovementInput{
			ProductID:   line.ProductID,
			VariantID:   line.VariantID,
			WarehouseID: order.WarehouseID,
			ShopID:      order.ShopID,
			Type:        movementType,
			Quantity:    line.Quantity,
			CreatedBy:   actorID,
			RefModule:   &refModule,
			RefID:       &order.ID,
			Notes:       notes,
		})
		if err != nil {
			return err
		}
		movement.Code = ledger.NewMovementCode()
		if _, err := tx.InsertMovement(ctx, *movement); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.MovementPosted(string(movementType))
		}
	}
	return nil
}

func (s *Service) applyStructural(ctx context.Context, order *SalesOrder, req UpdateRequest, updates map[string]interface{}) error {
	warehouseID := order.WarehouseID
	shopID := order.ShopID
	if req.WarehouseID != nil {
		warehouseID = req.WarehouseID
		shopID = nil
	}
	if req.ShopID != nil {
		shopID = req.ShopID
		if req.WarehouseID == nil {
			warehouseID = nil
		}
	}
	if (warehouseID == nil) == (shopID == nil) {
		return ErrLocationExclusive
	}

	customerID := order.CustomerID
	if req.CustomerID != nil {
		customerID = *req.CustomerID
	}
	if err := s.checkReferences(ctx, customerID, warehouseID, shopID); err != nil {
		return err
	}

	if req.CustomerID != nil {
		updates["customer_id"] = *req.CustomerID
	}
	if req.WarehouseID != nil || req.ShopID != nil {
		updates["warehouse_id"] = warehouseID
		updates["shop_id"] = shopID
	}
	if req.OrderDate != nil {
		updates["order_date"] = *req.OrderDate
	}
	return nil
}

// rewriteLines replaces the draft's lines (when given) and recomputes the
// header totals from the lines now on the order.
func (s *Service) rewriteLines(ctx context.Context, tx TxRepository, order *SalesOrder, req UpdateRequest, updates map[string]interface{}) error {
	shipping := order.ShippingCost
	if req.ShippingCost != nil {
		parsed, err := parseAmount(*req.ShippingCost, "shipping_cost")
		if err != nil {
			return err
		}
		shipping = parsed
	}

	var lines []parsedLine
	if req.Lines != nil {
		built, subtotal, tax, total, err := s.buildLines(ctx, req.Lines, shipping)
		if err != nil {
			return err
		}
		if err := tx.DeleteLines(ctx, order.ID); err != nil {
			return err
		}
		for i := range built {
			built[i].SalesOrderID = order.ID
			if _, err := tx.InsertLine(ctx, &built[i].Line); err != nil {
				return err
			}
		}
		updates["subtotal"] = subtotal
		updates["tax_amount"] = tax
		updates["total_amount"] = total
		updates["shipping_cost"] = shipping
		return nil
	}

	// Shipping changed but lines kept: re-sum existing lines.
	existing, err := tx.LinesForUpdate(ctx, order.ID)
	if err != nil {
		return err
	}
	for _, l := range existing {
		lines = append(lines, parsedLine{Line: l, tax: salesshared.LineTax(l.LineTotal, l.VATRate)})
	}
	subtotal, tax, total := totalsOf(lines, shipping)
	updates["subtotal"] = subtotal
	updates["tax_amount"] = tax
	updates["total_amount"] = total
	updates["shipping_cost"] = shipping
	return nil
}

// buildLines parses and validates request lines and computes totals.
func (s *Service) buildLines(ctx context.Context, reqs []CreateLineRequest, shipping decimal.Decimal) ([]parsedLine, decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	var lines []parsedLine
	for i, lr := range reqs {
		if err := s.checkLineRefs(ctx, lr); err != nil {
			return nil, decimal.Zero, decimal.Zero, decimal.Zero, err
		}
		qty, err := decimal.NewFromString(lr.Quantity)
		if err != nil || !qty.IsPositive() {
			return nil, decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("%w: line %d: quantity must be a positive number", ErrBadAmount, i+1)
		}
		price, err := decimal.NewFromString(lr.UnitPrice)
		if err != nil || price.IsNegative() {
			return nil, decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("%w: line %d: unit price must be a non-negative number", ErrBadAmount, i+1)
		}
		discount, err := parseAmount(lr.DiscountPercent, "discount_percent")
		if err != nil || discount.IsNegative() || discount.GreaterThan(decimal.NewFromInt(100)) {
			return nil, decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("%w: line %d: discount must be between 0 and 100", ErrBadAmount, i+1)
		}
		vat, err := parseAmount(lr.VATRate, "vat_rate")
		if err != nil || vat.IsNegative() {
			return nil, decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("%w: line %d: vat rate must be non-negative", ErrBadAmount, i+1)
		}

		lineTotal := salesshared.LineTotal(qty, price, discount)
		lines = append(lines, parsedLine{
			Line: Line{
				ProductID:       lr.ProductID,
				VariantID:       lr.VariantID,
				Quantity:        qty,
				UnitPrice:       price,
				DiscountPercent: discount,
				VATRate:         vat,
				LineTotal:       lineTotal,
				Notes:           lr.Notes,
				LineOrder:       i + 1,
			},
			tax: salesshared.LineTax(lineTotal, vat),
		})
	}
	subtotal, tax, total := totalsOf(lines, shipping)
	return lines, subtotal, tax, total, nil
}

func totalsOf(lines []parsedLine, shipping decimal.Decimal) (decimal.Decimal, decimal.Decimal, decimal.Decimal) {
	lineTotals := make([]decimal.Decimal, len(lines))
	lineTaxes := make([]decimal.Decimal, len(lines))
	for i, l := range lines {
		lineTotals[i] = l.LineTotal
		lineTaxes[i] = l.tax
	}
	return salesshared.HeaderTotals(lineTotals, lineTaxes, shipping)
}

func (s *Service) checkReferences(ctx context.Context, customerID int64, warehouseID, shopID *int64) error {
	ok, err := s.customers.CustomerExists(ctx, customerID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrCustomerNotFound, customerID)
	}
	if warehouseID != nil {
		ok, err := s.locations.WarehouseExists(ctx, *warehouseID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: warehouse %d", ErrNotFound, *warehouseID)
		}
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

func (s *Service) checkLineRefs(ctx context.Context, lr CreateLineRequest) error {
	ok, err := s.catalog.ProductExists(ctx, lr.ProductID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrProductNotFound, lr.ProductID)
	}
	if lr.VariantID != nil {
		productID, err := s.catalog.VariantProduct(ctx, *lr.VariantID)
		if err != nil {
			return err
		}
		if productID == 0 {
			return fmt.Errorf("%w: variant %d", ErrProductNotFound, *lr.VariantID)
		}
		if productID != lr.ProductID {
			return ErrVariantMismatch
		}
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "sales_order",
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}

// parseAmount parses an optional decimal string, empty meaning zero.
func parseAmount(raw, field string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrBadAmount, field)
	}
	return d, nil
}
