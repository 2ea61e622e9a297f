package orders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/recon"
	salesorders "github.com/meridian-erp/meridian-erp/internal/sales/orders"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort abstracts domain metric counters.
type MetricsPort interface {
	MovementPosted(movementType string)
	ReconciliationRejected(document string)
}

// Service coordinates delivery order operations.
type Service struct {
	repo    Repository
	audit   AuditPort
	metrics MetricsPort
	logger  *slog.Logger
}

// NewService builds Service.
func NewService(repo Repository, audit AuditPort, metrics MetricsPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: audit, metrics: metrics, logger: logger}
}

// shippable statuses of the upstream order.
func orderShippable(s salesorders.Status) bool {
	switch s {
	case salesorders.StatusApproved, salesorders.StatusInPreparation, salesorders.StatusPartiallyShipped:
		return true
	default:
		return false
	}
}

// Create validates the request against the upstream order under row locks
// and persists a draft delivery. Every requested quantity must fit within
// the order line's remaining quantity net of other live deliveries.
func (s *Service) Create(ctx context.Context, actorID int64, req CreateRequest) (*DeliveryOrder, error) {
	delivery := &DeliveryOrder{
		SalesOrderID:  req.SalesOrderID,
		DeliveryDate:  req.DeliveryDate,
		Status:        StatusDraft,
		Notes:         req.Notes,
		AttachmentURL: req.AttachmentURL,
		CreatedBy:     actorID,
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		so, err := tx.LockSalesOrder(ctx, req.SalesOrderID)
		if err != nil {
			return err
		}
		if !orderShippable(so.Status) {
			return fmt.Errorf("%w: status %s", ErrSalesOrderNotOpen, so.Status)
		}
		delivery.WarehouseID = so.WarehouseID
		delivery.ShopID = so.ShopID

		lines, err := s.buildLines(ctx, tx, so, req.Lines, 0)
		if err != nil {
			return err
		}

		delivery.DocNumber, err = tx.NextDocNumber(ctx, delivery.DeliveryDate)
		if err != nil {
			return err
		}
		delivery.ID, err = tx.Insert(ctx, delivery)
		if err != nil {
			return err
		}
		for i := range lines {
			lines[i].DeliveryOrderID = delivery.ID
			if _, err := tx.InsertLine(ctx, &lines[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actorID, "delivery:create", delivery.ID, map[string]any{"doc_number": delivery.DocNumber})
	return s.repo.Get(ctx, delivery.ID)
}

// Get loads a delivery with lines.
func (s *Service) Get(ctx context.Context, id int64) (*DeliveryOrder, error) {
	return s.repo.Get(ctx, id)
}

// List returns a filtered page of deliveries.
func (s *Service) List(ctx context.Context, req ListRequest) (*ListResponse, error) {
	results, total, err := s.repo.List(ctx, req)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return &ListResponse{Deliveries: results, Total: total, Limit: limit, Offset: req.Offset}, nil
}

// Update applies a partial update. Anything past draft accepts only notes
// and the attachment URL; other fields reject the whole update. Line changes
// re-run the reconciliation check.
func (s *Service) Update(ctx context.Context, actorID int64, id int64, req UpdateRequest) (*DeliveryOrder, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		delivery, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if delivery.Status.IsLocked() && !req.onlyUnlockedFields() {
			return ErrLocked
		}

		updates := map[string]interface{}{}
		if req.Notes != nil {
			updates["notes"] = *req.Notes
		}
		if req.AttachmentURL != nil {
			updates["attachment_url"] = *req.AttachmentURL
		}
		if delivery.Status == StatusDraft {
			if req.DeliveryDate != nil {
				updates["delivery_date"] = *req.DeliveryDate
			}
			if req.Lines != nil {
				so, err := tx.LockSalesOrder(ctx, delivery.SalesOrderID)
				if err != nil {
					return err
				}
				lines, err := s.buildLines(ctx, tx, so, req.Lines, delivery.ID)
				if err != nil {
					return err
				}
				if err := tx.DeleteLines(ctx, delivery.ID); err != nil {
					return err
				}
				for i := range lines {
					lines[i].DeliveryOrderID = delivery.ID
					if _, err := tx.InsertLine(ctx, &lines[i]); err != nil {
						return err
					}
				}
			}
		}
		return tx.Update(ctx, id, updates)
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actorID, "delivery:update", id, nil)
	return s.repo.Get(ctx, id)
}

// Ship moves the delivery to SHIPPED. In one transaction it writes one
// outbound ledger entry per line, re-derives the upstream order lines'
// quantity_shipped and moves the order's aggregate status.
func (s *Service) Ship(ctx context.Context, actorID int64, id int64) (*DeliveryOrder, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		delivery, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !delivery.Status.CanTransitionTo(StatusShipped) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, delivery.Status, StatusShipped)
		}
		lines, err := tx.LinesForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return ErrNoLines
		}
		so, err := tx.LockSalesOrder(ctx, delivery.SalesOrderID)
		if err != nil {
			return err
		}

		if err := s.writeMovements(ctx, tx, delivery, lines, ledger.MovementTypeSaleDelivery, actorID, nil); err != nil {
			return err
		}

		now := time.Now().UTC()
		err = tx.UpdateStatus(ctx, id, StatusShipped, map[string]interface{}{
			"shipped_by": actorID,
			"shipped_at": now,
		})
		if err != nil {
			return err
		}
		return s.syncSalesOrder(ctx, tx, so, lines)
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actorID, "delivery:ship", id, nil)
	return s.repo.Get(ctx, id)
}

// MarkDelivered confirms receipt of a shipped delivery.
func (s *Service) MarkDelivered(ctx context.Context, actorID int64, id int64) (*DeliveryOrder, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		delivery, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !delivery.Status.CanTransitionTo(StatusDelivered) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, delivery.Status, StatusDelivered)
		}
		return tx.UpdateStatus(ctx, id, StatusDelivered, map[string]interface{}{
			"delivered_at": time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actorID, "delivery:delivered", id, nil)
	return s.repo.Get(ctx, id)
}

// Cancel terminates the delivery. A shipped delivery gets one offsetting
// inbound entry per line and the upstream accumulators are re-derived; a
// draft frees its commitments by the status change alone.
func (s *Service) Cancel(ctx context.Context, actorID int64, id int64, reason string) (*DeliveryOrder, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		delivery, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !delivery.Status.CanTransitionTo(StatusCancelled) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, delivery.Status, StatusCancelled)
		}

		wasShipped := delivery.Status == StatusShipped
		var lines []Line
		var so *salesorders.SalesOrder
		if wasShipped {
			lines, err = tx.LinesForUpdate(ctx, id)
			if err != nil {
				return err
			}
			so, err = tx.LockSalesOrder(ctx, delivery.SalesOrderID)
			if err != nil {
				return err
			}
			note := fmt.Sprintf("shipment reversal for %s", delivery.DocNumber)
			if err := s.writeMovements(ctx, tx, delivery, lines, ledger.MovementTypeCustomerReturn, actorID, &note); err != nil {
				return err
			}
		}

		err = tx.UpdateStatus(ctx, id, StatusCancelled, map[string]interface{}{
			"cancelled_by":        actorID,
			"cancelled_at":        time.Now().UTC(),
			"cancellation_reason": reason,
		})
		if err != nil {
			return err
		}
		if wasShipped {
			return s.syncSalesOrder(ctx, tx, so, lines)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actorID, "delivery:cancel", id, map[string]any{"reason": reason})
	return s.repo.Get(ctx, id)
}

// buildLines parses and reconciliation-checks request lines against the
// locked order. excludeDeliveryID leaves the delivery's own existing lines
// out of the committed sums during a rewrite.
func (s *Service) buildLines(ctx context.Context, tx TxRepository, so *salesorders.SalesOrder, reqs []CreateLineRequest, excludeDeliveryID int64) ([]Line, error) {
	soLines, err := tx.LockSalesOrderLines(ctx, so.ID)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]salesorders.Line, len(soLines))
	for _, l := range soLines {
		byID[l.ID] = l
	}
	committed, err := tx.CommittedQuantities(ctx, so.ID, excludeDeliveryID)
	if err != nil {
		return nil, err
	}

	// Requests may split one order line across request lines; track the
	// running commitment so the bound holds across the whole document.
	pending := make(map[int64]decimal.Decimal)

	var lines []Line
	for i, lr := range reqs {
		soLine, ok := byID[lr.SalesOrderLineID]
		if !ok {
			return nil, fmt.Errorf("%w: line %d", ErrSalesOrderLineAbsent, lr.SalesOrderLineID)
		}
		qty, err := decimal.NewFromString(lr.Quantity)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d", ErrBadQuantity, i+1)
		}

		already := committed[soLine.ID].Add(pending[soLine.ID])
		if err := recon.CheckCommit(recon.EffectShipped, soLine.ID, soLine.Quantity, already, qty); err != nil {
			if _, exceeded := recon.AsExceeds(err); exceeded && s.metrics != nil {
				s.metrics.ReconciliationRejected("delivery_order")
			}
			return nil, err
		}
		pending[soLine.ID] = pending[soLine.ID].Add(qty)

		lines = append(lines, Line{
			SalesOrderLineID: soLine.ID,
			ProductID:        soLine.ProductID,
			VariantID:        soLine.VariantID,
			Quantity:         qty,
			Notes:            lr.Notes,
			LineOrder:        i + 1,
		})
	}
	return lines, nil
}

// writeMovements stages one ledger entry per line at the delivery's location.
func (s *Service) writeMovements(ctx context.Context, tx TxRepository, delivery *DeliveryOrder, lines []Line, movementType ledger.MovementType, actorID int64, notes *string) error {
	refModule := ledger.RefModuleDelivery
	for _, line := range lines {
		movement, err := ledger.NewMovement(ledger.MovementInput{
			ProductID:   line.ProductID,
			VariantID:   line.VariantID,
			WarehouseID: delivery.WarehouseID,
			ShopID:      delivery.ShopID,
			Type:        movementType,
			Quantity:    line.Quantity,
			CreatedBy:   actorID,
			RefModule:   &refModule,
			RefID:       &delivery.ID,
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

// syncSalesOrder re-derives the affected lines' quantity_shipped and moves
// the order's aggregate status to match. When every shipment against the
// order has been reversed the order drops back to IN_PREPARATION.
func (s *Service) syncSalesOrder(ctx context.Context, tx TxRepository, so *salesorders.SalesOrder, lines []Line) error {
	lineIDs := make([]int64, 0, len(lines))
	for _, l := range lines {
		lineIDs = append(lineIDs, l.SalesOrderLineID)
	}
	if err := tx.RecomputeShipped(ctx, lineIDs); err != nil {
		return err
	}

	fresh, err := tx.LockSalesOrderLines(ctx, so.ID)
	if err != nil {
		return err
	}
	status := salesorders.ShippingStatusFor(so.Status, fresh)
	if status == so.Status &&
		(so.Status == salesorders.StatusPartiallyShipped || so.Status == salesorders.StatusFullyShipped) {
		anyShipped := false
		for _, l := range fresh {
			if l.QuantityShipped.IsPositive() {
				anyShipped = true
				break
			}
		}
		if !anyShipped {
			status = salesorders.StatusInPreparation
		}
	}
	if status != so.Status {
		return tx.UpdateSalesOrderStatus(ctx, so.ID, status)
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
		Entity:   "delivery_order",
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}
