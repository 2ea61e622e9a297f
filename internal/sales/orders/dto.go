package orders

import "time"

// CreateRequest is the payload for creating a sales order.
type CreateRequest struct {
	CustomerID    int64               `json:"customer_id" validate:"required,gt=0"`
	WarehouseID   *int64              `json:"warehouse_id,omitempty" validate:"omitempty,gt=0"`
	ShopID        *int64              `json:"shop_id,omitempty" validate:"omitempty,gt=0"`
	OrderDate     time.Time           `json:"order_date" validate:"required"`
	ShippingCost  string              `json:"shipping_cost,omitempty"`
	Notes         *string             `json:"notes,omitempty" validate:"omitempty,max=2000"`
	AttachmentURL *string             `json:"attachment_url,omitempty" validate:"omitempty,url,max=500"`
	Lines         []CreateLineRequest `json:"lines" validate:"required,min=1,dive"`
}

// CreateLineRequest is one line of a create or update payload.
type CreateLineRequest struct {
	ProductID       int64   `json:"product_id" validate:"required,gt=0"`
	VariantID       *int64  `json:"variant_id,omitempty" validate:"omitempty,gt=0"`
	Quantity        string  `json:"quantity" validate:"required"`
	UnitPrice       string  `json:"unit_price" validate:"required"`
	DiscountPercent string  `json:"discount_percent,omitempty"`
	VATRate         string  `json:"vat_rate,omitempty"`
	Notes           *string `json:"notes,omitempty" validate:"omitempty,max=1000"`
}

// UpdateRequest carries a partial update. Nil fields are left untouched.
type UpdateRequest struct {
	CustomerID    *int64              `json:"customer_id,omitempty" validate:"omitempty,gt=0"`
	WarehouseID   *int64              `json:"warehouse_id,omitempty" validate:"omitempty,gt=0"`
	ShopID        *int64              `json:"shop_id,omitempty" validate:"omitempty,gt=0"`
	OrderDate     *time.Time          `json:"order_date,omitempty"`
	ShippingCost  *string             `json:"shipping_cost,omitempty"`
	Notes         *string             `json:"notes,omitempty" validate:"omitempty,max=2000"`
	AttachmentURL *string             `json:"attachment_url,omitempty" validate:"omitempty,url,max=500"`
	Lines         []CreateLineRequest `json:"lines,omitempty" validate:"omitempty,min=1,dive"`
}

// onlyUnlockedFields reports whether the update touches nothing beyond the
// fields editable on a locked document.
func (r UpdateRequest) onlyUnlockedFields() bool {
	return r.CustomerID == nil && r.WarehouseID == nil && r.ShopID == nil &&
		r.OrderDate == nil && r.ShippingCost == nil && r.Lines == nil
}

// CancelRequest carries the reason for cancelling an order.
type CancelRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

// ListRequest is the filter set for listing sales orders.
type ListRequest struct {
	CustomerID int64  `json:"customer_id,omitempty"`
	Status     string `json:"status,omitempty" validate:"omitempty,oneof=DRAFT APPROVED IN_PREPARATION PARTIALLY_SHIPPED FULLY_SHIPPED COMPLETED CANCELLED"`
	DateFrom   string `json:"date_from,omitempty"`
	DateTo     string `json:"date_to,omitempty"`
	Search     string `json:"search,omitempty"`
	Limit      int    `json:"limit,omitempty" validate:"omitempty,min=1,max=200"`
	Offset     int    `json:"offset,omitempty" validate:"omitempty,min=0"`
}

// ListResponse is a page of sales orders.
type ListResponse struct {
	Orders []WithDetails `json:"orders"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}
