package orders

import "time"

// CreateRequest is the payload for creating a delivery order.
type CreateRequest struct {
	SalesOrderID  int64               `json:"sales_order_id" validate:"required,gt=0"`
	DeliveryDate  time.Time           `json:"delivery_date" validate:"required"`
	Notes         *string             `json:"notes,omitempty" validate:"omitempty,max=2000"`
	AttachmentURL *string             `json:"attachment_url,omitempty" validate:"omitempty,url,max=500"`
	Lines         []CreateLineRequest `json:"lines" validate:"required,min=1,dive"`
}

// CreateLineRequest ships a quantity against one sales order line.
type CreateLineRequest struct {
	SalesOrderLineID int64   `json:"sales_order_line_id" validate:"required,gt=0"`
	Quantity         string  `json:"quantity" validate:"required"`
	Notes            *string `json:"notes,omitempty" validate:"omitempty,max=1000"`
}

// UpdateRequest carries a partial update. Nil fields are left untouched.
type UpdateRequest struct {
	DeliveryDate  *time.Time          `json:"delivery_date,omitempty"`
	Notes         *string             `json:"notes,omitempty" validate:"omitempty,max=2000"`
	AttachmentURL *string             `json:"attachment_url,omitempty" validate:"omitempty,url,max=500"`
	Lines         []CreateLineRequest `json:"lines,omitempty" validate:"omitempty,min=1,dive"`
}

func (r UpdateRequest) onlyUnlockedFields() bool {
	return r.DeliveryDate == nil && r.Lines == nil
}

// CancelRequest carries the reason for cancelling a delivery.
type CancelRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

// ListRequest is the filter set for listing deliveries.
type ListRequest struct {
	SalesOrderID int64  `json:"sales_order_id,omitempty"`
	Status       string `json:"status,omitempty" validate:"omitempty,oneof=DRAFT SHIPPED DELIVERED CANCELLED"`
	DateFrom     string `json:"date_from,omitempty"`
	DateTo       string `json:"date_to,omitempty"`
	Limit        int    `json:"limit,omitempty" validate:"omitempty,min=1,max=200"`
	Offset       int    `json:"offset,omitempty" validate:"omitempty,min=0"`
}

// ListResponse is a page of deliveries.
type ListResponse struct {
	Deliveries []WithDetails `json:"deliveries"`
	Total      int64         `json:"total"`
	Limit      int           `json:"limit"`
	Offset     int           `json:"offset"`
}
