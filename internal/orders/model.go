package orders

import (
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/transform"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Order is the Target record backing the operational UI.
type Order struct {
	ID              string            `gorm:"column:id;primaryKey;size:36;not null"`
	SourceID        *int64            `gorm:"column:source_order_id;uniqueIndex:idx_orders_source_id"`
	OrderNumber     string            `gorm:"column:order_number;size:20;not null;default:''"`
	Status          string            `gorm:"column:status;size:50;not null;index:idx_orders_status"`
	Subtotal        decimal.Decimal   `gorm:"column:subtotal;type:numeric(12,2);not null;default:0"`
	DeliveryFee     decimal.Decimal   `gorm:"column:delivery_fee;type:numeric(12,2);not null;default:0"`
	DiscountAmount  decimal.Decimal   `gorm:"column:discount_amount;type:numeric(12,2);not null;default:0"`
	TotalAmount     decimal.Decimal   `gorm:"column:total_amount;type:numeric(12,2);not null;default:0"`
	PaymentStatus   string            `gorm:"column:payment_status;size:50;not null;default:''"`
	PaymentMethod   string            `gorm:"column:payment_method;size:50;not null;default:''"`
	Source          string            `gorm:"column:source;size:50;not null;default:''"`
	SourceUserID    *int64            `gorm:"column:source_user_id"`
	RecipientName   string            `gorm:"column:recipient_name;size:255;not null;default:''"`
	RecipientPhone  string            `gorm:"column:recipient_phone;size:20;not null;default:''"`
	RecipientEmail  string            `gorm:"column:recipient_email;size:255;not null;default:''"`
	DeliveryAddress string            `gorm:"column:delivery_address;size:255;not null;default:''"`
	CityName        string            `gorm:"column:city_name;size:255;not null;default:''"`
	SourceCityID    *int64            `gorm:"column:source_city_id"`
	DeliveryDate    *time.Time        `gorm:"column:delivery_date"`
	DeliveryDateRaw string            `gorm:"column:delivery_date_raw;size:50;not null;default:''"`
	DeliveryTime    string            `gorm:"column:delivery_time;size:255;not null;default:''"`
	Comment         string            `gorm:"column:comment;size:500;not null;default:''"`
	CourierComment  string            `gorm:"column:courier_comment;size:500;not null;default:''"`
	PostcardText    string            `gorm:"column:postcard_text;size:500;not null;default:''"`
	Metadata        datatypes.JSONMap `gorm:"column:metadata"`
	CreatedAt       time.Time         `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt       time.Time         `gorm:"column:updated_at;not null;autoUpdateTime:false;index:idx_orders_updated"`
	// SourceUpdatedAt is DATE_UPDATE as last reported by the Source.
	SourceUpdatedAt *time.Time `gorm:"column:source_updated_at"`
	// SourceSyncedAt is the updated_at value last known to match the Source.
	SourceSyncedAt *time.Time  `gorm:"column:source_synced_at"`
	Items          []OrderItem `gorm:"foreignKey:OrderID;references:ID"`
}

// TableName provides the explicit table binding for GORM.
func (Order) TableName() string {
	return "orders"
}

// OrderItem is a line item owned by exactly one order. Its snapshot is
// written once and never updated.
type OrderItem struct {
	ID              string                                     `gorm:"column:id;primaryKey;size:36;not null"`
	OrderID         string                                     `gorm:"column:order_id;size:36;not null;index:idx_order_items_order"`
	SourceProductID *int64                                     `gorm:"column:source_product_id"`
	Quantity        int64                                      `gorm:"column:quantity;not null"`
	UnitPrice       decimal.Decimal                            `gorm:"column:unit_price;type:numeric(12,2);not null;default:0"`
	Total           decimal.Decimal                            `gorm:"column:total;type:numeric(12,2);not null;default:0"`
	Snapshot        datatypes.JSONType[transform.ItemSnapshot] `gorm:"column:product_snapshot"`
	CreatedAt       time.Time                                  `gorm:"column:created_at;not null;autoCreateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (OrderItem) TableName() string {
	return "order_items"
}

// HasSourceID reports whether the order is linked to a Source record.
func (o Order) HasSourceID() bool {
	return o.SourceID != nil && *o.SourceID > 0
}

// PendingReverseSync reports whether the order changed after its last
// known agreement with the Source.
func (o Order) PendingReverseSync() bool {
	if !o.HasSourceID() {
		return false
	}
	return o.SourceSyncedAt == nil || o.UpdatedAt.After(*o.SourceSyncedAt)
}

// Target converts the stored order into the transformer's Target shape.
func (o Order) Target() transform.TargetOrder {
	target := transform.TargetOrder{
		OrderNumber:     o.OrderNumber,
		Status:          o.Status,
		Subtotal:        o.Subtotal,
		DeliveryFee:     o.DeliveryFee,
		DiscountAmount:  o.DiscountAmount,
		TotalAmount:     o.TotalAmount,
		PaymentStatus:   o.PaymentStatus,
		PaymentMethod:   o.PaymentMethod,
		Source:          o.Source,
		SourceUserID:    o.SourceUserID,
		RecipientName:   o.RecipientName,
		RecipientPhone:  o.RecipientPhone,
		RecipientEmail:  o.RecipientEmail,
		DeliveryAddress: o.DeliveryAddress,
		CityName:        o.CityName,
		SourceCityID:    o.SourceCityID,
		DeliveryDate:    o.DeliveryDate,
		DeliveryDateRaw: o.DeliveryDateRaw,
		DeliveryTime:    o.DeliveryTime,
		Comment:         o.Comment,
		CourierComment:  o.CourierComment,
		PostcardText:    o.PostcardText,
		Metadata:        map[string]any(o.Metadata),
		SourceUpdatedAt: o.SourceUpdatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	if o.SourceID != nil {
		target.SourceID = *o.SourceID
	}
	if currency, ok := o.Metadata["currency"].(string); ok {
		target.Currency = currency
	}
	if sourceStatus, ok := o.Metadata["source_status"].(string); ok {
		target.SourceStatus = sourceStatus
	}
	if pickup, ok := o.Metadata["pickup_order"].(bool); ok {
		target.Pickup = pickup
	}
	return target
}

func sumItems(items []transform.TargetItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Total)
	}
	return total
}
