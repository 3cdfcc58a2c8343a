package transform

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SourceOrder is an order as the Source platform emits it in webhooks and
// as the replica reader assembles it. Field names follow the Source schema.
type SourceOrder struct {
	ID              Value        `json:"ID"`
	AccountNumber   Value        `json:"ACCOUNT_NUMBER"`
	StatusID        Value        `json:"STATUS_ID"`
	Version         Value        `json:"VERSION"`
	Price           Value        `json:"PRICE"`
	PriceDelivery   Value        `json:"PRICE_DELIVERY"`
	DiscountValue   Value        `json:"DISCOUNT_VALUE"`
	Currency        Value        `json:"CURRENCY"`
	UserID          Value        `json:"USER_ID"`
	Payed           Value        `json:"PAYED"`
	Canceled        Value        `json:"CANCELED"`
	PaySystemID     Value        `json:"PAY_SYSTEM_ID"`
	ResponsibleID   Value        `json:"RESPONSIBLE_ID"`
	DateInsert      Value        `json:"DATE_INSERT"`
	DateUpdate      Value        `json:"DATE_UPDATE"`
	DeliveryDate    Value        `json:"DELIVERY_DATE"`
	UserDescription Value        `json:"USER_DESCRIPTION"`
	Comments        Value        `json:"COMMENTS"`
	Properties      Properties   `json:"PROPERTIES"`
	Basket          []SourceItem `json:"BASKET,omitempty"`
	Items           []SourceItem `json:"items,omitempty"`
}

// LineItems returns the basket, whichever key the payload used.
func (o SourceOrder) LineItems() []SourceItem {
	if len(o.Basket) > 0 {
		return o.Basket
	}
	return o.Items
}

// SourceItem is one basket row.
type SourceItem struct {
	ID            Value `json:"ID"`
	ProductID     Value `json:"PRODUCT_ID"`
	ProductXMLID  Value `json:"PRODUCT_XML_ID"`
	Name          Value `json:"NAME"`
	Quantity      Value `json:"QUANTITY"`
	Price         Value `json:"PRICE"`
	DiscountPrice Value `json:"DISCOUNT_PRICE"`
	Currency      Value `json:"CURRENCY"`
}

// ItemSnapshot freezes the descriptive fields of an item at sale time.
type ItemSnapshot struct {
	Name           string          `json:"name"`
	Currency       string          `json:"currency"`
	OriginalPrice  decimal.Decimal `json:"original_price"`
	DiscountPrice  decimal.Decimal `json:"discount_price"`
	SourceBasketID *int64          `json:"source_basket_id,omitempty"`
	ProductXMLID   string          `json:"product_xml_id,omitempty"`
}

// TargetItem is a line item in Target shape.
type TargetItem struct {
	SourceProductID *int64
	Quantity        int64
	UnitPrice       decimal.Decimal
	Total           decimal.Decimal
	Snapshot        ItemSnapshot
}

// TargetOrder is an order in Target shape.
type TargetOrder struct {
	SourceID        int64
	OrderNumber     string
	Status          string
	SourceStatus    string
	Subtotal        decimal.Decimal
	DeliveryFee     decimal.Decimal
	DiscountAmount  decimal.Decimal
	TotalAmount     decimal.Decimal
	Currency        string
	PaymentStatus   string
	PaymentMethod   string
	Source          string
	SourceUserID    *int64
	RecipientName   string
	RecipientPhone  string
	RecipientEmail  string
	DeliveryAddress string
	CityName        string
	SourceCityID    *int64
	DeliveryDate    *time.Time
	DeliveryDateRaw string
	DeliveryTime    string
	Comment         string
	CourierComment  string
	PostcardText    string
	Pickup          bool
	Metadata        map[string]any
	Items           []TargetItem
	SourceCreatedAt *time.Time
	SourceUpdatedAt *time.Time
	UpdatedAt       time.Time
}

// Patch lists the Target fields touched by a partial Source update. Nil
// pointers leave the stored value unchanged.
type Patch struct {
	SourceID        int64
	Status          *string
	SourceStatus    *string
	TotalAmount     *decimal.Decimal
	DeliveryFee     *decimal.Decimal
	DiscountAmount  *decimal.Decimal
	PaymentStatus   *string
	PaymentMethod   *string
	Comment         *string
	CourierComment  *string
	RecipientName   *string
	RecipientPhone  *string
	RecipientEmail  *string
	DeliveryAddress *string
	CityName        *string
	SourceCityID    *int64
	DeliveryDate    *time.Time
	DeliveryDateRaw *string
	DeliveryTime    *string
	PostcardText    *string
	SourceUpdatedAt *time.Time
	Metadata        map[string]any
	Items           []TargetItem
	ReplaceItems    bool
}

// Empty reports whether the patch touches nothing.
func (p Patch) Empty() bool {
	return p.Status == nil && p.TotalAmount == nil && p.DeliveryFee == nil && p.DiscountAmount == nil &&
		p.PaymentStatus == nil && p.PaymentMethod == nil && p.Comment == nil && p.CourierComment == nil &&
		p.RecipientName == nil && p.RecipientPhone == nil && p.RecipientEmail == nil &&
		p.DeliveryAddress == nil && p.CityName == nil && p.SourceCityID == nil && p.DeliveryDate == nil &&
		p.DeliveryDateRaw == nil && p.DeliveryTime == nil && p.PostcardText == nil &&
		p.SourceUpdatedAt == nil && len(p.Metadata) == 0 && !p.ReplaceItems
}

// SourcePayload is the status update pushed back to the Source.
type SourcePayload struct {
	ID             int64
	StatusID       string
	StatusChanged  time.Time
	OrderTopic     string
	Price          string
	PriceDelivery  string
	DiscountValue  string
	Currency       string
	Comment        string
	CourierComment string
	DeliveryDate   string
}

// Config configures a Transformer.
type Config struct {
	// Location interprets Source timestamps without an offset.
	Location *time.Location
	Clock    func() time.Time
}

// Transformer maps records between the Source and Target shapes. It holds no
// mutable state; the clock only stamps update times.
type Transformer struct {
	location *time.Location
	clock    func() time.Time
}

// New constructs a Transformer.
func New(cfg Config) Transformer {
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return Transformer{location: location, clock: clock}
}

func (t Transformer) now() time.Time {
	if t.clock == nil {
		return time.Now()
	}
	return t.clock()
}

func (t Transformer) zone() *time.Location {
	if t.location == nil {
		return time.UTC
	}
	return t.location
}

// SourceID parses the Source identifier of order.
func SourceID(order SourceOrder) (int64, error) {
	if order.ID.IsEmpty() {
		return 0, &Error{Kind: KindValidation, Field: "ID", Err: ErrMissingIdentifier}
	}
	id, err := strconv.ParseInt(cleanText(order.ID.String()), 10, 64)
	if err != nil || id <= 0 {
		return 0, &Error{Kind: KindValidation, Field: "ID", Err: ErrInvalidIdentifier}
	}
	return id, nil
}

// ToTarget converts a complete Source order. Only a missing or invalid
// identifier fails the record; every other field heals per its rule and is
// reported in the returned adjustments.
func (t Transformer) ToTarget(order SourceOrder) (TargetOrder, []Adjustment, error) {
	id, err := SourceID(order)
	if err != nil {
		return TargetOrder{}, nil, err
	}
	writer := &fieldWriter{}

	accountNumber := cleanText(order.AccountNumber.String())
	if accountNumber == "" {
		accountNumber = strconv.FormatInt(id, 10)
	}
	sourceStatus := cleanText(order.StatusID.String())
	if sourceStatus == "" {
		sourceStatus = DefaultSourceStatus
	}
	status, known := TargetStatus(sourceStatus)
	if !known {
		writer.note(Adjustment{Field: "status", Kind: AdjustDefaulted, Detail: sourceStatus})
	}
	currency := cleanText(order.Currency.String())
	if currency == "" {
		currency = DefaultCurrency
	}

	result := TargetOrder{
		SourceID:        id,
		OrderNumber:     writer.text("order_number", accountNumber, LimitOrderNumber),
		Status:          writer.text("status", status, LimitStatus),
		SourceStatus:    sourceStatus,
		TotalAmount:     writer.amount("total_amount", order.Price),
		DeliveryFee:     writer.amount("delivery_fee", order.PriceDelivery),
		DiscountAmount:  writer.amount("discount_amount", order.DiscountValue),
		Currency:        currency,
		PaymentStatus:   writer.text("payment_status", PaymentStatus(isFlagSet(order.Payed.String())), LimitPaymentStatus),
		Source:          writer.text("source", SourceSystem, LimitSource),
		Comment:         writer.text("comment", order.UserDescription.String(), LimitComment),
		CourierComment:  writer.text("courier_comment", order.Comments.String(), LimitCourierComment),
		SourceCreatedAt: writer.date("created_at", order.DateInsert, t.zone()),
		SourceUpdatedAt: writer.date("updated_at", order.DateUpdate, t.zone()),
		UpdatedAt:       t.now().UTC(),
	}
	if !order.PaySystemID.IsEmpty() {
		result.PaymentMethod = writer.text("payment_method", PaymentMethod(order.PaySystemID.String()), LimitPaymentMethod)
	}
	if !order.UserID.IsEmpty() {
		result.SourceUserID = parseOptionalID(writer, "source_user_id", order.UserID.String())
	}
	if date := writer.date("delivery_date", order.DeliveryDate, t.zone()); date != nil {
		day := truncateToDay(*date)
		result.DeliveryDate = &day
	}

	props := t.extractProperties(writer, order.Properties)
	props.applyTo(&result)

	result.Items = t.items(writer, order.LineItems())
	result.Subtotal = subtotal(result.Items, result.TotalAmount)

	result.Metadata = map[string]any{
		"source_id":     strconv.FormatInt(id, 10),
		"source_status": sourceStatus,
		"currency":      currency,
		"pickup_order":  result.Pickup,
	}
	if unmapped := order.Properties.Unmapped(); len(unmapped) > 0 {
		result.Metadata["properties"] = stringMap(unmapped)
	}
	if !order.ResponsibleID.IsEmpty() {
		result.Metadata["source_responsible_id"] = cleanText(order.ResponsibleID.String())
	}

	return result, writer.adjustments, nil
}

// PartialUpdate converts a Source update into a Patch touching only the
// fields present in the payload.
func (t Transformer) PartialUpdate(order SourceOrder) (Patch, []Adjustment, error) {
	id, err := SourceID(order)
	if err != nil {
		return Patch{}, nil, err
	}
	writer := &fieldWriter{}
	patch := Patch{SourceID: id, Metadata: map[string]any{}}
	now := t.now().UTC()

	if order.StatusID.Present() && !order.StatusID.IsEmpty() {
		sourceStatus := cleanText(order.StatusID.String())
		status, known := TargetStatus(sourceStatus)
		if !known {
			writer.note(Adjustment{Field: "status", Kind: AdjustDefaulted, Detail: sourceStatus})
		}
		status = writer.text("status", status, LimitStatus)
		patch.Status = &status
		patch.SourceStatus = &sourceStatus
		patch.Metadata["source_status"] = sourceStatus
		patch.Metadata["last_status_change"] = map[string]any{
			"source_status": sourceStatus,
			"target_status": status,
			"timestamp":     now.Format(time.RFC3339),
		}
	}
	if order.Price.Present() {
		if amount, ok := ParseAmount(order.Price.String()); ok {
			patch.TotalAmount = &amount
		} else {
			writer.note(Adjustment{Field: "total_amount", Kind: AdjustDropped, Detail: order.Price.String()})
		}
	}
	if order.PriceDelivery.Present() {
		if amount, ok := ParseAmount(order.PriceDelivery.String()); ok {
			patch.DeliveryFee = &amount
		}
	}
	if order.DiscountValue.Present() {
		if amount, ok := ParseAmount(order.DiscountValue.String()); ok {
			patch.DiscountAmount = &amount
		}
	}
	if order.Payed.Present() {
		paymentStatus := writer.text("payment_status", PaymentStatus(isFlagSet(order.Payed.String())), LimitPaymentStatus)
		patch.PaymentStatus = &paymentStatus
	}
	if order.PaySystemID.Present() && !order.PaySystemID.IsEmpty() {
		method := writer.text("payment_method", PaymentMethod(order.PaySystemID.String()), LimitPaymentMethod)
		patch.PaymentMethod = &method
	}
	if order.UserDescription.Present() {
		comment := writer.text("comment", order.UserDescription.String(), LimitComment)
		patch.Comment = &comment
	}
	if order.Comments.Present() {
		courierComment := writer.text("courier_comment", order.Comments.String(), LimitCourierComment)
		patch.CourierComment = &courierComment
	}
	if order.DateUpdate.Present() {
		patch.SourceUpdatedAt = writer.date("updated_at", order.DateUpdate, t.zone())
	}
	if order.ResponsibleID.Present() && !order.ResponsibleID.IsEmpty() {
		patch.Metadata["source_responsible_id"] = cleanText(order.ResponsibleID.String())
	}
	if order.Properties.Present() {
		props := t.extractProperties(writer, order.Properties)
		props.applyToPatch(&patch)
		if unmapped := order.Properties.Unmapped(); len(unmapped) > 0 {
			patch.Metadata["properties"] = stringMap(unmapped)
		}
	}
	if items := order.LineItems(); len(items) > 0 {
		patch.Items = t.items(writer, items)
		patch.ReplaceItems = true
	}

	return patch, writer.adjustments, nil
}

// ToSource converts a Target order into the status payload pushed back to
// the Source. Orders never mirrored from the Source fail validation.
func (t Transformer) ToSource(order TargetOrder) (SourcePayload, []Adjustment, error) {
	if order.SourceID <= 0 {
		return SourcePayload{}, nil, &Error{Kind: KindValidation, Field: "source_id", Err: ErrMissingIdentifier}
	}
	var adjustments []Adjustment
	code, known := SourceStatus(order.Status)
	if !known {
		adjustments = append(adjustments, Adjustment{Field: "STATUS_ID", Kind: AdjustDefaulted, Detail: order.Status})
	}
	changed := order.UpdatedAt
	if changed.IsZero() {
		changed = t.now()
	}
	currency := order.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	payload := SourcePayload{
		ID:             order.SourceID,
		StatusID:       code,
		StatusChanged:  changed.In(t.zone()),
		OrderTopic:     order.OrderNumber,
		Price:          order.TotalAmount.StringFixed(2),
		PriceDelivery:  order.DeliveryFee.StringFixed(2),
		DiscountValue:  order.DiscountAmount.StringFixed(2),
		Currency:       currency,
		Comment:        order.Comment,
		CourierComment: order.CourierComment,
	}
	if order.DeliveryDate != nil {
		payload.DeliveryDate = order.DeliveryDate.Format("02.01.2006")
	}
	return payload, adjustments, nil
}

// SourceTimestamp formats t the way the Source stores timestamps.
func SourceTimestamp(t time.Time) string {
	return t.Format("02.01.2006 15:04:05")
}

func (t Transformer) items(writer *fieldWriter, items []SourceItem) []TargetItem {
	if len(items) == 0 {
		return nil
	}
	out := make([]TargetItem, 0, len(items))
	for index, item := range items {
		field := "items[" + strconv.Itoa(index) + "]"
		quantity, ok := ParseAmount(item.Quantity.String())
		if item.Quantity.IsEmpty() {
			quantity, ok = decimal.NewFromInt(1), true
		}
		if !ok || quantity.IntPart() <= 0 {
			writer.note(Adjustment{Field: field + ".quantity", Kind: AdjustDropped, Detail: item.Quantity.String()})
			continue
		}
		price := writer.amount(field+".price", item.Price)
		discount := writer.amount(field+".discount_price", item.DiscountPrice)
		unit := price
		if discount.IsPositive() && discount.LessThanOrEqual(price) {
			unit = price.Sub(discount)
		}
		count := quantity.IntPart()
		currency := cleanText(item.Currency.String())
		if currency == "" {
			currency = DefaultCurrency
		}
		snapshot := ItemSnapshot{
			Name:          writer.text(field+".name", item.Name.String(), LimitProperty),
			Currency:      currency,
			OriginalPrice: price,
			DiscountPrice: discount,
			ProductXMLID:  cleanText(item.ProductXMLID.String()),
		}
		if !item.ID.IsEmpty() {
			snapshot.SourceBasketID = parseOptionalID(writer, field+".id", item.ID.String())
		}
		target := TargetItem{
			Quantity:  count,
			UnitPrice: unit,
			Total:     unit.Mul(decimal.NewFromInt(count)),
			Snapshot:  snapshot,
		}
		if !item.ProductID.IsEmpty() {
			target.SourceProductID = parseOptionalID(writer, field+".product_id", item.ProductID.String())
		}
		out = append(out, target)
	}
	return out
}

func subtotal(items []TargetItem, total decimal.Decimal) decimal.Decimal {
	if len(items) == 0 {
		return total
	}
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.Total)
	}
	return sum
}

func parseOptionalID(writer *fieldWriter, field, value string) *int64 {
	parsed, err := strconv.ParseInt(cleanText(value), 10, 64)
	if err != nil || parsed <= 0 {
		writer.note(Adjustment{Field: field, Kind: AdjustDropped, Detail: value})
		return nil
	}
	return &parsed
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func stringMap(values map[string]string) map[string]any {
	out := make(map[string]any, len(values))
	for key, value := range values {
		out[key] = value
	}
	return out
}

// propertyValues holds the Target fields derived from a property bag.
type propertyValues struct {
	recipientName   *string
	recipientPhone  *string
	recipientEmail  *string
	deliveryAddress *string
	cityName        *string
	cityID          *int64
	deliveryDate    *time.Time
	deliveryDateRaw *string
	deliveryTime    *string
	postcardText    *string
	pickup          bool
	// pickupFlagged is set when the bag carried the pickup flag at all.
	pickupFlagged bool
}

func (t Transformer) extractProperties(writer *fieldWriter, bag Properties) propertyValues {
	var values propertyValues
	for _, entry := range bag.Entries() {
		field := "properties." + entry.Code
		switch entry.Field {
		case PropertyRecipientName:
			values.recipientName = stringPtr(writer.text(field, entry.Value, LimitRecipientName))
		case PropertyRecipientPhone:
			values.recipientPhone = stringPtr(writer.phone(field, entry.Value))
		case PropertyRecipientEmail:
			values.recipientEmail = stringPtr(writer.text(field, entry.Value, LimitProperty))
		case PropertyDeliveryAddress:
			values.deliveryAddress = stringPtr(writer.text(field, entry.Value, LimitProperty))
		case PropertyCityName:
			values.cityName = stringPtr(writer.text(field, entry.Value, LimitProperty))
		case PropertyCityID:
			values.cityID = parseOptionalID(writer, field, entry.Value)
		case PropertyDeliveryTime:
			values.deliveryTime = stringPtr(writer.text(field, entry.Value, LimitProperty))
		case PropertyDeliveryDate:
			if isoDate.MatchString(entry.Value) {
				if parsed, ok := ParseDate(entry.Value, time.UTC); ok {
					values.deliveryDate = &parsed
					continue
				}
			}
			values.deliveryDateRaw = stringPtr(writer.text(field, entry.Value, LimitRawProperty))
		case PropertyPostcardText:
			values.postcardText = stringPtr(writer.text(field, entry.Value, LimitPostcardText))
		case PropertyPickupFlag:
			values.pickupFlagged = true
			if isFlagSet(entry.Value) {
				values.pickup = true
			}
		}
	}
	if values.pickup {
		values.deliveryAddress = stringPtr(PickupAddress)
	}
	return values
}

func (v propertyValues) applyTo(order *TargetOrder) {
	order.RecipientName = deref(v.recipientName)
	order.RecipientPhone = deref(v.recipientPhone)
	order.RecipientEmail = deref(v.recipientEmail)
	order.DeliveryAddress = deref(v.deliveryAddress)
	order.CityName = deref(v.cityName)
	order.SourceCityID = v.cityID
	if v.deliveryDate != nil {
		order.DeliveryDate = v.deliveryDate
	}
	order.DeliveryDateRaw = deref(v.deliveryDateRaw)
	order.DeliveryTime = deref(v.deliveryTime)
	order.PostcardText = deref(v.postcardText)
	order.Pickup = v.pickup
	if v.pickup && strings.TrimSpace(order.RecipientName) == "" {
		order.RecipientName = PickupRecipient
	}
}

func (v propertyValues) applyToPatch(patch *Patch) {
	patch.RecipientName = v.recipientName
	patch.RecipientPhone = v.recipientPhone
	patch.RecipientEmail = v.recipientEmail
	patch.DeliveryAddress = v.deliveryAddress
	patch.CityName = v.cityName
	patch.SourceCityID = v.cityID
	patch.DeliveryDate = v.deliveryDate
	patch.DeliveryDateRaw = v.deliveryDateRaw
	patch.DeliveryTime = v.deliveryTime
	patch.PostcardText = v.postcardText
	if v.pickupFlagged {
		patch.Metadata["pickup_order"] = v.pickup
	}
}

func stringPtr(value string) *string {
	return &value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
