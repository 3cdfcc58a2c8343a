package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/transform"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingIdentity   = errors.New("order requires a source or target identifier")
	errInvalidRange      = errors.New("range start must not exceed range end")
	// ErrOrderNotFound indicates that no Target order matched the lookup.
	ErrOrderNotFound = errors.New("orders: order not found")
	noOpLogger       = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew       = "orders.store.new"
	opFindBySourceID = "orders.find_by_source_id"
	opCreate         = "orders.create"
	opApplyPatch     = "orders.apply_patch"
	opUpdateStatus   = "orders.update_status"
	opListChanged    = "orders.list_changed_since"
	opMarkSynced     = "orders.mark_source_synced"
	opSourceIDsRange = "orders.source_ids_in_range"
	opCount          = "orders.count"
	opPing           = "orders.ping"
	defaultListLimit = 50
	maximumListLimit = 1000
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store persists Target orders.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// FindBySourceID loads the order linked to a Source identifier, items
// included. It returns ErrOrderNotFound when no order is linked.
func (s *Store) FindBySourceID(ctx context.Context, sourceID int64) (Order, error) {
	var order Order
	err := s.db.WithContext(ctx).
		Preload("Items").
		Where("source_order_id = ?", sourceID).
		Take(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		s.logError(opFindBySourceID, "query_failed", err, zap.Int64("source_id", sourceID))
		return Order{}, newServiceError(opFindBySourceID, "query_failed", err)
	}
	return order, nil
}

// FindByID loads an order by its Target identifier.
func (s *Store) FindByID(ctx context.Context, orderID string) (Order, error) {
	var order Order
	err := s.db.WithContext(ctx).Preload("Items").Where("id = ?", orderID).Take(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

// CreateFromSource inserts a new order mirrored from the Source together
// with its line items. The order is marked in agreement with the Source.
func (s *Store) CreateFromSource(ctx context.Context, target transform.TargetOrder) (Order, error) {
	if target.SourceID <= 0 {
		s.logError(opCreate, "missing_identity", errMissingIdentity)
		return Order{}, newServiceError(opCreate, "missing_identity", errMissingIdentity)
	}

	orderID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.Int64("source_id", target.SourceID))
		return Order{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	order := newOrder(orderID, target, now)
	items, err := s.buildItems(orderID, target.Items, now)
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.Int64("source_id", target.SourceID))
		return Order{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(&order).Error; err != nil {
			s.logError(opCreate, "insert_failed", err, zap.Int64("source_id", target.SourceID))
			return newServiceError(opCreate, "insert_failed", err)
		}
		if len(items) > 0 {
			if err := tx.Create(&items).Error; err != nil {
				s.logError(opCreate, "items_insert_failed", err, zap.Int64("source_id", target.SourceID))
				return newServiceError(opCreate, "items_insert_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		return Order{}, txErr
	}

	order.Items = items
	return order, nil
}

// ApplyPatch updates only the fields named by the patch. Metadata keys are
// merged into the stored map; items are replaced when the patch carries a
// basket. The order is marked in agreement with the Source.
func (s *Store) ApplyPatch(ctx context.Context, orderID string, patch transform.Patch) (Order, error) {
	var updated Order
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Order
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", orderID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			s.logError(opApplyPatch, "order_select_failed", err, zap.String("order_id", orderID))
			return newServiceError(opApplyPatch, "order_select_failed", err)
		}

		now := s.clock().UTC()
		columns := patchColumns(patch)
		columns["metadata"] = mergeMetadata(existing.Metadata, patch.Metadata)
		columns["updated_at"] = now
		columns["source_synced_at"] = now

		if err := tx.Model(&Order{}).Where("id = ?", orderID).Updates(columns).Error; err != nil {
			s.logError(opApplyPatch, "order_update_failed", err, zap.String("order_id", orderID))
			return newServiceError(opApplyPatch, "order_update_failed", err)
		}

		if patch.ReplaceItems {
			items, err := s.buildItems(orderID, patch.Items, now)
			if err != nil {
				return newServiceError(opApplyPatch, "id_generation_failed", err)
			}
			if err := tx.Where("order_id = ?", orderID).Delete(&OrderItem{}).Error; err != nil {
				s.logError(opApplyPatch, "items_delete_failed", err, zap.String("order_id", orderID))
				return newServiceError(opApplyPatch, "items_delete_failed", err)
			}
			if len(items) > 0 {
				if err := tx.Create(&items).Error; err != nil {
					s.logError(opApplyPatch, "items_insert_failed", err, zap.String("order_id", orderID))
					return newServiceError(opApplyPatch, "items_insert_failed", err)
				}
			}
		}

		return tx.Preload("Items").Where("id = ?", orderID).Take(&updated).Error
	})
	if txErr != nil {
		return Order{}, txErr
	}
	return updated, nil
}

// UpdateStatus records a Target-side status edit. The order becomes a
// reverse sync candidate because updated_at moves past source_synced_at.
func (s *Store) UpdateStatus(ctx context.Context, orderID, status string) (Order, error) {
	if !transform.KnownTargetStatus(status) {
		return Order{}, newServiceError(opUpdateStatus, "unknown_status", fmt.Errorf("status %q", status))
	}
	result := s.db.WithContext(ctx).Model(&Order{}).
		Where("id = ?", orderID).
		Updates(map[string]any{"status": status, "updated_at": s.clock().UTC()})
	if result.Error != nil {
		s.logError(opUpdateStatus, "update_failed", result.Error, zap.String("order_id", orderID))
		return Order{}, newServiceError(opUpdateStatus, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Order{}, ErrOrderNotFound
	}
	return s.FindByID(ctx, orderID)
}

// ListChangedSince returns Source-linked orders modified after since that
// have not yet been confirmed by the Source, oldest change first.
func (s *Store) ListChangedSince(ctx context.Context, since time.Time, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maximumListLimit {
		limit = maximumListLimit
	}
	var orders []Order
	err := s.db.WithContext(ctx).
		Where("updated_at > ?", since.UTC()).
		Where("source_order_id IS NOT NULL").
		Where("(source_synced_at IS NULL OR updated_at > source_synced_at)").
		Order("updated_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		s.logError(opListChanged, "query_failed", err, zap.Time("since", since))
		return nil, newServiceError(opListChanged, "query_failed", err)
	}
	return orders, nil
}

// MarkSourceSynced records that the Source now matches the order as of
// syncedAt. updated_at is left untouched.
func (s *Store) MarkSourceSynced(ctx context.Context, orderID string, syncedAt time.Time) error {
	err := s.db.WithContext(ctx).Model(&Order{}).
		Where("id = ?", orderID).
		UpdateColumn("source_synced_at", syncedAt.UTC()).Error
	if err != nil {
		s.logError(opMarkSynced, "update_failed", err, zap.String("order_id", orderID))
		return newServiceError(opMarkSynced, "update_failed", err)
	}
	return nil
}

// SourceIDsInRange lists the Source identifiers already mirrored in the
// inclusive range.
func (s *Store) SourceIDsInRange(ctx context.Context, start, end int64) ([]int64, error) {
	if start > end {
		return nil, newServiceError(opSourceIDsRange, "invalid_range", errInvalidRange)
	}
	var ids []int64
	err := s.db.WithContext(ctx).Model(&Order{}).
		Where("source_order_id BETWEEN ? AND ?", start, end).
		Order("source_order_id ASC").
		Pluck("source_order_id", &ids).Error
	if err != nil {
		s.logError(opSourceIDsRange, "query_failed", err, zap.Int64("start", start), zap.Int64("end", end))
		return nil, newServiceError(opSourceIDsRange, "query_failed", err)
	}
	return ids, nil
}

// Counts summarizes the Target table.
type Counts struct {
	Total        int64
	SourceLinked int64
}

// Count reports how many orders exist and how many are linked to the Source.
func (s *Store) Count(ctx context.Context) (Counts, error) {
	var counts Counts
	if err := s.db.WithContext(ctx).Model(&Order{}).Count(&counts.Total).Error; err != nil {
		s.logError(opCount, "query_failed", err)
		return Counts{}, newServiceError(opCount, "query_failed", err)
	}
	if err := s.db.WithContext(ctx).Model(&Order{}).Where("source_order_id IS NOT NULL").Count(&counts.SourceLinked).Error; err != nil {
		s.logError(opCount, "query_failed", err)
		return Counts{}, newServiceError(opCount, "query_failed", err)
	}
	return counts, nil
}

// Ping verifies the Target connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return newServiceError(opPing, "handle_failed", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return newServiceError(opPing, "ping_failed", err)
	}
	return nil
}

func (s *Store) buildItems(orderID string, targets []transform.TargetItem, now time.Time) ([]OrderItem, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	items := make([]OrderItem, 0, len(targets))
	for _, target := range targets {
		itemID, err := s.idProvider.NewID()
		if err != nil {
			return nil, err
		}
		items = append(items, OrderItem{
			ID:              itemID,
			OrderID:         orderID,
			SourceProductID: target.SourceProductID,
			Quantity:        target.Quantity,
			UnitPrice:       target.UnitPrice,
			Total:           target.Total,
			Snapshot:        datatypes.NewJSONType(target.Snapshot),
			CreatedAt:       now,
		})
	}
	return items, nil
}

func newOrder(orderID string, target transform.TargetOrder, now time.Time) Order {
	sourceID := target.SourceID
	createdAt := now
	if target.SourceCreatedAt != nil {
		createdAt = target.SourceCreatedAt.UTC()
	}
	syncedAt := now
	return Order{
		ID:              orderID,
		SourceID:        &sourceID,
		OrderNumber:     target.OrderNumber,
		Status:          target.Status,
		Subtotal:        target.Subtotal,
		DeliveryFee:     target.DeliveryFee,
		DiscountAmount:  target.DiscountAmount,
		TotalAmount:     target.TotalAmount,
		PaymentStatus:   target.PaymentStatus,
		PaymentMethod:   target.PaymentMethod,
		Source:          target.Source,
		SourceUserID:    target.SourceUserID,
		RecipientName:   target.RecipientName,
		RecipientPhone:  target.RecipientPhone,
		RecipientEmail:  target.RecipientEmail,
		DeliveryAddress: target.DeliveryAddress,
		CityName:        target.CityName,
		SourceCityID:    target.SourceCityID,
		DeliveryDate:    target.DeliveryDate,
		DeliveryDateRaw: target.DeliveryDateRaw,
		DeliveryTime:    target.DeliveryTime,
		Comment:         target.Comment,
		CourierComment:  target.CourierComment,
		PostcardText:    target.PostcardText,
		Metadata:        datatypes.JSONMap(target.Metadata),
		CreatedAt:       createdAt,
		UpdatedAt:       now,
		SourceUpdatedAt: utcPtr(target.SourceUpdatedAt),
		SourceSyncedAt:  &syncedAt,
	}
}

func patchColumns(patch transform.Patch) map[string]any {
	columns := make(map[string]any)
	setString := func(column string, value *string) {
		if value != nil {
			columns[column] = *value
		}
	}
	setString("status", patch.Status)
	setString("payment_status", patch.PaymentStatus)
	setString("payment_method", patch.PaymentMethod)
	setString("comment", patch.Comment)
	setString("courier_comment", patch.CourierComment)
	setString("recipient_name", patch.RecipientName)
	setString("recipient_phone", patch.RecipientPhone)
	setString("recipient_email", patch.RecipientEmail)
	setString("delivery_address", patch.DeliveryAddress)
	setString("city_name", patch.CityName)
	setString("delivery_date_raw", patch.DeliveryDateRaw)
	setString("delivery_time", patch.DeliveryTime)
	setString("postcard_text", patch.PostcardText)
	if patch.TotalAmount != nil {
		columns["total_amount"] = *patch.TotalAmount
	}
	if patch.DeliveryFee != nil {
		columns["delivery_fee"] = *patch.DeliveryFee
	}
	if patch.DiscountAmount != nil {
		columns["discount_amount"] = *patch.DiscountAmount
	}
	if patch.SourceCityID != nil {
		columns["source_city_id"] = *patch.SourceCityID
	}
	if patch.DeliveryDate != nil {
		columns["delivery_date"] = patch.DeliveryDate.UTC()
	}
	if patch.SourceUpdatedAt != nil {
		columns["source_updated_at"] = patch.SourceUpdatedAt.UTC()
	}
	if patch.ReplaceItems {
		subtotal := sumItems(patch.Items)
		columns["subtotal"] = subtotal
	}
	return columns
}

func utcPtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func mergeMetadata(existing datatypes.JSONMap, updates map[string]any) datatypes.JSONMap {
	merged := datatypes.JSONMap{}
	for key, value := range existing {
		merged[key] = value
	}
	for key, value := range updates {
		merged[key] = value
	}
	return merged
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("orders store error", attrs...)
}
