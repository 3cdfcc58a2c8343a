// Package ingest applies inbound Source changes to the Target exactly once
// per observed state.
package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/audit"
	"github.com/MarcoPoloResearchLab/ordersync/internal/dedup"
	"github.com/MarcoPoloResearchLab/ordersync/internal/metrics"
	"github.com/MarcoPoloResearchLab/ordersync/internal/notify"
	"github.com/MarcoPoloResearchLab/ordersync/internal/orders"
	"github.com/MarcoPoloResearchLab/ordersync/internal/retry"
	"github.com/MarcoPoloResearchLab/ordersync/internal/transform"
	"go.uber.org/zap"
)

const defaultStoreTimeout = 10 * time.Second

var (
	ErrInvalidConfig    = errors.New("ingest: invalid handler config")
	errMissingToken     = errors.New("shared secret is required")
	errMissingStore     = errors.New("order store is required")
	errMissingDedup     = errors.New("deduplication cache is required")
	errMissingEchoGuard = errors.New("echo guard is required")
	errMissingAudit     = errors.New("audit sink is required")
)

// OrderStore is the Target persistence port used by ingestion.
type OrderStore interface {
	FindBySourceID(ctx context.Context, sourceID int64) (orders.Order, error)
	CreateFromSource(ctx context.Context, target transform.TargetOrder) (orders.Order, error)
	ApplyPatch(ctx context.Context, orderID string, patch transform.Patch) (orders.Order, error)
}

// Deduplicator decides whether a change was already processed.
type Deduplicator interface {
	ShouldProcess(id string, fingerprint dedup.Fingerprint) bool
	Forget(id string, fingerprint dedup.Fingerprint)
}

// EchoArmer suppresses reverse pushes after a forward write.
type EchoArmer interface {
	Arm(id string)
}

// AuditSink appends sync attempts.
type AuditSink interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// Config describes the dependencies of a Handler.
type Config struct {
	Token        string
	Store        OrderStore
	Transformer  transform.Transformer
	Dedup        Deduplicator
	Echo         EchoArmer
	Audit        AuditSink
	Notifier     notify.Notifier
	Metrics      *metrics.Metrics
	Retry        retry.Policy
	StoreTimeout time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Handler runs the ingestion state machine:
// received, authenticated, deduplicated, transformed, persisted, echo armed, logged.
type Handler struct {
	token        []byte
	store        OrderStore
	transformer  transform.Transformer
	dedup        Deduplicator
	echo         EchoArmer
	audit        AuditSink
	notifier     notify.Notifier
	metrics      *metrics.Metrics
	retry        retry.Policy
	storeTimeout time.Duration
	clock        func() time.Time
	logger       *zap.Logger
}

// NewHandler validates dependencies and constructs a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	token := strings.TrimSpace(cfg.Token)
	switch {
	case token == "":
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingToken)
	case cfg.Store == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingStore)
	case cfg.Dedup == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingDedup)
	case cfg.Echo == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingEchoGuard)
	case cfg.Audit == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingAudit)
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	storeTimeout := cfg.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Handler{
		token:        []byte(token),
		store:        cfg.Store,
		transformer:  cfg.Transformer,
		dedup:        cfg.Dedup,
		echo:         cfg.Echo,
		audit:        cfg.Audit,
		notifier:     notifier,
		metrics:      cfg.Metrics,
		retry:        cfg.Retry,
		storeTimeout: storeTimeout,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Handle processes one webhook envelope. The shared secret is checked
// before anything else is read.
func (h *Handler) Handle(ctx context.Context, envelope Envelope) Result {
	startedAt := h.clock()
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(envelope.Token)), h.token) != 1 {
		h.logger.Warn("webhook authentication failed", zap.String("event", envelope.Event))
		result := Result{Outcome: OutcomeRejected, Kind: KindAuthentication, Reason: "invalid token"}
		h.metrics.ObserveWebhook(metricEventLabel(envelope.Event), string(result.Outcome), h.clock().Sub(startedAt))
		return result
	}

	kind, recognized := ParseEventKind(envelope.Event)
	if !recognized {
		return h.reject(ctx, envelope.Event, startedAt, 0, KindValidation,
			fmt.Errorf("unsupported event %q", envelope.Event), envelope.Data)
	}

	var order transform.SourceOrder
	if len(envelope.Data) == 0 {
		return h.reject(ctx, envelope.Event, startedAt, 0, KindValidation, errors.New("missing data"), envelope.Data)
	}
	if err := json.Unmarshal(envelope.Data, &order); err != nil {
		return h.reject(ctx, envelope.Event, startedAt, 0, KindValidation, fmt.Errorf("malformed data: %w", err), envelope.Data)
	}

	return h.process(ctx, envelope.Event, kind, order, envelope.Data, startedAt)
}

// Ingest runs a complete Source order through the same path as a webhook,
// without the shared secret check. Reconciliation and the binlog watcher
// replay orders through it.
func (h *Handler) Ingest(ctx context.Context, order transform.SourceOrder) Result {
	label := "order." + string(EventReplay)
	return h.process(ctx, label, EventReplay, order, order, h.clock())
}

func (h *Handler) process(ctx context.Context, event string, kind EventKind, order transform.SourceOrder, payload any, startedAt time.Time) Result {
	sourceID, err := transform.SourceID(order)
	if err != nil {
		return h.reject(ctx, event, startedAt, 0, classifyTransform(err), err, payload)
	}
	key := strconv.FormatInt(sourceID, 10)

	fingerprint := dedup.ComputeFingerprint(dedup.ChangeFields{
		Status:    order.StatusID.String(),
		Version:   order.Version.String(),
		UpdatedAt: order.DateUpdate.String(),
		Amount:    order.Price.String(),
		Canceled:  order.Canceled.String(),
		Paid:      order.Payed.String(),
	})
	if !h.dedup.ShouldProcess(key, fingerprint) {
		h.logger.Info("duplicate delivery ignored", zap.String("event", event), zap.Int64("source_id", sourceID))
		result := Result{Outcome: OutcomeDuplicate, Reason: "already processed", SourceID: sourceID}
		h.metrics.ObserveWebhook(metricEventLabel(event), string(result.Outcome), h.clock().Sub(startedAt))
		return result
	}

	target, createAdjustments, err := h.transformer.ToTarget(order)
	if err != nil {
		h.dedup.Forget(key, fingerprint)
		return h.reject(ctx, event, startedAt, sourceID, classifyTransform(err), err, payload)
	}
	patch, patchAdjustments, err := h.transformer.PartialUpdate(order)
	if err != nil {
		h.dedup.Forget(key, fingerprint)
		return h.reject(ctx, event, startedAt, sourceID, classifyTransform(err), err, payload)
	}
	if kind == EventReplay {
		patch = fullPatch(target)
	}

	var (
		stored  orders.Order
		created bool
	)
	err = h.retry.Do(ctx, func(ctx context.Context) error {
		var persistErr error
		stored, created, persistErr = h.persist(ctx, sourceID, target, patch)
		return persistErr
	})
	if err != nil {
		h.dedup.Forget(key, fingerprint)
		return h.reject(ctx, event, startedAt, sourceID, KindPersistence, err, payload)
	}

	h.echo.Arm(key)

	adjustments := patchAdjustments
	action := audit.ActionUpdate
	notifyKind := notify.KindOrderUpdated
	if created {
		adjustments = createAdjustments
		action = audit.ActionCreate
		notifyKind = notify.KindOrderCreated
	}
	h.logAdjustments(sourceID, adjustments)

	elapsed := h.clock().Sub(startedAt)
	h.recordAudit(ctx, audit.Entry{
		Direction: audit.DirectionSourceToTarget,
		Action:    action,
		SourceID:  sourceID,
		TargetID:  stored.ID,
		Status:    audit.StatusSuccess,
		Duration:  elapsed,
		Payload:   payload,
	})
	h.notifier.Notify(ctx, notify.Event{
		Kind:        notifyKind,
		Success:     true,
		SourceID:    sourceID,
		OrderID:     stored.ID,
		OrderNumber: stored.OrderNumber,
		Status:      stored.Status,
		Amount:      stored.TotalAmount,
		Summary:     fmt.Sprintf("%s via %s", action, event),
		Timestamp:   h.clock().UTC(),
	})
	h.metrics.ObserveWebhook(metricEventLabel(event), string(OutcomeAccepted), elapsed)
	h.logger.Info("order synchronized",
		zap.String("event", event),
		zap.Int64("source_id", sourceID),
		zap.String("order_id", stored.ID),
		zap.String("action", string(action)),
	)

	return Result{Outcome: OutcomeAccepted, SourceID: sourceID, OrderID: stored.ID, Created: created}
}

// persist creates the order when the Source id is unknown and otherwise
// applies only the fields present in the payload. A retry after a lost
// create race finds the row and patches it.
func (h *Handler) persist(ctx context.Context, sourceID int64, target transform.TargetOrder, patch transform.Patch) (orders.Order, bool, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, h.storeTimeout)
	existing, err := h.store.FindBySourceID(lookupCtx, sourceID)
	cancel()
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		writeCtx, cancel := context.WithTimeout(ctx, h.storeTimeout)
		defer cancel()
		created, err := h.store.CreateFromSource(writeCtx, target)
		if err != nil {
			return orders.Order{}, false, err
		}
		return created, true, nil
	case err != nil:
		return orders.Order{}, false, err
	}

	if patch.Empty() {
		return existing, false, nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, h.storeTimeout)
	defer cancel()
	updated, err := h.store.ApplyPatch(writeCtx, existing.ID, patch)
	if err != nil {
		return orders.Order{}, false, err
	}
	return updated, false, nil
}

func (h *Handler) reject(ctx context.Context, event string, startedAt time.Time, sourceID int64, kind ErrorKind, cause error, payload any) Result {
	elapsed := h.clock().Sub(startedAt)
	h.logger.Error("webhook processing failed",
		zap.String("event", event),
		zap.Int64("source_id", sourceID),
		zap.String("kind", kind.String()),
		zap.Error(cause),
	)
	h.recordAudit(ctx, audit.Entry{
		Direction: audit.DirectionSourceToTarget,
		Action:    audit.ActionError,
		SourceID:  sourceID,
		Status:    audit.StatusError,
		ErrorKind: kind.String(),
		Err:       cause,
		Duration:  elapsed,
		Payload:   payload,
	})
	h.notifier.Notify(ctx, notify.Event{
		Kind:      notify.KindSyncFailed,
		SourceID:  sourceID,
		Summary:   fmt.Sprintf("%s failed (%s): %v", event, kind, cause),
		Timestamp: h.clock().UTC(),
	})
	h.metrics.ObserveWebhook(metricEventLabel(event), string(OutcomeRejected), elapsed)
	return Result{Outcome: OutcomeRejected, Kind: kind, Reason: cause.Error(), SourceID: sourceID}
}

func (h *Handler) recordAudit(ctx context.Context, entry audit.Entry) {
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.storeTimeout)
	defer cancel()
	if err := h.audit.Record(auditCtx, entry); err != nil {
		h.logger.Warn("sync event not recorded", zap.Error(err), zap.Int64("source_id", entry.SourceID))
	}
}

func (h *Handler) logAdjustments(sourceID int64, adjustments []transform.Adjustment) {
	for _, adjustment := range adjustments {
		h.logger.Debug("field adjusted",
			zap.Int64("source_id", sourceID),
			zap.String("field", adjustment.Field),
			zap.String("adjustment", string(adjustment.Kind)),
			zap.Int("limit", adjustment.Limit),
			zap.Int("length", adjustment.Length),
			zap.String("detail", adjustment.Detail),
		)
	}
}

func classifyTransform(err error) ErrorKind {
	if transform.KindOf(err) == transform.KindTransformation {
		return KindTransformation
	}
	return KindValidation
}

func metricEventLabel(event string) string {
	if _, ok := ParseEventKind(event); ok || event == "order."+string(EventReplay) {
		return strings.ToLower(strings.TrimSpace(event))
	}
	return "unknown"
}

// fullPatch turns a complete transformed order into a patch touching every
// mapped field, so a replay repairs a diverged row.
func fullPatch(target transform.TargetOrder) transform.Patch {
	patch := transform.Patch{
		SourceID:        target.SourceID,
		Status:          stringRef(target.Status),
		TotalAmount:     &target.TotalAmount,
		DeliveryFee:     &target.DeliveryFee,
		DiscountAmount:  &target.DiscountAmount,
		PaymentStatus:   stringRef(target.PaymentStatus),
		PaymentMethod:   stringRef(target.PaymentMethod),
		Comment:         stringRef(target.Comment),
		CourierComment:  stringRef(target.CourierComment),
		RecipientName:   stringRef(target.RecipientName),
		RecipientPhone:  stringRef(target.RecipientPhone),
		RecipientEmail:  stringRef(target.RecipientEmail),
		DeliveryAddress: stringRef(target.DeliveryAddress),
		CityName:        stringRef(target.CityName),
		SourceCityID:    target.SourceCityID,
		DeliveryDate:    target.DeliveryDate,
		DeliveryDateRaw: stringRef(target.DeliveryDateRaw),
		DeliveryTime:    stringRef(target.DeliveryTime),
		PostcardText:    stringRef(target.PostcardText),
		SourceUpdatedAt: target.SourceUpdatedAt,
		Metadata:        target.Metadata,
	}
	if len(target.Items) > 0 {
		patch.Items = target.Items
		patch.ReplaceItems = true
	}
	return patch
}

func stringRef(value string) *string {
	return &value
}
