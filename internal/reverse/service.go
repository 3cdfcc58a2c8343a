// Package reverse pushes Target-side status edits back to the Source.
package reverse

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/audit"
	"github.com/MarcoPoloResearchLab/ordersync/internal/metrics"
	"github.com/MarcoPoloResearchLab/ordersync/internal/notify"
	"github.com/MarcoPoloResearchLab/ordersync/internal/orders"
	"github.com/MarcoPoloResearchLab/ordersync/internal/retry"
	"github.com/MarcoPoloResearchLab/ordersync/internal/transform"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// CheckpointName identifies the reverse sync watermark in sync_state.
	CheckpointName = "reverse_sync"

	DefaultBatchSize       = 50
	DefaultWorkers         = 4
	DefaultItemDelay       = 500 * time.Millisecond
	DefaultInitialLookback = time.Hour
	defaultCallTimeout     = 10 * time.Second
)

var (
	// ErrCycleInProgress is returned when a cycle is requested while another runs.
	ErrCycleInProgress = errors.New("reverse: cycle already in progress")
	ErrInvalidConfig   = errors.New("reverse: invalid service config")

	errMissingStore       = errors.New("order store is required")
	errMissingEchoGuard   = errors.New("echo guard is required")
	errMissingPusher      = errors.New("source pusher is required")
	errMissingAudit       = errors.New("audit sink is required")
	errMissingCheckpoints = errors.New("checkpoint store is required")
)

// OrderStore lists Target edits and records Source agreement.
type OrderStore interface {
	ListChangedSince(ctx context.Context, since time.Time, limit int) ([]orders.Order, error)
	MarkSourceSynced(ctx context.Context, orderID string, syncedAt time.Time) error
}

// EchoChecker reports whether a push for a Source id may proceed.
type EchoChecker interface {
	IsAllowed(id string) bool
}

// Pusher delivers a status payload to the Source.
type Pusher interface {
	Push(ctx context.Context, payload transform.SourcePayload) error
}

// AuditSink appends reverse sync attempts.
type AuditSink interface {
	Record(ctx context.Context, entry audit.Entry) error
	RecordReverse(ctx context.Context, entry audit.ReverseEntry) error
}

// Checkpoints persists the watermark between cycles.
type Checkpoints interface {
	Load(ctx context.Context, name string) (time.Time, bool, error)
	Save(ctx context.Context, name string, watermark time.Time) error
}

// Config describes the dependencies of a Service.
type Config struct {
	Store       OrderStore
	Echo        EchoChecker
	Pusher      Pusher
	Audit       AuditSink
	Checkpoints Checkpoints
	Transformer transform.Transformer
	Notifier    notify.Notifier
	Metrics     *metrics.Metrics
	Retry       retry.Policy
	BatchSize   int
	Workers     int
	// ItemDelay spaces consecutive pushes; zero disables pacing.
	ItemDelay       time.Duration
	InitialLookback time.Duration
	CallTimeout     time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Summary reports one reverse sync cycle.
type Summary struct {
	Total       int       `json:"total"`
	Successful  int       `json:"successful"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	SuccessRate float64   `json:"success_rate"`
	Since       time.Time `json:"since"`
	Checkpoint  time.Time `json:"checkpoint"`
}

// Service runs reverse sync cycles. Cycles never overlap.
type Service struct {
	store           OrderStore
	echo            EchoChecker
	pusher          Pusher
	audit           AuditSink
	checkpoints     Checkpoints
	transformer     transform.Transformer
	notifier        notify.Notifier
	metrics         *metrics.Metrics
	retry           retry.Policy
	batchSize       int
	workers         int
	itemDelay       time.Duration
	initialLookback time.Duration
	callTimeout     time.Duration
	clock           func() time.Time
	logger          *zap.Logger
	running         sync.Mutex
}

type itemOutcome int

const (
	outcomeNotAttempted itemOutcome = iota
	outcomePushed
	outcomeSkipped
	outcomeFailed
)

// NewService validates dependencies and constructs a Service.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingStore)
	case cfg.Echo == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingEchoGuard)
	case cfg.Pusher == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingPusher)
	case cfg.Audit == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingAudit)
	case cfg.Checkpoints == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingCheckpoints)
	}

	service := &Service{
		store:           cfg.Store,
		echo:            cfg.Echo,
		pusher:          cfg.Pusher,
		audit:           cfg.Audit,
		checkpoints:     cfg.Checkpoints,
		transformer:     cfg.Transformer,
		notifier:        cfg.Notifier,
		metrics:         cfg.Metrics,
		retry:           cfg.Retry,
		batchSize:       cfg.BatchSize,
		workers:         cfg.Workers,
		itemDelay:       cfg.ItemDelay,
		initialLookback: cfg.InitialLookback,
		callTimeout:     cfg.CallTimeout,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
	}
	if service.notifier == nil {
		service.notifier = notify.Nop{}
	}
	if service.batchSize <= 0 {
		service.batchSize = DefaultBatchSize
	}
	if service.workers <= 0 {
		service.workers = DefaultWorkers
	}
	if service.itemDelay < 0 {
		service.itemDelay = 0
	}
	if service.initialLookback <= 0 {
		service.initialLookback = DefaultInitialLookback
	}
	if service.callTimeout <= 0 {
		service.callTimeout = defaultCallTimeout
	}
	if service.clock == nil {
		service.clock = time.Now
	}
	if service.logger == nil {
		service.logger = zap.NewNop()
	}
	return service, nil
}

// PendingChanges lists Source-linked orders edited in the Target after since
// and not yet confirmed by the Source, up to the batch size.
func (s *Service) PendingChanges(ctx context.Context, since time.Time) ([]orders.Order, error) {
	listCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return s.store.ListChangedSince(listCtx, since, s.batchSize)
}

// RunCycle pushes one batch of pending changes. Per-order failures are
// counted in the summary; the returned error covers only the cycle itself.
// The checkpoint advances past an order only when it and every earlier
// order in the batch were pushed.
func (s *Service) RunCycle(ctx context.Context) (Summary, error) {
	if !s.running.TryLock() {
		return Summary{}, ErrCycleInProgress
	}
	defer s.running.Unlock()

	s.metrics.ObserveReverseCycle()

	since, err := s.loadCheckpoint(ctx)
	if err != nil {
		return Summary{}, err
	}
	pending, err := s.PendingChanges(ctx, since)
	if err != nil {
		s.logger.Error("reverse sync listing failed", zap.Time("since", since), zap.Error(err))
		return Summary{}, err
	}

	summary := Summary{Total: len(pending), Since: since, Checkpoint: since}
	if len(pending) == 0 {
		return summary, nil
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if s.itemDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(s.itemDelay), 1)
	}

	outcomes := make([]itemOutcome, len(pending))
	group := new(errgroup.Group)
	group.SetLimit(s.workers)
	for index := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		group.Go(func() error {
			outcomes[index] = s.syncOrder(ctx, pending[index])
			return nil
		})
	}
	_ = group.Wait()

	for _, outcome := range outcomes {
		switch outcome {
		case outcomePushed:
			summary.Successful++
		case outcomeSkipped:
			summary.Skipped++
		case outcomeFailed:
			summary.Failed++
		}
	}
	summary.SuccessRate = audit.SuccessRate(int64(summary.Successful), int64(summary.Total))

	watermark := advanceWatermark(since, pending, outcomes)
	if watermark.After(since) {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.callTimeout)
		defer cancel()
		if err := s.checkpoints.Save(saveCtx, CheckpointName, watermark); err != nil {
			s.logger.Error("reverse sync checkpoint not saved", zap.Time("watermark", watermark), zap.Error(err))
		} else {
			summary.Checkpoint = watermark
		}
	}

	s.logger.Info("reverse sync cycle finished",
		zap.Int("total", summary.Total),
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Time("checkpoint", summary.Checkpoint),
	)
	return summary, nil
}

func (s *Service) loadCheckpoint(ctx context.Context) (time.Time, error) {
	loadCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	watermark, found, err := s.checkpoints.Load(loadCtx, CheckpointName)
	if err != nil {
		s.logger.Error("reverse sync checkpoint not loaded", zap.Error(err))
		return time.Time{}, err
	}
	if !found {
		return s.clock().UTC().Add(-s.initialLookback), nil
	}
	return watermark, nil
}

func (s *Service) syncOrder(ctx context.Context, order orders.Order) itemOutcome {
	target := order.Target()
	key := strconv.FormatInt(target.SourceID, 10)
	if !s.echo.IsAllowed(key) {
		s.logger.Info("reverse push suppressed by echo guard",
			zap.Int64("source_id", target.SourceID),
			zap.String("order_id", order.ID),
		)
		s.metrics.ObserveReverse("skipped")
		return outcomeSkipped
	}

	startedAt := s.clock()
	payload, adjustments, err := s.transformer.ToSource(target)
	if err != nil {
		s.fail(ctx, order, target, "validation", err, startedAt, nil)
		return outcomeFailed
	}
	for _, adjustment := range adjustments {
		s.logger.Debug("field adjusted",
			zap.Int64("source_id", target.SourceID),
			zap.String("field", adjustment.Field),
			zap.String("adjustment", string(adjustment.Kind)),
			zap.String("detail", adjustment.Detail),
		)
	}

	err = s.retry.Do(ctx, func(ctx context.Context) error {
		return s.pusher.Push(ctx, payload)
	})
	if err != nil {
		s.fail(ctx, order, target, "persistence", err, startedAt, payload)
		return outcomeFailed
	}

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.callTimeout)
	markErr := s.store.MarkSourceSynced(markCtx, order.ID, order.UpdatedAt)
	cancel()
	if markErr != nil {
		s.logger.Warn("source agreement not recorded", zap.String("order_id", order.ID), zap.Error(markErr))
	}

	elapsed := s.clock().Sub(startedAt)
	s.record(ctx, audit.Entry{
		Direction: audit.DirectionTargetToSource,
		Action:    audit.ActionUpdate,
		SourceID:  target.SourceID,
		TargetID:  order.ID,
		Status:    audit.StatusSuccess,
		Duration:  elapsed,
		Payload:   payload,
	})
	oldStatus := ""
	if target.SourceStatus != "" {
		oldStatus, _ = transform.TargetStatus(target.SourceStatus)
	}
	s.recordReverse(ctx, audit.ReverseEntry{
		TargetID:     order.ID,
		SourceID:     target.SourceID,
		OldStatus:    oldStatus,
		NewStatus:    order.Status,
		SourceStatus: payload.StatusID,
	})
	s.notifier.Notify(ctx, notify.Event{
		Kind:        notify.KindReversePushed,
		Success:     true,
		SourceID:    target.SourceID,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      order.Status,
		Amount:      order.TotalAmount,
		Summary:     fmt.Sprintf("status %s pushed as %s", order.Status, payload.StatusID),
		Timestamp:   s.clock().UTC(),
	})
	s.metrics.ObserveReverse("pushed")
	s.logger.Info("order status pushed to source",
		zap.Int64("source_id", target.SourceID),
		zap.String("order_id", order.ID),
		zap.String("status", order.Status),
		zap.String("source_status", payload.StatusID),
	)
	return outcomePushed
}

func (s *Service) fail(ctx context.Context, order orders.Order, target transform.TargetOrder, kind string, cause error, startedAt time.Time, payload any) {
	s.logger.Error("reverse push failed",
		zap.Int64("source_id", target.SourceID),
		zap.String("order_id", order.ID),
		zap.String("kind", kind),
		zap.Error(cause),
	)
	s.record(ctx, audit.Entry{
		Direction: audit.DirectionTargetToSource,
		Action:    audit.ActionError,
		SourceID:  target.SourceID,
		TargetID:  order.ID,
		Status:    audit.StatusError,
		ErrorKind: kind,
		Err:       cause,
		Duration:  s.clock().Sub(startedAt),
		Payload:   payload,
	})
	s.notifier.Notify(ctx, notify.Event{
		Kind:        notify.KindSyncFailed,
		SourceID:    target.SourceID,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      order.Status,
		Summary:     fmt.Sprintf("reverse push failed (%s): %v", kind, cause),
		Timestamp:   s.clock().UTC(),
	})
	s.metrics.ObserveReverse("failed")
}

func (s *Service) record(ctx context.Context, entry audit.Entry) {
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.callTimeout)
	defer cancel()
	if err := s.audit.Record(auditCtx, entry); err != nil {
		s.logger.Warn("sync event not recorded", zap.Int64("source_id", entry.SourceID), zap.Error(err))
	}
}

func (s *Service) recordReverse(ctx context.Context, entry audit.ReverseEntry) {
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.callTimeout)
	defer cancel()
	if err := s.audit.RecordReverse(auditCtx, entry); err != nil {
		s.logger.Warn("reverse sync entry not recorded", zap.Int64("source_id", entry.SourceID), zap.Error(err))
	}
}

// advanceWatermark returns the newest updated_at covered by the leading run
// of pushed orders. Orders sharing a timestamp with the first unresolved
// order are excluded, since the next listing is strictly after the watermark.
func advanceWatermark(current time.Time, pending []orders.Order, outcomes []itemOutcome) time.Time {
	firstUnresolved := len(pending)
	for index, outcome := range outcomes {
		if outcome != outcomePushed {
			firstUnresolved = index
			break
		}
	}
	if firstUnresolved == len(pending) {
		return laterOf(current, pending[len(pending)-1].UpdatedAt)
	}
	blocked := pending[firstUnresolved].UpdatedAt
	for index := firstUnresolved - 1; index >= 0; index-- {
		if pending[index].UpdatedAt.Before(blocked) {
			return laterOf(current, pending[index].UpdatedAt)
		}
	}
	return current
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b.UTC()
	}
	return a
}
