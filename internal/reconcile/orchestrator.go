// Package reconcile repairs gaps left by missed webhooks: it diffs the Source
// and Target identifier sets over a range and replays what is missing.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/audit"
	"github.com/MarcoPoloResearchLab/ordersync/internal/ingest"
	"github.com/MarcoPoloResearchLab/ordersync/internal/metrics"
	"github.com/MarcoPoloResearchLab/ordersync/internal/source"
	"github.com/MarcoPoloResearchLab/ordersync/internal/transform"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxOrders   = 50
	DefaultWorkers     = 4
	DefaultItemDelay   = 300 * time.Millisecond
	defaultCallTimeout = 30 * time.Second
)

var (
	ErrInvalidConfig = errors.New("reconcile: invalid orchestrator config")
	// ErrUnknownOrigin indicates that no Source reader is configured for the origin.
	ErrUnknownOrigin = errors.New("reconcile: origin not configured")
	ErrInvalidRange  = errors.New("reconcile: range start must not exceed range end")

	errMissingSources  = errors.New("at least one source reader is required")
	errMissingTarget   = errors.New("target index is required")
	errMissingIngester = errors.New("ingester is required")
)

// SourceReader reads orders from one Source database.
type SourceReader interface {
	IDsInRange(ctx context.Context, start, end int64) ([]int64, error)
	FetchOrder(ctx context.Context, id int64) (transform.SourceOrder, error)
}

// TargetIndex lists the Source identifiers already mirrored in the Target.
type TargetIndex interface {
	SourceIDsInRange(ctx context.Context, start, end int64) ([]int64, error)
}

// Ingester applies a complete Source order through the live ingestion path.
type Ingester interface {
	Ingest(ctx context.Context, order transform.SourceOrder) ingest.Result
}

// Config describes the dependencies of an Orchestrator.
type Config struct {
	Sources   map[source.Origin]SourceReader
	Target    TargetIndex
	Ingester  Ingester
	MaxOrders int
	Workers   int
	// ItemDelay spaces consecutive fetches; zero disables pacing.
	ItemDelay   time.Duration
	CallTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Failure names one order that could not be replayed.
type Failure struct {
	SourceID int64  `json:"source_id"`
	Reason   string `json:"reason"`
}

// Summary tallies one replay batch. Total always equals the number of
// requested ids.
type Summary struct {
	Total       int       `json:"total"`
	Successful  int       `json:"successful"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	SuccessRate float64   `json:"success_rate"`
	Missing     []int64   `json:"missing,omitempty"`
	Failures    []Failure `json:"failures,omitempty"`
}

// Orchestrator runs reconciliation passes.
type Orchestrator struct {
	sources     map[source.Origin]SourceReader
	target      TargetIndex
	ingester    Ingester
	maxOrders   int
	workers     int
	itemDelay   time.Duration
	callTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewOrchestrator validates dependencies and constructs an Orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	sources := make(map[source.Origin]SourceReader, len(cfg.Sources))
	for origin, reader := range cfg.Sources {
		if reader != nil {
			sources[origin] = reader
		}
	}
	switch {
	case len(sources) == 0:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingSources)
	case cfg.Target == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingTarget)
	case cfg.Ingester == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingIngester)
	}

	orchestrator := &Orchestrator{
		sources:     sources,
		target:      cfg.Target,
		ingester:    cfg.Ingester,
		maxOrders:   cfg.MaxOrders,
		workers:     cfg.Workers,
		itemDelay:   cfg.ItemDelay,
		callTimeout: cfg.CallTimeout,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
	if orchestrator.maxOrders <= 0 {
		orchestrator.maxOrders = DefaultMaxOrders
	}
	if orchestrator.workers <= 0 {
		orchestrator.workers = DefaultWorkers
	}
	if orchestrator.itemDelay < 0 {
		orchestrator.itemDelay = 0
	}
	if orchestrator.callTimeout <= 0 {
		orchestrator.callTimeout = defaultCallTimeout
	}
	if orchestrator.logger == nil {
		orchestrator.logger = zap.NewNop()
	}
	return orchestrator, nil
}

// FindMissing returns the ids present in the local Source replica but not in
// the Target over the inclusive range, ascending.
func (o *Orchestrator) FindMissing(ctx context.Context, start, end int64) ([]int64, error) {
	return o.FindMissingFrom(ctx, source.OriginLocal, start, end)
}

// FindMissingFrom is FindMissing against the named origin. Both sides are
// queried concurrently.
func (o *Orchestrator) FindMissingFrom(ctx context.Context, origin source.Origin, start, end int64) ([]int64, error) {
	if start > end {
		return nil, ErrInvalidRange
	}
	reader, err := o.reader(origin)
	if err != nil {
		return nil, err
	}

	var sourceIDs, targetIDs []int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		callCtx, cancel := context.WithTimeout(groupCtx, o.callTimeout)
		defer cancel()
		ids, err := reader.IDsInRange(callCtx, start, end)
		if err != nil {
			return fmt.Errorf("source ids: %w", err)
		}
		sourceIDs = ids
		return nil
	})
	group.Go(func() error {
		callCtx, cancel := context.WithTimeout(groupCtx, o.callTimeout)
		defer cancel()
		ids, err := o.target.SourceIDsInRange(callCtx, start, end)
		if err != nil {
			return fmt.Errorf("target ids: %w", err)
		}
		targetIDs = ids
		return nil
	})
	if err := group.Wait(); err != nil {
		o.logger.Error("reconciliation diff failed",
			zap.String("origin", string(origin)),
			zap.Int64("start", start),
			zap.Int64("end", end),
			zap.Error(err),
		)
		return nil, err
	}
	return Difference(sourceIDs, targetIDs), nil
}

// Difference returns a \ b, sorted and without duplicates.
func Difference(a, b []int64) []int64 {
	present := make(map[int64]struct{}, len(b))
	for _, id := range b {
		present[id] = struct{}{}
	}
	seen := make(map[int64]struct{}, len(a))
	missing := make([]int64, 0)
	for _, id := range a {
		if _, ok := present[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		missing = append(missing, id)
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// SyncRange finds the orders missing over the range and replays at most
// maxOrders of them, lowest ids first. A non-positive maxOrders uses the
// configured cap.
func (o *Orchestrator) SyncRange(ctx context.Context, start, end int64, maxOrders int, origin source.Origin) (Summary, error) {
	missing, err := o.FindMissingFrom(ctx, origin, start, end)
	if err != nil {
		return Summary{}, err
	}
	if maxOrders <= 0 {
		maxOrders = o.maxOrders
	}
	batch := missing
	if len(batch) > maxOrders {
		o.logger.Info("reconciliation capped",
			zap.Int("missing", len(missing)),
			zap.Int("max_orders", maxOrders),
		)
		batch = batch[:maxOrders]
	}
	summary, err := o.Replay(ctx, batch, origin)
	if err != nil {
		return Summary{}, err
	}
	summary.Missing = missing
	return summary, nil
}

type replayOutcome struct {
	status itemStatus
	reason string
}

type itemStatus int

const (
	statusSkipped itemStatus = iota
	statusSuccessful
	statusFailed
)

// Replay fetches each id from the origin and applies it through ingestion.
// One failing order never stops the batch; cancellation is checked between
// orders and the ones not reached are counted as skipped.
func (o *Orchestrator) Replay(ctx context.Context, ids []int64, origin source.Origin) (Summary, error) {
	if origin == "" {
		origin = source.OriginLocal
	}
	reader, err := o.reader(origin)
	if err != nil {
		return Summary{}, err
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if o.itemDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(o.itemDelay), 1)
	}

	outcomes := make([]replayOutcome, len(ids))
	for index := range outcomes {
		outcomes[index] = replayOutcome{status: statusSkipped, reason: "not attempted"}
	}
	group := new(errgroup.Group)
	group.SetLimit(o.workers)
	for index, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		group.Go(func() error {
			outcome := o.replayOne(ctx, reader, id)
			outcomes[index] = outcome
			o.metrics.ObserveReconcile(string(origin), outcome.label())
			return nil
		})
	}
	_ = group.Wait()

	summary := Summary{Total: len(ids)}
	for index, outcome := range outcomes {
		switch outcome.status {
		case statusSuccessful:
			summary.Successful++
		case statusFailed:
			summary.Failed++
			summary.Failures = append(summary.Failures, Failure{SourceID: ids[index], Reason: outcome.reason})
		default:
			summary.Skipped++
		}
	}
	summary.SuccessRate = audit.SuccessRate(int64(summary.Successful), int64(summary.Total))

	o.logger.Info("reconciliation replay finished",
		zap.String("origin", string(origin)),
		zap.Int("total", summary.Total),
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	)
	return summary, nil
}

func (o *Orchestrator) replayOne(ctx context.Context, reader SourceReader, id int64) replayOutcome {
	fetchCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	order, err := reader.FetchOrder(fetchCtx, id)
	cancel()
	if err != nil {
		o.logger.Warn("source order not fetched", zap.Int64("source_id", id), zap.Error(err))
		return replayOutcome{status: statusFailed, reason: err.Error()}
	}

	result := o.ingester.Ingest(ctx, order)
	switch result.Outcome {
	case ingest.OutcomeAccepted:
		return replayOutcome{status: statusSuccessful}
	case ingest.OutcomeDuplicate:
		return replayOutcome{status: statusSkipped, reason: result.Reason}
	default:
		return replayOutcome{status: statusFailed, reason: result.Reason}
	}
}

func (o replayOutcome) label() string {
	switch o.status {
	case statusSuccessful:
		return "successful"
	case statusFailed:
		return "failed"
	default:
		return "skipped"
	}
}

func (o *Orchestrator) reader(origin source.Origin) (SourceReader, error) {
	if origin == "" {
		origin = source.OriginLocal
	}
	reader, ok := o.sources[origin]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrigin, origin)
	}
	return reader, nil
}

// Origins lists the configured origins.
func (o *Orchestrator) Origins() []source.Origin {
	origins := make([]source.Origin, 0, len(o.sources))
	for origin := range o.sources {
		origins = append(origins, origin)
	}
	sort.Slice(origins, func(i, j int) bool { return origins[i] < origins[j] })
	return origins
}
