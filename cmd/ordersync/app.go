package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/audit"
	"github.com/MarcoPoloResearchLab/ordersync/internal/config"
	"github.com/MarcoPoloResearchLab/ordersync/internal/database"
	"github.com/MarcoPoloResearchLab/ordersync/internal/dedup"
	"github.com/MarcoPoloResearchLab/ordersync/internal/echoguard"
	"github.com/MarcoPoloResearchLab/ordersync/internal/ingest"
	"github.com/MarcoPoloResearchLab/ordersync/internal/logging"
	"github.com/MarcoPoloResearchLab/ordersync/internal/metrics"
	"github.com/MarcoPoloResearchLab/ordersync/internal/notify"
	"github.com/MarcoPoloResearchLab/ordersync/internal/orders"
	"github.com/MarcoPoloResearchLab/ordersync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/ordersync/internal/retry"
	"github.com/MarcoPoloResearchLab/ordersync/internal/reverse"
	"github.com/MarcoPoloResearchLab/ordersync/internal/source"
	"github.com/MarcoPoloResearchLab/ordersync/internal/transform"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds the wired components shared by every subcommand.
type application struct {
	cfg         config.AppConfig
	logger      *zap.Logger
	db          *gorm.DB
	metrics     *metrics.Metrics
	store       *orders.Store
	recorder    *audit.Recorder
	dedup       *dedup.Cache
	echo        *echoguard.Guard
	dispatcher  *notify.Dispatcher
	ingest      *ingest.Handler
	sources     map[source.Origin]*source.SQLStore
	reconciler  *reconcile.Orchestrator
	reverse     *reverse.Service
	sourceConns []*sql.DB
}

func newApplication(cfg config.AppConfig) (*application, error) {
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	app := &application{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics.New(),
		dedup:      dedup.New(dedup.Config{TTL: cfg.DedupTTL}),
		echo:       echoguard.New(echoguard.Config{Window: cfg.EchoWindow}),
		dispatcher: notify.NewDispatcher(),
		sources:    make(map[source.Origin]*source.SQLStore),
	}
	if err := app.wire(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *application) wire() error {
	cfg := a.cfg
	db, err := database.OpenTarget(cfg.TargetDriver, cfg.TargetDSN, a.logger)
	if err != nil {
		return fmt.Errorf("open target: %w", err)
	}
	a.db = db

	a.store, err = orders.NewStore(orders.StoreConfig{
		Database:   db,
		IDProvider: orders.NewUUIDProvider(),
		Logger:     a.logger.Named("orders"),
	})
	if err != nil {
		return err
	}
	a.recorder, err = audit.NewRecorder(audit.RecorderConfig{Database: db, Logger: a.logger.Named("audit")})
	if err != nil {
		return err
	}

	notifier, err := a.buildNotifier()
	if err != nil {
		return err
	}
	transformer := transform.New(transform.Config{Location: cfg.SourceLocation})
	retryPolicy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		Notify: func(err error, delay time.Duration) {
			a.logger.Debug("retrying after failure", zap.Duration("delay", delay), zap.Error(err))
		},
	}

	a.ingest, err = ingest.NewHandler(ingest.Config{
		Token:       cfg.WebhookToken,
		Store:       a.store,
		Transformer: transformer,
		Dedup:       a.dedup,
		Echo:        a.echo,
		Audit:       a.recorder,
		Notifier:    notifier,
		Metrics:     a.metrics,
		Retry:       retryPolicy,
		Logger:      a.logger.Named("ingest"),
	})
	if err != nil {
		return err
	}

	if err := a.openSources(); err != nil {
		return err
	}
	if len(a.sources) > 0 {
		readers := make(map[source.Origin]reconcile.SourceReader, len(a.sources))
		for origin, store := range a.sources {
			readers[origin] = store
		}
		a.reconciler, err = reconcile.NewOrchestrator(reconcile.Config{
			Sources:   readers,
			Target:    a.store,
			Ingester:  a.ingest,
			MaxOrders: cfg.ReconcileMaxOrders,
			Workers:   cfg.ReconcileWorkers,
			ItemDelay: cfg.ReconcileItemDelay,
			Metrics:   a.metrics,
			Logger:    a.logger.Named("reconcile"),
		})
		if err != nil {
			return err
		}
	}

	if cfg.PushURL != "" {
		pusher, err := source.NewPusher(source.PusherConfig{
			Endpoint: cfg.PushURL,
			Token:    cfg.PushToken,
			Mode:     cfg.PushMode,
			Timeout:  cfg.PushTimeout,
			Logger:   a.logger.Named("pusher"),
		})
		if err != nil {
			return err
		}
		checkpoints, err := reverse.NewCheckpointStore(db, nil)
		if err != nil {
			return err
		}
		a.reverse, err = reverse.NewService(reverse.Config{
			Store:       a.store,
			Echo:        a.echo,
			Pusher:      pusher,
			Audit:       a.recorder,
			Checkpoints: checkpoints,
			Transformer: transformer,
			Notifier:    notifier,
			Metrics:     a.metrics,
			Retry:       retryPolicy,
			BatchSize:   cfg.ReverseBatchSize,
			Workers:     cfg.ReverseWorkers,
			ItemDelay:   cfg.ReverseItemDelay,
			Logger:      a.logger.Named("reverse"),
		})
		if err != nil {
			return err
		}
	}

	a.metrics.RegisterGauge("dedup_entries", "Fingerprints held by the webhook deduplication cache", func() float64 {
		return float64(a.dedup.Len())
	})
	a.metrics.RegisterGauge("echo_guard_armed", "Orders currently shielded from reverse sync", func() float64 {
		return float64(a.echo.Len())
	})
	a.metrics.RegisterGauge("event_stream_subscribers", "Open operator event streams", func() float64 {
		return float64(a.dispatcher.Subscribers())
	})
	return nil
}

func (a *application) buildNotifier() (notify.Notifier, error) {
	fanout := notify.Fanout{a.dispatcher}
	if a.cfg.TelegramToken == "" {
		return fanout, nil
	}
	telegram, err := notify.NewTelegram(notify.TelegramConfig{
		Token:     a.cfg.TelegramToken,
		ChatIDs:   a.cfg.TelegramChatIDs,
		RateLimit: a.cfg.NotifyRateLimit,
		Logger:    a.logger.Named("telegram"),
		Metrics:   a.metrics,
	})
	if err != nil {
		return nil, err
	}
	return append(fanout, telegram), nil
}

func (a *application) openSources() error {
	dsns := map[source.Origin]string{
		source.OriginLocal:      a.cfg.SourceLocalDSN,
		source.OriginProduction: a.cfg.SourceProductionDSN,
	}
	for origin, dsn := range dsns {
		if dsn == "" {
			continue
		}
		conn, err := source.OpenMySQL(dsn)
		if err != nil {
			return fmt.Errorf("open %s source: %w", origin, err)
		}
		a.sourceConns = append(a.sourceConns, conn)
		store, err := source.NewSQLStore(source.SQLStoreConfig{
			Database: conn,
			SiteID:   a.cfg.SourceSiteID,
			Origin:   origin,
			Logger:   a.logger.Named("source").With(zap.String("origin", string(origin))),
		})
		if err != nil {
			return err
		}
		a.sources[origin] = store
	}
	return nil
}

// replayChangedOrder feeds a binlog change through the ingestion path.
func (a *application) replayChangedOrder(ctx context.Context, sourceID int64) {
	reader, ok := a.sources[source.OriginLocal]
	if !ok {
		return
	}
	order, err := reader.FetchOrder(ctx, sourceID)
	if err != nil {
		a.logger.Warn("changed source order not fetched", zap.Int64("source_id", sourceID), zap.Error(err))
		return
	}
	result := a.ingest.Ingest(ctx, order)
	if !result.Accepted() {
		a.logger.Warn("changed source order not applied",
			zap.Int64("source_id", sourceID),
			zap.String("outcome", string(result.Outcome)),
			zap.String("reason", result.Reason),
		)
	}
}

func (a *application) Close() {
	for _, conn := range a.sourceConns {
		_ = conn.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = a.logger.Sync()
}
