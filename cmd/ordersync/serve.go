package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/auth"
	"github.com/MarcoPoloResearchLab/ordersync/internal/config"
	"github.com/MarcoPoloResearchLab/ordersync/internal/scheduler"
	"github.com/MarcoPoloResearchLab/ordersync/internal/server"
	"github.com/MarcoPoloResearchLab/ordersync/internal/source"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context, appConfig config.AppConfig) error {
	if !appConfig.AdminEnabled() {
		return errors.New("admin.signing_secret is required to serve the sync API")
	}
	app, err := newApplication(appConfig)
	if err != nil {
		return err
	}
	defer app.Close()
	logger := app.logger

	adminValidator, err := auth.NewAdminValidator(auth.AdminValidatorConfig{
		SigningSecret: []byte(appConfig.AdminSigningSecret),
		Issuer:        appConfig.AdminIssuer,
		Audience:      appConfig.AdminAudience,
	})
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Webhook: app.ingest,
		Orders:  app.store,
		Audit:   app.recorder,
		Admin:   adminValidator,
		Events:  app.dispatcher,
		Health:  map[string]server.Pinger{"target": app.store},
		Metrics: app.metrics,
		Logger:  logger.Named("http"),
	}
	if app.reconciler != nil {
		deps.Reconciler = app.reconciler
	}
	if app.reverse != nil {
		deps.Reverse = app.reverse
	}
	for origin, store := range app.sources {
		deps.Health["source_"+string(origin)] = store
	}
	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var reverseScheduler *scheduler.Scheduler
	if appConfig.ReverseEnabled && app.reverse != nil {
		reverseScheduler, err = scheduler.New(scheduler.Config{
			Schedule: appConfig.ReverseSchedule,
			Runner:   app.reverse,
			Logger:   logger.Named("scheduler"),
		})
		if err != nil {
			return err
		}
		if err := reverseScheduler.Start(signalCtx); err != nil {
			return err
		}
	}

	if appConfig.BinlogEnabled {
		if _, ok := app.sources[source.OriginLocal]; !ok {
			return errors.New("binlog.enabled requires source.local_dsn")
		}
		watcher, err := source.NewBinlogWatcher(source.BinlogConfig{
			Addr:     appConfig.BinlogAddr,
			User:     appConfig.BinlogUser,
			Password: appConfig.BinlogPassword,
			ServerID: appConfig.BinlogServerID,
			Logger:   logger.Named("binlog"),
		}, app.replayChangedOrder)
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("binlog watcher stopped", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if reverseScheduler != nil {
		reverseScheduler.Stop(shutdownCtx)
	}
	return httpServer.Shutdown(shutdownCtx)
}
