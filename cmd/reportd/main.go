// Command reportd consumes the event stream into its own aggregation
// store and serves flash and daily sales reports.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/api"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/breaker"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/config"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/consumer"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/format"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/pubsub"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/report"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/repository"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, "reportd")
	if err != nil {
		panic(err)
	}
	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.New(context.Background()).Error("reportd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Service.Name, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	m := metrics.New(cfg.Service.Name)
	bcfg := breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
	}

	store, err := repository.NewStore(ctx, cfg.Mongo, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(context.Background()) }()

	cache := repository.NewCache(cfg.Redis, breaker.New("redis", bcfg, log, m), log)
	defer func() { _ = cache.Close() }()

	broker, err := pubsub.Connect(cfg.NATS, log)
	if err != nil {
		return err
	}
	defer broker.Close()

	svc := report.NewService(
		repository.NewReportRepository(store, cfg.Dedup.TTL),
		format.NewRegistry(), log, m,
	)

	cons := consumer.New(cfg.Consumer.Name, cache, consumer.NewAckClient(cfg.Consumer, cfg.Auth),
		cfg.Dedup.TTL, cfg.Consumer.AckTimeout, log, m)

	subscriptions := []struct {
		topic  string
		handle consumer.Handler
	}{
		{domain.TopicTranlog, svc.HandleTransaction},
		{domain.TopicCashlog, svc.HandleCash},
		{domain.TopicOpenCloselog, svc.HandleSession},
	}
	for _, sub := range subscriptions {
		if _, err := broker.QueueSubscribe(sub.topic, cfg.Consumer.QueueGroup, cons.Wrap(sub.topic, sub.handle)); err != nil {
			return err
		}
	}

	router := api.NewReportRouter(svc, cfg.Auth,
		[]api.HealthCheck{
			{Name: "mongo", Check: store.Ping},
			{Name: "redis", Check: cache.Ping},
			{Name: "nats", Check: func(context.Context) error {
				if !broker.Connected() {
					return errors.New("nats disconnected")
				}
				return nil
			}},
		},
		log, m,
	)

	return serve(ctx, cfg.HTTP, router, log)
}

func serve(ctx context.Context, cfg config.HTTPConfig, handler http.Handler, log *logger.Logger) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.New(ctx).Info("HTTP server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.New(context.Background()).Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
