// Command journald consumes the event stream into the immutable audit
// trail, serves the journal search API, and exports business dates to
// object storage.
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
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/journal"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/pubsub"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/repository"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, "journald")
	if err != nil {
		panic(err)
	}
	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.New(context.Background()).Error("journald exited", "error", err)
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

	repo := repository.NewJournalRepository(store, cfg.Dedup.TTL)
	svc := journal.NewService(repo, log, m)

	var archiver api.ArchiveService = archiveDisabled{}
	if cfg.Archive.Enabled {
		archiver, err = journal.NewArchiver(cfg.Archive, repo, log, m)
		if err != nil {
			return err
		}
	}

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

	router := api.NewJournalRouter(svc, archiver, cfg.Auth,
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

// archiveDisabled rejects archive requests when no object store is
// configured.
type archiveDisabled struct{}

func (archiveDisabled) Archive(context.Context, string, string, string) (*repository.ArchiveRecord, error) {
	return nil, apperr.Unprocessable(
		apperr.Code(apperr.ServiceJournal, 3, 8),
		"journal archiving is not enabled")
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
