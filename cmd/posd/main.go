// Command posd serves the point-of-sale API: carts, transactions,
// terminal sessions, master data, and the publish side of the event
// propagation fabric.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/alert"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/api"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/breaker"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/cart"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/config"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/delivery"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/format"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/masterdata"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/payment"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/pricing"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/pubsub"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/repository"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/terminal"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/transaction"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, "posd")
	if err != nil {
		panic(err)
	}
	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.New(context.Background()).Error("posd exited", "error", err)
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

	alerts := alert.NewNotifier(cfg.Alert, cfg.Service.Name, log)
	fabric := delivery.NewService(
		repository.NewDeliveryRepository(store),
		pubsub.NewGuardedPublisher(broker, breaker.New("nats", bcfg, log, m)),
		cfg.Tenant, cfg.Republish, log, m, alerts,
	)
	go fabric.Run(ctx)

	master := masterdata.NewService(
		repository.NewMasterDataRepository(store),
		cfg.Master.CacheSize, cfg.Master.CacheTTL, log, m,
	)
	for _, tenantID := range cfg.Tenant.Bootstrap {
		if err := store.EnsureIndexes(ctx, tenantID); err != nil {
			return err
		}
		if err := master.SeedTenant(ctx, tenantID, domain.RoundingMode(cfg.Tenant.RoundingMode), nil, nil); err != nil {
			return err
		}
		fabric.RegisterTenant(tenantID)
		log.New(ctx).Info("Tenant provisioned", "tenant_id", tenantID)
	}
	formatter := format.NewRegistry()

	terminalRepo := repository.NewTerminalRepository(store)
	txRepo := repository.NewTransactionRepository(store)

	txs := transaction.NewService(
		txRepo,
		repository.NewCounterRepository(store),
		terminalRepo, formatter, fabric, log, m,
	)
	terminals := terminal.NewService(terminalRepo, txRepo, formatter, fabric, log, m)
	carts := cart.NewService(
		cache,
		repository.NewCartRepository(store),
		cfg.Cart.CacheTTL,
		terminalRepo, master,
		pricing.NewEngine(master),
		payment.NewEngine(payment.DefaultRegistry(), master),
		txs, log, m,
	)

	router := api.NewPosRouter(
		api.PosDeps{
			Carts:        carts,
			Transactions: txs,
			Terminals:    terminals,
			Delivery:     fabric,
			Master:       master,
		},
		cfg.Auth,
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

// serve runs the HTTP server until the context is cancelled, then drains
// in-flight requests within the shutdown timeout.
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
