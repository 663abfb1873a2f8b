package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/walletmesh/custody-ledger/internal/api"
	"github.com/walletmesh/custody-ledger/internal/bridge"
	coordpg "github.com/walletmesh/custody-ledger/internal/coord/postgres"
	"github.com/walletmesh/custody-ledger/internal/custody"
	"github.com/walletmesh/custody-ledger/internal/derive"
	derivepg "github.com/walletmesh/custody-ledger/internal/derive/postgres"
	"github.com/walletmesh/custody-ledger/internal/events"
	feespg "github.com/walletmesh/custody-ledger/internal/fees/postgres"
	ledgerpg "github.com/walletmesh/custody-ledger/internal/ledger/postgres"
	ownerspg "github.com/walletmesh/custody-ledger/internal/owners/postgres"
	"github.com/walletmesh/custody-ledger/internal/queue"
	"github.com/walletmesh/custody-ledger/internal/reconciler"
	"github.com/walletmesh/custody-ledger/internal/scheduler"
	schedulerpg "github.com/walletmesh/custody-ledger/internal/scheduler/postgres"
	"github.com/walletmesh/custody-ledger/internal/secrets"
	txlogpg "github.com/walletmesh/custody-ledger/internal/txlog/postgres"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		custodyURL       = flag.String("custody-url", "", "custody provider base URL (required)")
		custodyAPIKeyVar = flag.String("custody-api-key-secret", secrets.CustodyAPIKey, "secret name holding the custody provider API key")

		bridgeURL      = flag.String("bridge-url", "", "bridge provider base URL (required)")
		bridgeTokenVar = flag.String("bridge-token-secret", secrets.BridgeTokenName, "secret name holding the bridge provider bearer token")
		bridgeTimeout  = flag.Duration("bridge-submit-timeout", time.Minute, "timeout for bridge provider submissions")

		secretDriver = flag.String("secret-driver", secrets.DriverEnv, "secret backend (env|aws)")
		deriveKeyVar = flag.String("derive-key-secret", secrets.DeriveKeyName, "secret name holding the hex account derivation key")

		scanAssets = flag.String("scan-assets", "", "comma-separated custody assets for deposit reconciliation (required)")

		workerID = flag.String("worker-id", "ledger-api", "worker id recorded on transfer claims")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "event queue driver (kafka|stdio)")
		queueBrokers = flag.String("queue-brokers", "", "event queue brokers (comma-separated); empty disables event publishing")
		eventTopic   = flag.String("event-topic", "ledger.events.v1", "queue topic for ledger events")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" || *custodyURL == "" || *bridgeURL == "" || *scanAssets == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn, --custody-url, --bridge-url, and --scan-assets are required")
		os.Exit(2)
	}
	if *listenAddr == "" || *workerID == "" {
		fmt.Fprintln(os.Stderr, "error: --listen and --worker-id must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sec, err := secrets.NewProvider(ctx, *secretDriver)
	if err != nil {
		log.Error("init secret provider", "err", err)
		os.Exit(2)
	}

	deriveKey, err := secrets.DeriveKey(ctx, sec, *deriveKeyVar)
	if err != nil {
		log.Error("load derive key", "secret", *deriveKeyVar, "err", err)
		os.Exit(2)
	}

	custodyAPIKey, err := sec.Get(ctx, *custodyAPIKeyVar)
	if err != nil {
		log.Error("load custody api key", "secret", *custodyAPIKeyVar, "err", err)
		os.Exit(2)
	}
	bridgeToken, err := sec.Get(ctx, *bridgeTokenVar)
	if err != nil {
		log.Error("load bridge token", "secret", *bridgeTokenVar, "err", err)
		os.Exit(2)
	}

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	ledgerStore, err := ledgerpg.New(pool)
	if err != nil {
		log.Error("init ledger store", "err", err)
		os.Exit(2)
	}
	txlogStore, err := txlogpg.New(pool)
	if err != nil {
		log.Error("init txlog store", "err", err)
		os.Exit(2)
	}
	transferStore, err := schedulerpg.New(pool)
	if err != nil {
		log.Error("init transfer store", "err", err)
		os.Exit(2)
	}
	feeStore, err := feespg.New(pool)
	if err != nil {
		log.Error("init fee store", "err", err)
		os.Exit(2)
	}
	registry, err := ownerspg.New(pool)
	if err != nil {
		log.Error("init owner registry", "err", err)
		os.Exit(2)
	}
	index, err := derivepg.New(pool)
	if err != nil {
		log.Error("init account index", "err", err)
		os.Exit(2)
	}
	coordStore, err := coordpg.New(pool)
	if err != nil {
		log.Error("init coord store", "err", err)
		os.Exit(2)
	}
	for name, ensure := range map[string]func(context.Context) error{
		"ledger":    ledgerStore.EnsureSchema,
		"txlog":     txlogStore.EnsureSchema,
		"transfers": transferStore.EnsureSchema,
		"fees":      feeStore.EnsureSchema,
		"owners":    registry.EnsureSchema,
		"accounts":  index.EnsureSchema,
		"coord":     coordStore.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			log.Error("ensure schema", "store", name, "err", err)
			os.Exit(2)
		}
	}

	deriver, err := derive.NewDeriver(deriveKey)
	if err != nil {
		log.Error("init deriver", "err", err)
		os.Exit(2)
	}
	resolver, err := derive.NewResolver(deriver, index, registry)
	if err != nil {
		log.Error("init resolver", "err", err)
		os.Exit(2)
	}

	custodyClient, err := custody.NewClient(*custodyURL, custodyAPIKey)
	if err != nil {
		log.Error("init custody client", "err", err)
		os.Exit(2)
	}
	bridgeClient, err := bridge.NewClient(*bridgeURL, bridgeToken)
	if err != nil {
		log.Error("init bridge client", "err", err)
		os.Exit(2)
	}

	var publisher *events.Publisher
	if strings.TrimSpace(*queueBrokers) != "" {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer producer.Close()
		publisher = events.NewPublisher(producer, *eventTopic, log)
		log.Info("event publishing enabled", "driver", *queueDriver, "topic", *eventTopic)
	}

	schedulerSvc, err := scheduler.NewService(scheduler.ServiceConfig{
		Ledger:    ledgerStore,
		Transfers: transferStore,
		TxLog:     txlogStore,
		Events:    publisher,
		WorkerID:  *workerID,
		Log:       log,
	})
	if err != nil {
		log.Error("init scheduler service", "err", err)
		os.Exit(2)
	}
	orchestrator, err := bridge.NewOrchestrator(bridge.OrchestratorConfig{
		Ledger:        ledgerStore,
		Fees:          feeStore,
		TxLog:         txlogStore,
		Provider:      bridgeClient,
		Events:        publisher,
		SubmitTimeout: *bridgeTimeout,
		Log:           log,
	})
	if err != nil {
		log.Error("init bridge orchestrator", "err", err)
		os.Exit(2)
	}
	reconcilerSvc, err := reconciler.New(reconciler.Config{
		Ledger:      ledgerStore,
		TxLog:       txlogStore,
		Resolver:    resolver,
		Owners:      registry,
		Provider:    custodyClient,
		Assets:      queue.SplitCommaList(*scanAssets),
		Events:      publisher,
		Checkpoints: coordStore,
		Log:         log,
	})
	if err != nil {
		log.Error("init reconciler", "err", err)
		os.Exit(2)
	}

	handler, err := api.NewHandler(api.Config{
		Ledger:                  ledgerStore,
		Scheduler:               schedulerSvc,
		Bridge:                  orchestrator,
		Reconciler:              reconcilerSvc,
		Resolver:                resolver,
		Fees:                    feeStore,
		TxLog:                   txlogStore,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Now:                     time.Now,
	})
	if err != nil {
		log.Error("init api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("ledger-api listening", "addr", *listenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
