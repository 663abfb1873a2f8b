package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/walletmesh/custody-ledger/internal/blobstore"
	coordpg "github.com/walletmesh/custody-ledger/internal/coord/postgres"
	"github.com/walletmesh/custody-ledger/internal/custody"
	"github.com/walletmesh/custody-ledger/internal/derive"
	derivepg "github.com/walletmesh/custody-ledger/internal/derive/postgres"
	"github.com/walletmesh/custody-ledger/internal/events"
	ledgerpg "github.com/walletmesh/custody-ledger/internal/ledger/postgres"
	ownerspg "github.com/walletmesh/custody-ledger/internal/owners/postgres"
	"github.com/walletmesh/custody-ledger/internal/queue"
	"github.com/walletmesh/custody-ledger/internal/reconciler"
	"github.com/walletmesh/custody-ledger/internal/secrets"
	txlogpg "github.com/walletmesh/custody-ledger/internal/txlog/postgres"
)

func main() {
	var (
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		owner        = flag.String("owner", "", "unique scanner instance id (required; used for the scan lease)")
		scanInterval = flag.Duration("scan-interval", time.Minute, "interval between scan passes")
		leaseTTL     = flag.Duration("lease-ttl", 90*time.Second, "scan lease TTL (renewed each pass)")

		custodyURL       = flag.String("custody-url", "", "custody provider base URL (required)")
		custodyAPIKeyVar = flag.String("custody-api-key-secret", secrets.CustodyAPIKey, "secret name holding the custody provider API key")

		secretDriver = flag.String("secret-driver", secrets.DriverEnv, "secret backend (env|aws)")
		deriveKeyVar = flag.String("derive-key-secret", secrets.DeriveKeyName, "secret name holding the hex account derivation key")

		scanAssets = flag.String("scan-assets", "", "comma-separated custody assets to scan (required)")
		pageSize   = flag.Int("page-size", 10, "transactions fetched per account per pass")

		blobDriver = flag.String("blob-driver", blobstore.DriverMemory, "scan report store (memory|s3)")
		blobBucket = flag.String("blob-bucket", "", "S3 bucket for scan reports (required with --blob-driver=s3)")
		blobPrefix = flag.String("blob-prefix", "custody-ledger", "key prefix for scan reports")

		queueDriver       = flag.String("queue-driver", queue.DriverKafka, "queue driver (kafka|stdio)")
		queueBrokers      = flag.String("queue-brokers", "", "queue brokers (comma-separated); empty disables events and the notification consumer")
		queueGroup        = flag.String("queue-group", "deposit-scanner", "consumer group for deposit notifications")
		notificationTopic = flag.String("notification-topic", "", "queue topic carrying pushed deposit notifications; empty disables the consumer")
		eventTopic        = flag.String("event-topic", "ledger.events.v1", "queue topic for ledger events")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" || *owner == "" || *custodyURL == "" || *scanAssets == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn, --owner, --custody-url, and --scan-assets are required")
		os.Exit(2)
	}
	if *scanInterval <= 0 || *leaseTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: --scan-interval and --lease-ttl must be > 0")
		os.Exit(2)
	}
	if *leaseTTL <= *scanInterval {
		fmt.Fprintln(os.Stderr, "error: --lease-ttl must exceed --scan-interval or the lease expires mid-pass")
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
		"ledger":   ledgerStore.EnsureSchema,
		"txlog":    txlogStore.EnsureSchema,
		"owners":   registry.EnsureSchema,
		"accounts": index.EnsureSchema,
		"coord":    coordStore.EnsureSchema,
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

	blobCfg := blobstore.Config{Driver: *blobDriver, Prefix: *blobPrefix, Bucket: *blobBucket}
	if strings.EqualFold(*blobDriver, blobstore.DriverS3) {
		if *blobBucket == "" {
			fmt.Fprintln(os.Stderr, "error: --blob-bucket is required with --blob-driver=s3")
			os.Exit(2)
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Error("load aws config", "err", err)
			os.Exit(2)
		}
		blobCfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	reports, err := blobstore.New(blobCfg)
	if err != nil {
		log.Error("init report store", "err", err)
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
	}

	svc, err := reconciler.New(reconciler.Config{
		Ledger:      ledgerStore,
		TxLog:       txlogStore,
		Resolver:    resolver,
		Owners:      registry,
		Provider:    custodyClient,
		Assets:      queue.SplitCommaList(*scanAssets),
		PageSize:    *pageSize,
		Events:      publisher,
		Reports:     reports,
		Checkpoints: coordStore,
		Log:         log,
	})
	if err != nil {
		log.Error("init reconciler", "err", err)
		os.Exit(2)
	}

	if strings.TrimSpace(*queueBrokers) != "" && strings.TrimSpace(*notificationTopic) != "" {
		consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
			Group:   *queueGroup,
			Topics:  []string{*notificationTopic},
		})
		if err != nil {
			log.Error("init notification consumer", "err", err)
			os.Exit(2)
		}
		defer consumer.Close()
		go consumeNotifications(ctx, consumer, svc, log)
		log.Info("notification consumer enabled", "topic", *notificationTopic, "group", *queueGroup)
	}

	log.Info("deposit-scanner running", "owner", *owner, "interval", *scanInterval, "assets", *scanAssets)
	runScanLoop(ctx, svc, coordStore, *owner, *scanInterval, *leaseTTL, log)
}

func runScanLoop(ctx context.Context, svc *reconciler.Service, leases *coordpg.Store, owner string, interval, ttl time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	held := false
	for {
		select {
		case <-ctx.Done():
			if held {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = leases.Release(releaseCtx, reconciler.CheckpointTask, owner)
				cancel()
			}
			return
		case <-ticker.C:
		}

		var ok bool
		var err error
		if held {
			_, ok, err = leases.Renew(ctx, reconciler.CheckpointTask, owner, ttl)
		} else {
			_, ok, err = leases.TryAcquire(ctx, reconciler.CheckpointTask, owner, ttl)
		}
		if err != nil {
			log.Error("scan lease", "err", err)
			held = false
			continue
		}
		if !ok {
			if held {
				log.Warn("scan lease lost")
			}
			held = false
			continue
		}
		held = true

		report, err := svc.ScanOnce(ctx)
		if err != nil {
			log.Error("scan pass", "err", err)
			continue
		}
		log.Info("scan pass complete",
			"owners", report.Owners,
			"accounts", report.Accounts,
			"credited", report.Credited,
			"duplicates", report.Duplicates,
			"failures", len(report.Failures),
		)
	}
}

// consumeNotifications feeds pushed deposit notifications through the same
// idempotent credit path the scanner uses. Invalid payloads are acked and
// dropped; transient credit failures leave the message unacked for redelivery.
func consumeNotifications(ctx context.Context, consumer queue.Consumer, svc *reconciler.Service, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-consumer.Errors():
			if !ok {
				return
			}
			log.Error("notification consumer", "err", err)
		case msg, ok := <-consumer.Messages():
			if !ok {
				return
			}
			n, err := reconciler.DecodeNotification(msg.Value)
			if err != nil {
				log.Warn("drop malformed notification", "err", err)
				_ = msg.Ack(ctx)
				continue
			}
			credited, err := svc.HandleNotification(ctx, n)
			if err != nil {
				if errors.Is(err, reconciler.ErrInvalidNotification) ||
					errors.Is(err, derive.ErrOwnerNotFound) ||
					errors.Is(err, derive.ErrInvalidAccountID) {
					log.Warn("drop unprocessable notification", "accountId", n.AccountID, "ref", n.Ref, "err", err)
					_ = msg.Ack(ctx)
					continue
				}
				log.Error("handle notification", "accountId", n.AccountID, "ref", n.Ref, "err", err)
				continue
			}
			if err := msg.Ack(ctx); err != nil {
				log.Error("ack notification", "ref", n.Ref, "err", err)
			}
			log.Info("notification processed", "accountId", n.AccountID, "ref", n.Ref, "credited", credited)
		}
	}
}
