package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/walletmesh/custody-ledger/internal/chain"
	"github.com/walletmesh/custody-ledger/internal/coord"
	coordpg "github.com/walletmesh/custody-ledger/internal/coord/postgres"
	"github.com/walletmesh/custody-ledger/internal/events"
	ledgerpg "github.com/walletmesh/custody-ledger/internal/ledger/postgres"
	"github.com/walletmesh/custody-ledger/internal/queue"
	"github.com/walletmesh/custody-ledger/internal/scheduler"
	schedulerpg "github.com/walletmesh/custody-ledger/internal/scheduler/postgres"
	"github.com/walletmesh/custody-ledger/internal/secrets"
	txlogpg "github.com/walletmesh/custody-ledger/internal/txlog/postgres"
)

const leaderLeaseName = "transfer-sweeper"

func main() {
	var (
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		workerID     = flag.String("worker-id", "", "unique sweeper instance id (required; recorded on transfer claims)")
		tickInterval = flag.Duration("tick-interval", 5*time.Second, "sweeper tick interval")
		claimTTL     = flag.Duration("claim-ttl", 2*time.Minute, "per-transfer claim TTL in DB")
		batchSize    = flag.Int("batch-size", 32, "maximum due transfers claimed per tick")

		leaderElection = flag.Bool("leader-election", true, "enable leader election via DB lease")
		leaderLeaseTTL = flag.Duration("leader-lease-ttl", 15*time.Second, "leader lease TTL (renewed each tick)")

		rpcURL       = flag.String("rpc-url", "", "EVM RPC URL; empty disables chain-native settlement")
		chainID      = flag.Uint64("chain-id", 0, "EVM chain id (required with --rpc-url)")
		contractAddr = flag.String("contract-address", "", "settlement contract address (required with --rpc-url)")
		signerKeyVar = flag.String("signer-key-secret", secrets.SweeperSignerKey, "secret name holding the hex signer private key")
		secretDriver = flag.String("secret-driver", secrets.DriverEnv, "secret backend (env|aws)")
		gasLimit     = flag.Uint64("gas-limit", 0, "optional gas limit override for settlement txs")
		receiptPoll  = flag.Duration("receipt-poll-interval", 2*time.Second, "interval between settlement receipt polls")
		receiptWait  = flag.Duration("receipt-timeout", 2*time.Minute, "maximum wait for a settlement receipt")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "event queue driver (kafka|stdio)")
		queueBrokers = flag.String("queue-brokers", "", "event queue brokers (comma-separated); empty disables event publishing")
		eventTopic   = flag.String("event-topic", "ledger.events.v1", "queue topic for ledger events")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" || *workerID == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn and --worker-id are required")
		os.Exit(2)
	}
	if *tickInterval <= 0 || *claimTTL <= 0 || *batchSize <= 0 {
		fmt.Fprintln(os.Stderr, "error: --tick-interval, --claim-ttl, and --batch-size must be > 0")
		os.Exit(2)
	}
	if *leaderElection && *leaderLeaseTTL <= *tickInterval {
		fmt.Fprintln(os.Stderr, "error: --leader-lease-ttl must exceed --tick-interval")
		os.Exit(2)
	}
	if *rpcURL != "" {
		if *chainID == 0 || !common.IsHexAddress(*contractAddr) {
			fmt.Fprintln(os.Stderr, "error: --rpc-url requires --chain-id and a valid --contract-address")
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
	coordStore, err := coordpg.New(pool)
	if err != nil {
		log.Error("init coord store", "err", err)
		os.Exit(2)
	}
	for name, ensure := range map[string]func(context.Context) error{
		"ledger":    ledgerStore.EnsureSchema,
		"txlog":     txlogStore.EnsureSchema,
		"transfers": transferStore.EnsureSchema,
		"coord":     coordStore.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			log.Error("ensure schema", "store", name, "err", err)
			os.Exit(2)
		}
	}

	var executor scheduler.ChainExecutor
	if *rpcURL != "" {
		sec, err := secrets.NewProvider(ctx, *secretDriver)
		if err != nil {
			log.Error("init secret provider", "err", err)
			os.Exit(2)
		}
		keyHex, err := secrets.SignerKey(ctx, sec, *signerKeyVar)
		if err != nil {
			log.Error("load signer key", "secret", *signerKeyVar, "err", err)
			os.Exit(2)
		}
		key, err := chain.ParseSignerKey(keyHex)
		if err != nil {
			log.Error("parse signer key", "err", err)
			os.Exit(2)
		}
		client, err := ethclient.DialContext(ctx, *rpcURL)
		if err != nil {
			log.Error("dial rpc", "url", *rpcURL, "err", err)
			os.Exit(2)
		}
		defer client.Close()

		signer := chain.NewLocalSigner(key)
		executor, err = chain.NewExecutor(client, signer, chain.ExecutorConfig{
			ChainID:             new(big.Int).SetUint64(*chainID),
			Contract:            common.HexToAddress(*contractAddr),
			GasLimit:            *gasLimit,
			ReceiptPollInterval: *receiptPoll,
			ReceiptTimeout:      *receiptWait,
		})
		if err != nil {
			log.Error("init chain executor", "err", err)
			os.Exit(2)
		}
		log.Info("chain-native settlement enabled", "chainID", *chainID, "contract", *contractAddr, "signer", signer.Address().Hex())
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

	svc, err := scheduler.NewService(scheduler.ServiceConfig{
		Ledger:    ledgerStore,
		Transfers: transferStore,
		TxLog:     txlogStore,
		Executor:  executor,
		Events:    publisher,
		WorkerID:  *workerID,
		ClaimTTL:  *claimTTL,
		BatchSize: *batchSize,
		Log:       log,
	})
	if err != nil {
		log.Error("init scheduler service", "err", err)
		os.Exit(2)
	}

	log.Info("transfer-sweeper running", "worker", *workerID, "tick", *tickInterval, "leaderElection", *leaderElection)
	runSweepLoop(ctx, svc, coordStore, *workerID, *tickInterval, *leaderLeaseTTL, *leaderElection, log)
}

func runSweepLoop(ctx context.Context, svc *scheduler.Service, leases coord.LeaseStore, owner string, tick, leaseTTL time.Duration, elect bool, log *slog.Logger) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	leader := !elect
	for {
		select {
		case <-ctx.Done():
			if elect && leader {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = leases.Release(releaseCtx, leaderLeaseName, owner)
				cancel()
			}
			return
		case <-ticker.C:
		}

		if elect {
			var ok bool
			var err error
			if leader {
				_, ok, err = leases.Renew(ctx, leaderLeaseName, owner, leaseTTL)
			} else {
				_, ok, err = leases.TryAcquire(ctx, leaderLeaseName, owner, leaseTTL)
			}
			if err != nil {
				log.Error("leader lease", "err", err)
				leader = false
				continue
			}
			if !ok {
				if leader {
					log.Warn("leader lease lost")
				}
				leader = false
				continue
			}
			leader = true
		}

		n, err := svc.ExecuteDue(ctx)
		if err != nil {
			log.Error("sweep tick", "err", err)
			continue
		}
		if n > 0 {
			log.Info("sweep tick complete", "executed", n)
		}
	}
}
