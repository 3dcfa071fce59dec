package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"LotLedger/internal/config"
	"LotLedger/internal/core"
	"LotLedger/internal/custody"
	"LotLedger/internal/ingestion"
	"LotLedger/internal/observability"
	"LotLedger/internal/oracle"
	"LotLedger/internal/persistence"
	"LotLedger/internal/projection"
	"LotLedger/internal/query"
	"LotLedger/internal/server"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// priceStore is an oracle adapter that also accepts feed updates.
type priceStore interface {
	oracle.Client
	oracle.Sink
}

func main() {
	configPath := flag.String("config", os.Getenv("LOT_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lotledger: %v\n", err)
		os.Exit(1)
	}

	closer := observability.ConfigureLogging(cfg.LogSettings())
	defer closer.Close()
	log := observability.NewLogger("main")

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("lotledger stopped with error")
		closer.Close()
		os.Exit(1)
	}
	log.Info().Msg("lotledger shutdown complete")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir).Up(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	hc := observability.NewHealthChecker()

	// --- Oracle ---
	var prices priceStore
	if cfg.Redis.Addr != "" {
		rs, err := oracle.NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rs.Close()
		prices = rs
		hc.AddCheck("oracle", rs.Ping)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("oracle backed by redis")
	} else {
		prices = oracle.NewFeedStore()
		log.Warn().Msg("oracle backed by in-memory feed store, price history is lost on restart")
	}

	// --- Custody ---
	vault := custody.NewVault()
	for asset, bps := range cfg.Custody.TransferFees {
		vault.SetTransferFee(common.HexToAddress(asset), bps)
	}

	// --- Engine ---
	persistCh := make(chan core.CoreOutput, cfg.Pipeline.PersistChanSize)
	outputCh := make(chan core.CoreOutput, cfg.Pipeline.ProjectionChanSize)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	eng, err := core.NewEngine(cfg.EngineSettings(), core.Deps{
		Escrow:         vault,
		Oracle:         prices,
		DBChecker:      dbChecker,
		Metrics:        metrics,
		PersistChan:    persistCh,
		ProjectionChan: outputCh,
	})
	if err != nil {
		return err
	}

	// --- Recovery ---
	snapMgr := persistence.NewSnapshotManager(db)
	stats, err := persistence.Recover(ctx, eng, snapMgr, dbChecker, cfg.Pipeline.ReplayBatchSize, cfg.Pipeline.WarmKeys, metrics)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	log.Info().
		Int64("snapshot", stats.SnapshotSequence).
		Int("replayed", stats.Replayed).
		Int64("sequence", stats.LastSequence).
		Dur("took", stats.Duration).
		Msg("engine recovered")
	if err := eng.CheckInvariants(); err != nil {
		return fmt.Errorf("recovered state: %w", err)
	}

	// The vault is in-memory: it must hold what the ledger says is escrowed
	// or accrued before any payout runs.
	for asset, held := range eng.Held() {
		vault.Seed(asset, held)
	}
	for _, c := range cfg.CustodyCredits() {
		vault.Credit(c.Asset, c.Owner, c.Amount)
	}

	snap := eng.CreateSnapshotState()
	if err := projection.RebuildProjections(ctx, db, snap.Lots, snap.Sequence, time.Now().UTC()); err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}

	// --- Snapshots ---
	var archive *persistence.SnapshotArchive
	if cfg.ArchiveEnabled() {
		archive, err = persistence.NewSnapshotArchive(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		if err := archive.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("bucket", cfg.Archive.Bucket).Msg("snapshot archive unreachable, archiving will be retried per snapshot")
		}
	}
	snapshotter := persistence.NewSnapshotter(eng, snapMgr, archive, metrics)

	// --- Output pipeline ---
	// Runs on its own context so it can drain after the servers stop.
	pipeCtx, pipeCancel := context.WithCancel(context.Background())
	defer pipeCancel()
	var pipe errgroup.Group
	supervise := func(name string, fn func(context.Context) error) {
		pipe.Go(func() error {
			err := fn(pipeCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("worker", name).Msg("pipeline worker failed")
				stop()
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	persistWorker := persistence.NewPersistenceWorker(db, persistCh, cfg.Pipeline.PersistBatchSize, cfg.Pipeline.PersistFlushTimeout, metrics)
	supervise("persistence", persistWorker.Run)

	projectionCh := make(chan core.CoreOutput, cfg.Pipeline.ProjectionChanSize)
	projWorker := projection.NewProjectionWorker(db, projectionCh, metrics)
	supervise("projection", projWorker.Run)
	outs := []chan<- core.CoreOutput{projectionCh}

	// --- NATS ---
	var subscriber *ingestion.PriceSubscriber
	if cfg.NATS.URL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return err
		}

		publishCh := make(chan core.CoreOutput, cfg.Pipeline.PublishChanSize)
		publisher := ingestion.NewOutboundPublisher(js, publishCh, metrics)
		supervise("publisher", publisher.Run)
		outs = append(outs, publishCh)

		subscriber = ingestion.NewPriceSubscriber(js, prices, metrics)
		if err := subscriber.Subscribe(ctx); err != nil {
			return err
		}
	} else {
		log.Warn().Msg("NATS disabled, no price feed and no outbound events")
	}
	supervise("tee", func(ctx context.Context) error {
		return ingestion.Tee(ctx, outputCh, metrics, outs...)
	})

	// --- Servers ---
	api := server.NewAPI(server.APIDeps{
		Engine:      eng,
		Oracle:      prices,
		Query:       query.NewQueryService(db),
		Snapshotter: snapshotter,
		EventLog:    snapMgr,
		DB:          db,
	})
	hc.AddCheck("postgres", db.PingContext)
	hc.AddCheck("ledger", func(context.Context) error { return eng.CheckInvariants() })
	hc.AddCheck("custody", custodyCheck(eng, vault))
	srv := server.NewServer(cfg.Server, api, hc, metrics, reg)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.GRPCAddr != "" {
		g.Go(func() error { return srv.StartGRPC(gctx) })
	}
	if cfg.Server.HTTPAddr != "" {
		g.Go(func() error { return srv.StartHTTPGateway(gctx) })
	}
	if cfg.Pipeline.SnapshotInterval > 0 {
		g.Go(func() error {
			if err := snapshotter.Run(gctx, cfg.Pipeline.SnapshotInterval); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	hc.SetReady(true)
	srv.SetServing(true)
	log.Info().
		Int64("sequence", eng.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Msg("lotledger ready")

	serveErr := g.Wait()
	hc.SetReady(false)
	srv.SetServing(false)

	// --- Graceful shutdown ---
	// Servers have stopped, so nothing sends on the engine channels anymore.
	if subscriber != nil {
		subscriber.Stop()
	}
	close(persistCh)
	close(outputCh)

	drained := make(chan error, 1)
	go func() { drained <- pipe.Wait() }()
	var pipeErr error
	select {
	case pipeErr = <-drained:
	case <-time.After(30 * time.Second):
		pipeErr = errors.New("pipeline drain timed out")
		pipeCancel()
	}

	finalCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if rec, err := snapshotter.TakeSnapshot(finalCtx); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else if rec != nil {
		if _, err := snapshotter.VerifyPending(finalCtx); err != nil {
			log.Warn().Err(err).Msg("final snapshot verification failed")
		}
		log.Info().Int64("sequence", rec.Sequence).Msg("final snapshot saved")
	}

	return errors.Join(serveErr, pipeErr)
}

// custodyCheck fails when custody holds less of an asset than the ledger
// has in lot escrows and accrued fees.
func custodyCheck(eng *core.Engine, escrow custody.EscrowAdapter) observability.Check {
	return func(ctx context.Context) error {
		for asset, want := range eng.Held() {
			have, err := escrow.CustodyBalance(ctx, asset)
			if err != nil {
				return fmt.Errorf("custody balance %s: %w", asset.Hex(), err)
			}
			if have.Lt(want) {
				return fmt.Errorf("custody holds %s of %s for %s", have.Dec(), want.Dec(), asset.Hex())
			}
		}
		return nil
	}
}
