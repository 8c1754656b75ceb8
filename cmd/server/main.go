package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"matchcore/api/admin"
	"matchcore/api/grpcserver"
	"matchcore/config"
	"matchcore/domain/matcher"
	"matchcore/infra/kafka"
	"matchcore/infra/logging"
	"matchcore/infra/metrics"
	entrywal "matchcore/infra/wal/entry"
	exitwal "matchcore/infra/wal/exit"
	"matchcore/jobs/broadcaster"
	"matchcore/service"
	"matchcore/snapshot"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New(logging.Options{})
		fallback.Fatal().Err(err).Msg("config")
	}
	log := logging.New(logging.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("matchcore exited")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	m := metrics.New("matchcore")

	// ---------------- Entry WAL ----------------

	wal, err := entrywal.Open(entrywal.Config{
		Dir:          cfg.WAL.Dir,
		SegmentSize:  cfg.WAL.SegmentSize,
		Mode:         cfg.WAL.Mode,
		SyncEvery:    cfg.WAL.SyncEvery,
		SyncInterval: cfg.WAL.SyncInterval,
		QueueSize:    cfg.WAL.QueueSize,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	defer wal.Close()
	m.WatchSeq("matchcore_wal_last_seq", "Last sequence appended to the entry WAL", wal.LastSeq)
	m.WatchSeq("matchcore_wal_durable_seq", "Last sequence covered by a synced commit", wal.DurableSeq)

	// ---------------- Exit WAL ----------------

	outbox, err := exitwal.Open(cfg.Outbox.Dir)
	if err != nil {
		return err
	}
	defer outbox.Close()

	archiver := broadcaster.NewArchiver(outbox, broadcaster.ArchiverConfig{
		QueueSize:     cfg.Outbox.QueueSize,
		BatchSize:     cfg.Outbox.BatchSize,
		BatchInterval: cfg.Outbox.BatchInterval,
		Logger:        log,
		Metrics:       m,
	})
	jobsCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()
	go archiver.Run(jobsCtx)

	// ---------------- Engine ----------------

	selfTrade := matcher.SkipMaker
	if cfg.Engine.AllowSelfTrade {
		selfTrade = matcher.AllowSelfTrade
	}
	eng := service.New(service.Config{
		QueueSize:  cfg.Engine.QueueSize,
		ViewDepth:  cfg.Engine.ViewDepth,
		SelfTrade:  selfTrade,
		FeeAccount: cfg.Engine.FeeAccount,
		Fees:       cfg.Engine.Fees,
		Logger:     log,
		Metrics:    m,
		Sink:       archiver,
	}, wal)

	st, err := snapshot.Load(cfg.Snapshot.Dir)
	if err != nil {
		return err
	}
	// replay re-offers everything after the checkpoint; nothing may drop
	archiver.SetBlocking(true)
	if err := eng.Recover(st); err != nil {
		return err
	}
	archiver.SetBlocking(false)

	engCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()
	go eng.Run(engCtx)

	snaps := &snapshot.Writer{Dir: cfg.Snapshot.Dir}
	if cfg.Snapshot.Interval > 0 {
		eng.StartSnapshotJob(jobsCtx, snaps, outbox, cfg.Snapshot.Interval)
	}

	// ---------------- Broadcaster ----------------

	if cfg.Kafka.Enabled() {
		pub, err := newPublisher(cfg.Kafka)
		if err != nil {
			return err
		}
		bc := broadcaster.New(outbox, pub, broadcaster.Config{
			Interval:  cfg.Outbox.PublishInterval,
			BatchSize: cfg.Outbox.BatchSize,
			Logger:    log,
			Metrics:   m,
		})
		bc.Start(jobsCtx)
		defer bc.Close()
	} else {
		log.Warn().Msg("KAFKA_BROKERS not set; outbox rows are kept but not published")
	}

	// ---------------- gRPC ----------------

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	grpcSrv := grpcserver.NewGRPCServer(grpcserver.NewServer(eng), log)
	errc := make(chan error, 2)
	go func() { errc <- grpcSrv.Serve(lis) }()

	// ---------------- Admin ----------------

	adminSrv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           admin.NewRouter(eng, m, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := adminSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	log.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("admin", cfg.AdminAddr).
		Str("wal_mode", cfg.WAL.Mode.String()).
		Msg("matchcore running")

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-sigCtx.Done():
		log.Info().Msg("shutting down")
	case err := <-errc:
		log.Error().Err(err).Msg("listener failed")
	}

	// stop intake, checkpoint, then stop the engine and drain the archiver
	grpcSrv.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = adminSrv.Shutdown(shutdownCtx)

	if _, err := eng.Checkpoint(shutdownCtx, snaps, outbox); err != nil {
		log.Error().Err(err).Msg("final checkpoint failed")
	}
	stopEngine()
	<-eng.Done()
	stopJobs()
	<-archiver.Done()
	return nil
}

func newPublisher(k config.Kafka) (broadcaster.Publisher, error) {
	if k.Client == "kafka-go" {
		return kafka.NewProducer(k.Brokers, k.Topic, "matchcore"), nil
	}
	return broadcaster.NewSaramaPublisher(k.Brokers, k.Topic, "matchcore")
}
