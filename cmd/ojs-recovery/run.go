package main

import (
	"context"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openjobspec/ojs-recovery-nats/internal/api"
	"github.com/openjobspec/ojs-recovery-nats/internal/core"
	natsbackend "github.com/openjobspec/ojs-recovery-nats/internal/nats"
	"github.com/openjobspec/ojs-recovery-nats/internal/policy"
	"github.com/openjobspec/ojs-recovery-nats/internal/recovery"
	"github.com/openjobspec/ojs-recovery-nats/internal/registry"
	"github.com/openjobspec/ojs-recovery-nats/internal/scheduler"
	"github.com/openjobspec/ojs-recovery-nats/internal/server"
	"github.com/openjobspec/ojs-recovery-nats/internal/store/memory"
	"github.com/openjobspec/ojs-recovery-nats/internal/store/natskv"
	"github.com/openjobspec/ojs-recovery-nats/internal/store/postgres"
	"github.com/openjobspec/ojs-recovery-nats/internal/tester"
)

func runRecovery(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	cfg, err := server.LoadConfig(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}
	if cmd.Flags().Changed("binding-key") {
		cfg.Recovery.BindingKey = bindingKey
	}
	if err := core.ValidateWorkerName(workerName); err != nil {
		slog.Error("invalid worker name", "error", err)
		return err
	}

	log := newLogger(cfg.Logging, isDebug).With("worker", workerName)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, shutdown := context.WithCancel(ctx)
	defer shutdown()

	backend, err := natsbackend.New(cfg.NATS.URL, "ojs-recovery-"+workerName)
	if err != nil {
		log.Error("failed to connect to NATS", "error", err)
		return err
	}
	defer backend.Close()
	log.Info("connected to NATS", "url", cfg.NATS.URL)

	buckets, err := backend.OpenBuckets(ctx)
	if err != nil {
		log.Error("failed to open KV buckets", "error", err)
		return err
	}

	store, closeStore, err := openStore(ctx, cfg.Store, buckets)
	if err != nil {
		log.Error("failed to open store", "driver", cfg.Store.Driver, "error", err)
		return err
	}
	defer closeStore()
	log.Info("store ready", "driver", cfg.Store.Driver)

	var lookup registry.Lookup = registry.NewKV(buckets.Systems, buckets.Apps)
	if cfg.Store.Driver == server.DriverMemory {
		lookup = registry.NewMemory()
	}

	events := natsbackend.NewEventBroker(backend.Conn())
	defer events.Close()

	sched := recovery.NewScheduler(recovery.SchedulerConfig{
		Store:    store,
		Queue:    natsbackend.NewProducer(backend.JetStream()),
		Events:   events,
		Testers:  tester.NewRegistry(tester.Deps{Registry: lookup, Jobs: store, Logger: log}),
		Policies: policy.NewRegistry(),
		Logger:   log,
	})

	// mu guards the scheduler and the inbox hand-off between the reader,
	// the worker and the cancellation agents.
	var mu sync.Mutex
	inbox := recovery.NewInbox()
	cancels := recovery.NewCancelPool(ctx, &mu, inbox, sched, cfg.Recovery.CancelConcurrency, log)
	dispatcher := recovery.NewDispatcher(recovery.DispatcherConfig{
		Lock:          &mu,
		Store:         store,
		Inbox:         inbox,
		Cancels:       cancels,
		QueueName:     cfg.Recovery.QueueName,
		Shutdown:      shutdown,
		ShutdownGrace: cfg.Recovery.ShutdownGrace,
		Logger:        log,
	})
	supervisor := recovery.NewSupervisor(
		recovery.NewWorker(&mu, inbox, sched, log),
		recovery.NewRestartThrottle(cfg.Recovery.RestartLimit, cfg.Recovery.RestartWindow),
		log,
	)

	var dead *natsbackend.DeadLetter
	if cfg.Recovery.DeadLetter {
		dead = natsbackend.NewDeadLetter(backend.JetStream())
	}
	reader := natsbackend.NewReader(backend.JetStream(), natsbackend.ReaderConfig{
		QueueName:  cfg.Recovery.QueueName,
		BindingKey: cfg.Recovery.BindingKey,
		WorkerName: workerName,
		DeadLetter: dead,
		Logger:     log,
	})
	if err := reader.Connect(ctx); err != nil {
		log.Error("failed to connect recovery reader", "error", err)
		return err
	}

	counts := func() (int, int) {
		mu.Lock()
		defer mu.Unlock()
		return sched.Counts()
	}
	handler := api.NewHandler(api.Sources{
		BrokerHealth: func(ctx context.Context) (any, error) { return backend.Health(ctx) },
		StorePing:    store.Ping,
		Snapshot: func() []recovery.RecordSummary {
			mu.Lock()
			defer mu.Unlock()
			return sched.Snapshot()
		},
		Counts:     counts,
		WorkerName: workerName,
		Version:    version,
	})
	servers := server.NewServers(cfg.Server, server.NewRouter(handler, log), log)
	if err := servers.Start(); err != nil {
		log.Error("failed to start servers", "error", err)
		return err
	}

	cron := scheduler.New(log)
	if cfg.Report.Schedule != "" {
		if err := cron.Add("status-report", cfg.Report.Schedule, scheduler.StatusReport(counts, log)); err != nil {
			log.Error("invalid report schedule", "error", err)
			return err
		}
	}
	cron.Start()
	defer cron.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervisor.Run(gctx)
	})
	g.Go(func() error {
		err := reader.Run(gctx, func(ctx context.Context, d natsbackend.Delivery) (bool, error) {
			return dispatcher.Process(ctx, d.Data)
		})
		if err == nil && gctx.Err() == nil {
			return errors.New("recovery reader stopped unexpectedly")
		}
		return err
	})
	g.Go(func() error {
		select {
		case err := <-servers.Errors():
			return err
		case <-gctx.Done():
			return nil
		}
	})

	servers.SetServing(true)
	log.Info("recovery started",
		"queue", cfg.Recovery.QueueName, "binding_key", cfg.Recovery.BindingKey, "version", version)

	runErr := g.Wait()
	servers.SetServing(false)

	log.Info("shutting down recovery")
	reader.Cancel()
	cancels.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := servers.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}

	if runErr != nil {
		log.Error("recovery stopped on fatal error", "error", runErr)
		return runErr
	}
	log.Info("recovery stopped")
	return nil
}

// openStore selects the recovery store for driver. The returned func
// releases it.
func openStore(ctx context.Context, cfg server.StoreConfig, buckets *natsbackend.Buckets) (recovery.Store, func(), error) {
	switch cfg.Driver {
	case server.DriverPostgres:
		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		s, err := postgres.Open(openCtx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case server.DriverMemory:
		return memory.New(), func() {}, nil
	default:
		return natskv.New(natskv.Buckets{
			Jobs:     buckets.Jobs,
			Recovery: buckets.Recovery,
			Blocked:  buckets.Blocked,
			Seq:      buckets.RecoverySeq,
		}), func() {}, nil
	}
}
