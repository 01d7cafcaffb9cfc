package cli

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/me/shardsched/internal/cluster"
	"github.com/me/shardsched/internal/facade"
	"github.com/me/shardsched/internal/jobconfig"
	"github.com/me/shardsched/internal/metrics"
	"github.com/me/shardsched/internal/producer"
	"github.com/me/shardsched/internal/scheduler"
	"github.com/me/shardsched/internal/server"
	"github.com/me/shardsched/internal/store"
)

// queueSampleInterval is how often queue depth gauges are refreshed.
const queueSampleInterval = 5 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the built-in cluster manager and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	f := cmd.Flags()
	f.String("addr", ":8080", "Listen address")
	f.String("db", "shardsched.db", "SQLite database path")
	f.String("jobs-dir", "", "Directory of job definition files")
	f.Int("queue-max-size", 10000, "Maximum entries per queue (0 for unlimited)")
	a.bind("server.addr", f.Lookup("addr"))
	a.bind("store.path", f.Lookup("db"))
	a.bind("jobs.dir", f.Lookup("jobs-dir"))
	a.bind("scheduler.queue_max_size", f.Lookup("queue-max-size"))
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	st, err := store.NewSQLiteStore(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("database ready", "path", cfg.Store.Path)

	jobs := jobconfig.NewRepository(st, logger)
	var wg sync.WaitGroup
	if cfg.Jobs.Dir != "" {
		w := jobconfig.NewWatcher(cfg.Jobs.Dir, cfg.Jobs.Pattern, jobs, logger)
		if cfg.Jobs.Watch {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := w.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("job watcher stopped", "error", err)
				}
			}()
		} else if err := w.Reload(ctx); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(reg)

	fac := facade.New(facade.Config{
		MaxQueueSize: cfg.Scheduler.QueueMaxSize,
		Producer:     producer.DefaultConfig(),
	}, st, jobs, logger)
	defer fac.Close(context.WithoutCancel(ctx))

	mgr := cluster.New(cluster.Config{
		OfferInterval: cfg.Cluster.OfferInterval,
		OfferRate:     cfg.Cluster.OfferRate,
		OfferTimeout:  cfg.Cluster.OfferTimeout,
		AgentTimeout:  cfg.Cluster.AgentTimeout,
	}, logger)
	engine := scheduler.NewEngine(fac, mgr, scheduler.Config{Recorder: rec}, logger)
	disp := scheduler.NewDispatcher(engine, 0, logger)
	mgr.SetScheduler(disp)

	srv := server.New(cfg.Server, fac, logger,
		server.WithScheduler(engine),
		server.WithCluster(mgr),
		server.WithMetrics(metrics.Handler(reg)),
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		disp.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := mgr.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("cluster manager stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		sampleQueues(ctx, fac, rec)
	}()

	err = srv.ListenAndServe(ctx)
	wg.Wait()
	return err
}

// sampleQueues refreshes the queue depth gauges until ctx is cancelled.
func sampleQueues(ctx context.Context, fac *facade.Facade, rec *metrics.Collector) {
	ticker := time.NewTicker(queueSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := fac.Snapshot(ctx)
			if err != nil {
				continue
			}
			rec.SetQueueDepths(snap)
		}
	}
}
