// shardsql is the service binary: a multi-tenant sharded SQL layer with
// policy-driven routing, cache coherence, and online shard splits.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"shardsql/internal/bus"
	"shardsql/internal/cache"
	"shardsql/internal/config"
	"shardsql/internal/gateway"
	"shardsql/internal/logging"
	"shardsql/internal/meta"
	"shardsql/internal/metrics"
	"shardsql/internal/policy"
	"shardsql/internal/router"
	"shardsql/internal/routing"
	"shardsql/internal/shard"
	"shardsql/internal/split"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "shardsql",
		Short:         "Sharded multi-tenant SQL service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), tokenCmd(), versionCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and shard engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func tokenCmd() *cobra.Command {
	var perms []string
	cmd := &cobra.Command{
		Use:   "token <tenant-id> [user-id]",
		Short: "Issue a development JWT for a tenant",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.ApplyEnv()
			if cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			userID := ""
			if len(args) > 1 {
				userID = args[1]
			}
			auth := gateway.NewJWTAuthenticator(cfg.JWTSecret)
			token, err := auth.IssueToken(args[0], userID, perms)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&perms, "perm", nil, "permissions to embed (repeatable)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// engineOpener narrows the shard manager to the slice the split
// orchestrator drives.
type engineOpener struct {
	shards *shard.Manager
}

func (e engineOpener) Get(shardID string) (split.Engine, error) {
	return e.shards.Get(shardID)
}

func runServe(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := logging.Init(cfg.LogLevel, cfg.LogDev); err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("jwt_secret must be configured (JWT_SECRET)")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	logging.Boot("shardsql %s starting (data=%s shards=%d)", version, cfg.DataDir, cfg.ShardCount)

	metaStore, err := meta.Open(filepath.Join(cfg.DataDir, "meta.db"))
	if err != nil {
		return err
	}
	defer metaStore.Close()

	reg := metrics.New()

	queue := bus.NewQueue(0, cfg.BusMaxAttempts)
	queue.SetPublishHook(func(msg bus.Message) {
		reg.BusPublished.WithLabelValues(msg.Type).Inc()
	})

	shards := shard.NewManager(shard.Config{
		DataDir:            cfg.DataDir,
		MaxBytes:           cfg.MaxShardSizeBytes,
		StatementCacheSize: cfg.StatementCacheSize,
		CapacityRecheck:    cfg.CapacityRecheckInterval,
		TxnInactivity:      cfg.TxnInactivityTimeout,
	}, queue)
	defer shards.Close()
	shards.SetObservers(
		func(shardID, typ string) { reg.ShardEvents.WithLabelValues(shardID, typ).Inc() },
		func(shardID string, u float64) { reg.ShardUtilization.WithLabelValues(shardID).Set(u) },
	)

	routingStore, err := routing.NewStore(metaStore)
	if err != nil {
		return err
	}
	routingStore.SetShardLister(shards)

	policies := policy.NewStore(metaStore, cfg.DefaultCacheTTL, cfg.DefaultCacheSWR)
	policies.SetRoutingUpdater(routingStore)

	if err := routingStore.Bootstrap(bootstrapShardIDs(cfg.ShardCount)); err != nil {
		return err
	}

	cacheStore := cache.NewStore()
	cacheStore.SetObservers(
		func(reason string, n int) { reg.CacheEvictions.WithLabelValues(reason).Add(float64(n)) },
		func(delta int) { reg.CacheEntries.Add(float64(delta)) },
	)
	cacheEngine := cache.NewEngine(cacheStore, nil)
	cacheEngine.SetObservers(reg.CacheHits.Inc, reg.CacheStale.Inc, reg.CacheMisses.Inc)

	consumer := bus.NewConsumer(queue, cacheStore, cfg.BusBatchSize, cfg.BusMaxWait, cfg.ProcessedTTL)
	consumer.SetDeliverHook(func(ok bool) {
		outcome := "ok"
		if !ok {
			outcome = "redelivered"
		}
		reg.BusDeliveries.WithLabelValues(outcome).Inc()
	})

	sampler := router.NewSampler(shards, cfg.HealthInterval)
	if err := sampler.Start(); err != nil {
		return err
	}
	defer sampler.Stop()

	rt := router.New(routingStore, policies, sampler)

	orch, err := split.NewOrchestrator(metaStore, routingStore, policies, engineOpener{shards}, split.Config{
		BackfillPageSize: cfg.BackfillPageSize,
		TailBatchSize:    cfg.TailBatchSize,
		GraceWindow:      cfg.GraceWindow,
		TenantColumn:     gateway.TenantColumn,
	})
	if err != nil {
		return err
	}
	orch.SetResolver(func(tenantID string) (string, error) {
		wt, err := rt.RouteWrite(tenantID, "", "")
		if err != nil {
			return "", err
		}
		return wt.Source, nil
	})
	orch.SetObservers(
		func(planID string, n int64) { reg.SplitRowsCopied.WithLabelValues(planID).Add(float64(n)) },
		func(planID string, n int64) { reg.SplitEventsReplayed.WithLabelValues(planID).Add(float64(n)) },
	)
	rt.SetSplitView(orch)
	routingStore.SetSplitTargets(orch)

	auth := gateway.NewJWTAuthenticator(cfg.JWTSecret)
	gw := gateway.New(cfg, auth, shards, rt, cacheEngine, policies, queue, gateway.Observers{
		OnQuery: func(mode, outcome string, elapsed time.Duration) {
			kind := mode
			if kind == "" {
				kind = "write"
			}
			reg.QueriesTotal.WithLabelValues(kind, outcome).Inc()
			reg.QueryDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
		},
		OnBreaker: func(shardID, state string) {
			reg.BreakerTransitions.WithLabelValues(shardID, state).Inc()
		},
		OnWaiters: func(shardID string, n int) {
			reg.PoolWaiters.WithLabelValues(shardID).Set(float64(n))
		},
		OnSession: func(n int) { reg.SessionsActive.Set(float64(n)) },
	})
	if err := gw.Sessions().StartSweep(cfg.SessionSweepInterval); err != nil {
		return err
	}
	defer gw.Sessions().StopSweep()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go consumer.Run(ctx)
	go cacheStore.RunJanitor(ctx, time.Minute)
	go sweepTransactions(ctx, shards, cfg.TxnInactivityTimeout)

	if cfgPath != "" {
		// Log-level changes apply live; structural settings need a restart.
		err := config.Watch(ctx, cfgPath, func() {
			fresh, err := config.Load(cfgPath)
			if err != nil {
				logging.Boot("config reload skipped: %v", err)
				return
			}
			if fresh.LogLevel != cfg.LogLevel {
				if err := logging.Init(fresh.LogLevel, fresh.LogDev); err == nil {
					cfg.LogLevel = fresh.LogLevel
					logging.Boot("log level now %s", fresh.LogLevel)
				}
			}
			policies.ClearCache()
		})
		if err != nil {
			logging.Boot("config watch unavailable: %v", err)
		}
	}

	server := gateway.NewServer(cfg.HTTPAddr, gw, shards, rt, routingStore, policies, orch, queue, reg.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	logging.Boot("shardsql stopped")
	return err
}

// bootstrapShardIDs names the initial shard set: shard-000 .. shard-NNN.
func bootstrapShardIDs(n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, fmt.Sprintf("shard-%03d", i))
	}
	return ids
}

// sweepTransactions expires idle queued transactions on a fixed cadence.
func sweepTransactions(ctx context.Context, shards *shard.Manager, inactivity time.Duration) {
	every := inactivity / 2
	if every < 5*time.Second {
		every = 5 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := shards.SweepTransactions(time.Now()); n > 0 {
				logging.Shard("expired %d idle transactions", n)
			}
		}
	}
}
