// Command indexerd runs the persistence indexer framework: it discovers a
// simulation run, prepares that run's schema across the metadata, organism,
// and environment indexers, and drains the batch topic into Postgres until
// told to stop. The operational HTTP surface (/healthz, /metrics,
// /resources) is served alongside it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/evochora/pipeline/internal/config"
	"github.com/evochora/pipeline/internal/httpapi"
	"github.com/evochora/pipeline/internal/indexer"
	"github.com/evochora/pipeline/internal/indexer/environment"
	"github.com/evochora/pipeline/internal/indexer/metadata"
	"github.com/evochora/pipeline/internal/indexer/organism"
	"github.com/evochora/pipeline/internal/infrastructure/db"
	"github.com/evochora/pipeline/internal/obslog"
	"github.com/evochora/pipeline/internal/orchestrate"
	"github.com/evochora/pipeline/internal/resource"
	"github.com/evochora/pipeline/internal/resource/notifyredis"
	"github.com/evochora/pipeline/internal/resource/promreg"
	"github.com/evochora/pipeline/internal/service"
	"github.com/evochora/pipeline/internal/storage"
	"github.com/evochora/pipeline/internal/storage/fsstore"
	"github.com/evochora/pipeline/internal/topic/pgstore"
	"github.com/evochora/pipeline/internal/topic/wakeup"
	"github.com/evochora/pipeline/internal/topicerr"
)

const batchTopic = "batch"

var (
	configPath string
	logLevel   string
	runIDFlag  string
	redisAddr  string
	redisTTL   time.Duration
	httpHost   string
	httpPort   int
)

func main() {
	root := &cobra.Command{
		Use:   "indexerd",
		Short: "Run the topic-backed persistence indexer framework",
		RunE:  runIndexerd,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to indexerd YAML config")
	root.Flags().StringVar(&logLevel, "log-level", "info", "zerolog level (debug|info|warn|error)")
	root.Flags().StringVar(&runIDFlag, "run-id", "", "skip discovery and index this run id directly")
	root.Flags().StringVar(&redisAddr, "redis-addr", "", "optional Redis address caching listRunIds (e.g. localhost:6379)")
	root.Flags().DurationVar(&redisTTL, "redis-ttl", 5*time.Second, "TTL for the cached listRunIds entry")
	root.Flags().StringVar(&httpHost, "http-host", "", "operational HTTP surface bind host (overrides default)")
	root.Flags().IntVar(&httpPort, "http-port", 0, "operational HTTP surface bind port (overrides default)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runIndexerd(cmd *cobra.Command, args []string) error {
	obslog.Init(logLevel)
	log := obslog.For("indexerd")

	cfg, err := config.LoadAppConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runIDFlag != "" {
		cfg.Indexer.RunID = runIDFlag
	}

	dbManager, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer dbManager.Close()

	fsStore, err := fsstore.New(cfg.Storage.RootDirectory)
	if err != nil {
		return fmt.Errorf("open storage root: %w", err)
	}

	var store storage.Store = fsStore
	var storeResource resource.Resource = fsStore
	if redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		cached := notifyredis.New(fsStore, client, redisTTL)
		store, storeResource = cached, cached
		log.Info().Str("addr", redisAddr).Dur("ttl", redisTTL).Msg("listRunIds cache enabled")
	}

	runID := cfg.Indexer.RunID
	if runID == "" {
		runID, err = discoverRunID(cmd.Context(), store, cfg.Indexer)
		if err != nil {
			return fmt.Errorf("discover run: %w", err)
		}
	}
	log.Info().Str("run_id", runID).Msg("run discovered")
	cfg.Indexer.RunID = runID

	wk := wakeup.NewRegistry()
	metrics := promreg.New()

	registry := orchestrate.NewRegistry()
	registerResource(registry, log, orchestrate.UsageStorageRead, "storage", storeResource)

	dbWindow := time.Duration(cfg.Database.MetricsWindowSizeMs) * time.Millisecond
	metadataIdx := metadata.New(dbManager.DB(), store, cfg.Indexer)
	organismIdx := organism.New(dbManager.DB())
	environmentIdx := environment.New(dbManager.DB())
	organismIdx.SetMetricsWindow(dbWindow)
	environmentIdx.SetMetricsWindow(dbWindow)
	registerResource(registry, log, orchestrate.UsageDatabaseMetadata, "metadata-indexer", metadataIdx)
	registerResource(registry, log, orchestrate.UsageDatabaseOrganism, "organism-indexer", organismIdx)
	registerResource(registry, log, orchestrate.UsageDatabaseEnvironment, "environment-indexer", environmentIdx)

	if err := metadataIdx.PrepareSchema(cmd.Context(), runID); err != nil {
		return fmt.Errorf("prepare metadata schema: %w", err)
	}

	topicWindow := time.Duration(cfg.Topic.MetricsWindowSizeMs) * time.Millisecond
	organismEngine := pgstore.New(dbManager.DB(), wk, "indexerd-organism", cfg.Topic.ClaimTimeout)
	environmentEngine := pgstore.New(dbManager.DB(), wk, "indexerd-environment", cfg.Topic.ClaimTimeout)
	for _, engine := range []*pgstore.Engine{organismEngine, environmentEngine} {
		engine.SetMetrics(metrics)
		engine.SetMetricsWindow(topicWindow)
	}
	registerResource(registry, log, orchestrate.UsageTopicWrite, "organism-topic-engine", organismEngine)
	registerResource(registry, log, orchestrate.UsageTopicWrite, "environment-topic-engine", environmentEngine)

	organismRunner := indexer.NewRunner("organism", cfg.Indexer, store, organismEngine, organismIdx, batchTopic, "organism-indexer")
	environmentRunner := indexer.NewRunner("environment", cfg.Indexer, store, environmentEngine, environmentIdx, batchTopic, "environment-indexer")
	organismRunner.SetMetrics(metrics)
	environmentRunner.SetMetrics(metrics)
	registerResource(registry, log, orchestrate.UsageTopicWrite, "organism-runner", organismRunner)
	registerResource(registry, log, orchestrate.UsageTopicWrite, "environment-runner", environmentRunner)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := metadataIdx.Run(ctx, runID); err != nil {
		return fmt.Errorf("index metadata: %w", err)
	}

	organismLifecycle := service.New("organism-indexer", organismRunner)
	environmentLifecycle := service.New("environment-indexer", environmentRunner)
	if err := organismLifecycle.Start(ctx); err != nil {
		return fmt.Errorf("start organism indexer: %w", err)
	}
	if err := environmentLifecycle.Start(ctx); err != nil {
		return fmt.Errorf("start environment indexer: %w", err)
	}

	httpCfg := httpapi.DefaultConfig()
	if httpHost != "" {
		httpCfg.Host = httpHost
	}
	if httpPort != 0 {
		httpCfg.Port = httpPort
	}
	server, err := httpapi.New(httpCfg, registry, time.Now())
	if err != nil {
		return fmt.Errorf("start operational http surface: %w", err)
	}
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("operational http surface stopped")
		}
	}()
	go reportMetrics(ctx, metrics, registry)

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	_ = organismLifecycle.Stop(shutdownCtx)
	_ = environmentLifecycle.Stop(shutdownCtx)
	return registry.Close()
}

// discoverRunID polls store.ListRunIds at no more than one call per
// PollInterval, mirroring indexer.Runner's own discovery loop so a run-id
// found here matches what each indexer would independently discover.
func discoverRunID(ctx context.Context, store storage.Store, cfg config.IndexerConfig) (string, error) {
	t0 := time.Now().UnixMilli()
	deadline := time.Now().Add(cfg.MaxPollDuration)
	limiter := rate.NewLimiter(rate.Every(cfg.PollInterval), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return "", err
		}
		ids, err := store.ListRunIds(t0)
		if err == nil && len(ids) > 0 {
			return ids[0], nil
		}
		if time.Now().After(deadline) {
			return "", topicerr.New(topicerr.DiscoveryTimeout, fmt.Sprintf("no run appeared within %s", cfg.MaxPollDuration), nil)
		}
	}
}

// registerResource installs res under name so the /resources HTTP surface
// can enumerate it, going through the real binding-resolution path rather
// than reaching into the registry's internals.
func registerResource(reg *orchestrate.Registry, log zerolog.Logger, usageType, name string, res resource.Resource) {
	reg.RegisterFactory(name, func(string) (resource.Resource, error) { return res, nil })
	if _, _, err := reg.Resolve("indexerd", name, usageType+":"+name); err != nil {
		log.Warn().Err(err).Str("resource", name).Msg("failed to register resource for operational surface")
	}
}

// reportMetrics periodically snapshots every constructed resource's state
// into the Prometheus gauges until ctx is cancelled, reporting each
// resource under the usage types its resolved bindings actually requested.
func reportMetrics(ctx context.Context, metrics *promreg.Registry, registry *orchestrate.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			usages := registry.UsageTypes()
			for name, res := range registry.Instances() {
				metrics.ObserveResource(res, usages[name]...)
			}
		}
	}
}
