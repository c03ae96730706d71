// Package main — cmd/linnix-agent/main.go
//
// linnix-agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/linnix/config.yaml.
//  2. Initialise structured logger (zap, atomic level for hot-reload).
//  3. Start Prometheus metrics server (loopback only).
//  4. Open the incidents BoltDB store and the in-memory insights store.
//  5. Start the Kubernetes pod-metadata resolver, if discoverable.
//  6. Start the PSI cgroup scanner.
//  7. Build the safety guard and enforcement queue.
//  8. Start the human-approval Unix socket server, if enabled.
//  9. Start the enforcement executor (approved action -> kill -> incident).
// 10. Start the window aggregator and the ring-buffer event feed.
// 11. Start the reasoning worker, wired as the aggregator's emit callback.
// 12. Start the tag-cache classifier and its background persister.
// 13. Register SIGHUP handler for config hot-reload (log level only).
// 14. Block on SIGINT/SIGTERM for graceful shutdown.
//
// On config validation failure: exit 1 immediately.
// On pinned events map load failure: log and continue without live
// telemetry rather than aborting — the agent still serves approval,
// incidents and metrics endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/longregen/linnix/internal/approval"
	"github.com/longregen/linnix/internal/config"
	"github.com/longregen/linnix/internal/enforcement"
	"github.com/longregen/linnix/internal/eventfeed"
	"github.com/longregen/linnix/internal/executor"
	"github.com/longregen/linnix/internal/incidents"
	"github.com/longregen/linnix/internal/insights"
	"github.com/longregen/linnix/internal/k8smeta"
	"github.com/longregen/linnix/internal/observability"
	"github.com/longregen/linnix/internal/psi"
	"github.com/longregen/linnix/internal/reasoner"
	"github.com/longregen/linnix/internal/tagcache"
	"github.com/longregen/linnix/internal/wire"
	"github.com/longregen/linnix/internal/window"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/linnix/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("linnix-agent %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	log, atomicLevel, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("linnix-agent starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Prometheus metrics ────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil && ctx.Err() == nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 4: Incidents + insights stores ───────────────────────────────────
	incidentStore, err := incidents.Open(cfg.Storage.DBPath, metrics)
	if err != nil {
		log.Fatal("incidents store open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer incidentStore.Close() //nolint:errcheck
	log.Info("incidents store opened", zap.String("path", cfg.Storage.DBPath))

	insightStore := insights.NewStore(cfg.Storage.InsightStoreCapacity, cfg.Storage.InsightLogPath)

	// ── Step 5: Kubernetes metadata resolver ──────────────────────────────────
	// k8sResolver is kept as a concrete *k8smeta.Resolver (or nil); it is only
	// assigned to the psi.ContainerMetadataLookup / enforcement.NamespaceResolver
	// interface variables below inside the resolverOK branch, so a disabled
	// resolver leaves those interfaces as true nils rather than non-nil
	// interfaces wrapping a nil pointer.
	k8sResolver, resolverOK := k8smeta.NewResolver(log)
	var containerLookup psi.ContainerMetadataLookup
	var nsResolver enforcement.NamespaceResolver
	if resolverOK {
		k8sResolver.RefreshInterval = time.Duration(cfg.K8s.RefreshIntervalSecs) * time.Second
		go k8sResolver.Run(ctx)
		containerLookup = k8sResolver
		nsResolver = k8sResolver
		log.Info("kubernetes metadata resolver started", zap.String("node", k8sResolver.NodeName))
	} else {
		containerLookup = noopContainerLookup{}
		log.Info("kubernetes metadata resolver disabled (no discovery configuration found)")
	}

	// ── Step 6: PSI cgroup scanner ─────────────────────────────────────────────
	psiMonitor := psi.NewMonitor(containerLookup, log, time.Duration(cfg.PSI.ScanIntervalMs)*time.Millisecond)
	go func() {
		if err := psiMonitor.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("psi monitor stopped", zap.Error(err))
		}
	}()
	log.Info("psi cgroup scanner started")

	// ── Step 7: Safety guard + enforcement queue ──────────────────────────────
	safetyGuard, err := enforcement.NewDefaultSafetyGuard(cfg.Enforcement.AgentBinaryName, nsResolver)
	if err != nil {
		log.Fatal("safety guard init failed", zap.Error(err))
	}
	enforcementQueue := enforcement.NewQueue(time.Duration(cfg.Enforcement.TTLSecs)*time.Second, safetyGuard, log)
	enforcementQueue.Metrics = metrics

	// ── Step 8: Approval socket ───────────────────────────────────────────────
	if cfg.Approval.Enabled {
		approvalSrv := approval.NewServer(cfg.Approval.SocketPath, enforcementQueue, log, uint32(os.Getuid()))
		go func() {
			if err := approvalSrv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
				log.Error("approval server error", zap.Error(err))
			}
		}()
		log.Info("approval socket server started", zap.String("path", cfg.Approval.SocketPath))
	} else {
		log.Info("approval socket disabled")
	}

	// ── Step 9: Enforcement executor ──────────────────────────────────────────
	var analyzer *incidents.Analyzer
	if cfg.Reasoner.Enabled && cfg.Reasoner.Endpoint != "" {
		analyzer = incidents.NewAnalyzer(cfg.Reasoner.Endpoint, time.Duration(cfg.Reasoner.TimeoutMs)*time.Millisecond, log)
	}
	exec := executor.New(enforcementQueue, incidentStore, analyzer, metrics, log)
	go exec.Run(ctx)
	log.Info("enforcement executor started")

	// ── Step 10: Window aggregator + event feed ───────────────────────────────
	aggregator := window.NewAggregator(
		time.Duration(cfg.Reasoner.WindowSeconds)*time.Second,
		cfg.Reasoner.MinEPSToEnable,
		metrics,
		log,
	)

	eventsMap, err := eventfeed.LoadPinnedEventsMap(cfg.EventFeed.RingbufMapPath)
	if err != nil {
		log.Error("pinned events map unavailable — running without live telemetry",
			zap.String("path", cfg.EventFeed.RingbufMapPath), zap.Error(err))
	} else {
		processor := eventfeed.NewProcessor(eventsMap, metrics, log)
		eventsCh, err := processor.Run(ctx)
		if err != nil {
			log.Fatal("event feed processor failed to start", zap.Error(err))
		}
		go relayEvents(ctx, eventsCh, aggregator)
		log.Info("event feed processor started", zap.String("map_path", cfg.EventFeed.RingbufMapPath))
	}

	// ── Step 11: Reasoning worker ──────────────────────────────────────────────
	reasonHandler := reasoner.TryNew(reasoner.Config{
		Enabled:        cfg.Reasoner.Enabled,
		Endpoint:       cfg.Reasoner.Endpoint,
		WindowSeconds:  cfg.Reasoner.WindowSeconds,
		TimeoutMs:      cfg.Reasoner.TimeoutMs,
		MinEPSToEnable: cfg.Reasoner.MinEPSToEnable,
		TopKKB:         cfg.Reasoner.TopKKB,
		ToolsEnabled:   cfg.Reasoner.ToolsEnabled,
	}, metrics, nil, insightStore, enforcementQueue, log)
	if reasonHandler == nil {
		log.Info("reasoning worker disabled")
	} else {
		log.Info("reasoning worker started", zap.String("endpoint", cfg.Reasoner.Endpoint))
	}

	// ── Step 12: Tag-name classifier + persister ──────────────────────────────
	var tagClassifier *tagcache.Classifier
	var tagDone chan struct{}
	if cfg.TagCache.Enabled {
		cachePath := cfg.TagCache.CachePath
		if cachePath == "" {
			cachePath = tagcache.DefaultPath()
		}
		tagCache := tagcache.New(cachePath, log)
		tagCache.Load()
		tagClassifier = tagcache.NewClassifier(
			tagCache,
			cfg.TagCache.Endpoint,
			time.Duration(cfg.TagCache.TimeoutMs)*time.Millisecond,
			cfg.TagCache.Offline,
			metrics,
			log,
		)
		tagDone = make(chan struct{})
		go tagCache.RunPersister(tagDone, time.Duration(cfg.TagCache.SaveIntervalSecs)*time.Second)
		log.Info("tag cache classifier started", zap.String("path", cachePath))
	}

	go aggregator.Run(ctx, func(summary window.WindowSummary) {
		if reasonHandler != nil {
			reasonHandler.ProcessWindow(summary)
		}
		if tagClassifier != nil {
			warmTagCache(ctx, tagClassifier, summary.TopComm, log)
		}
	})
	log.Info("window aggregator started", zap.Duration("period", time.Duration(cfg.Reasoner.WindowSeconds)*time.Second))

	// ── Step 13: SIGHUP hot-reload ────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			if newLevel, err := zapLevelFromString(newCfg.Observability.LogLevel); err != nil {
				log.Error("config hot-reload: invalid log_level, retaining current level", zap.Error(err))
			} else {
				atomicLevel.SetLevel(newLevel)
				log.Info("config hot-reload applied log level change; all other fields require restart",
					zap.String("log_level", newCfg.Observability.LogLevel))
			}
		}
	}()

	// ── Step 14: Wait for shutdown signal ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	if tagDone != nil {
		close(tagDone)
	}

	// Give background goroutines (approval server close, final tag-cache
	// save) a moment to observe the cancelled context. The aggregator
	// returns on cancellation without summarising events still buffered.
	time.Sleep(500 * time.Millisecond)

	log.Info("linnix-agent shutdown complete")
}

// relayEvents forwards parsed ring-buffer events into the aggregator until
// either the source channel closes or ctx is cancelled.
func relayEvents(ctx context.Context, in <-chan wire.ProcessEvent, agg *window.Aggregator) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			agg.Send(e)
		}
	}
}

// buildLogger constructs a zap.Logger with the given level and format,
// returning the AtomicLevel so SIGHUP can adjust verbosity without a
// restart.
func buildLogger(level, format string) (*zap.Logger, zap.AtomicLevel, error) {
	zapLevel, err := zapLevelFromString(level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	atomicLevel := zap.NewAtomicLevelAt(zapLevel)
	cfg.Level = atomicLevel

	logger, err := cfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger, atomicLevel, nil
}

func zapLevelFromString(level string) (zapcore.Level, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return zapLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zapLevel, nil
}

// warmTagCache best-effort classifies the window's top command names so the
// on-disk tag cache stays populated for the out-of-scope CLI tooling
// (linnix processes / linnix blame) that reads it. Errors are not logged
// individually — Classifier.Tags already counts cache hits/misses and
// classification failures in metrics.
func warmTagCache(ctx context.Context, classifier *tagcache.Classifier, topComm []string, log *zap.Logger) {
	tctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for _, comm := range topComm {
		if comm == "" {
			continue
		}
		if _, err := classifier.Tags(tctx, comm); err != nil {
			log.Debug("tag cache: warm lookup failed", zap.String("comm", comm), zap.Error(err))
		}
	}
}

// noopContainerLookup is used when no Kubernetes discovery is available: PSI
// deltas are still scanned, but cannot be attributed to a namespace/pod.
type noopContainerLookup struct{}

func (noopContainerLookup) LookupContainer(containerID string) (namespace, podName string, ok bool) {
	return "", "", false
}
