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

	"github.com/nats-io/nats.go"
	"github.com/oschwald/geoip2-golang"

	"github.com/stellr/sentinel/internal/alert"
	"github.com/stellr/sentinel/internal/api"
	"github.com/stellr/sentinel/internal/collector"
	"github.com/stellr/sentinel/internal/config"
	"github.com/stellr/sentinel/internal/metrics"
	"github.com/stellr/sentinel/internal/mitigate"
	"github.com/stellr/sentinel/internal/model"
	"github.com/stellr/sentinel/internal/notify"
	"github.com/stellr/sentinel/internal/pipeline"
	"github.com/stellr/sentinel/internal/profile"
	"github.com/stellr/sentinel/internal/store"
	"github.com/stellr/sentinel/internal/threat"
	"github.com/stellr/sentinel/internal/transport"
)

const (
	maxProfiles      = 10000
	alertHistorySize = 1000
	alertDedupeCap   = 10000
	gcInterval       = 30 * time.Second
	sessionMaxAge    = 12 * time.Hour
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting Sentinel Security Pipeline")
	logger.Info("Configuration loaded",
		"http_addr", cfg.HTTP.Addr,
		"store_path", cfg.Store.Path,
		"nats_enabled", cfg.NATS.Enabled,
		"catalog_dir", cfg.Catalog.Dir,
		"rules_dir", cfg.Rules.Dir,
		"hot_reload", cfg.Catalog.HotReload)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prometheusMetrics := metrics.NewMetrics()

	// Durable audit store.
	audit, err := store.OpenAuditStore(cfg.Store.Path)
	if err != nil {
		logger.Error("Failed to open audit store", "error", err)
		os.Exit(1)
	}
	defer audit.Close()
	logger.Info("Audit store opened", "path", cfg.Store.Path)

	// Optional GeoIP database for location enrichment.
	var geoDB *geoip2.Reader
	if cfg.GeoIP.CityPath != "" {
		geoDB, err = geoip2.Open(cfg.GeoIP.CityPath)
		if err != nil {
			logger.Warn("Failed to open GeoIP database, location enrichment disabled", "path", cfg.GeoIP.CityPath, "error", err)
		} else {
			defer geoDB.Close()
			logger.Info("GeoIP database loaded", "path", cfg.GeoIP.CityPath)
		}
	}

	// Event collection.
	window := collector.NewWindow(cfg.Window.MaxAge, cfg.Window.MaxEvents)
	window.StartGC(gcInterval)
	defer window.StopGC()
	eventCollector := collector.New(window, audit, geoDB, prometheusMetrics, logger)

	// Behavioral profiling with persisted baselines.
	profiler := profile.New(maxProfiles, audit, prometheusMetrics, logger)
	if err := profiler.Restore(ctx); err != nil {
		logger.Warn("Failed to restore behavior profiles", "error", err)
	}

	// Threat pattern catalog with optional hot reload.
	catalog := threat.NewCatalog(cfg.Catalog.Dir, cfg.Catalog.HotReload,
		time.Duration(cfg.Catalog.DebounceMs)*time.Millisecond, logger)
	snapshot, err := catalog.Load()
	if err != nil {
		logger.Error("Failed to load threat pattern catalog", "error", err)
		os.Exit(1)
	}
	logger.Info("Threat patterns loaded", "count", len(snapshot.Patterns))
	if err := catalog.Watch(); err != nil {
		logger.Error("Failed to start catalog watcher", "error", err)
		os.Exit(1)
	}
	defer catalog.Close()

	evaluator := threat.NewEvaluator(catalog, window, prometheusMetrics, logger)
	refiner := threat.NewRefiner(catalog, logger)
	if cfg.Ensemble.BoostPerCorrelation > 0 {
		refiner.BoostPerCorrelation = cfg.Ensemble.BoostPerCorrelation
	}
	if cfg.Ensemble.MaxBoost > 0 {
		refiner.MaxBoost = cfg.Ensemble.MaxBoost
	}

	// Notification channels.
	dispatcher := notify.NewDispatcher(prometheusMetrics, logger)
	dispatcher.Register(notify.NewPushChannel(nil), 1, cfg.Notify.RatePerMin)
	dispatcher.Register(notify.NewAuditLogChannel(cfg.Notify.AuditLogPath), 2, 0)
	if cfg.Notify.WebhookURL != "" {
		dispatcher.Register(notify.NewWebhookChannel(cfg.Notify.WebhookURL), 3, cfg.Notify.RatePerMin)
	}

	// Mitigation.
	executor := mitigate.NewExecutor(
		&collectorTerminator{collector: eventCollector, window: window},
		&criticalReporter{dispatcher: dispatcher, logger: logger},
		prometheusMetrics, logger)

	// Alert rules.
	rules, err := alert.LoadRules(cfg.Rules.Dir)
	if err != nil {
		logger.Error("Failed to load alert rules", "error", err)
		os.Exit(1)
	}
	logger.Info("Alert rules loaded", "count", len(rules))
	history := store.NewAlertHistory(alertHistorySize, alertDedupeCap)
	engine := alert.NewEngine(rules, history, audit, audit, dispatcher, logger, prometheusMetrics)

	ruleWatcher := alert.NewRuleWatcher(cfg.Rules.Dir, cfg.Rules.HotReload,
		time.Duration(cfg.Catalog.DebounceMs)*time.Millisecond, engine, logger)
	if err := ruleWatcher.Start(); err != nil {
		logger.Error("Failed to start rule watcher", "error", err)
		os.Exit(1)
	}
	defer ruleWatcher.Close()

	// Optional NATS transport.
	var nc *nats.Conn
	var publisher *transport.Publisher
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL)
		if err != nil {
			logger.Error("Failed to connect to NATS", "url", cfg.NATS.URL, "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)
		publisher = transport.NewPublisher(nc, logger)
	}

	service := pipeline.New(eventCollector, profiler, evaluator, refiner, executor, engine,
		audit, publisher, prometheusMetrics, logger)
	service.StartMaintenance(cfg.Escalation.SweepInterval, cfg.Escalation.StaleAfter, sessionMaxAge)

	if nc != nil {
		subscriber := transport.NewSubscriber(nc, service, cfg.NATS.Queue, logger)
		go func() {
			if err := subscriber.Subscribe(ctx); err != nil {
				logger.Error("NATS subscriber error", "error", err)
			}
		}()
	}

	ready := func() bool {
		return nc == nil || nc.IsConnected()
	}
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: api.NewServer(service, catalog, ready, logger),
	}
	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Sentinel service started successfully")
	<-sigChan

	logger.Info("Shutting down sentinel service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	service.Close(shutdownCtx)

	logger.Info("Sentinel service stopped")
}

// collectorTerminator ends every session the subject had in the recent
// window.
type collectorTerminator struct {
	collector *collector.Collector
	window    *collector.Window
}

func (t *collectorTerminator) TerminateSessions(ctx context.Context, subjectID string) error {
	seen := make(map[string]struct{})
	for _, ev := range t.window.Recent(subjectID, time.Hour) {
		if ev.SessionID == "" {
			continue
		}
		if _, ok := seen[ev.SessionID]; ok {
			continue
		}
		seen[ev.SessionID] = struct{}{}
		t.collector.EndSession(ev.SessionID)
	}
	return nil
}

// criticalReporter surfaces critical detections on the push channel and the
// error log.
type criticalReporter struct {
	dispatcher *notify.Dispatcher
	logger     *slog.Logger
}

func (r *criticalReporter) ReportCritical(ctx context.Context, result *model.ThreatDetectionResult) {
	r.logger.Error("Critical threat requires attention",
		"pattern", result.PatternID,
		"subject_id", result.SubjectID,
		"risk_score", result.RiskScore,
		"confidence", result.Confidence)
	r.dispatcher.Dispatch(ctx, &notify.Notification{
		Message: fmt.Sprintf("critical threat %s for subject %s", result.PatternID, result.SubjectID),
	}, []string{"push", "audit_log"})
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
