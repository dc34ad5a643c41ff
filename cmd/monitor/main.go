// Command monitor runs the auction-monitoring core end to end: it starts a
// Collector (replay, browser, or http-poll), an Engine, and prints a
// one-line summary of every processed event to stdout. The tabular UI
// described in the spec is out of scope for this core; this binary is the
// minimal collaborator that exercises it (spec §1).
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vigiasubastas/monitor/internal/cache"
	"github.com/vigiasubastas/monitor/internal/collector"
	"github.com/vigiasubastas/monitor/internal/collector/browser"
	"github.com/vigiasubastas/monitor/internal/collector/httppoll"
	"github.com/vigiasubastas/monitor/internal/collector/replay"
	"github.com/vigiasubastas/monitor/internal/currency"
	"github.com/vigiasubastas/monitor/internal/engine"
	"github.com/vigiasubastas/monitor/internal/events"
	"github.com/vigiasubastas/monitor/internal/metrics"
	"github.com/vigiasubastas/monitor/internal/security"
	"github.com/vigiasubastas/monitor/internal/stored"
	"github.com/vigiasubastas/monitor/pkg/alerting"
	"github.com/vigiasubastas/monitor/pkg/logger"
	"github.com/vigiasubastas/monitor/pkg/sentry"
)

func main() {
	var (
		scenarioPath   = flag.String("scenario", "", "path to a replay scenario file; mutually exclusive with -portal-url")
		portalURL      = flag.String("portal-url", "", "live portal URL to drive via the browser collector; mutually exclusive with -scenario")
		httpMonitor    = flag.Bool("http-monitor", false, "after capturing a live session, hand off to the HTTP-poll collector instead of staying on the browser driver")
		storeKind      = flag.String("store", "memory", "persistence backend: memory, filesystem, or postgres")
		storeDir       = flag.String("store-dir", "./data", "directory for the filesystem store")
		dbDSN          = flag.String("db-dsn", "", "PostgreSQL DSN, required when -store=postgres")
		redisAddr      = flag.String("redis-addr", "", "Redis address for the heartbeat-aggregation counter; empty uses an in-process counter")
		logLevel       = flag.String("log-level", "info", "debug, info, warn, or error")
		sentryDSN      = flag.String("sentry-dsn", "", "Sentry DSN; empty disables error tracking")
		metricsAddr    = flag.String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9100; empty disables the server")
		hideBelowLimit = flag.Bool("hide-below-min-margin", false, "hide ALERT events whose renta_para_mejorar is below the line item's minimum margin")
		intensive      = flag.Bool("intensive", false, "start the collector in intensive-monitoring mode")
		fxProvider     = flag.String("fx-provider", "none", "ARS/USD reference-rate source for the currency converter's auto-refresh: none, ecb, or api")
		fxAPIURL       = flag.String("fx-api-url", "", "rate API endpoint (supports a {{base}} template variable), required when -fx-provider=api")
		fxAPIKey       = flag.String("fx-api-key", "", "API key for -fx-provider=api, sent as X-API-Key")
	)
	flag.Parse()

	logger.SetLevel(*logLevel)

	if (*scenarioPath == "") == (*portalURL == "") {
		logger.Log.Fatal().Msg("monitor: exactly one of -scenario or -portal-url is required")
	}

	if *sentryDSN != "" {
		cfg := sentry.DefaultConfig()
		cfg.DSN = *sentryDSN
		if err := sentry.Init(cfg); err != nil {
			logger.Log.Error().Err(err).Msg("monitor: sentry init failed, continuing without it")
		}
	}

	store, closeStore, err := buildStore(*storeKind, *storeDir, *dbDSN)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("monitor: store init failed")
	}
	defer closeStore()

	heartbeats, err := cache.New(cache.Config{RedisAddr: *redisAddr, BucketWidth: time.Minute, EntryTTL: 10 * time.Minute})
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("monitor: heartbeat cache init failed")
	}
	defer heartbeats.Close()

	var m *metrics.Metrics
	if *metricsAddr != "" {
		m = metrics.NewMetrics("monitor")
		go serveMetrics(*metricsAddr)
	}

	alertCfg := alerting.DefaultConfig()
	alerts := alerting.NewManager(alertCfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fxProv, err := buildFXProvider(*fxProvider, *fxAPIURL, *fxAPIKey)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("monitor: fx provider init failed")
	}
	conv := currency.NewConverter(currency.DefaultConfig(), fxProv)
	if fxProv != nil {
		conv.StartAutoRefresh(ctx)
	}

	raw := events.NewRawQueue(256)
	processed := events.NewProcessedQueue(256)
	control := events.NewControlQueue()

	eng := engine.New(store, raw, processed, control, security.DefaultConfig(), conv, heartbeats, m, alerts, engine.Config{
		HideBelowThreshold:      *hideBelowLimit,
		SoundRefractory:         10 * time.Second,
		LogBucketWidth:          time.Minute,
		HTTPErrorCollapseWindow: time.Minute,
	})

	collCfg := collector.DefaultConfig()
	if *intensive {
		collCfg = collector.IntensiveConfig()
	}
	collCfg.HTTPMonitor = *httpMonitor

	coll, auctionID, urls, err := buildCollector(*scenarioPath, *portalURL, collCfg, raw)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("monitor: collector init failed")
	}

	go runControlLoop(ctx, control, coll)

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(ctx) }()

	go printProcessed(ctx, processed)

	if err := coll.Start(ctx, auctionID, urls); err != nil {
		logger.Log.Fatal().Err(err).Msg("monitor: collector start failed")
	}

	select {
	case <-ctx.Done():
	case err := <-engineDone:
		if err != nil {
			logger.Log.Error().Err(err).Msg("monitor: engine stopped")
		}
	}

	_ = coll.Stop()
}

// buildStore constructs the persistence backend named by kind.
func buildStore(kind, dir, dsn string) (stored.Store, func(), error) {
	switch kind {
	case "memory":
		s := stored.NewMemoryStore()
		return s, func() { _ = s.Close() }, nil
	case "filesystem":
		s, err := stored.NewFilesystemStore(dir)
		if err != nil {
			return nil, func() {}, fmt.Errorf("monitor: filesystem store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		if dsn == "" {
			return nil, func() {}, fmt.Errorf("monitor: -db-dsn is required for -store=postgres")
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, func() {}, fmt.Errorf("monitor: opening postgres: %w", err)
		}
		s := stored.NewPostgresStore(db, stored.DefaultPostgresConfig())
		if err := s.CreateTables(context.Background()); err != nil {
			return nil, func() {}, fmt.Errorf("monitor: creating postgres schema: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("monitor: unknown -store value %q", kind)
	}
}

// buildFXProvider constructs the currency.RateProvider backing the
// converter's auto-refresh, used to keep the ARS/USD reference rate (the
// fallback the Engine's USD mirror uses when a line item carries no
// per-item fx rate, spec §4.3 rule 2) from going stale. "none" leaves the
// converter on its DefaultConfig fallback rates.
func buildFXProvider(kind, apiURL, apiKey string) (currency.RateProvider, error) {
	switch kind {
	case "none", "":
		return nil, nil
	case "ecb":
		return currency.NewECBProvider(), nil
	case "api":
		if apiURL == "" {
			return nil, fmt.Errorf("monitor: -fx-api-url is required for -fx-provider=api")
		}
		return currency.NewAPIProvider(&currency.APIProviderConfig{Endpoint: apiURL, APIKey: apiKey}), nil
	default:
		return nil, fmt.Errorf("monitor: unknown -fx-provider value %q", kind)
	}
}

// buildCollector constructs the Collector variant for the run: a
// ReplayCollector when a scenario file is given, otherwise a
// BrowserCollector (optionally handed off to an HttpPollCollector once a
// session is captured, when -http-monitor is set).
func buildCollector(scenarioPath, portalURL string, cfg collector.Config, raw *events.RawQueue) (collector.Collector, string, []string, error) {
	if scenarioPath != "" {
		scn, err := replay.Load(scenarioPath)
		if err != nil {
			return nil, "", nil, err
		}
		return replay.New(scn, raw, cfg), scn.Subasta.IDCot, []string{scn.Subasta.URL}, nil
	}

	driver, err := browser.NewHTTPPageDriver(browser.DefaultConfig())
	if err != nil {
		return nil, "", nil, err
	}
	bc := browser.New(driver, raw, cfg)
	if !cfg.HTTPMonitor {
		return bc, "", []string{portalURL}, nil
	}
	return newHandoffCollector(bc, raw, cfg), "", []string{portalURL}, nil
}

// handoffCollector starts a BrowserCollector long enough to capture a
// session, then stops it and starts an HttpPollCollector over the captured
// cookies, so -http-monitor needs no second binary invocation (spec §4.2,
// §5: "hand off to HttpPollCollector").
type handoffCollector struct {
	bc  *browser.Collector
	raw *events.RawQueue
	cfg collector.Config
	hp  *httppoll.Collector
}

func newHandoffCollector(bc *browser.Collector, raw *events.RawQueue, cfg collector.Config) *handoffCollector {
	return &handoffCollector{bc: bc, raw: raw, cfg: cfg}
}

func (h *handoffCollector) Start(ctx context.Context, auctionID string, urls []string) error {
	if err := h.bc.Start(ctx, auctionID, urls); err != nil {
		return err
	}
	session, ok := h.bc.Session()
	if !ok {
		return fmt.Errorf("monitor: browser collector reported no captured session")
	}
	if err := h.bc.Stop(); err != nil {
		return err
	}
	h.hp = httppoll.New(session, httppoll.DefaultConfig(), h.cfg, h.raw)
	return h.hp.Start(ctx, session.IDCot, urls)
}

func (h *handoffCollector) Stop() error {
	if h.hp != nil {
		return h.hp.Stop()
	}
	return h.bc.Stop()
}

func (h *handoffCollector) SetPollInterval(d time.Duration) {
	if h.hp != nil {
		h.hp.SetPollInterval(d)
		return
	}
	h.bc.SetPollInterval(d)
}

func (h *handoffCollector) CaptureCurrent() {
	if h.hp != nil {
		h.hp.CaptureCurrent()
		return
	}
	h.bc.CaptureCurrent()
}

// runControlLoop forwards control commands issued by the Engine (backoff,
// stop) to the Collector, and returns once a stop command has been
// delivered; the process itself keeps running until END or an interrupt.
func runControlLoop(ctx context.Context, control *events.ControlQueue, coll collector.Collector) {
	for {
		cmd, ok := control.Pop(ctx)
		if !ok {
			return
		}
		switch cmd.Kind {
		case events.ControlSetPollSeconds:
			coll.SetPollInterval(time.Duration(cmd.PollSeconds * float64(time.Second)))
		case events.ControlCaptureCurrent:
			coll.CaptureCurrent()
		case events.ControlStop:
			logger.Log.Warn().Str("reason", cmd.Reason).Msg("monitor: stop command received")
			_ = coll.Stop()
			return
		}
	}
}

// printProcessed drains the processed-event queue and prints a one-line
// summary per event, standing in for the external tabular UI (spec §1).
func printProcessed(ctx context.Context, processed *events.ProcessedQueue) {
	for {
		ev, err := processed.Pop(ctx)
		if err != nil {
			return
		}
		switch ev.Type {
		case events.TypeAlert:
			fmt.Printf("[%s] %s %s %s: %s\n", ev.Timestamp.Format(time.RFC3339), ev.AuctionID, ev.IDRenglon, ev.AlertStyle, ev.Message)
		case events.TypeSecurity:
			fmt.Printf("[%s] %s SECURITY %s: %s\n", ev.Timestamp.Format(time.RFC3339), ev.AuctionID, ev.SecurityAction, ev.Reason)
		case events.TypeLog:
			fmt.Printf("[%s] %s LOG %s: %s\n", ev.Timestamp.Format(time.RFC3339), ev.AuctionID, ev.Level, ev.Text)
		case events.TypeEnd:
			fmt.Printf("[%s] %s END\n", ev.Timestamp.Format(time.RFC3339), ev.AuctionID)
		}
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Log.Error().Err(err).Msg("monitor: metrics server stopped")
	}
}
