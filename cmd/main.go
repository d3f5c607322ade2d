package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acmacalister/realitycheck"
	"github.com/acmacalister/realitycheck/store/jsonl"
	"github.com/acmacalister/realitycheck/store/sqlite"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default: search ./realitycheck.yaml, ~/.realitycheck/, /etc/realitycheck/)")
		writeConfig = flag.String("write-config", "", "write an example config file at path and exit")
		duration    = flag.Duration("duration", -1, "session length, 0 runs until interrupted (default: monitor.duration from config)")
		serve       = flag.Bool("serve", false, "keep the admin API running after the session ends")
		noSession   = flag.Bool("no-session", false, "do not start a session, only serve the admin API")
		installCert = flag.Bool("install-cert", false, "add the interception CA to the OS trust store and exit")
		sysProxy    = flag.Bool("system-proxy", false, "point the OS proxy settings at the proxy while a session runs")
		verbose     = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *writeConfig != "" {
		if err := realitycheck.WriteExampleConfig(*writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated %s\n", *writeConfig)
		return
	}

	cfg, err := realitycheck.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger, options{
		duration:    *duration,
		serve:       *serve,
		noSession:   *noSession,
		installCert: *installCert,
		systemProxy: *sysProxy,
	}); err != nil {
		logger.Error("realitycheck", "error", err)
		os.Exit(1)
	}
}

type options struct {
	duration    time.Duration
	serve       bool
	noSession   bool
	installCert bool
	systemProxy bool
}

func run(cfg *realitycheck.Config, logger *slog.Logger, opts options) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *realitycheck.Metrics
	if cfg.Metrics.Enabled {
		metrics = realitycheck.NewMetrics()
	}
	health := realitycheck.NewHealthChecker()

	// Tracker directory
	sources, err := cfg.BuildRuleLoader(ctx)
	if err != nil {
		return fmt.Errorf("build rule loader: %w", err)
	}
	defer func() { _ = sources.Close() }()

	dir := realitycheck.NewReloadableDirectory(sources.Loader)
	dir.OnReload = func(count int) {
		logger.Info("tracker directory loaded", "rules", count)
		if metrics != nil {
			metrics.SetDirectoryRuleCount(count)
			metrics.RecordDirectoryReload()
		}
	}
	dir.OnError = func(err error) {
		logger.Warn("tracker directory load failed", "error", err)
		if metrics != nil {
			metrics.RecordDirectoryReloadError()
		}
	}
	if err := dir.Load(ctx); err != nil {
		return fmt.Errorf("load tracker directory: %w", err)
	}
	health.AddCheck("directory", func() error {
		if dir.Count() == 0 {
			return errors.New("tracker directory is empty")
		}
		return nil
	})

	if cfg.Directory.ReloadInterval > 0 {
		cancel := dir.StartAutoReload(ctx, cfg.Directory.ReloadInterval)
		defer cancel()
		logger.Info("directory auto-reload enabled", "interval", cfg.Directory.ReloadInterval)
	}
	if cfg.Directory.Watch && len(sources.Files) > 0 {
		w := realitycheck.NewDirectoryWatcher(dir.Load, sources.Files...)
		w.Logger = logger
		if err := w.Start(ctx); err != nil {
			logger.Warn("directory watch disabled", "error", err)
		} else {
			defer func() { _ = w.Stop() }()
			logger.Info("watching rule files", "files", sources.Files)
		}
	}
	reloader := realitycheck.WatchSIGHUP(dir.Load, logger)
	defer reloader.Cancel()

	// Proxy and monitor
	queue := realitycheck.NewEventQueue(cfg.Monitor.QueueCapacity)

	ctrl := realitycheck.NewProxyController(cfg.ControllerConfig(), dir, queue)
	ctrl.Logger = logger
	ctrl.Metrics = metrics
	ctrl.HealthChecker = health
	ctrl.TransportPool = realitycheck.NewTransportPool()
	if cfg.Server.UpstreamProxy != "" {
		up, err := realitycheck.NewUpstreamProxy(cfg.Server.UpstreamProxy)
		if err != nil {
			return err
		}
		ctrl.Upstream = up
		ctrl.TransportPool.Upstream = up
		logger.Info("chaining through upstream proxy", "upstream", up.String())
	}
	ctrl.Passthrough, err = realitycheck.NewPassthroughList(cfg.Server.Passthrough...)
	if err != nil {
		return err
	}
	if cfg.Server.AccessLog {
		ctrl.AccessLog = realitycheck.NewAccessLogger(logger.With("component", "access"))
	}

	if opts.installCert {
		res := ctrl.InstallCertificate(ctx)
		fmt.Println(res.Instructions)
		if !res.OK {
			return errors.New("certificate install failed")
		}
		return nil
	}

	broker := realitycheck.NewBroker()
	broker.Logger = logger
	broker.Metrics = metrics

	mon := realitycheck.NewMonitor(ctrl, queue, cfg.MonitorConfig())
	mon.Logger = logger
	mon.Metrics = metrics
	mon.Publisher = broker

	sink, err := openSinks(cfg, logger, metrics)
	if err != nil {
		return err
	}
	if sink != nil {
		mon.Sink = sink
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn("close sinks", "error", err)
			}
		}()
	}

	// Admin API
	var srv *http.Server
	if cfg.Server.AdminAddr != "" {
		api := realitycheck.NewAdminAPI(mon, ctrl)
		api.Directory = dir
		api.Broker = broker
		api.Metrics = metrics
		api.HealthChecker = health
		api.Logger = logger
		api.Compression = cfg.Compression
		api.DefaultDuration = cfg.Monitor.Duration
		api.ReloadFunc = dir.Load
		if cfg.Server.AdminRateLimit > 0 {
			api.RateLimiter = realitycheck.NewRateLimiter(cfg.Server.AdminRateLimit, cfg.Server.AdminRateBurst)
			api.RateLimiter.Metrics = metrics
			defer api.RateLimiter.Close()
		}

		srv = &http.Server{
			Addr:         cfg.Server.AdminAddr,
			Handler:      api.Handler(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}
		go func() {
			logger.Info("admin API listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin API", "error", err)
				stop()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	health.SetAlive(true)

	if opts.noSession {
		if srv == nil {
			return errors.New("-no-session requires server.admin_addr")
		}
		<-ctx.Done()
		logger.Info("shutting down...")
		mon.Stop(context.Background())
		return nil
	}

	d := cfg.Monitor.Duration
	if opts.duration >= 0 {
		d = opts.duration
	}

	handle, err := mon.Start(d)
	if err != nil {
		var bindErr *realitycheck.ProxyBindError
		if errors.As(err, &bindErr) {
			logger.Info("hint: choose another port with server.proxy_port or REALITYCHECK_SERVER_PROXY_PORT")
		}
		return fmt.Errorf("start session: %w", err)
	}
	logger.Info("monitoring session started", "session", handle.ID, "proxy", handle.ProxyAddr, "duration", handle.Duration)
	if handle.CACreated {
		logger.Info("generated interception CA", "path", handle.CAPath)
		fmt.Fprintln(os.Stderr, ctrl.CertificateInstructions().Instructions)
	}

	if opts.systemProxy {
		res := ctrl.ConfigureSystemProxy(ctx, true)
		if !res.OK {
			logger.Warn("system proxy not configured", "instructions", res.Instructions)
		} else {
			defer func() { _ = ctrl.ConfigureSystemProxy(context.Background(), false) }()
		}
	}

	summary := waitSession(ctx, mon)
	printSummary(summary)

	if opts.serve && srv != nil && ctx.Err() == nil {
		logger.Info("session ended, admin API still serving")
		<-ctx.Done()
		mon.Stop(context.Background())
	}
	return nil
}

// waitSession blocks until the session ends on its own or ctx is cancelled,
// and returns its summary.
func waitSession(ctx context.Context, mon *realitycheck.Monitor) realitycheck.Summary {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping session...")
			return mon.Stop(context.Background())
		case <-ticker.C:
			if mon.State() != realitycheck.MonitorIdle {
				continue
			}
			if s, ok := mon.LastSummary(); ok {
				return s
			}
			return realitycheck.Summary{Message: "session ended"}
		}
	}
}

func printSummary(s realitycheck.Summary) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(s)
}

// openSinks builds the configured persistence sinks behind one AsyncSink.
func openSinks(cfg *realitycheck.Config, logger *slog.Logger, metrics *realitycheck.Metrics) (*realitycheck.AsyncSink, error) {
	var sinks realitycheck.MultiSink

	if cfg.Store.JSONL.Enabled {
		s, err := jsonl.New(cfg.Store.JSONL.Path, cfg.Store.JSONL.MaxSizeMB, cfg.Store.JSONL.MaxBackups)
		if err != nil {
			return nil, fmt.Errorf("open jsonl store: %w", err)
		}
		sinks = append(sinks, s)
		logger.Info("recording events", "store", "jsonl", "path", cfg.Store.JSONL.Path)
	}
	if cfg.Store.SQLite.Enabled {
		s, err := sqlite.Open(cfg.Store.SQLite.Path)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		sinks = append(sinks, s)
		logger.Info("recording events", "store", "sqlite", "path", cfg.Store.SQLite.Path)
	}

	if len(sinks) == 0 {
		return nil, nil
	}
	async := realitycheck.NewAsyncSink(sinks, cfg.Monitor.SinkBuffer)
	async.Logger = logger
	async.Metrics = metrics
	return async, nil
}
