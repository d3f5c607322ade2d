// Package realitycheck audits third-party tracking in real time. A local
// HTTP(S) interception proxy observes traffic, classifies each request
// against a tracker directory, and feeds a monitor that aggregates the
// results into a privacy score, a tracker network and privacy violations.
//
// # Architecture
//
// Three components cooperate through a bounded [EventQueue]:
//
//   - [ProxyController] owns the interception engine. HTTPS traffic is
//     decrypted with certificates minted on demand by a [CertManager].
//   - [Classifier] runs inside the proxy. It extracts tracking signals from
//     each request and enqueues a [TrackingEvent]. It never blocks traffic.
//   - [Monitor] drains the queue on a fixed tick and owns the session
//     lifecycle, the running aggregate and the derived views.
//
// The queue evicts its oldest event when full, so a slow monitor loses
// history rather than stalling the proxy.
//
// # Basic Session
//
//	dir := realitycheck.NewDefaultDirectory()
//	queue := realitycheck.NewEventQueue(realitycheck.DefaultQueueCapacity)
//
//	ctrl := realitycheck.NewProxyController(realitycheck.DefaultControllerConfig(), dir, queue)
//	mon := realitycheck.NewMonitor(ctrl, queue, realitycheck.DefaultMonitorConfig())
//
//	handle, err := mon.Start(10 * time.Minute)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Printf("point your browser at %s", handle.ProxyAddr)
//
//	// ...
//
//	summary := mon.Stop(context.Background())
//	log.Printf("privacy score %d", summary.PrivacyScore)
//
// A zero duration runs until Stop. A session that reaches its duration
// stops itself.
//
// # Tracker Directory
//
// Rules match by exact domain (covering subdomains), glob or regex:
//
//	dir := realitycheck.NewDirectory()
//	dir.AddRule(realitycheck.TrackerRule{
//	    Type:      realitycheck.RuleGlob,
//	    Pattern:   "*.doubleclick.net",
//	    Entity:    "Google",
//	    Category:  "Ad Network",
//	    RiskScore: 8,
//	})
//
// Rules can be loaded from CSV files, domain lists, HTTP endpoints or a SQL
// table and reloaded without a restart:
//
//	rd := realitycheck.NewReloadableDirectory(realitycheck.NewMultiLoader(
//	    realitycheck.NewStaticLoader(realitycheck.DefaultTrackerRules()...),
//	    realitycheck.NewCSVLoader("trackers.csv"),
//	))
//	if err := rd.Load(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	w := realitycheck.NewDirectoryWatcher(rd.Load, "trackers.csv")
//	w.Start(ctx)
//	defer w.Stop()
//
//	reloader := realitycheck.WatchSIGHUP(rd.Load, logger)
//	defer reloader.Cancel()
//
// # Persistence and Streaming
//
// The monitor hands every event and violation to an optional [Sink]. Wrap
// slow sinks in an [AsyncSink] so the drain loop never waits on I/O. The
// store/jsonl and store/sqlite packages provide file and database sinks.
//
// A [Broker] set as the monitor's Publisher fans live updates out to
// websocket clients.
//
// # Admin API
//
// [AdminAPI] exposes session control, the derived views, directory
// management and certificate helpers over HTTP:
//
//	api := realitycheck.NewAdminAPI(mon, ctrl)
//	api.Broker = broker
//	api.Metrics = metrics
//	http.ListenAndServe("127.0.0.1:8081", api.Handler())
//
// # Configuration
//
// Load configuration from YAML, JSON or TOML files with environment
// variable overrides (REALITYCHECK_ prefix):
//
//	cfg, err := realitycheck.LoadConfig("realitycheck.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sources, err := cfg.BuildRuleLoader(ctx)
package realitycheck
