package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"orchestratord/internal/blobstore"
	"orchestratord/internal/config"
	"orchestratord/internal/dream"
	"orchestratord/internal/events"
	"orchestratord/internal/fileref"
	"orchestratord/internal/httpapi"
	"orchestratord/internal/jobstore"
	"orchestratord/internal/pool"
	"orchestratord/internal/registry"
	"orchestratord/internal/worker"
	"orchestratord/internal/wshub"
	"orchestratord/internal/wsrouter"
	"orchestratord/pkg/types"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", envOr("ORCHESTRATORD_ADDR", ":8080"), "HTTP listen address, e.g. :8080")
	configPath := flag.String("config", envOr("ORCHESTRATORD_CONFIG", ""), "Optional config file (.yaml/.json/.toml)")
	modesFile := flag.String("modes-file", envOr("ORCHESTRATORD_MODES", ""), "Declarative mode document (YAML)")
	defaultMode := flag.String("default-mode", "", "Override the document's default_mode")
	vramBudgetMB := flag.Int("vram-budget-mb", 0, "VRAM budget in MB (0=unlimited)")
	vramMarginMB := flag.Int("vram-margin-mb", 0, "Reserved VRAM margin in MB to keep free")
	queueMax := flag.Int("queue-max", 0, "Maximum queued jobs before submits are rejected (default 64)")
	jobTimeoutS := flag.Int("job-timeout-s", 0, "Per-job watchdog in seconds (0=off)")
	syncTimeoutS := flag.Int("sync-timeout-s", 0, "Synchronous REST adapter timeout in seconds (default 120)")
	filerefTTLS := flag.Int("fileref-ttl-s", 0, "Upload ref TTL in seconds (default 300)")
	workerBin := flag.String("worker-bin", "", "Accelerator backend binary; empty uses the in-process stub")
	logLevel := flag.String("log-level", envOr("ORCHESTRATORD_LOG_LEVEL", "info"), "zerolog level: debug/info/warn/error")
	logJSON := flag.Bool("log-json", false, "Emit JSON logs instead of console output")
	flag.Parse()

	logger := buildLogger(*logLevel, *logJSON)

	cfg := config.Config{}
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Error().Err(err).Str("path", *configPath).Msg("load config")
			return 1
		}
	}
	// Flags beat environment variables, which beat the config file; the
	// file beats built-in defaults.
	applyFlagOverrides(&cfg, *addr, *modesFile, *defaultMode, *vramBudgetMB, *vramMarginMB,
		*queueMax, *jobTimeoutS, *syncTimeoutS, *filerefTTLS, *workerBin)

	if cfg.ModesFile == "" {
		logger.Error().Msg("a modes file is required (--modes-file or modes_file in config)")
		return 1
	}

	reg := registry.New(cfg.VRAMBudgetMB, cfg.VRAMMarginMB)
	modes, docDefault, workflows, err := registry.LoadDocument(cfg.ModesFile)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.ModesFile).Msg("load modes")
		return 1
	}
	for _, m := range modes {
		reg.RegisterMode(m)
	}
	for _, w := range workflows {
		reg.RegisterWorkflow(w)
	}
	def := docDefault
	if cfg.DefaultMode != "" {
		def = cfg.DefaultMode
	}
	if def != "" {
		if _, ok := reg.Mode(def); !ok {
			logger.Error().Str("mode", def).Msg("default mode not present in modes file")
			return 1
		}
		reg.SetDefaultMode(def)
	}
	logger.Info().Int("modes", len(modes)).Int("workflows", len(workflows)).Str("default", def).Msg("mode document loaded")

	store := jobstore.New()
	blobs := blobstore.New()
	refs := fileref.New(time.Duration(cfg.FileRefTTLSeconds)*time.Second, time.Duration(cfg.FileRefSweepSeconds)*time.Second)
	refs.StartSweeper()
	bus := events.NewBus(16)

	factory := worker.NewStubFactory()
	if cfg.WorkerBin != "" {
		factory = worker.NewSubprocessFactory(worker.SubprocessConfig{BinPath: cfg.WorkerBin}, logger, bus)
	}

	p := pool.New(pool.Config{
		QueueMax:      cfg.QueueMax,
		WorkerFactory: factory,
		Modes:         reg,
		Registry:      reg,
		Store:         store,
		Blobs:         blobs,
		Bus:           bus,
		Log:           logger.With().Str("component", "pool").Logger(),
		JobTimeout:    time.Duration(cfg.JobTimeoutSeconds) * time.Second,
	})
	p.Start()

	// Metrics observers ride the job store's update hook and the bus, so
	// neither the store nor the pool knows Prometheus exists.
	store.OnUpdate(func(j types.Job) {
		if j.State == types.StateQueued {
			httpapi.ObserveJobSubmitted(string(j.JobType))
		}
		if j.State.Terminal() {
			httpapi.ObserveJobTerminal(string(j.State), time.Since(j.SubmittedAt))
		}
	})
	bus.Subscribe(events.TopicBroadcast, func(ev events.Event) {
		switch ev.Kind {
		case "queue:state":
			if qs, ok := ev.Payload.(types.QueueState); ok {
				httpapi.SetQueueDepth(qs.Pending)
			}
		case "worker:exited":
			// The subprocess died out from under the pool; fail whatever
			// was running so no job record is left in running forever.
			for _, j := range store.MarkErrorIfRunning("WorkerFailure", "worker subprocess exited") {
				logger.Warn().Str("job_id", j.ID).Msg("job failed with its worker")
			}
		}
	})

	dreamCtl := dream.New(p, store, func() types.ModeDefaults {
		name := p.CurrentMode()
		if name == "" {
			name = reg.DefaultMode()
		}
		if m, ok := reg.Mode(name); ok {
			return m.Defaults
		}
		return types.ModeDefaults{}
	}, bus, logger.With().Str("component", "dream").Logger())
	dreamCtl.SetTickHook(httpapi.IncDreamTick)

	hub := wshub.New(logger.With().Str("component", "wshub").Logger())
	hub.Notify(httpapi.SetWSConnections)
	router := wsrouter.New(hub, p, refs, blobs, reg, store, dreamCtl, bus, logger.With().Str("component", "wsrouter").Logger())
	router.Start()

	httpapi.SetLogger(logger.With().Str("component", "httpapi").Logger())
	if cfg.SyncTimeoutSeconds > 0 {
		httpapi.SetSyncTimeoutSeconds(int64(cfg.SyncTimeoutSeconds))
	}
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)

	mux := httpapi.NewMux(httpapi.Deps{
		Pool:     p,
		FileRefs: refs,
		Blobs:    blobs,
		Registry: reg,
		Store:    store,
		WS:       router.HandleWS,
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("orchestratord listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return 1
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	cancelBase()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	dreamCtl.Stop()
	if err := p.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("pool shutdown")
	}
	refs.Close()
	bus.Close()
	return 0
}

func buildLogger(level string, jsonOut bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var l zerolog.Logger
	if jsonOut || !isatty.IsTerminal(os.Stderr.Fd()) {
		l = zerolog.New(os.Stderr)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
	return l.Level(lvl).With().Timestamp().Logger()
}

func applyFlagOverrides(cfg *config.Config, addr, modesFile, defaultMode string,
	vramBudgetMB, vramMarginMB, queueMax, jobTimeoutS, syncTimeoutS, filerefTTLS int, workerBin string) {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["addr"] || os.Getenv("ORCHESTRATORD_ADDR") != "" || cfg.Addr == "" {
		cfg.Addr = addr
	}
	if set["modes-file"] || os.Getenv("ORCHESTRATORD_MODES") != "" || cfg.ModesFile == "" {
		cfg.ModesFile = modesFile
	}
	if set["default-mode"] {
		cfg.DefaultMode = defaultMode
	}
	if set["vram-budget-mb"] {
		cfg.VRAMBudgetMB = vramBudgetMB
	}
	if set["vram-margin-mb"] {
		cfg.VRAMMarginMB = vramMarginMB
	}
	if set["queue-max"] {
		cfg.QueueMax = queueMax
	}
	if set["job-timeout-s"] {
		cfg.JobTimeoutSeconds = jobTimeoutS
	}
	if set["sync-timeout-s"] {
		cfg.SyncTimeoutSeconds = syncTimeoutS
	}
	if set["fileref-ttl-s"] {
		cfg.FileRefTTLSeconds = filerefTTLS
	}
	if set["worker-bin"] {
		cfg.WorkerBin = workerBin
	}
}
