// Package app wires the pipeline together: store, ingestion queue, fetch
// coordinator, per-profile workers, delivery router, retention and the
// debug surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"killfeed/internal/config"
	"killfeed/internal/debugserver"
	"killfeed/internal/delivery"
	"killfeed/internal/enrich"
	"killfeed/internal/expunge"
	"killfeed/internal/feed"
	"killfeed/internal/interest"
	"killfeed/internal/metrics"
	"killfeed/internal/runtime/supervisor"
	"killfeed/internal/storage"
	"killfeed/internal/worker"
	logx "killfeed/pkg/logx"
)

const (
	defaultQueueSize = 1000
	defaultPollEvery = 10 * time.Second
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	queue   *feed.Queue
	coord   *enrich.Coordinator
	router  *delivery.Router
	workers *worker.Supervisor
	expunge *expunge.Service
	metrics *metrics.Metrics
	debug   *debugserver.Server

	sources []namedSource
}

type namedSource struct {
	name string
	src  feed.Source
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	queueSize := cfg.Ingest.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	queue := feed.NewQueue(queueSize)

	clientCfg, coordCfg, err := mapEnrichConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := enrich.NewClient(clientCfg, log.With(logx.String("comp", "enrich")))
	if err != nil {
		return nil, err
	}
	coord := enrich.NewCoordinator(store, client, coordCfg, log.With(logx.String("comp", "enrich")))

	router := delivery.NewRouter(log.With(logx.String("comp", "delivery")), store)
	for _, name := range config.SortedKeys(cfg.Channels) {
		chCfg := cfg.Channels[name]
		chLog := log.With(logx.String("comp", "delivery"))
		ch, err := mapChannel(name, chCfg, chLog)
		if err != nil {
			return nil, err
		}
		qcfg, err := mapQueueConfig(name, chCfg)
		if err != nil {
			return nil, err
		}
		q := delivery.NewQueue(ch, qcfg, chLog, delivery.WithDeduper(store))
		if err := router.AddChannel(q); err != nil {
			return nil, err
		}
	}

	profiles, err := buildProfiles(cfg, router, log)
	if err != nil {
		return nil, err
	}

	workers := worker.New(worker.Config{IngestBatch: cfg.Ingest.BatchSize},
		store, queue, coord, router, profiles, log.With(logx.String("comp", "worker")))

	mx := metrics.New(
		metrics.WithQueue(queue),
		metrics.WithRouter(router),
		metrics.WithWorkerStatus(workers.Status),
	)
	workers.SetObserver(mx)

	expCfg, err := mapExpungeConfig(cfg)
	if err != nil {
		return nil, err
	}
	exp := expunge.New(expCfg, store, workers, log.With(logx.String("comp", "expunge")))

	dbgCfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	dbg := debugserver.New(dbgCfg, debugserver.Sources{
		Metrics: mx.Handler(),
		Feed:    queue,
		Router:  router,
		Worker:  workers.Status,
		Expunge: exp,
	}, log.With(logx.String("comp", "debug")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		queue:   queue,
		coord:   coord,
		router:  router,
		workers: workers,
		expunge: exp,
		metrics: mx,
		debug:   dbg,
	}, nil
}

// buildProfiles compiles each enabled profile's interest spec. A profile
// with violations is skipped with its violations logged; the rest keep
// running. No runnable profile at all is fatal.
func buildProfiles(cfg *config.Config, router *delivery.Router, log logx.Logger) ([]worker.Profile, error) {
	reg := interest.NewRegistry(false)
	var out []worker.Profile
	for _, name := range config.SortedKeys(cfg.Profiles) {
		pc := cfg.Profiles[name]
		if !pc.IsEnabled() {
			continue
		}
		engCfg, violations := interest.Compile(pc.Interest, reg)
		if len(violations) > 0 {
			log.Error("profile blocked: invalid interest config",
				logx.String("profile", name),
				logx.Any("violations", violations),
			)
			continue
		}
		engine, err := interest.NewEngine(engCfg, reg)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}

		routes := delivery.Routes{}
		for tier, chans := range pc.Routes {
			routes[interest.Tier(tier)] = chans
		}
		if err := router.SetRoutes(name, routes); err != nil {
			return nil, err
		}

		poll, err := config.ParseDurationOrDefault("profiles."+name+".poll_interval", pc.PollInterval, defaultPollEvery)
		if err != nil {
			return nil, err
		}
		overlap, err := config.ParseDurationField("profiles."+name+".overlap", pc.Overlap)
		if err != nil {
			return nil, err
		}
		out = append(out, worker.Profile{
			Name:         name,
			PollInterval: poll,
			BatchSize:    pc.BatchSize,
			Overlap:      overlap,
			Engine:       engine,
		})
	}
	if len(out) == 0 {
		return nil, errors.New("app: no runnable profiles")
	}
	return out, nil
}

// Queue exposes the ingestion queue so a feed source can push into it.
func (a *App) Queue() *feed.Queue { return a.queue }

// AddSource registers a feed source to run under the app supervisor.
// Call before Start; sources are restarted on error.
func (a *App) AddSource(name string, src feed.Source) {
	a.sources = append(a.sources, namedSource{name: name, src: src})
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	if err := a.workers.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.expunge.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.debug.Start(a.sup.Context()); err != nil {
		return err
	}

	for _, ns := range a.sources {
		src := ns.src
		a.sup.GoRestart("source."+ns.name, func(c context.Context) error {
			return src.Run(c, a.queue)
		})
	}

	a.sup.Go0("config.watch", func(c context.Context) {
		_ = a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				lastApplied = a.applyReload(lastApplied, newCfg)
			}
		}
	})

	a.log.Info("killfeed started",
		logx.Int("profiles", a.workers.Status().Total),
		logx.Int("channels", len(a.router.Queues())),
	)
	return nil
}

// applyReload applies what can change live (logging) and announces what
// needs a restart. Returns the config now considered applied.
func (a *App) applyReload(oldCfg, newCfg *config.Config) *config.Config {
	if newCfg == nil {
		return oldCfg
	}
	sections, attrs, profilesChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return newCfg
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config change summary", fields...)

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	for _, s := range sections {
		if s == "logging" {
			continue
		}
		a.log.Warn("config section changed; restart required for changes to take effect",
			logx.String("section", s))
	}
	if len(profilesChanged) > 0 {
		a.log.Warn("profile definitions changed; restart required",
			logx.Any("profiles", profilesChanged))
	}
	return newCfg
}

func (a *App) Stop(ctx context.Context) error {
	a.debug.Stop(ctx)
	if err := a.expunge.Stop(ctx); err != nil {
		a.log.Warn("expunge stop", logx.Err(err))
	}
	if err := a.workers.Stop(ctx); err != nil {
		a.log.Warn("workers stop", logx.Err(err))
	}
	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("killfeed stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
