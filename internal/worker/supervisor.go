package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"killfeed/internal/delivery"
	"killfeed/internal/enrich"
	"killfeed/internal/feed"
	"killfeed/internal/runtime/supervisor"
	"killfeed/internal/storage"
	logx "killfeed/pkg/logx"
)

// Config tunes the supervisor itself; per-profile knobs live on Profile.
type Config struct {
	// IngestBatch caps events per queue drain. Default 200.
	IngestBatch int
}

func (c Config) withDefaults() Config {
	if c.IngestBatch <= 0 {
		c.IngestBatch = 200
	}
	return c
}

// Supervisor owns the ingest drain and one poller per enabled profile. All
// pollers share the store; the store's claim table is their only
// synchronization point.
type Supervisor struct {
	cfg    Config
	store  storage.Store
	queue  *feed.Queue
	coord  *enrich.Coordinator
	router *delivery.Router
	log    logx.Logger

	obs Observer

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	sup       *supervisor.Supervisor
	pollers   map[string]*poller
	profiles  []Profile
}

func New(cfg Config, store storage.Store, queue *feed.Queue, coord *enrich.Coordinator, router *delivery.Router, profiles []Profile, log logx.Logger) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		store:    store,
		queue:    queue,
		coord:    coord,
		router:   router,
		profiles: profiles,
		log:      log,
		pollers:  map[string]*poller{},
	}
}

// SetObserver wires pipeline metrics. Call before Start.
func (s *Supervisor) SetObserver(o Observer) {
	s.mu.Lock()
	s.obs = o
	s.mu.Unlock()
}

// ErrAlreadyStarted is returned by a second Start without a Stop between.
var ErrAlreadyStarted = errors.New("worker supervisor already started")

// Start launches the ingest drain, every profile poller, and each delivery
// queue's run loop. Calling it on a running supervisor is an error.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}
	if len(s.profiles) == 0 {
		return errors.New("worker supervisor has no profiles")
	}

	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.pollers = map[string]*poller{}

	s.sup.GoRestart("ingest", s.runIngest)
	for _, q := range s.router.Queues() {
		q := q
		s.sup.Go0("deliver."+q.Name(), func(ctx context.Context) {
			q.Run(ctx, ctx.Done())
		})
	}
	for _, prof := range s.profiles {
		p := newPoller(prof, s.store, s.coord, s.router, s.obs, s.log)
		s.pollers[prof.Name] = p
		s.sup.GoRestart("poll."+prof.Name, p.run)
	}

	s.running = true
	s.startedAt = time.Now()
	s.log.Info("worker supervisor started",
		logx.Int("profiles", len(s.profiles)))
	return nil
}

// Stop cancels everything and waits, bounded by ctx. Safe to call twice and
// before Start.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	sup.Cancel()
	err := sup.Wait(ctx)
	if err != nil {
		s.log.Warn("worker supervisor stop incomplete", logx.Err(err))
	} else {
		s.log.Info("worker supervisor stopped")
	}
	return err
}

// ActiveProfiles names every configured profile, for the retention task's
// orphaned-state sweep.
func (s *Supervisor) ActiveProfiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.Name)
	}
	sort.Strings(out)
	return out
}

// Status snapshots the supervisor and every poller.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:   s.running,
		Total:     len(s.pollers),
		StartedAt: s.startedAt,
	}
	if s.running {
		st.Uptime = time.Since(s.startedAt)
	}
	names := make([]string, 0, len(s.pollers))
	for n := range s.pollers {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		ws := s.pollers[n].snapshot()
		if ws.Active {
			st.Active++
		}
		st.Workers = append(st.Workers, ws)
	}
	return st
}
