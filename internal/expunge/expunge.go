// Package expunge ages out stored events, enrichment, processed markers,
// stale claims and orphaned worker state on a schedule.
package expunge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"killfeed/internal/storage"
	logx "killfeed/pkg/logx"
)

// Config sets the retention windows and the sweep schedule.
type Config struct {
	// Schedule is a cron spec ("0 */6 * * *") or a descriptor ("@hourly").
	// Empty falls back to Interval.
	Schedule string
	// Interval drives a plain ticker when no cron spec is set. Default 6h.
	Interval time.Duration

	// EventRetention ages out events and their enrichment. Default 720h.
	EventRetention time.Duration
	// MarkerRetention ages out processed markers; much shorter than events
	// since a marker only matters while its event can still be re-polled.
	// Default 48h.
	MarkerRetention time.Duration
	// ClaimLiveness recovers claims abandoned by crashed workers.
	// Default 15m.
	ClaimLiveness time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 6 * time.Hour
	}
	if c.EventRetention <= 0 {
		c.EventRetention = 720 * time.Hour
	}
	if c.MarkerRetention <= 0 {
		c.MarkerRetention = 48 * time.Hour
	}
	if c.ClaimLiveness <= 0 {
		c.ClaimLiveness = 15 * time.Minute
	}
	return c
}

// Stats is one sweep's outcome.
type Stats struct {
	storage.RetentionStats
	Took time.Duration `json:"took"`
}

// ProfileSource names the currently-active profiles so their worker state
// survives the orphan sweep.
type ProfileSource interface {
	ActiveProfiles() []string
}

// Service runs the sweep on a cron schedule or fixed interval.
type Service struct {
	cfg      Config
	store    storage.Store
	profiles ProfileSource
	log      logx.Logger
	now      func() time.Time

	mu       sync.Mutex
	cr       *cron.Cron
	stopCh   chan struct{}
	stopDone chan struct{}
	last     Stats
	lastRun  time.Time
	lastErr  error
}

func New(cfg Config, store storage.Store, profiles ProfileSource, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), store: store, profiles: profiles, log: log, now: time.Now}
}

// RunOnce performs a single sweep and reports what it removed.
func (s *Service) RunOnce(ctx context.Context) (Stats, error) {
	start := s.now()
	var st Stats

	events, enrichment, err := s.store.DeleteEventsBefore(ctx, start.Add(-s.cfg.EventRetention))
	if err != nil {
		return s.record(st, start, err)
	}
	st.Events, st.Enrichment = events, enrichment

	st.Markers, err = s.store.DeleteMarkersBefore(ctx, start.Add(-s.cfg.MarkerRetention))
	if err != nil {
		return s.record(st, start, err)
	}

	st.StaleClaims, err = s.store.DeleteStaleClaims(ctx, start.Add(-s.cfg.ClaimLiveness))
	if err != nil {
		return s.record(st, start, err)
	}

	if s.profiles != nil {
		st.WorkerStates, err = s.store.DeleteWorkerStatesNotIn(ctx, s.profiles.ActiveProfiles())
		if err != nil {
			return s.record(st, start, err)
		}
	}

	if err := s.store.Maintain(ctx); err != nil {
		return s.record(st, start, err)
	}

	st.Took = s.now().Sub(start)
	s.log.Info("retention sweep finished",
		logx.Int64("events", st.Events),
		logx.Int64("enrichment", st.Enrichment),
		logx.Int64("markers", st.Markers),
		logx.Int64("stale_claims", st.StaleClaims),
		logx.Int64("worker_states", st.WorkerStates),
		logx.Duration("took", st.Took))
	return s.record(st, start, nil)
}

func (s *Service) record(st Stats, start time.Time, err error) (Stats, error) {
	if st.Took == 0 {
		st.Took = s.now().Sub(start)
	}
	s.mu.Lock()
	s.last = st
	s.lastRun = start
	s.lastErr = err
	s.mu.Unlock()
	return st, err
}

// Last reports the most recent sweep for status endpoints.
func (s *Service) Last() (Stats, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastRun, s.lastErr
}

// Start schedules the sweep. Idempotent while running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})

	if s.cfg.Schedule != "" {
		cr := cron.New()
		_, err := cr.AddFunc(s.cfg.Schedule, func() { s.sweep(ctx) })
		if err != nil {
			s.stopCh, s.stopDone = nil, nil
			return err
		}
		s.cr = cr
		cr.Start()
		go s.waitStop(ctx)
		s.log.Info("expunge scheduled", logx.String("cron", s.cfg.Schedule))
		return nil
	}

	go s.tickLoop(ctx, s.stopCh, s.stopDone)
	s.log.Info("expunge scheduled", logx.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to end.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	stopCh, stopDone := s.stopCh, s.stopDone
	s.stopCh, s.stopDone = nil, nil
	s.mu.Unlock()
	if stopCh == nil {
		return nil
	}
	close(stopCh)
	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) waitStop(ctx context.Context) {
	s.mu.Lock()
	stopCh, stopDone, cr := s.stopCh, s.stopDone, s.cr
	s.mu.Unlock()
	select {
	case <-ctx.Done():
	case <-stopCh:
	}
	stopped := cr.Stop()
	<-stopped.Done()
	close(stopDone)
}

func (s *Service) tickLoop(ctx context.Context, stopCh, stopDone chan struct{}) {
	defer close(stopDone)
	tick := time.NewTicker(s.cfg.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-tick.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("retention sweep failed", logx.Err(err))
	}
}
