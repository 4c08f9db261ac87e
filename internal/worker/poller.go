package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"killfeed/internal/delivery"
	"killfeed/internal/enrich"
	"killfeed/internal/feed"
	"killfeed/internal/storage"
	logx "killfeed/pkg/logx"
)

// poller runs one profile's pipeline against the shared store. Per-event
// errors are contained; a storage failure aborts the loop so the supervisor
// can restart it with backoff.
type poller struct {
	profile Profile
	runID   string
	store   storage.Store
	coord   *enrich.Coordinator
	router  *delivery.Router
	obs     Observer
	log     logx.Logger
	now     func() time.Time

	mu     sync.Mutex
	status WorkerStatus
}

func newPoller(p Profile, store storage.Store, coord *enrich.Coordinator, router *delivery.Router, obs Observer, log logx.Logger) *poller {
	p = p.withDefaults()
	runID := p.Name + "-" + uuid.NewString()[:8]
	return &poller{
		profile: p,
		runID:   runID,
		store:   store,
		coord:   coord,
		router:  router,
		obs:     obs,
		log:     log.With(logx.String("profile", p.Name)),
		now:     time.Now,
		status:  WorkerStatus{Profile: p.Name, RunID: runID},
	}
}

func (p *poller) run(ctx context.Context) error {
	p.mu.Lock()
	p.status.Active = true
	p.status.StartedAt = p.now()
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.status.Active = false
		p.mu.Unlock()
	}()

	tick := time.NewTicker(p.profile.PollInterval)
	defer tick.Stop()
	for {
		if err := p.pollOnce(ctx); err != nil {
			p.setErr(err)
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// pollOnce reads one batch past the cursor (minus the overlap window) and
// pushes each event through the pipeline. Only storage failures abort.
func (p *poller) pollOnce(ctx context.Context) error {
	now := p.now()
	p.mu.Lock()
	p.status.LastPoll = now
	p.mu.Unlock()

	since, err := p.cursor(ctx, now)
	if err != nil {
		return err
	}

	events, err := p.store.EventsSince(ctx, since, p.profile.BatchSize)
	if err != nil {
		return err
	}

	var newest time.Time
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		if err := p.processEvent(ctx, ev); err != nil {
			if errors.Is(err, storage.ErrStorage) {
				return err
			}
			if errors.Is(err, errClaimDeferred) {
				p.log.Debug("claim held elsewhere, deferring",
					logx.Int64("kill_id", ev.KillID))
				continue
			}
			p.setErr(err)
			p.log.Warn("event processing failed",
				logx.Int64("kill_id", ev.KillID), logx.Err(err))
			continue
		}
		if ev.EventTime.After(newest) {
			newest = ev.EventTime
		}
	}

	if !newest.IsZero() {
		ws := storage.WorkerState{
			WorkerID:          p.profile.Name,
			LastProcessedTime: newest,
			UpdatedAt:         p.now(),
		}
		if err := p.store.SetWorkerState(ctx, ws); err != nil {
			return err
		}
		p.mu.Lock()
		p.status.LastProcessed = newest
		p.mu.Unlock()
	}
	return nil
}

// cursor computes the poll window start: persisted cursor minus overlap, or
// just the overlap when this profile has never run.
func (p *poller) cursor(ctx context.Context, now time.Time) (time.Time, error) {
	ws, err := p.store.GetWorkerState(ctx, p.profile.Name)
	switch {
	case err == nil:
		return ws.LastProcessedTime.Add(-p.profile.Overlap), nil
	case errors.Is(err, storage.ErrNotFound):
		return now.Add(-p.profile.Overlap), nil
	default:
		return time.Time{}, err
	}
}

func (p *poller) processEvent(ctx context.Context, ev feed.KillEvent) error {
	done, err := p.store.IsProcessed(ctx, p.profile.Name, ev.KillID)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	detail, err := p.detailFor(ctx, ev)
	if err != nil {
		return err
	}

	res := p.profile.Engine.Evaluate(ev, detail)
	if p.obs != nil {
		p.obs.ObserveTier(p.profile.Name, res.Tier)
	}
	msg := delivery.NewMessage(p.profile.Name, formatSubject(ev, res), formatBody(ev, res, detail), res)
	if n := p.router.Dispatch(ctx, p.profile.Name, msg); n > 0 {
		p.mu.Lock()
		p.status.Routed++
		p.mu.Unlock()
	}

	if err := p.store.MarkProcessed(ctx, p.profile.Name, ev.KillID); err != nil {
		return err
	}
	p.mu.Lock()
	p.status.Processed++
	p.mu.Unlock()
	return nil
}

// detailFor consults the prefetch scorer and, when a fetch is worth it, runs
// the claim-coordinated fetch. A lost claim defers the event to the next
// overlap poll rather than double-fetching.
func (p *poller) detailFor(ctx context.Context, ev feed.KillEvent) (*storage.EnrichmentDetail, error) {
	dec := p.profile.Engine.PrefetchDecide(ev)
	if !dec.ShouldFetch {
		p.log.Debug("prefetch skipped",
			logx.Int64("kill_id", ev.KillID),
			logx.String("mode", string(dec.Mode)),
			logx.Float64("upper", dec.UpperBound),
			logx.Float64("threshold", dec.AdjustedThreshold))
		// Another profile may have paid for the detail already.
		d, err := p.store.GetEnrichment(ctx, ev.KillID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return d, nil
	}

	d, err := p.coord.FetchWithClaim(ctx, ev, p.runID)
	switch {
	case err == nil:
		p.mu.Lock()
		p.status.Fetched++
		p.mu.Unlock()
		p.observeFetch("success")
		return d, nil
	case errors.Is(err, enrich.ErrUnfetchable):
		p.observeFetch("unfetchable")
		return nil, nil
	case errors.Is(err, enrich.ErrClaimLost):
		p.observeFetch("claim_lost")
		return nil, errClaimDeferred
	default:
		p.observeFetch("failed")
		return nil, err
	}
}

func (p *poller) observeFetch(outcome string) {
	if p.obs != nil {
		p.obs.ObserveFetch(outcome)
	}
}

// errClaimDeferred marks an event whose fetch is owned by another worker; it
// stays unmarked so the overlap window retries it.
var errClaimDeferred = errors.New("enrichment claim held elsewhere, deferred")

func (p *poller) setErr(err error) {
	p.mu.Lock()
	p.status.Errors++
	p.status.LastError = err.Error()
	p.mu.Unlock()
}

func (p *poller) snapshot() WorkerStatus {
	p.mu.Lock()
	st := p.status
	p.mu.Unlock()
	if st.Active && !st.StartedAt.IsZero() {
		st.Uptime = p.now().Sub(st.StartedAt)
	}
	return st
}
