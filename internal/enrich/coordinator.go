package enrich

import (
	"context"
	"errors"
	"time"

	"killfeed/internal/feed"
	"killfeed/internal/storage"
	logx "killfeed/pkg/logx"
)

// CoordinatorConfig bounds fetch attempts per event.
type CoordinatorConfig struct {
	MaxAttempts int
}

const defaultMaxAttempts = 3

// Coordinator arbitrates which worker may fetch enrichment detail for an
// event. The claim row's uniqueness constraint in the store is the only
// synchronization; the coordinator itself holds no cross-worker state.
//
// Per-kill state machine: no claim -> claimed -> success, or claimed ->
// failed (attempt n). Failures below the attempt budget release the claim for
// re-claim by any worker; hitting the budget marks the event unfetchable.
// Stale claims from crashed workers are recovered by the expunge task, not
// here, to avoid livelock in the hot path.
type Coordinator struct {
	store   storage.Store
	fetcher Fetcher
	cfg     CoordinatorConfig
	log     logx.Logger
}

func NewCoordinator(store storage.Store, fetcher Fetcher, cfg CoordinatorConfig, log logx.Logger) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{store: store, fetcher: fetcher, cfg: cfg, log: log}
}

// TryClaim returns (false, detail, nil) when enrichment already exists,
// (false, nil, ErrUnfetchable) for terminally failed events, (true, nil, nil)
// when this caller won the claim, and (false, nil, ErrClaimLost) when a
// concurrent caller holds it.
func (c *Coordinator) TryClaim(ctx context.Context, killID int64, workerID string) (bool, *storage.EnrichmentDetail, error) {
	detail, err := c.store.GetEnrichment(ctx, killID)
	if err == nil {
		return false, detail, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, nil, err
	}

	status, _, err := c.store.FetchState(ctx, killID)
	if err != nil {
		return false, nil, err
	}
	if status == storage.FetchUnfetchable {
		return false, nil, ErrUnfetchable
	}

	won, err := c.store.TryInsertClaim(ctx, killID, workerID)
	if err != nil {
		return false, nil, err
	}
	if !won {
		// Races with completion are possible: the winner may already have
		// persisted detail between our lookup and the claim attempt.
		if detail, err := c.store.GetEnrichment(ctx, killID); err == nil {
			return false, detail, nil
		}
		return false, nil, ErrClaimLost
	}
	return true, nil, nil
}

// CompleteSuccess persists the fetched detail and releases the claim.
func (c *Coordinator) CompleteSuccess(ctx context.Context, d storage.EnrichmentDetail) error {
	if err := c.store.InsertEnrichment(ctx, d); err != nil {
		return err
	}
	return c.store.DeleteClaim(ctx, d.KillID)
}

// CompleteFailure records a failed attempt. It returns true while more
// attempts remain (claim released for retry) and false once the event has
// been marked unfetchable.
func (c *Coordinator) CompleteFailure(ctx context.Context, killID int64, workerID, reason string) (bool, error) {
	attempts, err := c.store.IncrementFetchAttempts(ctx, killID)
	if err != nil {
		return false, err
	}
	if attempts >= c.cfg.MaxAttempts {
		if err := c.store.MarkUnfetchable(ctx, killID); err != nil {
			return false, err
		}
		if err := c.store.DeleteClaim(ctx, killID); err != nil {
			return false, err
		}
		c.log.Warn("event marked unfetchable",
			logx.Int64("kill_id", killID),
			logx.Int("attempts", attempts),
			logx.String("worker", workerID),
			logx.String("reason", reason))
		return false, nil
	}
	if err := c.store.DeleteClaim(ctx, killID); err != nil {
		return true, err
	}
	c.log.Debug("fetch attempt failed; claim released",
		logx.Int64("kill_id", killID),
		logx.Int("attempts", attempts),
		logx.String("reason", reason))
	return true, nil
}

// FetchWithClaim runs the whole claim/fetch/complete cycle for one event.
//
// Outcomes: (detail, nil) on success or when detail already existed;
// (nil, ErrClaimLost) when another worker holds the claim; (nil, ErrUnfetchable)
// for terminal events; (nil, *FetchError) when this attempt failed.
func (c *Coordinator) FetchWithClaim(ctx context.Context, ev feed.KillEvent, workerID string) (*storage.EnrichmentDetail, error) {
	won, detail, err := c.TryClaim(ctx, ev.KillID, workerID)
	if err != nil {
		return nil, err
	}
	if detail != nil {
		return detail, nil
	}
	if !won {
		return nil, ErrClaimLost
	}

	started := time.Now()
	d, ferr := c.fetcher.FetchDetail(ctx, ev.KillID)
	if ferr != nil {
		reason := "upstream"
		var fe *FetchError
		if errors.As(ferr, &fe) {
			reason = fe.Reason
		}
		if _, cerr := c.CompleteFailure(ctx, ev.KillID, workerID, reason); cerr != nil {
			// Storage failure while recording the attempt: surface it, the
			// stale-claim sweep will recover the claim if needed.
			return nil, cerr
		}
		return nil, ferr
	}

	d.KillID = ev.KillID
	if err := c.CompleteSuccess(ctx, *d); err != nil {
		return nil, err
	}
	c.log.Debug("enrichment fetched",
		logx.Int64("kill_id", ev.KillID),
		logx.Duration("took", time.Since(started)),
		logx.String("worker", workerID))
	return d, nil
}
