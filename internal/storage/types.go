package storage

import (
	"context"
	"errors"
	"time"

	"killfeed/internal/feed"
)

// ErrStorage marks store-level failures (unavailable/corrupt database).
// Callers branch with errors.Is; it is never swallowed silently.
var ErrStorage = errors.New("storage error")

// ErrNotFound is returned by point lookups for missing rows.
var ErrNotFound = errors.New("not found")

// Config configures the store.
//
// Driver values: "sqlite" (default when empty). The store requires a backend
// with an enforced uniqueness constraint for fetch claims, so there is no
// plain-file driver.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Fetch status of an event's enrichment detail.
const (
	FetchPending     = "pending"
	FetchSuccess     = "success"
	FetchFailed      = "failed"
	FetchUnfetchable = "unfetchable"
)

// Participant is one party on a kill. Final marks the participant that landed
// the killing blow.
type Participant struct {
	CharacterID int64 `json:"character_id,omitempty"`
	CorpID      int64 `json:"corp_id,omitempty"`
	AllianceID  int64 `json:"alliance_id,omitempty"`
	ShipTypeID  int64 `json:"ship_type_id,omitempty"`
	Final       bool  `json:"final,omitempty"`
	NPC         bool  `json:"npc,omitempty"`
}

// EnrichmentDetail holds the expensive-to-fetch fields for one event.
// One-to-one with the event; absent while the fetch is still pending.
type EnrichmentDetail struct {
	KillID        int64
	FetchStatus   string
	FetchAttempts int
	FetchedAt     time.Time

	Victim       Participant
	Attackers    []Participant
	TotalValue   float64
	DroppedValue float64

	// RawJSON keeps selected upstream payload fragments for explainability.
	RawJSON string
}

// FetchClaim is the exclusivity token for enrichment of one kill_id.
// At most one live claim exists per kill_id (enforced by the schema).
type FetchClaim struct {
	KillID    int64
	Claimant  string
	ClaimedAt time.Time
}

// WorkerState is the per-worker poll cursor, surviving restarts.
type WorkerState struct {
	WorkerID          string
	LastProcessedTime time.Time
	UpdatedAt         time.Time
}

// RetentionStats reports what one expunge sweep removed.
type RetentionStats struct {
	Events       int64
	Enrichment   int64
	Markers      int64
	StaleClaims  int64
	WorkerStates int64
}

// Store is the persistence API used by the pipeline.
type Store interface {
	Close() error

	// Migrate applies pending schema migrations and returns how many ran.
	// Running it against an up-to-date store applies zero.
	Migrate(ctx context.Context) (int, error)
	AppliedMigrations(ctx context.Context) ([]int, error)

	// InsertEvent persists a raw event. Duplicate kill_ids are ignored; the
	// bool reports whether the row was newly inserted.
	InsertEvent(ctx context.Context, ev feed.KillEvent) (bool, error)
	GetEvent(ctx context.Context, killID int64) (*feed.KillEvent, error)
	// EventsSince returns events with event_time >= since in time order.
	EventsSince(ctx context.Context, since time.Time, limit int) ([]feed.KillEvent, error)

	InsertEnrichment(ctx context.Context, d EnrichmentDetail) error
	// GetEnrichment returns ErrNotFound while no fetch has concluded.
	GetEnrichment(ctx context.Context, killID int64) (*EnrichmentDetail, error)
	// FetchState reports (status, attempts) without loading the payload.
	FetchState(ctx context.Context, killID int64) (string, int, error)
	IncrementFetchAttempts(ctx context.Context, killID int64) (int, error)
	MarkUnfetchable(ctx context.Context, killID int64) error

	// TryInsertClaim atomically creates the claim row; exactly one concurrent
	// caller wins. The uniqueness constraint lives in the schema.
	TryInsertClaim(ctx context.Context, killID int64, claimant string) (bool, error)
	GetClaim(ctx context.Context, killID int64) (*FetchClaim, error)
	DeleteClaim(ctx context.Context, killID int64) error

	// MarkProcessed is idempotent; duplicate inserts are a no-op.
	MarkProcessed(ctx context.Context, workerID string, killID int64) error
	IsProcessed(ctx context.Context, workerID string, killID int64) (bool, error)

	GetWorkerState(ctx context.Context, workerID string) (*WorkerState, error)
	SetWorkerState(ctx context.Context, ws WorkerState) error

	// Retention. Each returns the number of rows removed.
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (events, enrichment int64, err error)
	DeleteMarkersBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteStaleClaims(ctx context.Context, heldSince time.Time) (int64, error)
	DeleteWorkerStatesNotIn(ctx context.Context, active []string) (int64, error)

	// Maintain runs store-level housekeeping (optimize/incremental vacuum).
	Maintain(ctx context.Context) error
}
