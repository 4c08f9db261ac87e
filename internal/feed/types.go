package feed

import (
	"context"
	"time"
)

// KillEvent is one occurrence reported by the upstream feed.
//
// It carries only the cheap pre-fetch attributes; everything expensive lives in
// storage.EnrichmentDetail and is fetched on demand. Events are immutable after
// ingestion and are only ever removed by retention.
type KillEvent struct {
	KillID     int64     `json:"kill_id"`
	EventTime  time.Time `json:"event_time"`
	IngestedAt time.Time `json:"ingested_at"`
	LocationID int64     `json:"location_id"`

	// ReportedValue is the feed's own value estimate, if any. Zero means unknown.
	ReportedValue float64 `json:"reported_value,omitempty"`

	// Hash is a content hash used for idempotent re-delivery checks.
	Hash string `json:"hash,omitempty"`
}

// Source is anything that produces kill events into a queue.
//
// The concrete transport (long-poll HTTP, websocket, replay file) is an
// external collaborator; it only needs to call Queue.Put and respect ctx.
type Source interface {
	// Run blocks, pushing events into the queue until ctx is canceled.
	Run(ctx context.Context, q *Queue) error
}
