package worker

import (
	"time"

	"killfeed/internal/interest"
)

// Profile binds one notification profile's polling knobs to its compiled
// interest engine. Engines come pre-compiled; a profile with an invalid
// interest spec never reaches this package.
type Profile struct {
	Name string

	// PollInterval is the pause between store polls. Default 10s.
	PollInterval time.Duration
	// BatchSize caps events per poll. Default 100.
	BatchSize int
	// Overlap re-examines a trailing slice of already-seen time so events
	// landing near a poll boundary are not missed. Default 1m.
	Overlap time.Duration

	Engine *interest.Engine
}

func (p Profile) withDefaults() Profile {
	if p.PollInterval <= 0 {
		p.PollInterval = 10 * time.Second
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 100
	}
	if p.Overlap <= 0 {
		p.Overlap = time.Minute
	}
	return p
}

// Observer receives per-event pipeline outcomes. Implementations must be
// cheap and non-blocking; the pollers call them inline.
type Observer interface {
	ObserveFetch(outcome string)
	ObserveTier(profile string, tier interest.Tier)
}

// WorkerStatus is one poller's point-in-time snapshot.
type WorkerStatus struct {
	Profile string `json:"profile"`
	RunID   string `json:"run_id"`
	Active  bool   `json:"active"`

	StartedAt     time.Time     `json:"started_at,omitzero"`
	Uptime        time.Duration `json:"uptime,omitempty"`
	LastPoll      time.Time     `json:"last_poll,omitzero"`
	LastProcessed time.Time     `json:"last_processed,omitzero"`

	Processed uint64 `json:"processed"`
	Fetched   uint64 `json:"fetched"`
	Routed    uint64 `json:"routed"`
	Errors    uint64 `json:"errors"`

	LastError string `json:"last_error,omitempty"`
}

// Status aggregates the supervisor and all its pollers.
type Status struct {
	Running   bool           `json:"running"`
	Active    int            `json:"active"`
	Total     int            `json:"total"`
	StartedAt time.Time      `json:"started_at,omitzero"`
	Uptime    time.Duration  `json:"uptime,omitempty"`
	Workers   []WorkerStatus `json:"workers"`
}
