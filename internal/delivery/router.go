package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"killfeed/internal/interest"
	logx "killfeed/pkg/logx"
)

// Routes maps a tier to the channel names it fans out to. The filter tier
// never routes; log_only is logged and routed nowhere.
type Routes map[interest.Tier][]string

// Router fans scored events out to per-channel queues per profile routing
// tables. Safe for concurrent use; routes can be swapped on config reload.
type Router struct {
	log   logx.Logger
	dedup Deduper

	mu     sync.RWMutex
	queues map[string]*Queue
	routes map[string]Routes
}

func NewRouter(log logx.Logger, dedup Deduper) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		log:    log,
		dedup:  dedup,
		queues: map[string]*Queue{},
		routes: map[string]Routes{},
	}
}

// AddChannel registers a queue under its channel name.
func (r *Router) AddChannel(q *Queue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.queues[q.Name()]; dup {
		return fmt.Errorf("delivery: channel %q registered twice", q.Name())
	}
	r.queues[q.Name()] = q
	return nil
}

// SetRoutes installs (or replaces) one profile's routing table. Unknown
// channel names are rejected so a config typo surfaces at load, not at the
// first priority kill.
func (r *Router) SetRoutes(profile string, routes Routes) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tier, names := range routes {
		if tier == interest.TierFilter {
			return fmt.Errorf("delivery: profile %q routes the filter tier", profile)
		}
		for _, n := range names {
			if _, ok := r.queues[n]; !ok {
				return fmt.Errorf("delivery: profile %q tier %q references unknown channel %q", profile, tier, n)
			}
		}
	}
	r.routes[profile] = routes
	return nil
}

// Queues lists registered queues, sorted by name, for status snapshots.
func (r *Router) Queues() []*Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.queues))
	for n := range r.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*Queue, 0, len(names))
	for _, n := range names {
		out = append(out, r.queues[n])
	}
	return out
}

// Queue returns one registered queue by channel name.
func (r *Router) Queue(name string) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	return q, ok
}

// Dispatch routes one scored event for a profile. Returns how many channel
// queues accepted the message. Duplicate kill/channel pairs already delivered
// are skipped through the deduper.
func (r *Router) Dispatch(ctx context.Context, profile string, msg Message) int {
	switch msg.Tier {
	case interest.TierFilter:
		return 0
	case interest.TierLogOnly:
		r.log.Info("kill logged, not routed",
			logx.String("profile", profile), logx.Int64("kill_id", msg.KillID),
			logx.String("tier", string(msg.Tier)))
		return 0
	}

	r.mu.RLock()
	routes := r.routes[profile]
	names := routes[msg.Tier]
	queues := make([]*Queue, 0, len(names))
	for _, n := range names {
		if q, ok := r.queues[n]; ok {
			queues = append(queues, q)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, q := range queues {
		if r.dedup != nil {
			done, err := r.dedup.IsProcessed(ctx, dedupScope(profile, q.Name()), msg.KillID)
			if err != nil {
				r.log.Warn("dedup lookup failed",
					logx.Int64("kill_id", msg.KillID), logx.String("channel", q.Name()), logx.Err(err))
			} else if done {
				continue
			}
		}
		q.Enqueue(msg)
		n++
	}
	if n > 0 {
		r.log.Debug("kill routed",
			logx.String("profile", profile), logx.Int64("kill_id", msg.KillID),
			logx.String("tier", string(msg.Tier)), logx.Int("channels", n))
	}
	return n
}
