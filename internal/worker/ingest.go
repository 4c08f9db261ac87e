package worker

import (
	"context"
	"errors"
	"time"

	"killfeed/internal/storage"
	logx "killfeed/pkg/logx"
)

// runIngest drains the admission queue into the store. Duplicate kill_ids
// from feed reconnects are absorbed by the idempotent insert. A storage
// failure aborts so the supervisor restarts the drain with backoff; events
// popped but not written are lost, which recency-over-completeness accepts.
func (s *Supervisor) runIngest(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !s.queue.WaitForItems(ctx, time.Second) {
			continue
		}
		batch := s.queue.GetBatch(s.cfg.IngestBatch)
		if len(batch) == 0 {
			continue
		}
		fresh := 0
		for _, ev := range batch {
			if ev.IngestedAt.IsZero() {
				ev.IngestedAt = time.Now()
			}
			inserted, err := s.store.InsertEvent(ctx, ev)
			if err != nil {
				if errors.Is(err, storage.ErrStorage) {
					return err
				}
				s.log.Warn("event insert failed", logx.Int64("kill_id", ev.KillID), logx.Err(err))
				continue
			}
			if inserted {
				fresh++
			}
		}
		s.queue.MarkWritten(len(batch))
		if fresh > 0 {
			s.log.Debug("events persisted", logx.Int("batch", len(batch)), logx.Int("new", fresh))
		}
	}
}
