package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"killfeed/internal/feed"
	logx "killfeed/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if _, err := st.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// wrap tags an underlying database error with ErrStorage so callers can
// branch without depending on driver error types.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// ---- Migrations ----

type migration struct {
	version int
	name    string
	sql     string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %q: missing NNNN_ prefix", name)
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %q: bad version prefix: %v", name, err)
		}
		b, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: v, name: name, sql: string(b)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func (s *sqliteStore) Migrate(ctx context.Context) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`)
	if err != nil {
		return 0, wrap("migrate: version table", err)
	}

	applied := map[int]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return 0, wrap("migrate: read versions", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return 0, wrap("migrate: scan version", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, wrap("migrate: read versions", err)
	}
	_ = rows.Close()

	migs, err := loadMigrations()
	if err != nil {
		return 0, wrap("migrate: load", err)
	}

	ran := 0
	for _, m := range migs {
		if applied[m.version] {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return ran, wrap("migrate: begin", err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return ran, wrap("migrate: "+m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations(version, name, applied_at) VALUES(?,?,?)`,
			m.version, m.name, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			_ = tx.Rollback()
			return ran, wrap("migrate: record "+m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return ran, wrap("migrate: commit "+m.name, err)
		}
		ran++
		s.log.Debug("migration applied", logx.Int("version", m.version), logx.String("name", m.name))
	}
	return ran, nil
}

func (s *sqliteStore) AppliedMigrations(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, wrap("applied migrations", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, wrap("applied migrations", err)
		}
		out = append(out, v)
	}
	return out, wrap("applied migrations", rows.Err())
}

// ---- Events ----

func (s *sqliteStore) InsertEvent(ctx context.Context, ev feed.KillEvent) (bool, error) {
	ingested := ev.IngestedAt
	if ingested.IsZero() {
		ingested = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events(kill_id, event_time, ingested_at, location_id, reported_value, hash)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(kill_id) DO NOTHING`,
		ev.KillID, ev.EventTime.UnixMilli(), ingested.UnixMilli(),
		ev.LocationID, ev.ReportedValue, ev.Hash,
	)
	if err != nil {
		return false, wrap("insert event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("insert event", err)
	}
	return n == 1, nil
}

func (s *sqliteStore) GetEvent(ctx context.Context, killID int64) (*feed.KillEvent, error) {
	var (
		ev         feed.KillEvent
		eventMS    int64
		ingestedMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT kill_id, event_time, ingested_at, location_id, reported_value, hash
		 FROM events WHERE kill_id = ?`, killID,
	).Scan(&ev.KillID, &eventMS, &ingestedMS, &ev.LocationID, &ev.ReportedValue, &ev.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get event", err)
	}
	ev.EventTime = time.UnixMilli(eventMS)
	ev.IngestedAt = time.UnixMilli(ingestedMS)
	return &ev, nil
}

func (s *sqliteStore) EventsSince(ctx context.Context, since time.Time, limit int) ([]feed.KillEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kill_id, event_time, ingested_at, location_id, reported_value, hash
		 FROM events WHERE event_time >= ?
		 ORDER BY event_time ASC, kill_id ASC
		 LIMIT ?`, since.UnixMilli(), limit)
	if err != nil {
		return nil, wrap("events since", err)
	}
	defer rows.Close()

	var out []feed.KillEvent
	for rows.Next() {
		var (
			ev         feed.KillEvent
			eventMS    int64
			ingestedMS int64
		)
		if err := rows.Scan(&ev.KillID, &eventMS, &ingestedMS, &ev.LocationID, &ev.ReportedValue, &ev.Hash); err != nil {
			return nil, wrap("events since", err)
		}
		ev.EventTime = time.UnixMilli(eventMS)
		ev.IngestedAt = time.UnixMilli(ingestedMS)
		out = append(out, ev)
	}
	return out, wrap("events since", rows.Err())
}

// ---- Enrichment ----

func (s *sqliteStore) InsertEnrichment(ctx context.Context, d EnrichmentDetail) error {
	victim, err := json.Marshal(d.Victim)
	if err != nil {
		return wrap("insert enrichment: victim", err)
	}
	attackers, err := json.Marshal(d.Attackers)
	if err != nil {
		return wrap("insert enrichment: attackers", err)
	}
	fetchedAt := d.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("insert enrichment", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO enrichment(kill_id, fetched_at, victim, attackers, total_value, dropped_value, raw)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(kill_id) DO NOTHING`,
		d.KillID, fetchedAt.UnixMilli(), string(victim), string(attackers),
		d.TotalValue, d.DroppedValue, d.RawJSON,
	); err != nil {
		_ = tx.Rollback()
		return wrap("insert enrichment", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET fetch_status = ? WHERE kill_id = ?`,
		FetchSuccess, d.KillID,
	); err != nil {
		_ = tx.Rollback()
		return wrap("insert enrichment: status", err)
	}
	return wrap("insert enrichment", tx.Commit())
}

func (s *sqliteStore) GetEnrichment(ctx context.Context, killID int64) (*EnrichmentDetail, error) {
	var (
		d         EnrichmentDetail
		fetchedMS int64
		victim    string
		attackers string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT e.kill_id, e.fetched_at, e.victim, e.attackers, e.total_value, e.dropped_value, e.raw,
		        ev.fetch_status, ev.fetch_attempts
		 FROM enrichment e JOIN events ev ON ev.kill_id = e.kill_id
		 WHERE e.kill_id = ?`, killID,
	).Scan(&d.KillID, &fetchedMS, &victim, &attackers, &d.TotalValue, &d.DroppedValue, &d.RawJSON,
		&d.FetchStatus, &d.FetchAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get enrichment", err)
	}
	d.FetchedAt = time.UnixMilli(fetchedMS)
	if err := json.Unmarshal([]byte(victim), &d.Victim); err != nil {
		return nil, wrap("get enrichment: victim", err)
	}
	if err := json.Unmarshal([]byte(attackers), &d.Attackers); err != nil {
		return nil, wrap("get enrichment: attackers", err)
	}
	return &d, nil
}

func (s *sqliteStore) FetchState(ctx context.Context, killID int64) (string, int, error) {
	var (
		status   string
		attempts int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fetch_status, fetch_attempts FROM events WHERE kill_id = ?`, killID,
	).Scan(&status, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, ErrNotFound
	}
	if err != nil {
		return "", 0, wrap("fetch state", err)
	}
	return status, attempts, nil
}

func (s *sqliteStore) IncrementFetchAttempts(ctx context.Context, killID int64) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE events SET fetch_attempts = fetch_attempts + 1, fetch_status = ?
		 WHERE kill_id = ?
		 RETURNING fetch_attempts`,
		FetchFailed, killID,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, wrap("increment fetch attempts", err)
	}
	return attempts, nil
}

func (s *sqliteStore) MarkUnfetchable(ctx context.Context, killID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET fetch_status = ? WHERE kill_id = ?`,
		FetchUnfetchable, killID)
	return wrap("mark unfetchable", err)
}

// ---- Claims ----

func (s *sqliteStore) TryInsertClaim(ctx context.Context, killID int64, claimant string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO fetch_claims(kill_id, claimant, claimed_at) VALUES(?,?,?)
		 ON CONFLICT(kill_id) DO NOTHING`,
		killID, claimant, time.Now().UnixMilli())
	if err != nil {
		return false, wrap("try insert claim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("try insert claim", err)
	}
	return n == 1, nil
}

func (s *sqliteStore) GetClaim(ctx context.Context, killID int64) (*FetchClaim, error) {
	var (
		c  FetchClaim
		ms int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT kill_id, claimant, claimed_at FROM fetch_claims WHERE kill_id = ?`, killID,
	).Scan(&c.KillID, &c.Claimant, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get claim", err)
	}
	c.ClaimedAt = time.UnixMilli(ms)
	return &c, nil
}

func (s *sqliteStore) DeleteClaim(ctx context.Context, killID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM fetch_claims WHERE kill_id = ?`, killID)
	return wrap("delete claim", err)
}

// ---- Processed markers ----

func (s *sqliteStore) MarkProcessed(ctx context.Context, workerID string, killID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_markers(worker_id, kill_id, marked_at) VALUES(?,?,?)
		 ON CONFLICT(worker_id, kill_id) DO NOTHING`,
		workerID, killID, time.Now().UnixMilli())
	return wrap("mark processed", err)
}

func (s *sqliteStore) IsProcessed(ctx context.Context, workerID string, killID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_markers WHERE worker_id = ? AND kill_id = ?`,
		workerID, killID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap("is processed", err)
	}
	return true, nil
}

// ---- Worker state ----

func (s *sqliteStore) GetWorkerState(ctx context.Context, workerID string) (*WorkerState, error) {
	var (
		ws        WorkerState
		lastMS    int64
		updatedMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT worker_id, last_processed_time, updated_at FROM worker_state WHERE worker_id = ?`,
		workerID).Scan(&ws.WorkerID, &lastMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get worker state", err)
	}
	ws.LastProcessedTime = time.UnixMilli(lastMS)
	ws.UpdatedAt = time.UnixMilli(updatedMS)
	return &ws, nil
}

func (s *sqliteStore) SetWorkerState(ctx context.Context, ws WorkerState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_state(worker_id, last_processed_time, updated_at) VALUES(?,?,?)
		 ON CONFLICT(worker_id) DO UPDATE SET
		   last_processed_time = excluded.last_processed_time,
		   updated_at = excluded.updated_at`,
		ws.WorkerID, ws.LastProcessedTime.UnixMilli(), time.Now().UnixMilli())
	return wrap("set worker state", err)
}

// ---- Retention ----

func (s *sqliteStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	ms := cutoff.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM enrichment WHERE kill_id IN (SELECT kill_id FROM events WHERE event_time < ?)`, ms)
	if err != nil {
		return 0, 0, wrap("delete enrichment before", err)
	}
	enr, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM events WHERE event_time < ?`, ms)
	if err != nil {
		return 0, enr, wrap("delete events before", err)
	}
	evs, _ := res.RowsAffected()
	return evs, enr, nil
}

func (s *sqliteStore) DeleteMarkersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_markers WHERE marked_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, wrap("delete markers before", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteStore) DeleteStaleClaims(ctx context.Context, heldSince time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fetch_claims WHERE claimed_at < ?`, heldSince.UnixMilli())
	if err != nil {
		return 0, wrap("delete stale claims", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteStore) DeleteWorkerStatesNotIn(ctx context.Context, active []string) (int64, error) {
	if len(active) == 0 {
		res, err := s.db.ExecContext(ctx, `DELETE FROM worker_state`)
		if err != nil {
			return 0, wrap("delete orphan worker states", err)
		}
		n, _ := res.RowsAffected()
		return n, nil
	}
	placeholders := strings.Repeat("?,", len(active))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(active))
	for i, a := range active {
		args[i] = a
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM worker_state WHERE worker_id NOT IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, wrap("delete orphan worker states", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteStore) Maintain(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA optimize`); err != nil {
		return wrap("maintain", err)
	}
	_, err := s.db.ExecContext(ctx, `PRAGMA incremental_vacuum`)
	return wrap("maintain", err)
}
