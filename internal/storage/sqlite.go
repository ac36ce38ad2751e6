package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "proxyrun/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS outcomes (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	at        INTEGER NOT NULL,
	task_id   TEXT NOT NULL,
	owner     TEXT NOT NULL,
	resource  TEXT,
	action    TEXT NOT NULL,
	priority  INTEGER NOT NULL,
	status    TEXT NOT NULL,
	attempts  INTEGER NOT NULL,
	err       TEXT,
	took_ms   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS outcomes_at ON outcomes(at);
CREATE TABLE IF NOT EXISTS resource_state (
	resource_id   TEXT PRIMARY KEY,
	base_delay    INTEGER NOT NULL,
	current_delay INTEGER NOT NULL,
	successes     INTEGER NOT NULL,
	errors        INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
`

// outcomeRetention caps the journal; older rows are pruned periodically.
const outcomeRetention = 50000

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	writes     atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log, pruneEvery: 1000}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, r OutcomeRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(at, task_id, owner, resource, action, priority, status, attempts, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.At.UnixMilli(), r.TaskID, r.Owner, nullStr(r.Resource), r.Action, r.Priority,
		r.Status, r.Attempts, nullStr(r.Error), r.TookMS,
	)
	if err == nil && s.writes.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 200*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("outcome prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM outcomes WHERE id <= (SELECT MAX(id) FROM outcomes) - ?`, outcomeRetention)
	return err
}

func (s *sqliteStore) RecentOutcomes(ctx context.Context, limit int) ([]OutcomeRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, task_id, owner, resource, action, priority, status, attempts, err, took_ms
		 FROM outcomes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var (
			r        OutcomeRecord
			at       int64
			res, msg sql.NullString
		)
		if err := rows.Scan(&at, &r.TaskID, &r.Owner, &res, &r.Action, &r.Priority, &r.Status, &r.Attempts, &msg, &r.TookMS); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(at)
		r.Resource = res.String
		r.Error = msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutResourceState(ctx context.Context, st ResourceState) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(st.ResourceID) == "" {
		return errors.New("resource id is required")
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resource_state(resource_id, base_delay, current_delay, successes, errors, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(resource_id) DO UPDATE SET
		   base_delay=excluded.base_delay, current_delay=excluded.current_delay,
		   successes=excluded.successes, errors=excluded.errors, updated_at=excluded.updated_at`,
		st.ResourceID, int64(st.BaseDelay), int64(st.CurrentDelay),
		int64(st.SuccessCount), int64(st.ErrorCount), st.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetResourceState(ctx context.Context, id string) (ResourceState, bool, error) {
	if s == nil || s.db == nil {
		return ResourceState{}, false, ErrDisabled
	}
	var base, cur, ok, fail, at int64
	err := s.db.QueryRowContext(ctx,
		`SELECT base_delay, current_delay, successes, errors, updated_at FROM resource_state WHERE resource_id = ?`, id,
	).Scan(&base, &cur, &ok, &fail, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return ResourceState{}, false, nil
	}
	if err != nil {
		return ResourceState{}, false, err
	}
	return ResourceState{
		ResourceID:   id,
		BaseDelay:    time.Duration(base),
		CurrentDelay: time.Duration(cur),
		SuccessCount: uint64(ok),
		ErrorCount:   uint64(fail),
		UpdatedAt:    time.UnixMilli(at),
	}, true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
