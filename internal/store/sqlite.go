package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS channels (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	url           TEXT    NOT NULL UNIQUE,
	title         TEXT    NOT NULL DEFAULT '',
	logo          TEXT    NOT NULL DEFAULT '',
	status        TEXT    NOT NULL DEFAULT 'new',
	last_checked  INTEGER NOT NULL DEFAULT 0,
	diagnostic    TEXT    NOT NULL DEFAULT '',
	fail_count    INTEGER NOT NULL DEFAULT 0,
	discovered_at INTEGER NOT NULL DEFAULT 0,
	source        TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS channels_status ON channels(status, last_checked);
CREATE INDEX IF NOT EXISTS channels_title ON channels(title COLLATE NOCASE);
CREATE TABLE IF NOT EXISTS cycles (
	id          TEXT    PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0,
	discovered  INTEGER NOT NULL DEFAULT 0,
	inserted    INTEGER NOT NULL DEFAULT 0,
	validated   INTEGER NOT NULL DEFAULT 0,
	valid       INTEGER NOT NULL DEFAULT 0,
	invalid     INTEGER NOT NULL DEFAULT 0,
	replaced    INTEGER NOT NULL DEFAULT 0,
	written     INTEGER NOT NULL DEFAULT 0,
	error       TEXT    NOT NULL DEFAULT ''
);
`

const entryColumns = "url, title, logo, status, last_checked, diagnostic, fail_count, discovered_at, source"

// SQLite is the default backend (modernc.org/sqlite, WAL journal).
// A single connection serializes writers.
type SQLite struct {
	db          *sql.DB
	maxFailures int
	now         func() time.Time
}

var (
	_ Store         = (*SQLite)(nil)
	_ CycleRecorder = (*SQLite)(nil)
)

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string, opts Options) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA synchronous=NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &SQLite{db: db, maxFailures: opts.MaxFailures, now: time.Now}, nil
}

func (s *SQLite) RecordDiscovered(ctx context.Context, url, title, logo, source string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (url, title, logo, status, discovered_at, source) VALUES (?, ?, ?, 'new', ?, ?)
		 ON CONFLICT(url) DO NOTHING`,
		url, title, logo, s.now().UnixMilli(), source)
	if err != nil {
		return false, fmt.Errorf("store: record discovered %s: %w", url, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if title == "" && logo == "" {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE channels SET
			title = CASE WHEN title = '' THEN ? ELSE title END,
			logo  = CASE WHEN logo  = '' THEN ? ELSE logo  END
		 WHERE url = ?`,
		title, logo, url)
	if err != nil {
		return false, fmt.Errorf("store: fill metadata %s: %w", url, err)
	}
	return false, nil
}

func (s *SQLite) RecordResult(ctx context.Context, r Result) error {
	now := s.now().UnixMilli()
	failCount := 0
	if r.Status == StatusFail {
		failCount = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (url, title, logo, status, last_checked, diagnostic, fail_count, discovered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET
			status       = excluded.status,
			diagnostic   = excluded.diagnostic,
			last_checked = excluded.last_checked,
			title        = CASE WHEN channels.title = '' THEN excluded.title ELSE channels.title END,
			logo         = CASE WHEN channels.logo  = '' THEN excluded.logo  ELSE channels.logo  END,
			fail_count   = CASE WHEN excluded.status = 'fail' THEN channels.fail_count + 1 ELSE 0 END`,
		r.URL, r.Title, r.Logo, string(r.Status), now, r.Diagnostic, failCount, now)
	if err != nil {
		return fmt.Errorf("store: record result %s: %w", r.URL, err)
	}
	return nil
}

func (s *SQLite) SelectForValidation(ctx context.Context, limit int) ([]Entry, error) {
	return s.query(ctx,
		`SELECT `+entryColumns+` FROM channels
		 WHERE status IN ('new', 'fail') AND (? <= 0 OR fail_count < ?)
		 ORDER BY CASE status WHEN 'new' THEN 0 ELSE 1 END, last_checked, id
		 LIMIT ?`,
		s.maxFailures, s.maxFailures, sqlLimit(limit))
}

func (s *SQLite) SelectStale(ctx context.Context, olderThan time.Time, limit int) ([]Entry, error) {
	return s.query(ctx,
		`SELECT `+entryColumns+` FROM channels
		 WHERE status = 'ok' AND last_checked <= ?
		 ORDER BY last_checked, id
		 LIMIT ?`,
		olderThan.UnixMilli(), sqlLimit(limit))
}

func (s *SQLite) SelectOK(ctx context.Context) ([]Entry, error) {
	return s.query(ctx,
		`SELECT `+entryColumns+` FROM channels WHERE status = 'ok' ORDER BY title COLLATE NOCASE, url`)
}

func (s *SQLite) SelectByTitle(ctx context.Context, title string) ([]Entry, error) {
	return s.query(ctx,
		`SELECT `+entryColumns+` FROM channels WHERE title = ? COLLATE NOCASE ORDER BY id`, title)
}

func (s *SQLite) Get(ctx context.Context, url string) (Entry, error) {
	entries, err := s.query(ctx, `SELECT `+entryColumns+` FROM channels WHERE url = ?`, url)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, ErrNotFound
	}
	return entries[0], nil
}

func (s *SQLite) Count(ctx context.Context) (Counts, error) {
	var c Counts
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM channels GROUP BY status`)
	if err != nil {
		return c, fmt.Errorf("store: count: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		switch Status(status) {
		case StatusNew:
			c.New = n
		case StatusOK:
			c.OK = n
		case StatusFail:
			c.Fail = n
		}
	}
	if err := rows.Err(); err != nil {
		return c, err
	}
	if s.maxFailures > 0 {
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels WHERE fail_count >= ?`, s.maxFailures).Scan(&c.Retired)
		if err != nil {
			return c, fmt.Errorf("store: count retired: %w", err)
		}
	}
	return c, nil
}

// Flush checkpoints the WAL into the main database file.
func (s *SQLite) Flush(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return fmt.Errorf("store: checkpoint: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) BeginCycle(ctx context.Context, started time.Time) (string, error) {
	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO cycles (id, started_at) VALUES (?, ?)`, id, started.UnixMilli()); err != nil {
		return "", fmt.Errorf("store: begin cycle: %w", err)
	}
	return id, nil
}

func (s *SQLite) EndCycle(ctx context.Context, id string, finished time.Time, st CycleStats, cycleErr error) error {
	msg := ""
	if cycleErr != nil {
		msg = cycleErr.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE cycles SET finished_at = ?, discovered = ?, inserted = ?, validated = ?, valid = ?,
			invalid = ?, replaced = ?, written = ?, error = ? WHERE id = ?`,
		finished.UnixMilli(), st.Discovered, st.Inserted, st.Validated, st.Valid, st.Invalid, st.Replaced, st.Written, msg, id)
	if err != nil {
		return fmt.Errorf("store: end cycle %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) RecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, discovered, inserted, validated, valid, invalid, replaced, written, error
		 FROM cycles ORDER BY started_at DESC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: recent cycles: %w", err)
	}
	defer rows.Close()
	var out []CycleRecord
	for rows.Next() {
		var rec CycleRecord
		var started, finished int64
		st := &rec.Stats
		if err := rows.Scan(&rec.ID, &started, &finished, &st.Discovered, &st.Inserted, &st.Validated,
			&st.Valid, &st.Invalid, &st.Replaced, &st.Written, &rec.Err); err != nil {
			return nil, err
		}
		rec.StartedAt = time.UnixMilli(started)
		if finished > 0 {
			rec.FinishedAt = time.UnixMilli(finished)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) query(ctx context.Context, q string, args ...interface{}) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var status string
		var checked, discovered int64
		if err := rows.Scan(&e.URL, &e.Title, &e.Logo, &status, &checked, &e.Diagnostic, &e.FailCount, &discovered, &e.Source); err != nil {
			return nil, err
		}
		e.Status = Status(status)
		if checked > 0 {
			e.LastChecked = time.UnixMilli(checked)
		}
		if discovered > 0 {
			e.DiscoveredAt = time.UnixMilli(discovered)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: scan: %w", err)
	}
	return out, nil
}

// sqlLimit maps "no limit" (<= 0) to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
