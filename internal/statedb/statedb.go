// Package statedb persists turn lifecycle metadata in SQLite. Only
// identifiers, outcomes and timings are recorded. Message bodies never
// touch the database.
package statedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// Turn outcomes.
const (
	OutcomePending     = "pending"
	OutcomeReplied     = "replied"
	OutcomeTimeout     = "timeout"
	OutcomeTerminated  = "terminated"
	OutcomeUnavailable = "unavailable"
	OutcomePublishFail = "publish_failed"
)

// StateDB wraps a SQLite database for the turn ledger.
// Thread-safe for concurrent use from multiple goroutines within one process.
// Multiple OS processes can safely read/write via WAL mode + busy timeout.
type StateDB struct {
	db *sql.DB
}

// RunRow represents one bridge run (process lifetime).
type RunRow struct {
	ID        string
	TeamID    string
	ChannelID string
	ThreadID  string
	StartedAt time.Time
	EndedAt   time.Time
}

// TurnRow represents one turn's lifecycle: post received, sent to the
// assistant, and the outcome. No message text is stored.
type TurnRow struct {
	ID          string
	RunID       string
	PostID      string
	AuthorID    string
	Outcome     string
	ReplyPostID string
	ReplyBytes  int
	ReceivedAt  time.Time
	ResolvedAt  time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: foreign keys: %w", err)
	}

	return &StateDB{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id         TEXT PRIMARY KEY,
			team_id    TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			thread_id  TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			ended_at   INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("statedb: create runs: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id            TEXT PRIMARY KEY,
			run_id        TEXT NOT NULL REFERENCES runs(id),
			post_id       TEXT NOT NULL,
			author_id     TEXT NOT NULL DEFAULT '',
			outcome       TEXT NOT NULL DEFAULT 'pending',
			reply_post_id TEXT NOT NULL DEFAULT '',
			reply_bytes   INTEGER NOT NULL DEFAULT 0,
			received_at   INTEGER NOT NULL,
			resolved_at   INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("statedb: create turns: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_turns_run ON turns(run_id, received_at)
	`); err != nil {
		return fmt.Errorf("statedb: create turn index: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// BeginRun records the start of a bridge run.
func (s *StateDB) BeginRun(run *RunRow) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, team_id, channel_id, thread_id, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.TeamID, run.ChannelID, run.ThreadID, run.StartedAt.Unix())
	if err != nil {
		return fmt.Errorf("statedb: begin run: %w", err)
	}
	return nil
}

// SetRunThread records the announcement post ID once it is known.
func (s *StateDB) SetRunThread(runID, threadID string) error {
	_, err := s.db.Exec(`UPDATE runs SET thread_id = ? WHERE id = ?`, threadID, runID)
	if err != nil {
		return fmt.Errorf("statedb: set run thread: %w", err)
	}
	return nil
}

// EndRun stamps the run's end time.
func (s *StateDB) EndRun(runID string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE runs SET ended_at = ? WHERE id = ?`, at.Unix(), runID)
	if err != nil {
		return fmt.Errorf("statedb: end run: %w", err)
	}
	return nil
}

// LoadRun fetches a run by ID.
func (s *StateDB) LoadRun(runID string) (*RunRow, error) {
	var r RunRow
	var started, ended int64
	err := s.db.QueryRow(`
		SELECT id, team_id, channel_id, thread_id, started_at, ended_at
		FROM runs WHERE id = ?
	`, runID).Scan(&r.ID, &r.TeamID, &r.ChannelID, &r.ThreadID, &started, &ended)
	if err != nil {
		return nil, fmt.Errorf("statedb: load run: %w", err)
	}
	r.StartedAt = time.Unix(started, 0)
	if ended > 0 {
		r.EndedAt = time.Unix(ended, 0)
	}
	return &r, nil
}

// BeginTurn records an admitted post entering the queue.
func (s *StateDB) BeginTurn(turn *TurnRow) error {
	_, err := s.db.Exec(`
		INSERT INTO turns (id, run_id, post_id, author_id, outcome, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, turn.ID, turn.RunID, turn.PostID, turn.AuthorID, OutcomePending, turn.ReceivedAt.Unix())
	if err != nil {
		return fmt.Errorf("statedb: begin turn: %w", err)
	}
	return nil
}

// ResolveTurn records a turn's final outcome.
func (s *StateDB) ResolveTurn(turnID, outcome, replyPostID string, replyBytes int, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE turns
		SET outcome = ?, reply_post_id = ?, reply_bytes = ?, resolved_at = ?
		WHERE id = ?
	`, outcome, replyPostID, replyBytes, at.Unix(), turnID)
	if err != nil {
		return fmt.Errorf("statedb: resolve turn: %w", err)
	}
	return nil
}

// LoadTurns returns a run's turns in arrival order.
func (s *StateDB) LoadTurns(runID string) ([]*TurnRow, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, post_id, author_id, outcome, reply_post_id, reply_bytes, received_at, resolved_at
		FROM turns WHERE run_id = ? ORDER BY received_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("statedb: load turns: %w", err)
	}
	defer rows.Close()

	var turns []*TurnRow
	for rows.Next() {
		var t TurnRow
		var received, resolved int64
		if err := rows.Scan(&t.ID, &t.RunID, &t.PostID, &t.AuthorID, &t.Outcome,
			&t.ReplyPostID, &t.ReplyBytes, &received, &resolved); err != nil {
			return nil, fmt.Errorf("statedb: scan turn: %w", err)
		}
		t.ReceivedAt = time.Unix(received, 0)
		if resolved > 0 {
			t.ResolvedAt = time.Unix(resolved, 0)
		}
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

// CountOutcomes tallies turn outcomes for a run.
func (s *StateDB) CountOutcomes(runID string) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT outcome, COUNT(*) FROM turns WHERE run_id = ? GROUP BY outcome
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("statedb: count outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("statedb: scan outcome: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// SetMeta stores a metadata key/value pair.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)`, key, value)
	return err
}

// GetMeta fetches a metadata value, or "" when absent.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
