package record

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	sg "github.com/randalmurphal/streamgraph/pkg/streamgraph"
)

// SQLiteStore persists records to SQLite.
// It is suitable for single-process use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens or creates a record database.
// The path should be a file path (e.g., "./records.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS packets (
			run_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			stream TEXT NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload BLOB NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (run_id, sequence)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_packets_run_stream
		ON packets(run_id, stream)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(rec Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	payload := rec.Payload
	if payload == nil {
		payload = []byte("null")
	}

	var seq int
	err := s.db.QueryRow(`
		INSERT INTO packets (run_id, sequence, stream, ts, type, payload, recorded_at)
		VALUES (
			?,
			COALESCE((SELECT MAX(sequence) FROM packets WHERE run_id = ?), 0) + 1,
			?, ?, ?, ?, ?
		)
		RETURNING sequence
	`, rec.RunID, rec.RunID, rec.Stream, int64(rec.Timestamp), rec.Type, []byte(payload),
		recordedAt.Format(time.RFC3339Nano)).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append record: %w", err)
	}
	return seq, nil
}

// List implements Store.
func (s *SQLiteStore) List(runID, stream string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT sequence, ts, type, payload, recorded_at
		FROM packets
		WHERE run_id = ? AND stream = ?
		ORDER BY sequence
	`, runID, stream)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	recs := []Record{}
	for rows.Next() {
		rec := Record{RunID: runID, Stream: stream}
		var ts int64
		var payload []byte
		var recordedAt string
		if err := rows.Scan(&rec.Sequence, &ts, &rec.Type, &payload, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Timestamp = sg.Timestamp(ts)
		rec.Payload = payload
		rec.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return recs, nil
}

// Streams implements Store.
func (s *SQLiteStore) Streams(runID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT DISTINCT stream FROM packets
		WHERE run_id = ?
		ORDER BY stream
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate streams: %w", err)
	}
	return names, nil
}

// DeleteRun implements Store.
func (s *SQLiteStore) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.Exec(`DELETE FROM packets WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete run records: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
