// Package store caches recognition results in SQLite, keyed by the file id the
// inference service assigned to the uploaded video.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/fbn/imgrec/overlay-server/internal/detection"
	"github.com/fbn/imgrec/overlay-server/pkg/types"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no result is cached for a file id.
var ErrNotFound = errors.New("result not found")

// Entry describes a cached result without its frames.
type Entry struct {
	FileID     string    `json:"file_id"`
	FrameRate  float64   `json:"frame_rate"`
	FrameCount int       `json:"frame_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store wraps the SQLite connection with serialized writes.
type Store struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// Open opens or creates the cache database at path. Use ":memory:" for a
// throwaway cache.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS results (
		file_id TEXT PRIMARY KEY,
		frame_rate REAL NOT NULL,
		frame_count INTEGER NOT NULL,
		payload BLOB NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_created_at ON results(created_at);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// Put stores result under fileID, replacing any previous entry.
func (s *Store) Put(ctx context.Context, fileID string, result *types.VideoRecognitionResult) error {
	if fileID == "" {
		return errors.New("empty file id")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "encode result")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO results (file_id, frame_rate, frame_count, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			frame_rate = excluded.frame_rate,
			frame_count = excluded.frame_count,
			payload = excluded.payload,
			created_at = excluded.created_at
	`, fileID, result.FrameRate, len(result.Frames), payload, time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "store result %s", fileID)
	}
	return nil
}

// Get loads the result cached under fileID.
func (s *Store) Get(ctx context.Context, fileID string) (*types.VideoRecognitionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload []byte
	err := s.conn.QueryRowContext(ctx, `SELECT payload FROM results WHERE file_id = ?`, fileID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, fileID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load result %s", fileID)
	}

	result, err := detection.DecodeVideoResult(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "cached result %s", fileID)
	}
	return result, nil
}

// Delete removes the entry for fileID. Deleting a missing entry returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.ExecContext(ctx, `DELETE FROM results WHERE file_id = ?`, fileID)
	if err != nil {
		return errors.Wrapf(err, "delete result %s", fileID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrap(ErrNotFound, fileID)
	}
	return nil
}

// List returns all entries, newest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT file_id, frame_rate, frame_count, created_at
		FROM results ORDER BY created_at DESC, file_id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query results")
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.FileID, &e.FrameRate, &e.FrameCount, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan result")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
