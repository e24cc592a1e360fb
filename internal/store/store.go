package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"astrovoice/internal/domain"
	"astrovoice/internal/logging"
)

// ErrEmptyLink is returned when a read-later item has no NASA link.
var ErrEmptyLink = errors.New("read-later item requires a nasa link")

// Store persists the read-later list and dictation history in SQLite.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logging.Infow("store opened", "path", path)
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS read_later (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	nasa_link TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	image_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS transcripts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	text TEXT NOT NULL,
	language TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_created ON transcripts(created_at);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AddReadLater bookmarks item. It reports false when the link is already saved.
func (s *Store) AddReadLater(ctx context.Context, item domain.ReadLaterItem) (bool, error) {
	link := strings.TrimSpace(item.NASALink)
	if link == "" {
		return false, ErrEmptyLink
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO read_later(nasa_link, title, description, image_url, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(nasa_link) DO NOTHING`,
		link, item.Title, item.Description, item.ImageURL, s.clock().UTC())
	if err != nil {
		return false, fmt.Errorf("add read-later %s: %w", link, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// RemoveReadLater deletes the bookmark for link. Unknown links are ignored.
func (s *Store) RemoveReadLater(ctx context.Context, link string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM read_later WHERE nasa_link = ?`, strings.TrimSpace(link)); err != nil {
		return fmt.Errorf("remove read-later %s: %w", link, err)
	}
	return nil
}

// ClearReadLater removes every bookmark.
func (s *Store) ClearReadLater(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM read_later`); err != nil {
		return fmt.Errorf("clear read-later: %w", err)
	}
	return nil
}

// ListReadLater returns bookmarks in the order they were added.
func (s *Store) ListReadLater(ctx context.Context) ([]domain.ReadLaterItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT title, description, image_url, nasa_link FROM read_later ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []domain.ReadLaterItem{}
	for rows.Next() {
		var item domain.ReadLaterItem
		if err := rows.Scan(&item.Title, &item.Description, &item.ImageURL, &item.NASALink); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// AppendTranscript records a completed dictation.
func (s *Store) AppendTranscript(ctx context.Context, record domain.TranscriptRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(session_id, text, language, created_at) VALUES(?, ?, ?, ?)`,
		record.SessionID, record.Text, record.Language, record.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append transcript %s: %w", record.SessionID, err)
	}
	return nil
}

// RecentTranscripts returns up to limit records, newest first.
func (s *Store) RecentTranscripts(ctx context.Context, limit int) ([]domain.TranscriptRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, text, language, created_at FROM transcripts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.TranscriptRecord{}
	for rows.Next() {
		var record domain.TranscriptRecord
		var created interface{}
		if err := rows.Scan(&record.SessionID, &record.Text, &record.Language, &created); err != nil {
			return nil, err
		}
		record.CreatedAt = parseTimestamp(created)
		records = append(records, record)
	}
	return records, rows.Err()
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

func parseTimestamp(value interface{}) time.Time {
	var raw string
	switch v := value.(type) {
	case time.Time:
		return v.UTC()
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
