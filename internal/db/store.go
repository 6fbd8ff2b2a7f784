package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CamScoglio/voicepal/internal/history"

	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS transcripts (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		createdAt REAL NOT NULL,
		audioPath TEXT,
		audioSize INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS transcripts_created ON transcripts(createdAt);
`

// Store provides access to the voicepal SQLite archive.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default database path.
func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".voicepal", "voicepal.sqlite")
}

// Open opens (creating if needed) the archive at path with WAL.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	return open(dsn, true)
}

// OpenReadOnly opens an existing archive without write access. Used by
// readers running next to the TUI.
func OpenReadOnly(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path)
	return open(dsn, false)
}

func open(dsn string, migrate bool) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if migrate {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRecord implements history.Archive.
func (s *Store) SaveRecord(r history.Record) error {
	t := fromRecord(r)
	_, err := s.db.Exec(`
		INSERT INTO transcripts (id, text, createdAt, audioPath, audioSize)
		VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.Text, unixFromTime(t.CreatedAt), t.AudioPath, t.AudioSize)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

// All returns every transcript, oldest first.
func (s *Store) All() ([]Transcript, error) {
	return s.query(`
		SELECT id, text, createdAt, audioPath, audioSize
		FROM transcripts
		ORDER BY createdAt ASC
	`)
}

// Recent returns up to limit transcripts, newest first.
func (s *Store) Recent(limit int) ([]Transcript, error) {
	return s.query(`
		SELECT id, text, createdAt, audioPath, audioSize
		FROM transcripts
		ORDER BY createdAt DESC
		LIMIT ?
	`, limit)
}

// Search returns transcripts containing query (case-insensitive), newest
// first.
func (s *Store) Search(query string, limit int) ([]Transcript, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	return s.query(`
		SELECT id, text, createdAt, audioPath, audioSize
		FROM transcripts
		WHERE lower(text) LIKE ? ESCAPE '\'
		ORDER BY createdAt DESC
		LIMIT ?
	`, pattern, limit)
}

// Transcript returns one transcript by ID, or nil if it doesn't exist.
func (s *Store) Transcript(id string) (*Transcript, error) {
	row := s.db.QueryRow(`
		SELECT id, text, createdAt, audioPath, audioSize
		FROM transcripts
		WHERE id = ?
	`, id)

	t, err := scanTranscript(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// Records returns the archive as history records, oldest first.
func (s *Store) Records() ([]history.Record, error) {
	ts, err := s.All()
	if err != nil {
		return nil, err
	}
	out := make([]history.Record, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Record())
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTranscript(row scanner) (Transcript, error) {
	var t Transcript
	var createdAt float64
	var audioPath sql.NullString
	if err := row.Scan(&t.ID, &t.Text, &createdAt, &audioPath, &t.AudioSize); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("scan transcript: %w", err)
	}
	t.CreatedAt = timeFromUnix(createdAt)
	if audioPath.Valid {
		p := audioPath.String
		t.AudioPath = &p
	}
	return t, nil
}

func (s *Store) query(q string, args ...any) ([]Transcript, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
