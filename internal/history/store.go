// Package history keeps a local SQLite log of every orchestrated generation.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS generations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    operation TEXT NOT NULL,
    prompt TEXT NOT NULL,
    candidates TEXT NOT NULL,
    provider TEXT,
    success INTEGER NOT NULL,
    error TEXT,
    image_url TEXT,
    image_path TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    metadata_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_generations_user_id ON generations(user_id);
CREATE INDEX IF NOT EXISTS idx_generations_created_at ON generations(created_at);
CREATE INDEX IF NOT EXISTS idx_generations_provider ON generations(provider);
`

const (
	OpGenerate = "generate"
	OpEdit     = "edit"
)

type Record struct {
	ID         string
	UserID     string
	Operation  string
	Prompt     string
	Candidates []string
	Provider   string
	Success    bool
	Error      string
	ImageURL   string
	ImagePath  string
	CreatedAt  time.Time
	Metadata   Metadata
}

type Metadata struct {
	Width      int   `json:"width,omitempty"`
	Height     int   `json:"height,omitempty"`
	ImageCount int   `json:"image_count,omitempty"`
	DurationMS int64 `json:"duration_ms,omitempty"`
}

func (m *Metadata) ToJSON() string {
	data, _ := json.Marshal(m)
	return string(data)
}

func ParseMetadata(data string) Metadata {
	var m Metadata
	if data != "" {
		json.Unmarshal([]byte(data), &m)
	}
	return m
}

// ProviderSummary aggregates the log per winning or failing provider.
type ProviderSummary struct {
	Provider  string
	Attempts  int
	Successes int
}

type Store struct {
	db *sql.DB
}

func NewStore() (*Store, error) {
	dbPath, err := DefaultDBPath()
	if err != nil {
		return nil, err
	}
	return NewStoreWithPath(dbPath)
}

func NewStoreWithPath(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func DefaultDBPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".imgrelay", "history.db"), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts rec, filling in its ID and timestamp when unset.
func (s *Store) Record(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (id, user_id, operation, prompt, candidates, provider, success, error, image_url, image_path, created_at, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Operation, rec.Prompt, strings.Join(rec.Candidates, ","),
		nullString(rec.Provider), rec.Success, nullString(rec.Error), nullString(rec.ImageURL),
		nullString(rec.ImagePath), rec.CreatedAt, rec.Metadata.ToJSON())
	if err != nil {
		return fmt.Errorf("failed to record generation: %w", err)
	}
	return nil
}

const selectColumns = `id, user_id, operation, prompt, candidates, provider, success, error, image_url, image_path, created_at, metadata_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	rec := &Record{}
	var candidates string
	var provider, errMsg, imageURL, imagePath, metadataJSON sql.NullString
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.Operation, &rec.Prompt, &candidates, &provider,
		&rec.Success, &errMsg, &imageURL, &imagePath, &rec.CreatedAt, &metadataJSON); err != nil {
		return nil, err
	}
	if candidates != "" {
		rec.Candidates = strings.Split(candidates, ",")
	}
	rec.Provider = provider.String
	rec.Error = errMsg.String
	rec.ImageURL = imageURL.String
	rec.ImagePath = imagePath.String
	rec.Metadata = ParseMetadata(metadataJSON.String)
	return rec, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM generations WHERE id = ?`, id)
	return scanRecord(row)
}

// ListByUser returns the newest records for userID first. limit <= 0 means no limit.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM generations WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM generations`).Scan(&count)
	return count, err
}

func (s *Store) SummaryByProvider(ctx context.Context) ([]ProviderSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, COUNT(*), COALESCE(SUM(success), 0)
		 FROM generations WHERE provider IS NOT NULL GROUP BY provider ORDER BY provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []ProviderSummary
	for rows.Next() {
		var ps ProviderSummary
		if err := rows.Scan(&ps.Provider, &ps.Attempts, &ps.Successes); err != nil {
			return nil, err
		}
		summaries = append(summaries, ps)
	}
	return summaries, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}
