// Package sqldb is the SQLite-backed storage.Store, built on sqlx with the
// pure-Go modernc driver.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/promptguard/internal/storage"
)

const driverName = "sqlite"

// Store is a SQL implementation of storage.Store.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (creating if needed) the database at dsn and initializes the
// schema. A plain file path gets its parent directory created.
func New(dsn string) (*Store, error) {
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS review_records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL,
			original_text TEXT NOT NULL,
			resolved_text TEXT NOT NULL,
			tokens_found TEXT NOT NULL,
			suppressions_applied TEXT,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_review_records_created ON review_records(created_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// KVStore implementation

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value, `SELECT value FROM kv WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// HistoryStore implementation

type recordRow struct {
	ID                  string         `db:"id"`
	CreatedAt           int64          `db:"created_at"`
	OriginalText        string         `db:"original_text"`
	ResolvedText        string         `db:"resolved_text"`
	TokensFound         string         `db:"tokens_found"`
	SuppressionsApplied sql.NullString `db:"suppressions_applied"`
	Metadata            sql.NullString `db:"metadata"`
}

func (s *Store) AppendRecord(ctx context.Context, rec *storage.ReviewRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	tokens, err := json.Marshal(nonNil(rec.TokensFound))
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}

	var applied, metadata sql.NullString
	if len(rec.SuppressionsApplied) > 0 {
		b, err := json.Marshal(rec.SuppressionsApplied)
		if err != nil {
			return fmt.Errorf("failed to marshal suppressions: %w", err)
		}
		applied = sql.NullString{String: string(b), Valid: true}
	}
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.NamedExecContext(ctx, `INSERT INTO review_records
		(id, created_at, original_text, resolved_text, tokens_found, suppressions_applied, metadata)
		VALUES (:id, :created_at, :original_text, :resolved_text, :tokens_found, :suppressions_applied, :metadata)`,
		recordRow{
			ID:                  rec.ID,
			CreatedAt:           rec.CreatedAt.UnixMilli(),
			OriginalText:        rec.OriginalText,
			ResolvedText:        rec.ResolvedText,
			TokensFound:         string(tokens),
			SuppressionsApplied: applied,
			Metadata:            metadata,
		})
	if err != nil {
		return fmt.Errorf("failed to append review record: %w", err)
	}

	return nil
}

func (s *Store) ListRecords(ctx context.Context, opts storage.ListOptions) ([]*storage.ReviewRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}

	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows, `SELECT id, created_at, original_text, resolved_text,
		tokens_found, suppressions_applied, metadata
		FROM review_records
		ORDER BY created_at DESC, seq DESC
		LIMIT ? OFFSET ?`, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list review records: %w", err)
	}

	records := make([]*storage.ReviewRecord, 0, len(rows))
	for _, row := range rows {
		rec := &storage.ReviewRecord{
			ID:           row.ID,
			CreatedAt:    time.UnixMilli(row.CreatedAt),
			OriginalText: row.OriginalText,
			ResolvedText: row.ResolvedText,
		}
		if err := json.Unmarshal([]byte(row.TokensFound), &rec.TokensFound); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tokens for %s: %w", row.ID, err)
		}
		if row.SuppressionsApplied.Valid {
			if err := json.Unmarshal([]byte(row.SuppressionsApplied.String), &rec.SuppressionsApplied); err != nil {
				return nil, fmt.Errorf("failed to unmarshal suppressions for %s: %w", row.ID, err)
			}
		}
		if row.Metadata.Valid {
			if err := json.Unmarshal([]byte(row.Metadata.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata for %s: %w", row.ID, err)
			}
		}
		records = append(records, rec)
	}

	return records, nil
}

func (s *Store) ClearRecords(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM review_records`); err != nil {
		return fmt.Errorf("failed to clear review records: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
