// Package storage defines the persistence contracts used by the guard: a
// small key-value store for the suppression map and an append-only review
// history.
package storage

import (
	"context"
	"time"
)

// SuppressionsKey is the key under which the suppression map is persisted as
// a JSON object of normalized token to expiry in Unix milliseconds.
const SuppressionsKey = "suppressions"

// KVStore is a string-keyed byte store.
type KVStore interface {
	// Get returns the value for key. The boolean is false when the key is unset.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// SuppressionRef is one suppression that was in effect when a review record
// was written.
type SuppressionRef struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ReviewRecord is one submitted review.
type ReviewRecord struct {
	ID                  string            `json:"id"`
	CreatedAt           time.Time         `json:"created_at"`
	OriginalText        string            `json:"original_text"`
	ResolvedText        string            `json:"resolved_text"`
	TokensFound         []string          `json:"tokens_found"`
	SuppressionsApplied []SuppressionRef  `json:"suppressions_applied,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// ListOptions bounds a history listing. A zero Limit means no limit.
type ListOptions struct {
	Limit  int
	Offset int
}

// HistoryStore persists review records.
type HistoryStore interface {
	AppendRecord(ctx context.Context, rec *ReviewRecord) error
	// ListRecords returns records newest first.
	ListRecords(ctx context.Context, opts ListOptions) ([]*ReviewRecord, error)
	ClearRecords(ctx context.Context) error
}

// Store is implemented by every backend.
type Store interface {
	KVStore
	HistoryStore
	Close() error
}
