package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/promptguard/internal/storage"
)

// Store is an in-memory implementation of storage.Store
type Store struct {
	mu      sync.RWMutex
	kv      map[string][]byte
	records []*storage.ReviewRecord
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		kv: make(map[string][]byte),
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.kv[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	s.kv[key] = v
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.kv, key)
	return nil
}

func (s *Store) AppendRecord(ctx context.Context, rec *storage.ReviewRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.ID == rec.ID {
			return fmt.Errorf("review record %s already exists", rec.ID)
		}
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *Store) ListRecords(ctx context.Context, opts storage.ListOptions) ([]*storage.ReviewRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Walk backwards so the stable sort keeps later inserts first on ties.
	out := make([]*storage.ReviewRecord, 0, len(s.records))
	for i := len(s.records) - 1; i >= 0; i-- {
		cp := *s.records[i]
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*storage.ReviewRecord{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}

	return out, nil
}

func (s *Store) ClearRecords(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = nil
	return nil
}

func (s *Store) Close() error {
	return nil
}
