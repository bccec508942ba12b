// Package review is the operator side of the decision protocol. It follows
// open events from the bus, keeps the review that is currently on screen,
// and turns operator actions into cancel and submit events, review history,
// and suppression changes.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/promptguard/internal/bus"
	"github.com/tjfontaine/promptguard/internal/detect"
	"github.com/tjfontaine/promptguard/internal/storage"
	"github.com/tjfontaine/promptguard/internal/tokens"
)

// DefaultSuppressionTTL is how long a token stays suppressed.
const DefaultSuppressionTTL = 24 * time.Hour

const (
	persistTimeout = 5 * time.Second
	lookupTimeout  = 2 * time.Second
)

var (
	// ErrNoReview is returned when no review is open.
	ErrNoReview = errors.New("no review is open")
	// ErrEmptyToken is returned for a suppression change without a token.
	ErrEmptyToken = errors.New("token must not be empty")
)

// Suppressions is the suppression relay as seen from the review side.
type Suppressions interface {
	Snapshot(ctx context.Context) (detect.Snapshot, error)
	SetSuppression(ctx context.Context, token string, until *time.Time) error
}

// Review is the call currently awaiting a decision, as the operator sees it.
type Review struct {
	CallID   string    `json:"call_id"`
	Model    string    `json:"model,omitempty"`
	Text     string    `json:"text"`
	OpenedAt time.Time `json:"opened_at"`
	// Active lists tokens that will be masked by default.
	Active []string `json:"active"`
	// Suppressed lists tokens in the text that are currently suppressed.
	Suppressed   []storage.SuppressionRef `json:"suppressed"`
	MaskedText   string                   `json:"masked_text"`
	PromptTokens int                      `json:"prompt_tokens"`
	// Estimated is true when PromptTokens is a length-based estimate.
	Estimated bool `json:"prompt_tokens_estimated,omitempty"`
}

// HistoryEntry is a stored record plus the suppressions in force now for
// the tokens it lists.
type HistoryEntry struct {
	storage.ReviewRecord
	CurrentSuppressions []storage.SuppressionRef `json:"current_suppressions"`
}

// Service holds the open review and applies operator decisions.
type Service struct {
	broker       *bus.Broker
	suppressions Suppressions
	history      storage.HistoryStore
	counter      *tokens.Counter
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string

	mu      sync.Mutex
	current *Review
	ttl     time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithSuppressionTTL sets the suppression lifetime.
func WithSuppressionTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTokenCounter sets the prompt token counter.
func WithTokenCounter(c *tokens.Counter) Option {
	return func(s *Service) {
		s.counter = c
	}
}

// NewService creates a review service.
func NewService(broker *bus.Broker, suppressions Suppressions, history storage.HistoryStore, opts ...Option) *Service {
	s := &Service{
		broker:       broker,
		suppressions: suppressions,
		history:      history,
		counter:      tokens.NewCounter(),
		logger:       slog.Default(),
		now:          time.Now,
		newID:        uuid.NewString,
		ttl:          DefaultSuppressionTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetSuppressionTTL changes the lifetime used by later Suppress calls.
func (s *Service) SetSuppressionTTL(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.ttl = d
	s.mu.Unlock()
}

// SuppressionTTL returns the current suppression lifetime.
func (s *Service) SuppressionTTL() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl
}

// Run follows open and abandon events until ctx ends.
func (s *Service) Run(ctx context.Context) {
	id, ch := s.broker.Subscribe(bus.TypeOpen, bus.TypeAbandon)
	defer s.broker.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			switch evt.Type {
			case bus.TypeOpen:
				s.open(ctx, evt)
			case bus.TypeAbandon:
				s.mu.Lock()
				if s.current != nil && s.current.CallID == evt.CallID {
					s.current = nil
					s.logger.Info("review closed, caller left", slog.String("call_id", evt.CallID))
				}
				s.mu.Unlock()
			}
		}
	}
}

func (s *Service) open(ctx context.Context, evt bus.Event) {
	r := &Review{
		CallID:   evt.CallID,
		Model:    evt.Model,
		Text:     evt.Text,
		OpenedAt: evt.At,
		Active:   evt.Tokens,
	}
	if r.OpenedAt.IsZero() {
		r.OpenedAt = s.now()
	}
	if s.counter != nil {
		r.PromptTokens, r.Estimated = s.counter.Count(evt.Model, evt.Text)
	}
	s.refresh(ctx, r)

	// Log before r becomes current; Submit may take it right after.
	s.logger.Info("review opened",
		slog.String("call_id", r.CallID),
		slog.Int("active_tokens", len(r.Active)),
		slog.Int("prompt_tokens", r.PromptTokens))

	s.mu.Lock()
	if s.current != nil {
		s.logger.Warn("replacing open review", slog.String("previous_call_id", s.current.CallID))
	}
	s.current = r
	s.mu.Unlock()
}

// refresh recomputes the token split and masked text against the
// suppressions in force now. When the lookup fails the tokens announced
// with the open event stay active.
func (s *Service) refresh(ctx context.Context, r *Review) {
	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	snapshot, err := s.suppressions.Snapshot(lookupCtx)
	if err != nil {
		s.logger.Warn("failed to load suppressions for review", slog.String("error", err.Error()))
		snapshot = nil
	}

	active, suppressed := detect.Partition(detect.ExtractTokens(r.Text), snapshot, s.now())
	if err == nil || len(r.Active) == 0 {
		r.Active = detect.Normalized(active)
	}
	r.Suppressed = make([]storage.SuppressionRef, 0, len(suppressed))
	for _, t := range suppressed {
		r.Suppressed = append(r.Suppressed, storage.SuppressionRef{Token: t.Normalized, ExpiresAt: snapshot[t.Normalized]})
	}
	r.MaskedText = detect.Mask(r.Text, detect.SuppressedSet(suppressed))
}

// Current returns the open review with suppressions applied as of now.
func (s *Service) Current(ctx context.Context) (*Review, error) {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil, ErrNoReview
	}
	r := *s.current
	s.mu.Unlock()

	s.refresh(ctx, &r)
	return &r, nil
}

// take closes the open review and returns a private copy of it.
func (s *Service) take(callID string) (*Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || (callID != "" && callID != s.current.CallID) {
		return nil, ErrNoReview
	}
	r := *s.current
	s.current = nil
	return &r, nil
}

// Cancel closes the open review and asks for the call to be sent as it was.
// No history is written. An empty callID matches the open review.
func (s *Service) Cancel(ctx context.Context, callID string) error {
	r, err := s.take(callID)
	if err != nil {
		return err
	}

	s.broker.Publish(bus.Event{Type: bus.TypeCancel, CallID: r.CallID})
	s.logger.Info("review cancelled", slog.String("call_id", r.CallID))
	return nil
}

// Submit closes the open review, records it, and asks for the call to be
// sent with text as the user content. An empty text sends the masked
// default. An empty callID matches the open review.
func (s *Service) Submit(ctx context.Context, callID, text string) (*storage.ReviewRecord, error) {
	r, err := s.take(callID)
	if err != nil {
		return nil, err
	}

	s.refresh(ctx, r)
	if text == "" {
		text = r.MaskedText
	}

	found := append([]string{}, r.Active...)
	for _, sup := range r.Suppressed {
		found = append(found, sup.Token)
	}

	rec := &storage.ReviewRecord{
		ID:                  s.newID(),
		CreatedAt:           s.now(),
		OriginalText:        r.Text,
		ResolvedText:        text,
		TokensFound:         found,
		SuppressionsApplied: r.Suppressed,
		Metadata: map[string]string{
			"call_id":       r.CallID,
			"prompt_tokens": strconv.Itoa(r.PromptTokens),
		},
	}
	if r.Model != "" {
		rec.Metadata["model"] = r.Model
	}

	// The decision goes out even if the record cannot be stored.
	s.broker.Publish(bus.Event{Type: bus.TypeSubmit, CallID: r.CallID, Text: text})
	s.logger.Info("review submitted",
		slog.String("call_id", r.CallID),
		slog.Int("tokens_found", len(found)))

	persistCtx, cancel := buildPersistenceContext(ctx, persistTimeout)
	defer cancel()
	if err := s.history.AppendRecord(persistCtx, rec); err != nil {
		s.logger.Error("failed to store review record",
			slog.String("record_id", rec.ID),
			slog.String("error", err.Error()))
		return rec, fmt.Errorf("failed to store review record: %w", err)
	}

	return rec, nil
}

// Suppress turns suppression of token on or off. When on, it lasts for the
// configured TTL and the expiry is returned.
func (s *Service) Suppress(ctx context.Context, token string, suppress bool) (*time.Time, error) {
	token = detect.Normalize(token)
	if token == "" {
		return nil, ErrEmptyToken
	}

	var until *time.Time
	if suppress {
		t := s.now().Add(s.SuppressionTTL())
		until = &t
	}

	if err := s.suppressions.SetSuppression(ctx, token, until); err != nil {
		return nil, fmt.Errorf("failed to update suppression: %w", err)
	}

	s.logger.Info("suppression updated",
		slog.String("token", token),
		slog.Bool("suppressed", suppress))
	return until, nil
}

// Suppressions lists suppressions in force now, soonest expiry first.
func (s *Service) Suppressions(ctx context.Context) ([]storage.SuppressionRef, error) {
	snapshot, err := s.suppressions.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load suppressions: %w", err)
	}
	return sortedRefs(snapshot), nil
}

// History lists review records newest first. Each entry carries the
// suppressions currently in force for its tokens.
func (s *Service) History(ctx context.Context, opts storage.ListOptions) ([]HistoryEntry, error) {
	records, err := s.history.ListRecords(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list review history: %w", err)
	}

	snapshot, err := s.suppressions.Snapshot(ctx)
	if err != nil {
		s.logger.Warn("history listed without current suppressions", slog.String("error", err.Error()))
		snapshot = nil
	}
	now := s.now()

	entries := make([]HistoryEntry, 0, len(records))
	for _, rec := range records {
		entry := HistoryEntry{ReviewRecord: *rec, CurrentSuppressions: []storage.SuppressionRef{}}
		for _, tok := range rec.TokensFound {
			norm := detect.Normalize(tok)
			if until, ok := snapshot[norm]; ok && until.After(now) {
				entry.CurrentSuppressions = append(entry.CurrentSuppressions, storage.SuppressionRef{Token: norm, ExpiresAt: until})
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ClearHistory deletes every review record.
func (s *Service) ClearHistory(ctx context.Context) error {
	if err := s.history.ClearRecords(ctx); err != nil {
		return fmt.Errorf("failed to clear review history: %w", err)
	}
	s.logger.Info("review history cleared")
	return nil
}

// buildPersistenceContext detaches a write from the caller's lifetime so a
// disconnecting client does not drop the record, while still bounding it.
func buildPersistenceContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if timeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, timeout)
}

func sortedRefs(snapshot detect.Snapshot) []storage.SuppressionRef {
	refs := make([]storage.SuppressionRef, 0, len(snapshot))
	for token, until := range snapshot {
		refs = append(refs, storage.SuppressionRef{Token: token, ExpiresAt: until})
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].ExpiresAt.Equal(refs[j].ExpiresAt) {
			return refs[i].Token < refs[j].Token
		}
		return refs[i].ExpiresAt.Before(refs[j].ExpiresAt)
	})
	return refs
}
