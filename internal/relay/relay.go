// Package relay owns the suppression map. A single background goroutine
// serves every read and write, so read-modify-write cycles against the
// store never interleave. Callers talk to it with request/reply messages
// and bound every exchange with their own context.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tjfontaine/promptguard/internal/detect"
	"github.com/tjfontaine/promptguard/internal/storage"
)

// Message types.
const (
	MsgNeedSuppressions = "needSuppressions"
	MsgSuppressions     = "suppressions"
	MsgSetSuppression   = "setSuppression"
	MsgSnapshot         = "snapshot"
)

// ErrRelayUnreachable is returned when the relay does not answer before the
// caller's context ends.
var ErrRelayUnreachable = errors.New("relay unreachable")

type request struct {
	Type  string
	Token string
	Until *time.Time
	reply chan response
}

type response struct {
	Type   string
	Active detect.Snapshot
	Err    error
}

// Relay is the suppression actor. Create it with New and run Serve.
type Relay struct {
	store    storage.KVStore
	requests chan request
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// New creates a relay over store.
func New(store storage.KVStore, opts ...Option) *Relay {
	r := &Relay{
		store:    store,
		requests: make(chan request),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Serve handles requests one at a time until ctx ends.
func (r *Relay) Serve(ctx context.Context) error {
	r.logger.Info("suppression relay started")
	defer r.logger.Info("suppression relay stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-r.requests:
			req.reply <- r.handle(ctx, req)
		}
	}
}

func (r *Relay) handle(ctx context.Context, req request) response {
	switch req.Type {
	case MsgNeedSuppressions, MsgSnapshot:
		active, err := r.loadActive(ctx)
		if err != nil {
			return response{Err: err}
		}
		return response{Type: MsgSuppressions, Active: active}

	case MsgSetSuppression:
		if err := r.set(ctx, req.Token, req.Until); err != nil {
			return response{Err: err}
		}
		return response{Type: MsgSetSuppression}

	default:
		return response{Err: fmt.Errorf("unknown relay message %q", req.Type)}
	}
}

// loadActive reads the map, drops entries that are no longer in force, and
// writes the pruned map back when anything was dropped.
func (r *Relay) loadActive(ctx context.Context) (detect.Snapshot, error) {
	stored, err := r.read(ctx)
	if err != nil {
		return nil, err
	}

	now := r.now()
	active := make(detect.Snapshot, len(stored))
	pruned := 0
	for token, ms := range stored {
		until := time.UnixMilli(ms)
		if !until.After(now) {
			pruned++
			continue
		}
		active[token] = until
	}

	if pruned > 0 {
		if err := r.write(ctx, active); err != nil {
			r.logger.Warn("failed to write pruned suppressions",
				slog.Int("pruned", pruned),
				slog.String("error", err.Error()))
		} else {
			r.logger.Debug("pruned expired suppressions", slog.Int("pruned", pruned))
		}
	}

	return active, nil
}

func (r *Relay) set(ctx context.Context, token string, until *time.Time) error {
	token = detect.Normalize(token)
	if token == "" {
		return fmt.Errorf("suppression token is empty")
	}

	active, err := r.loadActive(ctx)
	if err != nil {
		return err
	}

	if until == nil {
		delete(active, token)
	} else {
		active[token] = *until
	}

	return r.write(ctx, active)
}

func (r *Relay) read(ctx context.Context) (map[string]int64, error) {
	raw, ok, err := r.store.Get(ctx, storage.SuppressionsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read suppressions: %w", err)
	}
	stored := make(map[string]int64)
	if !ok || len(raw) == 0 {
		return stored, nil
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		// A corrupt map is treated as empty and replaced on the next write.
		r.logger.Warn("discarding unreadable suppression map", slog.String("error", err.Error()))
		return make(map[string]int64), nil
	}
	return stored, nil
}

func (r *Relay) write(ctx context.Context, active detect.Snapshot) error {
	out := make(map[string]int64, len(active))
	for token, until := range active {
		out[token] = until.UnixMilli()
	}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal suppressions: %w", err)
	}
	if err := r.store.Set(ctx, storage.SuppressionsKey, b); err != nil {
		return fmt.Errorf("failed to write suppressions: %w", err)
	}
	return nil
}

func (r *Relay) call(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)

	select {
	case r.requests <- req:
	case <-ctx.Done():
		return response{}, fmt.Errorf("%w: %s: %v", ErrRelayUnreachable, req.Type, ctx.Err())
	}

	select {
	case resp := <-req.reply:
		return resp, resp.Err
	case <-ctx.Done():
		return response{}, fmt.Errorf("%w: %s: %v", ErrRelayUnreachable, req.Type, ctx.Err())
	}
}

// FetchActiveSuppressions returns the normalized tokens whose suppression is
// still in force, sorted.
func (r *Relay) FetchActiveSuppressions(ctx context.Context) ([]string, error) {
	resp, err := r.call(ctx, request{Type: MsgNeedSuppressions})
	if err != nil {
		return nil, err
	}
	tokens := make([]string, 0, len(resp.Active))
	for token := range resp.Active {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens, nil
}

// Snapshot returns active suppressions with their expiry.
func (r *Relay) Snapshot(ctx context.Context) (detect.Snapshot, error) {
	resp, err := r.call(ctx, request{Type: MsgSnapshot})
	if err != nil {
		return nil, err
	}
	return resp.Active, nil
}

// SetSuppression suppresses token until the given time, or clears it when
// until is nil.
func (r *Relay) SetSuppression(ctx context.Context, token string, until *time.Time) error {
	_, err := r.call(ctx, request{Type: MsgSetSuppression, Token: token, Until: until})
	return err
}
