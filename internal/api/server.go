// Package api exposes the review side over HTTP: typed operations for the
// open review, suppressions and history, plus SSE and websocket channels for
// live events.
package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/promptguard/internal/auth"
	"github.com/tjfontaine/promptguard/internal/bus"
	"github.com/tjfontaine/promptguard/internal/intercept"
	"github.com/tjfontaine/promptguard/internal/relay"
	"github.com/tjfontaine/promptguard/internal/review"
	"github.com/tjfontaine/promptguard/internal/server"
	"github.com/tjfontaine/promptguard/internal/storage"
)

const (
	Prefix  = "/api/v1"
	Version = "1.0.0"
)

// Reviewer is the operator-facing review service.
type Reviewer interface {
	Current(ctx context.Context) (*review.Review, error)
	Cancel(ctx context.Context, callID string) error
	Submit(ctx context.Context, callID, text string) (*storage.ReviewRecord, error)
	Suppress(ctx context.Context, token string, suppress bool) (*time.Time, error)
	Suppressions(ctx context.Context) ([]storage.SuppressionRef, error)
	SuppressionTTL() time.Duration
	History(ctx context.Context, opts storage.ListOptions) ([]review.HistoryEntry, error)
	ClearHistory(ctx context.Context) error
}

// CallState reports what the interceptor is doing.
type CallState interface {
	State() intercept.State
	Pending() (intercept.PendingInfo, bool)
}

type Deps struct {
	Reviewer Reviewer
	Calls    CallState
	Broker   *bus.Broker
	Auth     *auth.Authenticator
	Logger   *slog.Logger
	// Timeout bounds the typed operations. Event streams are not bounded.
	Timeout time.Duration
}

// Register mounts the review API under /api/v1 on r.
func Register(r chi.Router, deps Deps) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	started := time.Now()

	r.Group(func(r chi.Router) {
		r.Use(server.AuthMiddleware(deps.Auth))
		r.Use(server.TimeoutMiddleware(deps.Timeout))

		cfg := huma.DefaultConfig("promptguard review API", Version)
		cfg.DocsPath = ""
		cfg.OpenAPIPath = Prefix + "/openapi"
		cfg.SchemasPath = Prefix + "/schemas"
		api := humachi.New(r, cfg)

		registerReviewHandlers(api, deps.Reviewer)
		registerSuppressionHandlers(api, deps.Reviewer)
		registerHistoryHandlers(api, deps.Reviewer)
		registerStatusHandler(api, deps, started)
	})

	r.Group(func(r chi.Router) {
		r.Use(server.AuthMiddleware(deps.Auth))

		r.Get(Prefix+"/events", bus.SSEHandler(deps.Broker))
		r.Get(Prefix+"/ws", wsHandler(deps.Reviewer, deps.Broker, deps.Logger))
	})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, review.ErrNoReview), errors.Is(err, intercept.ErrNoPendingCall):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, review.ErrEmptyToken):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, intercept.ErrSlotOccupied):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, relay.ErrRelayUnreachable):
		return huma.Error503ServiceUnavailable(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}

// statusOutput answers operations that have nothing else to report.
type statusOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

func newStatus(s string) *statusOutput {
	out := &statusOutput{}
	out.Body.Status = s
	return out
}
