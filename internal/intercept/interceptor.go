// Package intercept inspects outgoing conversation submissions and holds
// back the ones containing email-shaped tokens until an operator decides
// what to send.
//
// An Interceptor is an http.RoundTripper. Calls to any URL other than the
// configured target pass straight through. A target call whose user text
// contains unsuppressed tokens is parked in a single-capacity slot, an
// "open" event is published, and the call blocks until a cancel or submit
// decision arrives or the caller gives up.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/promptguard/internal/bus"
	"github.com/tjfontaine/promptguard/internal/conversation"
	"github.com/tjfontaine/promptguard/internal/detect"
)

const (
	// DefaultLookupTimeout bounds the suppression lookup for one call.
	DefaultLookupTimeout = 2 * time.Second

	tracerName = "github.com/tjfontaine/promptguard/internal/intercept"
)

// DispatchFunc sends a request on to its destination.
type DispatchFunc func(*http.Request) (*http.Response, error)

// SuppressionSource reports which normalized tokens are currently suppressed.
type SuppressionSource interface {
	FetchActiveSuppressions(ctx context.Context) ([]string, error)
}

// Publisher receives interceptor events.
type Publisher interface {
	Publish(evt bus.Event)
}

// Outcome describes what happened to one call.
type Outcome string

const (
	OutcomePassthrough Outcome = "passthrough"
	OutcomeForwarded   Outcome = "forwarded"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeSubmitted   Outcome = "submitted"
	OutcomeRejected    Outcome = "rejected"
	OutcomeAbandoned   Outcome = "abandoned"
)

// OutcomeFunc is told how each target call ended. It runs on the call's
// goroutine.
type OutcomeFunc func(req *http.Request, outcome Outcome)

// Interceptor wraps an upstream transport.
type Interceptor struct {
	next          http.RoundTripper
	target        string
	suppressions  SuppressionSource
	events        Publisher
	lookupTimeout time.Duration
	logger        *slog.Logger
	tracer        trace.Tracer
	onOutcome     OutcomeFunc
	newID         func() string

	slot Slot
}

var _ http.RoundTripper = (*Interceptor)(nil)

// Option configures an Interceptor.
type Option func(*Interceptor) error

// WithTransport sets the transport used by RoundTrip.
func WithTransport(rt http.RoundTripper) Option {
	return func(i *Interceptor) error {
		if rt == nil {
			return errors.New("transport must not be nil")
		}
		i.next = rt
		return nil
	}
}

// WithTargetURL sets the URL whose calls are inspected.
func WithTargetURL(target string) Option {
	return func(i *Interceptor) error {
		if target == "" {
			return errors.New("target URL must not be empty")
		}
		i.target = target
		return nil
	}
}

// WithSuppressions sets the suppression lookup.
func WithSuppressions(src SuppressionSource) Option {
	return func(i *Interceptor) error {
		i.suppressions = src
		return nil
	}
}

// WithPublisher sets where open events go.
func WithPublisher(p Publisher) Option {
	return func(i *Interceptor) error {
		i.events = p
		return nil
	}
}

// WithLookupTimeout bounds each suppression lookup.
func WithLookupTimeout(d time.Duration) Option {
	return func(i *Interceptor) error {
		if d <= 0 {
			return fmt.Errorf("lookup timeout must be positive, got %s", d)
		}
		i.lookupTimeout = d
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Interceptor) error {
		i.logger = logger
		return nil
	}
}

// WithOutcomeFunc registers a callback for call outcomes.
func WithOutcomeFunc(fn OutcomeFunc) Option {
	return func(i *Interceptor) error {
		i.onOutcome = fn
		return nil
	}
}

// WithIDGenerator overrides how pending call IDs are made.
func WithIDGenerator(fn func() string) Option {
	return func(i *Interceptor) error {
		i.newID = fn
		return nil
	}
}

// New creates an Interceptor. Without options it wraps
// http.DefaultTransport, targets DefaultTargetURL, and treats every token as
// unsuppressed.
func New(opts ...Option) (*Interceptor, error) {
	i := &Interceptor{
		next:          http.DefaultTransport,
		target:        DefaultTargetURL,
		lookupTimeout: DefaultLookupTimeout,
		logger:        slog.Default(),
		tracer:        otel.Tracer(tracerName),
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		if err := opt(i); err != nil {
			return nil, fmt.Errorf("failed to configure interceptor: %w", err)
		}
	}
	return i, nil
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	return i.Intercept(req, i.next.RoundTrip)
}

// TargetURL returns the inspected URL.
func (i *Interceptor) TargetURL() string {
	return i.target
}

// Matches reports whether a call target is the inspected URL. Targets of an
// unrecognized shape never match.
func (i *Interceptor) Matches(target any) bool {
	u, err := ResolveURL(target)
	if err != nil {
		return false
	}
	return IsTarget(u, i.target)
}

// Intercept runs req through inspection and sends it with dispatch, either
// immediately or once a decision arrives.
func (i *Interceptor) Intercept(req *http.Request, dispatch DispatchFunc) (*http.Response, error) {
	rawURL, err := ResolveURL(req)
	if err != nil {
		i.logger.Debug("forwarding call with unrecognized target", slog.String("error", err.Error()))
		return dispatch(req)
	}
	if !IsTarget(rawURL, i.target) {
		return dispatch(req)
	}

	ctx, span := i.tracer.Start(req.Context(), "intercept.call",
		trace.WithAttributes(attribute.String("http.url", rawURL)))
	defer span.End()

	c := &call{state: StateCapturing, logger: i.logger.With(slog.String("url", rawURL))}
	resp, outcome, err := i.run(ctx, c, req.WithContext(ctx), dispatch)

	span.SetAttributes(attribute.String("intercept.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if i.onOutcome != nil {
		i.onOutcome(req, outcome)
	}
	return resp, err
}

func (i *Interceptor) run(ctx context.Context, c *call, req *http.Request, dispatch DispatchFunc) (*http.Response, Outcome, error) {
	span := trace.SpanFromContext(ctx)

	body, err := readBody(req)
	if err != nil {
		c.logger.Warn("forwarding call with unreadable body", slog.String("error", err.Error()))
		return i.forward(c, req, dispatch, OutcomePassthrough)
	}

	payload, err := conversation.Parse(body)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		c.logger.Warn("forwarding unparseable conversation call", slog.String("error", err.Error()))
		return i.forward(c, req, dispatch, OutcomePassthrough)
	}

	text := payload.MergedUserText()
	tokens := detect.ExtractTokens(text)
	span.SetAttributes(attribute.Int("intercept.tokens_found", len(tokens)))
	if len(tokens) == 0 {
		return i.forward(c, req, dispatch, OutcomeForwarded)
	}

	c.transition(StateAwaitingSuppressionLookup)
	active := i.dropSuppressed(ctx, c, tokens)
	span.SetAttributes(
		attribute.Int("intercept.tokens_active", len(active)),
		attribute.Bool("intercept.flagged", len(active) > 0),
	)
	if len(active) == 0 {
		return i.forward(c, req, dispatch, OutcomeForwarded)
	}

	p := &Pending{
		ID:        i.newID(),
		URL:       req.URL.String(),
		Model:     payload.Model,
		Text:      text,
		Tokens:    active,
		CreatedAt: time.Now(),
		request:   req,
		body:      body,
		payload:   payload,
	}
	if err := i.slot.Park(p); err != nil {
		c.logger.Warn("rejecting flagged call", slog.String("error", err.Error()))
		c.transition(StateResolved)
		return nil, OutcomeRejected, err
	}
	c.transition(StateAwaitingDecision)
	c.logger = c.logger.With(slog.String("call_id", p.ID))
	c.logger.Info("call parked for review", slog.Int("active_tokens", len(active)))
	span.SetAttributes(attribute.String("intercept.call_id", p.ID))

	if i.events != nil {
		i.events.Publish(bus.Event{
			Type:   bus.TypeOpen,
			CallID: p.ID,
			Text:   text,
			Tokens: detect.Normalized(active),
			Model:  payload.Model,
		})
	}

	select {
	case d := <-p.decision:
		return i.resume(c, p, d, dispatch)
	case <-ctx.Done():
		if !i.slot.Release(p) {
			// Resolve won the race; its decision is already buffered but the
			// caller is gone, so there is nobody to send it for.
			<-p.decision
		}
		c.transition(StateResolved)
		c.logger.Info("caller left before a decision", slog.String("error", ctx.Err().Error()))
		if i.events != nil {
			i.events.Publish(bus.Event{Type: bus.TypeAbandon, CallID: p.ID})
		}
		return nil, OutcomeAbandoned, fmt.Errorf("intercepted call abandoned: %w", ctx.Err())
	}
}

func (i *Interceptor) forward(c *call, req *http.Request, dispatch DispatchFunc, outcome Outcome) (*http.Response, Outcome, error) {
	c.transition(StateForwarding)
	resp, err := dispatch(req)
	c.transition(StateResolved)
	return resp, outcome, err
}

// dropSuppressed returns the tokens not covered by an active suppression.
// A failed lookup counts as no suppressions.
func (i *Interceptor) dropSuppressed(ctx context.Context, c *call, tokens []detect.Token) []detect.Token {
	if i.suppressions == nil {
		return tokens
	}

	lookupCtx, cancel := context.WithTimeout(ctx, i.lookupTimeout)
	defer cancel()

	suppressed, err := i.suppressions.FetchActiveSuppressions(lookupCtx)
	if err != nil {
		c.logger.Warn("suppression lookup failed, reviewing all tokens", slog.String("error", err.Error()))
		return tokens
	}

	set := make(map[string]bool, len(suppressed))
	for _, s := range suppressed {
		set[detect.Normalize(s)] = true
	}

	var active []detect.Token
	for _, t := range tokens {
		if !set[t.Normalized] {
			active = append(active, t)
		}
	}
	return active
}

func (i *Interceptor) resume(c *call, p *Pending, d Decision, dispatch DispatchFunc) (*http.Response, Outcome, error) {
	c.transition(StateForwarding)
	defer c.transition(StateResolved)

	switch d.Kind {
	case DecisionSubmit:
		body, err := p.payload.WithUserText(d.Text)
		if err != nil {
			return nil, OutcomeSubmitted, fmt.Errorf("failed to patch conversation payload: %w", err)
		}
		out := p.request.Clone(p.request.Context())
		setBody(out, body)
		c.logger.Info("sending reviewed call", slog.Int("body_bytes", len(body)))
		resp, err := dispatch(out)
		return resp, OutcomeSubmitted, err

	default:
		out := p.request.Clone(p.request.Context())
		setBody(out, p.body)
		c.logger.Info("sending original call")
		resp, err := dispatch(out)
		return resp, OutcomeCancelled, err
	}
}

// Cancel resumes the parked call with its original body. An empty id
// matches whatever is parked.
func (i *Interceptor) Cancel(id string) error {
	return i.slot.Resolve(id, Decision{Kind: DecisionCancel})
}

// Submit resumes the parked call with text as the content of every user
// message. An empty id matches whatever is parked.
func (i *Interceptor) Submit(id, text string) error {
	return i.slot.Resolve(id, Decision{Kind: DecisionSubmit, Text: text})
}

// Pending returns the parked call, if any.
func (i *Interceptor) Pending() (PendingInfo, bool) {
	return i.slot.Peek()
}

// State reports whether a call is awaiting a decision.
func (i *Interceptor) State() State {
	if i.slot.Occupied() {
		return StateAwaitingDecision
	}
	return StateIdle
}

// Listen applies cancel and submit events from the bus until ctx ends.
// Decisions that match nothing are dropped.
func (i *Interceptor) Listen(ctx context.Context, broker *bus.Broker) {
	id, ch := broker.Subscribe(bus.TypeCancel, bus.TypeSubmit)
	defer broker.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var err error
			switch evt.Type {
			case bus.TypeCancel:
				err = i.Cancel(evt.CallID)
			case bus.TypeSubmit:
				err = i.Submit(evt.CallID, evt.Text)
			}
			if err != nil {
				i.logger.Debug("ignoring decision",
					slog.String("type", evt.Type),
					slog.String("call_id", evt.CallID),
					slog.String("error", err.Error()))
			}
		}
	}
}
