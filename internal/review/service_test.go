package review

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/promptguard/internal/bus"
	"github.com/tjfontaine/promptguard/internal/detect"
	"github.com/tjfontaine/promptguard/internal/relay"
	"github.com/tjfontaine/promptguard/internal/storage"
	"github.com/tjfontaine/promptguard/internal/storage/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc    *Service
	broker *bus.Broker
	relay  *relay.Relay
	store  *memory.Store
	clock  *clock
	// decisions receives cancel and submit events.
	decisions <-chan bus.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &clock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.New()
	broker := bus.New()
	r := relay.New(store, relay.WithClock(clk.Now))
	svc := NewService(broker, r, store, WithClock(clk.Now))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = r.Serve(ctx) }()
	go func() { defer wg.Done(); svc.Run(ctx) }()

	subID, decisions := broker.Subscribe(bus.TypeCancel, bus.TypeSubmit)
	t.Cleanup(func() {
		broker.Unsubscribe(subID)
		cancel()
		wg.Wait()
	})

	// Run subscribes asynchronously.
	waitFor(t, func() bool { return broker.ClientCount() == 2 })

	return &harness{svc: svc, broker: broker, relay: r, store: store, clock: clk, decisions: decisions}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func (h *harness) open(t *testing.T, callID, text string, tokens ...string) {
	t.Helper()
	h.broker.Publish(bus.Event{Type: bus.TypeOpen, CallID: callID, Text: text, Tokens: tokens, Model: "gpt-4o"})
	waitFor(t, func() bool {
		r, err := h.svc.Current(context.Background())
		return err == nil && r.CallID == callID
	})
}

func (h *harness) nextDecision(t *testing.T) bus.Event {
	t.Helper()
	select {
	case evt := <-h.decisions:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("no decision published")
		return bus.Event{}
	}
}

func TestService_OpenComputesReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Current(ctx); !errors.Is(err, ErrNoReview) {
		t.Fatalf("Current() before open = %v, want ErrNoReview", err)
	}

	until := h.clock.Now().Add(time.Hour)
	if err := h.relay.SetSuppression(ctx, "b@bar.io", &until); err != nil {
		t.Fatalf("SetSuppression() error = %v", err)
	}

	h.open(t, "call-1", "reach me at A@Foo.COM or b@bar.io", "a@foo.com")

	r, err := h.svc.Current(ctx)
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if !reflect.DeepEqual(r.Active, []string{"a@foo.com"}) {
		t.Errorf("Active = %v", r.Active)
	}
	if len(r.Suppressed) != 1 || r.Suppressed[0].Token != "b@bar.io" || !r.Suppressed[0].ExpiresAt.Equal(until) {
		t.Errorf("Suppressed = %+v", r.Suppressed)
	}
	if r.MaskedText != "reach me at "+detect.Placeholder+" or b@bar.io" {
		t.Errorf("MaskedText = %q", r.MaskedText)
	}
	if r.PromptTokens == 0 {
		t.Error("PromptTokens not counted")
	}
}

func TestService_SuppressDuringReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.open(t, "call-1", "mail A@Foo.COM", "a@foo.com")

	until, err := h.svc.Suppress(ctx, " A@FOO.com ", true)
	if err != nil {
		t.Fatalf("Suppress() error = %v", err)
	}
	if want := h.clock.Now().Add(DefaultSuppressionTTL); !until.Equal(want) {
		t.Errorf("until = %v, want %v", until, want)
	}

	r, _ := h.svc.Current(ctx)
	if len(r.Active) != 0 || r.MaskedText != "mail A@Foo.COM" {
		t.Errorf("after suppress: Active = %v, MaskedText = %q", r.Active, r.MaskedText)
	}

	if _, err := h.svc.Suppress(ctx, "a@foo.com", false); err != nil {
		t.Fatalf("Suppress(false) error = %v", err)
	}
	r, _ = h.svc.Current(ctx)
	if r.MaskedText != "mail "+detect.Placeholder {
		t.Errorf("after unsuppress: MaskedText = %q", r.MaskedText)
	}
}

func TestService_SubmitRecordsHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	until := h.clock.Now().Add(time.Hour)
	_ = h.relay.SetSuppression(ctx, "b@bar.io", &until)
	h.open(t, "call-1", "reach me at A@Foo.COM or b@bar.io", "a@foo.com")

	rec, err := h.svc.Submit(ctx, "", "")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	evt := h.nextDecision(t)
	wantText := "reach me at " + detect.Placeholder + " or b@bar.io"
	if evt.Type != bus.TypeSubmit || evt.CallID != "call-1" || evt.Text != wantText {
		t.Errorf("decision = %+v", evt)
	}

	if !reflect.DeepEqual(rec.TokensFound, []string{"a@foo.com", "b@bar.io"}) {
		t.Errorf("TokensFound = %v", rec.TokensFound)
	}
	if len(rec.SuppressionsApplied) != 1 || rec.SuppressionsApplied[0].Token != "b@bar.io" {
		t.Errorf("SuppressionsApplied = %+v", rec.SuppressionsApplied)
	}
	if rec.Metadata["call_id"] != "call-1" || rec.Metadata["model"] != "gpt-4o" {
		t.Errorf("Metadata = %v", rec.Metadata)
	}

	if _, err := h.svc.Current(ctx); !errors.Is(err, ErrNoReview) {
		t.Errorf("review still open after submit: %v", err)
	}
	if _, err := h.svc.Submit(ctx, "", "again"); !errors.Is(err, ErrNoReview) {
		t.Errorf("second Submit() = %v, want ErrNoReview", err)
	}

	hist, err := h.svc.History(ctx, storage.ListOptions{})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(hist) != 1 || hist[0].ResolvedText != wantText {
		t.Fatalf("History() = %+v", hist)
	}
}

func TestService_SubmitEditedText(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.open(t, "call-9", "mail a@b.co", "a@b.co")
	if _, err := h.svc.Submit(ctx, "call-9", "mail my colleague"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if evt := h.nextDecision(t); evt.Text != "mail my colleague" {
		t.Errorf("decision text = %q", evt.Text)
	}
}

// Run with -race: Submit and Current race the open event for the review.
func TestService_SubmitRacesOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		callID := "call-" + strconv.Itoa(i)
		h.broker.Publish(bus.Event{Type: bus.TypeOpen, CallID: callID, Text: "mail a@b.co", Tokens: []string{"a@b.co"}})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = h.svc.Current(ctx)
			}
		}()
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				if _, err := h.svc.Submit(ctx, callID, ""); err == nil {
					return
				}
				time.Sleep(time.Millisecond)
			}
			t.Errorf("Submit(%s) never found the review", callID)
		}()
		wg.Wait()
		if t.Failed() {
			return
		}

		evt := h.nextDecision(t)
		if evt.CallID != callID || evt.Text != "mail "+detect.Placeholder {
			t.Fatalf("decision = %+v", evt)
		}
	}
}

func TestService_CancelWritesNoHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.open(t, "call-1", "mail a@b.co", "a@b.co")

	if err := h.svc.Cancel(ctx, "other"); !errors.Is(err, ErrNoReview) {
		t.Errorf("Cancel(other) = %v, want ErrNoReview", err)
	}
	if err := h.svc.Cancel(ctx, "call-1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if evt := h.nextDecision(t); evt.Type != bus.TypeCancel || evt.CallID != "call-1" {
		t.Errorf("decision = %+v", evt)
	}

	hist, _ := h.svc.History(ctx, storage.ListOptions{})
	if len(hist) != 0 {
		t.Errorf("History() = %+v, want empty", hist)
	}
}

func TestService_HistoryJoinsCurrentSuppressions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.open(t, "call-1", "mail a@b.co and c@d.io", "a@b.co", "c@d.io")
	if _, err := h.svc.Submit(ctx, "", ""); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.nextDecision(t)

	if _, err := h.svc.Suppress(ctx, "c@d.io", true); err != nil {
		t.Fatalf("Suppress() error = %v", err)
	}

	hist, err := h.svc.History(ctx, storage.ListOptions{})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(hist[0].SuppressionsApplied) != 0 {
		t.Errorf("stored SuppressionsApplied changed: %+v", hist[0].SuppressionsApplied)
	}
	if len(hist[0].CurrentSuppressions) != 1 || hist[0].CurrentSuppressions[0].Token != "c@d.io" {
		t.Errorf("CurrentSuppressions = %+v", hist[0].CurrentSuppressions)
	}

	h.clock.Advance(DefaultSuppressionTTL)
	hist, _ = h.svc.History(ctx, storage.ListOptions{})
	if len(hist[0].CurrentSuppressions) != 0 {
		t.Errorf("expired suppression still joined: %+v", hist[0].CurrentSuppressions)
	}

	if err := h.svc.ClearHistory(ctx); err != nil {
		t.Fatalf("ClearHistory() error = %v", err)
	}
	hist, _ = h.svc.History(ctx, storage.ListOptions{})
	if len(hist) != 0 {
		t.Errorf("History() after clear = %d entries", len(hist))
	}
}

func TestService_SuppressionsAndTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.svc.SetSuppressionTTL(time.Hour)
	h.svc.SetSuppressionTTL(0)
	if got := h.svc.SuppressionTTL(); got != time.Hour {
		t.Fatalf("SuppressionTTL() = %v, want 1h", got)
	}

	_, _ = h.svc.Suppress(ctx, "first@x.io", true)
	h.clock.Advance(time.Minute)
	_, _ = h.svc.Suppress(ctx, "second@x.io", true)

	refs, err := h.svc.Suppressions(ctx)
	if err != nil {
		t.Fatalf("Suppressions() error = %v", err)
	}
	if len(refs) != 2 || refs[0].Token != "first@x.io" {
		t.Errorf("Suppressions() = %+v, want soonest expiry first", refs)
	}

	if _, err := h.svc.Suppress(ctx, "  ", true); !errors.Is(err, ErrEmptyToken) {
		t.Errorf("Suppress() with blank token = %v, want ErrEmptyToken", err)
	}
}

func TestService_AbandonClosesReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.open(t, "call-1", "mail a@b.co", "a@b.co")
	h.broker.Publish(bus.Event{Type: bus.TypeAbandon, CallID: "other"})
	h.broker.Publish(bus.Event{Type: bus.TypeAbandon, CallID: "call-1"})

	waitFor(t, func() bool {
		_, err := h.svc.Current(ctx)
		return errors.Is(err, ErrNoReview)
	})
}
