package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/tjfontaine/promptguard/internal/auth"
	"github.com/tjfontaine/promptguard/internal/bus"
	"github.com/tjfontaine/promptguard/internal/detect"
	"github.com/tjfontaine/promptguard/internal/intercept"
	"github.com/tjfontaine/promptguard/internal/relay"
	"github.com/tjfontaine/promptguard/internal/review"
	"github.com/tjfontaine/promptguard/internal/storage/memory"
)

type fakeCalls struct {
	pending *intercept.PendingInfo
}

func (f *fakeCalls) State() intercept.State {
	if f.pending != nil {
		return intercept.StateAwaitingDecision
	}
	return intercept.StateIdle
}

func (f *fakeCalls) Pending() (intercept.PendingInfo, bool) {
	if f.pending == nil {
		return intercept.PendingInfo{}, false
	}
	return *f.pending, true
}

type testEnv struct {
	srv       *httptest.Server
	broker    *bus.Broker
	svc       *review.Service
	calls     *fakeCalls
	decisions <-chan bus.Event
}

func newTestEnv(t *testing.T, authn *auth.Authenticator) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	broker := bus.New()
	rl := relay.New(store, relay.WithLogger(logger))
	svc := review.NewService(broker, rl, store, review.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = rl.Serve(ctx) }()
	go func() { defer wg.Done(); svc.Run(ctx) }()

	subID, decisions := broker.Subscribe(bus.TypeCancel, bus.TypeSubmit)
	waitFor(t, func() bool { return broker.ClientCount() == 2 })

	calls := &fakeCalls{}
	r := chi.NewRouter()
	Register(r, Deps{
		Reviewer: svc,
		Calls:    calls,
		Broker:   broker,
		Auth:     authn,
		Logger:   logger,
		Timeout:  5 * time.Second,
	})
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		broker.Unsubscribe(subID)
		cancel()
		wg.Wait()
	})

	return &testEnv{srv: srv, broker: broker, svc: svc, calls: calls, decisions: decisions}
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

func (e *testEnv) open(t *testing.T, callID, text string, tokens ...string) {
	t.Helper()
	e.broker.Publish(bus.Event{Type: bus.TypeOpen, CallID: callID, Text: text, Tokens: tokens})
	waitFor(t, func() bool {
		r, err := e.svc.Current(context.Background())
		return err == nil && r.CallID == callID
	})
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestAPI_ReviewLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, http.MethodGet, "/api/v1/review", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET review with none open = %d, want 404", resp.StatusCode)
	}

	env.open(t, "call-1", "write to A@Foo.com", "a@foo.com")

	resp, data := env.do(t, http.MethodGet, "/api/v1/review", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET review = %d: %s", resp.StatusCode, data)
	}
	var got review.Review
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode review: %v", err)
	}
	if got.CallID != "call-1" || got.MaskedText != "write to "+detect.Placeholder {
		t.Errorf("review = %+v", got)
	}

	resp, data = env.do(t, http.MethodPost, "/api/v1/review/submit", map[string]string{"text": "write to my manager"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST submit = %d: %s", resp.StatusCode, data)
	}

	select {
	case evt := <-env.decisions:
		if evt.Type != bus.TypeSubmit || evt.CallID != "call-1" || evt.Text != "write to my manager" {
			t.Errorf("decision = %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no submit published")
	}

	resp, _ = env.do(t, http.MethodPost, "/api/v1/review/cancel", map[string]string{})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("POST cancel after submit = %d, want 404", resp.StatusCode)
	}

	resp, data = env.do(t, http.MethodGet, "/api/v1/history", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET history = %d", resp.StatusCode)
	}
	var hist struct {
		Records []review.HistoryEntry `json:"records"`
	}
	if err := json.Unmarshal(data, &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.Records) != 1 || hist.Records[0].ResolvedText != "write to my manager" {
		t.Errorf("history = %+v", hist.Records)
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/history", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("DELETE history = %d", resp.StatusCode)
	}
	_, data = env.do(t, http.MethodGet, "/api/v1/history", nil)
	if !strings.Contains(string(data), `"records":[]`) {
		t.Errorf("history after clear = %s", data)
	}
}

func TestAPI_Cancel(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, "call-7", "mail x@y.io", "x@y.io")

	resp, _ := env.do(t, http.MethodPost, "/api/v1/review/cancel", map[string]string{"call_id": "other"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cancel mismatched id = %d, want 404", resp.StatusCode)
	}

	resp, data := env.do(t, http.MethodPost, "/api/v1/review/cancel", map[string]string{"call_id": "call-7"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel = %d: %s", resp.StatusCode, data)
	}
	select {
	case evt := <-env.decisions:
		if evt.Type != bus.TypeCancel || evt.CallID != "call-7" {
			t.Errorf("decision = %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no cancel published")
	}
}

func TestAPI_Suppressions(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, data := env.do(t, http.MethodPut, "/api/v1/suppressions/Person@Example.com", map[string]bool{"suppress": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT suppression = %d: %s", resp.StatusCode, data)
	}
	var set struct {
		Token     string     `json:"token"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(data, &set); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if set.ExpiresAt == nil {
		t.Error("expected expires_at when suppressing")
	}

	_, data = env.do(t, http.MethodGet, "/api/v1/suppressions", nil)
	var list struct {
		Suppressions []struct {
			Token string `json:"token"`
		} `json:"suppressions"`
		TTLSeconds int64 `json:"ttl_seconds"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Suppressions) != 1 || list.Suppressions[0].Token != "person@example.com" {
		t.Errorf("suppressions = %+v", list.Suppressions)
	}
	if list.TTLSeconds != int64(review.DefaultSuppressionTTL/time.Second) {
		t.Errorf("ttl_seconds = %d", list.TTLSeconds)
	}

	resp, _ = env.do(t, http.MethodPut, "/api/v1/suppressions/person@example.com", map[string]bool{"suppress": false})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("PUT unsuppress = %d", resp.StatusCode)
	}
	_, data = env.do(t, http.MethodGet, "/api/v1/suppressions", nil)
	if !strings.Contains(string(data), `"suppressions":[]`) {
		t.Errorf("suppressions after lift = %s", data)
	}

	resp, _ = env.do(t, http.MethodPut, "/api/v1/suppressions/%20", map[string]bool{"suppress": true})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("PUT blank token = %d, want 400", resp.StatusCode)
	}
}

func TestAPI_SuppressionPercentToken(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, data := env.do(t, http.MethodPut, "/api/v1/suppressions/a%2541b@x.io", map[string]bool{"suppress": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT suppression = %d: %s", resp.StatusCode, data)
	}

	_, data = env.do(t, http.MethodGet, "/api/v1/suppressions", nil)
	var list struct {
		Suppressions []struct {
			Token string `json:"token"`
		} `json:"suppressions"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Suppressions) != 1 || list.Suppressions[0].Token != "a%41b@x.io" {
		t.Errorf("suppressions = %+v, want a%%41b@x.io", list.Suppressions)
	}
}

func TestAPI_Status(t *testing.T) {
	env := newTestEnv(t, nil)

	_, data := env.do(t, http.MethodGet, "/api/v1/status", nil)
	if !strings.Contains(string(data), `"state":"idle"`) {
		t.Errorf("status = %s", data)
	}

	env.calls.pending = &intercept.PendingInfo{ID: "call-3", Tokens: []string{"a@b.co"}}
	_, data = env.do(t, http.MethodGet, "/api/v1/status", nil)
	var st struct {
		State   string                 `json:"state"`
		Pending *intercept.PendingInfo `json:"pending"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != string(intercept.StateAwaitingDecision) || st.Pending == nil || st.Pending.ID != "call-3" {
		t.Errorf("status = %+v", st)
	}
}

func TestAPI_Auth(t *testing.T) {
	authn := auth.NewAuthenticator([]auth.Key{{KeyHash: auth.HashAPIKey("op-key"), Description: "desk"}})
	env := newTestEnv(t, authn)

	tests := []struct {
		name   string
		path   string
		header []string
		want   int
	}{
		{name: "no key", path: "/api/v1/status", want: http.StatusUnauthorized},
		{name: "bad key", path: "/api/v1/status", header: []string{"Authorization", "Bearer nope"}, want: http.StatusUnauthorized},
		{name: "good key", path: "/api/v1/status", header: []string{"Authorization", "Bearer op-key"}, want: http.StatusOK},
		{name: "query key", path: "/api/v1/status?access_token=op-key", want: http.StatusOK},
		{name: "events need key", path: "/api/v1/events", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := env.do(t, http.MethodGet, tt.path, nil, tt.header...)
			if resp.StatusCode != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
			}
		})
	}
}

func TestAPI_Events(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/v1/events?types=open", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events error = %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// SSE client plus the review service and the test's decision listener.
	waitFor(t, func() bool { return env.broker.ClientCount() == 3 })
	env.broker.Publish(bus.Event{Type: bus.TypeOpen, CallID: "call-sse", Text: "a@b.co", Tokens: []string{"a@b.co"}})

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if got := string(buf[:n]); !strings.Contains(got, "event: open") || !strings.Contains(got, "call-sse") {
		t.Errorf("stream = %q", got)
	}
}

func TestAPI_WebSocket(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, "call-ws", "ping c@d.io", "c@d.io")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/v1/ws"
	conn, br, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		t.Fatalf("ws.Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Frames sent right after the upgrade can already sit in br.
	rw := io.ReadWriter(conn)
	if br != nil {
		rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
	}

	data, err := wsutil.ReadServerText(rw)
	if err != nil {
		t.Fatalf("read initial frame: %v", err)
	}
	var first serverFrame
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if first.Type != frameReview || first.Review == nil || first.Review.CallID != "call-ws" {
		t.Fatalf("initial frame = %s", data)
	}

	send := func(f clientFrame) {
		t.Helper()
		b, _ := json.Marshal(f)
		if err := wsutil.WriteClientText(rw, b); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	// Read until the reply for action arrives, remembering pushed events.
	awaitReply := func(action string) (serverFrame, []string) {
		t.Helper()
		var seen []string
		for {
			data, err := wsutil.ReadServerText(rw)
			if err != nil {
				t.Fatalf("read frame: %v", err)
			}
			var f serverFrame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			if (f.Type == frameAck || f.Type == frameError) && f.Action == action {
				return f, seen
			}
			seen = append(seen, f.Type)
		}
	}

	send(clientFrame{Type: "shout"})
	if f, _ := awaitReply("shout"); f.Type != frameError {
		t.Errorf("unknown action reply = %+v", f)
	}

	send(clientFrame{Type: actionSuppress, Token: "c@d.io", Suppress: true})
	if f, _ := awaitReply(actionSuppress); f.Type != frameAck || f.ExpiresAt == nil {
		t.Errorf("suppress reply = %+v", f)
	}

	send(clientFrame{Type: actionSubmit, Text: "ping them"})
	f, _ := awaitReply(actionSubmit)
	if f.Type != frameAck || f.Record == nil || f.Record.ResolvedText != "ping them" {
		t.Errorf("submit reply = %+v", f)
	}

	select {
	case evt := <-env.decisions:
		if evt.Type != bus.TypeSubmit || evt.CallID != "call-ws" {
			t.Errorf("decision = %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no submit published")
	}

	send(clientFrame{Type: actionCancel})
	if f, _ := awaitReply(actionCancel); f.Type != frameError {
		t.Errorf("cancel with nothing open = %+v", f)
	}
}
