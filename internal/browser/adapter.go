// Package browser attaches the interceptor to a running Chromium through the
// DevTools protocol. Conversation submissions from matching tabs are paused
// at the request stage and only continue once the interceptor lets them go.
package browser

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/tjfontaine/promptguard/internal/intercept"
)

// Interceptor is the part of *intercept.Interceptor the adapter drives.
type Interceptor interface {
	Intercept(req *http.Request, dispatch intercept.DispatchFunc) (*http.Response, error)
	TargetURL() string
}

// Adapter pauses target requests in browser tabs and runs them through an
// Interceptor.
type Adapter struct {
	cdpURL    string
	tabFilter string
	ic        Interceptor
	logger    *slog.Logger

	mu   sync.Mutex
	tabs map[target.ID]context.CancelFunc
}

func New(cdpURL, tabFilter string, ic Interceptor, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cdpURL:    cdpURL,
		tabFilter: tabFilter,
		ic:        ic,
		logger:    logger,
		tabs:      make(map[target.ID]context.CancelFunc),
	}
}

// Run connects to the browser, attaches to every matching page and blocks
// until ctx ends.
func (a *Adapter) Run(ctx context.Context) error {
	a.logger.Info("connecting to browser", slog.String("url", a.cdpURL))

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, a.cdpURL)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	if err := chromedp.Run(browserCtx); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		return fmt.Errorf("failed to enumerate targets: %w", err)
	}

	attached := 0
	for _, t := range targets {
		if t.Type != "page" || !a.matchesTab(t.URL) {
			continue
		}
		if err := a.attach(browserCtx, t.TargetID); err != nil {
			a.logger.Error("failed to attach to tab",
				slog.String("target_id", string(t.TargetID)),
				slog.String("error", err.Error()))
			continue
		}
		attached++
	}
	if attached == 0 {
		return fmt.Errorf("no tabs match filter %q", a.tabFilter)
	}

	a.logger.Info("intercepting browser tabs", slog.Int("count", attached))
	<-ctx.Done()

	a.mu.Lock()
	for id, cancel := range a.tabs {
		cancel()
		delete(a.tabs, id)
	}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) matchesTab(url string) bool {
	return a.tabFilter == "" || strings.Contains(url, a.tabFilter)
}

func (a *Adapter) attach(browserCtx context.Context, id target.ID) error {
	tabCtx, cancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(id))

	enable := fetch.Enable().WithPatterns([]*fetch.RequestPattern{{
		URLPattern:   a.ic.TargetURL(),
		RequestStage: fetch.RequestStageRequest,
	}})
	if err := chromedp.Run(tabCtx, enable); err != nil {
		cancel()
		return fmt.Errorf("failed to enable fetch interception: %w", err)
	}

	chromedp.ListenTarget(tabCtx, func(ev any) {
		if e, ok := ev.(*fetch.EventRequestPaused); ok {
			// Handlers must not block the event loop.
			go a.handlePaused(tabCtx, e)
		}
	})

	a.mu.Lock()
	a.tabs[id] = cancel
	a.mu.Unlock()

	a.logger.Info("attached to tab", slog.String("target_id", string(id)))
	return nil
}

func (a *Adapter) handlePaused(tabCtx context.Context, ev *fetch.EventRequestPaused) {
	logger := a.logger.With(slog.String("request_id", string(ev.RequestID)))

	req, err := buildRequest(tabCtx, ev)
	if err != nil {
		logger.Warn("continuing unreadable paused request", slog.String("error", err.Error()))
		a.exec(tabCtx, logger, fetch.ContinueRequest(ev.RequestID))
		return
	}
	original := postData(ev.Request)

	_, err = a.ic.Intercept(req, func(out *http.Request) (*http.Response, error) {
		params, err := continueParams(ev.RequestID, original, out)
		if err != nil {
			return nil, err
		}
		if err := chromedp.Run(tabCtx, params); err != nil {
			return nil, fmt.Errorf("failed to continue paused request: %w", err)
		}
		return &http.Response{
			Status:     "200 Continued",
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       http.NoBody,
			Request:    out,
		}, nil
	})

	switch {
	case err == nil:
	case errors.Is(err, intercept.ErrSlotOccupied):
		logger.Info("blocking flagged request while another awaits review")
		a.exec(tabCtx, logger, fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient))
	case tabCtx.Err() != nil:
		// Tab or adapter is gone; the browser drops the request itself.
	default:
		logger.Warn("paused request failed", slog.String("error", err.Error()))
		a.exec(tabCtx, logger, fetch.FailRequest(ev.RequestID, network.ErrorReasonFailed))
	}
}

func (a *Adapter) exec(ctx context.Context, logger *slog.Logger, action chromedp.Action) {
	if err := chromedp.Run(ctx, action); err != nil {
		logger.Warn("browser command failed", slog.String("error", err.Error()))
	}
}

// buildRequest turns a paused browser request into an *http.Request bound
// to ctx.
func buildRequest(ctx context.Context, ev *fetch.EventRequestPaused) (*http.Request, error) {
	if ev == nil || ev.Request == nil {
		return nil, errors.New("paused event has no request")
	}
	body := postData(ev.Request)
	req, err := http.NewRequestWithContext(ctx, ev.Request.Method, ev.Request.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header = headersFromCDP(ev.Request.Headers)
	return req, nil
}

// postData joins the request's post data entries. Entries are base64; one
// that does not decode is taken as raw text.
func postData(r *network.Request) []byte {
	if r == nil || !r.HasPostData {
		return nil
	}
	var out []byte
	for _, entry := range r.PostDataEntries {
		if entry == nil || entry.Bytes == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			out = append(out, entry.Bytes...)
			continue
		}
		out = append(out, decoded...)
	}
	return out
}

func headersFromCDP(h network.Headers) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		switch val := v.(type) {
		case string:
			// Repeated headers arrive newline-joined.
			for _, line := range strings.Split(val, "\n") {
				out.Add(k, line)
			}
		default:
			out.Add(k, fmt.Sprint(val))
		}
	}
	return out
}

// continueParams resumes a paused request, overriding the post data only
// when the dispatched body differs from what the page sent.
func continueParams(id fetch.RequestID, original []byte, out *http.Request) (*fetch.ContinueRequestParams, error) {
	params := fetch.ContinueRequest(id)

	var body []byte
	switch {
	case out.GetBody != nil:
		rc, err := out.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to read dispatched body: %w", err)
		}
		defer rc.Close()
		if body, err = io.ReadAll(rc); err != nil {
			return nil, fmt.Errorf("failed to read dispatched body: %w", err)
		}
	case out.Body != nil && out.Body != http.NoBody:
		var err error
		if body, err = io.ReadAll(out.Body); err != nil {
			return nil, fmt.Errorf("failed to read dispatched body: %w", err)
		}
	}

	if !bytes.Equal(body, original) {
		params = params.WithPostData(base64.StdEncoding.EncodeToString(body))
	}
	return params, nil
}
