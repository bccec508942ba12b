// Package proxy forwards chat client traffic to the upstream service through
// the interceptor.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/tjfontaine/promptguard/internal/intercept"
	"github.com/tjfontaine/promptguard/internal/server"
)

// Proxy is an http.Handler that relays every request to one upstream.
type Proxy struct {
	upstream *url.URL
	rp       *httputil.ReverseProxy
	logger   *slog.Logger
}

// New builds a proxy to upstream whose outbound calls go through transport,
// normally an *intercept.Interceptor.
func New(upstream string, transport http.RoundTripper, logger *slog.Logger) (*Proxy, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream URL: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream URL %q must be absolute", upstream)
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Proxy{upstream: target, logger: logger}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
		},
		Transport:     transport,
		FlushInterval: -1,
		ErrorHandler:  p.handleError,
	}
	return p, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	server.AddLogField(r.Context(), "upstream", p.upstream.Host)
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)

	switch {
	case errors.Is(err, intercept.ErrSlotOccupied):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled):
		// The caller is gone; nobody reads the response.
		p.logger.Debug("proxied call abandoned", slog.String("path", r.URL.Path))
	default:
		p.logger.Warn("upstream call failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "upstream request failed")
	}
}

// RecordOutcome adds the interceptor outcome to the request log line. It is
// meant for intercept.WithOutcomeFunc.
func RecordOutcome(req *http.Request, outcome intercept.Outcome) {
	server.AddLogField(req.Context(), "intercept_outcome", string(outcome))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
