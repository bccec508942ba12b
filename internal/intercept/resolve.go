package intercept

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultTargetURL is the conversation submission endpoint of the chat client.
const DefaultTargetURL = "https://chatgpt.com/backend-api/f/conversation"

// ResolveURL returns the URL string of a call target. It accepts a string,
// a *url.URL or url.URL, an *http.Request, or anything implementing
// fmt.Stringer.
func ResolveURL(target any) (string, error) {
	switch t := target.(type) {
	case string:
		return t, nil
	case *url.URL:
		if t == nil {
			break
		}
		return t.String(), nil
	case url.URL:
		return t.String(), nil
	case *http.Request:
		if t == nil || t.URL == nil {
			break
		}
		return t.URL.String(), nil
	case fmt.Stringer:
		return t.String(), nil
	}
	return "", fmt.Errorf("%w: %T", ErrUnrecognizedCallShape, target)
}

// IsTarget reports whether rawURL is exactly target, ignoring case.
func IsTarget(rawURL, target string) bool {
	return strings.EqualFold(rawURL, target)
}

// readBody returns the request body and leaves the request replayable.
func readBody(req *http.Request) ([]byte, error) {
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to get request body: %w", err)
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		return b, nil
	}

	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}

	b, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	setBody(req, b)
	return b, nil
}

// setBody installs b as the request body, keeping GetBody and the length
// in step with it.
func setBody(req *http.Request, b []byte) {
	req.Body = io.NopCloser(bytes.NewReader(b))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
	req.ContentLength = int64(len(b))
	if req.Header.Get("Content-Length") != "" {
		req.Header.Set("Content-Length", fmt.Sprint(len(b)))
	}
}
