package testutil

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// redactedHeaders never reach a cassette.
var redactedHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "Openai-Sentinel-Token"}

// VCROption adjusts how recorded requests are matched.
type VCROption func(*vcrOptions)

type vcrOptions struct {
	matchBody bool
}

// MatchBody also requires the request body to equal the recorded one, so a
// cassette pins exactly what was sent upstream.
func MatchBody() VCROption {
	return func(o *vcrOptions) { o.matchBody = true }
}

// NewVCRRecorder replays testdata/fixtures/<cassetteName>.yaml, or records it
// when VCR_MODE=record.
func NewVCRRecorder(t *testing.T, cassetteName string, opts ...VCROption) (*recorder.Recorder, func()) {
	t.Helper()

	var o vcrOptions
	for _, opt := range opts {
		opt(&o)
	}

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	cassettePath := filepath.Join("testdata", "fixtures", cassetteName)

	r, err := recorder.NewAsMode(cassettePath, mode, nil)
	if err != nil {
		t.Fatalf("Failed to create VCR recorder: %v", err)
	}

	r.SetMatcher(func(req *http.Request, i cassette.Request) bool {
		if req.Method != i.Method || req.URL.String() != i.URL {
			return false
		}
		if !o.matchBody {
			return true
		}
		body, err := peekBody(req)
		if err != nil {
			return false
		}
		return string(body) == i.Body
	})

	r.AddSaveFilter(func(i *cassette.Interaction) error {
		for _, h := range redactedHeaders {
			delete(i.Request.Headers, h)
			delete(i.Response.Headers, h)
		}
		return nil
	})

	cleanup := func() {
		if err := r.Stop(); err != nil {
			t.Errorf("Failed to stop VCR recorder: %v", err)
		}
	}

	return r, cleanup
}

// peekBody reads the body and puts an identical reader back.
func peekBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
