package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/tjfontaine/promptguard/internal/intercept"
	"github.com/tjfontaine/promptguard/internal/review"
	"github.com/tjfontaine/promptguard/internal/server"
	"github.com/tjfontaine/promptguard/internal/storage"
)

func registerReviewHandlers(api huma.API, svc Reviewer) {
	type reviewOutput struct {
		Body *review.Review
	}

	huma.Register(api, huma.Operation{OperationID: "get-review", Method: http.MethodGet, Path: Prefix + "/review", Summary: "Get the review awaiting a decision", Tags: []string{"Review"}},
		func(ctx context.Context, _ *struct{}) (*reviewOutput, error) {
			r, err := svc.Current(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &reviewOutput{Body: r}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "cancel-review", Method: http.MethodPost, Path: Prefix + "/review/cancel", Summary: "Send the call as originally written", Tags: []string{"Review"}},
		func(ctx context.Context, input *struct {
			Body struct {
				CallID string `json:"call_id,omitempty" doc:"Call to cancel. Omit to match the open review."`
			}
		}) (*statusOutput, error) {
			if err := svc.Cancel(ctx, input.Body.CallID); err != nil {
				return nil, mapErr(err)
			}
			server.AddLogField(ctx, "review_decision", "cancel")
			return newStatus("cancelled"), nil
		})

	type recordOutput struct {
		Body *storage.ReviewRecord
	}

	huma.Register(api, huma.Operation{OperationID: "submit-review", Method: http.MethodPost, Path: Prefix + "/review/submit", Summary: "Send the call with reviewed text", Tags: []string{"Review"}},
		func(ctx context.Context, input *struct {
			Body struct {
				CallID string `json:"call_id,omitempty" doc:"Call to submit. Omit to match the open review."`
				Text   string `json:"text,omitempty" doc:"Final user text. Omit to send the masked text."`
			}
		}) (*recordOutput, error) {
			rec, err := svc.Submit(ctx, input.Body.CallID, input.Body.Text)
			if err != nil && rec == nil {
				return nil, mapErr(err)
			}
			server.AddLogField(ctx, "review_decision", "submit")
			// The decision went out; a failed history write is only logged.
			server.AddError(ctx, err)
			return &recordOutput{Body: rec}, nil
		})
}

func registerSuppressionHandlers(api huma.API, svc Reviewer) {
	type listSuppressionsOutput struct {
		Body struct {
			Suppressions []storage.SuppressionRef `json:"suppressions"`
			TTLSeconds   int64                    `json:"ttl_seconds"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "list-suppressions", Method: http.MethodGet, Path: Prefix + "/suppressions", Summary: "List active suppressions", Tags: []string{"Suppressions"}},
		func(ctx context.Context, _ *struct{}) (*listSuppressionsOutput, error) {
			refs, err := svc.Suppressions(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listSuppressionsOutput{}
			out.Body.Suppressions = refs
			out.Body.TTLSeconds = int64(svc.SuppressionTTL() / time.Second)
			return out, nil
		})

	type suppressionOutput struct {
		Body struct {
			Token      string     `json:"token"`
			Suppressed bool       `json:"suppressed"`
			ExpiresAt  *time.Time `json:"expires_at,omitempty"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "set-suppression", Method: http.MethodPut, Path: Prefix + "/suppressions/{token}", Summary: "Suppress or unsuppress a token", Tags: []string{"Suppressions"}},
		func(ctx context.Context, input *struct {
			Token string `path:"token" doc:"Email-shaped token, any case"`
			Body  struct {
				Suppress bool `json:"suppress" doc:"true to suppress for the configured TTL, false to lift"`
			}
		}) (*suppressionOutput, error) {
			// The router has already unescaped the path once.
			token := input.Token
			until, err := svc.Suppress(ctx, token, input.Body.Suppress)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &suppressionOutput{}
			out.Body.Token = token
			out.Body.Suppressed = input.Body.Suppress
			out.Body.ExpiresAt = until
			return out, nil
		})
}

func registerHistoryHandlers(api huma.API, svc Reviewer) {
	type historyOutput struct {
		Body struct {
			Records []review.HistoryEntry `json:"records"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "list-history", Method: http.MethodGet, Path: Prefix + "/history", Summary: "List review history, newest first", Tags: []string{"History"}},
		func(ctx context.Context, input *struct {
			Limit  int `query:"limit" minimum:"0" doc:"Maximum records to return. 0 returns all."`
			Offset int `query:"offset" minimum:"0"`
		}) (*historyOutput, error) {
			entries, err := svc.History(ctx, storage.ListOptions{Limit: input.Limit, Offset: input.Offset})
			if err != nil {
				return nil, mapErr(err)
			}
			out := &historyOutput{}
			out.Body.Records = entries
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "clear-history", Method: http.MethodDelete, Path: Prefix + "/history", Summary: "Delete all review history", Tags: []string{"History"}},
		func(ctx context.Context, _ *struct{}) (*statusOutput, error) {
			if err := svc.ClearHistory(ctx); err != nil {
				return nil, mapErr(err)
			}
			return newStatus("cleared"), nil
		})
}

func registerStatusHandler(api huma.API, deps Deps, started time.Time) {
	type statusBody struct {
		State        intercept.State        `json:"state"`
		Pending      *intercept.PendingInfo `json:"pending,omitempty"`
		Subscribers  int                    `json:"subscribers"`
		Uptime       string                 `json:"uptime"`
		GoVersion    string                 `json:"go_version"`
		NumGoroutine int                    `json:"num_goroutine"`
	}
	type statusResponse struct {
		Body statusBody
	}

	huma.Register(api, huma.Operation{OperationID: "get-status", Method: http.MethodGet, Path: Prefix + "/status", Summary: "Interceptor and process status", Tags: []string{"Status"}},
		func(ctx context.Context, _ *struct{}) (*statusResponse, error) {
			out := &statusResponse{Body: statusBody{
				State:        intercept.StateIdle,
				Uptime:       time.Since(started).Round(time.Second).String(),
				GoVersion:    runtime.Version(),
				NumGoroutine: runtime.NumGoroutine(),
			}}
			if deps.Calls != nil {
				out.Body.State = deps.Calls.State()
				if p, ok := deps.Calls.Pending(); ok {
					out.Body.Pending = &p
				}
			}
			if deps.Broker != nil {
				out.Body.Subscribers = deps.Broker.ClientCount()
			}
			return out, nil
		})
}
