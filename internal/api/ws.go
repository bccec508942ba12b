package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/tjfontaine/promptguard/internal/bus"
	"github.com/tjfontaine/promptguard/internal/review"
	"github.com/tjfontaine/promptguard/internal/server"
	"github.com/tjfontaine/promptguard/internal/storage"
)

// Frame types sent by the server besides bus events.
const (
	frameReview = "review"
	frameAck    = "ack"
	frameError  = "error"
)

// Actions a client may send.
const (
	actionCancel   = "cancel"
	actionSubmit   = "submit"
	actionSuppress = "suppress"
)

type clientFrame struct {
	Type     string `json:"type"`
	CallID   string `json:"call_id,omitempty"`
	Text     string `json:"text,omitempty"`
	Token    string `json:"token,omitempty"`
	Suppress bool   `json:"suppress,omitempty"`
}

type serverFrame struct {
	Type      string                `json:"type"`
	Action    string                `json:"action,omitempty"`
	Review    *review.Review        `json:"review,omitempty"`
	Record    *storage.ReviewRecord `json:"record,omitempty"`
	ExpiresAt *time.Time            `json:"expires_at,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// wsConn serializes writes; events and replies come from two goroutines.
type wsConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *wsConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteServerText(c.conn, data)
}

func (c *wsConn) writeFrame(f serverFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.write(data)
}

// wsHandler is a two-way review channel. The server pushes every bus event
// and the open review on connect; the client sends cancel, submit and
// suppress frames.
func wsHandler(svc Reviewer, broker *bus.Broker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			server.AddError(r.Context(), err)
			return
		}
		conn := &wsConn{conn: raw}
		defer raw.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		subID, events := broker.Subscribe()
		defer broker.Unsubscribe(subID)

		if cur, err := svc.Current(ctx); err == nil {
			_ = conn.writeFrame(serverFrame{Type: frameReview, Review: cur})
		}

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-events:
					if !ok {
						return
					}
					if err := conn.write([]byte(evt.Payload())); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		for {
			data, op, err := wsutil.ReadClientData(raw)
			if err != nil {
				logger.Debug("review websocket closed", slog.String("error", err.Error()))
				return
			}
			if op != ws.OpText {
				continue
			}

			reply := handleFrame(ctx, svc, data)
			if err := conn.writeFrame(reply); err != nil {
				return
			}
		}
	}
}

func handleFrame(ctx context.Context, svc Reviewer, data []byte) serverFrame {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return serverFrame{Type: frameError, Error: "invalid frame: " + err.Error()}
	}

	reply := serverFrame{Type: frameAck, Action: f.Type}
	var err error
	switch f.Type {
	case actionCancel:
		err = svc.Cancel(ctx, f.CallID)
	case actionSubmit:
		reply.Record, err = svc.Submit(ctx, f.CallID, f.Text)
		if reply.Record != nil {
			// Sent regardless of whether history was stored.
			err = nil
		}
	case actionSuppress:
		reply.ExpiresAt, err = svc.Suppress(ctx, f.Token, f.Suppress)
	default:
		return serverFrame{Type: frameError, Action: f.Type, Error: "unknown action"}
	}

	if err != nil {
		return serverFrame{Type: frameError, Action: f.Type, Error: err.Error()}
	}
	return reply
}
