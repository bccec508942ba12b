package intercept

import "log/slog"

// State is a step in the life of one target call.
type State string

const (
	StateIdle                      State = "idle"
	StateCapturing                 State = "capturing"
	StateAwaitingSuppressionLookup State = "awaiting_suppression_lookup"
	StateForwarding                State = "forwarding"
	StateAwaitingDecision          State = "awaiting_decision"
	StateResolved                  State = "resolved"
)

var transitions = map[State][]State{
	StateIdle:                      {StateCapturing},
	StateCapturing:                 {StateAwaitingSuppressionLookup, StateForwarding},
	StateAwaitingSuppressionLookup: {StateForwarding, StateAwaitingDecision, StateResolved},
	StateAwaitingDecision:          {StateForwarding, StateResolved},
	StateForwarding:                {StateResolved},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type call struct {
	state  State
	logger *slog.Logger
}

func (c *call) transition(to State) {
	if c.state == to {
		return
	}
	if !CanTransition(c.state, to) {
		c.logger.Error("unexpected intercept state change",
			slog.String("from", string(c.state)),
			slog.String("to", string(to)))
	}
	c.logger.Debug("intercept state",
		slog.String("from", string(c.state)),
		slog.String("to", string(to)))
	c.state = to
}
