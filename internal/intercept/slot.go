package intercept

import (
	"net/http"
	"sync"
	"time"

	"github.com/tjfontaine/promptguard/internal/conversation"
	"github.com/tjfontaine/promptguard/internal/detect"
)

// Decision kinds.
const (
	DecisionCancel = "cancel"
	DecisionSubmit = "submit"
)

// Decision is the operator's answer for a parked call.
type Decision struct {
	Kind string
	// Text is the final user content for a submit.
	Text string
}

// Pending is a call parked while it waits for a decision.
type Pending struct {
	ID        string
	URL       string
	Model     string
	Text      string
	Tokens    []detect.Token
	CreatedAt time.Time

	request  *http.Request
	body     []byte
	payload  *conversation.Payload
	decision chan Decision
}

// PendingInfo is the externally visible part of a Pending call.
type PendingInfo struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Model     string    `json:"model,omitempty"`
	Text      string    `json:"text"`
	Tokens    []string  `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

func (p *Pending) info() PendingInfo {
	return PendingInfo{
		ID:        p.ID,
		URL:       p.URL,
		Model:     p.Model,
		Text:      p.Text,
		Tokens:    detect.Normalized(p.Tokens),
		CreatedAt: p.CreatedAt,
	}
}

// Slot holds at most one parked call. Every resume goes through Resolve,
// which takes the call and hands over the decision under one lock, so at
// most one resume ever reaches a given call.
type Slot struct {
	mu      sync.Mutex
	pending *Pending
}

// Park stores p, or fails with ErrSlotOccupied when another call is parked.
func (s *Slot) Park(p *Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		return ErrSlotOccupied
	}
	if p.decision == nil {
		p.decision = make(chan Decision, 1)
	}
	s.pending = p
	return nil
}

// Resolve takes the parked call and delivers d to it. An empty id matches
// whatever is parked. It returns ErrNoPendingCall when the slot is empty or
// holds a different call.
func (s *Slot) Resolve(id string, d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pending
	if p == nil || (id != "" && id != p.ID) {
		return ErrNoPendingCall
	}
	s.pending = nil
	p.decision <- d
	return nil
}

// Release empties the slot if it still holds p. It reports whether it did;
// false means a decision has already been delivered.
func (s *Slot) Release(p *Pending) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != p {
		return false
	}
	s.pending = nil
	return true
}

// Peek returns a view of the parked call, if any.
func (s *Slot) Peek() (PendingInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return PendingInfo{}, false
	}
	return s.pending.info(), true
}

// Occupied reports whether a call is parked.
func (s *Slot) Occupied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}
