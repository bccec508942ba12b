package intercept

import "errors"

var (
	// ErrUnrecognizedCallShape means no URL could be resolved from a call
	// target. Such calls are forwarded untouched.
	ErrUnrecognizedCallShape = errors.New("unrecognized call shape")

	// ErrMalformedPayload means a target call's body is not a conversation
	// payload. Such calls are forwarded untouched.
	ErrMalformedPayload = errors.New("malformed conversation payload")

	// ErrSlotOccupied is returned for a flagged call that arrives while
	// another call is already awaiting a decision.
	ErrSlotOccupied = errors.New("another call is awaiting review")

	// ErrNoPendingCall is returned by a resume when nothing matching is parked.
	ErrNoPendingCall = errors.New("no pending call")
)
