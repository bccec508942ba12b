// Package conversation reads and rewrites the conversation submission body
// sent by the chat client.
//
// The body is kept as a generic JSON map so that a rewrite only touches the
// user message parts. Every other field, known or not, round-trips as-is.
package conversation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RoleUser is the author role whose parts are inspected and rewritten.
const RoleUser = "user"

// ErrInvalidPayload is returned when a body is not a conversation payload.
var ErrInvalidPayload = errors.New("invalid conversation payload")

// Message is a read-only view of one entry in the messages list.
type Message struct {
	ID          string
	Role        string
	ContentType string
	// Parts holds the raw parts; strings are text, anything else is an
	// attachment or other structured segment.
	Parts []any
}

// Payload is a parsed conversation submission.
type Payload struct {
	raw      map[string]any
	Model    string
	Messages []Message
}

// Parse decodes a conversation body. Numbers are kept as json.Number so a
// later rewrite does not lose precision.
func Parse(body []byte) (*Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: body is null", ErrInvalidPayload)
	}

	list, ok := raw["messages"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: messages must be a list", ErrInvalidPayload)
	}

	p := &Payload{raw: raw}
	p.Model, _ = raw["model"].(string)

	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: message %d is not an object", ErrInvalidPayload, i)
		}
		author, ok := m["author"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: message %d has no author", ErrInvalidPayload, i)
		}

		msg := Message{}
		msg.ID, _ = m["id"].(string)
		msg.Role, _ = author["role"].(string)
		if content, ok := m["content"].(map[string]any); ok {
			msg.ContentType, _ = content["content_type"].(string)
			msg.Parts, _ = content["parts"].([]any)
		}
		p.Messages = append(p.Messages, msg)
	}

	return p, nil
}

// MergedUserText joins the string parts of every user message with single
// spaces, collapses whitespace runs, and trims the result.
func (p *Payload) MergedUserText() string {
	var segments []string
	for _, m := range p.Messages {
		if m.Role != RoleUser {
			continue
		}
		for _, part := range m.Parts {
			if s, ok := part.(string); ok {
				segments = append(segments, s)
			}
		}
	}
	return CollapseWhitespace(strings.Join(segments, " "))
}

// CollapseWhitespace replaces every whitespace run with one space and trims
// both ends.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// WithUserText returns a new body in which every user message's
// content.parts is exactly [text]. The receiver is not modified.
func (p *Payload) WithUserText(text string) ([]byte, error) {
	patched := make(map[string]any, len(p.raw))
	for k, v := range p.raw {
		patched[k] = v
	}

	list, _ := p.raw["messages"].([]any)
	messages := make([]any, len(list))
	for i, item := range list {
		messages[i] = item

		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		author, _ := m["author"].(map[string]any)
		if role, _ := author["role"].(string); role != RoleUser {
			continue
		}

		msg := make(map[string]any, len(m))
		for k, v := range m {
			msg[k] = v
		}
		content := make(map[string]any)
		if orig, ok := m["content"].(map[string]any); ok {
			for k, v := range orig {
				content[k] = v
			}
		}
		content["parts"] = []any{text}
		msg["content"] = content
		messages[i] = msg
	}
	patched["messages"] = messages

	return encode(patched)
}

// Bytes re-serializes the payload without changes.
func (p *Payload) Bytes() ([]byte, error) {
	return encode(p.raw)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode conversation payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
