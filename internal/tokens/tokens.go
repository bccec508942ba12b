// Package tokens counts prompt tokens for the model named in a conversation
// submission. Counts are informational and shown alongside a review.
package tokens

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// runesPerToken is the fallback ratio when no encoding can be loaded.
const runesPerToken = 4

// Model slug prefixes, most specific first. Anything unmatched, including
// "auto" and an empty slug, uses o200k_base.
var encodingPrefixes = []struct {
	prefix   string
	encoding tokenizer.Encoding
}{
	{"gpt-4o", tokenizer.O200kBase},
	{"gpt-4.1", tokenizer.O200kBase},
	{"gpt-4-1", tokenizer.O200kBase},
	{"gpt-4.5", tokenizer.O200kBase},
	{"gpt-4-5", tokenizer.O200kBase},
	{"gpt-4", tokenizer.Cl100kBase},
	{"gpt-3.5", tokenizer.Cl100kBase},
	{"text-davinci-002-render", tokenizer.Cl100kBase},
}

// Counter counts tokens with tiktoken encodings, loading each encoding once.
type Counter struct {
	mu     sync.Mutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

func NewCounter() *Counter {
	return &Counter{codecs: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// Count returns the token count of text for model. Estimated is true when the
// encoding could not be used and the count comes from text length instead.
func (c *Counter) Count(model, text string) (count int, estimated bool) {
	if text == "" {
		return 0, false
	}
	codec, err := c.codec(EncodingFor(model))
	if err != nil {
		return Estimate(text), true
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return Estimate(text), true
	}
	return len(ids), false
}

func (c *Counter) codec(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if codec, ok := c.codecs[enc]; ok {
		return codec, nil
	}
	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, err
	}
	c.codecs[enc] = codec
	return codec, nil
}

// EncodingFor maps a chat client model slug to its tiktoken encoding.
func EncodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(strings.TrimSpace(model))
	for _, p := range encodingPrefixes {
		if strings.HasPrefix(model, p.prefix) {
			return p.encoding
		}
	}
	return tokenizer.O200kBase
}

// Estimate approximates a token count from the number of runes, rounding up.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + runesPerToken - 1) / runesPerToken
}
