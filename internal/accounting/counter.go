// Package accounting counts tokens and prices messages.
package accounting

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/rs/zerolog"
)

// FallbackEncoding is used for models with no known encoding.
const FallbackEncoding = "cl100k_base"

var exactEncodings = map[string]string{
	"gpt-4o":                 "o200k_base",
	"gpt-4o-mini":            "o200k_base",
	"gpt-4":                  "cl100k_base",
	"gpt-4-turbo":            "cl100k_base",
	"gpt-3.5-turbo":          "cl100k_base",
	"text-embedding-3-small": "cl100k_base",
	"text-embedding-3-large": "cl100k_base",
	"text-davinci-003":       "p50k_base",
}

// Ordered longest prefix first.
var familyEncodings = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o-", "o200k_base"},
	{"gpt-4.1", "o200k_base"},
	{"gpt-4-", "cl100k_base"},
	{"gpt-3.5-turbo-", "cl100k_base"},
	{"o1", "o200k_base"},
	{"o3", "o200k_base"},
	{"text-embedding-", "cl100k_base"},
	{"text-davinci-", "p50k_base"},
}

var loaderOnce sync.Once

// Counter counts tokens with the encoding of a model. Encoders are cached per
// encoding name.
type Counter struct {
	logger zerolog.Logger

	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
	warned   map[string]bool
}

func NewCounter(logger zerolog.Logger) *Counter {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	return &Counter{
		logger:   logger.With().Str("component", "token_counter").Logger(),
		encoders: map[string]*tiktoken.Tiktoken{},
		warned:   map[string]bool{},
	}
}

// EncodingFor resolves the encoding of model: exact match, then model family,
// then FallbackEncoding. The boolean is false for the fallback.
func EncodingFor(model string) (string, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	if enc, ok := exactEncodings[m]; ok {
		return enc, true
	}
	for _, f := range familyEncodings {
		if strings.HasPrefix(m, f.prefix) {
			return f.encoding, true
		}
	}
	return FallbackEncoding, false
}

func (c *Counter) Count(text, model string) (int, error) {
	if text == "" {
		return 0, nil
	}
	name, known := EncodingFor(model)
	if !known {
		c.warnOnce(model)
	}
	enc, err := c.encoder(name)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

func (c *Counter) encoder(name string) (*tiktoken.Tiktoken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", name, err)
	}
	c.encoders[name] = enc
	return enc, nil
}

func (c *Counter) warnOnce(model string) {
	c.mu.Lock()
	seen := c.warned[model]
	c.warned[model] = true
	c.mu.Unlock()
	if !seen {
		c.logger.Warn().Str("model", model).Str("encoding", FallbackEncoding).Msg("no token encoding for model, using fallback")
	}
}
