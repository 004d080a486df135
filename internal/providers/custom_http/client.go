// Package custom_http adapts an arbitrary JSON-over-HTTP completion endpoint.
// The request body is rendered from a text/template and the answer is read
// from a dotted path of the response document.
package custom_http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"text/template"
	"time"

	"roomcast/internal/providers"
)

const apiKeyPlaceholder = "{{api_key}}"

type Config struct {
	URL          string
	APIKey       string
	Method       string
	Headers      map[string]string
	BodyTemplate string
	// ResponsePath is a dotted path into the response, e.g.
	// "choices.0.message.content". Empty tries the common shapes.
	ResponsePath string
	// StreamLines reads the response as one JSON document per line, with an
	// optional SSE "data:" prefix, and yields a delta per line.
	StreamLines bool
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	cfg  Config
	body *template.Template
	path []string
}

// promptData is what body templates see.
type promptData struct {
	Model       string
	System      string
	Prompt      string
	Messages    []providers.Message
	MaxTokens   int
	Temperature float64
	User        string
	Stream      bool
}

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

var defaultPaths = [][]string{
	{"text"},
	{"response"},
	{"answer"},
	{"output_text"},
	{"choices", "0", "message", "content"},
	{"choices", "0", "delta", "content"},
	{"choices", "0", "text"},
	{"message", "content"},
	{"output", "0", "content", "0", "text"},
}

// New validates cfg and parses the body template.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("custom_http: url is empty")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	c := &Client{cfg: cfg}
	if strings.TrimSpace(cfg.BodyTemplate) != "" {
		tpl, err := template.New("body").Funcs(templateFuncs).Option("missingkey=zero").Parse(cfg.BodyTemplate)
		if err != nil {
			return nil, fmt.Errorf("custom_http: parse body template: %w", err)
		}
		c.body = tpl
	}
	if p := strings.TrimSpace(cfg.ResponsePath); p != "" {
		c.path = strings.Split(p, ".")
	}
	return c, nil
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Name() string { return "custom_http" }

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	if c.cfg.StreamLines {
		s, err := c.Stream(ctx, req)
		if err != nil {
			return providers.ChatResponse{}, err
		}
		text, err := providers.Collect(s)
		return providers.ChatResponse{Text: text}, err
	}
	resp, err := c.do(ctx, req, false)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("read custom response: %w", err)
	}
	text, err := c.extract(b)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: text}, nil
}

// Stream yields one delta per response line when StreamLines is set and the
// whole answer as a single delta otherwise.
func (c *Client) Stream(ctx context.Context, req providers.ChatRequest) (providers.Stream, error) {
	if !c.cfg.StreamLines {
		resp, err := c.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		return providers.SingleStream(resp.Text), nil
	}
	resp, err := c.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	return &lineStream{body: resp.Body, scanner: sc, client: c}, nil
}

func (c *Client) render(req providers.ChatRequest, stream bool) ([]byte, error) {
	data := promptData{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		User:        req.User,
		Stream:      stream,
	}
	for _, m := range req.Messages {
		switch m.Role {
		case providers.RoleSystem:
			if data.System == "" {
				data.System = m.Content
			}
		case providers.RoleUser:
			data.Prompt = m.Content
		}
	}

	if c.body == nil {
		b, err := json.Marshal(map[string]any{
			"model":       data.Model,
			"system":      data.System,
			"prompt":      data.Prompt,
			"messages":    data.Messages,
			"max_tokens":  data.MaxTokens,
			"temperature": data.Temperature,
			"user":        data.User,
			"stream":      stream,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal custom payload: %w", err)
		}
		return b, nil
	}
	var buf bytes.Buffer
	if err := c.body.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Client) do(ctx context.Context, req providers.ChatRequest, stream bool) (*http.Response, error) {
	body, err := c.render(req, stream)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, retry, err := c.callOnce(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.BackoffBase * (1 << attempt)):
		}
	}
	return nil, lastErr
}

func (c *Client) callOnce(ctx context.Context, body []byte) (*http.Response, bool, error) {
	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build custom request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, apiKeyPlaceholder, c.cfg.APIKey))
	}
	if len(c.cfg.Headers) == 0 && c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("custom request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		se := &providers.ErrStatus{Code: resp.StatusCode, Body: string(b)}
		return nil, se.Retryable(), se
	}
	return resp, false, nil
}

// extract reads the answer from a whole response body. A body that is not
// JSON is taken as plain text.
func (c *Client) extract(body []byte) (string, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
			return trimmed, nil
		}
		return "", fmt.Errorf("decode custom response: %w", err)
	}
	if text, ok := c.lookup(doc); ok {
		return text, nil
	}
	if msg, ok := errorField(doc); ok {
		return "", errors.New(msg)
	}
	return "", errors.New("custom response does not contain text field")
}

func (c *Client) lookup(doc any) (string, bool) {
	if c.path != nil {
		return walk(doc, c.path)
	}
	for _, p := range defaultPaths {
		if text, ok := walk(doc, p); ok && strings.TrimSpace(text) != "" {
			return text, true
		}
	}
	return "", false
}

// walk follows path through objects and arrays; numeric segments index arrays.
func walk(doc any, path []string) (string, bool) {
	cur := doc
	for _, seg := range path {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return "", false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return "", false
			}
			cur = v[i]
		default:
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}

func errorField(doc any) (string, bool) {
	m, ok := doc.(map[string]any)
	if !ok {
		return "", false
	}
	switch e := m["error"].(type) {
	case string:
		return e, e != ""
	case map[string]any:
		if msg, ok := e["message"].(string); ok && msg != "" {
			return msg, true
		}
	}
	return "", false
}

type lineStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	client  *Client
	done    bool
}

func (s *lineStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			line = bytes.TrimSpace(rest)
		}
		if string(line) == "[DONE]" {
			s.done = true
			return "", io.EOF
		}
		var doc any
		if err := json.Unmarshal(line, &doc); err != nil {
			s.done = true
			return "", fmt.Errorf("decode custom line: %w", err)
		}
		if msg, ok := errorField(doc); ok {
			s.done = true
			return "", errors.New(msg)
		}
		if text, ok := s.client.lookup(doc); ok && text != "" {
			return text, nil
		}
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("read custom stream: %w", err)
	}
	return "", io.EOF
}

func (s *lineStream) Close() error {
	s.done = true
	return s.body.Close()
}
