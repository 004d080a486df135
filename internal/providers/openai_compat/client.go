package openai_compat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"roomcast/internal/providers"
)

type Config struct {
	Name        string
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	Endpoint    string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		// No client timeout: streams are bounded by the request context.
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "chat_completions"
	}
	if cfg.Name == "" {
		cfg.Name = "openai_compat"
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	body, endpointURL, err := c.buildPayload(req, false)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	resp, err := c.do(ctx, endpointURL, body)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("read response body: %w", err)
	}
	var text string
	if isResponsesEndpoint(c.cfg.Endpoint) {
		text, err = parseResponsesAPI(respBody)
	} else {
		text, err = parseChatCompletions(respBody)
	}
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: text}, nil
}

func (c *Client) Stream(ctx context.Context, req providers.ChatRequest) (providers.Stream, error) {
	body, endpointURL, err := c.buildPayload(req, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, endpointURL, body)
	if err != nil {
		return nil, err
	}
	return newSSEStream(resp.Body, isResponsesEndpoint(c.cfg.Endpoint)), nil
}

// do sends body and retries transient failures until a 2xx response is
// received. The caller owns the returned body.
func (c *Client) do(ctx context.Context, endpointURL string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, retry, err := c.callOnce(ctx, endpointURL, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (c *Client) buildPayload(req providers.ChatRequest, stream bool) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return nil, "", err
	}

	messages := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == providers.RoleSystem && strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	var payload map[string]any
	if isResponsesEndpoint(c.cfg.Endpoint) {
		payload = map[string]any{
			"model": req.Model,
			"input": messages,
		}
		if req.MaxTokens > 0 {
			payload["max_output_tokens"] = req.MaxTokens
		}
	} else {
		payload = map[string]any{
			"model":    req.Model,
			"messages": messages,
		}
		if req.MaxTokens > 0 {
			payload["max_tokens"] = req.MaxTokens
		}
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.User != "" {
		payload["user"] = req.User
	}
	if stream {
		payload["stream"] = true
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) callOnce(ctx context.Context, endpointURL string, body []byte) (resp *http.Response, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	resp, err = c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		se := &providers.ErrStatus{Code: resp.StatusCode, Body: string(b)}
		return nil, se.Retryable(), se
	}
	return resp, false, nil
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.HasSuffix(base, "/chat/completions") || strings.HasSuffix(base, "/responses") {
		return base, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	path := strings.TrimSuffix(u.Path, "/")
	if isResponsesEndpoint(c.cfg.Endpoint) {
		u.Path = path + "/responses"
	} else {
		u.Path = path + "/chat/completions"
	}
	return u.String(), nil
}

// sseStream reads server-sent events and yields text deltas.
type sseStream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	responses bool
	done      bool
}

func newSSEStream(body io.ReadCloser, responses bool) *sseStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	return &sseStream{body: body, scanner: sc, responses: responses}
}

func (s *sseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			return "", io.EOF
		}
		delta, finished, err := s.parseEvent([]byte(data))
		if err != nil {
			s.done = true
			return "", err
		}
		if finished {
			s.done = true
			return "", io.EOF
		}
		if delta != "" {
			return delta, nil
		}
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}
	return "", io.EOF
}

func (s *sseStream) parseEvent(data []byte) (delta string, finished bool, err error) {
	var ev struct {
		Type    string `json:"type"`
		Delta   any    `json:"delta"`
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			Text string `json:"text"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", false, fmt.Errorf("decode stream event: %w", err)
	}
	if ev.Error != nil {
		return "", false, errors.New(ev.Error.Message)
	}
	if s.responses {
		switch ev.Type {
		case "response.output_text.delta":
			d, _ := ev.Delta.(string)
			return d, false, nil
		case "response.completed":
			return "", true, nil
		case "response.failed", "error":
			return "", false, fmt.Errorf("provider stream failed: %s", string(data))
		}
		return "", false, nil
	}
	if len(ev.Choices) == 0 {
		return "", false, nil
	}
	if ev.Choices[0].Delta.Content != "" {
		return ev.Choices[0].Delta.Content, false, nil
	}
	return ev.Choices[0].Text, false, nil
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}

func parseChatCompletions(body []byte) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty choices in chat completion response")
	}
	if resp.Choices[0].Text != "" {
		return resp.Choices[0].Text, nil
	}
	if content := anyToText(resp.Choices[0].Message.Content); strings.TrimSpace(content) != "" {
		return content, nil
	}
	return "", fmt.Errorf("missing message content in chat completion response")
}

func parseResponsesAPI(body []byte) (string, error) {
	var resp struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode responses api response: %w", err)
	}
	if strings.TrimSpace(resp.OutputText) != "" {
		return resp.OutputText, nil
	}
	if len(resp.Output) > 0 && len(resp.Output[0].Content) > 0 && strings.TrimSpace(resp.Output[0].Content[0].Text) != "" {
		return resp.Output[0].Content[0].Text, nil
	}
	return "", fmt.Errorf("missing output text in responses api response")
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func isResponsesEndpoint(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "responses" || v == "/v1/responses"
}
