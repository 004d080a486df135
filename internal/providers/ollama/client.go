// Package ollama talks to the ollama /api/chat endpoint, which streams
// newline-delimited JSON objects.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"roomcast/internal/providers"
)

type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:11434"
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
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Name() string { return "ollama" }

type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	resp, err := c.do(ctx, req, false)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	defer resp.Body.Close()

	var chunk chatChunk
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&chunk); err != nil {
		return providers.ChatResponse{}, fmt.Errorf("decode ollama response: %w", err)
	}
	if chunk.Error != "" {
		return providers.ChatResponse{}, errors.New(chunk.Error)
	}
	return providers.ChatResponse{Text: chunk.Message.Content}, nil
}

func (c *Client) Stream(ctx context.Context, req providers.ChatRequest) (providers.Stream, error) {
	resp, err := c.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	return &ndjsonStream{body: resp.Body, scanner: sc}, nil
}

func (c *Client) do(ctx context.Context, req providers.ChatRequest, stream bool) (*http.Response, error) {
	payload := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   stream,
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		opts := map[string]any{}
		if req.Temperature > 0 {
			opts["temperature"] = req.Temperature
		}
		if req.MaxTokens > 0 {
			opts["num_predict"] = req.MaxTokens
		}
		payload["options"] = opts
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama payload: %w", err)
	}
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/api/chat"

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, retry, err := c.callOnce(ctx, endpoint, body)
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

func (c *Client) callOnce(ctx context.Context, endpoint string, body []byte) (*http.Response, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("ollama request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		se := &providers.ErrStatus{Code: resp.StatusCode, Body: string(b)}
		return nil, se.Retryable(), se
	}
	return resp, false, nil
}

type ndjsonStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (s *ndjsonStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			s.done = true
			return "", fmt.Errorf("decode ollama chunk: %w", err)
		}
		if chunk.Error != "" {
			s.done = true
			return "", errors.New(chunk.Error)
		}
		if chunk.Done {
			s.done = true
			if chunk.Message.Content != "" {
				return chunk.Message.Content, nil
			}
			return "", io.EOF
		}
		if chunk.Message.Content != "" {
			return chunk.Message.Content, nil
		}
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("read ollama stream: %w", err)
	}
	return "", io.EOF
}

func (s *ndjsonStream) Close() error {
	s.done = true
	return s.body.Close()
}
