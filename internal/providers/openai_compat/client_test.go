package openai_compat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"roomcast/internal/providers"
)

func TestBuildPayloadChatCompletions(t *testing.T) {
	c := New(Config{BaseURL: "https://api.x.ai/v1", Endpoint: "chat_completions"})

	body, endpoint, err := c.buildPayload(providers.ChatRequest{
		Model: "grok-beta",
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "You are concise"},
			{Role: providers.RoleUser, Content: "hello"},
		},
		User:        "alice@example.com",
		MaxTokens:   123,
		Temperature: 0.4,
	}, true)
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.x.ai/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["model"] != "grok-beta" || payload["stream"] != true || payload["user"] != "alice@example.com" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if msgs, ok := payload["messages"].([]any); !ok || len(msgs) != 2 {
		t.Fatalf("expected two messages, got %#v", payload["messages"])
	}
}

func TestBuildPayloadResponsesEndpoint(t *testing.T) {
	c := New(Config{BaseURL: "https://api.openai.com/v1", Endpoint: "responses"})

	_, endpoint, err := c.buildPayload(providers.ChatRequest{Model: "gpt-4.1", Messages: []providers.Message{{Role: "user", Content: "hello"}}}, false)
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.openai.com/v1/responses" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}
}

func TestStreamChatCompletions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"Hel", "lo", "!"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test"})
	s, err := c.Stream(context.Background(), providers.ChatRequest{Model: "m", Messages: []providers.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, err := providers.Collect(s)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if text != "Hello!" {
		t.Fatalf("expected Hello!, got %q", text)
	}
}

func TestStreamMidStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"overloaded\"}}\n\n")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	s, err := c.Stream(context.Background(), providers.ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, err := providers.Collect(s)
	if err == nil || err.Error() != "overloaded" {
		t.Fatalf("expected overloaded error, got %v", err)
	}
	if text != "par" {
		t.Fatalf("expected partial text, got %q", text)
	}
}

func TestChatRetriesTemporaryStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Ford history"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 2, BackoffBase: time.Millisecond})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "Ford history" || calls.Load() != 2 {
		t.Fatalf("unexpected response %q after %d calls", resp.Text, calls.Load())
	}
}

func TestStreamPermanentStatusIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 3, BackoffBase: time.Millisecond})
	_, err := c.Stream(context.Background(), providers.ChatRequest{Model: "m"})
	var se *providers.ErrStatus
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 ErrStatus, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one call, got %d", calls.Load())
	}
}
