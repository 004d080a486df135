package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"roomcast/internal/providers"
)

func TestStreamNDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("expected stream=true, got %#v", body["stream"])
		}
		for _, d := range []string{"A", "B", "C"} {
			fmt.Fprintf(w, "{\"message\":{\"role\":\"assistant\",\"content\":%q},\"done\":false}\n", d)
		}
		fmt.Fprint(w, "{\"message\":{\"role\":\"assistant\",\"content\":\"\"},\"done\":true}\n")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	s, err := c.Stream(context.Background(), providers.ChatRequest{Model: "llama3.1", Messages: []providers.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, err := providers.Collect(s)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if text != "ABC" {
		t.Fatalf("expected ABC, got %q", text)
	}
}

func TestStreamErrorLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{\"message\":{\"content\":\"x\"},\"done\":false}\n{\"error\":\"model not loaded\"}\n")
	}))
	defer srv.Close()

	s, err := New(Config{BaseURL: srv.URL}).Stream(context.Background(), providers.ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, err := providers.Collect(s)
	if err == nil || err.Error() != "model not loaded" || text != "x" {
		t.Fatalf("expected partial x and error, got %q %v", text, err)
	}
}

func TestChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{\"message\":{\"content\":\"short title\"},\"done\":true}")
	}))
	defer srv.Close()

	resp, err := New(Config{BaseURL: srv.URL}).Chat(context.Background(), providers.ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "short title" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
}
