package accounting

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"roomcast/internal/storage"
)

func TestEncodingFor(t *testing.T) {
	cases := []struct {
		model string
		enc   string
		known bool
	}{
		{"gpt-4o", "o200k_base", true},
		{"gpt-4o-2024-08-06", "o200k_base", true},
		{"gpt-4-0613", "cl100k_base", true},
		{"GPT-3.5-turbo", "cl100k_base", true},
		{"llama3.1", FallbackEncoding, false},
		{"", FallbackEncoding, false},
	}
	for _, tc := range cases {
		enc, known := EncodingFor(tc.model)
		if enc != tc.enc || known != tc.known {
			t.Fatalf("%q: expected (%s,%v), got (%s,%v)", tc.model, tc.enc, tc.known, enc, known)
		}
	}
}

func TestCounterCountsWithFallback(t *testing.T) {
	c := NewCounter(zerolog.Nop())
	n, err := c.Count("hello world", "gpt-4")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 tokens, got %d", n)
	}
	m, err := c.Count("hello world", "some-local-model")
	if err != nil {
		t.Fatalf("count fallback: %v", err)
	}
	if m != n {
		t.Fatalf("expected fallback to cl100k_base count %d, got %d", n, m)
	}
	if z, _ := c.Count("", "gpt-4"); z != 0 {
		t.Fatalf("expected zero for empty text, got %d", z)
	}
}

func TestPriceTableDefaults(t *testing.T) {
	table, err := LoadPriceTable("")
	if err != nil {
		t.Fatalf("load embedded: %v", err)
	}
	if p := table.Lookup("unknown-model"); p != DefaultPrice {
		t.Fatalf("expected default price, got %+v", p)
	}
	if p := table.Lookup("gpt-4"); p.Prompt != 0.03 || p.Completion != 0.06 {
		t.Fatalf("unexpected gpt-4 price %+v", p)
	}

	path := filepath.Join(t.TempDir(), "prices.yaml")
	if err := os.WriteFile(path, []byte("models:\n  my-model:\n    prompt: 1\n    completion: 2\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	table, err = LoadPriceTable(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if p := table.Lookup("my-model"); p.Divider != 1000 || p.Completion != 2 {
		t.Fatalf("expected divider inherited from default, got %+v", p)
	}
}

type fixedCounter int

func (f fixedCounter) Count(string, string) (int, error) { return int(f), nil }

func TestAccountantUsage(t *testing.T) {
	a := NewAccountant(fixedCounter(500), PriceTable{})

	prompt, err := a.Usage(storage.RoleUser, "x", "any")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if prompt.Type != storage.UsagePrompt || prompt.Count != 500 || math.Abs(prompt.Value-0.005) > 1e-12 {
		t.Fatalf("unexpected prompt usage %+v", prompt)
	}

	for _, role := range []storage.Role{storage.RoleAssistant, storage.RoleAnnotation} {
		u, err := a.Usage(role, "x", "any")
		if err != nil {
			t.Fatalf("usage: %v", err)
		}
		if u.Type != storage.UsageCompletion || math.Abs(u.Value-0.015) > 1e-12 {
			t.Fatalf("%s: unexpected usage %+v", role, u)
		}
	}
}

func TestDeriveInheritsPromptCounts(t *testing.T) {
	msgs := []storage.Message{
		{ID: uuid.New(), Role: storage.RoleUser, Usage: storage.TokenUsage{Type: storage.UsagePrompt, Count: 3, Value: 0.3}},
		{ID: uuid.New(), Role: storage.RoleAssistant, Usage: storage.TokenUsage{Type: storage.UsageCompletion, Count: 10, Value: 1}},
		{ID: uuid.New(), Role: storage.RoleUser, Usage: storage.TokenUsage{Type: storage.UsagePrompt, Count: 5, Value: 0.5}},
		{ID: uuid.New(), Role: storage.RoleAssistant, Usage: storage.TokenUsage{Type: storage.UsageCompletion, Count: 7, Value: 0.7}},
	}
	d := Derive(msgs)
	if d[0].PromptTokensCount != 3 || d[0].CompletionTokensCount != 0 || d[0].TotalTokensCount != 3 {
		t.Fatalf("unexpected user derivation %+v", d[0])
	}
	if d[1].PromptTokensCount != 3 || d[1].CompletionTokensCount != 10 || d[1].TotalTokensCount != 13 {
		t.Fatalf("unexpected completion derivation %+v", d[1])
	}
	if d[3].PromptTokensCount != 5 || math.Abs(d[3].TotalTokensValue-1.2) > 1e-12 {
		t.Fatalf("expected second completion to inherit the second prompt, got %+v", d[3])
	}

	totals := Totals(msgs)
	if totals.PromptCount != 8 || totals.CompletionCount != 17 || totals.TotalCount() != 25 {
		t.Fatalf("unexpected totals %+v", totals)
	}
}
