package registry

import "testing"

func TestBuildKinds(t *testing.T) {
	cases := map[string]string{
		"openai_compat":    "openai_compat",
		"openai_responses": "openai_responses",
		"ollama":           "ollama",
		"custom_http":      "custom_http",
	}
	for kind, name := range cases {
		p, err := Build(BuildOptions{Kind: kind, BaseURL: "http://localhost"})
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if p.Name() != name {
			t.Fatalf("%s: expected name %s, got %s", kind, name, p.Name())
		}
	}
	if _, err := Build(BuildOptions{Kind: "telepathy"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestBuildCustomRejectsBadTemplate(t *testing.T) {
	_, err := Build(BuildOptions{
		Kind:    "custom_http",
		BaseURL: "http://localhost",
		Config:  map[string]any{"body_template": "{{.Prompt"},
	})
	if err == nil {
		t.Fatalf("expected template error")
	}
}
