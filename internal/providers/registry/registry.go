package registry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"roomcast/internal/providers"
	"roomcast/internal/providers/custom_http"
	"roomcast/internal/providers/ollama"
	"roomcast/internal/providers/openai_compat"
)

type BuildOptions struct {
	Kind        string
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	Config      map[string]any
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// Build returns the provider adapter for opts.Kind.
func Build(opts BuildOptions) (providers.Provider, error) {
	if opts.Config == nil {
		opts.Config = map[string]any{}
	}
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "openai_compat", "openai-compatible", "openai":
		endpoint := "chat_completions"
		if v := stringOpt(opts.Config, "endpoint"); v != "" {
			endpoint = v
		}
		return openai_compat.New(openai_compat.Config{
			Name:        opts.Kind,
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Headers:     opts.Headers,
			Endpoint:    endpoint,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case "openai_responses", "responses":
		return openai_compat.New(openai_compat.Config{
			Name:        "openai_responses",
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Headers:     opts.Headers,
			Endpoint:    "responses",
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case "ollama":
		return ollama.New(ollama.Config{
			BaseURL:     opts.BaseURL,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case "custom_http", "custom-http":
		url := opts.BaseURL
		if ep := stringOpt(opts.Config, "endpoint"); ep != "" {
			url = strings.TrimSuffix(url, "/") + "/" + strings.TrimPrefix(ep, "/")
		}
		streamLines, _ := opts.Config["stream_lines"].(bool)
		c, err := custom_http.New(custom_http.Config{
			URL:          url,
			APIKey:       opts.APIKey,
			Method:       stringOpt(opts.Config, "method"),
			Headers:      opts.Headers,
			BodyTemplate: stringOpt(opts.Config, "body_template"),
			ResponsePath: stringOpt(opts.Config, "response_path"),
			StreamLines:  streamLines,
			HTTPClient:   opts.HTTPClient,
			MaxRetries:   opts.MaxRetries,
			BackoffBase:  opts.BackoffBase,
		})
		if err != nil {
			return nil, err
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

func stringOpt(cfg map[string]any, key string) string {
	v, _ := cfg[key].(string)
	return strings.TrimSpace(v)
}
