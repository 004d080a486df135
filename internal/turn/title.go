package turn

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"roomcast/internal/providers"
	"roomcast/internal/storage"
)

const (
	maxTitleRunes = 50
	titlePrompt   = "Write a short title, at most six words, for a conversation that starts with the message below. Reply with the title only."
)

// requestTitle asks the provider for a room title. It returns "" when the
// call fails, times out or yields nothing usable.
func requestTitle(ctx context.Context, p providers.Provider, model, prompt string, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := p.Chat(ctx, providers.ChatRequest{
		Model: model,
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: titlePrompt},
			{Role: providers.RoleUser, Content: prompt},
		},
		MaxTokens: 24,
	})
	if err != nil {
		return ""
	}
	return cleanTitle(resp.Text)
}

func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexAny(title, "\r\n"); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimPrefix(title, "Title:")
	title = strings.Trim(title, " \t\"'`*#")
	if utf8.RuneCountInString(title) > maxTitleRunes {
		runes := []rune(title)
		title = strings.TrimSpace(string(runes[:maxTitleRunes]))
	}
	if title == storage.DefaultRoomName {
		return ""
	}
	return title
}
