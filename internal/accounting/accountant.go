package accounting

import (
	"time"

	"roomcast/internal/storage"
)

// TokenCounter counts tokens of text for a model.
type TokenCounter interface {
	Count(text, model string) (int, error)
}

type Accountant struct {
	counter TokenCounter
	prices  PriceTable
}

func NewAccountant(counter TokenCounter, prices PriceTable) *Accountant {
	return &Accountant{counter: counter, prices: prices}
}

func UsageTypeFor(role storage.Role) storage.UsageType {
	if role == storage.RoleUser {
		return storage.UsagePrompt
	}
	return storage.UsageCompletion
}

// Value prices count tokens of the given type.
func (a *Accountant) Value(typ storage.UsageType, count int, model string) float64 {
	p := a.prices.Lookup(model)
	per := p.Completion
	if typ == storage.UsagePrompt {
		per = p.Prompt
	}
	return float64(count) / p.Divider * per
}

// Usage computes the usage row of a message with the given role and text.
func (a *Accountant) Usage(role storage.Role, text, model string) (storage.TokenUsage, error) {
	count, err := a.counter.Count(text, model)
	if err != nil {
		return storage.TokenUsage{}, err
	}
	typ := UsageTypeFor(role)
	return storage.TokenUsage{
		Type:      typ,
		Count:     int64(count),
		Value:     a.Value(typ, count, model),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (a *Accountant) Count(text, model string) (int, error) {
	return a.counter.Count(text, model)
}

// MessageUsage holds the per-message derived usage fields.
type MessageUsage struct {
	MessageID             string  `json:"message_id"`
	PromptTokensCount     int64   `json:"prompt_tokens_count"`
	CompletionTokensCount int64   `json:"completion_tokens_count"`
	TotalTokensCount      int64   `json:"total_tokens_count"`
	PromptTokensValue     float64 `json:"prompt_tokens_value"`
	CompletionTokensValue float64 `json:"completion_tokens_value"`
	TotalTokensValue      float64 `json:"total_tokens_value"`
}

// Derive fills the derived fields of ordered room messages. A COMPLETION row
// takes its prompt side from the closest preceding USER message.
func Derive(messages []storage.Message) []MessageUsage {
	out := make([]MessageUsage, len(messages))
	var lastPrompt storage.TokenUsage
	for i, m := range messages {
		d := MessageUsage{MessageID: m.ID.String()}
		switch m.Usage.Type {
		case storage.UsagePrompt:
			d.PromptTokensCount = m.Usage.Count
			d.PromptTokensValue = m.Usage.Value
		default:
			d.PromptTokensCount = lastPrompt.Count
			d.PromptTokensValue = lastPrompt.Value
			d.CompletionTokensCount = m.Usage.Count
			d.CompletionTokensValue = m.Usage.Value
		}
		if m.Role == storage.RoleUser {
			lastPrompt = m.Usage
		}
		d.TotalTokensCount = d.PromptTokensCount + d.CompletionTokensCount
		d.TotalTokensValue = d.PromptTokensValue + d.CompletionTokensValue
		out[i] = d
	}
	return out
}

// Totals sums the usage rows of messages.
func Totals(messages []storage.Message) storage.UsageTotals {
	var t storage.UsageTotals
	for _, m := range messages {
		switch m.Usage.Type {
		case storage.UsagePrompt:
			t.PromptCount += m.Usage.Count
			t.PromptValue += m.Usage.Value
		case storage.UsageCompletion:
			t.CompletionCount += m.Usage.Count
			t.CompletionValue += m.Usage.Value
		}
	}
	return t
}
