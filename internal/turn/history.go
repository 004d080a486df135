package turn

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"roomcast/internal/providers"
	"roomcast/internal/storage"
)

const (
	// AnnotationPending is stored while an annotation is still being produced.
	AnnotationPending = "Creating..."
	NoAnnotations     = "No annotations created"

	DefaultSystemPrompt = "You are a helpful assistant in a shared chat room. Several people may read and write in the room; answer the latest message using the conversation so far."
)

// AnnotationResolver looks up external annotations by id.
type AnnotationResolver interface {
	GetAnnotations(ctx context.Context, ids []string) ([]storage.Annotation, error)
}

// Expander rewrites file placeholders in user text.
type Expander interface {
	Expand(ctx context.Context, roomID uuid.UUID, text string) (string, error)
}

type historyBuilder struct {
	system      string
	annotations AnnotationResolver
	files       Expander
}

// build turns the room's ordered messages into provider messages, prefixed
// with the system instruction. The message with id skip is left out.
func (h historyBuilder) build(ctx context.Context, roomID uuid.UUID, messages []storage.Message, skip uuid.UUID) ([]providers.Message, error) {
	out := make([]providers.Message, 0, len(messages)+1)
	out = append(out, providers.Message{Role: providers.RoleSystem, Content: h.system})
	for _, m := range messages {
		if m.ID == skip {
			continue
		}
		switch m.Role {
		case storage.RoleUser:
			text := m.Content
			if h.files != nil {
				expanded, err := h.files.Expand(ctx, roomID, text)
				if err != nil {
					return nil, err
				}
				text = expanded
			}
			out = append(out, providers.Message{Role: providers.RoleUser, Content: text})
		case storage.RoleAssistant:
			if m.Content == "" {
				continue
			}
			out = append(out, providers.Message{Role: providers.RoleAssistant, Content: m.Content})
		case storage.RoleAnnotation:
			text, ok, err := renderAnnotation(ctx, h.annotations, m)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, providers.Message{Role: providers.RoleAssistant, Content: text})
			}
		}
	}
	return out, nil
}

// renderAnnotation summarizes an ANNOTATION message. ok is false for
// placeholders that must be left out of the history.
func renderAnnotation(ctx context.Context, resolver AnnotationResolver, m storage.Message) (string, bool, error) {
	content := strings.TrimSpace(m.Content)
	if len(m.StructuredContent) > 0 {
		return summarizeBag(m.StructuredContent), true, nil
	}
	if content == "" || content == AnnotationPending {
		return "", false, nil
	}

	ids := splitIDs(content)
	var found []storage.Annotation
	if resolver != nil && len(ids) > 0 {
		var err error
		found, err = resolver.GetAnnotations(ctx, ids)
		if err != nil {
			return "", false, fmt.Errorf("resolve annotations: %w", err)
		}
	}
	if len(found) == 0 {
		return NoAnnotations, true, nil
	}

	var b strings.Builder
	b.WriteString("Annotations created:")
	for _, a := range found {
		b.WriteString("\n- ")
		b.WriteString(fmt.Sprintf("%q", a.Exact))
		if a.Prefix != "" || a.Suffix != "" {
			b.WriteString(fmt.Sprintf(" (after %q, before %q)", a.Prefix, a.Suffix))
		}
		if a.Source != "" {
			b.WriteString(" in ")
			b.WriteString(a.Source)
		}
	}
	return b.String(), true, nil
}

func splitIDs(content string) []string {
	parts := strings.Split(content, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

var bagFields = []string{"status", "reason", "elapsed_time", "prompt", "source", "input"}

func summarizeBag(bag map[string]any) string {
	parts := make([]string, 0, len(bag))
	for _, k := range bagFields {
		if v, ok := bag[k]; ok && v != nil && fmt.Sprint(v) != "" {
			parts = append(parts, fmt.Sprintf("%s: %v", k, v))
		}
	}
	extra := make([]string, 0)
	for k, v := range bag {
		if !isBagField(k) {
			extra = append(extra, fmt.Sprintf("%s: %v", k, v))
		}
	}
	sort.Strings(extra)
	parts = append(parts, extra...)
	if len(parts) == 0 {
		return NoAnnotations
	}
	return "Annotation request (" + strings.Join(parts, ", ") + ")"
}

func isBagField(k string) bool {
	for _, f := range bagFields {
		if f == k {
			return true
		}
	}
	return false
}
