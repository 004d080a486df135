package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"roomcast/internal/protocol"
	"roomcast/internal/providers"
	"roomcast/internal/storage"
)

var filePlaceholder = regexp.MustCompile(`<<file:([0-9a-fA-F-]{36})>>`)

type FileStore interface {
	GetUserFile(ctx context.Context, id uuid.UUID) (storage.UserFile, error)
	UpdateUserFileContent(ctx context.Context, id uuid.UUID, content, optimized string, now time.Time) error
}

// FileFetcher downloads the current raw content of a file.
type FileFetcher interface {
	Fetch(ctx context.Context, f storage.UserFile) (string, error)
}

// Optimizer condenses raw file content for use in a prompt.
type Optimizer interface {
	Optimize(ctx context.Context, content string) (string, error)
}

// FramePublisher delivers frames to a topic locally and over the bus.
type FramePublisher interface {
	Publish(ctx context.Context, topic string, sender int64, skipSender bool, frame any) error
}

// ErrFileTooLarge is returned when a source exceeds HTTPFetcher.MaxSize.
var ErrFileTooLarge = errors.New("file exceeds size limit")

const defaultMaxFileSize = 8 << 20

// HTTPFetcher fetches a file from its source URL.
type HTTPFetcher struct {
	Client  *http.Client
	MaxSize int64
}

func (f HTTPFetcher) Fetch(ctx context.Context, file storage.UserFile) (string, error) {
	if strings.TrimSpace(file.SourceURL) == "" {
		return file.Content, nil
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	limit := f.MaxSize
	if limit <= 0 {
		limit = defaultMaxFileSize
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.SourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch file: status %d", resp.StatusCode)
	}
	if resp.ContentLength > limit {
		return "", fmt.Errorf("fetch file: %w: %d > %d bytes", ErrFileTooLarge, resp.ContentLength, limit)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if int64(len(body)) > limit {
		return "", fmt.Errorf("fetch file: %w: more than %d bytes", ErrFileTooLarge, limit)
	}
	return string(body), nil
}

// ProviderOptimizer asks the LLM provider for a condensed rendition.
type ProviderOptimizer struct {
	Provider providers.Provider
	Model    string
}

const optimizePrompt = "Rewrite the following document as compact plain text. Keep every fact, number and name; drop formatting and repetition."

func (o ProviderOptimizer) Optimize(ctx context.Context, content string) (string, error) {
	resp, err := o.Provider.Chat(ctx, providers.ChatRequest{
		Model: o.Model,
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: optimizePrompt},
			{Role: providers.RoleUser, Content: content},
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// FileResolver substitutes <<file:UUID>> placeholders with the optimized
// content of the file, refreshing it when the source changed.
type FileResolver struct {
	store     FileStore
	fetcher   FileFetcher
	optimizer Optimizer
	publisher FramePublisher
	logger    zerolog.Logger
	now       func() time.Time
	group     singleflight.Group
}

type FileResolverConfig struct {
	Store     FileStore
	Fetcher   FileFetcher
	Optimizer Optimizer
	Publisher FramePublisher
	Logger    zerolog.Logger
	Now       func() time.Time
}

func NewFileResolver(cfg FileResolverConfig) *FileResolver {
	if cfg.Fetcher == nil {
		cfg.Fetcher = HTTPFetcher{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &FileResolver{
		store:     cfg.Store,
		fetcher:   cfg.Fetcher,
		optimizer: cfg.Optimizer,
		publisher: cfg.Publisher,
		logger:    cfg.Logger.With().Str("component", "files").Logger(),
		now:       cfg.Now,
	}
}

type resolvedFile struct {
	file    storage.UserFile
	text    string
	updated bool
}

// Expand replaces every placeholder of text. Unknown files keep their
// placeholder.
func (r *FileResolver) Expand(ctx context.Context, roomID uuid.UUID, text string) (string, error) {
	matches := filePlaceholder.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, nil
	}
	replacements := make(map[string]string, len(matches))
	for _, m := range matches {
		if _, done := replacements[m[0]]; done {
			continue
		}
		id, err := uuid.Parse(m[1])
		if err != nil {
			continue
		}
		res, err := r.resolve(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn().Str("file_id", id.String()).Msg("referenced file does not exist")
			continue
		}
		if err != nil {
			return "", err
		}
		if res.updated && r.publisher != nil {
			frame := protocol.UserFileUpdatedFrame{Type: protocol.TypeUserFileUpdated, ID: res.file.ID.String(), Name: res.file.Name}
			if err := r.publisher.Publish(ctx, protocol.RoomTopic(roomID), 0, false, frame); err != nil {
				r.logger.Warn().Err(err).Msg("publish user_file_updated")
			}
		}
		replacements[m[0]] = res.text
	}
	return filePlaceholder.ReplaceAllStringFunc(text, func(ph string) string {
		if v, ok := replacements[ph]; ok {
			return v
		}
		return ph
	}), nil
}

func (r *FileResolver) resolve(ctx context.Context, id uuid.UUID) (resolvedFile, error) {
	v, err, _ := r.group.Do(id.String(), func() (any, error) {
		f, err := r.store.GetUserFile(ctx, id)
		if err != nil {
			return resolvedFile{}, err
		}
		raw, err := r.fetcher.Fetch(ctx, f)
		if err != nil {
			r.logger.Warn().Err(err).Str("file_id", id.String()).Msg("fetch failed, using stored content")
			return resolvedFile{file: f, text: storedText(f)}, nil
		}
		if raw == f.Content && f.OptimizedContent != "" {
			return resolvedFile{file: f, text: f.OptimizedContent}, nil
		}

		optimized := raw
		if r.optimizer != nil {
			optimized, err = r.optimizer.Optimize(ctx, raw)
			if err != nil {
				return resolvedFile{}, fmt.Errorf("optimize file %s: %w", id, err)
			}
		}
		if err := r.store.UpdateUserFileContent(ctx, id, raw, optimized, r.now()); err != nil {
			return resolvedFile{}, fmt.Errorf("store optimized file: %w", err)
		}
		f.Content, f.OptimizedContent = raw, optimized
		r.logger.Info().Str("file_id", id.String()).Msg("file content refreshed")
		return resolvedFile{file: f, text: optimized, updated: true}, nil
	})
	if err != nil {
		return resolvedFile{}, err
	}
	return v.(resolvedFile), nil
}

func storedText(f storage.UserFile) string {
	if f.OptimizedContent != "" {
		return f.OptimizedContent
	}
	return f.Content
}
