package providers

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string
	Messages    []Message
	User        string
	MaxTokens   int
	Temperature float64
}

type ChatResponse struct {
	Text string
}

// Stream yields completion deltas. Recv returns io.EOF after the last delta.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Provider is an LLM backend. Errors returned by Stream itself happen before
// any delta was produced.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	Stream(ctx context.Context, req ChatRequest) (Stream, error)
}

// ErrStatus is returned for non-success provider HTTP statuses.
type ErrStatus struct {
	Code int
	Body string
}

func (e *ErrStatus) Error() string {
	msg := "provider status " + strconv.Itoa(e.Code)
	if b := strings.TrimSpace(e.Body); b != "" {
		msg += ": " + b
	}
	return msg
}

// Retryable reports whether a status is worth retrying.
func (e *ErrStatus) Retryable() bool {
	return e.Code >= 500 || e.Code == 429
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var se *ErrStatus
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}

// Collect drains s into a single string.
func Collect(s Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for {
		delta, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(delta)
	}
}

// SingleStream yields text as one delta.
func SingleStream(text string) Stream {
	return &singleStream{text: text}
}

type singleStream struct {
	text string
	done bool
}

func (s *singleStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	s.done = true
	return s.text, nil
}

func (s *singleStream) Close() error { return nil }
