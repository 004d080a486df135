package storage

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser       Role = "USER"
	RoleAssistant  Role = "ASSISTANT"
	RoleAnnotation Role = "ANNOTATION"
)

type Visibility string

const (
	VisibilityPrivate      Visibility = "PRIVATE"
	VisibilityOrganization Visibility = "ORGANIZATION"
)

type UsageType string

const (
	UsagePrompt     UsageType = "PROMPT"
	UsageCompletion UsageType = "COMPLETION"
)

// DefaultRoomName is the name a room carries until a title is generated.
const DefaultRoomName = "New Chat"

type User struct {
	ID      int64
	Email   string
	Name    string
	Picture string
	IsAdmin bool
}

type Room struct {
	ID             uuid.UUID
	Name           string
	OwnerID        int64
	Visibility     Visibility
	Share          bool
	OrganizationID *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasDefaultName reports whether the room still awaits a generated title.
func (r Room) HasDefaultName() bool {
	return r.Name == "" || r.Name == DefaultRoomName
}

// RoomListing is a room as seen in a user's room list.
type RoomListing struct {
	Room
	ActiveUsers int
	UserPresent bool
}

type TokenUsage struct {
	ID        int64
	MessageID uuid.UUID
	Type      UsageType
	Count     int64
	Value     float64
	CreatedAt time.Time
}

type Message struct {
	ID                uuid.UUID
	RoomID            uuid.UUID
	Role              Role
	UserID            *int64
	Content           string
	StructuredContent map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ElapsedTime       float64
	Usage             TokenUsage
}

type Presence struct {
	RoomID    uuid.UUID
	UserID    int64
	NodeID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type UserFile struct {
	ID               uuid.UUID
	UserID           int64
	Name             string
	SourceURL        string
	Content          string
	OptimizedContent string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Annotation struct {
	ID     string
	Exact  string
	Prefix string
	Suffix string
	Source string
}

// UsageTotals are room-level sums over token usage rows.
type UsageTotals struct {
	PromptCount     int64
	CompletionCount int64
	PromptValue     float64
	CompletionValue float64
}

func (t UsageTotals) TotalCount() int64 {
	return t.PromptCount + t.CompletionCount
}

func (t UsageTotals) TotalValue() float64 {
	return t.PromptValue + t.CompletionValue
}
