// Package protocol defines the JSON frames exchanged with clients and the
// envelope that carries them across the bus.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client -> server frame types.
const (
	InMessage    = "message"
	InUserTyping = "user_typing"
	InStop       = "stop"
)

// Server -> client frame types.
const (
	TypeMessage         = "message"
	TypeUserJoined      = "user_joined"
	TypeUserLeft        = "user_left"
	TypeTyping          = "typing"
	TypeBotFinished     = "bot_message_creation_finished"
	TypeAPIInfo         = "api_info"
	TypeAnnotation      = "annotation"
	TypeRoomChanged     = "room_changed"
	TypeUserFileUpdated = "user_file_updated"
	TypeError           = "error"
)

const (
	CreatedByUser = "user"
	CreatedByBot  = "bot"

	DirectionSent = "sent"
	DirectionRecd = "recd"
)

// PresenceTopic carries global room_changed, user_joined and user_left frames.
const PresenceTopic = "presence"

const roomTopicPrefix = "room:"

func RoomTopic(roomID uuid.UUID) string {
	return roomTopicPrefix + roomID.String()
}

// ParseRoomTopic returns the room id of a room topic.
func ParseRoomTopic(topic string) (uuid.UUID, bool) {
	raw, ok := strings.CutPrefix(topic, roomTopicPrefix)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Sender identifies the user a frame is attributed to.
type Sender struct {
	ID      int64
	Email   string
	Name    string
	Picture string
}

// Client frame types.
const (
	InboundMessage = "message"
	InboundTyping  = "user_typing"
	InboundStop    = "stop"
)

type Inbound struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type MessageFrame struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	SenderEmail   string `json:"sender_email"`
	CreatedBy     string `json:"created_by"`
	SenderPicture string `json:"sender_picture,omitempty"`
	SenderName    string `json:"sender_name,omitempty"`
}

type PresenceFrame struct {
	Type          string `json:"type"`
	UserEmail     string `json:"user_email"`
	UserName      string `json:"user_name"`
	SenderPicture string `json:"sender_picture,omitempty"`
	RoomID        string `json:"room_id,omitempty"`
}

type TypingFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type APIInfoFrame struct {
	Type      string `json:"type"`
	API       string `json:"api"`
	Date      string `json:"date"`
	Direction string `json:"direction"`
	Data      any    `json:"data"`
}

type AnnotationFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
}

type RoomChangedFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Source string `json:"source"`
}

type UserFileUpdatedFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ErrorFrame struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

func UserMessage(s Sender, text string) MessageFrame {
	return MessageFrame{
		Type:          TypeMessage,
		Message:       text,
		SenderEmail:   s.Email,
		CreatedBy:     CreatedByUser,
		SenderPicture: s.Picture,
		SenderName:    s.Name,
	}
}

// BotChunk carries one streamed delta attributed to the prompting user.
func BotChunk(s Sender, delta string) MessageFrame {
	return MessageFrame{
		Type:        TypeMessage,
		Message:     delta,
		SenderEmail: s.Email,
		CreatedBy:   CreatedByBot,
	}
}

func BotFinished(s Sender) MessageFrame {
	return MessageFrame{
		Type:        TypeBotFinished,
		Message:     "",
		SenderEmail: s.Email,
		CreatedBy:   CreatedByUser,
	}
}

func UserJoined(s Sender, roomID uuid.UUID) PresenceFrame {
	return PresenceFrame{Type: TypeUserJoined, UserEmail: s.Email, UserName: s.Name, SenderPicture: s.Picture, RoomID: roomID.String()}
}

func UserLeft(s Sender, roomID uuid.UUID) PresenceFrame {
	return PresenceFrame{Type: TypeUserLeft, UserEmail: s.Email, UserName: s.Name, SenderPicture: s.Picture, RoomID: roomID.String()}
}

func Typing(displayName string) TypingFrame {
	return TypingFrame{Type: TypeTyping, Content: displayName}
}

func APIInfo(api, direction string, at time.Time, data any) APIInfoFrame {
	return APIInfoFrame{Type: TypeAPIInfo, API: api, Date: at.UTC().Format(time.RFC3339Nano), Direction: direction, Data: data}
}

func RoomChanged(roomID uuid.UUID, source string) RoomChangedFrame {
	return RoomChangedFrame{Type: TypeRoomChanged, ID: roomID.String(), Source: source}
}

func Error(code, msg string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Error: msg}
}

// Envelope is the bus payload. Frame is delivered to client sinks verbatim;
// Control carries process-level commands and is never forwarded to clients.
type Envelope struct {
	Origin     string          `json:"origin"`
	Sender     int64           `json:"sender,omitempty"`
	SkipSender bool            `json:"skip_sender,omitempty"`
	Control    string          `json:"control,omitempty"`
	Room       string          `json:"room,omitempty"`
	Frame      json.RawMessage `json:"frame,omitempty"`
}

// ControlTopic carries control envelopes to every process regardless of
// which room topics it is subscribed to.
const ControlTopic = "control"

const (
	ControlStop = "stop"
	// ControlRoomEmpty tells the owner of a room's turn that the last session
	// left on another process.
	ControlRoomEmpty = "room_empty"
	// ControlPresenceRefresh asks processes still holding Sender in Room to
	// re-record its presence row.
	ControlPresenceRefresh = "presence_refresh"
)

// NewEnvelope encodes frame into an envelope attributed to sender.
func NewEnvelope(sender int64, frame any) (Envelope, error) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal frame: %w", err)
	}
	return Envelope{Sender: sender, Frame: raw}, nil
}

func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

func DecodeEnvelope(payload []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return e, nil
}

// FrameType peeks at the type discriminator of an encoded frame.
func FrameType(raw []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.Type
}
