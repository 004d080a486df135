package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestRoomTopicRoundTrip(t *testing.T) {
	id := uuid.New()
	topic := RoomTopic(id)
	if topic != "room:"+id.String() {
		t.Fatalf("unexpected topic %q", topic)
	}
	got, ok := ParseRoomTopic(topic)
	if !ok || got != id {
		t.Fatalf("parse room topic: got %v ok=%v", got, ok)
	}
	if _, ok := ParseRoomTopic(PresenceTopic); ok {
		t.Fatalf("presence topic must not parse as a room topic")
	}
}

func TestBotFinishedKeepsEmptyMessage(t *testing.T) {
	b, err := json.Marshal(BotFinished(Sender{Email: "a@example.com"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := decoded["message"]; !ok || v != "" {
		t.Fatalf("expected empty message field, got %#v", decoded)
	}
	if decoded["created_by"] != CreatedByUser {
		t.Fatalf("expected created_by=user, got %#v", decoded["created_by"])
	}
}

func TestEnvelopeCarriesFrame(t *testing.T) {
	env, err := NewEnvelope(7, UserMessage(Sender{ID: 7, Email: "u@example.com", Name: "U"}, "hello"))
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	env.Origin = "node-a"
	payload, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Origin != "node-a" || back.Sender != 7 {
		t.Fatalf("unexpected envelope %+v", back)
	}
	if FrameType(back.Frame) != TypeMessage {
		t.Fatalf("expected message frame, got %q", FrameType(back.Frame))
	}
}
