package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"roomcast/internal/bus"
	"roomcast/internal/metrics"
	"roomcast/internal/presence"
	"roomcast/internal/protocol"
	"roomcast/internal/storage"
)

type fakePresence struct {
	mu     sync.Mutex
	users  map[uuid.UUID]map[int64]storage.User
	joins  int
	leaves int
}

func newFakePresence() *fakePresence {
	return &fakePresence{users: map[uuid.UUID]map[int64]storage.User{}}
}

func (p *fakePresence) Join(_ context.Context, room uuid.UUID, u protocol.Sender) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.users[room] == nil {
		p.users[room] = map[int64]storage.User{}
	}
	p.users[room][u.ID] = storage.User{ID: u.ID, Email: u.Email, Name: u.Name}
	p.joins++
	return nil
}

func (p *fakePresence) Leave(_ context.Context, room uuid.UUID, u protocol.Sender) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.users[room], u.ID)
	p.leaves++
	return nil
}

func (p *fakePresence) UsersInRoom(_ context.Context, room uuid.UUID) ([]storage.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]storage.User, 0)
	for _, u := range p.users[room] {
		out = append(out, u)
	}
	return out, nil
}

func newTestRegistry(t *testing.T, ctx context.Context, hub *bus.MemoryHub, node string, pres Presence) *Registry {
	t.Helper()
	b := hub.Connect(zerolog.Nop(), metrics.Global())
	go b.Run(ctx)
	r := NewRegistry(Config{Bus: b, NodeID: node, QueueSize: 1000, SlowConsumerLimit: 100, Logger: zerolog.Nop()})
	r.SetPresence(pres)
	go r.Run(ctx)
	return r
}

func nextFrame(t *testing.T, s *Sink) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("next frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode frame %s: %v", raw, err)
	}
	return m
}

func expectEmpty(t *testing.T, s *Sink) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if raw, err := s.Next(ctx); err == nil {
		t.Fatalf("unexpected frame %s", raw)
	}
}

func TestSinkDropsOldestAndForceCloses(t *testing.T) {
	s := NewSink(protocol.Sender{ID: 1}, uuid.New(), SinkOptions{QueueSize: 3, SlowConsumerLimit: 1})
	var slow int
	s.setOnSlow(func(*Sink) { slow++ })

	for i := 0; i < 4; i++ {
		if !s.Push([]byte{byte('a' + i)}) {
			t.Fatalf("push %d rejected", i)
		}
	}
	if s.Len() != 3 {
		t.Fatalf("expected queue bounded at 3, got %d", s.Len())
	}
	frame, err := s.Next(context.Background())
	if err != nil || string(frame) != "b" {
		t.Fatalf("expected oldest frame dropped, got %q %v", frame, err)
	}

	// One more drop within the window exceeds the limit of one.
	s.Push([]byte("e"))
	if s.Push([]byte("f")) {
		t.Fatalf("expected push to fail once the sink is force-closed")
	}
	if !s.Slow() || slow != 1 {
		t.Fatalf("expected slow sink callback once, slow=%v calls=%d", s.Slow(), slow)
	}
	if _, err := s.Next(context.Background()); err != ErrSinkClosed {
		t.Fatalf("expected ErrSinkClosed, got %v", err)
	}
}

func TestSinkDropWindowSlides(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSink(protocol.Sender{ID: 1}, uuid.New(), SinkOptions{QueueSize: 1, SlowConsumerLimit: 1, Now: func() time.Time { return now }})
	s.Push([]byte("a"))
	s.Push([]byte("b")) // drop 1
	now = now.Add(2 * time.Minute)
	s.Push([]byte("c")) // drop 2, first one left the window
	if s.Slow() {
		t.Fatalf("drops outside the window must not count")
	}
}

func TestAttachGreetsPeersAndAnnounces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pres := newFakePresence()
	r := newTestRegistry(t, ctx, bus.NewMemoryHub(), "n1", pres)
	room := uuid.New()

	alice := r.NewSink(protocol.Sender{ID: 1, Email: "a@x", Name: "Alice"}, room, false)
	bob := r.NewSink(protocol.Sender{ID: 2, Email: "b@x", Name: "Bob"}, room, false)
	if err := r.Attach(ctx, room, alice); err != nil {
		t.Fatalf("attach alice: %v", err)
	}
	expectEmpty(t, alice)

	if err := r.Attach(ctx, room, bob); err != nil {
		t.Fatalf("attach bob: %v", err)
	}
	greet := nextFrame(t, bob)
	if greet["type"] != protocol.TypeUserJoined || greet["user_email"] != "a@x" {
		t.Fatalf("expected bob greeted with alice, got %v", greet)
	}
	expectEmpty(t, bob)
	joined := nextFrame(t, alice)
	if joined["type"] != protocol.TypeUserJoined || joined["user_email"] != "b@x" {
		t.Fatalf("expected alice told about bob, got %v", joined)
	}

	// A second session of bob is not a new presence.
	bob2 := r.NewSink(protocol.Sender{ID: 2, Email: "b@x"}, room, true)
	if err := r.Attach(ctx, room, bob2); err != nil {
		t.Fatalf("attach bob2: %v", err)
	}
	if pres.joins != 2 {
		t.Fatalf("expected two presence joins, got %d", pres.joins)
	}
	if !r.KeepStreaming(room) {
		t.Fatalf("expected keep streaming from bob2")
	}

	r.Detach(ctx, room, bob)
	if pres.leaves != 0 || !r.HoldsUser(room, 2) {
		t.Fatalf("bob still has a session, leaves=%d", pres.leaves)
	}
	r.Detach(ctx, room, bob2)
	r.Detach(ctx, room, bob2)
	if pres.leaves != 1 || r.HoldsUser(room, 2) {
		t.Fatalf("expected exactly one leave, got %d", pres.leaves)
	}
	left := nextFrame(t, alice)
	if left["type"] != protocol.TypeUserLeft {
		t.Fatalf("expected user_left, got %v", left)
	}
	if pairs := r.LocalPairs(); len(pairs) != 1 || pairs[0].UserID != 1 {
		t.Fatalf("unexpected local pairs %+v", pairs)
	}
}

func TestPublishCrossesNodesWithoutEcho(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := bus.NewMemoryHub()
	r1 := newTestRegistry(t, ctx, hub, "n1", nil)
	r2 := newTestRegistry(t, ctx, hub, "n2", nil)
	room := uuid.New()

	a := r1.NewSink(protocol.Sender{ID: 1, Email: "a@x"}, room, false)
	b := r2.NewSink(protocol.Sender{ID: 2, Email: "b@x"}, room, false)
	_ = r1.Attach(ctx, room, a)
	_ = r2.Attach(ctx, room, b)
	time.Sleep(20 * time.Millisecond)
	drainSink(a)
	drainSink(b)

	for _, text := range []string{"one", "two", "three"} {
		if err := r1.Publish(ctx, protocol.RoomTopic(room), 1, false, protocol.UserMessage(protocol.Sender{ID: 1, Email: "a@x"}, text)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		if got := nextFrame(t, a)["message"]; got != want {
			t.Fatalf("local sink: expected %s, got %v", want, got)
		}
		if got := nextFrame(t, b)["message"]; got != want {
			t.Fatalf("remote sink: expected %s, got %v", want, got)
		}
	}
	expectEmpty(t, a)

	if err := r2.Publish(ctx, protocol.RoomTopic(room), 2, true, protocol.Typing("Bob")); err != nil {
		t.Fatalf("publish typing: %v", err)
	}
	if got := nextFrame(t, a)["type"]; got != protocol.TypeTyping {
		t.Fatalf("expected typing at peer, got %v", got)
	}
	expectEmpty(t, b)
}

func TestControlEnvelopeReachesOtherNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := bus.NewMemoryHub()
	r1 := newTestRegistry(t, ctx, hub, "n1", nil)
	r2 := newTestRegistry(t, ctx, hub, "n2", nil)
	room := uuid.New()

	got := make(chan protocol.Envelope, 1)
	r2.SetControlHandler(func(_ context.Context, id uuid.UUID, env protocol.Envelope) {
		if id == room {
			got <- env
		}
	})
	s := r2.NewSink(protocol.Sender{ID: 2}, room, false)
	_ = r2.Attach(ctx, room, s)
	time.Sleep(20 * time.Millisecond)

	if err := r1.PublishControl(ctx, room, 1, protocol.ControlStop); err != nil {
		t.Fatalf("publish control: %v", err)
	}
	select {
	case env := <-got:
		if env.Control != protocol.ControlStop || env.Sender != 1 {
			t.Fatalf("unexpected envelope %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("control envelope not delivered")
	}
	drainSink(s)
	expectEmpty(t, s)
}

func TestSlowConsumerIsForceDetached(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewMemory(zerolog.Nop(), metrics.Global())
	go b.Run(ctx)
	r := NewRegistry(Config{Bus: b, NodeID: "n1", QueueSize: 1000, SlowConsumerLimit: 0, Logger: zerolog.Nop()})
	room := uuid.New()

	emptied := make(chan struct{}, 1)
	r.SetEmptyHook(func(context.Context, uuid.UUID) { emptied <- struct{}{} })

	fast := r.NewSink(protocol.Sender{ID: 1}, room, false)
	paused := r.NewSink(protocol.Sender{ID: 2}, room, false)
	_ = r.Attach(ctx, room, fast)
	_ = r.Attach(ctx, room, paused)
	drainSink(fast)
	drainSink(paused)

	var received int
	for i := 0; i < 1001; i++ {
		_ = r.BroadcastLocal(room, protocol.BotChunk(protocol.Sender{ID: 1}, "x"))
		if _, err := fast.Next(ctx); err == nil {
			received++
		}
	}
	if received != 1001 {
		t.Fatalf("fast sink must receive every frame, got %d", received)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.HoldsUser(room, 2) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.HoldsUser(room, 2) || !paused.Slow() {
		t.Fatalf("expected paused sink force-detached")
	}
	if !r.HoldsUser(room, 1) {
		t.Fatalf("fast sink must stay attached")
	}
	select {
	case <-emptied:
		t.Fatalf("room is not empty")
	default:
	}
}

func drainSink(s *Sink) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := s.Next(ctx)
		cancel()
		if err != nil {
			return
		}
	}
}

func TestKeepStreamingRemembersDetachedSink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newTestRegistry(t, ctx, bus.NewMemoryHub(), "n1", nil)
	room := uuid.New()
	before := time.Now()

	keep := r.NewSink(protocol.Sender{ID: 1}, room, true)
	_ = r.Attach(ctx, room, keep)
	r.Detach(ctx, room, keep)

	if r.KeepStreaming(room) {
		t.Fatalf("no keep-streaming sink is attached any more")
	}
	if !r.KeepStreamingSince(room, before) {
		t.Fatalf("expected the detached keep-streaming sink to be remembered")
	}
	if r.KeepStreamingSince(room, time.Now().Add(time.Second)) {
		t.Fatalf("attach predates since and must not count")
	}
	if r.KeepStreamingSince(uuid.New(), before) {
		t.Fatalf("other rooms are unaffected")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPresenceSurvivesLeaveOnOneNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, err := storage.Open(ctx, "sqlite", storage.SQLiteDSN(filepath.Join(t.TempDir(), "presence.db")), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if err := store.UpsertUser(ctx, storage.User{ID: 1, Email: "a@x", Name: "Alice"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	room, err := store.CreateRoom(ctx, storage.Room{OwnerID: 1})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	hub := bus.NewMemoryHub()
	rA := newTestRegistry(t, ctx, hub, "node-a", nil)
	rB := newTestRegistry(t, ctx, hub, "node-b", nil)
	presA := presence.New(presence.Config{Store: store, Publisher: rA, Holder: rA, NodeID: "node-a", Logger: zerolog.Nop()})
	presB := presence.New(presence.Config{Store: store, Publisher: rB, Holder: rB, NodeID: "node-b", Logger: zerolog.Nop()})
	rA.SetPresence(presA)
	rB.SetPresence(presB)

	alice := protocol.Sender{ID: 1, Email: "a@x", Name: "Alice"}
	aliceIn := func(p *presence.Service) bool {
		users, err := p.UsersInRoom(ctx, room.ID)
		if err != nil {
			t.Fatalf("users in room: %v", err)
		}
		for _, u := range users {
			if u.ID == alice.ID {
				return true
			}
		}
		return false
	}

	onA := rA.NewSink(alice, room.ID, false)
	onB := rB.NewSink(alice, room.ID, false)
	_ = rA.Attach(ctx, room.ID, onA)
	_ = rB.Attach(ctx, room.ID, onB)

	// node-b refreshed the row last, so leaving node-a keeps it.
	rA.Detach(ctx, room.ID, onA)
	if !aliceIn(presB) {
		t.Fatalf("alice still has a session on node-b and must stay present")
	}

	// node-b owns the row when alice leaves there; node-a re-records her.
	onA = rA.NewSink(alice, room.ID, false)
	_ = rA.Attach(ctx, room.ID, onA)
	if failed := presB.Heartbeat(ctx, rB.LocalPairs()); failed != 0 {
		t.Fatalf("heartbeat failed %d writes", failed)
	}
	rB.Detach(ctx, room.ID, onB)
	waitFor(t, "node-a to re-record alice", func() bool { return aliceIn(presB) })

	rA.Detach(ctx, room.ID, onA)
	if aliceIn(presB) {
		t.Fatalf("alice left everywhere and must be gone")
	}
}
