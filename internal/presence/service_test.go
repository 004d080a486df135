package presence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"roomcast/internal/protocol"
	"roomcast/internal/queue"
	"roomcast/internal/storage"
)

type published struct {
	topic string
	frame any
}

type fakePublisher struct {
	mu       sync.Mutex
	frames   []published
	controls []control
}

func (p *fakePublisher) Publish(_ context.Context, topic string, _ int64, _ bool, frame any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, published{topic: topic, frame: frame})
	return nil
}

type control struct {
	room   uuid.UUID
	sender int64
	kind   string
}

func (p *fakePublisher) PublishControl(_ context.Context, room uuid.UUID, sender int64, kind string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.controls = append(p.controls, control{room: room, sender: sender, kind: kind})
	return nil
}

type fakeHolder map[int64]bool

func (h fakeHolder) HoldsUser(_ uuid.UUID, userID int64) bool { return h[userID] }

type fakeQueue struct {
	jobs []queue.ReconcileJob
}

func (q *fakeQueue) Enqueue(_ context.Context, job queue.ReconcileJob) (string, error) {
	q.jobs = append(q.jobs, job)
	return "1-0", nil
}

// failingStore fails presence writes and delegates everything else.
type failingStore struct {
	*storage.Store
}

func (failingStore) UpsertPresence(context.Context, uuid.UUID, int64, string, time.Time) error {
	return errors.New("connection reset")
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), "sqlite", storage.SQLiteDSN(filepath.Join(t.TempDir(), "presence.db")), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRoom(t *testing.T, s *storage.Store, users ...int64) storage.Room {
	t.Helper()
	ctx := context.Background()
	for _, id := range users {
		if err := s.UpsertUser(ctx, storage.User{ID: id, Email: uuid.NewString() + "@example.com", Name: "user"}); err != nil {
			t.Fatalf("upsert user: %v", err)
		}
	}
	room, err := s.CreateRoom(ctx, storage.Room{OwnerID: users[0]})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func TestJoinRecordsAndAnnounces(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	room := seedRoom(t, store, 1)
	pub := &fakePublisher{}
	svc := New(Config{Store: store, Publisher: pub, NodeID: "node-a", Logger: zerolog.Nop()})

	if err := svc.Join(ctx, room.ID, protocol.Sender{ID: 1, Email: "a@x"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	users, err := svc.UsersInRoom(ctx, room.ID)
	if err != nil || len(users) != 1 || users[0].ID != 1 {
		t.Fatalf("expected user 1 present, got %+v %v", users, err)
	}
	if len(pub.frames) != 2 || pub.frames[0].topic != protocol.PresenceTopic {
		t.Fatalf("expected two presence frames, got %+v", pub.frames)
	}
	if rc, ok := pub.frames[1].frame.(protocol.RoomChangedFrame); !ok || rc.Source != "presence" || rc.ID != room.ID.String() {
		t.Fatalf("expected room_changed, got %+v", pub.frames[1].frame)
	}

	if err := svc.Leave(ctx, room.ID, protocol.Sender{ID: 1}); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if n, _ := store.CountPresence(ctx, room.ID); n != 0 {
		t.Fatalf("expected row deleted, got %d", n)
	}
	if len(pub.controls) != 1 || pub.controls[0].kind != protocol.ControlPresenceRefresh || pub.controls[0].room != room.ID {
		t.Fatalf("expected a presence refresh request, got %+v", pub.controls)
	}
}

func TestLeaveKeepsRowRefreshedByAnotherNode(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	room := seedRoom(t, store, 1)
	pubA, pubB := &fakePublisher{}, &fakePublisher{}
	svcA := New(Config{Store: store, Publisher: pubA, NodeID: "node-a", Logger: zerolog.Nop()})
	svcB := New(Config{Store: store, Publisher: pubB, NodeID: "node-b", Logger: zerolog.Nop()})

	alice := protocol.Sender{ID: 1}
	_ = svcA.Join(ctx, room.ID, alice)
	_ = svcB.Join(ctx, room.ID, alice)
	framesBefore := len(pubA.frames)

	if err := svcA.Leave(ctx, room.ID, alice); err != nil {
		t.Fatalf("leave: %v", err)
	}
	users, err := svcB.UsersInRoom(ctx, room.ID)
	if err != nil || len(users) != 1 || users[0].ID != 1 {
		t.Fatalf("expected alice still present via node-b, got %+v %v", users, err)
	}
	if len(pubA.frames) != framesBefore || len(pubA.controls) != 0 {
		t.Fatalf("leave of a row owned elsewhere must stay silent, got %+v %+v", pubA.frames[framesBefore:], pubA.controls)
	}
}

func TestJoinVanishedRoomIsNotAnError(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	room := seedRoom(t, store, 1)
	if err := store.DeleteRoom(ctx, room.ID); err != nil {
		t.Fatalf("delete room: %v", err)
	}
	q := &fakeQueue{}
	svc := New(Config{Store: store, Queue: q, NodeID: "node-a", Logger: zerolog.Nop()})
	if err := svc.Join(ctx, room.ID, protocol.Sender{ID: 1}); err != nil {
		t.Fatalf("expected vanished room swallowed, got %v", err)
	}
	if len(q.jobs) != 0 {
		t.Fatalf("no reconcile expected for a vanished room")
	}
}

func TestFailedJoinSchedulesReconcile(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	room := seedRoom(t, store, 1)
	q := &fakeQueue{}
	svc := New(Config{Store: failingStore{store}, Queue: q, NodeID: "node-a", Logger: zerolog.Nop()})

	if err := svc.Join(ctx, room.ID, protocol.Sender{ID: 1}); err == nil {
		t.Fatalf("expected join error")
	}
	if len(q.jobs) != 1 || q.jobs[0].RoomID != room.ID.String() || q.jobs[0].UserID != 1 || q.jobs[0].NodeID != "node-a" {
		t.Fatalf("unexpected reconcile jobs %+v", q.jobs)
	}
}

func TestStaleRowsClearedOnRead(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	room := seedRoom(t, store, 1, 2, 3)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	started := now.Add(-10 * time.Second)

	// Fresh row of another node, stale row of another node, and a row this
	// node wrote before it restarted.
	_ = store.UpsertPresence(ctx, room.ID, 1, "node-b", now.Add(-5*time.Second))
	_ = store.UpsertPresence(ctx, room.ID, 2, "node-b", now.Add(-time.Minute))
	_ = store.UpsertPresence(ctx, room.ID, 3, "node-a", now.Add(-20*time.Second))

	svc := New(Config{Store: store, NodeID: "node-a", StartedAt: started, Heartbeat: 15 * time.Second, Logger: zerolog.Nop(), Now: func() time.Time { return now }})
	users, err := svc.UsersInRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("users in room: %v", err)
	}
	if len(users) != 1 || users[0].ID != 1 {
		t.Fatalf("expected only user 1, got %+v", users)
	}
}

func TestHeartbeatAndReconcile(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	room := seedRoom(t, store, 1, 2)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc := New(Config{Store: store, Holder: fakeHolder{1: true}, NodeID: "node-a", Logger: zerolog.Nop(), Now: func() time.Time { return now }})

	if failed := svc.Heartbeat(ctx, []Pair{{RoomID: room.ID, UserID: 1}, {RoomID: uuid.New(), UserID: 1}}); failed != 0 {
		t.Fatalf("heartbeat failures: %d", failed)
	}
	rows, _ := store.ListPresence(ctx, room.ID)
	if len(rows) != 1 || !rows[0].UpdatedAt.Equal(now) {
		t.Fatalf("expected refreshed row, got %+v", rows)
	}

	_ = store.UpsertPresence(ctx, room.ID, 2, "node-a", now)
	if err := svc.Reconcile(ctx, queue.ReconcileJob{RoomID: room.ID.String(), UserID: 2}); err != nil {
		t.Fatalf("reconcile leave: %v", err)
	}
	_, _ = store.DeletePresence(ctx, room.ID, 1, "")
	if err := svc.Reconcile(ctx, queue.ReconcileJob{RoomID: room.ID.String(), UserID: 1}); err != nil {
		t.Fatalf("reconcile join: %v", err)
	}
	rows, _ = store.ListPresence(ctx, room.ID)
	if len(rows) != 1 || rows[0].UserID != 1 {
		t.Fatalf("expected only held user present, got %+v", rows)
	}

	if err := svc.Reconcile(ctx, queue.ReconcileJob{RoomID: "not-a-uuid", UserID: 1}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSweepClearsEveryRoom(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	first := seedRoom(t, store, 1, 2)
	second, err := store.CreateRoom(ctx, storage.Room{OwnerID: 1})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	_ = store.UpsertPresence(ctx, first.ID, 1, "node-b", now.Add(-time.Minute))
	_ = store.UpsertPresence(ctx, first.ID, 2, "node-b", now.Add(-2*time.Minute))
	_ = store.UpsertPresence(ctx, second.ID, 1, "node-c", now.Add(-time.Second))

	pub := &fakePublisher{}
	svc := New(Config{Store: store, Publisher: pub, NodeID: "sweeper", Heartbeat: 15 * time.Second, Logger: zerolog.Nop(), Now: func() time.Time { return now }})
	n, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one swept room, got %d", n)
	}
	if c, _ := store.CountPresence(ctx, first.ID); c != 0 {
		t.Fatalf("expected stale rows gone, got %d", c)
	}
	if c, _ := store.CountPresence(ctx, second.ID); c != 1 {
		t.Fatalf("expected fresh row kept, got %d", c)
	}
	if len(pub.frames) != 1 {
		t.Fatalf("expected one room_changed, got %+v", pub.frames)
	}
	if rc, ok := pub.frames[0].frame.(protocol.RoomChangedFrame); !ok || rc.ID != first.ID.String() {
		t.Fatalf("unexpected frame %+v", pub.frames[0].frame)
	}
}
