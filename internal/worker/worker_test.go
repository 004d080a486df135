package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"roomcast/internal/queue"
)

type recordingReconciler struct {
	mu       sync.Mutex
	failures int
	calls    []queue.ReconcileJob
}

func (r *recordingReconciler) Reconcile(_ context.Context, job queue.ReconcileJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, job)
	if r.failures > 0 {
		r.failures--
		return errors.New("database unavailable")
	}
	return nil
}

func (r *recordingReconciler) snapshot() []queue.ReconcileJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]queue.ReconcileJob(nil), r.calls...)
}

func newTestQueue(t *testing.T) *queue.StreamQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return queue.NewStreamQueue(rdb, queue.ReconcileStream("roomcast", "node-a"), "reconcilers", "node-a", 50*time.Millisecond)
}

func waitCalls(t *testing.T, r *recordingReconciler, n int) []queue.ReconcileJob {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if calls := r.snapshot(); len(calls) >= n {
			return calls
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d reconcile calls, got %d", n, len(r.snapshot()))
	return nil
}

func TestWorkerRetriesThenAcks(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	rec := &recordingReconciler{failures: 1}
	w := New(Config{Queue: q, Reconciler: rec, MaxJobRetries: 2, Logger: zerolog.Nop()})
	done := make(chan struct{})
	go func() {
		_ = w.Start(ctx, 1)
		close(done)
	}()

	if _, err := q.Enqueue(ctx, queue.ReconcileJob{NodeID: "node-a", RoomID: "1c9f8a5e-7d7c-4f4e-9a43-2b1f4d1a0c11", UserID: 7, Reason: "join"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	calls := waitCalls(t, rec, 2)
	if calls[0].Attempts != 0 || calls[1].Attempts != 1 {
		t.Fatalf("expected attempt counter to advance, got %d then %d", calls[0].Attempts, calls[1].Attempts)
	}
	if calls[0].JobID == "" || calls[0].JobID != calls[1].JobID {
		t.Fatalf("retry must keep the job id")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := q.Len(ctx)
		if err != nil {
			t.Fatalf("len: %v", err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected stream drained, %d entries left", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestWorkerDropsAfterMaxRetries(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	rec := &recordingReconciler{failures: 10}
	w := New(Config{Queue: q, Reconciler: rec, MaxJobRetries: 1, Logger: zerolog.Nop()})
	go func() { _ = w.Start(ctx, 2) }()

	if _, err := q.Enqueue(ctx, queue.ReconcileJob{NodeID: "node-a", RoomID: "1c9f8a5e-7d7c-4f4e-9a43-2b1f4d1a0c11", UserID: 7, Reason: "leave"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitCalls(t, rec, 2)
	time.Sleep(200 * time.Millisecond)
	if got := len(rec.snapshot()); got != 2 {
		t.Fatalf("expected exactly two attempts, got %d", got)
	}
}

func TestWorkerResumesPendingJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if _, err := q.Enqueue(ctx, queue.ReconcileJob{NodeID: "node-a", RoomID: "1c9f8a5e-7d7c-4f4e-9a43-2b1f4d1a0c11", UserID: 9, Reason: "join"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Taken by a previous run that stopped before acking.
	if msgs, err := q.Read(ctx, 1); err != nil || len(msgs) != 1 {
		t.Fatalf("read: %v %+v", err, msgs)
	}

	rec := &recordingReconciler{}
	w := New(Config{Queue: q, Reconciler: rec, Logger: zerolog.Nop()})
	go func() { _ = w.Start(ctx, 1) }()

	calls := waitCalls(t, rec, 1)
	if calls[0].UserID != 9 {
		t.Fatalf("unexpected job %+v", calls[0])
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := q.Len(ctx)
		if err != nil {
			t.Fatalf("len: %v", err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected resumed job acked, %d entries left", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
