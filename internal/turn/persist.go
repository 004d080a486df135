package turn

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"roomcast/internal/storage"
)

type progressStore interface {
	UpdateMessageProgress(ctx context.Context, m storage.Message) error
}

// progressWriter persists streaming progress off the tee loop. Only the most
// recent snapshot is kept; a write that fails is superseded by the next one.
type progressWriter struct {
	store  progressStore
	logger zerolog.Logger

	mu      sync.Mutex
	pending *storage.Message

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newProgressWriter(ctx context.Context, store progressStore, logger zerolog.Logger) *progressWriter {
	w := &progressWriter{
		store:  store,
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.run(ctx)
	return w
}

func (w *progressWriter) Update(m storage.Message) {
	w.mu.Lock()
	w.pending = &m
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *progressWriter) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-w.wake:
		}
		w.mu.Lock()
		m := w.pending
		w.pending = nil
		w.mu.Unlock()
		if m == nil {
			continue
		}
		err := storage.Retry(ctx, storage.DefaultWriteAttempts, func(ctx context.Context) error {
			return w.store.UpdateMessageProgress(ctx, *m)
		})
		if err != nil {
			w.logger.Warn().Err(err).Str("message_id", m.ID.String()).Msg("persist progress")
		}
	}
}

// Close stops the writer after any in-flight write. Pending snapshots are
// discarded; the caller writes the final state itself.
func (w *progressWriter) Close() {
	close(w.stop)
	<-w.done
}
