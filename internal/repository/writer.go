package repository

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/credential-broker/internal/domain"
	"github.com/felipepmaragno/credential-broker/internal/metrics"
)

const minDebounce = 50 * time.Millisecond

// SnapshotSource produces the state to persist.
type SnapshotSource interface {
	Snapshot() *domain.Snapshot
}

// Writer persists snapshots off the request path. Notify never blocks; bursts
// of notifications within the debounce window collapse into one write.
type Writer struct {
	store    SnapshotStore
	debounce time.Duration
	pending  chan struct{}

	// mu serializes writes so an older snapshot never lands after a newer one.
	mu sync.Mutex
}

func NewWriter(store SnapshotStore, debounce time.Duration) *Writer {
	if debounce < minDebounce {
		debounce = minDebounce
	}
	return &Writer{
		store:    store,
		debounce: debounce,
		pending:  make(chan struct{}, 1),
	}
}

func (w *Writer) Notify() {
	select {
	case w.pending <- struct{}{}:
	default:
	}
}

// Run writes snapshots from source until ctx is done. A failed write is
// retried after the next debounce window.
func (w *Writer) Run(ctx context.Context, source SnapshotSource) {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.pending:
		}

		timer.Reset(w.debounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// The snapshot taken below already covers anything notified meanwhile.
		select {
		case <-w.pending:
		default:
		}

		if err := w.Flush(ctx, source); err != nil {
			w.Notify()
		}
	}
}

// Flush writes the current snapshot immediately.
func (w *Writer) Flush(ctx context.Context, source SnapshotSource) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := source.Snapshot()
	start := time.Now()
	if err := w.store.Save(ctx, snap); err != nil {
		metrics.RecordPersistenceWrite("failure")
		slog.Error("failed to persist snapshot", "error", err)
		return err
	}

	metrics.RecordPersistenceWrite("success")
	slog.Debug("snapshot persisted",
		"pools", len(snap.Pools),
		"credentials", len(snap.Credentials),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
