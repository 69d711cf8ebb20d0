package ranking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"contest-live-service/internal/domain"
	"contest-live-service/internal/metrics"
)

// Persister saves and restores ranking snapshots. The in-memory board stays
// authoritative; a persister only ever sees copies.
type Persister interface {
	SaveSnapshot(ctx context.Context, snap domain.RankingSnapshot) error
	LoadSnapshot(ctx context.Context, contestID string) (domain.RankingSnapshot, bool, error)
}

// AsyncWriter persists snapshots off the request path. Pending snapshots
// are coalesced per contest so only the newest version is written.
type AsyncWriter struct {
	persister Persister
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]domain.RankingSnapshot
	signal  chan struct{}
}

func NewAsyncWriter(p Persister, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *AsyncWriter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncWriter{
		persister: p,
		timeout:   timeout,
		metrics:   m,
		logger:    logger,
		pending:   make(map[string]domain.RankingSnapshot),
		signal:    make(chan struct{}, 1),
	}
}

// Enqueue schedules snap for writing. It never blocks.
func (w *AsyncWriter) Enqueue(snap domain.RankingSnapshot) {
	w.mu.Lock()
	if prev, ok := w.pending[snap.ContestID]; ok && prev.Version > snap.Version {
		w.mu.Unlock()
		return
	}
	w.pending[snap.ContestID] = snap
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Run writes pending snapshots until ctx is done, then flushes what is
// left with a fresh deadline.
func (w *AsyncWriter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), w.timeout)
			defer cancel()
			return w.Flush(flushCtx)
		case <-w.signal:
			_ = w.Flush(ctx)
		}
	}
}

// Flush writes every pending snapshot and returns the last error seen.
func (w *AsyncWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]domain.RankingSnapshot)
	w.mu.Unlock()

	var lastErr error
	for id, snap := range batch {
		saveCtx, cancel := context.WithTimeout(ctx, w.timeout)
		err := w.persister.SaveSnapshot(saveCtx, snap)
		cancel()
		if err != nil {
			lastErr = err
			w.metrics.PersistFailed()
			w.logger.Warn("failed to persist ranking snapshot", "contest_id", id, "version", snap.Version, "error", err)
			// Retried with the next write unless a newer snapshot arrived.
			w.mu.Lock()
			if _, ok := w.pending[id]; !ok {
				w.pending[id] = snap
			}
			w.mu.Unlock()
		}
	}
	return lastErr
}
