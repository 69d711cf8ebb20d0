package ranking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"contest-live-service/internal/domain"
	"github.com/stretchr/testify/require"
)

type recordingPersister struct {
	mu    sync.Mutex
	saved map[string][]uint64
	fail  bool
}

func (p *recordingPersister) SaveSnapshot(_ context.Context, snap domain.RankingSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("down")
	}
	if p.saved == nil {
		p.saved = map[string][]uint64{}
	}
	p.saved[snap.ContestID] = append(p.saved[snap.ContestID], snap.Version)
	return nil
}

func (p *recordingPersister) LoadSnapshot(context.Context, string) (domain.RankingSnapshot, bool, error) {
	return domain.RankingSnapshot{}, false, nil
}

func (p *recordingPersister) versions(id string) []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint64(nil), p.saved[id]...)
}

func TestAsyncWriterCoalesces(t *testing.T) {
	p := &recordingPersister{}
	w := NewAsyncWriter(p, time.Second, nil, nil)

	w.Enqueue(domain.RankingSnapshot{ContestID: "c1", Version: 1})
	w.Enqueue(domain.RankingSnapshot{ContestID: "c1", Version: 3})
	w.Enqueue(domain.RankingSnapshot{ContestID: "c1", Version: 2})
	w.Enqueue(domain.RankingSnapshot{ContestID: "c2", Version: 1})

	require.NoError(t, w.Flush(context.Background()))
	require.Equal(t, []uint64{3}, p.versions("c1"))
	require.Equal(t, []uint64{1}, p.versions("c2"))
}

func TestAsyncWriterRunFlushesOnStop(t *testing.T) {
	p := &recordingPersister{}
	w := NewAsyncWriter(p, time.Second, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.Enqueue(domain.RankingSnapshot{ContestID: "c1", Version: 5})
	require.Eventually(t, func() bool { return len(p.versions("c1")) == 1 }, time.Second, 5*time.Millisecond)

	w.Enqueue(domain.RankingSnapshot{ContestID: "c1", Version: 6})
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, uint64(6), p.versions("c1")[len(p.versions("c1"))-1])
}

func TestAsyncWriterKeepsFailedSnapshot(t *testing.T) {
	p := &recordingPersister{fail: true}
	w := NewAsyncWriter(p, time.Second, nil, nil)

	w.Enqueue(domain.RankingSnapshot{ContestID: "c1", Version: 1})
	require.Error(t, w.Flush(context.Background()))

	p.mu.Lock()
	p.fail = false
	p.mu.Unlock()
	require.NoError(t, w.Flush(context.Background()))
	require.Equal(t, []uint64{1}, p.versions("c1"))
}
