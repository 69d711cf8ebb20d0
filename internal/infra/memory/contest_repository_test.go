package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"contest-live-service/internal/domain"
	"github.com/shopspring/decimal"
)

func TestContestRepositoryCaches(t *testing.T) {
	loader := &countingLoader{
		ContestLoader: NewStaticContestLoader(map[string]domain.Contest{
			"quiz-1": sampleQuiz(),
		}),
	}
	repo := NewContestRepository(loader, time.Minute)

	if _, err := repo.GetContest(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("get contest: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected loader once, got %d", loader.calls.Load())
	}

	if _, err := repo.GetContest(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("get contest 2: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected cache hit, loader calls %d", loader.calls.Load())
	}
}

func TestContestRepositoryExpires(t *testing.T) {
	loader := &countingLoader{
		ContestLoader: NewStaticContestLoader(map[string]domain.Contest{"quiz-1": sampleQuiz()}),
	}
	repo := NewContestRepository(loader, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	repo.clock = func() time.Time { return now }

	_, _ = repo.GetContest(context.Background(), "quiz-1")
	now = now.Add(2 * time.Minute)
	_, _ = repo.GetContest(context.Background(), "quiz-1")
	if loader.calls.Load() != 2 {
		t.Fatalf("expected reload after ttl, loader calls %d", loader.calls.Load())
	}
}

func TestContestRepositoryCollapsesConcurrentLoads(t *testing.T) {
	loader := &countingLoader{
		ContestLoader: NewStaticContestLoader(map[string]domain.Contest{"quiz-1": sampleQuiz()}),
		delay:         20 * time.Millisecond,
	}
	repo := NewContestRepository(loader, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.GetContest(context.Background(), "quiz-1"); err != nil {
				t.Errorf("get contest: %v", err)
			}
		}()
	}
	wg.Wait()
	if loader.calls.Load() != 1 {
		t.Fatalf("expected a single load, got %d", loader.calls.Load())
	}
}

func TestContestRepositoryNotFound(t *testing.T) {
	repo := NewContestRepository(NewStaticContestLoader(nil), time.Minute)
	_, err := repo.GetContest(context.Background(), "missing")
	if !errors.Is(err, domain.ErrContestNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type countingLoader struct {
	ContestLoader
	delay time.Duration
	calls atomic.Int32
}

func (l *countingLoader) LoadContest(ctx context.Context, contestID string) (domain.Contest, error) {
	l.calls.Add(1)
	time.Sleep(l.delay)
	return l.ContestLoader.LoadContest(ctx, contestID)
}

func sampleQuiz() domain.Contest {
	return domain.Contest{
		ID:   "quiz-1",
		Kind: domain.KindQuiz,
		Questions: []domain.Question{
			{
				Prompt:        "What is 2 + 2?",
				MaxMarks:      decimal.NewFromInt(1),
				Options:       []string{"3", "4", "5"},
				CorrectOption: "4",
			},
		},
		StartTime: 1_700_000_000,
		EndTime:   1_700_003_600,
	}
}
