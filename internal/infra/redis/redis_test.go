package redis

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"contest-live-service/internal/domain"
	"contest-live-service/internal/infra/memory"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func TestContestRepositoryCachesInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := newClient(mr)

	loader := &countingLoader{
		ContestLoader: memory.NewStaticContestLoader(map[string]domain.Contest{
			"quiz-1": sampleQuiz(),
		}),
	}
	repo := NewContestRepository(client, loader, time.Minute)

	got, err := repo.GetContest(context.Background(), "quiz-1")
	if err != nil {
		t.Fatalf("get contest: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected loader called once, got %d", loader.calls.Load())
	}
	if !mr.Exists("contest:quiz-1") {
		t.Fatalf("expected contest cached in redis")
	}
	if ttl := mr.TTL("contest:quiz-1"); ttl < time.Minute || ttl > time.Minute+6*time.Second {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	// Second call should hit cache, loader not incremented.
	cached, err := repo.GetContest(context.Background(), "quiz-1")
	if err != nil {
		t.Fatalf("get cached contest: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected cache hit, loader calls=%d", loader.calls.Load())
	}
	if cached.Questions[0].CorrectOption != got.Questions[0].CorrectOption || !cached.Questions[0].MaxMarks.Equal(got.Questions[0].MaxMarks) {
		t.Fatalf("cached contest differs: %+v vs %+v", cached, got)
	}

	if err := repo.Invalidate(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	_, _ = repo.GetContest(context.Background(), "quiz-1")
	if loader.calls.Load() != 2 {
		t.Fatalf("expected reload after invalidate, loader calls=%d", loader.calls.Load())
	}
}

func TestContestRepositoryFallsBackWhenRedisIsDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	client := newClient(mr)
	mr.Close()

	loader := &countingLoader{
		ContestLoader: memory.NewStaticContestLoader(map[string]domain.Contest{"quiz-1": sampleQuiz()}),
	}
	repo := NewContestRepository(client, loader, time.Minute)
	if _, err := repo.GetContest(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("expected loader fallback, got %v", err)
	}
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()
	store := NewSnapshotStore(newClient(mr))
	ctx := context.Background()

	if _, ok, err := store.LoadSnapshot(ctx, "c1"); ok || err != nil {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}

	snap := domain.RankingSnapshot{
		ContestID: "c1",
		Version:   4,
		Entries: []domain.RankingEntry{
			{UserID: "b", Marks: domain.Marks{0: decimal.NewFromInt(10), 1: decimal.RequireFromString("2.5")}, TotalMarks: decimal.RequireFromString("12.5"), Rank: 1},
			{UserID: "a", Marks: domain.Marks{0: decimal.NewFromInt(3)}, TotalMarks: decimal.NewFromInt(3), Rank: 2},
		},
		Participants: []domain.Participant{{UserID: "a"}, {UserID: "b"}},
	}
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	stale := snap
	stale.Version = 3
	stale.Entries = nil
	if err := store.SaveSnapshot(ctx, stale); err != nil {
		t.Fatalf("save stale: %v", err)
	}

	got, ok, err := store.LoadSnapshot(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Version != 4 || len(got.Entries) != 2 {
		t.Fatalf("expected version 4 with 2 entries, got %+v", got)
	}
	if !got.Entries[0].Marks[1].Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("marks not restored: %+v", got.Entries[0].Marks)
	}

	// The sorted set is for readers outside this service.
	top, err := newClient(mr).ZRevRange(ctx, leaderboardKey("c1"), 0, 9).Result()
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(top) != 2 || top[0] != "b" {
		t.Fatalf("unexpected leaderboard %v", top)
	}
}

type countingLoader struct {
	memory.ContestLoader
	calls atomic.Int32
}

func (l *countingLoader) LoadContest(ctx context.Context, contestID string) (domain.Contest, error) {
	l.calls.Add(1)
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
				Options:       []string{"3", "4"},
				CorrectOption: "4",
			},
		},
		StartTime: 1_700_000_000,
		EndTime:   1_700_003_600,
	}
}

func newClient(mr *miniredis.Miniredis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
}
