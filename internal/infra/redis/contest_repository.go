package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"contest-live-service/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ContestLoader fetches contest content from a backing store.
type ContestLoader interface {
	LoadContest(ctx context.Context, contestID string) (domain.Contest, error)
}

// ContestRepository caches contests in Redis as JSON under contest:{id}
// and falls back to a loader on cache miss. Cache failures degrade to
// the loader instead of failing the request.
type ContestRepository struct {
	client *redis.Client
	loader ContestLoader
	ttl    time.Duration
	sf     singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewContestRepository(client *redis.Client, loader ContestLoader, ttl time.Duration) *ContestRepository {
	return &ContestRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *ContestRepository) GetContest(ctx context.Context, contestID string) (domain.Contest, error) {
	if c, ok := r.cached(ctx, contestID); ok {
		return c, nil
	}

	result, err, _ := r.sf.Do(contestID, func() (interface{}, error) {
		// Re-check cache in case another caller filled it.
		if c, ok := r.cached(ctx, contestID); ok {
			return c, nil
		}

		contest, err := r.loader.LoadContest(ctx, contestID)
		if err != nil {
			return domain.Contest{}, err
		}

		if raw, err := json.Marshal(contest); err == nil {
			_ = r.client.Set(ctx, contestKey(contestID), raw, r.ttlWithJitter()).Err()
		}
		return contest, nil
	})
	if err != nil {
		return domain.Contest{}, err
	}
	return result.(domain.Contest), nil
}

// Invalidate removes the cached copy of a contest.
func (r *ContestRepository) Invalidate(ctx context.Context, contestID string) error {
	return r.client.Del(ctx, contestKey(contestID)).Err()
}

func (r *ContestRepository) cached(ctx context.Context, contestID string) (domain.Contest, bool) {
	raw, err := r.client.Get(ctx, contestKey(contestID)).Bytes()
	if err != nil {
		return domain.Contest{}, false
	}
	var contest domain.Contest
	if err := json.Unmarshal(raw, &contest); err != nil {
		return domain.Contest{}, false
	}
	return contest, true
}

func contestKey(contestID string) string {
	return "contest:" + contestID
}

func (r *ContestRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}

// isMiss reports whether err only means the key does not exist.
func isMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}
