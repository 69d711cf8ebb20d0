package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"contest-live-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// SnapshotStore persists ranking snapshots in Redis:
//
//	contest:{id}:ranking      JSON of the whole snapshot
//	contest:{id}:leaderboard  sorted set of user id by total marks
//
// The sorted set lets other services read standings without decoding JSON.
type SnapshotStore struct {
	client *redis.Client
}

func NewSnapshotStore(client *redis.Client) *SnapshotStore {
	return &SnapshotStore{client: client}
}

// saveScript writes the snapshot only when it is newer than the stored one.
var saveScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
return 1
`)

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap domain.RankingSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	written, err := saveScript.Run(ctx, s.client, []string{rankingKey(snap.ContestID)}, snap.Version, raw).Int()
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if written == 0 {
		return nil
	}

	board := leaderboardKey(snap.ContestID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, board)
	for _, e := range snap.Entries {
		pipe.ZAdd(ctx, board, redis.Z{Score: e.TotalMarks.InexactFloat64(), Member: e.UserID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save leaderboard: %w", err)
	}
	return nil
}

func (s *SnapshotStore) LoadSnapshot(ctx context.Context, contestID string) (domain.RankingSnapshot, bool, error) {
	raw, err := s.client.HGet(ctx, rankingKey(contestID), "data").Bytes()
	if isMiss(err) {
		return domain.RankingSnapshot{}, false, nil
	}
	if err != nil {
		return domain.RankingSnapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	var snap domain.RankingSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.RankingSnapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}

func rankingKey(contestID string) string {
	return "contest:" + contestID + ":ranking"
}

func leaderboardKey(contestID string) string {
	return "contest:" + contestID + ":leaderboard"
}
