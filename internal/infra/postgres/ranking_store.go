package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"contest-live-service/internal/domain"
	"github.com/uptrace/bun"
)

// contestRanking is one row of contest_rankings: the latest snapshot of a
// contest, kept for restarts and for reward distribution after the end.
type contestRanking struct {
	bun.BaseModel `bun:"table:contest_rankings,alias:cr"`

	ContestID string                 `bun:"contest_id,pk"`
	Version   int64                  `bun:"version,notnull"`
	Snapshot  domain.RankingSnapshot `bun:"snapshot,type:jsonb,notnull"`
	UpdatedAt time.Time              `bun:"updated_at,notnull"`
}

// RankingStore persists ranking snapshots with bun.
type RankingStore struct {
	db *bun.DB
}

func NewRankingStore(db *bun.DB) *RankingStore {
	return &RankingStore{db: db}
}

// SaveSnapshot upserts the snapshot unless a newer version is stored.
func (s *RankingStore) SaveSnapshot(ctx context.Context, snap domain.RankingSnapshot) error {
	row := &contestRanking{
		ContestID: snap.ContestID,
		Version:   int64(snap.Version),
		Snapshot:  snap,
		UpdatedAt: time.Now().UTC(),
	}
	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (contest_id) DO UPDATE").
		Set("version = EXCLUDED.version").
		Set("snapshot = EXCLUDED.snapshot").
		Set("updated_at = EXCLUDED.updated_at").
		Where("cr.version < EXCLUDED.version").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *RankingStore) LoadSnapshot(ctx context.Context, contestID string) (domain.RankingSnapshot, bool, error) {
	row := new(contestRanking)
	err := s.db.NewSelect().Model(row).Where("contest_id = ?", contestID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RankingSnapshot{}, false, nil
	}
	if err != nil {
		return domain.RankingSnapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	return row.Snapshot, true, nil
}

// SeedContests inserts or replaces contest documents.
func SeedContests(ctx context.Context, db *bun.DB, contests map[string]domain.Contest) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for id, c := range contests {
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("marshal contest %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO contests (id, data) VALUES (?, ?::jsonb) ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`,
				id, string(data)); err != nil {
				return fmt.Errorf("insert contest %s: %w", id, err)
			}
		}
		return nil
	})
}
