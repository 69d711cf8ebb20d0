package cli

import (
	"context"
	"fmt"

	"contest-live-service/internal/config"
	"contest-live-service/internal/domain"
	"contest-live-service/internal/infra/memory"
	"contest-live-service/internal/infra/postgres"
	rediscache "contest-live-service/internal/infra/redis"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// NewSeedCmd loads contest fixtures into Postgres and drops stale cached
// copies of them from Redis.
func NewSeedCmd(configPath *string) *cobra.Command {
	var fixtures string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load contests from a TOML fixture file into Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if fixtures == "" {
				fixtures = cfg.Contests.Fixtures
			}
			if fixtures == "" {
				return fmt.Errorf("no fixture file given")
			}
			contests, err := memory.ReadFixtures(fixtures)
			if err != nil {
				return err
			}

			logger := newLogger(cfg)
			if err := runMigrations(cmd.Context(), cfg, logger); err != nil {
				return err
			}
			db, err := openBun(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := postgres.SeedContests(cmd.Context(), db, contests); err != nil {
				return err
			}
			logger.Info("contests seeded", "count", len(contests), "file", fixtures)

			if cfg.Redis.Addr == "" {
				return nil
			}
			client := newRedisClient(cfg)
			defer client.Close()
			if err := dropCachedContests(cmd.Context(), client, contests); err != nil {
				logger.Warn("failed to invalidate cached contests", "error", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&fixtures, "file", "", "fixture file (defaults to contests.fixtures)")
	return cmd
}

// dropCachedContests removes the Redis copies of contests so servers
// reload the seeded version on their next read.
func dropCachedContests(ctx context.Context, client *redis.Client, contests map[string]domain.Contest) error {
	cache := rediscache.NewContestRepository(client, nil, 0)
	for id := range contests {
		if err := cache.Invalidate(ctx, id); err != nil {
			return fmt.Errorf("invalidate %s: %w", id, err)
		}
	}
	return nil
}
