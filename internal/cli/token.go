package cli

import (
	"fmt"
	"time"

	"contest-live-service/internal/auth"
	"contest-live-service/internal/config"
	"contest-live-service/internal/domain"
	"github.com/spf13/cobra"
)

// NewTokenCmd issues a contest token signed with the configured secret.
// Production tokens come from the platform; this is for local testing.
func NewTokenCmd(configPath *string) *cobra.Command {
	var (
		claims auth.Claims
		kind   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a contest token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.Secret == "" {
				return fmt.Errorf("auth.secret is required")
			}
			if claims.UserID == "" || claims.ContestID == "" {
				return fmt.Errorf("--user and --contest are required")
			}
			claims.Kind = domain.Kind(kind)
			token, err := auth.NewGate(cfg.Auth.Secret).Sign(claims, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&claims.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&claims.Name, "name", "", "display name")
	cmd.Flags().StringVar(&claims.WalletID, "wallet", "", "wallet id")
	cmd.Flags().StringVar(&claims.ContestID, "contest", "", "contest or quiz id")
	cmd.Flags().StringVar(&kind, "kind", string(domain.KindContest), "contest or quiz")
	cmd.Flags().IntSliceVar(&claims.QuestionSet, "questions", nil, "question indices the token is scoped to")
	cmd.Flags().DurationVar(&ttl, "ttl", 2*time.Hour, "token lifetime")
	return cmd
}
