package cli

import (
	"fmt"
	"strconv"

	"exam-scoring-service/internal/config"
	"github.com/spf13/cobra"
)

// NewScoreCmd scores one attempt synchronously.
func NewScoreCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "score <attempt-id>",
		Short: "Score a finished attempt now instead of through the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attemptID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid attempt id %q", args[0])
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			c, err := buildComponents(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.scorer.ScoreAttempt(cmd.Context(), attemptID)
			if err != nil {
				return err
			}
			cmd.Println(res.String())
			return nil
		},
	}
}

// NewRankCmd regenerates one exam's ranking synchronously.
func NewRankCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rank <exam-id>",
		Short: "Regenerate an exam ranking now instead of through the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			examID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid exam id %q", args[0])
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			c, err := buildComponents(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.ranker.GenerateRanking(cmd.Context(), examID)
			if err != nil {
				return err
			}
			cmd.Println(res.String())
			return nil
		},
	}
}
