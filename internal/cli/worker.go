package cli

import (
	"os"
	"os/signal"
	"syscall"

	"exam-scoring-service/internal/config"
	"github.com/spf13/cobra"
)

// NewWorkerCmd runs only the background workers.
func NewWorkerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume scoring and ranking jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := buildComponents(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.workerPool().Run(ctx)
		},
	}
}
