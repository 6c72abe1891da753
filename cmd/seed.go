package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newSeedCmd creates the 'seed' subcommand, which pushes the initial
// self-rescheduling jobs into the queue. Run once against an empty queue;
// thereafter every job reschedules its successor.
func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Push the initial discovery and redrive jobs",
		Long: `Pushes one discovery job per configured source unit plus the retry
redrive job. Safe to run only against an empty queue: seeding twice
produces duplicate discovery loops.`,
		RunE: runSeedCommand,
	}
}

func runSeedCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	for _, unit := range appInstance.Config.Crawl.Units {
		if err := appInstance.Coordinator.Seed(ctx, unit); err != nil {
			return err
		}
		appInstance.Logger.Info("seeded discovery", zap.String("unit", unit))
	}
	if err := appInstance.Coordinator.SeedRedrive(ctx); err != nil {
		return err
	}
	appInstance.Logger.Info("seeded redrive loop")
	return nil
}
