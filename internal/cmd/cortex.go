package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/synaptecs/neurofleet/internal/config"
	"github.com/synaptecs/neurofleet/internal/cortex"
)

var cortexCmd = &cobra.Command{
	Use:   "cortex",
	Short: "Run the control node",
	Long: `Start the cortex: the control-plane endpoint workers dial, the
observe stream, the admin API, and the background fleet prune loop.`,
	RunE: runCortex,
}

func init() {
	cortexCmd.Flags().String("listen", "", "listen address for all cortex endpoints")
	cortexCmd.Flags().String("data-dir", "", "directory for the cortex durable store")
	cortexCmd.Flags().String("seed", "", "JSON model catalog pushed to registering workers")
	_ = viper.BindPFlag("cortex.listen_addr", cortexCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("cortex.data_dir", cortexCmd.Flags().Lookup("data-dir"))
	_ = viper.BindPFlag("cortex.seed_catalog", cortexCmd.Flags().Lookup("seed"))

	rootCmd.AddCommand(cortexCmd)
}

func runCortex(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := cortex.New(cfg.Cortex)
	if err != nil {
		return err
	}
	return c.Run(ctx)
}
