package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/synaptecs/neurofleet/internal/config"
	"github.com/synaptecs/neurofleet/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run an inference worker node",
	Long: `Start a worker: it dials the cortex, registers, heartbeats, and
applies provisioning commands by spawning and supervising model backend
processes.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().String("id", "", "stable worker id (empty joins anonymously)")
	workerCmd.Flags().String("label", "", "human-readable worker label")
	workerCmd.Flags().String("cortex-url", "", "cortex control-plane websocket URL")
	workerCmd.Flags().String("data-dir", "", "directory for the worker durable store")
	_ = viper.BindPFlag("worker.id", workerCmd.Flags().Lookup("id"))
	_ = viper.BindPFlag("worker.label", workerCmd.Flags().Lookup("label"))
	_ = viper.BindPFlag("worker.cortex_url", workerCmd.Flags().Lookup("cortex-url"))
	_ = viper.BindPFlag("worker.data_dir", workerCmd.Flags().Lookup("data-dir"))

	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return worker.Run(ctx, cfg.Worker)
}
