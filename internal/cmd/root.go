// Package cmd wires the neurofleet CLI: one binary, a subcommand per
// node role.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/synaptecs/neurofleet/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "neurofleet",
	Short: "Fleet control plane for model-inference workers",
	Long: `Neurofleet coordinates a fleet of model-inference workers from a
central control node. Run "neurofleet cortex" for the control node and
"neurofleet worker" on each inference machine.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./neurofleet.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("neurofleet")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/neurofleet")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("NEUROFLEET")
	// NEUROFLEET_WORKER_CORTEX_URL overrides worker.cortex_url, and so on.
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing config file is fine; defaults and env cover everything.
	_ = viper.ReadInConfig()
}
