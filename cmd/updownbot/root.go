package main

import (
	"github.com/spf13/cobra"

	"updown-trader/internal/config"
)

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "updownbot",
		Short: "Live execution engine for short-lived binary prediction markets",
		Long: `updownbot enters outcome tokens whose ask crosses the entry threshold,
protects them with a stop loss and settles them when the market expires.

Without exchange credentials the engine runs view-only: prices, positions and
status keep updating but no orders are placed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config/config.yaml", "config yaml path")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file with secrets (missing file is ignored)")

	root.AddCommand(
		newRunCmd(opts),
		newPositionsCmd(opts),
		newStatusCmd(opts),
		newCheckCmd(opts),
	)
	return root
}

func (o *rootOptions) load() (config.Config, error) {
	if err := config.LoadEnv(o.envFile); err != nil {
		return config.Config{}, err
	}
	return config.Load(o.configPath)
}
