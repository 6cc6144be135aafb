package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"updown-trader/internal/app"
	"updown-trader/internal/store"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the last runtime status written by the engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			st, ok, err := store.LoadRuntimeStatus(app.StateDir(cfg))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no runtime status for instance %q", cfg.InstanceID)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}
