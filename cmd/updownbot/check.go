package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"updown-trader/internal/app"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate config and probe the exchange without trading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			report, err := app.Check(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "instance=%s trading=%t\n", cfg.InstanceID, report.Trading)
			if report.Trading {
				fmt.Fprintf(out, "balance_usd=%s\n", report.Balance)
			}
			fmt.Fprintf(out, "markets=%d\n", len(report.Markets))
			now := time.Now()
			for _, m := range report.Markets {
				fmt.Fprintf(out, "  %s ends_in=%s tokens=%d\n", m.Slug, m.TimeLeft(now).Round(time.Second), len(m.Tokens))
			}
			return nil
		},
	}
}
