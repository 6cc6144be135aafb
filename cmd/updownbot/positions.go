package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"updown-trader/internal/core"
	"updown-trader/internal/ledger"
)

func newPositionsCmd(opts *rootOptions) *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "List open positions from the trade ledger",
		Long: `List open positions from the trade ledger.

With --recent N the last N trades are listed instead, closed ones included.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			lg, err := ledger.Open(cfg.State.LedgerPath)
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer lg.Close()

			ctx := cmd.Context()
			var trades []core.Trade
			if recent > 0 {
				trades, err = lg.ListRecent(ctx, recent)
			} else {
				trades, err = lg.ListOpen(ctx)
			}
			if err != nil {
				return err
			}
			return writeTrades(cmd.OutOrStdout(), trades)
		},
	}
	cmd.Flags().IntVarP(&recent, "recent", "n", 0, "list the last N trades instead of open positions")
	return cmd
}

func writeTrades(w io.Writer, trades []core.Trade) error {
	if len(trades) == 0 {
		_, err := fmt.Fprintln(w, "no trades")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMARKET\tOUTCOME\tSTATUS\tENTRY\tSHARES\tEXIT\tPNL\tEXPIRES")
	for _, t := range trades {
		exit, pnl := "-", "-"
		if t.ExitPrice != nil {
			exit = t.ExitPrice.String()
		}
		if t.PnL != nil {
			pnl = t.PnL.StringFixed(2)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.MarketID, t.Outcome, t.Status, t.EntryPrice, t.Shares, exit, pnl,
			t.ExpiresAt.UTC().Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
