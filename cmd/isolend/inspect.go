package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"isolend/indexer"
	"isolend/native/fixedpoint"
	"isolend/protocol"
)

func newInspectCmd(flags *globalFlags) *cobra.Command {
	var eventType string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the markets, reserves and auctions of a stored deployment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			logger, closer := setupLogger(cfg, cmd.ErrOrStderr())
			defer closer.Close()

			d, err := openDeployment(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer d.close()

			out := cmd.OutOrStdout()
			if err := printState(out, d.protocol); err != nil {
				return err
			}
			if d.index != nil {
				return printIndex(out, d.index, eventType)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "only list indexed events of this type")
	return cmd
}

func printState(out io.Writer, p *protocol.Protocol) error {
	fmt.Fprintf(out, "\nSTATE at period %d\n", p.Clock().Current())
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "POOL\tMARKET\tCASH\tBORROWS\tSTABLE\tRESERVES\tBAD DEBT\tEXCHANGE RATE")
	for _, pool := range p.Pools() {
		for _, market := range pool.Markets() {
			ledger, err := market.Ledger()
			if err != nil {
				return fmt.Errorf("market %s: %w", market.Symbol(), err)
			}
			rate, err := market.ExchangeRateStored()
			if err != nil {
				return fmt.Errorf("market %s: %w", market.Symbol(), err)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				pool.ID, market.Symbol(),
				fixedpoint.Format(ledger.Cash),
				fixedpoint.Format(ledger.TotalBorrows),
				fixedpoint.Format(ledger.TotalStableBorrows),
				fixedpoint.Format(ledger.TotalReserves),
				fixedpoint.Format(ledger.BadDebt),
				fixedpoint.Format(rate))
		}
	}
	w.Flush()

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "POOL\tBASE RESERVE\tBAD DEBT\tAUCTION\tROUND\tHIGHEST BID\tBIDDER")
	for _, pool := range p.Pools() {
		base, err := p.Converter.PoolBaseReserve(pool.ID)
		if err != nil {
			return err
		}
		debt, err := p.Auction.PoolBadDebt(pool.ID)
		if err != nil {
			return err
		}
		rec, err := p.Auction.Current(pool.ID)
		if err != nil {
			return err
		}
		bidder := "-"
		if rec.HighestBid.Sign() > 0 {
			bidder = rec.HighestBidder.Hex()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			pool.ID, fixedpoint.Format(base), fixedpoint.Format(debt),
			rec.Status, rec.Round, fixedpoint.Format(rec.HighestBid), bidder)
	}
	return w.Flush()
}

func printIndex(out io.Writer, index *indexer.Store, eventType string) error {
	counts, err := index.Count()
	if err != nil {
		return err
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)
	fmt.Fprintln(out, "\nINDEXED EVENTS")
	for _, t := range types {
		fmt.Fprintf(out, "  %-28s %d\n", t, counts[t])
	}
	if eventType == "" {
		return nil
	}
	rows, err := index.List(indexer.Filter{Type: eventType})
	if err != nil {
		return err
	}
	for _, row := range rows {
		fmt.Fprintf(out, "  #%d %s pool=%s %s\n", row.Sequence, row.Type, row.Pool, row.Attributes)
	}
	return nil
}
