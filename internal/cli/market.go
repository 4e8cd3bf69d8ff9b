package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/service"
)

// MarketCommand returns the market command group.
func MarketCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "market",
		Short: "Create and inspect markets",
	}
	cmd.AddCommand(marketCreateCommand(e))
	cmd.AddCommand(marketGetCommand(e))
	cmd.AddCommand(marketListCommand(e))
	return cmd
}

func marketCreateCommand(e *env) *cobra.Command {
	var (
		req      service.CreateRequest
		from, to string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a market and pull its subsidy from the creator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if req.ResolveFrom, err = time.Parse(time.RFC3339, from); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if req.ResolveTo, err = time.Parse(time.RFC3339, to); err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			s, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			m, err := s.svc.CreateMarket(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), m)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created market %d (pool %d base units).\n", m.ID, m.PooledBalance)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Creator, "creator", "", "custody account funding the subsidy")
	f.StringVar(&req.PriceFeedID, "feed", "", "oracle price feed id")
	f.Float64Var(&req.TargetPrice, "target", 0, "target price the outcome is measured against")
	f.StringVar(&from, "from", "", "start of the resolution window (RFC 3339)")
	f.StringVar(&to, "to", "", "end of the resolution window (RFC 3339)")
	f.Uint64Var(&req.Subsidy, "subsidy", 0, "subsidy in whole token units")
	f.BoolVar(&asJSON, "json", false, "print the market as JSON")
	for _, name := range []string{"creator", "feed", "target", "from", "to", "subsidy"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func marketGetCommand(e *env) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get <market-id>",
		Short: "Show one market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseMarketID(args[0])
			if err != nil {
				return err
			}
			s, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			m, err := s.svc.GetMarket(cmd.Context(), id)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), m)
			}
			printMarket(cmd.OutOrStdout(), m)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the market as JSON")
	return cmd
}

func marketListCommand(e *env) *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List markets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := domain.MarketFilter{Opts: domain.ListOpts{Limit: limit, Offset: offset}}
			switch domain.MarketStatus(status) {
			case "":
			case domain.MarketStatusOpen, domain.MarketStatusResolved:
				filter.Status = domain.MarketStatus(status)
			default:
				return fmt.Errorf("--status must be open or resolved, got %q", status)
			}

			s, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			ms, err := s.svc.ListMarkets(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ms) == 0 {
				fmt.Fprintln(out, "No markets.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tFEED\tTARGET\tP(0)\tP(1)\tPOOL\tRESOLVE_TO")
			for _, m := range ms {
				fmt.Fprintf(w, "%d\t%s\t%s\t%g\t%.4f\t%.4f\t%d\t%s\n",
					m.ID, m.Status(), m.PriceFeedID, m.TargetPrice,
					m.Prices[0], m.Prices[1], m.PooledBalance,
					m.ResolveTo.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "filter by status (open or resolved)")
	f.IntVar(&limit, "limit", 50, "max markets to list")
	f.IntVar(&offset, "offset", 0, "markets to skip")
	return cmd
}

func printMarket(w io.Writer, m domain.Market) {
	fmt.Fprintf(w, "Market:      %d\n", m.ID)
	fmt.Fprintf(w, "Status:      %s\n", m.Status())
	fmt.Fprintf(w, "Creator:     %s\n", m.Creator)
	fmt.Fprintf(w, "Feed:        %s\n", m.PriceFeedID)
	fmt.Fprintf(w, "Target:      %g\n", m.TargetPrice)
	fmt.Fprintf(w, "Window:      %s to %s\n", m.ResolveFrom.Format(time.RFC3339), m.ResolveTo.Format(time.RFC3339))
	fmt.Fprintf(w, "Liquidity:   %g\n", m.Liquidity)
	fmt.Fprintf(w, "Prices:      %.4f / %.4f\n", m.Prices[0], m.Prices[1])
	fmt.Fprintf(w, "Outstanding: %d / %d\n", m.Outstanding[0], m.Outstanding[1])
	fmt.Fprintf(w, "Held:        %d / %d\n", m.Held[0], m.Held[1])
	fmt.Fprintf(w, "Pool:        %d\n", m.PooledBalance)
	if m.Resolved && m.Outcome != nil {
		fmt.Fprintf(w, "Outcome:     %d\n", *m.Outcome)
		if m.ResolutionPrice != nil {
			fmt.Fprintf(w, "Observed:    %g\n", *m.ResolutionPrice)
		}
	}
}

func parseMarketID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("market id %q: %w", s, domain.ErrInvalidMarket)
	}
	return id, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
