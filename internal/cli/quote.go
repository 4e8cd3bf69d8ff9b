package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/service"
)

// QuoteCommand returns the quote command.
func QuoteCommand(e *env) *cobra.Command {
	var (
		side    string
		outcome uint8
		shares  uint64
		budget  uint64
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "quote <market-id>",
		Short: "Price a trade without executing it",
		Long:  `Prices a buy or sell of --shares, or with --budget the largest buy whose cost in base units fits the budget.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseMarketID(args[0])
			if err != nil {
				return err
			}
			o := domain.Outcome(outcome)
			if !o.Valid() {
				return fmt.Errorf("--outcome %d: %w", outcome, domain.ErrInvalidOutcome)
			}
			if budget == 0 && shares == 0 {
				return fmt.Errorf("one of --shares or --budget is required")
			}

			s, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			var q service.TradeQuote
			if budget > 0 {
				q, err = s.svc.QuoteBudget(cmd.Context(), id, o, budget)
			} else {
				q, err = s.svc.Quote(cmd.Context(), id, service.QuoteSide(side), o, shares)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), q)
			}
			printQuote(cmd.OutOrStdout(), q)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&side, "side", "buy", "buy or sell")
	f.Uint8Var(&outcome, "outcome", 0, "outcome index (0 or 1)")
	f.Uint64Var(&shares, "shares", 0, "shares to trade")
	f.Uint64Var(&budget, "budget", 0, "spend limit in base units; quotes the largest affordable buy")
	f.BoolVar(&asJSON, "json", false, "print the quote as JSON")
	cmd.MarkFlagsMutuallyExclusive("shares", "budget")
	return cmd
}

func printQuote(w io.Writer, q service.TradeQuote) {
	fmt.Fprintf(w, "Market:   %d\n", q.MarketID)
	fmt.Fprintf(w, "Side:     %s %d shares of outcome %d\n", q.Side, q.Shares, q.Outcome)
	fmt.Fprintf(w, "Cost:     %.6f (%d base units)\n", q.Cost, q.Amount)
	fmt.Fprintf(w, "Avg:      %.6f\n", q.AveragePrice)
	fmt.Fprintf(w, "Prices:   %.4f / %.4f -> %.4f / %.4f\n",
		q.PriceBefore[0], q.PriceBefore[1], q.PriceAfter[0], q.PriceAfter[1])
	fmt.Fprintf(w, "Impact:   %.6f\n", q.PriceImpact)
}
