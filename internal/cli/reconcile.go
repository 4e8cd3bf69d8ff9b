package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// errUnreconciled makes the command exit non-zero when any market fails.
var errUnreconciled = errors.New("reconciliation found discrepancies")

// ReconcileCommand returns the reconcile command. With no id every market is
// checked.
func ReconcileCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile [market-id]",
		Short: "Check market books against the trade journal and custody",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			var ids []uint64
			if len(args) == 1 {
				id, err := parseMarketID(args[0])
				if err != nil {
					return err
				}
				ids = append(ids, id)
			} else {
				for offset := 0; ; {
					page, err := s.svc.ListMarkets(cmd.Context(), domain.MarketFilter{
						Opts: domain.ListOpts{Limit: 500, Offset: offset},
					})
					if err != nil {
						return err
					}
					for _, m := range page {
						ids = append(ids, m.ID)
					}
					if len(page) < 500 {
						break
					}
					offset += len(page)
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MARKET\tTRADES\tPOSITIONS\tRESULT")
			failed := false
			for _, id := range ids {
				rep, err := s.svc.Reconcile(cmd.Context(), id)
				if err != nil {
					return err
				}
				if rep.OK() {
					fmt.Fprintf(w, "%d\t%d\t%d\tok\n", id, rep.Trades, rep.Positions)
					continue
				}
				failed = true
				for _, d := range rep.Discrepancies {
					fmt.Fprintf(w, "%d\t%d\t%d\t%s: expected %s, got %s\n",
						id, rep.Trades, rep.Positions, d.Check, d.Expected, d.Actual)
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if failed {
				return errUnreconciled
			}
			return nil
		},
	}
	return cmd
}
