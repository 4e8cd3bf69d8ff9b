package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// minter is implemented by custody backends that can credit an account out
// of thin air, such as the shared Redis token book used in staging.
type minter interface {
	Mint(ctx context.Context, account string, amount uint64) error
}

// MintCommand returns the mint command.
func MintCommand(e *env) *cobra.Command {
	var amount uint64
	cmd := &cobra.Command{
		Use:   "mint <account>",
		Short: "Credit test tokens to an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount == 0 {
				return fmt.Errorf("--amount must be positive")
			}
			s, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			m, ok := s.deps.Custody.(minter)
			if !ok {
				return fmt.Errorf("custody driver %q cannot mint", s.cfg.Custody.Driver)
			}
			if err := m.Mint(cmd.Context(), args[0], amount); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Minted %d base units to %s.\n", amount, args[0])
			return nil
		},
	}
	cmd.Flags().Uint64Var(&amount, "amount", 0, "base units to credit")
	return cmd
}
