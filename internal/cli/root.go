// Package cli implements lmsrctl, the operator command line for the market
// maker. Commands share the daemon's configuration file and wiring.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/lmsrmarket/internal/app"
	"github.com/alanyoungcy/lmsrmarket/internal/config"
	"github.com/alanyoungcy/lmsrmarket/internal/service"
)

// RootCommand builds a fresh lmsrctl command tree.
func RootCommand() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)
	root := &cobra.Command{
		Use:           "lmsrctl",
		Short:         "Operate an LMSR market maker",
		Long:          `lmsrctl creates and inspects markets, prices trades, checks ledgers and prepares keys against the same configuration lmsrd runs with.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file (defaults only when empty)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log wiring and service events to stderr")

	env := &env{configPath: &configPath, verbose: &verbose}
	root.AddCommand(MigrateCommand(env))
	root.AddCommand(MarketCommand(env))
	root.AddCommand(QuoteCommand(env))
	root.AddCommand(ReconcileCommand(env))
	root.AddCommand(MintCommand(env))
	root.AddCommand(EncryptKeyCommand())
	return root
}

// Execute runs lmsrctl with os.Args.
func Execute() error {
	return RootCommand().Execute()
}

// env carries the persistent flags to subcommands.
type env struct {
	configPath *string
	verbose    *bool
}

func (e *env) config() (*config.Config, error) {
	cfg, err := config.Load(*e.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (e *env) logger() *slog.Logger {
	var w io.Writer = io.Discard
	if *e.verbose {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// session is a wired market service for the lifetime of one command.
type session struct {
	cfg   *config.Config
	deps  *app.Dependencies
	svc   *service.MarketService
	close func()
}

func (e *env) open(ctx context.Context) (*session, error) {
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	logger := e.logger()
	deps, cleanup, err := app.Wire(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	return &session{
		cfg:   cfg,
		deps:  deps,
		svc:   app.NewMarketService(cfg, deps, logger),
		close: cleanup,
	}, nil
}
