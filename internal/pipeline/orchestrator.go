package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Schedule configures the background jobs. A zero interval or empty cron
// disables a job.
type Schedule struct {
	ResolveInterval time.Duration
	PriceInterval   time.Duration
	ArchiveCron     string
}

// Orchestrator runs the enabled jobs until the context ends or one fails.
type Orchestrator struct {
	resolver *AutoResolver
	feeder   *PriceFeeder
	archiver *SettlementArchiver
	sched    Schedule
	logger   *slog.Logger
}

// NewOrchestrator creates an Orchestrator. Any job may be nil.
func NewOrchestrator(resolver *AutoResolver, feeder *PriceFeeder, archiver *SettlementArchiver, sched Schedule, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		resolver: resolver,
		feeder:   feeder,
		archiver: archiver,
		sched:    sched,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	jobs := 0

	start := func(name string, fn func(context.Context) error) {
		jobs++
		g.Go(func() error {
			err := fn(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: %w", name, err)
		})
	}

	if o.resolver != nil && o.sched.ResolveInterval > 0 {
		start("auto-resolver", func(ctx context.Context) error {
			return o.resolver.Run(ctx, o.sched.ResolveInterval)
		})
	}
	if o.feeder != nil && o.sched.PriceInterval > 0 {
		start("price feeder", func(ctx context.Context) error {
			return o.feeder.Run(ctx, o.sched.PriceInterval)
		})
	}
	if o.archiver != nil && o.sched.ArchiveCron != "" {
		start("settlement archiver", func(ctx context.Context) error {
			return o.archiver.RunCron(ctx, o.sched.ArchiveCron)
		})
	}

	o.logger.Info("pipeline started", slog.Int("jobs", jobs))
	if jobs == 0 {
		<-ctx.Done()
		return nil
	}
	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline stopped")
	return nil
}
