package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lmsrmarket/internal/config"
	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/notify"
	"github.com/alanyoungcy/lmsrmarket/internal/pipeline"
	"github.com/alanyoungcy/lmsrmarket/internal/server"
	"github.com/alanyoungcy/lmsrmarket/internal/server/handler"
	"github.com/alanyoungcy/lmsrmarket/internal/server/ws"
	"github.com/alanyoungcy/lmsrmarket/internal/service"
)

const shutdownTimeout = 10 * time.Second

func (a *App) buildService(deps *Dependencies) *service.MarketService {
	return NewMarketService(a.cfg, deps, a.logger)
}

// NewMarketService assembles the market service over deps, with settlement
// archiving, notifications and post-resolution reconciliation as resolution
// listeners.
func NewMarketService(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *service.MarketService {
	var (
		listeners []service.ResolutionListener
		audit     = &reconcileOnResolve{notifier: deps.Notifier}
	)
	if deps.BlobWriter != nil {
		listeners = append(listeners, newArchiver(deps, logger))
	}
	if deps.Notifier != nil {
		listeners = append(listeners, deps.Notifier)
	}
	listeners = append(listeners, audit)

	svc := service.NewMarketService(service.Deps{
		Ledger:    deps.Ledger,
		Custody:   deps.Custody,
		Oracle:    deps.Oracle,
		Locks:     deps.Locks,
		Cache:     deps.MarketCache,
		Bus:       deps.SignalBus,
		Audit:     deps.Audit,
		Listeners: listeners,
	}, service.MarketConfig{
		Liquidity:          cfg.Market.Liquidity,
		TokenDecimals:      uint8(cfg.Market.TokenDecimals),
		MaxStaleness:       cfg.Market.MaxStaleness.Duration,
		MaxConfidenceRatio: cfg.Market.MaxConfidenceRatio,
		LockTTL:            cfg.Market.LockTTL.Duration,
	}, logger)
	audit.svc = svc
	return svc
}

func newArchiver(deps *Dependencies, logger *slog.Logger) *pipeline.SettlementArchiver {
	return pipeline.NewSettlementArchiver(deps.Ledger, deps.BlobWriter, deps.BlobReader, deps.Audit, logger)
}

// ServeMode runs the HTTP API and, with a signal bus, the websocket relay.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies, svc *service.MarketService) error {
	a.logger.InfoContext(ctx, "starting serve mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svc)
	return g.Wait()
}

// ResolverMode runs the background pipeline only.
func (a *App) ResolverMode(ctx context.Context, deps *Dependencies, svc *service.MarketService) error {
	a.logger.InfoContext(ctx, "starting resolver mode")
	return a.orchestrator(deps, svc).Run(ctx)
}

// FullMode runs the HTTP API and the background pipeline together.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, svc *service.MarketService) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svc)
	}
	orch := a.orchestrator(deps, svc)
	g.Go(func() error {
		return orch.Run(ctx)
	})
	return g.Wait()
}

func (a *App) orchestrator(deps *Dependencies, svc *service.MarketService) *pipeline.Orchestrator {
	resolver := pipeline.NewAutoResolver(deps.Ledger, svc, time.Now, a.logger)

	var feeder *pipeline.PriceFeeder
	if deps.PriceCache != nil {
		feeder = pipeline.NewPriceFeeder(deps.Ledger, deps.Pyth, deps.PriceCache, deps.SignalBus, a.logger)
	}
	var archiver *pipeline.SettlementArchiver
	if deps.BlobWriter != nil {
		archiver = newArchiver(deps, a.logger)
	}
	return pipeline.NewOrchestrator(resolver, feeder, archiver, pipeline.Schedule{
		ResolveInterval: a.cfg.Pipeline.ResolveInterval.Duration,
		PriceInterval:   a.cfg.Pipeline.PriceInterval.Duration,
		ArchiveCron:     a.cfg.Pipeline.ArchiveCron,
	}, a.logger.With(slog.String("component", "pipeline")))
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *service.MarketService) {
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, ws.Config{
			Channels:       []string{service.ChannelMarkets, pipeline.ChannelPrices},
			MarketChannel:  service.ChannelMarkets,
			AllowedOrigins: a.cfg.Server.CORSOrigins,
		}, a.logger)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.Health, a.logger),
		Markets:   handler.NewMarketHandler(svc, a.logger),
		Trades:    handler.NewTradeHandler(svc, a.logger),
		Positions: handler.NewPositionHandler(svc, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// reconcileOnResolve checks every market as it resolves and raises an alert
// when its books disagree.
type reconcileOnResolve struct {
	svc      *service.MarketService
	notifier *notify.Notifier
}

func (r *reconcileOnResolve) MarketResolved(ctx context.Context, m domain.Market) error {
	rep, err := r.svc.Reconcile(ctx, m.ID)
	if err != nil {
		return err
	}
	if rep.OK() || r.notifier == nil {
		return nil
	}
	var b strings.Builder
	for _, d := range rep.Discrepancies {
		fmt.Fprintf(&b, "%s: expected %s, got %s\n", d.Check, d.Expected, d.Actual)
	}
	return r.notifier.Notify(ctx, notify.EventReconcileAlert,
		fmt.Sprintf("Market #%d failed reconciliation", m.ID), b.String())
}
