package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/market"
)

// MarketConfig holds protocol-wide parameters captured by new markets.
type MarketConfig struct {
	Liquidity          float64
	TokenDecimals      uint8
	MaxStaleness       time.Duration
	MaxConfidenceRatio float64
	LockTTL            time.Duration
}

// ResolutionListener is told about every market that resolves, after the
// resolution is committed.
type ResolutionListener interface {
	MarketResolved(ctx context.Context, m domain.Market) error
}

// Deps wires the collaborators of a MarketService. Ledger, Custody and Oracle
// are required; the rest may be nil.
type Deps struct {
	Ledger    domain.LedgerStore
	Custody   domain.TokenCustody
	Oracle    domain.PriceOracle
	Locks     domain.LockManager
	Cache     domain.MarketCache
	Bus       domain.SignalBus
	Audit     domain.AuditStore
	Listeners []ResolutionListener
	Clock     func() time.Time
}

// MarketService runs the market lifecycle: create, buy, sell, resolve and
// redeem. Each operation is one ledger transaction that commits only after
// its token transfer succeeds, or, for payouts, once custody has sent it.
type MarketService struct {
	ledger    domain.LedgerStore
	custody   domain.TokenCustody
	oracle    domain.PriceOracle
	dlocks    domain.LockManager
	cache     domain.MarketCache
	bus       domain.SignalBus
	audit     domain.AuditStore
	listeners []ResolutionListener
	cfg       MarketConfig
	now       func() time.Time
	locks     *keyedMutex
	logger    *slog.Logger
}

// NewMarketService creates a MarketService.
func NewMarketService(deps Deps, cfg MarketConfig, logger *slog.Logger) *MarketService {
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	return &MarketService{
		ledger:    deps.Ledger,
		custody:   deps.Custody,
		oracle:    deps.Oracle,
		dlocks:    deps.Locks,
		cache:     deps.Cache,
		bus:       deps.Bus,
		audit:     deps.Audit,
		listeners: deps.Listeners,
		cfg:       cfg,
		now:       now,
		locks:     newKeyedMutex(),
		logger:    logger.With(slog.String("component", "market_service")),
	}
}

// CreateRequest describes a market to open. Liquidity and token decimals come
// from the service configuration.
type CreateRequest struct {
	Creator     string    `json:"creator"`
	TargetPrice float64   `json:"target_price"`
	PriceFeedID string    `json:"price_feed_id"`
	ResolveFrom time.Time `json:"resolve_from"`
	ResolveTo   time.Time `json:"resolve_to"`
	Subsidy     uint64    `json:"subsidy_amount"`
}

// TradeResult is the committed outcome of a buy, sell or redemption.
// PendingTransfer is set when the payout was handed to custody but not
// confirmed; it names the transfer that Reconcile keeps checking.
type TradeResult struct {
	Market          domain.Market   `json:"market"`
	Position        domain.Position `json:"position"`
	Trade           domain.Trade    `json:"trade"`
	PendingTransfer string          `json:"pending_transfer,omitempty"`
}

// CreateMarket issues the next market id, opens the market and pulls the
// subsidy from the creator into market custody.
func (s *MarketService) CreateMarket(ctx context.Context, req CreateRequest) (domain.Market, error) {
	now := s.now()
	params := market.CreateParams{
		Creator:       req.Creator,
		TargetPrice:   req.TargetPrice,
		PriceFeedID:   req.PriceFeedID,
		ResolveFrom:   req.ResolveFrom,
		ResolveTo:     req.ResolveTo,
		Subsidy:       req.Subsidy,
		Liquidity:     s.cfg.Liquidity,
		TokenDecimals: s.cfg.TokenDecimals,
	}
	if err := params.Validate(now); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create: %w", err)
	}

	var (
		m       domain.Market
		trade   domain.Trade
		pending *pendingTransfer
	)
	err := s.ledger.WithTx(ctx, func(tx domain.LedgerTx) error {
		id, err := tx.NextMarketID(ctx)
		if err != nil {
			return err
		}
		m, err = market.Create(id, params, now)
		if err != nil {
			return err
		}
		if err := tx.InsertMarket(ctx, m); err != nil {
			return err
		}
		trade = newTrade(m, req.Creator, domain.TradeKindCreate, nil, 0, m.PooledBalance, now)
		if err := tx.AppendTrade(ctx, trade); err != nil {
			return err
		}
		err = s.transfer(ctx, req.Creator, domain.MarketAccount(id), m.PooledBalance)
		pending = pendingOf(err, trade, req.Creator, domain.MarketAccount(id))
		return err
	})
	if pending != nil {
		s.transferPending(ctx, *pending, false)
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create: %w", err)
	}

	s.logger.InfoContext(ctx, "market created",
		slog.Uint64("market_id", m.ID),
		slog.String("creator", m.Creator),
		slog.String("feed", m.PriceFeedID),
		slog.Float64("target_price", m.TargetPrice),
		slog.Uint64("subsidy", m.SubsidyAmount),
	)
	s.committed(ctx, m, trade)
	return m, nil
}

// Buy issues shares of outcome to user at the LMSR cost.
func (s *MarketService) Buy(ctx context.Context, id uint64, user string, outcome domain.Outcome, shares uint64) (TradeResult, error) {
	return s.trade(ctx, domain.TradeKindBuy, id, user, func(m domain.Market, p domain.Position, now time.Time) (market.Fill, error) {
		return market.Buy(m, p, outcome, shares, now)
	})
}

// Sell takes shares of outcome back from user and pays out the LMSR proceeds.
func (s *MarketService) Sell(ctx context.Context, id uint64, user string, outcome domain.Outcome, shares uint64) (TradeResult, error) {
	return s.trade(ctx, domain.TradeKindSell, id, user, func(m domain.Market, p domain.Position, now time.Time) (market.Fill, error) {
		return market.Sell(m, p, outcome, shares, now)
	})
}

// Redeem pays user's winning shares out of the pool of a resolved market.
func (s *MarketService) Redeem(ctx context.Context, id uint64, user string) (TradeResult, error) {
	return s.trade(ctx, domain.TradeKindRedeem, id, user, market.Redeem)
}

type transition func(m domain.Market, p domain.Position, now time.Time) (market.Fill, error)

func (s *MarketService) trade(ctx context.Context, kind domain.TradeKind, id uint64, user string, apply transition) (TradeResult, error) {
	if strings.TrimSpace(user) == "" || strings.HasPrefix(user, "market:") {
		return TradeResult{}, fmt.Errorf("market_service: %s: user %q: %w", kind, user, domain.ErrInvalidAccount)
	}

	var (
		res     TradeResult
		pending *pendingTransfer
	)
	err := s.withMarket(ctx, id, func(tx domain.LedgerTx, now time.Time) error {
		m, err := tx.LockMarket(ctx, id)
		if err != nil {
			return err
		}
		p, err := tx.GetPosition(ctx, id, user)
		if errors.Is(err, domain.ErrNotFound) {
			p = domain.NewPosition(id, user, now)
		} else if err != nil {
			return err
		}

		fill, err := apply(m, p, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateMarket(ctx, fill.Market); err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, fill.Position); err != nil {
			return err
		}
		o := fill.Outcome
		tr := newTrade(fill.Market, user, kind, &o, fill.Shares, fill.Amount, now)
		if err := tx.AppendTrade(ctx, tr); err != nil {
			return err
		}

		from, to := user, domain.MarketAccount(id)
		if kind != domain.TradeKindBuy {
			from, to = to, from
		}
		res = TradeResult{Market: fill.Market, Position: fill.Position, Trade: tr}
		err = s.transfer(ctx, from, to, fill.Amount)
		if pending = pendingOf(err, tr, from, to); pending != nil && kind != domain.TradeKindBuy {
			// A payout custody may still deliver commits, so it is never paid twice.
			res.PendingTransfer = pending.Ref
			return nil
		}
		return err
	}, func() {
		s.committed(ctx, res.Market, res.Trade)
	})
	if pending != nil {
		s.transferPending(ctx, *pending, err == nil)
	}
	if err != nil {
		return TradeResult{}, fmt.Errorf("market_service: %s market %d: %w", kind, id, err)
	}

	s.logger.InfoContext(ctx, "trade committed",
		slog.String("kind", string(kind)),
		slog.Uint64("market_id", id),
		slog.String("user", user),
		slog.Int("outcome", int(outcomeOf(res.Trade))),
		slog.Uint64("shares", res.Trade.Shares),
		slog.Uint64("amount", res.Trade.Amount),
		slog.Uint64("pooled_balance", res.Market.PooledBalance),
	)
	return res, nil
}

// Resolve reads the oracle and settles the market. Only the first successful
// resolution is recorded; later calls fail with ErrMarketResolved.
func (s *MarketService) Resolve(ctx context.Context, id uint64) (domain.Market, error) {
	var (
		resolved domain.Market
		trade    domain.Trade
	)
	rules := market.ResolveRules{MaxStaleness: s.cfg.MaxStaleness, MaxConfidenceRatio: s.cfg.MaxConfidenceRatio}

	err := s.withMarket(ctx, id, func(tx domain.LedgerTx, now time.Time) error {
		m, err := tx.LockMarket(ctx, id)
		if err != nil {
			return err
		}
		if err := market.CanResolve(m, now); err != nil {
			return err
		}
		obs, err := s.oracle.GetPrice(ctx, m.PriceFeedID, m.Window())
		if err != nil {
			if domain.KindOf(err) == domain.KindUnavailable {
				return err
			}
			return fmt.Errorf("%w: %w", domain.ErrOracleUnavailable, err)
		}
		resolved, err = market.Resolve(m, obs, now, rules)
		if err != nil {
			return err
		}
		if err := tx.MarkResolved(ctx, resolved); err != nil {
			return err
		}
		trade = newTrade(resolved, "", domain.TradeKindResolve, resolved.Outcome, 0, 0, now)
		return tx.AppendTrade(ctx, trade)
	}, func() {
		s.committed(ctx, resolved, trade)
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: resolve market %d: %w", id, err)
	}

	s.logger.InfoContext(ctx, "market resolved",
		slog.Uint64("market_id", id),
		slog.Int("outcome", int(*resolved.Outcome)),
		slog.Float64("observed_price", *resolved.ResolutionPrice),
		slog.Float64("target_price", resolved.TargetPrice),
		slog.Uint64("pooled_balance", resolved.PooledBalance),
	)
	for _, l := range s.listeners {
		if err := l.MarketResolved(ctx, resolved); err != nil {
			s.logger.WarnContext(ctx, "resolution listener failed",
				slog.Uint64("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return resolved, nil
}

// withMarket serialises fn with every other operation on market id, first
// in-process and then, when configured, across instances. after runs once the
// transaction has committed, still under the locks, so snapshots published by
// it are ordered the same way as the commits.
func (s *MarketService) withMarket(ctx context.Context, id uint64, fn func(tx domain.LedgerTx, now time.Time) error, after func()) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if s.dlocks != nil {
		release, err := s.dlocks.Acquire(ctx, marketLockKey(id), s.cfg.LockTTL)
		if err != nil {
			return err
		}
		defer release()
	}

	err := s.ledger.WithTx(ctx, func(tx domain.LedgerTx) error {
		return fn(tx, s.now())
	})
	if err != nil {
		return err
	}
	after()
	return nil
}

// transfer moves amount via custody. Zero amounts are skipped. Errors other
// than a pending transfer count as failed.
func (s *MarketService) transfer(ctx context.Context, from, to string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if err := s.custody.Transfer(ctx, from, to, amount); err != nil {
		if errors.Is(err, domain.ErrTransferFailed) || errors.Is(err, domain.ErrTransferPending) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrTransferFailed, err)
	}
	return nil
}

type pendingTransfer struct {
	MarketID uint64
	TradeID  string
	From     string
	To       string
	Amount   uint64
	Ref      string
	Cause    error
}

// pendingOf returns the unconfirmed transfer behind err, if there is one.
func pendingOf(err error, t domain.Trade, from, to string) *pendingTransfer {
	var pe *domain.PendingTransferError
	if !errors.As(err, &pe) {
		return nil
	}
	return &pendingTransfer{
		MarketID: t.MarketID,
		TradeID:  t.ID,
		From:     from,
		To:       to,
		Amount:   t.Amount,
		Ref:      pe.Ref,
		Cause:    pe.Err,
	}
}

func newTrade(m domain.Market, user string, kind domain.TradeKind, o *domain.Outcome, shares, amount uint64, now time.Time) domain.Trade {
	return domain.Trade{
		ID:        uuid.NewString(),
		MarketID:  m.ID,
		User:      user,
		Kind:      kind,
		Outcome:   o,
		Shares:    shares,
		Amount:    amount,
		Prices:    m.Prices,
		CreatedAt: now,
	}
}

func outcomeOf(t domain.Trade) domain.Outcome {
	if t.Outcome == nil {
		return domain.OutcomeZero
	}
	return *t.Outcome
}

func marketLockKey(id uint64) string {
	return fmt.Sprintf("lmsr:market:%d", id)
}
