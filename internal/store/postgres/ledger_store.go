package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// LedgerStore implements domain.LedgerStore. Same-market writers serialise on
// the market row via SELECT ... FOR UPDATE.
type LedgerStore struct {
	pool *pgxpool.Pool
}

var (
	_ domain.LedgerStore = (*LedgerStore)(nil)
	_ domain.LedgerTx    = (*ledgerTx)(nil)
)

// NewLedgerStore creates a LedgerStore backed by the given pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// WithTx runs fn inside a read-committed transaction.
func (s *LedgerStore) WithTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&ledgerTx{q: tx})
	})
}

// GetMarket returns a market snapshot without locking it.
func (s *LedgerStore) GetMarket(ctx context.Context, id uint64) (domain.Market, error) {
	return getMarket(ctx, s.pool, id, false)
}

// ListMarkets returns markets ordered by id.
func (s *LedgerStore) ListMarkets(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE 1=1`
	var args []any
	switch f.Status {
	case domain.MarketStatusOpen:
		query += " AND NOT resolved"
	case domain.MarketStatusResolved:
		query += " AND resolved"
	}
	query, args = appendWindow(query, args, "created_at", f.Opts)
	query += " ORDER BY id"
	query, args = appendPage(query, args, f.Opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetPosition returns the position of user in market.
func (s *LedgerStore) GetPosition(ctx context.Context, marketID uint64, user string) (domain.Position, error) {
	return getPosition(ctx, s.pool, marketID, user)
}

// ListPositions returns every position of a market.
func (s *LedgerStore) ListPositions(ctx context.Context, marketID uint64) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = $1 ORDER BY user_id`, int64(marketID))
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions of market %d: %w", marketID, err)
	}
	return collectPositions(rows)
}

// ListUserPositions returns a user's positions, most recently touched first.
func (s *LedgerStore) ListUserPositions(ctx context.Context, user string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions WHERE user_id = $1`
	args := []any{user}
	query, args = appendWindow(query, args, "updated_at", opts)
	query += " ORDER BY updated_at DESC, market_id"
	query, args = appendPage(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions of %s: %w", user, err)
	}
	return collectPositions(rows)
}

// ListTrades returns the journal of a market in commit order. Rows are
// appended under the market's row lock, so seq orders them as committed.
func (s *LedgerStore) ListTrades(ctx context.Context, marketID uint64, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT id, market_id, user_id, kind, outcome, shares, amount, price_0, price_1, created_at
		FROM trades WHERE market_id = $1`
	args := []any{int64(marketID)}
	query, args = appendWindow(query, args, "created_at", opts)
	query += " ORDER BY seq"
	query, args = appendPage(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades of market %d: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var (
			t               domain.Trade
			mid, sh, amount int64
			outcome         *int16
			kind            string
		)
		if err := rows.Scan(&t.ID, &mid, &t.User, &kind, &outcome, &sh, &amount,
			&t.Prices[0], &t.Prices[1], &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		t.MarketID, t.Shares, t.Amount = uint64(mid), uint64(sh), uint64(amount)
		t.Kind = domain.TradeKind(kind)
		if outcome != nil {
			o := domain.Outcome(*outcome)
			t.Outcome = &o
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type ledgerTx struct {
	q querier
}

func (t *ledgerTx) NextMarketID(ctx context.Context) (uint64, error) {
	var id int64
	err := t.q.QueryRow(ctx,
		`UPDATE market_registry SET next_id = next_id + 1 WHERE id = 1 RETURNING next_id - 1`,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: advance market registry: %w", err)
	}
	return uint64(id), nil
}

func (t *ledgerTx) InsertMarket(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, creator, target_price, price_feed_id, created_at, resolve_from, resolve_to,
			subsidy_amount, liquidity, token_decimals, pooled_balance,
			outstanding_0, outstanding_1, held_0, held_1, price_0, price_1,
			resolved, outcome, resolution_price, resolved_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22
		)`
	_, err := t.q.Exec(ctx, query,
		int64(m.ID), m.Creator, m.TargetPrice, m.PriceFeedID, m.CreatedAt, m.ResolveFrom, m.ResolveTo,
		int64(m.SubsidyAmount), m.Liquidity, int16(m.TokenDecimals), int64(m.PooledBalance),
		int64(m.Outstanding[0]), int64(m.Outstanding[1]), int64(m.Held[0]), int64(m.Held[1]),
		m.Prices[0], m.Prices[1],
		m.Resolved, outcomeArg(m.Outcome), m.ResolutionPrice, m.ResolvedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert market %d: %w", m.ID, err)
	}
	return nil
}

func (t *ledgerTx) LockMarket(ctx context.Context, id uint64) (domain.Market, error) {
	return getMarket(ctx, t.q, id, true)
}

func (t *ledgerTx) UpdateMarket(ctx context.Context, m domain.Market) error {
	const query = `
		UPDATE markets SET
			pooled_balance = $2, outstanding_0 = $3, outstanding_1 = $4,
			held_0 = $5, held_1 = $6, price_0 = $7, price_1 = $8, updated_at = $9
		WHERE id = $1`
	tag, err := t.q.Exec(ctx, query,
		int64(m.ID), int64(m.PooledBalance),
		int64(m.Outstanding[0]), int64(m.Outstanding[1]),
		int64(m.Held[0]), int64(m.Held[1]),
		m.Prices[0], m.Prices[1], m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update market %d: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update market %d: %w", m.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *ledgerTx) MarkResolved(ctx context.Context, m domain.Market) error {
	const query = `
		UPDATE markets SET
			resolved = TRUE, outcome = $2, resolution_price = $3, resolved_at = $4, updated_at = $5
		WHERE id = $1 AND NOT resolved`
	tag, err := t.q.Exec(ctx, query,
		int64(m.ID), outcomeArg(m.Outcome), m.ResolutionPrice, m.ResolvedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: resolve market %d: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMarketResolved
	}
	return nil
}

func (t *ledgerTx) GetPosition(ctx context.Context, marketID uint64, user string) (domain.Position, error) {
	return getPosition(ctx, t.q, marketID, user)
}

func (t *ledgerTx) SavePosition(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (market_id, user_id, shares_0, shares_1, redeemed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (market_id, user_id) DO UPDATE SET
			shares_0 = EXCLUDED.shares_0,
			shares_1 = EXCLUDED.shares_1,
			redeemed_at = EXCLUDED.redeemed_at,
			updated_at = EXCLUDED.updated_at`
	_, err := t.q.Exec(ctx, query,
		int64(p.MarketID), p.User, int64(p.Shares[0]), int64(p.Shares[1]),
		p.RedeemedAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save position %d/%s: %w", p.MarketID, p.User, err)
	}
	return nil
}

func (t *ledgerTx) AppendTrade(ctx context.Context, tr domain.Trade) error {
	const query = `
		INSERT INTO trades (id, market_id, user_id, kind, outcome, shares, amount, price_0, price_1, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := t.q.Exec(ctx, query,
		tr.ID, int64(tr.MarketID), tr.User, string(tr.Kind), outcomeArg(tr.Outcome),
		int64(tr.Shares), int64(tr.Amount), tr.Prices[0], tr.Prices[1], tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append trade %s: %w", tr.ID, err)
	}
	return nil
}

const marketCols = `id, creator, target_price, price_feed_id, created_at, resolve_from, resolve_to,
	subsidy_amount, liquidity, token_decimals, pooled_balance,
	outstanding_0, outstanding_1, held_0, held_1, price_0, price_1,
	resolved, outcome, resolution_price, resolved_at, updated_at`

const positionCols = `market_id, user_id, shares_0, shares_1, redeemed_at, created_at, updated_at`

func getMarket(ctx context.Context, q querier, id uint64, forUpdate bool) (domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	m, err := scanMarket(q.QueryRow(ctx, query, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Market{}, fmt.Errorf("market %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: get market %d: %w", id, err)
	}
	return m, nil
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m                        domain.Market
		id, subsidy, pool        int64
		out0, out1, held0, held1 int64
		decimals                 int16
		outcome                  *int16
		resolutionPrice          *float64
		resolvedAt               *time.Time
	)
	err := row.Scan(
		&id, &m.Creator, &m.TargetPrice, &m.PriceFeedID, &m.CreatedAt, &m.ResolveFrom, &m.ResolveTo,
		&subsidy, &m.Liquidity, &decimals, &pool,
		&out0, &out1, &held0, &held1, &m.Prices[0], &m.Prices[1],
		&m.Resolved, &outcome, &resolutionPrice, &resolvedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.ID, m.SubsidyAmount, m.PooledBalance = uint64(id), uint64(subsidy), uint64(pool)
	m.TokenDecimals = uint8(decimals)
	m.Outstanding = [2]uint64{uint64(out0), uint64(out1)}
	m.Held = [2]uint64{uint64(held0), uint64(held1)}
	if outcome != nil {
		o := domain.Outcome(*outcome)
		m.Outcome = &o
	}
	m.ResolutionPrice = resolutionPrice
	m.ResolvedAt = resolvedAt
	return m, nil
}

func getPosition(ctx context.Context, q querier, marketID uint64, user string) (domain.Position, error) {
	row := q.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = $1 AND user_id = $2`, int64(marketID), user)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("position %d/%s: %w", marketID, user, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %d/%s: %w", marketID, user, err)
	}
	return p, nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p           domain.Position
		mid, s0, s1 int64
	)
	if err := row.Scan(&mid, &p.User, &s0, &s1, &p.RedeemedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Position{}, err
	}
	p.MarketID = uint64(mid)
	p.Shares = [2]uint64{uint64(s0), uint64(s1)}
	return p, nil
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func outcomeArg(o *domain.Outcome) *int16 {
	if o == nil {
		return nil
	}
	v := int16(*o)
	return &v
}

func appendWindow(query string, args []any, col string, opts domain.ListOpts) (string, []any) {
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND %s >= $%d", col, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND %s <= $%d", col, len(args))
	}
	return query, args
}

func appendPage(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
