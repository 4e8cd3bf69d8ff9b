// Package sqlite implements the ledger and audit stores on an embedded SQLite
// database. A single connection serialises all writers, which is what makes
// per-market read-modify-write transactions safe without row locks.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// Store is a SQLite-backed domain.LedgerStore and domain.AuditStore.
type Store struct {
	db *sql.DB
}

var (
	_ domain.LedgerStore = (*Store)(nil)
	_ domain.AuditStore  = (*Store)(nil)
	_ domain.LedgerTx    = (*ledgerTx)(nil)
)

// Open opens or creates the database at path. ":memory:" gives a private
// in-process database.
func Open(path string) (*Store, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "lmsrmarket", "ledger.db")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA foreign_keys=ON`, `PRAGMA busy_timeout=5000`} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create tables: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS market_registry (
			id      INTEGER PRIMARY KEY CHECK (id = 1),
			next_id INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO market_registry (id, next_id) VALUES (1, 0)`,
		`CREATE TABLE IF NOT EXISTS markets (
			id               INTEGER PRIMARY KEY,
			creator          TEXT    NOT NULL,
			target_price     REAL    NOT NULL,
			price_feed_id    TEXT    NOT NULL,
			created_at       INTEGER NOT NULL,
			resolve_from     INTEGER NOT NULL,
			resolve_to       INTEGER NOT NULL,
			subsidy_amount   INTEGER NOT NULL,
			liquidity        REAL    NOT NULL,
			token_decimals   INTEGER NOT NULL,
			pooled_balance   INTEGER NOT NULL CHECK (pooled_balance >= 0),
			outstanding_0    INTEGER NOT NULL,
			outstanding_1    INTEGER NOT NULL,
			held_0           INTEGER NOT NULL DEFAULT 0,
			held_1           INTEGER NOT NULL DEFAULT 0,
			price_0          REAL    NOT NULL,
			price_1          REAL    NOT NULL,
			resolved         INTEGER NOT NULL DEFAULT 0,
			outcome          INTEGER,
			resolution_price REAL,
			resolved_at      INTEGER,
			updated_at       INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			market_id   INTEGER NOT NULL REFERENCES markets(id),
			user_id     TEXT    NOT NULL,
			shares_0    INTEGER NOT NULL DEFAULT 0,
			shares_1    INTEGER NOT NULL DEFAULT 0,
			redeemed_at INTEGER,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (market_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS trades (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT    NOT NULL UNIQUE,
			market_id  INTEGER NOT NULL REFERENCES markets(id),
			user_id    TEXT    NOT NULL,
			kind       TEXT    NOT NULL,
			outcome    INTEGER,
			shares     INTEGER NOT NULL DEFAULT 0,
			amount     INTEGER NOT NULL DEFAULT 0,
			price_0    REAL    NOT NULL,
			price_1    REAL    NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market_id, seq)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			event      TEXT    NOT NULL,
			detail     TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_event ON audit_log(event, id DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// WithTx runs fn in a transaction on the single writer connection.
func (s *Store) WithTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&ledgerTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// GetMarket returns a market snapshot.
func (s *Store) GetMarket(ctx context.Context, id uint64) (domain.Market, error) {
	return getMarket(ctx, s.db, id)
}

// ListMarkets returns markets ordered by id.
func (s *Store) ListMarkets(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE 1=1`
	var args []any
	switch f.Status {
	case domain.MarketStatusOpen:
		query += ` AND resolved = 0`
	case domain.MarketStatusResolved:
		query += ` AND resolved = 1`
	}
	query, args = appendWindow(query, args, "created_at", f.Opts)
	query += ` ORDER BY id`
	query, args = appendPage(query, args, f.Opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list markets: %w", err)
	}
	defer rows.Close()
	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan market: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetPosition returns the position of user in market.
func (s *Store) GetPosition(ctx context.Context, marketID uint64, user string) (domain.Position, error) {
	return getPosition(ctx, s.db, marketID, user)
}

// ListPositions returns every position of a market.
func (s *Store) ListPositions(ctx context.Context, marketID uint64) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = ? ORDER BY user_id`, int64(marketID))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list positions: %w", err)
	}
	return collectPositions(rows)
}

// ListUserPositions returns a user's positions, most recently touched first.
func (s *Store) ListUserPositions(ctx context.Context, user string, opts domain.ListOpts) ([]domain.Position, error) {
	query, args := appendWindow(`SELECT `+positionCols+` FROM positions WHERE user_id = ?`, []any{user}, "updated_at", opts)
	query += ` ORDER BY updated_at DESC, market_id`
	query, args = appendPage(query, args, opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list positions of %s: %w", user, err)
	}
	return collectPositions(rows)
}

// ListTrades returns the journal of a market in commit order.
func (s *Store) ListTrades(ctx context.Context, marketID uint64, opts domain.ListOpts) ([]domain.Trade, error) {
	query, args := appendWindow(`SELECT id, market_id, user_id, kind, outcome, shares, amount, price_0, price_1, created_at
		FROM trades WHERE market_id = ?`, []any{int64(marketID)}, "created_at", opts)
	query += ` ORDER BY seq`
	query, args = appendPage(query, args, opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list trades: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var (
			t                        domain.Trade
			mid, sh, amount, created int64
			outcome                  sql.NullInt64
			kind                     string
		)
		if err := rows.Scan(&t.ID, &mid, &t.User, &kind, &outcome, &sh, &amount,
			&t.Prices[0], &t.Prices[1], &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan trade: %w", err)
		}
		t.MarketID, t.Shares, t.Amount = uint64(mid), uint64(sh), uint64(amount)
		t.Kind = domain.TradeKind(kind)
		t.Outcome = outcomeFrom(outcome)
		t.CreatedAt = fromNanos(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Log appends an audit entry with its detail encoded as JSON.
func (s *Store) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(detailJSON), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns audit entries newest first.
func (s *Store) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return s.listAudit(ctx, "", opts)
}

// ListEvent returns the audit entries recorded for event, newest first.
func (s *Store) ListEvent(ctx context.Context, event string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return s.listAudit(ctx, event, opts)
}

func (s *Store) listAudit(ctx context.Context, event string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`
	var args []any
	if event != "" {
		query += ` AND event = ?`
		args = append(args, event)
	}
	query, args = appendWindow(query, args, "created_at", opts)
	query += ` ORDER BY id DESC`
	query, args = appendPage(query, args, opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e       domain.AuditEntry
			detail  sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Event, &detail, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		e.CreatedAt = fromNanos(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type ledgerTx struct {
	q querier
}

func (t *ledgerTx) NextMarketID(ctx context.Context) (uint64, error) {
	var id int64
	err := t.q.QueryRowContext(ctx,
		`UPDATE market_registry SET next_id = next_id + 1 WHERE id = 1 RETURNING next_id - 1`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sqlite: advance market registry: %w", err)
	}
	return uint64(id), nil
}

func (t *ledgerTx) InsertMarket(ctx context.Context, m domain.Market) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO markets (`+marketCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		int64(m.ID), m.Creator, m.TargetPrice, m.PriceFeedID,
		m.CreatedAt.UnixNano(), m.ResolveFrom.UnixNano(), m.ResolveTo.UnixNano(),
		int64(m.SubsidyAmount), m.Liquidity, int64(m.TokenDecimals), int64(m.PooledBalance),
		int64(m.Outstanding[0]), int64(m.Outstanding[1]), int64(m.Held[0]), int64(m.Held[1]),
		m.Prices[0], m.Prices[1],
		boolToInt(m.Resolved), outcomeArg(m.Outcome), m.ResolutionPrice, nanosArg(m.ResolvedAt),
		m.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert market %d: %w", m.ID, err)
	}
	return nil
}

// LockMarket reads the market. The transaction already owns the only
// connection, so no other writer can interleave.
func (t *ledgerTx) LockMarket(ctx context.Context, id uint64) (domain.Market, error) {
	return getMarket(ctx, t.q, id)
}

func (t *ledgerTx) UpdateMarket(ctx context.Context, m domain.Market) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE markets SET
			pooled_balance = ?, outstanding_0 = ?, outstanding_1 = ?,
			held_0 = ?, held_1 = ?, price_0 = ?, price_1 = ?, updated_at = ?
		WHERE id = ?`,
		int64(m.PooledBalance), int64(m.Outstanding[0]), int64(m.Outstanding[1]),
		int64(m.Held[0]), int64(m.Held[1]), m.Prices[0], m.Prices[1], m.UpdatedAt.UnixNano(),
		int64(m.ID),
	)
	if err != nil {
		return fmt.Errorf("sqlite: update market %d: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: update market %d: %w", m.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *ledgerTx) MarkResolved(ctx context.Context, m domain.Market) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE markets SET resolved = 1, outcome = ?, resolution_price = ?, resolved_at = ?, updated_at = ?
		WHERE id = ? AND resolved = 0`,
		outcomeArg(m.Outcome), m.ResolutionPrice, nanosArg(m.ResolvedAt), m.UpdatedAt.UnixNano(), int64(m.ID))
	if err != nil {
		return fmt.Errorf("sqlite: resolve market %d: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMarketResolved
	}
	return nil
}

func (t *ledgerTx) GetPosition(ctx context.Context, marketID uint64, user string) (domain.Position, error) {
	return getPosition(ctx, t.q, marketID, user)
}

func (t *ledgerTx) SavePosition(ctx context.Context, p domain.Position) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO positions (`+positionCols+`) VALUES (?,?,?,?,?,?,?)
		ON CONFLICT (market_id, user_id) DO UPDATE SET
			shares_0 = excluded.shares_0,
			shares_1 = excluded.shares_1,
			redeemed_at = excluded.redeemed_at,
			updated_at = excluded.updated_at`,
		int64(p.MarketID), p.User, int64(p.Shares[0]), int64(p.Shares[1]),
		nanosArg(p.RedeemedAt), p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: save position %d/%s: %w", p.MarketID, p.User, err)
	}
	return nil
}

func (t *ledgerTx) AppendTrade(ctx context.Context, tr domain.Trade) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO trades (id, market_id, user_id, kind, outcome, shares, amount, price_0, price_1, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		tr.ID, int64(tr.MarketID), tr.User, string(tr.Kind), outcomeArg(tr.Outcome),
		int64(tr.Shares), int64(tr.Amount), tr.Prices[0], tr.Prices[1], tr.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: append trade %s: %w", tr.ID, err)
	}
	return nil
}

const marketCols = `id, creator, target_price, price_feed_id, created_at, resolve_from, resolve_to,
	subsidy_amount, liquidity, token_decimals, pooled_balance,
	outstanding_0, outstanding_1, held_0, held_1, price_0, price_1,
	resolved, outcome, resolution_price, resolved_at, updated_at`

const positionCols = `market_id, user_id, shares_0, shares_1, redeemed_at, created_at, updated_at`

func getMarket(ctx context.Context, q querier, id uint64) (domain.Market, error) {
	row := q.QueryRowContext(ctx, `SELECT `+marketCols+` FROM markets WHERE id = ?`, int64(id))
	m, err := scanMarket(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Market{}, fmt.Errorf("market %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("sqlite: get market %d: %w", id, err)
	}
	return m, nil
}

func scanMarket(scan func(...any) error) (domain.Market, error) {
	var (
		m                           domain.Market
		id, subsidy, decimals, pool int64
		out0, out1, held0, held1    int64
		created, from, to, updated  int64
		resolved                    int
		outcome, resolvedAt         sql.NullInt64
		resolutionPrice             sql.NullFloat64
	)
	err := scan(
		&id, &m.Creator, &m.TargetPrice, &m.PriceFeedID, &created, &from, &to,
		&subsidy, &m.Liquidity, &decimals, &pool,
		&out0, &out1, &held0, &held1, &m.Prices[0], &m.Prices[1],
		&resolved, &outcome, &resolutionPrice, &resolvedAt, &updated,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.ID, m.SubsidyAmount, m.PooledBalance = uint64(id), uint64(subsidy), uint64(pool)
	m.TokenDecimals = uint8(decimals)
	m.Outstanding = [2]uint64{uint64(out0), uint64(out1)}
	m.Held = [2]uint64{uint64(held0), uint64(held1)}
	m.CreatedAt, m.ResolveFrom, m.ResolveTo, m.UpdatedAt = fromNanos(created), fromNanos(from), fromNanos(to), fromNanos(updated)
	m.Resolved = resolved != 0
	m.Outcome = outcomeFrom(outcome)
	if resolutionPrice.Valid {
		v := resolutionPrice.Float64
		m.ResolutionPrice = &v
	}
	m.ResolvedAt = nanosFrom(resolvedAt)
	return m, nil
}

func getPosition(ctx context.Context, q querier, marketID uint64, user string) (domain.Position, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = ? AND user_id = ?`, int64(marketID), user)
	p, err := scanPosition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("position %d/%s: %w", marketID, user, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: get position %d/%s: %w", marketID, user, err)
	}
	return p, nil
}

func scanPosition(scan func(...any) error) (domain.Position, error) {
	var (
		p                         domain.Position
		mid, s0, s1, created, upd int64
		redeemed                  sql.NullInt64
	)
	if err := scan(&mid, &p.User, &s0, &s1, &redeemed, &created, &upd); err != nil {
		return domain.Position{}, err
	}
	p.MarketID = uint64(mid)
	p.Shares = [2]uint64{uint64(s0), uint64(s1)}
	p.RedeemedAt = nanosFrom(redeemed)
	p.CreatedAt, p.UpdatedAt = fromNanos(created), fromNanos(upd)
	return p, nil
}

func collectPositions(rows *sql.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func appendWindow(query string, args []any, col string, opts domain.ListOpts) (string, []any) {
	if opts.Since != nil {
		query += " AND " + col + " >= ?"
		args = append(args, opts.Since.UnixNano())
	}
	if opts.Until != nil {
		query += " AND " + col + " <= ?"
		args = append(args, opts.Until.UnixNano())
	}
	return query, args
}

func appendPage(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Offset)
	}
	return query, args
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nanosArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nanosFrom(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func outcomeArg(o *domain.Outcome) any {
	if o == nil {
		return nil
	}
	return int64(*o)
}

func outcomeFrom(n sql.NullInt64) *domain.Outcome {
	if !n.Valid {
		return nil
	}
	o := domain.Outcome(n.Int64)
	return &o
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
