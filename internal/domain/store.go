package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LedgerTx is the ledger as seen from inside one transaction. Reads through
// LockMarket hold the market row until the transaction ends, so every
// operation on a market observes the result of the previous one.
type LedgerTx interface {
	// NextMarketID advances the market registry and returns the issued id.
	NextMarketID(ctx context.Context) (uint64, error)
	InsertMarket(ctx context.Context, m Market) error
	LockMarket(ctx context.Context, id uint64) (Market, error)
	UpdateMarket(ctx context.Context, m Market) error
	// MarkResolved persists a resolution only if the stored market is still
	// unresolved, returning ErrMarketResolved otherwise.
	MarkResolved(ctx context.Context, m Market) error
	// GetPosition returns ErrNotFound when the user never traded the market.
	GetPosition(ctx context.Context, marketID uint64, user string) (Position, error)
	SavePosition(ctx context.Context, p Position) error
	AppendTrade(ctx context.Context, t Trade) error
}

// LedgerStore persists markets, positions and the trade journal.
type LedgerStore interface {
	// WithTx runs fn in a transaction that commits only if fn returns nil.
	WithTx(ctx context.Context, fn func(tx LedgerTx) error) error
	GetMarket(ctx context.Context, id uint64) (Market, error)
	ListMarkets(ctx context.Context, filter MarketFilter) ([]Market, error)
	GetPosition(ctx context.Context, marketID uint64, user string) (Position, error)
	ListPositions(ctx context.Context, marketID uint64) ([]Position, error)
	ListUserPositions(ctx context.Context, user string, opts ListOpts) ([]Position, error)
	ListTrades(ctx context.Context, marketID uint64, opts ListOpts) ([]Trade, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListEvent(ctx context.Context, event string, opts ListOpts) ([]AuditEntry, error)
}
