package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// Settlement is the archived record of a resolved market.
type Settlement struct {
	Market    domain.Market     `json:"market"`
	Positions []domain.Position `json:"positions"`
	Archived  time.Time         `json:"archived_at"`
}

// SettlementArchiver copies resolved markets to object storage. On
// resolution it uploads a snapshot of the market and its positions; the cron
// sweep later uploads the full trade journal of markets whose winners have
// all redeemed.
type SettlementArchiver struct {
	markets MarketReader
	writer  domain.BlobWriter
	reader  domain.BlobReader
	audit   domain.AuditStore
	now     func() time.Time
	logger  *slog.Logger
}

// NewSettlementArchiver creates a SettlementArchiver. audit may be nil.
func NewSettlementArchiver(markets MarketReader, writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore, logger *slog.Logger) *SettlementArchiver {
	return &SettlementArchiver{
		markets: markets,
		writer:  writer,
		reader:  reader,
		audit:   audit,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With(slog.String("component", "settlement_archiver")),
	}
}

func snapshotPath(id uint64) string { return fmt.Sprintf("settlements/%d/market.json", id) }
func journalPath(id uint64) string  { return fmt.Sprintf("settlements/%d/trades.jsonl", id) }

// MarketResolved uploads the resolution snapshot.
func (a *SettlementArchiver) MarketResolved(ctx context.Context, m domain.Market) error {
	return a.writeSnapshot(ctx, m)
}

func (a *SettlementArchiver) writeSnapshot(ctx context.Context, m domain.Market) error {
	positions, err := a.markets.ListPositions(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("archiver: positions of %d: %w", m.ID, err)
	}
	data, err := json.MarshalIndent(Settlement{Market: m, Positions: positions, Archived: a.now()}, "", "  ")
	if err != nil {
		return fmt.Errorf("archiver: marshal %d: %w", m.ID, err)
	}
	if err := a.writer.Put(ctx, snapshotPath(m.ID), bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("archiver: upload snapshot %d: %w", m.ID, err)
	}
	a.logger.InfoContext(ctx, "settlement snapshot archived", slog.Uint64("market_id", m.ID))
	return nil
}

// settled reports whether every winning share of m has been redeemed.
func settled(m domain.Market) bool {
	return m.Resolved && m.Outcome != nil && m.Held[*m.Outcome] == 0
}

// Sweep archives the journal of each settled market not archived yet and
// returns how many it wrote.
func (a *SettlementArchiver) Sweep(ctx context.Context) (int, error) {
	const page = 200
	written := 0
	for offset := 0; ; offset += page {
		ms, err := a.markets.ListMarkets(ctx, domain.MarketFilter{
			Status: domain.MarketStatusResolved,
			Opts:   domain.ListOpts{Limit: page, Offset: offset},
		})
		if err != nil {
			return written, fmt.Errorf("archiver: list resolved: %w", err)
		}
		for _, m := range ms {
			if !settled(m) {
				continue
			}
			done, err := a.reader.Exists(ctx, journalPath(m.ID))
			if err != nil {
				return written, fmt.Errorf("archiver: check %d: %w", m.ID, err)
			}
			if done {
				continue
			}
			if err := a.archiveJournal(ctx, m); err != nil {
				return written, err
			}
			written++
		}
		if len(ms) < page {
			return written, nil
		}
	}
}

func (a *SettlementArchiver) archiveJournal(ctx context.Context, m domain.Market) error {
	trades, err := a.markets.ListTrades(ctx, m.ID, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("archiver: trades of %d: %w", m.ID, err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, t := range trades {
		if err := enc.Encode(t); err != nil {
			return fmt.Errorf("archiver: encode trade %s: %w", t.ID, err)
		}
	}
	// The final snapshot goes first so a journal never exists without it.
	if err := a.writeSnapshot(ctx, m); err != nil {
		return err
	}
	if err := a.writer.Put(ctx, journalPath(m.ID), &buf, "application/x-ndjson"); err != nil {
		return fmt.Errorf("archiver: upload journal %d: %w", m.ID, err)
	}
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.settlement", map[string]any{
			"market_id": m.ID,
			"trades":    len(trades),
			"path":      journalPath(m.ID),
		}); err != nil {
			a.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// RunCron sweeps on the cron schedule until ctx is cancelled.
func (a *SettlementArchiver) RunCron(ctx context.Context, expr string) error {
	sched, err := parseCron(expr)
	if err != nil {
		return fmt.Errorf("archiver: cron %q: %w", expr, err)
	}
	a.logger.InfoContext(ctx, "settlement archiver started", slog.String("cron", expr))
	for {
		next, err := sched.next(time.Now().UTC())
		if err != nil {
			return fmt.Errorf("archiver: cron %q: %w", expr, err)
		}
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
			n, err := a.Sweep(ctx)
			if err != nil {
				a.logger.ErrorContext(ctx, "settlement sweep failed", slog.String("error", err.Error()))
				continue
			}
			a.logger.InfoContext(ctx, "settlement sweep", slog.Int("archived", n))
		}
	}
}
