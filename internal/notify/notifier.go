// Package notify fans market lifecycle alerts out to chat channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// Event names accepted by the events filter.
const (
	EventMarketResolved = "market.resolved"
	EventReconcileAlert = "reconcile.alert"
)

// Sender delivers one alert to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to every sender, dropping event types outside
// the configured set. An empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends title and message for event to all senders. One failing
// sender does not stop the rest.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		return nil
	}
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.WarnContext(ctx, "notification failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// MarketResolved announces a resolution.
func (n *Notifier) MarketResolved(ctx context.Context, m domain.Market) error {
	return n.Notify(ctx, EventMarketResolved, ResolutionTitle(m), ResolutionMessage(m))
}

// ResolutionTitle is the alert title for a resolved market.
func ResolutionTitle(m domain.Market) string {
	return fmt.Sprintf("Market #%d resolved", m.ID)
}

// ResolutionMessage describes the outcome of a resolved market.
func ResolutionMessage(m domain.Market) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Feed: %s\n", m.PriceFeedID)
	fmt.Fprintf(&b, "Target: %g\n", m.TargetPrice)
	if m.ResolutionPrice != nil {
		fmt.Fprintf(&b, "Observed: %g\n", *m.ResolutionPrice)
	}
	if m.Outcome != nil {
		side := "at or below target"
		if *m.Outcome == domain.OutcomeOne {
			side = "above target"
		}
		fmt.Fprintf(&b, "Winner: outcome %d (%s)\n", *m.Outcome, side)
		fmt.Fprintf(&b, "Winning shares: %d\n", m.Held[*m.Outcome])
	}
	fmt.Fprintf(&b, "Pool: %d", m.PooledBalance)
	return b.String()
}
