// Package notify delivers operator alerts for market lifecycle events.
// An AlertSink attaches to the event emitter and forwards the events it is
// configured for to every registered sender (Telegram, Discord, etc.);
// encrypted payload fields are never included, only public lifecycle data.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/veilbet/internal/domain"
)

// Sender is the interface each notification channel implements.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// defaultEvents are the lifecycle events forwarded when no explicit filter
// is configured. Balance events are deliberately excluded: they are
// high-volume and carry nothing an operator acts on.
var defaultEvents = []domain.EventType{
	domain.EventMarketCreated,
	domain.EventMarketResolved,
	domain.EventTotalsRevealed,
}

// AlertSink is a domain.EventSink that turns market lifecycle events into
// operator notifications. Delivery is best-effort: sender failures are
// logged, never propagated to the operation that emitted the event.
type AlertSink struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewAlertSink creates an AlertSink delivering to the given senders. Only
// events whose type appears in events are forwarded; an empty slice selects
// the default lifecycle set.
func NewAlertSink(senders []Sender, events []domain.EventType, logger *slog.Logger) *AlertSink {
	if len(events) == 0 {
		events = defaultEvents
	}
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		allowed[e] = true
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertSink{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Append implements domain.EventSink. Filtered-out events are dropped
// silently; forwarded events fan out to every sender.
func (n *AlertSink) Append(ctx context.Context, ev domain.Event) error {
	if !n.events[ev.Type] {
		return nil
	}
	title, message := formatEvent(ev)
	return n.dispatch(ctx, title, message)
}

// formatEvent renders an event as an operator-facing title and body. Only
// public fields are included.
func formatEvent(ev domain.Event) (title, message string) {
	switch ev.Type {
	case domain.EventMarketCreated:
		return "Market created",
			fmt.Sprintf("Market #%d: %s", ev.MarketID, dataString(ev.Data, "title"))
	case domain.EventMarketResolved:
		return "Market resolved",
			fmt.Sprintf("Market #%d resolved as %s", ev.MarketID, dataString(ev.Data, "result"))
	case domain.EventTotalsRevealed:
		return "Totals revealed",
			fmt.Sprintf("Market #%d totals: yes=%v no=%v", ev.MarketID, ev.Data["yes_total"], ev.Data["no_total"])
	case domain.EventBetPlaced:
		return "Bet placed",
			fmt.Sprintf("Market #%d received a new bet", ev.MarketID)
	case domain.EventPayoutClaimed:
		return "Payout claimed",
			fmt.Sprintf("Market #%d payout claimed by %s", ev.MarketID, ev.Actor.Hex())
	default:
		return string(ev.Type), fmt.Sprintf("Event %d (%s)", ev.Seq, ev.Type)
	}
}

func dataString(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

// dispatch iterates over all senders and sends the notification. Errors from
// individual senders are collected and returned as a combined error; a single
// sender failure does not prevent delivery to the remaining senders.
func (n *AlertSink) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Compile-time interface check.
var _ domain.EventSink = (*AlertSink)(nil)
