// Package notify pushes journal events to operator channels (Telegram,
// Discord). The notifier is an event sink filtered by event type, so
// operators receive halts and reconciliation alerts without being paged for
// every fill.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"tranchebot/internal/domain"
)

// Severity grades how urgently an event needs an operator. Halts and
// reconciliation freezes stop trading until someone intervenes, so they are
// rendered louder than routine trade reports.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityAlert
)

func severityFor(t domain.EventType) Severity {
	switch t {
	case domain.EventRiskHalted, domain.EventBracketInconsistent, domain.EventReconcileMismatch:
		return SeverityAlert
	case domain.EventActionRejected:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification. Channels use sev to pick their own
	// emphasis (embed color, emoji marker) for alerts versus routine traffic.
	Send(ctx context.Context, sev Severity, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier formats journal events and dispatches them to one or more Senders.
// It maintains a set of allowed event types; events outside the set are
// dropped silently.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

var _ domain.EventSink = (*Notifier)(nil)

// NewNotifier creates a Notifier that delivers to the given senders. Only
// events whose type appears in the events slice are forwarded; an empty list
// allows everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		allowed[domain.EventType(strings.TrimSpace(e))] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Emit implements domain.EventSink. Sender failures are logged and collected;
// they never abort delivery to the remaining senders.
func (n *Notifier) Emit(ctx context.Context, ev domain.Event) error {
	if len(n.events) > 0 && !n.events[ev.Type] {
		return nil
	}
	title, message := formatEvent(ev)
	return n.dispatch(ctx, severityFor(ev.Type), title, message)
}

func (n *Notifier) dispatch(ctx context.Context, sev Severity, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, sev, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// formatEvent renders one journal event as an operator-readable alert.
func formatEvent(ev domain.Event) (title, message string) {
	var b strings.Builder
	if ev.Underlying != "" {
		fmt.Fprintf(&b, "%s ", ev.Underlying)
	}
	switch ev.Type {
	case domain.EventTrancheOpened:
		fmt.Fprintf(&b, "opened %d @ %.2f", ev.Quantity, ev.Price)
	case domain.EventTrancheClosed:
		fmt.Fprintf(&b, "closed %d @ %.2f (%s)", ev.Quantity, ev.Price, ev.Reason)
	case domain.EventBracketTriggered:
		fmt.Fprintf(&b, "bracket %s filled %d @ %.2f", ev.Reason, ev.Quantity, ev.Price)
	case domain.EventRiskHalted:
		fmt.Fprintf(&b, "trading halted: %s", ev.Reason)
	case domain.EventActionRejected:
		fmt.Fprintf(&b, "action rejected: %s", ev.Reason)
	case domain.EventBracketInconsistent:
		fmt.Fprintf(&b, "bracket inconsistent, manual reconciliation required (%s)", ev.Reason)
	case domain.EventReconcileMismatch:
		fmt.Fprintf(&b, "venue position mismatch: %s", ev.Reason)
	default:
		fmt.Fprintf(&b, "%s %s", ev.Type, ev.Reason)
	}
	if ev.PositionID != "" {
		fmt.Fprintf(&b, "\nposition %s", ev.PositionID)
	}
	return string(ev.Type), b.String()
}
