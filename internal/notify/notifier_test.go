package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"tranchebot/internal/domain"
)

type fakeSender struct {
	name       string
	err        error
	severities []Severity
	titles     []string
	messages   []string
}

func (f *fakeSender) Send(_ context.Context, sev Severity, title, message string) error {
	if f.err != nil {
		return f.err
	}
	f.severities = append(f.severities, sev)
	f.titles = append(f.titles, title)
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeSender) Name() string { return f.name }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitFiltersByEventType(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, []string{"RiskHalted"}, discard())

	if err := n.Emit(context.Background(), domain.Event{Type: domain.EventTrancheOpened}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(s.titles) != 0 {
		t.Fatal("filtered event was delivered")
	}

	ev := domain.Event{Type: domain.EventRiskHalted, Underlying: "MSTR", Reason: "DRAWDOWN_HALT"}
	if err := n.Emit(context.Background(), ev); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(s.titles) != 1 || s.titles[0] != "RiskHalted" {
		t.Fatalf("titles = %v", s.titles)
	}
	if !strings.Contains(s.messages[0], "DRAWDOWN_HALT") {
		t.Fatalf("message = %q", s.messages[0])
	}
}

func TestEmitEmptyFilterAllowsAll(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, nil, discard())

	ev := domain.Event{Type: domain.EventTrancheClosed, Underlying: "MSTR", Reason: domain.ReasonStop, Price: 365, Quantity: -10}
	if err := n.Emit(context.Background(), ev); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(s.messages) != 1 || !strings.Contains(s.messages[0], "365.00") {
		t.Fatalf("messages = %v", s.messages)
	}
}

func TestSeverityGradesEvents(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, nil, discard())
	ctx := context.Background()

	for _, ev := range []domain.Event{
		{Type: domain.EventTrancheOpened, Quantity: 5, Price: 404.90},
		{Type: domain.EventActionRejected, Reason: "POSITION_LIMIT"},
		{Type: domain.EventRiskHalted, Reason: "DRAWDOWN_HALT"},
		{Type: domain.EventBracketInconsistent, Reason: "cancel unconfirmed"},
	} {
		if err := n.Emit(ctx, ev); err != nil {
			t.Fatalf("Emit(%s): %v", ev.Type, err)
		}
	}

	want := []Severity{SeverityInfo, SeverityWarning, SeverityAlert, SeverityAlert}
	if len(s.severities) != len(want) {
		t.Fatalf("severities = %v", s.severities)
	}
	for i, sev := range want {
		if s.severities[i] != sev {
			t.Fatalf("severity[%d] = %d, want %d", i, s.severities[i], sev)
		}
	}
}

func TestDispatchContinuesPastFailedSender(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.Emit(context.Background(), domain.Event{Type: domain.EventRiskHalted, Reason: "LOSS_HALT"})
	if err == nil {
		t.Fatal("expected aggregate error")
	}
	if len(good.titles) != 1 {
		t.Fatal("healthy sender skipped after failure")
	}
}
