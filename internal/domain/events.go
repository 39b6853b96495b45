package domain

import "time"

// EventType classifies entries in the append-only event journal. The journal
// is the durable record consumed by the monitor and any external trade
// tracking service.
type EventType string

const (
	EventTrancheOpened       EventType = "TrancheOpened"
	EventTrancheClosed       EventType = "TrancheClosed"
	EventBracketTriggered    EventType = "BracketTriggered"
	EventRiskHalted          EventType = "RiskHalted"
	EventActionRejected      EventType = "ActionRejected"
	EventBracketInconsistent EventType = "BracketInconsistent"
	EventReconcileMismatch   EventType = "ReconcileMismatch"
)

// Event is one structured journal record. Events are append-only: they are
// never updated or deleted except by compaction after the owning position has
// closed and been archived.
type Event struct {
	ID         string
	Type       EventType
	PositionID string
	Underlying string
	Reason     string // exit reason or reject code
	Price      float64
	Quantity   int
	At         time.Time
	Seq        int64 // observation sequence that produced the event, 0 if none
}
