package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionKind enumerates the intents the rule engine can produce.
type ActionKind string

const (
	ActionOpenTranche ActionKind = "open_tranche"
	ActionAddTranche  ActionKind = "add_tranche"
	ActionCloseAll    ActionKind = "close_all"
	ActionTightenStop ActionKind = "tighten_stop"
)

// Exit reasons carried on CloseAll actions.
const (
	ReasonStop       = "stop"
	ReasonTimeExit   = "time_exit"
	ReasonTakeProfit = "take_profit"
	ReasonBracket    = "bracket_fill"
	ReasonManual     = "manual"
)

// Action is one intended state change for a position. Actions are pure data:
// the rule engine emits them, the risk guard vets them, and the tracker and
// bracket manager apply them.
type Action struct {
	Kind       ActionKind
	PositionID string
	Underlying string
	Quantity   int     // tranche quantity for open/add; ignored for close
	Price      float64 // observation price at decision time; stop level for tighten_stop
	Reason     string
	RequestID  string // deterministic; keys idempotent order submission
	At         time.Time
}

// actionNamespace seeds deterministic request IDs. Replaying the same
// observation sequence must produce byte-identical actions, so request IDs
// are derived (UUIDv5) rather than drawn from a random source.
var actionNamespace = uuid.MustParse("9e2f5a49-7c1b-4b55-8a47-3f0d9f6f21aa")

// NewRequestID derives the idempotency key for an action from the position,
// the action kind, and the observation sequence number that triggered it.
func NewRequestID(positionID string, kind ActionKind, obsSeq int64) string {
	name := fmt.Sprintf("%s|%s|%d", positionID, kind, obsSeq)
	return uuid.NewSHA1(actionNamespace, []byte(name)).String()
}

// NewPositionID derives the identifier for a position opened by the entry
// trigger at the given observation sequence.
func NewPositionID(underlying, strategy string, obsSeq int64) string {
	name := fmt.Sprintf("pos|%s|%s|%d", underlying, strategy, obsSeq)
	return uuid.NewSHA1(actionNamespace, []byte(name)).String()
}

// NewTrancheID derives the identifier for the tranche created by the action
// with the given request ID.
func NewTrancheID(requestID string) string {
	return uuid.NewSHA1(actionNamespace, []byte("tranche|"+requestID)).String()
}

// NewBracketID derives the identifier for the exit bracket issued for a
// position (or tranche, in per-tranche mode) at the given observation.
func NewBracketID(positionID, trancheID string, obsSeq int64) string {
	name := fmt.Sprintf("bracket|%s|%s|%d", positionID, trancheID, obsSeq)
	return uuid.NewSHA1(actionNamespace, []byte(name)).String()
}

// NewLegRequestID derives the idempotency key for one bracket leg order.
func NewLegRequestID(bracketID string, kind LegKind) string {
	name := fmt.Sprintf("leg|%s|%s", bracketID, kind)
	return uuid.NewSHA1(actionNamespace, []byte(name)).String()
}

// NewEventID derives a stable identifier for a journal event.
func NewEventID(positionID string, typ EventType, obsSeq int64) string {
	name := fmt.Sprintf("event|%s|%s|%d", positionID, typ, obsSeq)
	return uuid.NewSHA1(actionNamespace, []byte(name)).String()
}
