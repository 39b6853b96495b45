package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the venue order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// TimeInForce is the order's time-in-force policy.
type TimeInForce string

const (
	TIFGoodTillCancel TimeInForce = "GTC"
	TIFDay            TimeInForce = "DAY"
	TIFImmediate      TimeInForce = "IOC"
)

// OrderKind records why an order exists, so fills can be routed back to the
// right piece of position state.
type OrderKind string

const (
	OrderKindEntry      OrderKind = "entry"
	OrderKindScaleIn    OrderKind = "scale_in"
	OrderKindClose      OrderKind = "close"
	OrderKindTakeProfit OrderKind = "take_profit"
	OrderKindStop       OrderKind = "stop"
)

// ExitReason maps an exit-order kind to the reason recorded on the resulting
// close events. Entry kinds map to ReasonManual: an exit fill with an entry
// kind only occurs through an operator override.
func (k OrderKind) ExitReason() string {
	switch k {
	case OrderKindStop:
		return ReasonStop
	case OrderKindTakeProfit:
		return ReasonTakeProfit
	default:
		return ReasonManual
	}
}

// Order is an instruction handed to the execution adapter. RequestID is a
// client-generated identifier: resubmitting an order with the same RequestID
// must be deduplicated venue-side, so retries never double-fill.
type Order struct {
	RequestID  string
	PositionID string
	Underlying string
	Side       OrderSide
	Type       OrderType
	Kind       OrderKind
	Quantity   int // unsigned magnitude; direction is Side
	Price      float64
	TIF        TimeInForce
	ReduceOnly bool
	CreatedAt  time.Time
}

// OrderAckStatus is the venue's response classification for a submission.
type OrderAckStatus string

const (
	AckAccepted  OrderAckStatus = "accepted"
	AckFilled    OrderAckStatus = "filled"
	AckRejected  OrderAckStatus = "rejected"
	AckDuplicate OrderAckStatus = "duplicate" // RequestID already seen
)

// OrderAck is the venue's answer to a Submit.
type OrderAck struct {
	VenueOrderID string
	RequestID    string
	Status       OrderAckStatus
	FilledPrice  float64
	FilledQty    int
	At           time.Time
}

// Fill reports an execution of a previously accepted order.
type Fill struct {
	VenueOrderID string
	RequestID    string
	Kind         OrderKind
	PositionID   string
	Side         OrderSide
	Price        float64
	Quantity     int
	At           time.Time
}

// VenuePosition is the broker-side view of a net position, used only for
// startup reconciliation against locally persisted state.
type VenuePosition struct {
	Underlying  string
	NetQuantity int
	AvgPrice    float64
}
