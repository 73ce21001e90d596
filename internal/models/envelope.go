package models

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Inbound message discriminators.
const (
	MsgBetPlaced  = "bet_placed"
	MsgSettlement = "settlement"
	MsgPayout     = "payout"
	MsgBatch      = "batch"
	MsgPing       = "ping"
	MsgPong       = "pong"
	MsgSubscribed = "subscribed"
	MsgConnected  = "connected"
)

// Envelope is the generic inbound wire message. A batch envelope carries an
// ordered list of nested envelopes; batches and live events are semantically
// equivalent downstream.
type Envelope struct {
	Type       string            `json:"type"`
	EventType  EventType         `json:"eventType,omitempty"`
	New        *BetRecord        `json:"new,omitempty"`
	Old        *BetRecord        `json:"old,omitempty"`
	Settlement *SettlementRecord `json:"settlement,omitempty"`
	Payout     *PayoutRecord     `json:"payout,omitempty"`
	Events     []Envelope        `json:"events,omitempty"`
	Timestamp  int64             `json:"timestamp,omitempty"`
}

type TimeperiodRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type PriceRange struct {
	MinE8 int64 `json:"min"`
	MaxE8 int64 `json:"max"`
}

// SubscribeFilter is the declarative outbound subscription shape.
type SubscribeFilter struct {
	Tables          []string         `json:"tables"`
	Events          []EventType      `json:"events"`
	TimeperiodRange *TimeperiodRange `json:"timeperiodRange,omitempty"`
	PriceRange      *PriceRange      `json:"priceRange,omitempty"`
}

// Merge folds the non-empty fields of partial into f and returns the result.
// Used by filter narrowing; never widens implicitly.
func (f SubscribeFilter) Merge(partial SubscribeFilter) SubscribeFilter {
	out := f
	if len(partial.Tables) > 0 {
		out.Tables = partial.Tables
	}
	if len(partial.Events) > 0 {
		out.Events = partial.Events
	}
	if partial.TimeperiodRange != nil {
		out.TimeperiodRange = partial.TimeperiodRange
	}
	if partial.PriceRange != nil {
		out.PriceRange = partial.PriceRange
	}
	return out
}
