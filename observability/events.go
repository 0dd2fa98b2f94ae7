package observability

import (
	"math/big"

	"isolend/core/events"
	"isolend/core/types"
	"isolend/native/auction"
	"isolend/native/lending"
	"isolend/native/reserves"
)

// EventMetrics turns committed events into metric updates. Attach it to the
// state manager next to the indexer with events.Multi.
type EventMetrics struct {
	metrics *ProtocolMetrics
}

var _ events.Emitter = (*EventMetrics)(nil)

// NewEventMetrics feeds m. A nil m uses Protocol().
func NewEventMetrics(m *ProtocolMetrics) *EventMetrics {
	if m == nil {
		m = Protocol()
	}
	return &EventMetrics{metrics: m}
}

// Emit implements events.Emitter.
func (e *EventMetrics) Emit(evt events.Event) {
	if e == nil || evt == nil {
		return
	}
	eventType := evt.EventType()
	e.metrics.events.WithLabelValues(label(eventType)).Inc()
	raw, ok := evt.(*types.Event)
	if !ok || raw == nil {
		return
	}
	pool := raw.Attribute("pool")
	market := label(raw.Attribute("market"))
	switch eventType {
	case lending.EventTypeAccrue:
		e.metrics.accruals.WithLabelValues(market).Inc()
	case lending.EventTypeSeize:
		e.metrics.seizedShares.WithLabelValues(market).Add(mantissaToFloat(parseMantissa(raw.Attribute("seizedShares"))))
	case lending.EventTypeFlashLoan:
		e.metrics.flashLoans.WithLabelValues(market).Inc()
	case auction.EventTypeShortfallRecorded:
		e.metrics.SetBadDebt(pool, parseMantissa(raw.Attribute("badDebt")))
	case auction.EventTypeStarted:
		e.metrics.SetAuctionState(pool, int(auction.StatusOpen))
	case auction.EventTypeSettled:
		e.metrics.SetBadDebt(pool, parseMantissa(raw.Attribute("leftover")))
		e.metrics.SetAuctionState(pool, int(auction.StatusSettled))
		e.metrics.RecordAuction(pool, "settled")
	case auction.EventTypeVoided:
		e.metrics.SetAuctionState(pool, int(auction.StatusVoid))
		e.metrics.RecordAuction(pool, "voided")
	case reserves.EventTypeConverted:
		e.metrics.converted.WithLabelValues(label(pool)).Add(mantissaToFloat(parseMantissa(raw.Attribute("amountOut"))))
		e.metrics.SetBaseReserve(pool, parseMantissa(raw.Attribute("baseReserve")))
	case reserves.EventTypeAuctionTransfer, reserves.EventTypeAuctionDeposit, reserves.EventTypeWithdrawn:
		e.metrics.SetBaseReserve(pool, parseMantissa(raw.Attribute("baseReserve")))
	}
}

func parseMantissa(raw string) *big.Int {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return new(big.Int)
	}
	return value
}
