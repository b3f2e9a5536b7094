package events

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	// EventPriceTick is the engine's MarketTick topic: one event per received trade/kline tick.
	EventPriceTick            Event = "price_tick"
	EventOrderUpdate          Event = "order_update"
	// EventStrategySignal is the engine's Signal topic.
	EventStrategySignal       Event = "strategy_signal"
	EventRiskAlert            Event = "risk_alert"
	EventPositionChange       Event = "position_change"
	EventOrderSubmitted       Event = "order.submitted"
	EventOrderAccepted        Event = "order.accepted"
	EventOrderRejected        Event = "order.rejected"
	EventOrderFilled          Event = "order.filled"
	EventOrderPartiallyFilled Event = "order.partially_filled"

	// Risk/Rate Gate and Position Lifecycle Engine topics.
	EventRiskDecision      Event = "risk.decision"
	EventRateBudget        Event = "rate.budget"
	EventPositionOpened    Event = "position.opened"
	EventPositionClosed    Event = "position.closed"
	EventEvSnapshotUpdate  Event = "ev.snapshot_update"
	EventConnectivityState Event = "stream.connectivity"
	EventSystemLog         Event = "system.log"
)
