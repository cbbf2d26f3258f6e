package events

// Event enumerates the local, in-process topics the StreamConsumer fans its
// validated stream entries out to.
type Event string

const (
	EventPriceUpdate   Event = "price_update"
	EventWhaleAlert    Event = "whale_alert"
	EventPendingIntent Event = "pending_intent"
	EventConsumerError Event = "consumer_error"
)
