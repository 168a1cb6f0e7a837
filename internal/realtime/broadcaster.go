package realtime

import (
	"log/slog"

	"github.com/example/dispatch-coordinator/internal/models"
	"github.com/example/dispatch-coordinator/internal/observability"
)

// Sender is the per-connection push primitive of the transport channel.
type Sender interface {
	Send(connID string, ev models.TripEvent) error
}

// Broadcaster fans a committed trip event out to every connection
// subscribed to the trip's requester, operator, or trip topic — once
// per connection per event. Publish is fire-and-forget: send failures
// are counted and logged, never surfaced, because a missed push is
// repaired by the subscriber's next reconciliation pull.
type Broadcaster struct {
	reg    *Registry
	sender Sender
	logger *slog.Logger
}

func NewBroadcaster(reg *Registry, sender Sender, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{reg: reg, sender: sender, logger: logger}
}

func (b *Broadcaster) Publish(ev models.TripEvent) {
	observability.EventsPublishedTotal.Inc()
	if ev.Trip == nil {
		return
	}
	conns := b.reg.SubscribersOf(
		TopicRequester(ev.Trip.RequesterID),
		TopicOperator(ev.Trip.OperatorID),
		TopicTrip(ev.TripID),
	)
	for _, connID := range conns {
		if err := b.sender.Send(connID, ev); err != nil {
			observability.EventSendErrors.Inc()
			b.logger.Debug("event push failed",
				"conn_id", connID, "trip_id", ev.TripID, "type", ev.Type, "error", err)
		}
	}
}
