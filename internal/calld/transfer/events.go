package transfer

import (
	"context"
	"log/slog"

	"github.com/sebas/switchyard/internal/calld/bus"
	"github.com/sebas/switchyard/internal/logger"
)

// Domain event names published on the bus.
const (
	EventCreated   = "transfer_created"
	EventAnswered  = "transfer_answered"
	EventCancelled = "transfer_cancelled"
	EventCompleted = "transfer_completed"
	EventAbandoned = "transfer_abandoned"
	EventEnded     = "transfer_ended"
)

const routingKeyPrefix = "calls.transfer."

// EventPayload is the data section of every transfer event.
type EventPayload struct {
	ID              string `json:"id"`
	InitiatorUUID   string `json:"initiator_uuid"`
	InitiatorCall   string `json:"initiator_call"`
	TransferredCall string `json:"transferred_call"`
	RecipientCall   string `json:"recipient_call"`
	Status          string `json:"status"`
	Flow            string `json:"flow"`
}

func payloadFor(t *Transfer) EventPayload {
	return EventPayload{
		ID:              t.ID,
		InitiatorUUID:   t.InitiatorUUID,
		InitiatorCall:   t.InitiatorCall,
		TransferredCall: t.TransferredCall,
		RecipientCall:   t.RecipientCall,
		Status:          string(t.Status),
		Flow:            string(t.Flow),
	}
}

// Notifier turns lifecycle milestones into bus messages. Publish
// failures are logged, never propagated: the call flow must not stall
// on a broker hiccup.
type Notifier struct {
	publisher bus.Publisher
}

func NewNotifier(publisher bus.Publisher) *Notifier {
	if publisher == nil {
		publisher = &bus.NoopPublisher{}
	}
	return &Notifier{publisher: publisher}
}

func (n *Notifier) notify(ctx context.Context, name string, t *Transfer) {
	msg := bus.Message{
		Name:       name,
		RoutingKey: routingKeyPrefix + t.ID,
		Payload:    payloadFor(t),
	}
	if err := n.publisher.Publish(ctx, msg); err != nil {
		logger.Error("[Transfer] Event publish failed",
			slog.String("event", name),
			slog.String("transfer_id", t.ID),
			slog.Any("error", err))
	}
}

func (n *Notifier) Created(ctx context.Context, t *Transfer)   { n.notify(ctx, EventCreated, t) }
func (n *Notifier) Answered(ctx context.Context, t *Transfer)  { n.notify(ctx, EventAnswered, t) }
func (n *Notifier) Cancelled(ctx context.Context, t *Transfer) { n.notify(ctx, EventCancelled, t) }
func (n *Notifier) Completed(ctx context.Context, t *Transfer) { n.notify(ctx, EventCompleted, t) }
func (n *Notifier) Abandoned(ctx context.Context, t *Transfer) { n.notify(ctx, EventAbandoned, t) }

// Ended closes every terminal path, after the disposition event.
func (n *Notifier) Ended(ctx context.Context, t *Transfer) { n.notify(ctx, EventEnded, t) }
