package notify

import (
	"context"

	"github.com/garyjia/devportal-approvals/internal/application/dispatcher"
	"github.com/garyjia/devportal-approvals/internal/application/port"
	"github.com/garyjia/devportal-approvals/internal/domain/event"
)

// EventBridge forwards lifecycle events to a notifier so waiters re-poll
// right after a decision or resolution
type EventBridge struct {
	notifier port.DecisionNotifier
}

// NewEventBridge creates a bridge to notifier
func NewEventBridge(notifier port.DecisionNotifier) *EventBridge {
	return &EventBridge{notifier: notifier}
}

// Register subscribes the bridge to decision and resolution events
func (b *EventBridge) Register(d dispatcher.Dispatcher) {
	d.Subscribe(event.TypeDecisionRecorded, "notify.decision", b.Handle)
	d.Subscribe(event.TypeRequestResolved, "notify.resolved", b.Handle)
}

// Handle notifies waiters of the event's request
func (b *EventBridge) Handle(ctx context.Context, evt *event.Event) error {
	return b.notifier.Notify(ctx, evt.RequestID)
}
