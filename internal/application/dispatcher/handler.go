package dispatcher

import (
	"context"

	"github.com/garyjia/devportal-approvals/internal/domain/event"
)

// Handler processes lifecycle events
type Handler func(ctx context.Context, evt *event.Event) error

// HandlerInfo contains handler metadata for debugging
type HandlerInfo struct {
	Name      string
	EventType event.Type
	Handler   Handler
}

// Subscriber is implemented by components that consume lifecycle events
type Subscriber interface {
	// Register subscribes the component's handlers on d
	Register(d Dispatcher)
}
