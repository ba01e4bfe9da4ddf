package lark

import (
	"context"
	"fmt"
	"strings"

	"github.com/garyjia/devportal-approvals/internal/application/dispatcher"
	"github.com/garyjia/devportal-approvals/internal/application/port"
	"github.com/garyjia/devportal-approvals/internal/domain/event"
)

// ApprovalNotifier announces new and resolved requests in chat
type ApprovalNotifier struct {
	sender  port.ChatSender
	baseURL string
}

// NewApprovalNotifier creates a notifier. baseURL, when set, is used to
// link each message to the request in the portal.
func NewApprovalNotifier(sender port.ChatSender, baseURL string) *ApprovalNotifier {
	return &ApprovalNotifier{sender: sender, baseURL: strings.TrimRight(baseURL, "/")}
}

// Register subscribes to creation and resolution events
func (n *ApprovalNotifier) Register(d dispatcher.Dispatcher) {
	d.Subscribe(event.TypeRequestCreated, "lark.created", n.Handle)
	d.Subscribe(event.TypeRequestResolved, "lark.resolved", n.Handle)
}

// Handle formats evt and sends it
func (n *ApprovalNotifier) Handle(ctx context.Context, evt *event.Event) error {
	text := n.Format(evt)
	if text == "" {
		return nil
	}
	return n.sender.SendText(ctx, text)
}

// Format renders evt as a chat message; unknown events render empty
func (n *ApprovalNotifier) Format(evt *event.Event) string {
	var b strings.Builder
	title := evt.GetPayloadString(event.KeyTitle)

	switch evt.Type {
	case event.TypeRequestCreated:
		fmt.Fprintf(&b, "Approval requested: %s\n", title)
		if approvers := evt.GetPayloadStrings(event.KeyApprovers); len(approvers) > 0 {
			fmt.Fprintf(&b, "Approvers: %s\n", strings.Join(approvers, ", "))
		}
		if by := evt.GetPayloadString(event.KeyCreatedBy); by != "" {
			fmt.Fprintf(&b, "Requested by: %s\n", by)
		}
	case event.TypeRequestResolved:
		status := evt.GetPayloadString(event.KeyStatus)
		if evt.GetPayloadString(event.KeyTrigger) == "EXPIRE" {
			status = "expired"
		}
		fmt.Fprintf(&b, "Approval %s: %s\n", status, title)
	default:
		return ""
	}

	if n.baseURL != "" {
		fmt.Fprintf(&b, "%s/approvals/%s", n.baseURL, evt.RequestID)
	} else {
		fmt.Fprintf(&b, "Request: %s", evt.RequestID)
	}
	return b.String()
}
