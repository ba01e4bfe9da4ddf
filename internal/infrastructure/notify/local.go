package notify

import (
	"context"
	"sync"

	"github.com/garyjia/devportal-approvals/internal/application/port"
)

// LocalNotifier wakes waiters inside this process
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewLocalNotifier creates an in-process notifier
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[chan struct{}]struct{})}
}

var _ port.DecisionNotifier = (*LocalNotifier)(nil)

// Notify signals every subscriber of requestID without blocking. A pending
// signal already in a subscriber's buffer absorbs the new one.
func (n *LocalNotifier) Notify(ctx context.Context, requestID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[requestID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (n *LocalNotifier) Subscribe(ctx context.Context, requestID string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.subs[requestID] == nil {
		n.subs[requestID] = make(map[chan struct{}]struct{})
	}
	n.subs[requestID][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[requestID], ch)
			if len(n.subs[requestID]) == 0 {
				delete(n.subs, requestID)
			}
		})
	}
	return ch, release, nil
}

// Subscribers returns how many waiters are subscribed to requestID
func (n *LocalNotifier) Subscribers(requestID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[requestID])
}
