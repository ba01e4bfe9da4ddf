package notify

import (
	"context"
	"fmt"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/garyjia/devportal-approvals/internal/application/port"
)

// DefaultChannelPrefix namespaces the pub/sub channels, one per request
const DefaultChannelPrefix = "approvals:decisions:"

// RedisNotifier wakes waiters across replicas through Redis pub/sub
type RedisNotifier struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisNotifier creates a notifier on client
func NewRedisNotifier(client *redis.Client, prefix string, logger *zap.Logger) *RedisNotifier {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisNotifier{client: client, prefix: prefix, logger: logger}
}

// NewRedisClient parses a redis:// URL and pings the server
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

var _ port.DecisionNotifier = (*RedisNotifier)(nil)

// Channel returns the pub/sub channel of requestID
func (n *RedisNotifier) Channel(requestID string) string {
	return n.prefix + requestID
}

func (n *RedisNotifier) Notify(ctx context.Context, requestID string) error {
	if err := n.client.Publish(ctx, n.Channel(requestID), requestID).Err(); err != nil {
		return fmt.Errorf("failed to publish decision notification: %w", err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed so no notification
// published after it returns is lost
func (n *RedisNotifier) Subscribe(ctx context.Context, requestID string) (<-chan struct{}, func(), error) {
	pubsub := n.client.Subscribe(ctx, n.Channel(requestID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", n.Channel(requestID), err)
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	msgs := pubsub.Channel()

	go func() {
		for {
			select {
			case <-done:
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(done)
			if err := pubsub.Close(); err != nil {
				n.logger.Warn("Failed to close redis subscription",
					zap.String("request_id", requestID),
					zap.Error(err))
			}
		})
	}
	return out, release, nil
}
