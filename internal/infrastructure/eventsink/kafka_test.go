package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/devportal-approvals/internal/application/dispatcher"
	"github.com/garyjia/devportal-approvals/internal/domain/event"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink_PublishesAllLifecycleEvents(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaSink(w, zap.NewNop())
	d := dispatcher.NewDispatcher()
	sink.Register(d)

	for _, typ := range dispatcher.AllTypes {
		require.NoError(t, d.Dispatch(context.Background(), event.NewEvent(typ, "req-1", "task-1", map[string]interface{}{
			event.KeyStatus: "pending",
		})))
	}

	require.Len(t, w.msgs, 3)
	for i, msg := range w.msgs {
		assert.Equal(t, "req-1", string(msg.Key))

		var decoded event.Event
		require.NoError(t, json.Unmarshal(msg.Value, &decoded))
		assert.Equal(t, dispatcher.AllTypes[i], decoded.Type)
		assert.Equal(t, "task-1", decoded.TaskID)
		assert.Equal(t, "pending", decoded.GetPayloadString(event.KeyStatus))
		assert.Equal(t, string(dispatcher.AllTypes[i]), string(msg.Headers[0].Value))
	}

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestKafkaSink_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	sink := newKafkaSink(w, zap.NewNop())

	err := sink.Handle(context.Background(), event.NewEvent(event.TypeRequestCreated, "req-1", "task-1", nil))
	assert.ErrorIs(t, err, w.err)
}
