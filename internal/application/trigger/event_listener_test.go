package trigger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/orchestrator/internal/config"
	"github.com/flowcore/orchestrator/internal/infrastructure/cache"
	"github.com/flowcore/orchestrator/internal/orchestrator/process"
)

type capturedSignals struct {
	mu     sync.Mutex
	events []process.Event
}

func (c *capturedSignals) Signal(evt process.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *capturedSignals) all() []process.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]process.Event(nil), c.events...)
}

func newTestCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := cache.NewRedisCache(config.RedisConfig{URL: "redis://" + s.Addr(), PoolSize: 10})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, s
}

func TestEventListener_SignalsPublishedEvents(t *testing.T) {
	redisCache, _ := newTestCache(t)
	signals := &capturedSignals{}

	listener := NewEventListener(EventListenerConfig{Cache: redisCache, Signaler: signals})
	require.NoError(t, listener.Start(context.Background()))
	defer listener.Stop()

	envelope := EventEnvelope{
		EventID:       "evt-1",
		EventType:     "NodeCompleted",
		Timestamp:     time.Now().UTC(),
		InstanceID:    "i-1",
		CorrelationID: "case-1",
		Payload:       map[string]any{"nodeId": "A", "durationMs": float64(120)},
	}
	body, err := json.Marshal(envelope)
	require.NoError(t, err)
	require.NoError(t, redisCache.Client().Publish(context.Background(), DefaultEventChannel, string(body)).Err())

	require.Eventually(t, func() bool { return len(signals.all()) == 1 }, 2*time.Second, 10*time.Millisecond)

	evt := signals.all()[0]
	assert.Equal(t, process.EventNodeCompleted, evt.Type)
	assert.Equal(t, "i-1", evt.InstanceID)
	assert.Equal(t, "case-1", evt.CorrelationID)
	assert.Equal(t, "A", evt.Payload["nodeId"])
}

func TestEventListener_DiscardsMalformedMessages(t *testing.T) {
	redisCache, _ := newTestCache(t)
	signals := &capturedSignals{}

	listener := NewEventListener(EventListenerConfig{Cache: redisCache, Signaler: signals})
	require.NoError(t, listener.Start(context.Background()))
	defer listener.Stop()

	client := redisCache.Client()
	require.NoError(t, client.Publish(context.Background(), DefaultEventChannel, "not-json").Err())
	require.NoError(t, client.Publish(context.Background(), DefaultEventChannel, `{"payload":{}}`).Err())

	valid, _ := json.Marshal(EventEnvelope{EventType: "DataChange"})
	require.NoError(t, client.Publish(context.Background(), DefaultEventChannel, string(valid)).Err())

	require.Eventually(t, func() bool { return len(signals.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, process.EventDataChange, signals.all()[0].Type)
}

func TestEventListener_CustomChannels(t *testing.T) {
	redisCache, _ := newTestCache(t)
	signals := &capturedSignals{}

	listener := NewEventListener(EventListenerConfig{
		Cache: redisCache, Signaler: signals, Channels: []string{"hr:events", "it:events"},
	})
	require.NoError(t, listener.Start(context.Background()))
	defer listener.Stop()

	body, _ := json.Marshal(EventEnvelope{EventType: "Approval", InstanceID: "i-2"})
	require.NoError(t, redisCache.Client().Publish(context.Background(), "it:events", string(body)).Err())

	require.Eventually(t, func() bool { return len(signals.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, process.EventApproval, signals.all()[0].Type)
}

func TestEventListener_StopIsIdempotent(t *testing.T) {
	redisCache, _ := newTestCache(t)
	listener := NewEventListener(EventListenerConfig{Cache: redisCache, Signaler: &capturedSignals{}})
	require.NoError(t, listener.Start(context.Background()))

	require.NoError(t, listener.Stop())
	require.NoError(t, listener.Stop())
}
