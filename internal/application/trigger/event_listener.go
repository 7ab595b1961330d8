// Package trigger feeds the process orchestrator from the outside world:
// a Redis pub/sub listener that turns published domain events into scheduler
// signals, and a cron-driven maintenance scheduler for trace retention.
package trigger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowcore/orchestrator/internal/infrastructure/cache"
	"github.com/flowcore/orchestrator/internal/orchestrator/process"
)

// DefaultEventChannel is the Redis channel external systems publish
// orchestrator events to.
const DefaultEventChannel = "orchestrator:events"

// Signaler is the slice of the process orchestrator the listener needs.
type Signaler interface {
	Signal(evt process.Event)
}

// EventEnvelope is the JSON wire shape of one published event. EventType is
// required; everything else is optional per the event variant.
type EventEnvelope struct {
	EventID       string         `json:"eventId"`
	EventType     string         `json:"eventType"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlationId,omitempty"`
	InstanceID    string         `json:"instanceId,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// EventListener bridges Redis pub/sub into the orchestrator's event queue.
type EventListener struct {
	cache    *cache.RedisCache
	signaler Signaler
	channels []string
	logger   *slog.Logger

	pubsub      *redis.PubSub
	mu          sync.Mutex
	stopChan    chan struct{}
	stoppedChan chan struct{}
	isRunning   bool
}

// EventListenerConfig holds configuration for the event listener.
type EventListenerConfig struct {
	Cache    *cache.RedisCache
	Signaler Signaler
	Channels []string
	Logger   *slog.Logger
}

// NewEventListener creates a new event listener.
func NewEventListener(cfg EventListenerConfig) *EventListener {
	channels := cfg.Channels
	if len(channels) == 0 {
		channels = []string{DefaultEventChannel}
	}
	return &EventListener{
		cache:       cfg.Cache,
		signaler:    cfg.Signaler,
		channels:    channels,
		logger:      cfg.Logger,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start subscribes to the configured channels and begins listening in the
// background.
func (el *EventListener) Start(ctx context.Context) error {
	el.mu.Lock()
	defer el.mu.Unlock()

	el.pubsub = el.cache.Client().Subscribe(ctx, el.channels...)

	// Wait for the subscription to be confirmed so publishes after Start
	// are never missed.
	if _, err := el.pubsub.Receive(ctx); err != nil {
		el.pubsub.Close()
		return err
	}

	el.isRunning = true
	go el.listen(ctx)
	return nil
}

// Stop stops the event listener and closes the pub/sub connection.
func (el *EventListener) Stop() error {
	el.mu.Lock()
	isRunning := el.isRunning
	el.isRunning = false
	el.mu.Unlock()

	if !isRunning {
		return nil
	}

	close(el.stopChan)
	if el.pubsub != nil {
		if err := el.pubsub.Close(); err != nil {
			return err
		}
	}
	<-el.stoppedChan
	return nil
}

func (el *EventListener) listen(ctx context.Context) {
	defer close(el.stoppedChan)

	ch := el.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-el.stopChan:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			el.handleMessage(msg)
		}
	}
}

func (el *EventListener) handleMessage(msg *redis.Message) {
	var envelope EventEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
		if el.logger != nil {
			el.logger.Warn("discarding malformed event message",
				slog.String("channel", msg.Channel), slog.Any("error", err))
		}
		return
	}
	if envelope.EventType == "" {
		if el.logger != nil {
			el.logger.Warn("discarding event without eventType", slog.String("channel", msg.Channel))
		}
		return
	}

	occurredAt := envelope.Timestamp
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	el.signaler.Signal(process.Event{
		Type:          process.EventType(envelope.EventType),
		InstanceID:    envelope.InstanceID,
		CorrelationID: envelope.CorrelationID,
		Payload:       envelope.Payload,
		OccurredAt:    occurredAt,
	})
}
