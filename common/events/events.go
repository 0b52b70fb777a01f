package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowcore/common/metrics"
	redisWrapper "github.com/lyzr/flowcore/common/redis"
)

// Event types delivered to executors
const (
	TypeWorkflowStarted   = "workflow_started"
	TypeWorkflowCompleted = "workflow_completed"
	TypeWorkflowFailed    = "workflow_failed"
	TypeWorkflowCancelled = "workflow_cancelled"
	TypeTaskAssigned      = "task_assigned"
	TypeTaskCompleted     = "task_completed"
	TypeContextRemoved    = "instance_context_removed"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Event is one outbound notification. ExecutorID selects the channel.
type Event struct {
	Type       string         `json:"type"`
	InstanceID uuid.UUID      `json:"instance_id"`
	ExecutorID uuid.UUID      `json:"executor_id"`
	TaskID     *uuid.UUID     `json:"task_id,omitempty"`
	UserID     *uuid.UUID     `json:"user_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Publisher delivers events to executors. Delivery is best-effort;
// engine state never depends on it.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// RedisPublisher publishes events to per-executor Redis PubSub channels
type RedisPublisher struct {
	redis   *redisWrapper.Client
	metrics *metrics.Metrics
	logger  Logger
}

// NewRedisPublisher creates a Redis-backed event publisher
func NewRedisPublisher(redis *redisWrapper.Client, m *metrics.Metrics, logger Logger) *RedisPublisher {
	return &RedisPublisher{
		redis:   redis,
		metrics: m,
		logger:  logger,
	}
}

// Publish marshals the event and publishes it to the executor's channel
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	channel := fmt.Sprintf("workflow:events:%s", event.ExecutorID)

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.redis.PublishEvent(ctx, channel, string(eventJSON)); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(event.Type).Inc()
	}

	p.logger.Debug("published event", "channel", channel, "type", event.Type)
	return nil
}

// Close is a no-op; the Redis client is owned by bootstrap
func (p *RedisPublisher) Close() error {
	return nil
}

// MemoryPublisher buffers events in-process. Tests and storage-less runs
// subscribe to its channel.
type MemoryPublisher struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
	logger Logger
}

// NewMemoryPublisher creates an in-memory publisher with a bounded buffer
func NewMemoryPublisher(logger Logger) *MemoryPublisher {
	return &MemoryPublisher{
		ch:     make(chan Event, 1000),
		logger: logger,
	}
}

// Publish buffers the event; a full buffer drops with a warning
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("publisher closed")
	}

	select {
	case p.ch <- event:
		return nil
	default:
		p.logger.Warn("event buffer full, dropping", "type", event.Type)
		return nil
	}
}

// Events exposes the buffered stream
func (p *MemoryPublisher) Events() <-chan Event {
	return p.ch
}

// Close closes the stream
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}
