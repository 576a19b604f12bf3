// Package events publishes conversation and call lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
	"github.com/voicefleet/agentdesk/backend/internal/observability/metrics"
)

// Event types.
const (
	TypeTurnCompleted = "turn.completed"
	TypeTurnNoMatch   = "turn.no_match"
	TypeTurnFailed    = "turn.failed"
	TypeCallStarted   = "call.started"
	TypeCallEnded     = "call.ended"
)

// Event 事件信封。
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	SessionID  string         `json:"sessionId,omitempty"`
	CallID     string         `json:"callId,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// New stamps an event with an id and the current time.
func New(eventType, sessionID, callID string, payload map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		SessionID:  sessionID,
		CallID:     callID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// Key 分区键：优先会话，其次呼叫。
func (e Event) Key() string {
	if e.SessionID != "" {
		return e.SessionID
	}
	return e.CallID
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers []string
	Topic   string
	Enabled bool
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events to one Kafka topic, or only logs them when disabled.
type Publisher struct {
	writer  messageWriter
	topic   string
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewPublisher creates the publisher. Missing brokers select log-only mode.
func NewPublisher(cfg Config, m *metrics.Metrics) *Publisher {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	p := &Publisher{topic: cfg.Topic, metrics: m, log: logging.WithComponent("events")}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		p.log.Info().Msg("kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	p.log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("kafka publisher initialized")
	return p
}

// Enabled 是否真正写入 Kafka。
func (p *Publisher) Enabled() bool {
	return p.writer != nil
}

// Publish 发布一个事件。
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.metrics.RecordEvent(ev.Type, false)
		return err
	}

	p.log.Debug().Str("type", ev.Type).Str("key", ev.Key()).RawJSON("event", payload).Msg("publishing event")
	if p.writer == nil {
		p.metrics.RecordEvent(ev.Type, true)
		return nil
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Key()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(ev.Type)},
		},
	})
	p.metrics.RecordEvent(ev.Type, err == nil)
	if err != nil {
		p.log.Error().Err(err).Str("type", ev.Type).Msg("failed to write event to kafka")
	}
	return err
}

// PublishAsync publishes in the background with its own timeout so a slow
// broker never delays a conversational turn.
func (p *Publisher) PublishAsync(ev Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Publish(ctx, ev)
	}()
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
