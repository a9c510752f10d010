// Package events publishes finalized transcript messages to Kafka.
package events

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/zhouzirui/vera/client/internal/model/chat"
	"github.com/zhouzirui/vera/client/internal/observability/logging"
	"github.com/zhouzirui/vera/client/internal/observability/metrics"
)

const sinkName = "kafka"

// TranscriptEvent is the payload written for every finalized message.
type TranscriptEvent struct {
	EventType      string    `json:"eventType"`
	ResearchID     string    `json:"researchId"`
	ConversationID string    `json:"conversationId"`
	Role           chat.Role `json:"role"`
	Content        string    `json:"content"`
	Timestamp      string    `json:"timestamp"`
	PublishedAt    time.Time `json:"publishedAt"`
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
	Enabled  bool
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes transcript events keyed by conversation id, so one
// conversation stays ordered within a partition.
type Publisher struct {
	writer   messageWriter
	topic    string
	clientID string
	enabled  bool
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New creates a publisher. With Kafka disabled or no brokers it only logs.
func New(cfg Config, m *metrics.Metrics) *Publisher {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	p := &Publisher{
		topic:    cfg.Topic,
		clientID: cfg.ClientID,
		metrics:  m,
		logger:   logging.WithComponent("events"),
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		p.logger.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
		ClientID:  cfg.ClientID,
	}

	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc, ClientID: cfg.ClientID},
	}
	p.enabled = true

	p.logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Msg("Kafka publisher initialized")
	return p
}

// Enabled reports whether events leave the process.
func (p *Publisher) Enabled() bool {
	return p.enabled
}

// Publish implements the orchestrator's transcript sink.
func (p *Publisher) Publish(ctx context.Context, session chat.Session, msg chat.Message) error {
	start := time.Now()
	event := TranscriptEvent{
		EventType:      "transcript.message.finalized",
		ResearchID:     session.ResearchID,
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
		PublishedAt:    start.UTC(),
	}

	payload, err := sonic.Marshal(event)
	if err != nil {
		return err
	}

	p.logger.Debug().
		Str("topic", p.topic).
		Str("key", msg.ConversationID).
		RawJSON("payload", payload).
		Msg("Publishing transcript event")

	if !p.enabled || p.writer == nil {
		p.metrics.RecordSave(sinkName, nil, time.Since(start))
		return nil
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.ConversationID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(event.EventType)},
			{Key: "clientId", Value: []byte(p.clientID)},
		},
	})
	p.metrics.RecordSave(sinkName, err, time.Since(start))
	if err != nil {
		p.logger.Error().Err(err).Str("topic", p.topic).Msg("Failed to write to Kafka")
		return err
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
