package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"

	"github.com/zhouzirui/vera/client/internal/model/chat"
	"github.com/zhouzirui/vera/client/internal/observability/metrics"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestDisabledPublisherOnlyLogs(t *testing.T) {
	m := metrics.NewUnregistered()
	p := New(Config{Topic: "t"}, m)
	if p.Enabled() {
		t.Fatal("publisher without brokers must be disabled")
	}

	err := p.Publish(context.Background(), chat.Session{ResearchID: "R1"}, chat.Message{ConversationID: "R1_1", Role: chat.RoleUser, Content: "hi"})
	if err != nil {
		t.Fatalf("Publish err: %v", err)
	}
	if got := testutil.ToFloat64(m.TranscriptSaves.WithLabelValues("kafka", "ok")); got != 1 {
		t.Fatalf("expected one recorded save, got %v", got)
	}
}

func TestPublishKeysByConversation(t *testing.T) {
	w := &fakeWriter{}
	p := New(Config{Topic: "t", ClientID: "c"}, nil)
	p.writer, p.enabled = w, true

	msg := chat.Message{ConversationID: "R1_1", Role: chat.RoleAssistant, Content: "PAD is..."}
	if err := p.Publish(context.Background(), chat.Session{ResearchID: "R1"}, msg); err != nil {
		t.Fatalf("Publish err: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "R1_1" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}

	var event TranscriptEvent
	if err := json.Unmarshal(w.msgs[0].Value, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.ResearchID != "R1" || event.Role != chat.RoleAssistant || event.Content != msg.Content {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestPublishErrorPropagates(t *testing.T) {
	p := New(Config{Topic: "t"}, nil)
	p.writer, p.enabled = &fakeWriter{err: errors.New("broker down")}, true

	if err := p.Publish(context.Background(), chat.Session{}, chat.Message{ConversationID: "x"}); err == nil {
		t.Fatal("expected write error")
	}
}
