package voiceagent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/vera/client/internal/model/chat"
	"github.com/zhouzirui/vera/client/internal/service/backend"
)

const transcriptJSON = `{
  "conversation_id": "conv_1",
  "status": "done",
  "transcript": [
    {"id": "m1", "role": "user", "message": "what is PAD", "timestamp": 1767268800000},
    {"id": "m2", "role": "agent", "text": "PAD is peripheral artery disease", "timestamp": "2026-01-01T12:00:05Z"},
    {"id": "m3", "role": "agent", "message": "bad"}
  ]
}`

type recordingSaver struct {
	mu    sync.Mutex
	saved []backend.SaveMessageRequest
	fail  string
}

func (r *recordingSaver) SaveMessage(_ context.Context, token string, req backend.SaveMessageRequest) error {
	if req.Content == r.fail {
		return chat.ErrPersistence
	}
	r.mu.Lock()
	r.saved = append(r.saved, req)
	r.mu.Unlock()
	return nil
}

func TestClientSendsAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "key" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if r.URL.Path != "/v1/convai/conversations/conv_1" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(transcriptJSON))
	}))
	defer srv.Close()

	conv, err := NewClient(srv.URL, "key", srv.Client()).Conversation(context.Background(), "conv_1")
	if err != nil {
		t.Fatalf("Conversation err: %v", err)
	}
	if len(conv.Transcript) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(conv.Transcript))
	}

	_, err = NewClient(srv.URL, "wrong", srv.Client()).Conversation(context.Background(), "conv_1")
	if !errors.Is(err, chat.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestSyncerForwardsEveryEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(transcriptJSON))
	}))
	defer srv.Close()

	saver := &recordingSaver{fail: "bad"}
	s := NewSyncer(NewClient(srv.URL, "key", srv.Client()), saver, nil)
	fixed := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	s.Started("conv_1")
	session := chat.Session{ResearchID: "R1", Token: "tok", ConversationID: "R1_1"}
	result, err := s.Ended(context.Background(), session, "")
	if err != nil {
		t.Fatalf("Ended err: %v", err)
	}
	if result.Saved != 2 || result.Failed != 1 || len(result.Errors) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	first, second := saver.saved[0], saver.saved[1]
	if first.Role != "user" || first.Provider != Provider || first.ExternalMessageID != "m1" || first.ExternalConversationID != "conv_1" {
		t.Fatalf("unexpected first request %+v", first)
	}
	if first.Timestamp != "2026-01-01T12:00:00Z" {
		t.Fatalf("unexpected epoch timestamp %q", first.Timestamp)
	}
	if second.Role != "assistant" || second.Content != "PAD is peripheral artery disease" || second.Timestamp != "2026-01-01T12:00:05Z" {
		t.Fatalf("unexpected second request %+v", second)
	}
}

func TestEndedWithoutConversation(t *testing.T) {
	s := NewSyncer(nil, &recordingSaver{}, nil)
	if _, err := s.Ended(context.Background(), chat.Session{}, ""); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation, got %v", err)
	}
}

func TestEntryTimeFallback(t *testing.T) {
	fallback := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	if got := (Entry{}).Time(fallback); !got.Equal(fallback) {
		t.Fatalf("expected fallback, got %v", got)
	}
	if got := (Entry{Timestamp: []byte(`"garbage"`)}).Time(fallback); !got.Equal(fallback) {
		t.Fatalf("expected fallback for unparsable string, got %v", got)
	}
}
