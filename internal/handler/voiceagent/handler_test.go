package voiceagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/vera/client/internal/model/chat"
	voiceagentService "github.com/zhouzirui/vera/client/internal/service/voiceagent"
)

type fakeSyncer struct {
	started []string
	result  voiceagentService.Result
	err     error
	session chat.Session
}

func (f *fakeSyncer) Started(id string) { f.started = append(f.started, id) }

func (f *fakeSyncer) Ended(ctx context.Context, session chat.Session, id string) (voiceagentService.Result, error) {
	f.session = session
	return f.result, f.err
}

type fakeReporter struct {
	errs []error
}

func (f *fakeReporter) Report(ctx context.Context, err error) error {
	f.errs = append(f.errs, err)
	return nil
}

var testSession = chat.Session{ResearchID: "R1", Token: "tok", ConversationID: "R1_1"}

func setupRouter(s *fakeSyncer, rep *fakeReporter) *chi.Mux {
	r := chi.NewRouter()
	New(s, rep, func() chat.Session { return testSession }).RegisterRoutes(r)
	return r
}

func post(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/voice-agent/events", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestStartedEventIsTracked(t *testing.T) {
	s := &fakeSyncer{}
	resp := post(setupRouter(s, &fakeReporter{}), `{"type":"started","conversation_id":" conv-1 "}`)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	if len(s.started) != 1 || s.started[0] != "conv-1" {
		t.Fatalf("unexpected started ids: %v", s.started)
	}
}

func TestEndedEventReportsEntryFailures(t *testing.T) {
	s := &fakeSyncer{result: voiceagentService.Result{
		ConversationID: "conv-1",
		Saved:          2,
		Failed:         1,
		Errors:         []error{fmt.Errorf("entry m3: %w", chat.ErrPersistence)},
	}}
	rep := &fakeReporter{}
	resp := post(setupRouter(s, rep), `{"type":"ended","conversation_id":"conv-1"}`)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["messages_synced"] != float64(2) || body["messages_failed"] != float64(1) {
		t.Fatalf("unexpected body: %v", body)
	}
	if len(rep.errs) != 1 || !errors.Is(rep.errs[0], chat.ErrPersistence) {
		t.Fatalf("expected one persistence notice, got %v", rep.errs)
	}
	if s.session != testSession {
		t.Fatalf("import used wrong session: %+v", s.session)
	}
}

func TestEndedWithoutConversation(t *testing.T) {
	s := &fakeSyncer{err: voiceagentService.ErrNoConversation}
	resp := post(setupRouter(s, &fakeReporter{}), `{"type":"ended"}`)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestEndedFetchFailure(t *testing.T) {
	s := &fakeSyncer{err: fmt.Errorf("%w: 500", chat.ErrUpstream)}
	rep := &fakeReporter{}
	resp := post(setupRouter(s, rep), `{"type":"ended","conversation_id":"conv-1"}`)

	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
	if len(rep.errs) != 1 {
		t.Fatalf("expected failure to be reported")
	}
}

func TestUnknownEventType(t *testing.T) {
	resp := post(setupRouter(&fakeSyncer{}, &fakeReporter{}), `{"type":"paused"}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}
