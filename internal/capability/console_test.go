package capability

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

type event struct {
	kind string
	text string
	err  error
}

type recordingListener struct {
	events chan event
}

func newRecordingListener() *recordingListener {
	return &recordingListener{events: make(chan event, 16)}
}

func (l *recordingListener) OnResult(text string) { l.events <- event{kind: "result", text: text} }
func (l *recordingListener) OnError(err error)    { l.events <- event{kind: "error", err: err} }
func (l *recordingListener) OnEnd()               { l.events <- event{kind: "end"} }

func (l *recordingListener) next(t *testing.T) event {
	t.Helper()
	select {
	case ev := <-l.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recognizer callback")
		return event{}
	}
}

func TestLineRecognizerOneResultPerActivation(t *testing.T) {
	r := NewLineRecognizer(strings.NewReader("hello\n\nworld\n"), 0)
	l := newRecordingListener()
	r.Bind(l)

	for _, want := range []string{"hello", "world"} {
		if err := r.Start(); err != nil {
			t.Fatalf("Start err: %v", err)
		}
		if ev := l.next(t); ev.kind != "result" || ev.text != want {
			t.Fatalf("expected result %q, got %+v", want, ev)
		}
		if ev := l.next(t); ev.kind != "end" {
			t.Fatalf("expected end, got %+v", ev)
		}
	}

	if err := r.Start(); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	if ev := l.next(t); ev.kind != "error" || !errors.Is(ev.err, io.EOF) {
		t.Fatalf("expected EOF error, got %+v", ev)
	}
	if ev := l.next(t); ev.kind != "end" {
		t.Fatalf("expected end, got %+v", ev)
	}
}

func TestLineRecognizerStopEndsActivation(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	r := NewLineRecognizer(pr, 0)
	l := newRecordingListener()
	r.Bind(l)

	if err := r.Start(); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	if err := r.Start(); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop err: %v", err)
	}
	if ev := l.next(t); ev.kind != "end" {
		t.Fatalf("expected end without result, got %+v", ev)
	}
}

func TestLineRecognizerSilenceTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	r := NewLineRecognizer(pr, 20*time.Millisecond)
	l := newRecordingListener()
	r.Bind(l)

	r.Start()
	if ev := l.next(t); ev.kind != "end" {
		t.Fatalf("expected silent end, got %+v", ev)
	}
}

func TestCommandPlayerDiscardsWithoutCommand(t *testing.T) {
	p := NewCommandPlayer(nil)
	if err := p.Play(context.Background(), []byte("clip")); err != nil {
		t.Fatalf("Play err: %v", err)
	}
	if err := p.Play(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty clip")
	}
}
