package assembler

import (
	"errors"
	"testing"

	"github.com/zhouzirui/vera/client/internal/model/chat"
	"github.com/zhouzirui/vera/client/internal/model/stream"
)

func chunk(s string) stream.Envelope {
	return stream.Envelope{Type: stream.KindChunk, Content: s}
}

func complete(s string) stream.Envelope {
	return stream.Envelope{Type: stream.KindComplete, FullResponse: s}
}

func TestPartialsAccumulate(t *testing.T) {
	a := New()
	if err := a.Begin(); err != nil {
		t.Fatalf("Begin err: %v", err)
	}

	steps := []struct {
		chunk string
		want  string
	}{
		{"PAD ", "PAD "},
		{"is ", "PAD is "},
		{"peripheral artery disease", "PAD is peripheral artery disease"},
	}
	for _, step := range steps {
		res := a.Apply(chunk(step.chunk))
		if res.Kind != Partial {
			t.Fatalf("expected partial, got %s", res.Kind)
		}
		if res.Text != step.want {
			t.Fatalf("expected buffer %q, got %q", step.want, res.Text)
		}
	}

	res := a.Apply(complete("PAD is peripheral artery disease"))
	if res.Kind != Final || res.Diverged {
		t.Fatalf("unexpected final result %+v", res)
	}
	if a.InFlight() || a.Buffer() != "" {
		t.Fatal("turn should be closed and buffer cleared")
	}
}

func TestCompleteTextIsAuthoritative(t *testing.T) {
	a := New()
	a.Begin()
	a.Apply(chunk("Hel"))
	a.Apply(chunk("lo"))

	res := a.Apply(complete("Hello!"))
	if res.Kind != Final {
		t.Fatalf("expected final, got %s", res.Kind)
	}
	if res.Text != "Hello!" {
		t.Fatalf("expected server text, got %q", res.Text)
	}
	if !res.Diverged || res.Streamed != "Hello" {
		t.Fatalf("expected divergence from %q, got %+v", "Hello", res)
	}
}

func TestCompleteWithoutChunksIsNotDivergence(t *testing.T) {
	a := New()
	a.Begin()

	res := a.Apply(complete("Whole reply"))
	if res.Kind != Final || res.Text != "Whole reply" {
		t.Fatalf("unexpected final result %+v", res)
	}
	if res.Diverged {
		t.Fatalf("unstreamed reply flagged as divergent: %+v", res)
	}
}

func TestEnvelopesWithoutTurnAreViolations(t *testing.T) {
	a := New()
	for _, env := range []stream.Envelope{chunk("x"), complete("x"), {Type: "bogus"}} {
		res := a.Apply(env)
		if res.Kind != Violation || !errors.Is(res.Err, chat.ErrProtocolViolation) {
			t.Fatalf("%s: expected violation, got %+v", env.Type, res)
		}
	}
	if a.InFlight() {
		t.Fatal("violations must not open a turn")
	}
}

func TestErrorAbortsTurn(t *testing.T) {
	a := New()
	a.Begin()
	a.Apply(chunk("partial"))

	res := a.Apply(stream.Envelope{Type: stream.KindError, Error: "model overloaded"})
	if res.Kind != Aborted || !errors.Is(res.Err, chat.ErrUpstream) {
		t.Fatalf("expected aborted upstream error, got %+v", res)
	}
	if a.InFlight() || a.Buffer() != "" {
		t.Fatal("turn should be discarded")
	}
	if err := a.Begin(); err != nil {
		t.Fatalf("Begin after abort err: %v", err)
	}
}

func TestAudioRoutedRegardlessOfTurn(t *testing.T) {
	a := New()
	res := a.Apply(stream.Envelope{Type: stream.KindAudio, AudioBase64: "aGk="})
	if res.Kind != Audio || string(res.Audio) != "hi" {
		t.Fatalf("unexpected audio result %+v", res)
	}
}

func TestBeginRejectsSecondTurn(t *testing.T) {
	a := New()
	a.Begin()
	if err := a.Begin(); !errors.Is(err, chat.ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}
	if res := a.Apply(stream.Envelope{Type: stream.KindUserMessageSaved}); res.Kind != Ack || !a.InFlight() {
		t.Fatalf("ack must not change turn state: %+v", res)
	}
}
