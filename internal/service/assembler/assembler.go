// Package assembler reduces the chunk/complete envelope stream into finalized
// assistant turns.
package assembler

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/vera/client/internal/model/chat"
	"github.com/zhouzirui/vera/client/internal/model/stream"
)

// ResultKind 描述一次 Apply 的结果。
type ResultKind int

const (
	// Ignored envelopes carry no state change.
	Ignored ResultKind = iota
	Ack
	Partial
	Final
	Aborted
	Audio
	Violation
)

func (k ResultKind) String() string {
	switch k {
	case Ack:
		return "ack"
	case Partial:
		return "partial"
	case Final:
		return "final"
	case Aborted:
		return "aborted"
	case Audio:
		return "audio"
	case Violation:
		return "violation"
	default:
		return "ignored"
	}
}

// Result is what the orchestrator acts on after applying an envelope.
type Result struct {
	Kind ResultKind
	// Text is the accumulated buffer for Partial and the server text for Final.
	Text string
	// Streamed is the buffer as accumulated from chunks, set for Final.
	Streamed string
	// Diverged is set on Final when at least one chunk arrived and Streamed
	// differs from Text. A reply delivered only by complete never diverges.
	Diverged bool
	Audio    []byte
	Err      error
}

// Assembler holds the in-progress turn. It is not safe for concurrent use; the
// orchestrator goroutine owns it.
type Assembler struct {
	inFlight bool
	chunks   int
	buf      strings.Builder
}

// New 创建空闲的组装器。
func New() *Assembler {
	return &Assembler{}
}

// InFlight reports whether a turn is open.
func (a *Assembler) InFlight() bool {
	return a.inFlight
}

// Buffer returns the text accumulated so far for the open turn.
func (a *Assembler) Buffer() string {
	return a.buf.String()
}

// Begin opens a turn. Only one turn may be open at a time.
func (a *Assembler) Begin() error {
	if a.inFlight {
		return chat.ErrTurnInFlight
	}
	a.inFlight = true
	a.chunks = 0
	a.buf.Reset()
	return nil
}

// Abort closes the open turn without producing a message.
func (a *Assembler) Abort() {
	a.inFlight = false
	a.chunks = 0
	a.buf.Reset()
}

// Apply folds one envelope into the turn state.
func (a *Assembler) Apply(env stream.Envelope) Result {
	switch env.Type {
	case stream.KindUserMessageSaved:
		return Result{Kind: Ack}

	case stream.KindChunk:
		if !a.inFlight {
			return violation("chunk without an open turn")
		}
		a.chunks++
		a.buf.WriteString(env.Content)
		return Result{Kind: Partial, Text: a.buf.String()}

	case stream.KindComplete:
		if !a.inFlight {
			return violation("complete without an open turn")
		}
		streamed, chunks := a.buf.String(), a.chunks
		a.Abort()
		return Result{
			Kind:     Final,
			Text:     env.FullResponse,
			Streamed: streamed,
			Diverged: chunks > 0 && streamed != env.FullResponse,
		}

	case stream.KindAudio:
		data, err := env.DecodeAudio()
		if err != nil {
			return Result{Kind: Violation, Err: err}
		}
		return Result{Kind: Audio, Audio: data}

	case stream.KindError:
		wasInFlight := a.inFlight
		a.Abort()
		msg := env.Error
		if msg == "" {
			msg = "backend reported an error"
		}
		res := Result{Kind: Aborted, Err: fmt.Errorf("%w: %s", chat.ErrUpstream, msg)}
		if !wasInFlight {
			res.Kind = Ignored
		}
		return res

	default:
		return violation(fmt.Sprintf("unknown envelope type %q", env.Type))
	}
}

func violation(detail string) Result {
	return Result{Kind: Violation, Err: fmt.Errorf("%w: %s", chat.ErrProtocolViolation, detail)}
}
