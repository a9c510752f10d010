// Package capability declares the host speech and audio capabilities the
// session core drives, plus simple console implementations.
package capability

import (
	"context"
	"errors"
)

// ErrAlreadyActive is returned by Recognizer.Start while a session is running.
var ErrAlreadyActive = errors.New("recognizer already active")

// Listener receives recognizer callbacks. Every activation ends with exactly
// one OnEnd, preceded by at most one OnResult or OnError.
type Listener interface {
	OnResult(text string)
	OnError(err error)
	OnEnd()
}

// Recognizer is a single-shot speech recognizer: each Start yields at most one
// final result before the session ends on its own.
type Recognizer interface {
	Available() bool
	Bind(l Listener)
	Start() error
	Stop() error
}

// Player plays one encoded audio clip and returns when playback finishes or
// ctx is cancelled.
type Player interface {
	Play(ctx context.Context, audio []byte) error
}

// Unavailable is a Recognizer for hosts without speech capture.
type Unavailable struct{}

func (Unavailable) Available() bool { return false }
func (Unavailable) Bind(Listener)   {}
func (Unavailable) Start() error    { return errors.New("speech capture unavailable") }
func (Unavailable) Stop() error     { return nil }
