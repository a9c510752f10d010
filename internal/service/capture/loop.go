// Package capture turns a single-shot recognizer into pseudo-continuous
// listening for the duration of a call.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/vera/client/internal/capability"
	"github.com/zhouzirui/vera/client/internal/model/chat"
	"github.com/zhouzirui/vera/client/internal/observability/logging"
	"github.com/zhouzirui/vera/client/internal/observability/metrics"
)

// DefaultRestartDelay is the pause between an engine session ending and the
// next activation.
const DefaultRestartDelay = 300 * time.Millisecond

// Handler receives the loop's outputs. Calls arrive on recognizer goroutines.
type Handler interface {
	Recognized(text string)
	RecognitionFailed(err error)
}

// Loop 语音采集循环。
//
// listening is read by the restart timer at fire time, so a Stop that lands
// between an engine end and the delayed restart always wins. engineMu orders
// the restart's check-then-Start against Stop, so the engine is never left
// active after Stop returns.
type Loop struct {
	rec     capability.Recognizer
	handler Handler
	delay   time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger

	listening atomic.Bool
	engineMu  sync.Mutex

	mu      sync.Mutex
	pending *time.Timer
}

// New binds the loop to rec. A non-positive delay selects DefaultRestartDelay.
func New(rec capability.Recognizer, handler Handler, delay time.Duration, m *metrics.Metrics) *Loop {
	if delay <= 0 {
		delay = DefaultRestartDelay
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if rec == nil {
		rec = capability.Unavailable{}
	}

	l := &Loop{
		rec:     rec,
		handler: handler,
		delay:   delay,
		metrics: m,
		logger:  logging.WithComponent("capture"),
	}
	rec.Bind(l)
	return l
}

// Available reports whether the host can capture speech.
func (l *Loop) Available() bool {
	return l.rec.Available()
}

// Listening reports the should-listen flag.
func (l *Loop) Listening() bool {
	return l.listening.Load()
}

// Start sets the listening flag and activates the recognizer once.
func (l *Loop) Start() error {
	if !l.rec.Available() {
		return chat.ErrUnsupportedCapability
	}

	l.engineMu.Lock()
	defer l.engineMu.Unlock()

	l.listening.Store(true)
	if err := l.rec.Start(); err != nil && !errors.Is(err, capability.ErrAlreadyActive) {
		l.listening.Store(false)
		return fmt.Errorf("%w: %v", chat.ErrRecognitionFailure, err)
	}
	l.logger.Debug().Msg("listening started")
	return nil
}

// Stop clears the flag, cancels a pending restart and deactivates the engine.
// Engine errors are logged and swallowed.
func (l *Loop) Stop() {
	l.engineMu.Lock()
	defer l.engineMu.Unlock()

	l.listening.Store(false)
	l.cancelPending()

	if err := l.rec.Stop(); err != nil {
		l.logger.Debug().Err(err).Msg("recognizer stop failed")
	}
}

// OnResult implements capability.Listener.
func (l *Loop) OnResult(text string) {
	if !l.listening.Load() {
		l.logger.Debug().Msg("dropping result received after stop")
		return
	}
	l.handler.Recognized(text)
}

// OnError implements capability.Listener. The flag is cleared before the
// handler runs so the trailing OnEnd does not schedule a restart.
func (l *Loop) OnError(err error) {
	if !l.listening.Swap(false) {
		return
	}
	l.cancelPending()
	l.metrics.RecognitionErrors.Inc()
	l.logger.Warn().Err(err).Msg("recognizer error")
	l.handler.RecognitionFailed(fmt.Errorf("%w: %v", chat.ErrRecognitionFailure, err))
}

// OnEnd implements capability.Listener.
func (l *Loop) OnEnd() {
	if !l.listening.Load() {
		return
	}

	l.mu.Lock()
	if l.pending != nil {
		l.pending.Stop()
	}
	l.pending = time.AfterFunc(l.delay, l.restart)
	l.mu.Unlock()
}

func (l *Loop) restart() {
	l.engineMu.Lock()
	if !l.listening.Load() {
		l.engineMu.Unlock()
		return
	}
	err := l.rec.Start()
	l.engineMu.Unlock()

	switch {
	case err == nil:
		l.metrics.RecognitionRestarts.Inc()
	case errors.Is(err, capability.ErrAlreadyActive):
	default:
		l.OnError(err)
	}
}

func (l *Loop) cancelPending() {
	l.mu.Lock()
	if l.pending != nil {
		l.pending.Stop()
		l.pending = nil
	}
	l.mu.Unlock()
}
