package capability

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/vera/client/internal/observability/logging"
)

// LineRecognizer treats each non-empty line read from an input as one
// recognized utterance. It stands in for a speech engine on headless hosts.
type LineRecognizer struct {
	in      io.Reader
	silence time.Duration
	logger  zerolog.Logger

	once  sync.Once
	lines chan string
	eof   chan error

	mu       sync.Mutex
	listener Listener
	active   bool
	stop     chan struct{}
}

// NewLineRecognizer reads utterances from in. A positive silence ends an
// activation that receives no line in time, like an engine timing out.
func NewLineRecognizer(in io.Reader, silence time.Duration) *LineRecognizer {
	return &LineRecognizer{
		in:      in,
		silence: silence,
		logger:  logging.WithComponent("line-recognizer"),
		lines:   make(chan string),
		eof:     make(chan error, 1),
	}
}

// Available reports whether an input is attached.
func (r *LineRecognizer) Available() bool {
	return r.in != nil
}

// Bind sets the listener for subsequent activations.
func (r *LineRecognizer) Bind(l Listener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

// Start begins one activation.
func (r *LineRecognizer) Start() error {
	if !r.Available() {
		return errors.New("no input attached")
	}

	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return ErrAlreadyActive
	}
	r.active = true
	stop := make(chan struct{})
	r.stop = stop
	listener := r.listener
	r.mu.Unlock()

	r.once.Do(func() { go r.scan() })
	go r.activation(stop, listener)
	return nil
}

// Stop ends the current activation, if any.
func (r *LineRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return nil
	}
	close(r.stop)
	r.active = false
	return nil
}

func (r *LineRecognizer) scan() {
	scanner := bufio.NewScanner(r.in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		r.lines <- line
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	r.eof <- err
}

func (r *LineRecognizer) activation(stop chan struct{}, listener Listener) {
	var timeout <-chan time.Time
	if r.silence > 0 {
		timer := time.NewTimer(r.silence)
		defer timer.Stop()
		timeout = timer.C
	}

	var (
		result string
		err    error
	)
	select {
	case result = <-r.lines:
	case err = <-r.eof:
		r.eof <- err
		err = fmt.Errorf("input closed: %w", err)
	case <-timeout:
	case <-stop:
	}

	r.mu.Lock()
	if r.stop == stop {
		r.active = false
	}
	r.mu.Unlock()

	if listener == nil {
		r.logger.Debug().Msg("activation ended without a listener")
		return
	}
	switch {
	case err != nil:
		listener.OnError(err)
	case result != "":
		listener.OnResult(result)
	}
	listener.OnEnd()
}
