// Package link maintains the single bidirectional streaming connection to the
// chat backend.
package link

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/vera/client/internal/model/chat"
	"github.com/zhouzirui/vera/client/internal/model/stream"
	"github.com/zhouzirui/vera/client/internal/observability/logging"
	"github.com/zhouzirui/vera/client/internal/observability/metrics"
)

// State 连接状态。
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options 连接参数。
type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteTimeout     time.Duration
	InboundBuffer    int
	Header           http.Header
}

// DefaultOptions returns the link defaults for url.
func DefaultOptions(url string) Options {
	return Options{
		URL:              url,
		HandshakeTimeout: 15 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         60 * time.Second,
		WriteTimeout:     10 * time.Second,
		InboundBuffer:    64,
	}
}

// Inbound carries a decoded envelope, a frame that failed to decode, or the
// end-of-stream marker of a connection. Conn identifies the connection the
// item was read from; a Closed marker follows that connection's last frame.
type Inbound struct {
	Envelope stream.Envelope
	Err      error
	Conn     uint64
	Closed   bool
}

// Link is safe for concurrent use. Inbound frames from every connection the
// link opens are delivered, in arrival order, on the channel returned by
// Envelopes.
type Link struct {
	opts    Options
	dialer  *websocket.Dialer
	metrics *metrics.Metrics
	logger  zerolog.Logger

	state atomic.Int32

	mu     sync.Mutex
	conn   *websocket.Conn
	gen    uint64
	cancel context.CancelFunc
	hooks  []func(State)

	writeMu   sync.Mutex
	inbound   chan Inbound
	done      chan struct{}
	closeOnce sync.Once
}

// New 创建连接，但不会立即拨号。
func New(opts Options, m *metrics.Metrics) *Link {
	defaults := DefaultOptions(opts.URL)
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaults.PongWait
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = defaults.InboundBuffer
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}

	return &Link{
		opts:    opts,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		metrics: m,
		logger:  logging.WithComponent("link"),
		inbound: make(chan Inbound, opts.InboundBuffer),
		done:    make(chan struct{}),
	}
}

// State returns the current connectivity state.
func (l *Link) State() State {
	return State(l.state.Load())
}

// Connected reports whether Send would be attempted.
func (l *Link) Connected() bool {
	return l.State() == Connected
}

// Generation identifies the most recently established connection, matching
// Inbound.Conn of the items read from it.
func (l *Link) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

// Envelopes returns the ordered inbound channel. It is never closed.
func (l *Link) Envelopes() <-chan Inbound {
	return l.inbound
}

// OnStateChange registers a hook invoked on every state transition. Hooks run
// on the goroutine that caused the transition and must not block.
func (l *Link) OnStateChange(fn func(State)) {
	l.mu.Lock()
	l.hooks = append(l.hooks, fn)
	l.mu.Unlock()
}

// Connect dials the backend and resolves once the connection is usable. It is
// a no-op when the link is already connecting or connected.
func (l *Link) Connect(ctx context.Context) error {
	select {
	case <-l.done:
		return fmt.Errorf("%w: link closed", chat.ErrTransportUnavailable)
	default:
	}

	if !l.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return nil
	}
	l.notify(Connecting)

	header := l.opts.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	connID := uuid.NewString()
	header.Set("X-Connection-ID", connID)

	conn, resp, err := l.dialer.DialContext(ctx, l.opts.URL, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		l.metrics.LinkConnects.WithLabelValues("error").Inc()
		l.setState(Disconnected)
		l.logger.Warn().Err(err).Str("url", l.opts.URL).Msg("websocket dial failed")
		return fmt.Errorf("%w: dial: %v", chat.ErrTransportUnavailable, err)
	}

	select {
	case <-l.done:
		_ = conn.Close()
		l.setState(Disconnected)
		return fmt.Errorf("%w: link closed", chat.ErrTransportUnavailable)
	default:
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.gen++
	gen := l.gen
	l.conn = conn
	l.cancel = cancel
	l.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(l.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(l.opts.PongWait))
	})

	go l.readLoop(gen, conn)
	go l.pingLoop(loopCtx, gen, conn)

	l.metrics.LinkConnects.WithLabelValues("ok").Inc()
	l.setState(Connected)
	l.logger.Info().Str("connectionId", connID).Msg("streaming link connected")
	return nil
}

// Send writes one request. It refuses without writing when the link is not
// connected.
func (l *Link) Send(req stream.Request) error {
	if !l.Connected() {
		return chat.ErrTransportUnavailable
	}

	l.mu.Lock()
	conn, gen := l.conn, l.gen
	l.mu.Unlock()
	if conn == nil {
		return chat.ErrTransportUnavailable
	}

	payload, err := stream.EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	l.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, payload)
	l.writeMu.Unlock()
	if err != nil {
		l.drop(gen, err)
		return fmt.Errorf("%w: write: %v", chat.ErrTransportUnavailable, err)
	}

	l.metrics.RequestsSent.Inc()
	return nil
}

// Close tears down the current connection and stops delivery. The link cannot
// be reconnected afterwards.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})

	l.mu.Lock()
	conn, gen := l.conn, l.gen
	l.mu.Unlock()
	if conn == nil {
		return nil
	}

	l.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	l.writeMu.Unlock()

	l.drop(gen, nil)
	return nil
}

func (l *Link) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.drop(gen, err)
			l.deliver(Inbound{Conn: gen, Closed: true})
			return
		}

		env, err := stream.DecodeEnvelope(data)
		if err == nil {
			l.metrics.EnvelopesReceived.WithLabelValues(string(env.Type)).Inc()
		}
		if !l.deliver(Inbound{Envelope: env, Err: err, Conn: gen}) {
			return
		}
	}
}

func (l *Link) deliver(item Inbound) bool {
	select {
	case l.inbound <- item:
		return true
	case <-l.done:
		return false
	}
}

func (l *Link) pingLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	ticker := time.NewTicker(l.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(l.opts.WriteTimeout))
			l.writeMu.Unlock()
			if err != nil {
				l.drop(gen, err)
				return
			}
		}
	}
}

// drop closes the connection identified by gen. Stale generations are ignored
// so a late reader of an old connection cannot flip the state of a new one.
func (l *Link) drop(gen uint64, cause error) {
	l.mu.Lock()
	if gen != l.gen || l.conn == nil {
		l.mu.Unlock()
		return
	}
	conn := l.conn
	cancel := l.cancel
	l.conn = nil
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = conn.Close()

	switch {
	case cause == nil, errors.Is(cause, websocket.ErrCloseSent),
		websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		l.logger.Info().Msg("streaming link closed")
	default:
		l.logger.Warn().Err(cause).Msg("streaming link dropped")
	}
	l.setState(Disconnected)
}

func (l *Link) setState(s State) {
	if State(l.state.Swap(int32(s))) == s {
		return
	}
	l.notify(s)
}

func (l *Link) notify(s State) {
	l.metrics.LinkState.Set(float64(s))

	l.mu.Lock()
	hooks := make([]func(State), len(l.hooks))
	copy(hooks, l.hooks)
	l.mu.Unlock()

	for _, fn := range hooks {
		fn(s)
	}
}
