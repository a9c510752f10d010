// Package session owns the live conversation: transcript, turn assembly, call
// lifecycle and the public surface the presentation layer drives.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/vera/client/internal/capability"
	"github.com/zhouzirui/vera/client/internal/model/chat"
	"github.com/zhouzirui/vera/client/internal/model/stream"
	"github.com/zhouzirui/vera/client/internal/observability/logging"
	"github.com/zhouzirui/vera/client/internal/observability/metrics"
	"github.com/zhouzirui/vera/client/internal/service/assembler"
	"github.com/zhouzirui/vera/client/internal/service/backend"
	"github.com/zhouzirui/vera/client/internal/service/calltimer"
	"github.com/zhouzirui/vera/client/internal/service/capture"
	"github.com/zhouzirui/vera/client/internal/service/link"
	"github.com/zhouzirui/vera/client/internal/service/playback"
)

// ErrClosed is returned by commands issued after Run has returned.
var ErrClosed = errors.New("session closed")

// Transport is the streaming link as the orchestrator uses it.
type Transport interface {
	Connect(ctx context.Context) error
	Send(req stream.Request) error
	Connected() bool
	State() link.State
	Generation() uint64
	Envelopes() <-chan link.Inbound
	OnStateChange(fn func(link.State))
}

// HistoryFetcher loads prior messages of the conversation.
type HistoryFetcher interface {
	History(ctx context.Context, token string, req backend.HistoryRequest) ([]chat.Message, error)
}

// TranscriptSink receives every message appended to the transcript.
type TranscriptSink interface {
	Publish(ctx context.Context, session chat.Session, msg chat.Message) error
}

// Config 会话参数。
type Config struct {
	Model          string
	HistoryLimit   int
	HistoryTimeout time.Duration
	ConnectTimeout time.Duration
	SinkTimeout    time.Duration
	Call           calltimer.Thresholds
	RestartDelay   time.Duration
}

// Deps are the collaborators the orchestrator drives. Recognizer, Player and
// Sink are optional.
type Deps struct {
	Transport  Transport
	History    HistoryFetcher
	Recognizer capability.Recognizer
	Player     capability.Player
	Sinks      []TranscriptSink
	Metrics    *metrics.Metrics
	NewTicker  calltimer.TickerFactory
	Now        func() time.Time
}

type command struct {
	fn    func() error
	reply chan error
}

type eventKind int

const (
	evRecognized eventKind = iota
	evRecognitionFailed
	evConnectivity
	evHistoryLoaded
	evConnectFailed
	evSinkFailed
)

type event struct {
	kind     eventKind
	text     string
	err      error
	link     link.State
	messages []chat.Message
}

// Orchestrator is the single writer of session state. All mutation happens
// on the goroutine running Run; public methods post commands to it.
type Orchestrator struct {
	cfg       Config
	transport Transport
	history   HistoryFetcher
	sinks     []TranscriptSink
	metrics   *metrics.Metrics
	newTicker calltimer.TickerFactory
	now       func() time.Time
	logger    zerolog.Logger

	capture  *capture.Loop
	playback *playback.Queue

	cmds   chan command
	events chan event
	done   chan struct{}
	runMu  sync.Mutex
	ran    bool
	sinkWG sync.WaitGroup

	// Owned by the Run goroutine.
	state        State
	session      chat.Session
	transcript   []chat.Message
	asm          *assembler.Assembler
	turnConn     uint64
	policy       *calltimer.Policy
	ticker       calltimer.Ticker
	connectivity link.State

	viewMu sync.RWMutex
	view   View

	subsMu sync.Mutex
	subs   map[int]chan Update
	nextID int
}

// New 创建会话编排器。
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Model == "" {
		cfg.Model = stream.DefaultModel
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = 15 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 10 * time.Second
	}
	cfg.Call = cfg.Call.Normalize()

	if deps.Metrics == nil {
		deps.Metrics = metrics.NewUnregistered()
	}
	if deps.NewTicker == nil {
		deps.NewTicker = calltimer.NewTicker
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	o := &Orchestrator{
		cfg:       cfg,
		transport: deps.Transport,
		history:   deps.History,
		sinks:     deps.Sinks,
		metrics:   deps.Metrics,
		newTicker: deps.NewTicker,
		now:       deps.Now,
		logger:    logging.WithComponent("session"),
		cmds:      make(chan command),
		events:    make(chan event, 64),
		done:      make(chan struct{}),
		asm:       assembler.New(),
		policy:    calltimer.NewPolicy(cfg.Call),
		subs:      make(map[int]chan Update),
	}
	o.capture = capture.New(deps.Recognizer, o, cfg.RestartDelay, deps.Metrics)
	o.playback = playback.New(deps.Player, deps.Metrics)
	o.transport.OnStateChange(func(s link.State) {
		o.post(event{kind: evConnectivity, link: s})
	})
	o.connectivity = o.transport.State()
	o.refreshView()
	return o
}

// Run loads history, connects the link and processes events until ctx is
// done. It may be called once.
func (o *Orchestrator) Run(ctx context.Context, session chat.Session) error {
	o.runMu.Lock()
	if o.ran {
		o.runMu.Unlock()
		return errors.New("session already running")
	}
	o.ran = true
	o.runMu.Unlock()

	if err := session.Validate(); err != nil {
		close(o.done)
		return err
	}

	o.session = session
	o.logger = logging.WithSession("session", session.ResearchID, session.ConversationID)
	o.state = Loading
	o.publish(UpdateState, nil)

	go o.loadHistory(ctx)
	go o.connect(ctx)

	defer o.shutdown()
	for {
		var tickC <-chan time.Time
		if o.ticker != nil {
			tickC = o.ticker.C()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-o.cmds:
			cmd.reply <- cmd.fn()
		case in := <-o.transport.Envelopes():
			o.handleInbound(in)
		case ev := <-o.events:
			o.handleEvent(ev)
		case <-tickC:
			o.handleTick()
		}
	}
}

// SendText submits a typed message.
func (o *Orchestrator) SendText(ctx context.Context, text string) error {
	return o.do(ctx, func() error { return o.send(text) })
}

// ToggleCall starts a call from Ready or ends it from InCall, and reports
// whether a call is active afterwards.
func (o *Orchestrator) ToggleCall(ctx context.Context) (bool, error) {
	var active bool
	err := o.do(ctx, func() error {
		if o.state == InCall {
			o.endCall("manual")
			return nil
		}
		if err := o.startCall(); err != nil {
			return err
		}
		active = true
		return nil
	})
	return active, err
}

// EndCall hangs up. It is a no-op outside a call.
func (o *Orchestrator) EndCall(ctx context.Context) error {
	return o.do(ctx, func() error {
		o.endCall("manual")
		return nil
	})
}

// Reconnect dials the link again after a drop. It never retries on its own.
func (o *Orchestrator) Reconnect(ctx context.Context) error {
	select {
	case <-o.done:
		return ErrClosed
	default:
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
	defer cancel()
	return o.transport.Connect(ctx)
}

// Report surfaces an error raised outside the session loop as a notice.
func (o *Orchestrator) Report(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	return o.do(ctx, func() error {
		o.notify(err.Error(), chat.Kind(err))
		return nil
	})
}

// Snapshot returns the latest view. Safe from any goroutine.
func (o *Orchestrator) Snapshot() View {
	o.viewMu.RLock()
	defer o.viewMu.RUnlock()
	return o.view
}

// Subscribe registers for updates. Slow subscribers miss updates rather than
// stalling the session; the latest Snapshot is always authoritative.
func (o *Orchestrator) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 128)

	o.subsMu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = ch
	o.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subsMu.Lock()
			if _, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(ch)
			}
			o.subsMu.Unlock()
		})
	}
}

// Recognized implements capture.Handler.
func (o *Orchestrator) Recognized(text string) {
	o.post(event{kind: evRecognized, text: text})
}

// RecognitionFailed implements capture.Handler.
func (o *Orchestrator) RecognitionFailed(err error) {
	o.post(event{kind: evRecognitionFailed, err: err})
}

func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case o.cmds <- command{fn: fn, reply: reply}:
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) post(ev event) {
	select {
	case o.events <- ev:
	case <-o.done:
	}
}

func (o *Orchestrator) loadHistory(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.HistoryTimeout)
	defer cancel()

	messages, err := o.history.History(ctx, o.session.Token, backend.HistoryRequest{
		ResearchID:     o.session.ResearchID,
		ConversationID: o.session.ConversationID,
		Limit:          o.cfg.HistoryLimit,
	})
	if err != nil && !errors.Is(err, chat.ErrHistoryLoad) {
		err = fmt.Errorf("%w: %w", chat.ErrHistoryLoad, err)
	}
	o.post(event{kind: evHistoryLoaded, messages: messages, err: err})
}

func (o *Orchestrator) connect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
	defer cancel()
	if err := o.transport.Connect(ctx); err != nil {
		o.post(event{kind: evConnectFailed, err: err})
	}
}

func (o *Orchestrator) send(text string) error {
	err := o.trySend(text)
	if err != nil {
		o.metrics.SendsRejected.WithLabelValues(chat.Kind(err)).Inc()
	}
	return err
}

func (o *Orchestrator) trySend(text string) error {
	if o.state != Ready && o.state != InCall {
		return chat.ErrNotReady
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return chat.ErrEmptyMessage
	}
	if !o.transport.Connected() {
		return chat.ErrTransportUnavailable
	}
	if err := o.asm.Begin(); err != nil {
		return err
	}

	err := o.transport.Send(stream.Request{
		Token:          o.session.Token,
		ResearchID:     o.session.ResearchID,
		ConversationID: o.session.ConversationID,
		Message:        text,
		Model:          o.cfg.Model,
	})
	if err != nil {
		o.asm.Abort()
		if !errors.Is(err, chat.ErrTransportUnavailable) {
			err = fmt.Errorf("%w: %v", chat.ErrTransportUnavailable, err)
		}
		return err
	}
	o.turnConn = o.transport.Generation()

	o.appendMessage(chat.NewMessage(o.session.ConversationID, chat.RoleUser, text, o.now()))
	return nil
}

func (o *Orchestrator) appendMessage(msg chat.Message) {
	o.transcript = append(o.transcript, msg)
	o.publish(UpdateTranscript, nil)

	for _, sink := range o.sinks {
		o.sinkWG.Add(1)
		go func(sink TranscriptSink) {
			defer o.sinkWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SinkTimeout)
			defer cancel()
			if err := sink.Publish(ctx, o.session, msg); err != nil {
				o.post(event{kind: evSinkFailed, err: fmt.Errorf("%w: %v", chat.ErrPersistence, err)})
			}
		}(sink)
	}
}

func (o *Orchestrator) handleInbound(in link.Inbound) {
	if in.Closed {
		// 连接的最后一帧已经处理完，只有承载当前回合的连接断开才中止回合。
		if o.asm.InFlight() && in.Conn == o.turnConn {
			o.asm.Abort()
			o.metrics.TurnsAborted.Inc()
			o.notify("connection lost while a response was streaming", chat.Kind(chat.ErrTransportUnavailable))
		}
		return
	}
	if in.Err != nil {
		o.metrics.ProtocolViolations.Inc()
		o.logger.Warn().Err(in.Err).Msg("ignoring malformed envelope")
		return
	}

	res := o.asm.Apply(in.Envelope)
	switch res.Kind {
	case assembler.Partial:
		o.publish(UpdatePartial, nil)

	case assembler.Final:
		o.metrics.TurnsCompleted.Inc()
		if res.Diverged {
			o.metrics.TurnDivergence.Inc()
			o.logger.Warn().
				Int("streamedLen", len(res.Streamed)).
				Int("finalLen", len(res.Text)).
				Msg("streamed chunks differ from final response")
		}
		if res.Text == "" {
			o.logger.Warn().Msg("complete envelope carried no text")
			o.publish(UpdateTranscript, nil)
			return
		}
		o.appendMessage(chat.NewMessage(o.session.ConversationID, chat.RoleAssistant, res.Text, o.now()))

	case assembler.Aborted:
		o.metrics.TurnsAborted.Inc()
		o.notify(res.Err.Error(), chat.Kind(res.Err))

	case assembler.Ignored:
		if res.Err != nil {
			o.notify(res.Err.Error(), chat.Kind(res.Err))
		}

	case assembler.Audio:
		o.playback.Play(res.Audio)

	case assembler.Violation:
		o.metrics.ProtocolViolations.Inc()
		o.logger.Warn().Err(res.Err).Msg("ignoring envelope")
	}
}

func (o *Orchestrator) handleEvent(ev event) {
	switch ev.kind {
	case evHistoryLoaded:
		if o.state != Loading {
			return
		}
		if ev.err != nil {
			o.metrics.HistoryLoads.WithLabelValues("error").Inc()
			o.logger.Warn().Err(ev.err).Msg("history load failed, starting empty")
			o.transcript = nil
			o.state = Ready
			o.notify(ev.err.Error(), chat.Kind(ev.err))
			return
		}
		o.metrics.HistoryLoads.WithLabelValues("ok").Inc()
		o.transcript = chat.CloneTranscript(ev.messages)
		o.state = Ready
		o.logger.Info().Int("messages", len(ev.messages)).Msg("history loaded")
		o.publish(UpdateState, nil)

	case evConnectivity:
		o.connectivity = ev.link
		o.publish(UpdateConnectivity, nil)

	case evConnectFailed:
		o.notify(ev.err.Error(), chat.Kind(ev.err))

	case evRecognized:
		if o.state != InCall {
			o.logger.Debug().Msg("dropping recognition result outside a call")
			return
		}
		if err := o.send(ev.text); err != nil {
			o.notify(err.Error(), chat.Kind(err))
		}

	case evRecognitionFailed:
		if o.state != InCall {
			return
		}
		o.endCall("recognition_error")
		o.notify(ev.err.Error(), chat.Kind(ev.err))

	case evSinkFailed:
		o.logger.Warn().Err(ev.err).Msg("transcript sink failed")
		o.notify(ev.err.Error(), chat.Kind(ev.err))
	}
}

func (o *Orchestrator) startCall() error {
	switch o.state {
	case InCall:
		return nil
	case Ready:
	default:
		return chat.ErrNotReady
	}

	if err := o.capture.Start(); err != nil {
		return err
	}

	gen := o.policy.Start()
	o.ticker = o.newTicker(o.policy.Thresholds().Interval)
	o.state = InCall
	o.metrics.CallsStarted.Inc()
	o.logger.Info().Uint64("call", gen).Msg("call started")
	o.publish(UpdateCall, nil)
	return nil
}

// endCall is the single teardown path for every way a call ends.
func (o *Orchestrator) endCall(reason string) {
	if o.state != InCall {
		return
	}

	o.capture.Stop()
	if o.ticker != nil {
		o.ticker.Stop()
		o.ticker = nil
	}
	last := o.policy.Stop()
	o.state = Ready

	o.metrics.RecordCallEnd(reason, last.ElapsedSeconds)
	o.logger.Info().Str("reason", reason).Int("elapsedSeconds", last.ElapsedSeconds).Msg("call ended")
	o.publish(UpdateCall, nil)
}

func (o *Orchestrator) handleTick() {
	switch o.policy.Tick(o.policy.Generation()) {
	case calltimer.Warning:
		left := o.policy.Remaining().Round(time.Second)
		o.publish(UpdateCall, nil)
		o.notify(fmt.Sprintf("%s remaining in this call", left), NoticeCallWarning)
	case calltimer.Expired:
		o.endCall("expired")
		o.notify("call time limit reached", NoticeCallEnded)
	default:
		o.publish(UpdateCall, nil)
	}
}

func (o *Orchestrator) notify(message, kind string) {
	n := &Notice{
		ID:      uuid.NewString(),
		Kind:    kind,
		Message: message,
		At:      o.now().UTC(),
	}
	o.publish(UpdateNotice, n)
}

func (o *Orchestrator) refreshView() View {
	call := o.policy.State()
	v := View{
		State:            o.state,
		Connectivity:     o.connectivity.String(),
		ResearchID:       o.session.ResearchID,
		ConversationID:   o.session.ConversationID,
		Transcript:       chat.CloneTranscript(o.transcript),
		Pending:          o.asm.Buffer(),
		TurnInFlight:     o.asm.InFlight(),
		Call:             call,
		RemainingSeconds: int(o.policy.Remaining() / time.Second),
		CaptureAvailable: o.capture.Available(),
	}

	o.viewMu.Lock()
	o.view = v
	o.viewMu.Unlock()
	return v
}

func (o *Orchestrator) publish(kind UpdateKind, notice *Notice) {
	update := Update{Kind: kind, View: o.refreshView(), Notice: notice}

	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for id, ch := range o.subs {
		select {
		case ch <- update:
		default:
			o.logger.Debug().Int("subscriber", id).Str("kind", string(kind)).Msg("subscriber lagging, update dropped")
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.endCall("shutdown")
	close(o.done)
	o.playback.Close()
	o.sinkWG.Wait()

	o.state = Idle
	o.refreshView()

	o.subsMu.Lock()
	for id, ch := range o.subs {
		close(ch)
		delete(o.subs, id)
	}
	o.subsMu.Unlock()
}
