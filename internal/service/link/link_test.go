package link

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/vera/client/internal/model/chat"
	"github.com/zhouzirui/vera/client/internal/model/stream"
)

type peer struct {
	server   *httptest.Server
	requests chan stream.Request
	conns    chan *websocket.Conn
}

func newPeer(t *testing.T, reply func(conn *websocket.Conn, req stream.Request)) *peer {
	t.Helper()
	p := &peer{
		requests: make(chan stream.Request, 8),
		conns:    make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.conns <- conn
		for {
			var req stream.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			p.requests <- req
			if reply != nil {
				reply(conn, req)
			}
		}
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *peer) url() string {
	return "ws" + strings.TrimPrefix(p.server.URL, "http")
}

func recvInbound(t *testing.T, l *Link) Inbound {
	t.Helper()
	select {
	case in := <-l.Envelopes():
		return in
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return Inbound{}
	}
}

func TestSendWhileDisconnectedWritesNothing(t *testing.T) {
	p := newPeer(t, nil)
	l := New(DefaultOptions(p.url()), nil)
	defer l.Close()

	err := l.Send(stream.Request{Message: "hello"})
	if !errors.Is(err, chat.ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
	select {
	case req := <-p.requests:
		t.Fatalf("unexpected request reached the peer: %+v", req)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInboundDeliveredInOrder(t *testing.T) {
	p := newPeer(t, func(conn *websocket.Conn, req stream.Request) {
		conn.WriteJSON(stream.Envelope{Type: stream.KindUserMessageSaved})
		conn.WriteJSON(stream.Envelope{Type: stream.KindChunk, Content: "Hi"})
		conn.WriteJSON(stream.Envelope{Type: stream.KindChunk, Content: " there"})
		conn.WriteJSON(stream.Envelope{Type: stream.KindComplete, FullResponse: "Hi there"})
	})

	l := New(DefaultOptions(p.url()), nil)
	defer l.Close()

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect err: %v", err)
	}
	if !l.Connected() {
		t.Fatalf("expected connected, got %s", l.State())
	}

	req := stream.Request{Token: "tok", ResearchID: "R1", ConversationID: "R1_1", Message: "hello", Model: stream.DefaultModel}
	if err := l.Send(req); err != nil {
		t.Fatalf("Send err: %v", err)
	}

	select {
	case got := <-p.requests:
		if got != req {
			t.Fatalf("peer received %+v, want %+v", got, req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received the request")
	}

	want := []stream.Kind{stream.KindUserMessageSaved, stream.KindChunk, stream.KindChunk, stream.KindComplete}
	for i, kind := range want {
		in := recvInbound(t, l)
		if in.Err != nil {
			t.Fatalf("envelope %d decode err: %v", i, in.Err)
		}
		if in.Envelope.Type != kind {
			t.Fatalf("envelope %d: expected %s, got %s", i, kind, in.Envelope.Type)
		}
	}
}

func TestMalformedFrameSurfacesAsError(t *testing.T) {
	p := newPeer(t, func(conn *websocket.Conn, _ stream.Request) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"content":"no type"}`))
	})

	l := New(DefaultOptions(p.url()), nil)
	defer l.Close()
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect err: %v", err)
	}
	if err := l.Send(stream.Request{Message: "x"}); err != nil {
		t.Fatalf("Send err: %v", err)
	}

	in := recvInbound(t, l)
	if !errors.Is(in.Err, chat.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", in.Err)
	}
}

func TestPeerCloseTransitionsToDisconnected(t *testing.T) {
	p := newPeer(t, nil)
	l := New(DefaultOptions(p.url()), nil)
	defer l.Close()

	var mu sync.Mutex
	var seen []State
	disconnected := make(chan struct{}, 1)
	l.OnStateChange(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
		if s == Disconnected {
			disconnected <- struct{}{}
		}
	})

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect err: %v", err)
	}

	conn := <-p.conns
	conn.Close()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("link never reported disconnected")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{Connecting, Connected, Disconnected}
	if len(seen) != len(want) {
		t.Fatalf("unexpected transitions %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], seen[i])
		}
	}

	if err := l.Send(stream.Request{Message: "late"}); !errors.Is(err, chat.ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable after drop, got %v", err)
	}
}

func TestDialFailureStaysDisconnected(t *testing.T) {
	l := New(DefaultOptions("ws://127.0.0.1:1/unreachable"), nil)
	defer l.Close()

	err := l.Connect(context.Background())
	if !errors.Is(err, chat.ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
	if l.State() != Disconnected {
		t.Fatalf("expected disconnected, got %s", l.State())
	}
}

func TestClosedMarkerFollowsLastFrame(t *testing.T) {
	p := newPeer(t, func(conn *websocket.Conn, _ stream.Request) {
		conn.WriteJSON(stream.Envelope{Type: stream.KindComplete, FullResponse: "answer"})
		conn.Close()
	})

	l := New(DefaultOptions(p.url()), nil)
	defer l.Close()
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect err: %v", err)
	}
	gen := l.Generation()
	if err := l.Send(stream.Request{Message: "x"}); err != nil {
		t.Fatalf("Send err: %v", err)
	}

	in := recvInbound(t, l)
	if in.Closed || in.Envelope.Type != stream.KindComplete || in.Conn != gen {
		t.Fatalf("expected complete from connection %d first, got %+v", gen, in)
	}
	in = recvInbound(t, l)
	if !in.Closed || in.Conn != gen {
		t.Fatalf("expected closed marker for connection %d, got %+v", gen, in)
	}
}
