package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zhouzirui/vera/client/internal/observability/metrics"
)

type blockingPlayer struct {
	mu        sync.Mutex
	started   []string
	cancelled []string
	err       error
}

func (p *blockingPlayer) Play(ctx context.Context, audio []byte) error {
	p.mu.Lock()
	p.started = append(p.started, string(audio))
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return err
	}

	<-ctx.Done()
	p.mu.Lock()
	p.cancelled = append(p.cancelled, string(audio))
	p.mu.Unlock()
	return ctx.Err()
}

func (p *blockingPlayer) snapshot() ([]string, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.started...), append([]string(nil), p.cancelled...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPlayPreemptsCurrentClip(t *testing.T) {
	player := &blockingPlayer{}
	q := New(player, nil)

	q.Play([]byte("first"))
	waitFor(t, func() bool { s, _ := player.snapshot(); return len(s) == 1 })

	q.Play([]byte("second"))
	waitFor(t, func() bool { s, c := player.snapshot(); return len(s) == 2 && len(c) == 1 })

	_, cancelled := player.snapshot()
	if cancelled[0] != "first" {
		t.Fatalf("expected first clip to be preempted, got %v", cancelled)
	}
	if !q.Playing() {
		t.Fatal("second clip should still be playing")
	}

	q.Close()
	if q.Playing() {
		t.Fatal("close should stop playback")
	}
}

func TestPlaybackFailureIsSwallowed(t *testing.T) {
	m := metrics.NewUnregistered()
	q := New(&blockingPlayer{err: errors.New("device busy")}, m)

	q.Play([]byte("clip"))
	q.Close()

	if got := testutil.ToFloat64(m.PlaybackFailures); got != 1 {
		t.Fatalf("expected 1 playback failure, got %v", got)
	}
}

func TestEmptyClipIgnored(t *testing.T) {
	player := &blockingPlayer{}
	q := New(player, nil)
	q.Play(nil)
	q.Close()

	if s, _ := player.snapshot(); len(s) != 0 {
		t.Fatalf("empty clip should not reach the player: %v", s)
	}
}
