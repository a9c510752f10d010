// Package playback plays assistant audio with preemption: a new clip always
// replaces the one currently playing.
package playback

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/vera/client/internal/capability"
	"github.com/zhouzirui/vera/client/internal/observability/logging"
	"github.com/zhouzirui/vera/client/internal/observability/metrics"
)

// Queue 音频播放队列，只保留最新的一段。
type Queue struct {
	player  capability.Player
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	seq     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	base    context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup
}

// New 创建播放队列。
func New(player capability.Player, m *metrics.Metrics) *Queue {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	base, stopAll := context.WithCancel(context.Background())
	return &Queue{
		player:  player,
		metrics: m,
		logger:  logging.WithComponent("playback"),
		base:    base,
		stopAll: stopAll,
	}
}

// Play cancels the current clip and starts audio immediately. It never blocks
// on playback and never reports failures; they are logged and counted.
func (q *Queue) Play(audio []byte) {
	if q.player == nil || len(audio) == 0 {
		return
	}

	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	ctx, cancel := context.WithCancel(q.base)
	q.seq++
	seq := q.seq
	q.cancel = cancel
	done := make(chan struct{})
	q.done = done
	q.mu.Unlock()

	q.metrics.PlaybackStarted.Inc()
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer close(done)
		defer cancel()

		err := q.player.Play(ctx, audio)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			q.logger.Debug().Uint64("clip", seq).Msg("playback preempted")
		default:
			q.metrics.PlaybackFailures.Inc()
			q.logger.Warn().Err(err).Uint64("clip", seq).Msg("playback failed")
		}
	}()
}

// Playing reports whether a clip is still running.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	done := q.done
	q.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Close stops playback and waits for the player to return.
func (q *Queue) Close() {
	q.stopAll()
	q.wg.Wait()
}
