package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/vera/client/internal/observability/logging"
)

// CommandPlayer pipes each clip into an external player process, for example
// "ffplay -nodisp -autoexit -loglevel quiet -".
type CommandPlayer struct {
	name   string
	args   []string
	logger zerolog.Logger
}

// NewCommandPlayer builds a player from an argv. An empty argv yields a player
// that discards audio.
func NewCommandPlayer(argv []string) *CommandPlayer {
	p := &CommandPlayer{logger: logging.WithComponent("player")}
	if len(argv) > 0 {
		p.name = argv[0]
		p.args = argv[1:]
	}
	return p
}

// Play runs the player process to completion. Cancelling ctx kills it.
func (p *CommandPlayer) Play(ctx context.Context, audio []byte) error {
	if len(audio) == 0 {
		return errors.New("empty audio clip")
	}
	if p.name == "" {
		p.logger.Debug().Int("bytes", len(audio)).Msg("no player configured, discarding clip")
		return nil
	}

	cmd := exec.CommandContext(ctx, p.name, p.args...)
	cmd.Stdin = bytes.NewReader(audio)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("player %s: %w: %s", p.name, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}
