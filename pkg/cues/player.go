package cues

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/velora/callkit/pkg/logger"
)

// ExecPlayer pipes raw PCM into an external playback command such as
// aplay or paplay, restarting the loop body until Stop. The command
// string may contain a {rate} token that expands to the sample rate.
type ExecPlayer struct {
	command string
	logger  *logger.Logger

	mu    sync.Mutex
	loops map[string]*loop
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewExecPlayer creates a player backed by the given command string
func NewExecPlayer(command string, log *logger.Logger) (*ExecPlayer, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("cues: player command is empty")
	}
	if log == nil {
		log = logger.Global().WithComponent("cues")
	}
	return &ExecPlayer{
		command: command,
		logger:  log,
		loops:   make(map[string]*loop),
	}, nil
}

// PlayLoop starts looping the cue, replacing any loop with the same name
func (p *ExecPlayer) PlayLoop(name string, pcm []byte, sampleRate int) error {
	parts := strings.Fields(p.command)
	args := make([]string, 0, len(parts))
	for _, part := range parts {
		args = append(args, strings.ReplaceAll(part, "{rate}", strconv.Itoa(sampleRate)))
	}

	p.mu.Lock()
	if prev, ok := p.loops[name]; ok {
		prev.cancel()
		delete(p.loops, name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, done: make(chan struct{})}
	p.loops[name] = l
	p.mu.Unlock()

	go p.run(ctx, l, name, args, pcm)
	return nil
}

// Stop ends the named loop. Stopping a cue that is not playing is a
// no-op.
func (p *ExecPlayer) Stop(name string) error {
	p.mu.Lock()
	l, ok := p.loops[name]
	if ok {
		delete(p.loops, name)
	}
	p.mu.Unlock()

	if ok {
		l.cancel()
		<-l.done
	}
	return nil
}

// Close stops every loop
func (p *ExecPlayer) Close() {
	p.mu.Lock()
	loops := p.loops
	p.loops = make(map[string]*loop)
	p.mu.Unlock()

	for _, l := range loops {
		l.cancel()
		<-l.done
	}
}

func (p *ExecPlayer) run(ctx context.Context, l *loop, name string, args []string, pcm []byte) {
	defer close(l.done)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.logger.Debug("player pipe failed", "cue", name, "error", err)
		return
	}
	if err := cmd.Start(); err != nil {
		p.logger.Debug("player start failed", "cue", name, "error", err)
		return
	}

	go func() {
		defer stdin.Close()
		for ctx.Err() == nil {
			if _, err := stdin.Write(pcm); err != nil {
				if ctx.Err() == nil && err != io.ErrClosedPipe {
					p.logger.Debug("player write failed", "cue", name, "error", err)
				}
				return
			}
		}
	}()

	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		p.logger.Debug("player exited", "cue", name, "error", err)
	}
}
