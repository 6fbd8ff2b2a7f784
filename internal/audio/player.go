package audio

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/CamScoglio/voicepal/internal/history"
	"go.uber.org/zap"
)

// DefaultPlayerCommand returns the platform's command-line WAV player.
func DefaultPlayerCommand() []string {
	if runtime.GOOS == "darwin" {
		return []string{"afplay"}
	}
	return []string{"aplay", "-q"}
}

// CommandPlayer plays files by running an external player with the file
// path as its last argument.
type CommandPlayer struct {
	argv   []string
	logger *zap.SugaredLogger
}

// NewCommandPlayer returns a player for argv. An empty argv uses the
// platform default.
func NewCommandPlayer(argv []string, logger *zap.SugaredLogger) *CommandPlayer {
	if len(argv) == 0 {
		argv = DefaultPlayerCommand()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CommandPlayer{argv: argv, logger: logger}
}

// Play implements history.Player. done runs once the child process exits,
// whether it finished or was stopped.
func (p *CommandPlayer) Play(ref string, done func()) (history.Playback, error) {
	if _, err := os.Stat(ref); err != nil {
		return nil, fmt.Errorf("audio file: %w", err)
	}

	args := append(append([]string{}, p.argv[1:]...), ref)
	cmd := exec.Command(p.argv[0], args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", p.argv[0], err)
	}

	pb := &commandPlayback{cmd: cmd, exited: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		pb.mu.Lock()
		stopped := pb.stopped
		pb.mu.Unlock()
		if err != nil && !stopped {
			p.logger.Warnw("player exited", "ref", ref, "error", err)
		}
		close(pb.exited)
		if done != nil {
			done()
		}
	}()
	return pb, nil
}

type commandPlayback struct {
	cmd     *exec.Cmd
	mu      sync.Mutex
	stopped bool
	exited  chan struct{}
}

// Stop kills the player. Stopping an exited playback is a no-op.
func (pb *commandPlayback) Stop() error {
	pb.mu.Lock()
	if pb.stopped {
		pb.mu.Unlock()
		return nil
	}
	pb.stopped = true
	pb.mu.Unlock()

	select {
	case <-pb.exited:
		return nil
	default:
	}
	if err := pb.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill player: %w", err)
	}
	return nil
}
