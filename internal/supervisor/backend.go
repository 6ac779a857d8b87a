package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Launcher runs the inference backend for the lifetime of the supervisor.
type Launcher interface {
	Start() error
	// Exited is closed once the process is gone.
	Exited() <-chan struct{}
	// Err describes how the process exited; nil while it runs.
	Err() error
	Stop() error
}

// LaunchConfig configures a BackendProcess.
type LaunchConfig struct {
	Argv []string
	// Extra KEY=VALUE entries added to the inherited environment.
	Env         []string
	StopTimeout time.Duration
	// Defaults to os.Stdout and os.Stderr.
	Stdout, Stderr io.Writer
}

// BackendProcess spawns the backend server and stops it with SIGTERM, falling
// back to SIGKILL after StopTimeout.
type BackendProcess struct {
	cfg LaunchConfig
	log zerolog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	tail    *tailBuffer
	exited  chan struct{}
	waitErr error
}

func NewBackendProcess(cfg LaunchConfig, log zerolog.Logger) *BackendProcess {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &BackendProcess{
		cfg:    cfg,
		log:    log.With().Str("component", "backend").Logger(),
		tail:   &tailBuffer{max: 4096},
		exited: make(chan struct{}),
	}
}

func (b *BackendProcess) Start() error {
	if len(b.cfg.Argv) == 0 {
		return errors.New("backend command is empty")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd != nil {
		return errors.New("backend already started")
	}
	cmd := exec.Command(b.cfg.Argv[0], b.cfg.Argv[1:]...)
	cmd.Env = append(os.Environ(), b.cfg.Env...)
	cmd.Stdout = b.cfg.Stdout
	cmd.Stderr = io.MultiWriter(b.cfg.Stderr, b.tail)
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "start %s", b.cfg.Argv[0])
	}
	b.cmd = cmd
	b.log.Info().Str("event", "backend_start").Int("pid", cmd.Process.Pid).Strs("argv", b.cfg.Argv).Msg("backend started")
	go func() {
		err := cmd.Wait()
		b.mu.Lock()
		b.waitErr = err
		b.mu.Unlock()
		close(b.exited)
	}()
	return nil
}

func (b *BackendProcess) Exited() <-chan struct{} { return b.exited }

func (b *BackendProcess) Err() error {
	select {
	case <-b.exited:
	default:
		return nil
	}
	b.mu.Lock()
	werr := b.waitErr
	b.mu.Unlock()
	if werr == nil {
		werr = errors.New("exit status 0")
	}
	if tail := b.tail.String(); tail != "" {
		return fmt.Errorf("backend exited: %v; stderr tail: %s", werr, tail)
	}
	return fmt.Errorf("backend exited: %v", werr)
}

// Stop terminates the process. It is a no-op when the process never started
// or already exited.
func (b *BackendProcess) Stop() error {
	b.mu.Lock()
	cmd := b.cmd
	b.mu.Unlock()
	if cmd == nil {
		return nil
	}
	select {
	case <-b.exited:
		return nil
	default:
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		b.log.Warn().Err(err).Int("pid", pid).Msg("failed to signal backend")
	}
	select {
	case <-b.exited:
		b.log.Info().Str("event", "backend_stop").Int("pid", pid).Msg("backend stopped")
	case <-time.After(b.cfg.StopTimeout):
		b.log.Warn().Str("event", "backend_kill").Int("pid", pid).Dur("after", b.cfg.StopTimeout).Msg("backend did not stop, killing")
		if err := cmd.Process.Kill(); err != nil {
			return errors.Wrap(err, "kill backend")
		}
		<-b.exited
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
