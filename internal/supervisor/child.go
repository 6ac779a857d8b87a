package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// Child is a running worker process.
type Child interface {
	Pid() int
	Terminate() error
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
}

// Spawner starts the worker for one device.
type Spawner func(ctx context.Context, device int) (Child, error)

// WorkerArgs is the command line of a device worker.
func WorkerArgs(device int, extra []string) []string {
	return append([]string{"worker", "--device", strconv.Itoa(device)}, extra...)
}

// ExecSpawner re-executes exe as `exe worker --device N extra...`, inheriting
// stdio and environment. The child is not bound to ctx; shutdown goes through
// Terminate so workers can finish their current step.
func ExecSpawner(exe string, extra []string) Spawner {
	return func(_ context.Context, device int) (Child, error) {
		cmd := exec.Command(exe, WorkerArgs(device, extra)...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = os.Environ()
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return &execChild{cmd: cmd}, nil
	}
}

type execChild struct{ cmd *exec.Cmd }

func (c *execChild) Pid() int { return c.cmd.Process.Pid }

func (c *execChild) Terminate() error { return c.cmd.Process.Signal(syscall.SIGTERM) }

func (c *execChild) Wait() (int, error) {
	err := c.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}
