package supervisor

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendProcessStopsOnSIGTERM(t *testing.T) {
	b := NewBackendProcess(LaunchConfig{
		Argv:   []string{"sh", "-c", "exec sleep 30"},
		Stdout: &bytes.Buffer{},
	}, zerolog.Nop())
	require.NoError(t, b.Start())
	assert.Error(t, b.Start(), "second start")
	assert.NoError(t, b.Err(), "running")

	require.NoError(t, b.Stop())
	select {
	case <-b.Exited():
	default:
		t.Fatal("process still running after Stop")
	}
	assert.Error(t, b.Err())
	assert.NoError(t, b.Stop(), "stop after exit")
}

func TestBackendProcessInheritsExtraEnv(t *testing.T) {
	var out bytes.Buffer
	b := NewBackendProcess(LaunchConfig{
		Argv:   []string{"sh", "-c", `echo "$CUDA_VISIBLE_DEVICES"`},
		Env:    []string{"CUDA_VISIBLE_DEVICES=0,1"},
		Stdout: &out,
	}, zerolog.Nop())
	require.NoError(t, b.Start())
	select {
	case <-b.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, "0,1\n", out.String())
	assert.Contains(t, b.Err().Error(), "exit status 0")
}

func TestBackendProcessKillsAfterStopTimeout(t *testing.T) {
	b := NewBackendProcess(LaunchConfig{
		Argv:        []string{"sh", "-c", `trap "" TERM; while :; do sleep 0.05; done`},
		StopTimeout: 200 * time.Millisecond,
		Stdout:      &bytes.Buffer{},
	}, zerolog.Nop())
	require.NoError(t, b.Start())
	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	require.NoError(t, b.Stop())
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	<-b.Exited()
}

func TestBackendProcessErrIncludesStderrTail(t *testing.T) {
	b := NewBackendProcess(LaunchConfig{
		Argv:   []string{"sh", "-c", "echo 'CUDA out of memory' >&2; exit 3"},
		Stderr: &bytes.Buffer{},
	}, zerolog.Nop())
	require.NoError(t, b.Start())
	select {
	case <-b.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	err := b.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestBackendProcessEmptyCommand(t *testing.T) {
	b := NewBackendProcess(LaunchConfig{}, zerolog.Nop())
	assert.Error(t, b.Start())
	assert.NoError(t, b.Stop())
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	tb := &tailBuffer{max: 8}
	_, _ = tb.Write([]byte("0123456789"))
	_, _ = tb.Write([]byte("ab"))
	assert.Equal(t, "456789ab", tb.String())
}
