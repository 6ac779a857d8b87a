package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"minerd/internal/config"
	"minerd/internal/supervisor"
)

// vllmModule is the vLLM OpenAI-compatible server entrypoint.
const vllmModule = "vllm.entrypoints.openai.api_server"

// newLauncher returns the backend process for `mine`, or nil when the backend
// is managed elsewhere. The vLLM server is sharded across every started device.
func newLauncher(b config.Backend, devices []int, log zerolog.Logger) (supervisor.Launcher, error) {
	l := b.Launch
	if !l.Enabled() {
		return nil, nil
	}
	argv := l.Command
	if len(argv) == 0 {
		var err error
		if argv, err = vllmArgv(b, len(devices)); err != nil {
			return nil, err
		}
	}
	env := append([]string{"CUDA_VISIBLE_DEVICES=" + joinInts(devices)}, l.Env...)
	return supervisor.NewBackendProcess(supervisor.LaunchConfig{
		Argv:        argv,
		Env:         env,
		StopTimeout: l.StopTimeout(),
	}, log), nil
}

func vllmArgv(b config.Backend, gpus int) ([]string, error) {
	u, err := url.Parse(b.URL)
	if err != nil {
		return nil, fmt.Errorf("backend.url: %w", err)
	}
	port := u.Port()
	if port == "" {
		return nil, fmt.Errorf("backend.url %q has no port for the launched server", b.URL)
	}
	if gpus < 1 {
		gpus = 1
	}
	l := b.Launch
	argv := []string{
		l.Python, "-m", vllmModule,
		"--model", l.Model,
		"--served-model-name", b.ServedModelName,
		"--max-model-len", strconv.Itoa(l.MaxModelLen),
		"--uvicorn-log-level", "warning",
		"--disable-log-requests",
		"--dtype", "half",
		"--port", port,
		"--tensor-parallel-size", strconv.Itoa(gpus),
		"--gpu-memory-utilization", strconv.FormatFloat(l.GPUMemoryUtilization, 'f', -1, 64),
	}
	if l.ToolCallParser != "" {
		argv = append(argv, "--tool-call-parser", l.ToolCallParser, "--enable-auto-tool-choice")
	}
	if l.Revision != "" {
		argv = append(argv, "--revision", l.Revision)
	}
	if l.Quantization != "" {
		argv = append(argv, "--quantization", l.Quantization)
	}
	return argv, nil
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}
