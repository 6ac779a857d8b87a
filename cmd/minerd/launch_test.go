package main

import (
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"minerd/internal/config"
)

func llmBackend() config.Backend {
	var cfg config.Config
	cfg.Service.BaseURL = "http://d"
	cfg.Backend = config.Backend{
		Kind:            config.BackendLLM,
		URL:             "http://127.0.0.1:8000",
		ServedModelName: "openhermes-mixtral-8x7b-gptq",
		Launch: config.Launch{
			Model:          "TheBloke/OpenHermes-2.5-Mistral-7B-GPTQ",
			Quantization:   "gptq",
			ToolCallParser: "hermes",
		},
	}
	cfg.ApplyDefaults()
	return cfg.Backend
}

func TestVLLMArgv(t *testing.T) {
	argv, err := vllmArgv(llmBackend(), 2)
	if err != nil {
		t.Fatalf("argv: %v", err)
	}
	want := []string{
		"python", "-m", "vllm.entrypoints.openai.api_server",
		"--model", "TheBloke/OpenHermes-2.5-Mistral-7B-GPTQ",
		"--served-model-name", "openhermes-mixtral-8x7b-gptq",
		"--max-model-len", "8192",
		"--uvicorn-log-level", "warning",
		"--disable-log-requests",
		"--dtype", "half",
		"--port", "8000",
		"--tensor-parallel-size", "2",
		"--gpu-memory-utilization", "0.9",
		"--tool-call-parser", "hermes", "--enable-auto-tool-choice",
		"--quantization", "gptq",
	}
	if !reflect.DeepEqual(argv, want) {
		t.Fatalf("argv =\n%q\nwant\n%q", argv, want)
	}
}

func TestVLLMArgvNeedsPort(t *testing.T) {
	b := llmBackend()
	b.URL = "http://vllm.internal"
	if _, err := vllmArgv(b, 1); err == nil || !strings.Contains(err.Error(), "no port") {
		t.Fatalf("expected port error, got %v", err)
	}
}

func TestLaunchSetsProcessMatch(t *testing.T) {
	if got := llmBackend().ProcessMatch; got != vllmModule {
		t.Fatalf("process match = %q", got)
	}
}

func TestNewLauncher(t *testing.T) {
	l, err := newLauncher(config.Backend{URL: "http://127.0.0.1:8000"}, []int{0}, zerolog.Nop())
	if err != nil || l != nil {
		t.Fatalf("disabled launch: %v %v", l, err)
	}

	b := llmBackend()
	b.Launch.Command = []string{"sh", "-c", "exit 0"}
	l, err = newLauncher(b, []int{0, 1}, zerolog.Nop())
	if err != nil || l == nil {
		t.Fatalf("launcher: %v %v", l, err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
}

func TestJoinInts(t *testing.T) {
	if got := joinInts([]int{0, 2, 3}); got != "0,2,3" {
		t.Fatalf("joinInts = %q", got)
	}
}
