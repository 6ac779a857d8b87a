package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "config.toml", `
[service]
base_url = "http://dispatcher:8000"
job_timeout_seconds = 45

[backend]
kind = "llm"
url = "http://127.0.0.1:8000"
served_model_name = "openhermes"

[system]
num_devices = 2
skip_signature = true

[processing_limits]
concurrency_soft_limit = 7
model_types = ["sd15"]

[versions]
version = "llm-v1.1.0"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.BaseURL != "http://dispatcher:8000" || cfg.Service.JobTimeoutSeconds != 45 {
		t.Fatalf("unexpected service: %+v", cfg.Service)
	}
	if cfg.Backend.Kind != BackendLLM || cfg.Backend.ServedModelName != "openhermes" {
		t.Fatalf("unexpected backend: %+v", cfg.Backend)
	}
	if cfg.System.NumDevices != 2 || !cfg.System.SkipSignature {
		t.Fatalf("unexpected system: %+v", cfg.System)
	}
	if cfg.ProcessingLimits.ConcurrencySoftLimit != 7 || len(cfg.ProcessingLimits.ModelTypes) != 1 {
		t.Fatalf("unexpected limits: %+v", cfg.ProcessingLimits)
	}
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "service:\n  base_url: http://d\nstorage:\n  s3_bucket: results\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.BaseURL != "http://d" || cfg.Storage.S3Bucket != "results" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"service":{"base_url":"http://j"},"stats":{"push_url":"http://s","auth_key":"k"}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.BaseURL != "http://j" || cfg.Stats.AuthKey != "k" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	if _, err := Load("/definitely/not/a/real/file-12345.toml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	p = writeTempFile(t, d, "bad.toml", "[service\nbase_url=\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected TOML unmarshal error")
	}
	p = writeTempFile(t, d, "bad.yaml", "service: [\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected YAML unmarshal error")
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.Service.BaseURL = "http://d"
	cfg.Backend.URL = "http://127.0.0.1:7860/"
	cfg.ApplyDefaults()
	if cfg.Backend.Kind != BackendSD {
		t.Fatalf("kind=%q", cfg.Backend.Kind)
	}
	if cfg.Backend.MetricsURL != "http://127.0.0.1:7860/metrics" {
		t.Fatalf("metrics url=%q", cfg.Backend.MetricsURL)
	}
	if cfg.Service.SignalURL != "http://d" {
		t.Fatalf("signal url=%q", cfg.Service.SignalURL)
	}
	if cfg.System.SignalIntervalSeconds != 600 || cfg.System.ReloadIntervalSeconds != 600 {
		t.Fatalf("intervals: %+v", cfg.System)
	}
	if cfg.ProcessingLimits.MaxResidentModels != 1 || cfg.ProcessingLimits.MaxLoRAOverlays != 1 {
		t.Fatalf("capacity: %+v", cfg.ProcessingLimits)
	}
	if cfg.ProcessingLimits.MaxTokens != 4096 {
		t.Fatalf("max tokens=%d", cfg.ProcessingLimits.MaxTokens)
	}
	if cfg.Network.MaxRetries != 0 {
		t.Fatalf("retries should default to zero")
	}
	if len(cfg.ProcessingLimits.StopWords) != len(DefaultStopWords) {
		t.Fatalf("stop words: %v", cfg.ProcessingLimits.StopWords)
	}
}

func TestValidate(t *testing.T) {
	var cfg Config
	cfg.Service.BaseURL = "http://d"
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	bad := cfg
	bad.Backend.Kind = "tpu"
	bad.Versions.Version = "sd-vX"
	bad.Contract.Address = "nope"
	err := bad.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"backend.kind", "versions.version", "contract.address"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}

	llm := cfg
	llm.Backend.Kind = BackendLLM
	if err := llm.Validate(); err == nil {
		t.Fatalf("expected served_model_name error")
	}
}

func TestLaunchDefaultsAndValidation(t *testing.T) {
	var cfg Config
	cfg.Service.BaseURL = "http://d"
	cfg.ApplyDefaults()
	if cfg.Backend.Launch.Enabled() || cfg.Backend.Launch.StopTimeoutSeconds != 0 {
		t.Fatalf("launch should stay disabled: %+v", cfg.Backend.Launch)
	}

	cfg.Backend.Kind = BackendLLM
	cfg.Backend.ServedModelName = "openhermes"
	cfg.Backend.Launch.Model = "teknium/OpenHermes-2.5-Mistral-7B"
	cfg.ApplyDefaults()
	l := cfg.Backend.Launch
	if l.StopTimeout() != 10*time.Second || l.Python != "python" || l.GPUMemoryUtilization != 0.9 || l.MaxModelLen != 8192 {
		t.Fatalf("launch defaults: %+v", l)
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "backend.launch requires backend.url") {
		t.Fatalf("expected url error, got %v", err)
	}
	cfg.Backend.URL = "http://127.0.0.1:8000"
	cfg.Backend.Launch.GPUMemoryUtilization = 1.5
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "gpu_memory_utilization") {
		t.Fatalf("expected utilization error, got %v", err)
	}
	cfg.Backend.Launch.GPUMemoryUtilization = 0.8
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("sd-v1.2.3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v.String() != "1.2.3" {
		t.Fatalf("got %s", v)
	}
	if _, err := ParseVersion("v2.0.0"); err != nil {
		t.Fatalf("parse plain: %v", err)
	}
}

func TestMinerIDs(t *testing.T) {
	d := t.TempDir()
	env := writeTempFile(t, d, ".env", "MINER_ID_1=0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb\nMINER_ID_0=0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-rig\n")
	t.Setenv("MINER_ID_0", "")
	t.Setenv("MINER_ID_1", "")
	os.Unsetenv("MINER_ID_0")
	os.Unsetenv("MINER_ID_1")
	ids, err := MinerIDs(env)
	if err != nil {
		t.Fatalf("miner ids: %v", err)
	}
	if len(ids) != 2 || !strings.HasSuffix(ids[0], "-rig") {
		t.Fatalf("unexpected ids: %v", ids)
	}
	id, err := MinerIDFor(ids, 5)
	if err != nil || id != ids[0] {
		t.Fatalf("fallback: %q %v", id, err)
	}
	if _, err := MinerIDFor(nil, 0); err == nil {
		t.Fatalf("expected error for empty ids")
	}
}
