package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultStopWords end a streamed text completion early.
var DefaultStopWords = []string{"[End]", "[end]", "<|im_start|>", "<|im_end|>"}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	if c.Backend.Kind == "" {
		c.Backend.Kind = BackendSD
	}
	if c.Backend.HealthPath == "" {
		if c.Backend.Kind == BackendLLM {
			c.Backend.HealthPath = "/health"
		} else {
			c.Backend.HealthPath = "/sdapi/v1/options"
		}
	}
	if c.Backend.MetricsURL == "" && c.Backend.URL != "" {
		c.Backend.MetricsURL = strings.TrimRight(c.Backend.URL, "/") + "/metrics"
	}
	if l := &c.Backend.Launch; l.Enabled() {
		if l.StopTimeoutSeconds <= 0 {
			l.StopTimeoutSeconds = 10
		}
		if l.Python == "" {
			l.Python = "python"
		}
		if l.GPUMemoryUtilization <= 0 {
			l.GPUMemoryUtilization = 0.9
		}
		if l.MaxModelLen <= 0 {
			l.MaxModelLen = 8192
		}
		if len(l.Command) == 0 && c.Backend.ProcessMatch == "" {
			c.Backend.ProcessMatch = "vllm.entrypoints.openai.api_server"
		}
	}
	if c.Backend.LlamaContext <= 0 {
		c.Backend.LlamaContext = 4096
	}
	if c.Service.SignalURL == "" {
		c.Service.SignalURL = c.Service.BaseURL
	}
	if c.Service.JobTimeoutSeconds <= 0 {
		c.Service.JobTimeoutSeconds = 60
	}
	s := &c.System
	if s.NumDevices <= 0 {
		s.NumDevices = 1
	}
	if s.MinDeadline <= 0 {
		s.MinDeadline = 60
	}
	if s.SleepDurationSeconds <= 0 {
		s.SleepDurationSeconds = 2
	}
	if s.SignalIntervalSeconds <= 0 {
		s.SignalIntervalSeconds = 600
	}
	if s.ReloadIntervalSeconds <= 0 {
		s.ReloadIntervalSeconds = 600
	}
	if s.HeartbeatSeconds <= 0 {
		s.HeartbeatSeconds = 60
	}
	if s.EnvFile == "" {
		s.EnvFile = ".env"
	}
	p := &c.ProcessingLimits
	if p.ConcurrencySoftLimit <= 0 {
		p.ConcurrencySoftLimit = 5
	}
	if p.MaxResidentModels <= 0 {
		p.MaxResidentModels = 1
	}
	if p.MaxLoRAOverlays <= 0 {
		p.MaxLoRAOverlays = 1
	}
	if p.MaxHeight <= 0 {
		p.MaxHeight = 1024
	}
	if p.MaxWidth <= 0 {
		p.MaxWidth = 1024
	}
	if p.MaxIterations <= 0 {
		p.MaxIterations = 50
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = 4096
	}
	if len(p.StopWords) == 0 {
		p.StopWords = append([]string(nil), DefaultStopWords...)
	}
	st := &c.Storage
	if st.BaseDir == "" {
		st.BaseDir = "~/.cache/heurist"
	}
	if st.KeysDir == "" {
		st.KeysDir = "~/.heurist-keys"
	}
	if st.StatsDir == "" {
		st.StatsDir = "stats"
	}
	if st.S3Region == "" {
		st.S3Region = "us-east-1"
	}
	if c.ModelConfig.SyncIntervalSeconds <= 0 {
		c.ModelConfig.SyncIntervalSeconds = 60
	}
	if c.Stats.PushIntervalSeconds <= 0 {
		c.Stats.PushIntervalSeconds = 60
	}
	if c.Network.RequestTimeoutSeconds <= 0 {
		c.Network.RequestTimeoutSeconds = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Versions.Version == "" {
		c.Versions.Version = "unknown"
	}
}

// Validate rejects configurations the miner cannot run with.
func (c Config) Validate() error {
	var errs []error
	if _, err := url.ParseRequestURI(c.Service.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("service.base_url: %w", err))
	}
	switch c.Backend.Kind {
	case BackendLLM, BackendSD:
	default:
		errs = append(errs, fmt.Errorf("backend.kind: unknown kind %q", c.Backend.Kind))
	}
	if c.Backend.Kind == BackendLLM && c.Backend.ServedModelName == "" && c.System.SpecifiedModelID == "" {
		errs = append(errs, errors.New("backend.served_model_name is required for llm backends"))
	}
	if l := c.Backend.Launch; l.Enabled() {
		if c.Backend.URL == "" {
			errs = append(errs, errors.New("backend.launch requires backend.url"))
		}
		if l.GPUMemoryUtilization > 1 {
			errs = append(errs, fmt.Errorf("backend.launch.gpu_memory_utilization %.2f is above 1", l.GPUMemoryUtilization))
		}
	}
	if c.Network.MaxRetries < 0 {
		errs = append(errs, errors.New("network.max_retries must not be negative"))
	}
	if c.Contract.Address != "" && !common.IsHexAddress(c.Contract.Address) {
		errs = append(errs, fmt.Errorf("contract.address: %q is not a hex address", c.Contract.Address))
	}
	if c.Versions.Version != "unknown" {
		if _, err := ParseVersion(c.Versions.Version); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ParseVersion accepts versions such as "sd-v1.2.0" or "v1.2.0" and returns the semantic part.
func ParseVersion(v string) (*semver.Version, error) {
	raw := v
	if i := strings.LastIndex(v, "-v"); i >= 0 {
		raw = v[i+1:]
	}
	sv, err := semver.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("versions.version %q: %w", v, err)
	}
	return sv, nil
}
