package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Backend kinds.
const (
	BackendLLM = "llm"
	BackendSD  = "sd"
)

// Config holds runtime parameters for the miner.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Service          Service          `json:"service" yaml:"service" toml:"service"`
	Backend          Backend          `json:"backend" yaml:"backend" toml:"backend"`
	System           System           `json:"system" yaml:"system" toml:"system"`
	ProcessingLimits ProcessingLimits `json:"processing_limits" yaml:"processing_limits" toml:"processing_limits"`
	Storage          Storage          `json:"storage" yaml:"storage" toml:"storage"`
	ModelConfig      ModelConfig      `json:"model_config" yaml:"model_config" toml:"model_config"`
	Contract         Contract         `json:"contract" yaml:"contract" toml:"contract"`
	Stats            Stats            `json:"stats" yaml:"stats" toml:"stats"`
	Network          Network          `json:"network" yaml:"network" toml:"network"`
	Logging          Logging          `json:"logging" yaml:"logging" toml:"logging"`
	Versions         Versions         `json:"versions" yaml:"versions" toml:"versions"`
	Status           Status           `json:"status" yaml:"status" toml:"status"`
}

// Service points at the remote dispatcher.
type Service struct {
	BaseURL   string `json:"base_url" yaml:"base_url" toml:"base_url"`
	SignalURL string `json:"signal_url" yaml:"signal_url" toml:"signal_url"`
	// Post-hoc warning threshold for a whole job, in seconds.
	JobTimeoutSeconds int `json:"job_timeout_seconds" yaml:"job_timeout_seconds" toml:"job_timeout_seconds"`
}

// Backend describes the local inference server.
type Backend struct {
	Kind            string `json:"kind" yaml:"kind" toml:"kind"`
	URL             string `json:"url" yaml:"url" toml:"url"`
	MetricsURL      string `json:"metrics_url" yaml:"metrics_url" toml:"metrics_url"`
	HealthPath      string `json:"health_path" yaml:"health_path" toml:"health_path"`
	ServedModelName string `json:"served_model_name" yaml:"served_model_name" toml:"served_model_name"`
	// Optional substring matched against process command lines by the liveness probe.
	ProcessMatch string `json:"process_match" yaml:"process_match" toml:"process_match"`
	// In-process llama.cpp settings, used with the llama build tag.
	LlamaContext int `json:"llama_context" yaml:"llama_context" toml:"llama_context"`
	LlamaThreads int `json:"llama_threads" yaml:"llama_threads" toml:"llama_threads"`
	// Launch starts the backend server from `minerd mine` and stops it on exit.
	Launch Launch `json:"launch" yaml:"launch" toml:"launch"`
}

// Launch describes a backend server process owned by the miner. Command, when
// set, is run verbatim; otherwise the vLLM fields build an OpenAI-compatible
// vLLM server command listening on the port of backend.url.
type Launch struct {
	Command []string `json:"command" yaml:"command" toml:"command"`
	// Extra KEY=VALUE entries added to the inherited environment.
	Env                []string `json:"env" yaml:"env" toml:"env"`
	StopTimeoutSeconds int      `json:"stop_timeout" yaml:"stop_timeout" toml:"stop_timeout"`

	Python               string  `json:"python" yaml:"python" toml:"python"`
	Model                string  `json:"model" yaml:"model" toml:"model"`
	Revision             string  `json:"revision" yaml:"revision" toml:"revision"`
	Quantization         string  `json:"quantization" yaml:"quantization" toml:"quantization"`
	ToolCallParser       string  `json:"tool_call_parser" yaml:"tool_call_parser" toml:"tool_call_parser"`
	GPUMemoryUtilization float64 `json:"gpu_memory_utilization" yaml:"gpu_memory_utilization" toml:"gpu_memory_utilization"`
	MaxModelLen          int     `json:"max_model_len" yaml:"max_model_len" toml:"max_model_len"`
}

// Enabled reports whether the miner should start the backend itself.
func (l Launch) Enabled() bool { return len(l.Command) > 0 || l.Model != "" }

func (l Launch) StopTimeout() time.Duration { return seconds(l.StopTimeoutSeconds) }

// System controls loop pacing and device fan-out.
type System struct {
	NumDevices            int    `json:"num_devices" yaml:"num_devices" toml:"num_devices"`
	MinDeadline           int    `json:"min_deadline" yaml:"min_deadline" toml:"min_deadline"`
	SleepDurationSeconds  int    `json:"sleep_duration" yaml:"sleep_duration" toml:"sleep_duration"`
	SignalIntervalSeconds int    `json:"signal_interval" yaml:"signal_interval" toml:"signal_interval"`
	ReloadIntervalSeconds int    `json:"reload_interval" yaml:"reload_interval" toml:"reload_interval"`
	HeartbeatSeconds      int    `json:"heartbeat_interval" yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	SkipSignature         bool   `json:"skip_signature" yaml:"skip_signature" toml:"skip_signature"`
	SkipChecksum          bool   `json:"skip_checksum" yaml:"skip_checksum" toml:"skip_checksum"`
	SpecifiedModelID      string `json:"specified_model_id" yaml:"specified_model_id" toml:"specified_model_id"`
	DefaultModelIndex     int    `json:"default_model_index" yaml:"default_model_index" toml:"default_model_index"`
	EnvFile               string `json:"env_file" yaml:"env_file" toml:"env_file"`
}

// ProcessingLimits bounds residency and job parameters.
type ProcessingLimits struct {
	ConcurrencySoftLimit int      `json:"concurrency_soft_limit" yaml:"concurrency_soft_limit" toml:"concurrency_soft_limit"`
	MaxResidentModels    int      `json:"max_resident_models" yaml:"max_resident_models" toml:"max_resident_models"`
	MaxLoRAOverlays      int      `json:"max_lora_overlays" yaml:"max_lora_overlays" toml:"max_lora_overlays"`
	MaxHeight            int      `json:"max_height" yaml:"max_height" toml:"max_height"`
	MaxWidth             int      `json:"max_width" yaml:"max_width" toml:"max_width"`
	MaxIterations        int      `json:"max_iterations" yaml:"max_iterations" toml:"max_iterations"`
	MaxTokens            int      `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	ModelTypes           []string `json:"model_types" yaml:"model_types" toml:"model_types"`
	StopWords            []string `json:"stop_words" yaml:"stop_words" toml:"stop_words"`
}

// Storage groups local directories and the result bucket.
type Storage struct {
	S3Bucket   string `json:"s3_bucket" yaml:"s3_bucket" toml:"s3_bucket"`
	S3Region   string `json:"s3_region" yaml:"s3_region" toml:"s3_region"`
	S3Endpoint string `json:"s3_endpoint" yaml:"s3_endpoint" toml:"s3_endpoint"`
	BaseDir    string `json:"base_dir" yaml:"base_dir" toml:"base_dir"`
	KeysDir    string `json:"keys_dir" yaml:"keys_dir" toml:"keys_dir"`
	StatsDir   string `json:"stats_dir" yaml:"stats_dir" toml:"stats_dir"`
}

// ModelConfig lists the remote catalogs.
type ModelConfig struct {
	ModelConfigURL      string `json:"model_config_url" yaml:"model_config_url" toml:"model_config_url"`
	VAEConfigURL        string `json:"vae_config_url" yaml:"vae_config_url" toml:"vae_config_url"`
	LoRAConfigURL       string `json:"lora_config_url" yaml:"lora_config_url" toml:"lora_config_url"`
	SyncIntervalSeconds int    `json:"sync_interval" yaml:"sync_interval" toml:"sync_interval"`
}

// Contract locates the identity binding contract.
type Contract struct {
	RPCURL  string `json:"rpc_url" yaml:"rpc_url" toml:"rpc_url"`
	Address string `json:"address" yaml:"address" toml:"address"`
}

// Stats configures the telemetry push.
type Stats struct {
	PushURL             string `json:"push_url" yaml:"push_url" toml:"push_url"`
	AuthKey             string `json:"auth_key" yaml:"auth_key" toml:"auth_key"`
	PushIntervalSeconds int    `json:"push_interval" yaml:"push_interval" toml:"push_interval"`
}

// Network holds the outbound HTTP policy.
type Network struct {
	MaxRetries            int `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	RequestTimeoutSeconds int `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`
}

// Logging configures log output.
type Logging struct {
	Level string `json:"level" yaml:"level" toml:"level"`
	// Per-miner log file; "{miner_id}" is substituted.
	File   string `json:"file" yaml:"file" toml:"file"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

// Versions holds the advertised worker version, e.g. "sd-v1.2.0".
type Versions struct {
	Version string `json:"version" yaml:"version" toml:"version"`
}

// Status configures the optional local status server.
type Status struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`
	// Offset added to the port for each device when running several workers.
	PerDevicePort bool `json:"per_device_port" yaml:"per_device_port" toml:"per_device_port"`
	// Origins allowed to call the status server from a browser. Empty disables CORS.
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	// Upper bound for POST /reload bodies; zero selects 64KiB.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (s System) SleepDuration() time.Duration  { return seconds(s.SleepDurationSeconds) }
func (s System) SignalInterval() time.Duration { return seconds(s.SignalIntervalSeconds) }
func (s System) ReloadInterval() time.Duration { return seconds(s.ReloadIntervalSeconds) }
func (s System) HeartbeatInterval() time.Duration {
	return seconds(s.HeartbeatSeconds)
}
func (s Service) JobTimeout() time.Duration       { return seconds(s.JobTimeoutSeconds) }
func (n Network) RequestTimeout() time.Duration   { return seconds(n.RequestTimeoutSeconds) }
func (s Stats) PushInterval() time.Duration       { return seconds(s.PushIntervalSeconds) }
func (m ModelConfig) SyncInterval() time.Duration { return seconds(m.SyncIntervalSeconds) }
