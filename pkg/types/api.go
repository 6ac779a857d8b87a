package types

// MinerRequest is the body of POST /miner_request.
type MinerRequest struct {
	MinerID     string `json:"miner_id"`
	ModelID     string `json:"model_id"`
	MinDeadline int    `json:"min_deadline"`
	// Heartbeat fields, sent at most once a minute.
	Hardware string `json:"hardware,omitempty"`
	Version  string `json:"version,omitempty"`
}

// SubmitResult references the produced artifact. Exactly one field is set.
type SubmitResult struct {
	S3Key string `json:"S3Key,omitempty"`
	Text  string `json:"Text,omitempty"`
}

// SubmitRequest is the body of POST /miner_submit. Latencies are seconds.
type SubmitRequest struct {
	MinerID          string       `json:"miner_id"`
	JobID            string       `json:"job_id"`
	Result           SubmitResult `json:"result"`
	RequestLatency   float64      `json:"request_latency"`
	LoadingLatency   *float64     `json:"loading_latency"`
	InferenceLatency float64      `json:"inference_latency"`
	UploadLatency    float64      `json:"upload_latency"`
	Signature        string       `json:"signature,omitempty"`
	IdentityAddress  string       `json:"identity_address,omitempty"`
}

// SignalRequest is the body of POST /miner_signal.
type SignalRequest struct {
	MinerID    string `json:"miner_id"`
	ModelType  string `json:"model_type"`
	ModelID    string `json:"model_id"`
	Hardware   string `json:"hardware"`
	Version    string `json:"version"`
	SkipUpdate bool   `json:"skip_update,omitempty"`
	// Backend-specific hints, e.g. {"exclude_sdxl": true}.
	Options map[string]any `json:"options,omitempty"`
}

// SignalResponse may carry an advisory model to load next.
type SignalResponse struct {
	ModelID string `json:"model_id,omitempty"`
}

// ModelStats are per-model job counters.
type ModelStats struct {
	TotalJobs      int `json:"total_jobs"`
	SuccessfulJobs int `json:"successful_jobs"`
}

// StatsEntry is one entry of the persisted and pushed stats document.
type StatsEntry struct {
	ModelStats map[string]ModelStats `json:"model_stats"`
	LastPushed float64               `json:"last_pushed"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// SlotStatus summarizes a residency slot for /status.
type SlotStatus struct {
	ModelID  string `json:"model_id"`
	LoRAID   string `json:"lora_id,omitempty"`
	State    string `json:"state"`
	LoadedAt int64  `json:"loaded_at_unix"`
	LastUsed int64  `json:"last_used_unix"`
}

// StatusResponse is returned by GET /status on the local status server.
type StatusResponse struct {
	MinerID        string                `json:"miner_id"`
	Device         int                   `json:"device"`
	State          string                `json:"state"`
	Slots          []SlotStatus          `json:"slots"`
	Capacity       int                   `json:"capacity"`
	LoadsTotal     uint64                `json:"loads_total"`
	EvictionsTotal uint64                `json:"evictions_total"`
	LastError      string                `json:"last_error,omitempty"`
	Stats          map[string]ModelStats `json:"stats,omitempty"`
	UptimeSeconds  int64                 `json:"uptime_seconds"`
	ServerTimeUnix int64                 `json:"server_time_unix"`
}

// ReloadRequest is the body of POST /reload on the local status server.
type ReloadRequest struct {
	ModelID string `json:"model_id"`
}

// ReloadResponse acknowledges a queued reload.
type ReloadResponse struct {
	ModelID string `json:"model_id"`
	Queued  bool   `json:"queued"`
}
