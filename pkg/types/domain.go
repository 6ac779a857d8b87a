package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates the job payload variants.
type Kind string

const (
	KindText  Kind = "LLM"
	KindImage Kind = "SD"
)

// TextInput carries the parameters of a text-generation job.
type TextInput struct {
	// JSON-encoded list of chat messages.
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	// -1 means non-deterministic.
	Seed      int64  `json:"seed"`
	UseStream bool   `json:"use_stream"`
	Tools     string `json:"tools,omitempty"`
	ExtraBody string `json:"extra_body,omitempty"`
}

// ImageInput carries the parameters of an image-generation job.
type ImageInput struct {
	Prompt        string  `json:"prompt"`
	NegPrompt     string  `json:"neg_prompt"`
	Height        int     `json:"height"`
	Width         int     `json:"width"`
	NumIterations int     `json:"num_iterations"`
	GuidanceScale float64 `json:"guidance_scale"`
	// Nil or -1 means non-deterministic.
	Seed *int64 `json:"seed,omitempty"`
}

// ModelInput is a tagged union: exactly one of Text or Image is set.
type ModelInput struct {
	Text  *TextInput  `json:"LLM,omitempty"`
	Image *ImageInput `json:"SD,omitempty"`
}

// Kind returns the variant held by the input.
func (in ModelInput) Kind() Kind {
	if in.Text != nil {
		return KindText
	}
	return KindImage
}

// Validate checks that exactly one variant is present.
func (in ModelInput) Validate() error {
	switch {
	case in.Text != nil && in.Image != nil:
		return errors.New("model_input carries both LLM and SD payloads")
	case in.Text == nil && in.Image == nil:
		return errors.New("model_input carries no known payload")
	}
	return nil
}

// TempCredentials are the job-scoped object store credentials, sent by the
// dispatcher as a three element array.
type TempCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

func (c *TempCredentials) UnmarshalJSON(b []byte) error {
	var parts []string
	if err := json.Unmarshal(b, &parts); err != nil {
		return fmt.Errorf("temp_credentials: %w", err)
	}
	if len(parts) == 0 {
		*c = TempCredentials{}
		return nil
	}
	if len(parts) != 3 {
		return fmt.Errorf("temp_credentials: want 3 elements, got %d", len(parts))
	}
	c.AccessKeyID, c.SecretAccessKey, c.SessionToken = parts[0], parts[1], parts[2]
	return nil
}

func (c TempCredentials) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{c.AccessKeyID, c.SecretAccessKey, c.SessionToken})
}

// Empty reports whether no credentials were provided.
func (c TempCredentials) Empty() bool {
	return c.AccessKeyID == "" && c.SecretAccessKey == ""
}

// Job is a validated unit of work handed out by the dispatcher.
type Job struct {
	JobID           string          `json:"job_id"`
	ModelID         string          `json:"model_id"`
	Input           ModelInput      `json:"model_input"`
	DeadlineHint    int64           `json:"deadline,omitempty"`
	TempCredentials TempCredentials `json:"temp_credentials"`
}

// ErrNoJob is returned by DecodeJob when the body does not describe a job.
var ErrNoJob = errors.New("no job")

// DecodeJob validates a /miner_request response body. Bodies that are not a
// JSON object, or objects without job_id/model_id, yield ErrNoJob. Objects
// that look like a job but carry an invalid payload yield a descriptive error.
func DecodeJob(body []byte) (*Job, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNoJob
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, ErrNoJob
	}
	if _, ok := probe["job_id"]; !ok {
		return nil, ErrNoJob
	}
	if _, ok := probe["model_id"]; !ok {
		return nil, ErrNoJob
	}
	var job Job
	if err := json.Unmarshal(trimmed, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if strings.TrimSpace(job.JobID) == "" {
		return nil, errors.New("decode job: empty job_id")
	}
	if err := job.Input.Validate(); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", job.JobID, err)
	}
	return &job, nil
}
