// Package pipeline defines the contract between the miner and the local
// inference backends, plus the HTTP and in-process adapters that implement it.
package pipeline

import (
	"context"
	"errors"
	"time"

	"minerd/pkg/types"
)

// Handle is a loaded model, optionally with a LoRA overlay applied.
type Handle interface {
	ModelID() string
	LoRAID() string
	// Close releases backend resources tied to the handle.
	Close() error
}

// ModelSpec describes a base model to load.
type ModelSpec struct {
	ID   string
	Type string
	Path string
	// Optional VAE weights.
	VAEPath string
}

// LoRASpec describes an overlay to apply on top of a base model.
type LoRASpec struct {
	ID        string
	BaseModel string
	Path      string
}

// Loader loads base models and applies overlays.
type Loader interface {
	LoadBase(ctx context.Context, spec ModelSpec) (Handle, error)
	ApplyLoRA(ctx context.Context, base Handle, lora LoRASpec) (Handle, error)
	// RemoveLoRA strips the overlay and returns the bare base handle.
	RemoveLoRA(ctx context.Context, h Handle) (Handle, error)
}

// Artifact is the output of a non-streaming execution.
type Artifact struct {
	Kind        types.Kind
	Data        []byte
	ContentType string
}

// Executor runs a job payload against a loaded handle.
type Executor interface {
	Execute(ctx context.Context, h Handle, in types.ModelInput) (Artifact, time.Duration, error)
}

// TokenSource yields raw text fragments from a backend. Next returns io.EOF
// once the upstream stream ends.
type TokenSource interface {
	Next() (string, error)
	Close() error
}

// Streamer opens a token stream for a text job.
type Streamer interface {
	Stream(ctx context.Context, h Handle, in *types.TextInput) (TokenSource, error)
}

// Backend bundles the three roles; the concrete adapters implement all of them.
type Backend interface {
	Loader
	Executor
}

// baseHandle is the handle shared by the HTTP adapters.
type baseHandle struct {
	model string
	lora  string
	close func() error
}

func (h *baseHandle) ModelID() string { return h.model }
func (h *baseHandle) LoRAID() string  { return h.lora }
func (h *baseHandle) Close() error {
	if h.close != nil {
		return h.close()
	}
	return nil
}

// dependencyUnavailableError signals a missing runtime dependency (e.g. llama.cpp).
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var d dependencyUnavailableError
	return errors.As(err, &d)
}

// ErrUnsupported is returned when a backend cannot serve the requested job kind.
var ErrUnsupported = errors.New("operation not supported by backend")
