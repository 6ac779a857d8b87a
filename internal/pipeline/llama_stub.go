//go:build !llama

package pipeline

import (
	"context"
	"time"

	"minerd/pkg/types"
)

// LlamaAvailable indicates this binary was compiled with in-process llama support.
const LlamaAvailable = false

const llamaMissing = "llama support not built (missing 'llama' build tag)"

// LlamaAdapter refuses to run without the llama build tag.
type LlamaAdapter struct{}

func NewLlamaAdapter(ctxSize, threads int, limits Limits) *LlamaAdapter { return &LlamaAdapter{} }

func (a *LlamaAdapter) LoadBase(context.Context, ModelSpec) (Handle, error) {
	return nil, ErrDependencyUnavailable(llamaMissing)
}

func (a *LlamaAdapter) ApplyLoRA(context.Context, Handle, LoRASpec) (Handle, error) {
	return nil, ErrDependencyUnavailable(llamaMissing)
}

func (a *LlamaAdapter) RemoveLoRA(_ context.Context, h Handle) (Handle, error) { return h, nil }

func (a *LlamaAdapter) Execute(context.Context, Handle, types.ModelInput) (Artifact, time.Duration, error) {
	return Artifact{}, 0, ErrDependencyUnavailable(llamaMissing)
}

func (a *LlamaAdapter) Stream(context.Context, Handle, *types.TextInput) (TokenSource, error) {
	return nil, ErrDependencyUnavailable(llamaMissing)
}
