//go:build llama

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"

	"minerd/pkg/types"
)

// LlamaAvailable indicates this binary was compiled with in-process llama support.
const LlamaAvailable = true

// LlamaAdapter runs GGUF text models in-process through go-llama.cpp.
type LlamaAdapter struct {
	ctxSize int
	threads int
	limits  Limits
}

func NewLlamaAdapter(ctxSize, threads int, limits Limits) *LlamaAdapter {
	return &LlamaAdapter{ctxSize: ctxSize, threads: threads, limits: limits}
}

type llamaHandle struct {
	baseHandle
	mu    sync.Mutex
	model *llama.LLama
}

func (a *LlamaAdapter) LoadBase(_ context.Context, spec ModelSpec) (Handle, error) {
	if strings.TrimSpace(spec.Path) == "" {
		return nil, errors.New("model path is empty")
	}
	m, err := llama.New(spec.Path, llama.SetContext(a.ctxSize))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", spec.ID, err)
	}
	h := &llamaHandle{model: m}
	h.baseHandle.model = spec.ID
	h.close = func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.model != nil {
			h.model.Free()
			h.model = nil
		}
		return nil
	}
	return h, nil
}

func (a *LlamaAdapter) ApplyLoRA(context.Context, Handle, LoRASpec) (Handle, error) {
	return nil, fmt.Errorf("lora overlays on llama backend: %w", ErrUnsupported)
}

func (a *LlamaAdapter) RemoveLoRA(_ context.Context, h Handle) (Handle, error) { return h, nil }

func (a *LlamaAdapter) predictOptions(in *types.TextInput) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, ClampTokens(in.MaxTokens, a.limits))),
		llama.SetThreads(max(1, a.threads)),
		llama.SetTemperature(float32(in.Temperature)),
	}
	if in.Seed >= 0 {
		po = append(po, llama.SetSeed(int(in.Seed)))
	}
	if len(a.limits.StopWords) > 0 {
		po = append(po, llama.SetStopWords(a.limits.StopWords...))
	}
	return po
}

// flattenPrompt renders chat messages into a plain prompt.
func flattenPrompt(raw string) (string, error) {
	var msgs []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := jsonUnmarshalString(raw, &msgs); err != nil {
		return "", fmt.Errorf("decode prompt messages: %w", err)
	}
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString("<|im_start|>" + m.Role + "\n" + m.Content + "<|im_end|>\n")
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String(), nil
}

func (a *LlamaAdapter) Execute(ctx context.Context, h Handle, in types.ModelInput) (Artifact, time.Duration, error) {
	if in.Text == nil {
		return Artifact{}, 0, fmt.Errorf("image job on llama backend: %w", ErrUnsupported)
	}
	lh, ok := h.(*llamaHandle)
	if !ok {
		return Artifact{}, 0, fmt.Errorf("foreign handle %T", h)
	}
	prompt, err := flattenPrompt(in.Text.Prompt)
	if err != nil {
		return Artifact{}, 0, err
	}
	lh.mu.Lock()
	defer lh.mu.Unlock()
	if lh.model == nil {
		return Artifact{}, 0, errors.New("llama model not initialized")
	}
	start := time.Now()
	lh.model.SetTokenCallback(func(string) bool { return ctx.Err() == nil })
	text, err := lh.model.Predict(prompt, a.predictOptions(in.Text)...)
	if err != nil {
		if ctx.Err() != nil {
			return Artifact{}, 0, ctx.Err()
		}
		return Artifact{}, 0, err
	}
	choices, err := choicesJSON(text)
	if err != nil {
		return Artifact{}, 0, err
	}
	return Artifact{Kind: types.KindText, Data: choices, ContentType: "application/json"}, time.Since(start), nil
}

// Stream bridges the token callback into a TokenSource.
func (a *LlamaAdapter) Stream(ctx context.Context, h Handle, in *types.TextInput) (TokenSource, error) {
	lh, ok := h.(*llamaHandle)
	if !ok {
		return nil, fmt.Errorf("foreign handle %T", h)
	}
	prompt, err := flattenPrompt(in.Prompt)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	src := &chanSource{ch: make(chan string, 64), cancel: cancel}
	go func() {
		defer close(src.ch)
		lh.mu.Lock()
		defer lh.mu.Unlock()
		if lh.model == nil {
			src.setErr(errors.New("llama model not initialized"))
			return
		}
		lh.model.SetTokenCallback(func(tok string) bool {
			select {
			case src.ch <- tok:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if _, err := lh.model.Predict(prompt, a.predictOptions(in)...); err != nil && ctx.Err() == nil {
			src.setErr(err)
		}
	}()
	return src, nil
}

type chanSource struct {
	ch     chan string
	cancel context.CancelFunc
	mu     sync.Mutex
	err    error
}

func (s *chanSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *chanSource) Next() (string, error) {
	tok, ok := <-s.ch
	if ok {
		return tok, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *chanSource) Close() error {
	s.cancel()
	for range s.ch {
	}
	return nil
}
