package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"minerd/pkg/types"
)

// OpenAIAdapter talks to an OpenAI-compatible chat server (vLLM). The served
// model is loaded by the server itself, so loading only checks that the
// server advertises it.
type OpenAIAdapter struct {
	baseURL    string
	httpClient *http.Client
	limits     Limits
	log        zerolog.Logger
}

// NewOpenAIAdapter constructs a server-backed text adapter.
func NewOpenAIAdapter(baseURL string, limits Limits, log zerolog.Logger) *OpenAIAdapter {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	// Timeout=0: streaming responses are bounded by the caller's context.
	return &OpenAIAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: tr, Timeout: 0},
		limits:     limits,
		log:        log,
	}
}

type openAIModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (a *OpenAIAdapter) LoadBase(ctx context.Context, spec ModelSpec) (Handle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list served models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("list served models: %s", resp.Status)
	}
	var list openAIModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	for _, m := range list.Data {
		if m.ID == spec.ID {
			return &baseHandle{model: spec.ID}, nil
		}
	}
	return nil, fmt.Errorf("model %q is not served by %s", spec.ID, a.baseURL)
}

func (a *OpenAIAdapter) ApplyLoRA(context.Context, Handle, LoRASpec) (Handle, error) {
	return nil, fmt.Errorf("lora overlays on text backend: %w", ErrUnsupported)
}

func (a *OpenAIAdapter) RemoveLoRA(_ context.Context, h Handle) (Handle, error) { return h, nil }

// chatRequest builds the request body. extra_body keys are merged at the top
// level, the way OpenAI clients forward them.
func (a *OpenAIAdapter) chatRequest(model string, in *types.TextInput, stream bool) ([]byte, error) {
	var messages json.RawMessage
	if err := json.Unmarshal([]byte(in.Prompt), &messages); err != nil {
		return nil, fmt.Errorf("decode prompt messages: %w", err)
	}
	body := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": in.Temperature,
		"max_tokens":  ClampTokens(in.MaxTokens, a.limits),
		"stream":      stream,
	}
	if len(a.limits.StopWords) > 0 {
		body["stop"] = a.limits.StopWords
	}
	if in.Seed >= 0 {
		body["seed"] = in.Seed
	}
	if !stream && strings.TrimSpace(in.Tools) != "" {
		var tools json.RawMessage
		if err := json.Unmarshal([]byte(in.Tools), &tools); err != nil {
			return nil, fmt.Errorf("decode tools: %w", err)
		}
		body["tools"] = tools
		body["tool_choice"] = "auto"
	}
	if strings.TrimSpace(in.ExtraBody) != "" {
		var extra map[string]json.RawMessage
		if err := json.Unmarshal([]byte(in.ExtraBody), &extra); err != nil {
			return nil, fmt.Errorf("decode extra_body: %w", err)
		}
		for k, v := range extra {
			if _, taken := body[k]; !taken {
				body[k] = v
			}
		}
	}
	return json.Marshal(body)
}

func (a *OpenAIAdapter) post(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("chat completion http error: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return resp, nil
}

type chatCompletion struct {
	Choices []json.RawMessage `json:"choices"`
	Usage   struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Execute runs a non-streaming completion. The artifact is the JSON-encoded
// list of choices.
func (a *OpenAIAdapter) Execute(ctx context.Context, h Handle, in types.ModelInput) (Artifact, time.Duration, error) {
	if in.Text == nil {
		return Artifact{}, 0, fmt.Errorf("image job on text backend: %w", ErrUnsupported)
	}
	payload, err := a.chatRequest(h.ModelID(), in.Text, false)
	if err != nil {
		return Artifact{}, 0, err
	}
	start := time.Now()
	resp, err := a.post(ctx, payload)
	if err != nil {
		return Artifact{}, 0, err
	}
	defer resp.Body.Close()
	var cc chatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&cc); err != nil {
		return Artifact{}, 0, fmt.Errorf("decode chat completion: %w", err)
	}
	elapsed := time.Since(start)
	choices, err := json.Marshal(cc.Choices)
	if err != nil {
		return Artifact{}, 0, err
	}
	if secs := elapsed.Seconds(); secs > 0 {
		a.log.Info().Str("event", "inference_done").Int("tokens", cc.Usage.TotalTokens).
			Float64("tokens_per_s", float64(cc.Usage.TotalTokens)/secs).Dur("elapsed", elapsed).Msg("completion finished")
	}
	return Artifact{Kind: types.KindText, Data: choices, ContentType: "application/json"}, elapsed, nil
}

type chatStreamChunk struct {
	Choices []struct {
		Delta *struct {
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream opens a streaming completion.
func (a *OpenAIAdapter) Stream(ctx context.Context, h Handle, in *types.TextInput) (TokenSource, error) {
	payload, err := a.chatRequest(h.ModelID(), in, true)
	if err != nil {
		return nil, err
	}
	resp, err := a.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	return &sseSource{ctx: ctx, body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
}

// sseSource reads "data:" lines of an OpenAI streaming response. Every chunk
// yields one item, possibly empty (e.g. the initial role-only delta).
type sseSource struct {
	ctx  context.Context
	body io.ReadCloser
	r    *bufio.Reader
	done bool
}

func (s *sseSource) Next() (string, error) {
	for !s.done {
		line, err := s.r.ReadString('\n')
		l := strings.TrimSpace(line)
		if l != "" && strings.HasPrefix(strings.ToLower(l), "data:") {
			data := strings.TrimSpace(l[len("data:"):])
			if data == "[DONE]" {
				s.done = true
				break
			}
			var msg chatStreamChunk
			if e := json.Unmarshal([]byte(data), &msg); e == nil && len(msg.Choices) > 0 {
				d := msg.Choices[0].Delta
				if d != nil && d.Content != nil {
					return *d.Content, nil
				}
				return "", nil
			}
		}
		if err != nil {
			s.done = true
			if err == io.EOF {
				break
			}
			if s.ctx.Err() != nil {
				return "", s.ctx.Err()
			}
			return "", err
		}
	}
	return "", io.EOF
}

func (s *sseSource) Close() error { return s.body.Close() }
