package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vincent-petithory/dataurl"

	"minerd/pkg/types"
)

// ImageAdapter drives an Automatic1111-compatible diffusion server. Loading a
// model switches the server checkpoint; overlays are applied through prompt
// tags, which is how that server consumes LoRA weights.
type ImageAdapter struct {
	baseURL    string
	httpClient *http.Client
	limits     Limits
	log        zerolog.Logger
}

func NewImageAdapter(baseURL string, limits Limits, log zerolog.Logger) *ImageAdapter {
	return &ImageAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 0},
		limits:     limits,
		log:        log,
	}
}

type imageHandle struct {
	baseHandle
	checkpoint string
	loraName   string
}

func (a *ImageAdapter) postJSON(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *ImageAdapter) LoadBase(ctx context.Context, spec ModelSpec) (Handle, error) {
	opts := map[string]any{"sd_model_checkpoint": filepath.Base(spec.Path)}
	if spec.VAEPath != "" {
		opts["sd_vae"] = filepath.Base(spec.VAEPath)
	}
	if err := a.postJSON(ctx, "/sdapi/v1/options", opts, nil); err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", spec.ID, err)
	}
	h := &imageHandle{checkpoint: filepath.Base(spec.Path)}
	h.model = spec.ID
	h.close = func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return a.postJSON(ctx, "/sdapi/v1/unload-checkpoint", nil, nil)
	}
	return h, nil
}

func (a *ImageAdapter) ApplyLoRA(_ context.Context, base Handle, lora LoRASpec) (Handle, error) {
	ih, ok := base.(*imageHandle)
	if !ok {
		return nil, fmt.Errorf("apply lora %s: foreign handle %T", lora.ID, base)
	}
	out := &imageHandle{checkpoint: ih.checkpoint, loraName: strings.TrimSuffix(filepath.Base(lora.Path), filepath.Ext(lora.Path))}
	out.model = ih.model
	out.lora = lora.ID
	out.close = ih.close
	return out, nil
}

func (a *ImageAdapter) RemoveLoRA(_ context.Context, h Handle) (Handle, error) {
	ih, ok := h.(*imageHandle)
	if !ok {
		return nil, fmt.Errorf("remove lora: foreign handle %T", h)
	}
	out := &imageHandle{checkpoint: ih.checkpoint}
	out.model = ih.model
	out.close = ih.close
	return out, nil
}

type txt2imgRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"cfg_scale"`
	Seed           int64   `json:"seed"`
	BatchSize      int     `json:"batch_size"`
}

type txt2imgResponse struct {
	Images []string `json:"images"`
}

// Execute renders one PNG image.
func (a *ImageAdapter) Execute(ctx context.Context, h Handle, in types.ModelInput) (Artifact, time.Duration, error) {
	if in.Image == nil {
		return Artifact{}, 0, fmt.Errorf("text job on image backend: %w", ErrUnsupported)
	}
	p := ClampImage(in.Image, a.limits)
	prompt := p.Prompt
	if ih, ok := h.(*imageHandle); ok && ih.loraName != "" {
		prompt = fmt.Sprintf("%s <lora:%s:1>", prompt, ih.loraName)
	}
	req := txt2imgRequest{
		Prompt:         prompt,
		NegativePrompt: p.NegPrompt,
		Width:          p.Width,
		Height:         p.Height,
		Steps:          p.Steps,
		CFGScale:       p.GuidanceScale,
		Seed:           p.Seed,
		BatchSize:      1,
	}
	a.log.Debug().Str("event", "txt2img").Str("model", h.ModelID()).Int("width", p.Width).
		Int("height", p.Height).Int("steps", p.Steps).Int64("seed", p.Seed).Msg("executing model")
	start := time.Now()
	var resp txt2imgResponse
	if err := a.postJSON(ctx, "/sdapi/v1/txt2img", req, &resp); err != nil {
		return Artifact{}, 0, err
	}
	elapsed := time.Since(start)
	if len(resp.Images) == 0 {
		return Artifact{}, elapsed, fmt.Errorf("txt2img returned no images")
	}
	data, err := DecodeImagePNG(resp.Images[0])
	if err != nil {
		return Artifact{}, elapsed, err
	}
	return Artifact{Kind: types.KindImage, Data: data, ContentType: "image/png"}, elapsed, nil
}

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// DecodeImagePNG accepts a bare base64 string or a data URL and returns PNG
// bytes, re-encoding other formats.
func DecodeImagePNG(s string) ([]byte, error) {
	var raw []byte
	if strings.HasPrefix(s, "data:") {
		du, err := dataurl.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode data url: %w", err)
		}
		raw = du.Data
	} else {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode base64 image: %w", err)
		}
		raw = b
	}
	if bytes.HasPrefix(raw, pngMagic) {
		return raw, nil
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
