package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"minerd/internal/pipeline"
	"minerd/pkg/types"
)

type mapCatalog struct {
	models map[string]types.ModelConfig
	loras  map[string]types.LoRAConfig
}

func (c mapCatalog) Model(id string) (types.ModelConfig, bool) { m, ok := c.models[id]; return m, ok }
func (c mapCatalog) LoRA(id string) (types.LoRAConfig, bool)   { l, ok := c.loras[id]; return l, ok }

func testCatalog() mapCatalog {
	return mapCatalog{
		models: map[string]types.ModelConfig{
			"SD1.5":       {Name: "SD1.5", Type: "sd15"},
			"SDXL1.0":     {Name: "SDXL1.0", Type: "sdxl10"},
			"Realistic":   {Name: "Realistic", Type: "sd15"},
			"PixelArt":    {Name: "PixelArt", Type: "sdxl10", Base: "SDXL1.0"},
			"NoWeights":   {Name: "NoWeights", Type: "sd15"},
			"Unsupported": {Name: "Unsupported", Type: "sd3"},
		},
		loras: map[string]types.LoRAConfig{
			"PixelArt": {Name: "PixelArt", BaseModel: "sdxl10"},
			"Chibi":    {Name: "Chibi", BaseModel: "sdxl10"},
			"Anime15":  {Name: "Anime15", BaseModel: "sd15"},
			"Broken":   {Name: "Broken", BaseModel: "sdxl10"},
		},
	}
}

// fakeHandle mimics adapter handles: derived handles share the base closer.
type fakeHandle struct {
	model, lora string
	base        *fakeBase
}

type fakeBase struct {
	id     string
	closed bool
}

func (h *fakeHandle) ModelID() string { return h.model }
func (h *fakeHandle) LoRAID() string  { return h.lora }
func (h *fakeHandle) Close() error    { h.base.closed = true; return nil }

type fakeLoader struct {
	mu        sync.Mutex
	loads     []string
	loras     []string
	bases     []*fakeBase
	failBase  map[string]bool
	failLoRA  map[string]bool
	loadDelay time.Duration
}

func (f *fakeLoader) LoadBase(ctx context.Context, spec pipeline.ModelSpec) (pipeline.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBase[spec.ID] {
		return nil, errors.New("backend refused checkpoint")
	}
	b := &fakeBase{id: spec.ID}
	f.bases = append(f.bases, b)
	f.loads = append(f.loads, spec.ID)
	return &fakeHandle{model: spec.ID, base: b}, nil
}

func (f *fakeLoader) ApplyLoRA(ctx context.Context, h pipeline.Handle, l pipeline.LoRASpec) (pipeline.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLoRA[l.ID] {
		return nil, errors.New("incompatible lora tensors")
	}
	fh := h.(*fakeHandle)
	f.loras = append(f.loras, l.ID)
	return &fakeHandle{model: fh.model, lora: l.ID, base: fh.base}, nil
}

func (f *fakeLoader) RemoveLoRA(ctx context.Context, h pipeline.Handle) (pipeline.Handle, error) {
	fh := h.(*fakeHandle)
	return &fakeHandle{model: fh.model, base: fh.base}, nil
}

func (f *fakeLoader) openBases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, b := range f.bases {
		if !b.closed {
			out = append(out, b.id)
		}
	}
	return out
}

// writeWeights creates empty <name>.safetensors files.
func writeWeights(t testing.TB, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n+weightExt), nil, 0o644); err != nil {
			t.Fatalf("write weights: %v", err)
		}
	}
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestManager(t testing.TB, capacity int, loader *fakeLoader) (*Manager, *MemoryPublisher) {
	t.Helper()
	dir := t.TempDir()
	writeWeights(t, dir, "SD1.5", "SDXL1.0", "Realistic", "PixelArt", "Chibi", "Anime15", "Broken", "Unsupported")
	clock := &stepClock{now: time.Unix(1_700_000_000, 0)}
	pub := NewMemoryPublisher()
	m := NewWithConfig(ManagerConfig{
		Catalog:    testCatalog(),
		Loader:     loader,
		BaseDir:    dir,
		Capacity:   capacity,
		ModelTypes: []string{"sd15", "sdxl10"},
		Publisher:  pub,
		Logger:     zerolog.Nop(),
		Now:        clock.Now,
	})
	return m, pub
}
