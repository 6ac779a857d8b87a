// Package registry tracks the remote model catalogs and the weight files
// present on disk.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"minerd/internal/transport"
	"minerd/pkg/types"
)

// Catalog indexes model, VAE and LoRA configs by name. It is safe for
// concurrent use; Replace swaps the contents after a sync.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]types.ModelConfig
	loras  map[string]types.LoRAConfig
	// Remote order, which decides the default model index.
	order []string
}

// Sources are the remote catalog list URLs.
type Sources struct {
	Models string
	VAEs   string
	LoRAs  string
}

// NewCatalog builds a catalog from decoded lists. VAE entries travel in the
// model list with type "vae".
func NewCatalog(models []types.ModelConfig, loras []types.LoRAConfig) *Catalog {
	c := &Catalog{}
	c.Replace(models, loras)
	return c
}

// Replace swaps the catalog contents.
func (c *Catalog) Replace(models []types.ModelConfig, loras []types.LoRAConfig) {
	mm := make(map[string]types.ModelConfig, len(models))
	order := make([]string, 0, len(models))
	for _, m := range models {
		if m.Name == "" {
			continue
		}
		if _, dup := mm[m.Name]; !dup {
			order = append(order, m.Name)
		}
		mm[m.Name] = m
	}
	lm := make(map[string]types.LoRAConfig, len(loras))
	for _, l := range loras {
		if l.Name != "" {
			lm[l.Name] = l
		}
	}
	c.mu.Lock()
	c.models, c.loras, c.order = mm, lm, order
	c.mu.Unlock()
}

func (c *Catalog) replaceFrom(other *Catalog) {
	other.mu.RLock()
	models, loras, order := other.models, other.loras, other.order
	other.mu.RUnlock()
	c.mu.Lock()
	c.models, c.loras, c.order = models, loras, order
	c.mu.Unlock()
}

func (c *Catalog) Model(id string) (types.ModelConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[id]
	return m, ok
}

func (c *Catalog) LoRA(id string) (types.LoRAConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.loras[id]
	return l, ok
}

// Models returns model configs in remote order, VAEs excluded.
func (c *Catalog) Models() []types.ModelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.ModelConfig, 0, len(c.order))
	for _, name := range c.order {
		if m := c.models[name]; !IsVAE(m) {
			out = append(out, m)
		}
	}
	return out
}

// Files lists every weight file the catalog knows about: models, VAEs and
// LoRAs, keyed by name.
func (c *Catalog) Files() []File {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]File, 0, len(c.order)+len(c.loras))
	seen := make(map[string]bool, cap(out))
	for _, name := range c.order {
		m := c.models[name]
		out = append(out, File{Name: m.Name, Type: m.Type, URL: m.FileURL, Checksum: m.Checksum})
		seen[m.Name] = true
	}
	for name, l := range c.loras {
		if seen[name] {
			continue
		}
		out = append(out, File{Name: l.Name, Type: "lora", URL: l.FileURL, Checksum: l.Checksum})
	}
	return out
}

// IsVAE reports whether a model entry is a VAE.
func IsVAE(m types.ModelConfig) bool { return strings.Contains(strings.ToLower(m.Type), "vae") }

// Fetch downloads the three catalog lists. An empty URL is skipped.
func Fetch(ctx context.Context, client *transport.Client, src Sources) (*Catalog, error) {
	var models []types.ModelConfig
	for _, u := range []string{src.Models, src.VAEs} {
		if u == "" {
			continue
		}
		var list []types.ModelConfig
		if err := client.GetJSON(ctx, u, &list); err != nil {
			return nil, fmt.Errorf("fetch model catalog: %w", err)
		}
		models = append(models, list...)
	}
	var loras []types.LoRAConfig
	if src.LoRAs != "" {
		if err := client.GetJSON(ctx, src.LoRAs, &loras); err != nil {
			return nil, fmt.Errorf("fetch lora catalog: %w", err)
		}
	}
	return NewCatalog(models, loras), nil
}

// Static returns a catalog holding a single model, used for text backends
// whose weights are served externally.
func Static(name, modelType string) *Catalog {
	return NewCatalog([]types.ModelConfig{{Name: name, Type: modelType}}, nil)
}
