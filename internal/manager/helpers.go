package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"minerd/internal/pipeline"
)

// splitComposite turns "base#lora" into its parts.
func splitComposite(id string) (string, string) {
	if i := strings.IndexByte(id, '#'); i >= 0 {
		return id[:i], id[i+1:]
	}
	return id, ""
}

func (m *Manager) weightPath(name string) string {
	return filepath.Join(m.baseDir, name+weightExt)
}

func (m *Manager) checkWeights(name string) (string, error) {
	p := m.weightPath(name)
	if m.externalWeights {
		return p, nil
	}
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("%w: %s", errWeightsMissing, p)
	}
	return p, nil
}

// resolve maps a requested (model, lora) to base and overlay specs. A catalog
// entry with a base field is itself a composite: its name is the overlay. An
// explicit loraID must agree with any overlay the model id already names.
func (m *Manager) resolve(modelID, loraID string) (target, error) {
	base, lora := splitComposite(modelID)
	if loraID != "" {
		if lora != "" && lora != loraID {
			return target{}, execErr("resolve", base, loraID, fmt.Errorf("%w: %q names %q", errConflictingLoRA, modelID, lora))
		}
		lora = loraID
	}
	if m.catalog == nil {
		return target{}, execErr("resolve", base, lora, ErrModelNotFound(base))
	}
	cfg, ok := m.catalog.Model(base)
	if ok && cfg.Base != "" {
		if lora != "" && lora != cfg.Name {
			return target{}, execErr("resolve", base, lora, fmt.Errorf("%w: %q names %q", errConflictingLoRA, modelID, cfg.Name))
		}
		lora = cfg.Name
		base = cfg.Base
		cfg, ok = m.catalog.Model(base)
	}
	if !ok {
		return target{}, execErr("resolve", base, lora, ErrModelNotFound(base))
	}
	if m.modelTypes != nil {
		if _, allowed := m.modelTypes[cfg.Type]; !allowed {
			return target{}, execErr("resolve", base, lora, fmt.Errorf("%w: %s", errIneligibleType, cfg.Type))
		}
	}
	path, err := m.checkWeights(base)
	if err != nil {
		return target{}, execErr("resolve", base, lora, err)
	}
	t := target{base: pipeline.ModelSpec{ID: base, Type: cfg.Type, Path: path}}
	if cfg.VAE != "" {
		if vp := m.weightPath(cfg.VAE); m.externalWeights || fileExists(vp) {
			t.base.VAEPath = vp
		}
	}
	if lora == "" {
		return t, nil
	}
	if m.maxLoRA < 0 {
		return target{}, execErr("resolve", base, lora, errLoRADisabled)
	}
	lcfg, ok := m.catalog.LoRA(lora)
	if !ok {
		return target{}, execErr("resolve", base, lora, ErrModelNotFound(lora))
	}
	if lcfg.BaseModel != cfg.Type {
		return target{}, execErr("resolve", base, lora,
			fmt.Errorf("%w: %s wants %s, base is %s", errLoRAMismatch, lora, lcfg.BaseModel, cfg.Type))
	}
	lpath, err := m.checkWeights(lora)
	if err != nil {
		return target{}, execErr("resolve", base, lora, err)
	}
	t.lora = &pipeline.LoRASpec{ID: lora, BaseModel: lcfg.BaseModel, Path: lpath}
	return t, nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
