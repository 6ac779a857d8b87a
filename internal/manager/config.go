package manager

import (
	"time"

	"github.com/rs/zerolog"

	"minerd/internal/pipeline"
	"minerd/pkg/types"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultCapacity = 1
	defaultMaxLoRA  = 1
	weightExt       = ".safetensors"
)

// Catalog resolves model and LoRA ids to their configuration.
type Catalog interface {
	Model(id string) (types.ModelConfig, bool)
	LoRA(id string) (types.LoRAConfig, bool)
}

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Catalog Catalog
	Loader  pipeline.Loader
	// Directory holding <name>.safetensors weight files.
	BaseDir string
	// Maximum simultaneously resident base models.
	Capacity int
	// Overlays per base; negative disables LoRA.
	MaxLoRA int
	// Eligible catalog types; empty allows all.
	ModelTypes []string
	// Weights live with an external server (vLLM); skip the file check.
	ExternalWeights bool
	Publisher       EventPublisher
	Logger          zerolog.Logger
	Now             func() time.Time
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		catalog:         cfg.Catalog,
		loader:          cfg.Loader,
		baseDir:         cfg.BaseDir,
		capacity:        cfg.Capacity,
		maxLoRA:         cfg.MaxLoRA,
		externalWeights: cfg.ExternalWeights,
		publisher:       cfg.Publisher,
		log:             cfg.Logger.With().Str("component", "residency").Logger(),
		now:             cfg.Now,
	}
	if m.capacity <= 0 {
		m.capacity = defaultCapacity
	}
	if m.maxLoRA == 0 {
		m.maxLoRA = defaultMaxLoRA
	}
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if len(cfg.ModelTypes) > 0 {
		m.modelTypes = make(map[string]struct{}, len(cfg.ModelTypes))
		for _, t := range cfg.ModelTypes {
			m.modelTypes[t] = struct{}{}
		}
	}
	m.startTime = m.now()
	return m
}
