package types

// ModelConfig is one entry of a remote model catalog list.
type ModelConfig struct {
	Name string `json:"name" yaml:"name" toml:"name"`
	// e.g. sd15, sdxl10, vae, lora, llm.
	Type string `json:"type" yaml:"type" toml:"type"`
	// Composite entries name the base model their LoRA applies to.
	Base     string `json:"base,omitempty" yaml:"base,omitempty" toml:"base,omitempty"`
	VAE      string `json:"vae,omitempty" yaml:"vae,omitempty" toml:"vae,omitempty"`
	FileURL  string `json:"file_url,omitempty" yaml:"file_url,omitempty" toml:"file_url,omitempty"`
	Checksum string `json:"checksum,omitempty" yaml:"checksum,omitempty" toml:"checksum,omitempty"`
	SizeMB   int    `json:"size_mb,omitempty" yaml:"size_mb,omitempty" toml:"size_mb,omitempty"`
}

// LoRAConfig is one entry of the remote LoRA catalog list.
type LoRAConfig struct {
	Name string `json:"name" yaml:"name" toml:"name"`
	// Model type of the base this overlay was trained for.
	BaseModel string `json:"base_model" yaml:"base_model" toml:"base_model"`
	Type      string `json:"type,omitempty" yaml:"type,omitempty" toml:"type,omitempty"`
	FileURL   string `json:"file_url,omitempty" yaml:"file_url,omitempty" toml:"file_url,omitempty"`
	Checksum  string `json:"checksum,omitempty" yaml:"checksum,omitempty" toml:"checksum,omitempty"`
}
