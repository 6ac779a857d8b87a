package manager

import (
	"time"

	"minerd/internal/pipeline"
)

// SlotState is the lifecycle state of one residency slot.
type SlotState string

const (
	SlotEmpty    SlotState = "empty"
	SlotLoading  SlotState = "loading"
	SlotResident SlotState = "resident"
	SlotEvicting SlotState = "evicting"
)

// Slot is one resident base model, optionally carrying a LoRA overlay.
type Slot struct {
	ModelID  string
	LoRAID   string
	Type     string
	State    SlotState
	LoadedAt time.Time
	LastUsed time.Time
	// Handle is owned by the manager.
	Handle pipeline.Handle
}

// matches reports whether the slot serves exactly (model, lora).
func (s *Slot) matches(model, lora string) bool {
	return s.State == SlotResident && s.ModelID == model && s.LoRAID == lora
}

// Snapshot is a read-only projection of the manager state.
type Snapshot struct {
	Slots     []Slot
	Capacity  int
	Loads     uint64
	Evictions uint64
	Err       string
}

// target is a resolved (base, overlay) request.
type target struct {
	base pipeline.ModelSpec
	lora *pipeline.LoRASpec
}

func (t target) loraID() string {
	if t.lora == nil {
		return ""
	}
	return t.lora.ID
}
