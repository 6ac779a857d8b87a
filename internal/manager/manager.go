package manager

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"minerd/internal/pipeline"
)

// Manager owns the resident model slots of one worker process. The main loop
// is the single writer; the signal task and status server only read.
type Manager struct {
	// opMu serializes EnsureLoaded/Unload so backend calls run outside mu.
	opMu sync.Mutex
	mu   sync.RWMutex
	// Ordered by load time; slots[0] is evicted first.
	slots     []*Slot
	loads     uint64
	evictions uint64
	err       string

	catalog         Catalog
	loader          pipeline.Loader
	baseDir         string
	capacity        int
	maxLoRA         int
	modelTypes      map[string]struct{}
	externalWeights bool
	publisher       EventPublisher
	log             zerolog.Logger
	now             func() time.Time
	startTime       time.Time
}

// SetEventPublisher swaps the event sink.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	m.mu.Lock()
	m.publisher = p
	m.mu.Unlock()
}

func (m *Manager) publish(name, modelID string, fields map[string]any) {
	m.mu.RLock()
	p := m.publisher
	m.mu.RUnlock()
	if fields == nil {
		fields = map[string]any{}
	}
	p.Publish(Event{Name: name, ModelID: modelID, Fields: fields})
}

// Current returns the most recently used resident (model, lora) pair, or
// empty strings when nothing is resident.
func (m *Manager) Current() (modelID, loraID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var cur *Slot
	for _, s := range m.slots {
		if s.State != SlotResident {
			continue
		}
		if cur == nil || !s.LastUsed.Before(cur.LastUsed) {
			cur = s
		}
	}
	if cur == nil {
		return "", ""
	}
	return cur.ModelID, cur.LoRAID
}

// AdvertisedModel is the id reported to the dispatcher: the overlay when one
// is active, else the base.
func (m *Manager) AdvertisedModel() string {
	model, lora := m.Current()
	if lora != "" {
		return lora
	}
	return model
}

// Ready reports whether at least one slot is resident.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.slots {
		if s.State == SlotResident {
			return true
		}
	}
	return false
}

// Capacity is the number of resident slots.
func (m *Manager) Capacity() int { return m.capacity }

func (m *Manager) setErr(err error) {
	m.mu.Lock()
	if err == nil {
		m.err = ""
	} else {
		m.err = err.Error()
	}
	m.mu.Unlock()
}
