package manager

import (
	"context"
	"time"

	"minerd/internal/pipeline"
)

// EnsureLoaded makes (modelID, loraID) resident and returns its handle with
// the time spent loading. An exact resident match costs nothing. A request
// for an overlay on an already resident base only swaps the overlay; the
// base survives an overlay failure. Otherwise the oldest slots are evicted,
// the base is loaded and the overlay applied; if the overlay fails the new
// base is unloaded again.
func (m *Manager) EnsureLoaded(ctx context.Context, modelID, loraID string) (pipeline.Handle, time.Duration, error) {
	t, err := m.resolve(modelID, loraID)
	if err != nil {
		m.log.Warn().Str("event", EventEnsureError).Str("model", modelID).Err(err).Msg("cannot resolve model")
		m.publish(EventEnsureError, modelID, map[string]any{"error": err.Error()})
		return nil, 0, err
	}
	base, lora := t.base.ID, t.loraID()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if h, ok := m.touch(base, lora); ok {
		return h, 0, nil
	}

	start := m.now()
	m.log.Info().Str("event", EventEnsureStart).Str("model", base).Str("lora", lora).Msg("loading model")
	m.publish(EventEnsureStart, base, map[string]any{"lora": lora})

	var h pipeline.Handle
	if slot := m.residentBase(base); slot != nil {
		h, err = m.swapOverlay(ctx, slot, t)
	} else {
		h, err = m.loadFresh(ctx, t)
	}
	if err != nil {
		m.setErr(err)
		m.log.Error().Str("event", EventEnsureError).Str("model", base).Str("lora", lora).Err(err).Msg("model load failed")
		m.publish(EventEnsureError, base, map[string]any{"lora": lora, "error": err.Error()})
		return nil, 0, err
	}
	m.setErr(nil)
	dur := m.now().Sub(start)
	m.log.Info().Str("event", EventEnsureReady).Str("model", base).Str("lora", lora).
		Dur("loading_latency", dur).Msg("model resident")
	m.publish(EventEnsureReady, base, map[string]any{"lora": lora, "dur_ms": int(dur / time.Millisecond)})
	return h, dur, nil
}

// touch refreshes LastUsed on an exact match.
func (m *Manager) touch(base, lora string) (pipeline.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.matches(base, lora) {
			s.LastUsed = m.now()
			return s.Handle, true
		}
	}
	return nil, false
}

func (m *Manager) residentBase(base string) *Slot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.slots {
		if s.State == SlotResident && s.ModelID == base {
			return s
		}
	}
	return nil
}

// swapOverlay replaces the overlay of a resident base. Only opMu holders
// mutate slot fields, so reading slot outside mu is safe here.
func (m *Manager) swapOverlay(ctx context.Context, slot *Slot, t target) (pipeline.Handle, error) {
	base := t.base.ID
	h := slot.Handle
	if slot.LoRAID != "" {
		old := slot.LoRAID
		bare, err := m.loader.RemoveLoRA(ctx, h)
		if err != nil {
			return nil, execErr("remove_lora", base, old, err)
		}
		h = bare
		m.mu.Lock()
		slot.Handle, slot.LoRAID = h, ""
		m.mu.Unlock()
		m.log.Debug().Str("event", "lora_remove").Str("model", base).Str("lora", old).Msg("overlay removed")
	}
	if t.lora != nil {
		withLoRA, err := m.loader.ApplyLoRA(ctx, h, *t.lora)
		if err != nil {
			return nil, execErr("apply_lora", base, t.lora.ID, err)
		}
		h = withLoRA
		m.publish(EventLoRAApply, base, map[string]any{"lora": t.lora.ID})
	}
	m.mu.Lock()
	slot.Handle, slot.LoRAID = h, t.loraID()
	slot.LastUsed = m.now()
	m.mu.Unlock()
	return h, nil
}

func (m *Manager) loadFresh(ctx context.Context, t target) (pipeline.Handle, error) {
	base, lora := t.base.ID, t.loraID()
	m.evictUntilFree()

	now := m.now()
	slot := &Slot{ModelID: base, Type: t.base.Type, State: SlotLoading, LoadedAt: now, LastUsed: now}
	m.mu.Lock()
	m.slots = append(m.slots, slot)
	m.mu.Unlock()

	h, err := m.loader.LoadBase(ctx, t.base)
	if err != nil {
		m.dropSlot(slot)
		return nil, execErr("load", base, lora, err)
	}
	if t.lora != nil {
		withLoRA, err := m.loader.ApplyLoRA(ctx, h, *t.lora)
		if err != nil {
			if cerr := h.Close(); cerr != nil {
				m.log.Warn().Str("model", base).Err(cerr).Msg("release base after overlay failure")
			}
			m.dropSlot(slot)
			return nil, execErr("apply_lora", base, lora, err)
		}
		h = withLoRA
		m.publish(EventLoRAApply, base, map[string]any{"lora": lora})
	}

	m.mu.Lock()
	slot.Handle = h
	slot.LoRAID = lora
	slot.State = SlotResident
	m.loads++
	m.mu.Unlock()
	return h, nil
}

func (m *Manager) dropSlot(slot *Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.slots {
		if s == slot {
			m.slots = append(m.slots[:i], m.slots[i+1:]...)
			break
		}
	}
	slot.State = SlotEmpty
}
