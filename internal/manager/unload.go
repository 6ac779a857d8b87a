package manager

// Unload releases the slot serving modelID (base or overlay id) and removes it.
func (m *Manager) Unload(modelID string) error {
	if modelID == "" {
		return ErrModelNotFound("(unspecified)")
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	base, _ := splitComposite(modelID)
	m.mu.Lock()
	var slot *Slot
	for _, s := range m.slots {
		if s.State == SlotResident && (s.ModelID == base || s.LoRAID == modelID) {
			slot = s
			break
		}
	}
	if slot == nil {
		m.mu.Unlock()
		return ErrModelNotFound(modelID)
	}
	slot.State = SlotEvicting
	m.mu.Unlock()

	m.publish(EventUnloadStart, slot.ModelID, map[string]any{"lora": slot.LoRAID})
	m.release(slot)
	m.log.Info().Str("event", EventUnloadDone).Str("model", slot.ModelID).Msg("model unloaded")
	m.publish(EventUnloadDone, slot.ModelID, nil)
	return nil
}

// Close unloads every slot. Used on shutdown.
func (m *Manager) Close() error {
	for {
		model, lora := m.Current()
		if model == "" {
			return nil
		}
		id := model
		if lora != "" {
			id = model + "#" + lora
		}
		if err := m.Unload(id); err != nil {
			return err
		}
	}
}
