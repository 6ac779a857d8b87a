package manager

// evictUntilFree releases the oldest-loaded slots until one more fits.
func (m *Manager) evictUntilFree() {
	for {
		m.mu.Lock()
		if len(m.slots) < m.capacity {
			m.mu.Unlock()
			return
		}
		oldest := 0
		for i, s := range m.slots {
			if s.LoadedAt.Before(m.slots[oldest].LoadedAt) {
				oldest = i
			}
		}
		victim := m.slots[oldest]
		victim.State = SlotEvicting
		m.mu.Unlock()

		m.log.Info().Str("event", EventEvict).Str("model", victim.ModelID).Str("lora", victim.LoRAID).Msg("evicting model")
		m.release(victim)
		m.mu.Lock()
		m.evictions++
		m.mu.Unlock()
		m.publish(EventEvict, victim.ModelID, map[string]any{"lora": victim.LoRAID})
	}
}

// release closes the handle and removes the slot. A failed close is logged;
// the slot is gone either way.
func (m *Manager) release(s *Slot) {
	if s.Handle != nil {
		if err := s.Handle.Close(); err != nil {
			m.log.Warn().Str("model", s.ModelID).Err(err).Msg("release handle")
		}
	}
	m.dropSlot(s)
	m.mu.Lock()
	s.Handle = nil
	m.mu.Unlock()
}
