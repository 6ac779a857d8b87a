package manager

import (
	"time"

	"minerd/pkg/types"
)

// Snapshot returns a read-only view of the manager state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := Snapshot{Capacity: m.capacity, Loads: m.loads, Evictions: m.evictions, Err: m.err}
	out.Slots = make([]Slot, len(m.slots))
	for i, s := range m.slots {
		out.Slots[i] = *s
	}
	return out
}

// Status builds the residency part of the /status response.
func (m *Manager) Status() types.StatusResponse {
	snap := m.Snapshot()
	resp := types.StatusResponse{
		State:          "empty",
		Capacity:       snap.Capacity,
		LoadsTotal:     snap.Loads,
		EvictionsTotal: snap.Evictions,
		LastError:      snap.Err,
		UptimeSeconds:  int64(m.now().Sub(m.startTime) / time.Second),
		ServerTimeUnix: m.now().Unix(),
	}
	resp.Slots = make([]types.SlotStatus, 0, len(snap.Slots))
	for _, s := range snap.Slots {
		switch {
		case s.State == SlotLoading || s.State == SlotEvicting:
			resp.State = "loading"
		case s.State == SlotResident && resp.State == "empty":
			resp.State = "ready"
		}
		resp.Slots = append(resp.Slots, types.SlotStatus{
			ModelID:  s.ModelID,
			LoRAID:   s.LoRAID,
			State:    string(s.State),
			LoadedAt: s.LoadedAt.Unix(),
			LastUsed: s.LastUsed.Unix(),
		})
	}
	return resp
}
