// Package manager keeps model handles resident under a fixed number of slots.
// It is structured into small files by concern:
//
//   - manager.go: core Manager type and read-only accessors (Current, Ready).
//   - config.go: ManagerConfig, the Catalog contract and package defaults.
//   - types.go: slot state machine (empty, loading, resident, evicting).
//   - errors.go: ExecutionError and model lookup errors.
//   - helpers.go: target resolution (composite ids, weight files, eligibility).
//   - ensure.go: EnsureLoaded, including LoRA overlay swaps.
//   - evict.go: FIFO eviction by load time.
//   - unload.go: Unload and Close.
//   - status_report.go: Status/Snapshot reporting helpers.
//
// The manager owns every pipeline.Handle it hands out. Callers must not close
// handles; they stay valid until the next EnsureLoaded or Unload call.
package manager
