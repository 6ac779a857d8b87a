// Package stats keeps per-model job counters in a crash-safe JSON file and
// periodically pushes them to a telemetry endpoint.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"minerd/internal/common/fsutil"
	"minerd/internal/transport"
	"minerd/pkg/types"
)

// DefaultPushInterval is the minimum time between pushes.
const DefaultPushInterval = 60 * time.Second

// Config configures a Recorder.
type Config struct {
	// Path of the snapshot file; its directory is created on demand.
	Path         string
	PushURL      string
	AuthKey      string
	PushInterval time.Duration
	Now          func() time.Time
}

// Recorder aggregates job outcomes. Record is called from the main loop only;
// Snapshot may be called concurrently.
type Recorder struct {
	mu     sync.RWMutex
	entry  types.StatsEntry
	cfg    Config
	client *transport.Client
	log    zerolog.Logger
}

// New loads the snapshot at cfg.Path, starting empty with last_pushed=now when
// the file is absent or unreadable.
func New(cfg Config, client *transport.Client, log zerolog.Logger) (*Recorder, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = DefaultPushInterval
	}
	p, err := fsutil.ExpandHome(cfg.Path)
	if err != nil {
		return nil, err
	}
	cfg.Path = p
	if _, err := fsutil.EnsureDir(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("stats dir: %w", err)
	}
	r := &Recorder{cfg: cfg, client: client, log: log.With().Str("component", "stats").Logger()}
	r.entry = r.load()
	return r, nil
}

func (r *Recorder) fresh() types.StatsEntry {
	return types.StatsEntry{ModelStats: map[string]types.ModelStats{}, LastPushed: unixSeconds(r.cfg.Now())}
}

func unixSeconds(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }

func (r *Recorder) load() types.StatsEntry {
	b, err := os.ReadFile(r.cfg.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn().Err(err).Str("path", r.cfg.Path).Msg("error loading stats")
		}
		return r.fresh()
	}
	var doc []types.StatsEntry
	if err := json.Unmarshal(b, &doc); err != nil || len(doc) == 0 {
		r.log.Warn().Err(err).Str("path", r.cfg.Path).Msg("stats file unreadable, starting empty")
		return r.fresh()
	}
	e := doc[0]
	if e.ModelStats == nil {
		e.ModelStats = map[string]types.ModelStats{}
	}
	return e
}

func (r *Recorder) save(e types.StatsEntry) error {
	b, err := json.MarshalIndent([]types.StatsEntry{e}, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(r.cfg.Path, b, 0o644)
}

// Snapshot returns a copy of the current counters.
func (r *Recorder) Snapshot() types.StatsEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyEntry(r.entry)
}

func copyEntry(e types.StatsEntry) types.StatsEntry {
	out := types.StatsEntry{ModelStats: make(map[string]types.ModelStats, len(e.ModelStats)), LastPushed: e.LastPushed}
	for k, v := range e.ModelStats {
		out.ModelStats[k] = v
	}
	return out
}

// Record counts one job for modelID, persists the snapshot, and pushes it when
// the push interval has elapsed. A failed push keeps the counts for the next
// attempt. Errors are logged; only a failed save is returned.
func (r *Recorder) Record(ctx context.Context, modelID string, success bool) error {
	r.mu.Lock()
	ms := r.entry.ModelStats[modelID]
	ms.TotalJobs++
	if success {
		ms.SuccessfulJobs++
	}
	r.entry.ModelStats[modelID] = ms
	snap := copyEntry(r.entry)
	r.mu.Unlock()

	if err := r.save(snap); err != nil {
		r.log.Error().Err(err).Msg("error saving stats")
		return err
	}

	now := r.cfg.Now()
	if r.cfg.PushURL == "" || now.Sub(time.Unix(0, int64(snap.LastPushed*1e9))) < r.cfg.PushInterval {
		return nil
	}
	snap.LastPushed = unixSeconds(now)
	if err := r.push(ctx, snap); err != nil {
		r.log.Warn().Err(err).Msg("failed to push stats")
		return nil
	}
	r.log.Info().Int("models", len(snap.ModelStats)).Msg("stats pushed")

	r.mu.Lock()
	// Jobs recorded during the push are carried into the new window.
	next := r.fresh()
	next.LastPushed = snap.LastPushed
	for k, v := range r.entry.ModelStats {
		pushed := snap.ModelStats[k]
		v.TotalJobs -= pushed.TotalJobs
		v.SuccessfulJobs -= pushed.SuccessfulJobs
		if v.TotalJobs > 0 {
			next.ModelStats[k] = v
		}
	}
	r.entry = next
	saved := copyEntry(next)
	r.mu.Unlock()
	if err := r.save(saved); err != nil {
		r.log.Error().Err(err).Msg("error saving stats")
		return err
	}
	return nil
}

func (r *Recorder) push(ctx context.Context, e types.StatsEntry) error {
	if r.cfg.AuthKey == "" {
		return errors.New("auth key missing")
	}
	headers := map[string]string{"Authorization": "Bearer " + r.cfg.AuthKey}
	resp, err := r.client.PostJSON(ctx, r.cfg.PushURL, []types.StatsEntry{e}, headers)
	if err != nil {
		return err
	}
	if resp.Status != 200 {
		return errors.Errorf("push stats: status %d: %s", resp.Status, string(resp.Body))
	}
	return nil
}
