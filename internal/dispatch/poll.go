// Package dispatch talks to the job dispatcher: it polls for work, carries
// the heartbeat fields and sends the periodic model signal.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"minerd/internal/transport"
	"minerd/pkg/types"
)

// HeartbeatInterval is the minimum spacing of hardware/version fields.
const HeartbeatInterval = 60 * time.Second

const warningMarker = "Warning:"

// ModelSource reports the model id to advertise.
type ModelSource interface {
	AdvertisedModel() string
}

// Config configures a Dispatcher.
type Config struct {
	BaseURL     string
	MinerID     string
	MinDeadline int
	// Poll is skipped while the backend runs this many requests; zero disables.
	SoftLimit int
	Hardware  string
	Version   string
	// Defaults to HeartbeatInterval.
	HeartbeatEvery time.Duration
}

// PollResult is the outcome of one poll. Job is nil when no work was handed
// out or the poll was throttled.
type PollResult struct {
	Job       *types.Job
	Latency   time.Duration
	Throttled bool
	// Warning carries a dispatcher advisory, if any.
	Warning string
}

// Dispatcher polls /miner_request.
type Dispatcher struct {
	cfg    Config
	client *transport.Client
	gauge  Gauge
	models ModelSource
	log    zerolog.Logger
	now    func() time.Time

	mu            sync.Mutex
	lastHeartbeat map[string]time.Time
}

// New builds a Dispatcher. A nil gauge never throttles.
func New(cfg Config, client *transport.Client, gauge Gauge, models ModelSource, log zerolog.Logger) *Dispatcher {
	if gauge == nil {
		gauge = NoGauge{}
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = HeartbeatInterval
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Dispatcher{
		cfg:           cfg,
		client:        client,
		gauge:         gauge,
		models:        models,
		log:           log.With().Str("component", "dispatch").Logger(),
		now:           time.Now,
		lastHeartbeat: make(map[string]time.Time),
	}
}

// SetClock replaces the time source.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// heartbeatDue reports whether the heartbeat fields go into this request and
// records the inclusion.
func (d *Dispatcher) heartbeatDue(minerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	last, seen := d.lastHeartbeat[minerID]
	if seen && now.Sub(last) < d.cfg.HeartbeatEvery {
		return false
	}
	d.lastHeartbeat[minerID] = now
	return true
}

// Poll asks the dispatcher for one job. The backpressure gate runs first and
// sends nothing when the backend is saturated. Network failures are returned
// as errors; unusable bodies are simply "no job".
func (d *Dispatcher) Poll(ctx context.Context) (PollResult, error) {
	if d.cfg.SoftLimit > 0 {
		if running := d.gauge.Running(ctx); running >= float64(d.cfg.SoftLimit) {
			d.log.Debug().Float64("running", running).Int("soft_limit", d.cfg.SoftLimit).Msg("backend busy, skipping poll")
			return PollResult{Throttled: true}, nil
		}
	}

	req := types.MinerRequest{
		MinerID:     d.cfg.MinerID,
		ModelID:     d.models.AdvertisedModel(),
		MinDeadline: d.cfg.MinDeadline,
	}
	if d.heartbeatDue(d.cfg.MinerID) {
		req.Hardware = d.cfg.Hardware
		req.Version = d.cfg.Version
		d.log.Debug().Str("event", "heartbeat").Str("hardware", req.Hardware).Str("version", req.Version).Msg("heartbeat fields attached")
	}

	start := d.now()
	resp, err := d.client.PostJSON(ctx, d.cfg.BaseURL+"/miner_request", req, nil)
	latency := d.now().Sub(start)
	if err != nil {
		return PollResult{Latency: latency}, err
	}
	res := PollResult{Latency: latency}
	body := string(resp.Body)
	if i := strings.Index(body, warningMarker); i >= 0 {
		res.Warning = strings.Trim(strings.TrimSpace(body[i+len(warningMarker):]), `"`)
		d.log.Warn().Str("event", "dispatcher_warning").Msg(res.Warning)
		return res, nil
	}
	if !resp.OK() {
		d.log.Warn().Int("status", resp.Status).Msg("miner_request rejected")
		return res, nil
	}
	job, err := types.DecodeJob(resp.Body)
	if errors.Is(err, types.ErrNoJob) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.Job = job
	d.log.Info().Str("event", "job_received").Str("job_id", job.JobID).Str("model", job.ModelID).
		Dur("request_latency", latency).Msg("processing request")
	return res, nil
}
