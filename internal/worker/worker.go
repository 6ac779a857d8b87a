// Package worker runs the per-device mining loop: it keeps a model resident,
// polls the dispatcher, executes jobs and submits their results.
package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"minerd/internal/dispatch"
	"minerd/internal/identity"
	"minerd/internal/pipeline"
	"minerd/internal/submit"
	"minerd/pkg/types"
)

// ErrNoLocalModels is returned by Run when nothing can be loaded.
var ErrNoLocalModels = errors.New("no local models found")

// Identity resolves and signs with the worker's identity.
type Identity interface {
	Resolve(ctx context.Context, id identity.MinerID) (identity.Resolution, error)
	SignNow(id identity.MinerID) (identity.SignedRequest, error)
}

// Residency keeps models loaded.
type Residency interface {
	EnsureLoaded(ctx context.Context, modelID, loraID string) (pipeline.Handle, time.Duration, error)
	Current() (modelID, loraID string)
}

type Poller interface {
	Poll(ctx context.Context) (dispatch.PollResult, error)
}

type ResultSink interface {
	Submit(ctx context.Context, job *types.Job, art pipeline.Artifact, sig *identity.SignedRequest, lat submit.Latencies) submit.Outcome
	SubmitStream(ctx context.Context, job *types.Job, ws *pipeline.WordStream) submit.Outcome
}

type StatsRecorder interface {
	Record(ctx context.Context, modelID string, success bool) error
}

type LivenessChecker interface {
	Check(ctx context.Context) error
}

type Advisories interface {
	Take() (string, bool)
}

// Background is a loop started alongside the worker, e.g. the model signaler.
type Background interface {
	Run(ctx context.Context)
}

// Observer receives job and stage measurements for metrics.
type Observer interface {
	ObserveJob(modelID, outcome string)
	ObserveStage(stage string, d time.Duration)
	ObservePoll(throttled bool)
}

type nopObserver struct{}

func (nopObserver) ObserveJob(string, string)          {}
func (nopObserver) ObserveStage(string, time.Duration) {}
func (nopObserver) ObservePoll(bool)                   {}

// Config holds per-process settings.
type Config struct {
	MinerID           identity.MinerID
	Device            int
	SpecifiedModelID  string
	DefaultModelIndex int
	SleepDuration     time.Duration
	// Jobs slower than this end with a warning.
	JobTimeout    time.Duration
	StopWords     []string
	SkipSignature bool
}

// Deps are the collaborators of a Worker. Identity, Liveness, Advisories,
// Streamer, Background and Observer are optional.
type Deps struct {
	Identity    Identity
	Models      Residency
	Executor    pipeline.Executor
	Streamer    pipeline.Streamer
	Poller      Poller
	Sink        ResultSink
	Stats       StatsRecorder
	Liveness    LivenessChecker
	Advisories  Advisories
	LocalModels func() ([]string, error)
	Background  []Background
	Observer    Observer
	Now         func() time.Time
}

// Worker is the explicit per-process context of one device.
type Worker struct {
	cfg   Config
	d     Deps
	log   zerolog.Logger
	runID string
}

func New(cfg Config, d Deps, log zerolog.Logger) *Worker {
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.LocalModels == nil {
		d.LocalModels = func() ([]string, error) { return nil, nil }
	}
	runID := uuid.NewString()
	return &Worker{
		cfg:   cfg,
		d:     d,
		runID: runID,
		log: log.With().Str("miner_id", cfg.MinerID.String()).Int("device", cfg.Device).
			Str("run_id", runID).Logger(),
	}
}

// RunID identifies this worker run in logs.
func (w *Worker) RunID() string { return w.runID }

// Run resolves the identity, loads the default model and mines until ctx is
// canceled. It returns nil on cancellation and an error for conditions that
// are fatal to this device process.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.resolveIdentity(ctx); err != nil {
		return err
	}
	if err := w.loadDefault(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range w.d.Background {
		b := b
		g.Go(func() error {
			b.Run(gctx)
			return nil
		})
	}
	g.Go(func() error { return w.loop(gctx) })
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) error {
	w.log.Info().Str("event", "worker_start").Msg("mining loop started")
	for {
		if ctx.Err() != nil {
			w.log.Info().Str("event", "worker_stop").Msg("mining loop stopped")
			return nil
		}
		executed, err := w.Step(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("worker exiting")
			return err
		}
		if executed {
			continue
		}
		t := time.NewTimer(w.cfg.SleepDuration)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
}

func (w *Worker) resolveIdentity(ctx context.Context) error {
	if w.cfg.SkipSignature || w.d.Identity == nil {
		return nil
	}
	res, err := w.d.Identity.Resolve(ctx, w.cfg.MinerID)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	if res.Pending != nil {
		return fmt.Errorf("identity for %s is bound to %s but %s is missing: run `minerd identity import`",
			w.cfg.MinerID, res.Pending.BoundAddress.Hex(), res.Pending.Path)
	}
	return nil
}

func (w *Worker) loadDefault(ctx context.Context) error {
	id := w.cfg.SpecifiedModelID
	if id == "" {
		ids, err := w.d.LocalModels()
		if err != nil {
			return fmt.Errorf("list local models: %w", err)
		}
		if len(ids) == 0 {
			return ErrNoLocalModels
		}
		idx := w.cfg.DefaultModelIndex
		if idx < 0 || idx >= len(ids) {
			w.log.Warn().Int("index", idx).Int("models", len(ids)).Msg("default model index out of range, using 0")
			idx = 0
		}
		id = ids[idx]
	}
	_, lat, err := w.d.Models.EnsureLoaded(ctx, id, "")
	if err != nil {
		return fmt.Errorf("load default model %s: %w", id, err)
	}
	w.log.Info().Str("event", "default_model_loaded").Str("model_id", id).Dur("loading_latency", lat).Msg("default model loaded")
	return nil
}

// Step runs one loop iteration. executed reports whether a job was handled;
// the error is non-nil only when the worker must stop.
func (w *Worker) Step(ctx context.Context) (executed bool, err error) {
	w.applyAdvisory(ctx)

	if w.d.Liveness != nil {
		if err := w.d.Liveness.Check(ctx); err != nil {
			if errors.Is(err, ErrBackendGone) {
				return false, err
			}
			w.log.Debug().Err(err).Msg("liveness check interrupted")
			return false, nil
		}
	}

	res, err := w.d.Poller.Poll(ctx)
	w.d.Observer.ObservePoll(res.Throttled)
	if err != nil {
		w.log.Error().Err(err).Msg("error requesting job")
		return false, nil
	}
	if res.Job == nil {
		w.log.Debug().Msg("no job received")
		return false, nil
	}
	w.d.Observer.ObserveStage("request", res.Latency)
	w.handle(ctx, res.Job, res.Latency)
	return true, nil
}

func (w *Worker) applyAdvisory(ctx context.Context) {
	if w.d.Advisories == nil {
		return
	}
	advised, ok := w.d.Advisories.Take()
	if !ok || w.cfg.SpecifiedModelID != "" {
		return
	}
	ids, err := w.d.LocalModels()
	if err != nil {
		w.log.Warn().Err(err).Msg("list local models")
		return
	}
	if !slices.Contains(ids, advised) {
		w.log.Debug().Str("model_id", advised).Msg("advised model not available locally")
		return
	}
	model, lora := w.d.Models.Current()
	if advised == model || (lora != "" && (advised == lora || advised == model+"#"+lora)) {
		return
	}
	_, lat, err := w.d.Models.EnsureLoaded(ctx, advised, "")
	if err != nil {
		w.log.Error().Err(err).Str("model_id", advised).Msg("advisory reload failed")
		return
	}
	w.log.Info().Str("event", "advisory_reload").Str("model_id", advised).Dur("loading_latency", lat).Msg("reloaded advised model")
}
