package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"minerd/internal/identity"
	"minerd/internal/pipeline"
	"minerd/internal/submit"
	"minerd/pkg/types"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// handle executes and submits one job. Failures are logged and counted but
// never stop the loop.
func (w *Worker) handle(ctx context.Context, job *types.Job, requestLatency time.Duration) {
	start := w.d.Now()
	log := w.log.With().Str("job_id", job.JobID).Str("model_id", job.ModelID).Logger()
	log.Info().Str("event", "job_start").Msg("processing job")

	ok := w.execute(ctx, job, requestLatency, log)

	if w.d.Stats != nil {
		if err := w.d.Stats.Record(ctx, job.ModelID, ok); err != nil {
			log.Error().Err(err).Msg("failed to update job statistics")
		}
	}
	outcome := outcomeSuccess
	if !ok {
		outcome = outcomeFailure
	}
	w.d.Observer.ObserveJob(job.ModelID, outcome)

	total := w.d.Now().Sub(start) + requestLatency
	if w.cfg.JobTimeout > 0 && total > w.cfg.JobTimeout {
		log.Warn().Dur("total", total).Dur("timeout", w.cfg.JobTimeout).
			Msg("the previous request timed out; you will not earn points, check miner configuration or network connection")
	}
}

func (w *Worker) execute(ctx context.Context, job *types.Job, requestLatency time.Duration, log zerolog.Logger) bool {
	h, loadLatency, err := w.d.Models.EnsureLoaded(ctx, job.ModelID, "")
	if err != nil {
		log.Error().Err(err).Msg("failed to prepare model")
		return false
	}
	var loading *time.Duration
	if loadLatency > 0 {
		loading = &loadLatency
		w.d.Observer.ObserveStage("loading", loadLatency)
	}

	if job.Input.Text != nil && job.Input.Text.UseStream && w.d.Streamer != nil {
		return w.stream(ctx, job, h, log)
	}

	art, inferenceLatency, err := w.d.Executor.Execute(ctx, h, job.Input)
	if err != nil {
		log.Error().Err(err).Msg("error processing job")
		return false
	}
	w.d.Observer.ObserveStage("inference", inferenceLatency)

	sig, err := w.sign()
	if err != nil {
		log.Error().Err(err).Msg("failed to sign result")
		return false
	}
	out := w.d.Sink.Submit(ctx, job, art, sig, submit.Latencies{Request: requestLatency, Loading: loading, Inference: inferenceLatency})
	if out.Upload > 0 {
		w.d.Observer.ObserveStage("upload", out.Upload)
	}
	if out.Submit > 0 {
		w.d.Observer.ObserveStage("submit", out.Submit)
	}
	return out.OK && out.Err == nil
}

func (w *Worker) stream(ctx context.Context, job *types.Job, h pipeline.Handle, log zerolog.Logger) bool {
	src, err := w.d.Streamer.Stream(ctx, h, job.Input.Text)
	if err != nil {
		log.Error().Err(err).Msg("error opening stream")
		return false
	}
	defer src.Close()
	ws := pipeline.NewWordStream(src, w.cfg.StopWords, "")
	if err := ws.Prime(); err != nil {
		log.Error().Err(err).Msg("stream not viable")
		return false
	}
	out := w.d.Sink.SubmitStream(ctx, job, ws)
	if out.Submit > 0 {
		w.d.Observer.ObserveStage("stream", out.Submit)
	}
	return out.OK && out.Err == nil
}

func (w *Worker) sign() (*identity.SignedRequest, error) {
	if w.cfg.SkipSignature || w.d.Identity == nil {
		return nil, nil
	}
	sig, err := w.d.Identity.SignNow(w.cfg.MinerID)
	if err != nil {
		return nil, err
	}
	return &sig, nil
}
