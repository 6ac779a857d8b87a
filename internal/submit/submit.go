// Package submit delivers job results to the dispatcher: artifacts go to the
// object store, the signed result record to /miner_submit, and streamed text
// to /miner_submit_stream.
package submit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"minerd/internal/identity"
	"minerd/internal/pipeline"
	"minerd/internal/transport"
	"minerd/pkg/types"
)

// Config configures a Submitter.
type Config struct {
	BaseURL       string
	MinerID       string
	SkipSignature bool
}

// Latencies measured before submission. Loading is nil when the model was
// already resident.
type Latencies struct {
	Request   time.Duration
	Loading   *time.Duration
	Inference time.Duration
}

// Outcome reports a submission. Rejections are not errors: OK is false and
// Status holds the HTTP code. Err is set for transport and upload failures.
type Outcome struct {
	OK     bool
	Status int
	S3Key  string
	Upload time.Duration
	Submit time.Duration
	Err    error
}

// Submitter posts results for one miner id.
type Submitter struct {
	cfg      Config
	client   *transport.Client
	uploader Uploader
	log      zerolog.Logger
}

func New(cfg Config, client *transport.Client, uploader Uploader, log zerolog.Logger) *Submitter {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Submitter{cfg: cfg, client: client, uploader: uploader, log: log.With().Str("component", "submit").Logger()}
}

// ObjectKey is the object store key of an image result.
func ObjectKey(jobID, minerID string) string { return jobID + "-" + minerID + ".png" }

func seconds(d time.Duration) float64 { return d.Seconds() }

// Submit uploads image artifacts, then posts the result record. sig may be
// nil only when signatures are disabled.
func (s *Submitter) Submit(ctx context.Context, job *types.Job, art pipeline.Artifact, sig *identity.SignedRequest, lat Latencies) Outcome {
	var out Outcome
	req := types.SubmitRequest{
		MinerID:          strings.ToLower(s.cfg.MinerID),
		JobID:            job.JobID,
		RequestLatency:   seconds(lat.Request),
		InferenceLatency: seconds(lat.Inference),
	}
	if lat.Loading != nil {
		v := seconds(*lat.Loading)
		req.LoadingLatency = &v
	}

	switch art.Kind {
	case types.KindImage:
		key := ObjectKey(job.JobID, s.cfg.MinerID)
		start := time.Now()
		if err := s.uploader.Upload(ctx, job.TempCredentials, key, art.Data, art.ContentType); err != nil {
			out.Err = err
			s.log.Error().Str("job_id", job.JobID).Err(err).Msg("upload failed")
			return out
		}
		out.Upload = time.Since(start)
		out.S3Key = key
		req.Result.S3Key = key
		s.log.Debug().Str("job_id", job.JobID).Str("key", key).Str("size", humanize.Bytes(uint64(len(art.Data)))).
			Dur("upload_latency", out.Upload).Msg("artifact uploaded")
	default:
		req.Result.Text = string(art.Data)
	}
	req.UploadLatency = seconds(out.Upload)

	if !s.cfg.SkipSignature {
		if sig == nil {
			out.Err = fmt.Errorf("submit %s: signature required", job.JobID)
			return out
		}
		req.Signature = sig.SignatureHex()
		req.IdentityAddress = sig.IdentityHex()
	}

	resp, err := s.client.PostJSON(ctx, s.cfg.BaseURL+"/miner_submit", req, nil)
	if err != nil {
		out.Err = err
		s.log.Error().Str("job_id", job.JobID).Err(err).Msg("error occurred during job submission")
		return out
	}
	out.Status = resp.Status
	out.Submit = resp.Latency
	if !resp.OK() {
		s.log.Error().Str("job_id", job.JobID).Int("status", resp.Status).Str("body", string(resp.Body)).Msg("job submission rejected")
		return out
	}
	out.OK = true
	ev := s.log.Info().Str("event", "submitted").Str("job_id", job.JobID).
		Dur("request_latency", lat.Request).Dur("inference_latency", lat.Inference).
		Dur("upload_latency", out.Upload).Dur("submit_latency", out.Submit)
	if lat.Loading != nil {
		ev = ev.Dur("loading_latency", *lat.Loading)
	}
	ev.Msg("job completed")
	return out
}

// SubmitStream posts the live word stream as the request body. The stream is
// consumed lazily as the transport reads it; the call returns once the
// dispatcher answers.
func (s *Submitter) SubmitStream(ctx context.Context, job *types.Job, ws *pipeline.WordStream) Outcome {
	var out Outcome
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/miner_submit_stream", ws.Reader())
	if err != nil {
		out.Err = err
		return out
	}
	// Lower-case keys are sent verbatim.
	req.Header["job_id"] = []string{job.JobID}
	req.Header["miner_id"] = []string{s.cfg.MinerID}
	req.Header.Set("Content-Type", "text/event-stream")

	start := time.Now()
	resp, err := s.client.Stream().Do(req)
	if err != nil {
		out.Err = err
		s.log.Error().Str("job_id", job.JobID).Err(err).Msg("failed to submit stream")
		return out
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	out.Submit = time.Since(start)
	out.Status = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.log.Error().Str("job_id", job.JobID).Int("status", resp.StatusCode).Msg("stream submission rejected")
		return out
	}
	if err := ws.Err(); err != nil {
		out.Err = err
		s.log.Error().Str("job_id", job.JobID).Err(err).Msg("stream ended with backend error")
		return out
	}
	out.OK = true
	s.log.Info().Str("event", "submitted").Str("job_id", job.JobID).Dur("stream_latency", out.Submit).Msg("stream completed")
	return out
}
