package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minerd/internal/dispatch"
	"minerd/internal/identity"
	"minerd/internal/submit"
)

type harness struct {
	models *fakeModels
	poller *fakePoller
	sink   *fakeSink
	stats  *fakeStats
	ident  *fakeIdentity
	box    *dispatch.Mailbox
	obs    *recordingObserver
	local  []string
	cfg    Config
	deps   Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	id, err := identity.ParseMinerID(testMiner)
	require.NoError(t, err)
	h := &harness{
		models: newFakeModels(),
		poller: &fakePoller{},
		sink:   &fakeSink{outcome: submit.Outcome{OK: true, Submit: time.Millisecond}},
		stats:  &fakeStats{},
		ident:  &fakeIdentity{},
		box:    &dispatch.Mailbox{},
		obs:    newRecordingObserver(),
		local:  []string{"SD1.5", "SDXL1.0", "SDXL1.0#PixelArt"},
		cfg: Config{
			MinerID:       id,
			SleepDuration: time.Millisecond,
			JobTimeout:    time.Minute,
			StopWords:     []string{"<|im_end|>"},
		},
	}
	return h
}

func (h *harness) worker() *Worker {
	d := h.deps
	d.Identity = h.ident
	d.Models = h.models
	if d.Executor == nil {
		d.Executor = fakeExecutor{}
	}
	d.Poller = h.poller
	d.Sink = h.sink
	d.Stats = h.stats
	d.Advisories = h.box
	d.Observer = h.obs
	d.LocalModels = func() ([]string, error) { return h.local, nil }
	return New(h.cfg, d, zerolog.Nop())
}

func TestStepSubmitsImageJob(t *testing.T) {
	h := newHarness(t)
	h.poller.results = append(h.poller.results, dispatch.PollResult{Job: imageJob("j1", "SDXL1.0"), Latency: 150 * time.Millisecond})
	w := h.worker()

	executed, err := w.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, executed)

	require.Len(t, h.sink.subs, 1)
	sub := h.sink.subs[0]
	assert.Equal(t, "j1", sub.job.JobID)
	require.NotNil(t, sub.sig, "results are signed")
	require.NotNil(t, sub.lat.Loading)
	assert.Equal(t, 2*time.Second, *sub.lat.Loading)
	assert.Equal(t, 150*time.Millisecond, sub.lat.Request)
	assert.Equal(t, 3*time.Second, sub.lat.Inference)
	assert.Equal(t, []statCall{{"SDXL1.0", true}}, h.stats.calls)
	assert.Equal(t, 1, h.obs.jobs["SDXL1.0/success"])
}

func TestResidentModelHasNullLoadingLatency(t *testing.T) {
	h := newHarness(t)
	h.models.resident["SD1.5"] = true
	h.poller.results = append(h.poller.results, dispatch.PollResult{Job: imageJob("j1", "SD1.5")})
	_, err := h.worker().Step(context.Background())
	require.NoError(t, err)
	require.Len(t, h.sink.subs, 1)
	assert.Nil(t, h.sink.subs[0].lat.Loading)
}

func TestSubmissionFailureDoesNotStopLoop(t *testing.T) {
	h := newHarness(t)
	h.sink.outcome = submit.Outcome{Err: errBoom}
	h.poller.results = append(h.poller.results,
		dispatch.PollResult{Job: imageJob("j1", "SD1.5")},
		dispatch.PollResult{Job: imageJob("j2", "SD1.5")})
	w := h.worker()

	for i := 0; i < 2; i++ {
		executed, err := w.Step(context.Background())
		require.NoError(t, err)
		assert.True(t, executed)
	}
	assert.Equal(t, []statCall{{"SD1.5", false}, {"SD1.5", false}}, h.stats.calls)
	assert.Equal(t, 2, h.obs.jobs["SD1.5/failure"])
}

func TestExecutionErrorRecordsFailure(t *testing.T) {
	h := newHarness(t)
	h.deps.Executor = fakeExecutor{err: errBoom}
	h.poller.results = append(h.poller.results, dispatch.PollResult{Job: imageJob("j1", "SD1.5")})
	executed, err := h.worker().Step(context.Background())
	require.NoError(t, err)
	assert.True(t, executed)
	assert.Empty(t, h.sink.subs)
	assert.Equal(t, []statCall{{"SD1.5", false}}, h.stats.calls)
}

func TestModelLoadFailureRecordsFailure(t *testing.T) {
	h := newHarness(t)
	h.models.failFor["Missing"] = errBoom
	h.poller.results = append(h.poller.results, dispatch.PollResult{Job: imageJob("j1", "Missing")})
	_, err := h.worker().Step(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.sink.subs)
	assert.Equal(t, []statCall{{"Missing", false}}, h.stats.calls)
}

func TestPollErrorIsNoJob(t *testing.T) {
	h := newHarness(t)
	h.poller.errs = append(h.poller.errs, errBoom)
	executed, err := h.worker().Step(context.Background())
	require.NoError(t, err)
	assert.False(t, executed)
	assert.Empty(t, h.stats.calls)
}

func TestBackendGoneIsFatal(t *testing.T) {
	h := newHarness(t)
	h.deps.Liveness = fakeLiveness{err: ErrBackendGone}
	executed, err := h.worker().Step(context.Background())
	assert.ErrorIs(t, err, ErrBackendGone)
	assert.False(t, executed)
	assert.Zero(t, h.poller.polls)
}

func TestSkipSignatureSubmitsUnsigned(t *testing.T) {
	h := newHarness(t)
	h.cfg.SkipSignature = true
	h.poller.results = append(h.poller.results, dispatch.PollResult{Job: imageJob("j1", "SD1.5")})
	_, err := h.worker().Step(context.Background())
	require.NoError(t, err)
	assert.Nil(t, h.sink.subs[0].sig)
	assert.Zero(t, h.ident.signed)
}

func TestStreamingTextJob(t *testing.T) {
	h := newHarness(t)
	h.deps.Streamer = fakeStreamer{items: []string{"", "Hello wor", "ld<|im_end|>", "ignored"}}
	h.poller.results = append(h.poller.results, dispatch.PollResult{Job: textJob("t1", "llama", true)})
	_, err := h.worker().Step(context.Background())
	require.NoError(t, err)
	require.Len(t, h.sink.subs, 1)
	assert.Equal(t, "Hello world[DONE]", h.sink.subs[0].body)
	assert.Equal(t, []statCall{{"llama", true}}, h.stats.calls)
}

func TestStreamNotViableFails(t *testing.T) {
	h := newHarness(t)
	h.deps.Streamer = fakeStreamer{items: []string{"", ""}}
	h.poller.results = append(h.poller.results, dispatch.PollResult{Job: textJob("t1", "llama", true)})
	_, err := h.worker().Step(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.sink.subs)
	assert.Equal(t, []statCall{{"llama", false}}, h.stats.calls)
}

func TestNonStreamingTextJobUsesExecutor(t *testing.T) {
	h := newHarness(t)
	h.deps.Streamer = fakeStreamer{items: []string{"x"}}
	h.poller.results = append(h.poller.results, dispatch.PollResult{Job: textJob("t1", "llama", false)})
	_, err := h.worker().Step(context.Background())
	require.NoError(t, err)
	require.Len(t, h.sink.subs, 1)
	assert.Equal(t, "[]", string(h.sink.subs[0].art.Data))
}

func TestAdvisoryReload(t *testing.T) {
	cases := []struct {
		name      string
		current   string
		advised   string
		specified string
		want      []string
	}{
		{name: "loads local model", current: "SD1.5", advised: "SDXL1.0", want: []string{"SDXL1.0"}},
		{name: "composite id", current: "SD1.5", advised: "SDXL1.0#PixelArt", want: []string{"SDXL1.0#PixelArt"}},
		{name: "already loaded", current: "SDXL1.0", advised: "SDXL1.0", want: nil},
		{name: "not local", current: "SD1.5", advised: "FLUX", want: nil},
		{name: "pinned model", current: "SD1.5", advised: "SDXL1.0", specified: "SD1.5", want: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.cfg.SpecifiedModelID = tc.specified
			h.models.current = tc.current
			h.box.Put(tc.advised)
			_, err := h.worker().Step(context.Background())
			require.NoError(t, err)
			if tc.want == nil {
				assert.Empty(t, h.models.ensured())
			} else {
				assert.Equal(t, tc.want, h.models.ensured())
			}
			_, pending := h.box.Take()
			assert.False(t, pending, "advisory is consumed")
		})
	}
}

func TestRunLoadsDefaultModelAndStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.cfg.DefaultModelIndex = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.poller.results = append(h.poller.results, dispatch.PollResult{Job: imageJob("j1", "SDXL1.0")})
	h.poller.onEmpty = cancel
	bg := &blockingBackground{started: make(chan struct{})}
	h.deps.Background = []Background{bg}

	err := h.worker().Run(ctx)
	require.NoError(t, err)
	<-bg.started
	assert.Equal(t, []string{"SDXL1.0", "SDXL1.0"}, h.models.ensured())
	assert.Len(t, h.sink.subs, 1)
}

func TestRunDefaultIndexOutOfRangeFallsBack(t *testing.T) {
	h := newHarness(t)
	h.cfg.DefaultModelIndex = 9
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.poller.onEmpty = cancel
	require.NoError(t, h.worker().Run(ctx))
	assert.Equal(t, []string{"SD1.5"}, h.models.ensured())
}

func TestRunSpecifiedModel(t *testing.T) {
	h := newHarness(t)
	h.cfg.SpecifiedModelID = "SDXL1.0#PixelArt"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.poller.onEmpty = cancel
	require.NoError(t, h.worker().Run(ctx))
	assert.Equal(t, []string{"SDXL1.0#PixelArt"}, h.models.ensured())
}

func TestRunFatalConditions(t *testing.T) {
	t.Run("pending import", func(t *testing.T) {
		h := newHarness(t)
		h.ident.pending = true
		err := h.worker().Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "identity import")
	})
	t.Run("identity error", func(t *testing.T) {
		h := newHarness(t)
		h.ident.err = &identity.MismatchError{MinerID: testMiner}
		err := h.worker().Run(context.Background())
		assert.True(t, identity.IsIdentityMismatch(err))
	})
	t.Run("no local models", func(t *testing.T) {
		h := newHarness(t)
		h.local = nil
		assert.ErrorIs(t, h.worker().Run(context.Background()), ErrNoLocalModels)
	})
	t.Run("backend gone", func(t *testing.T) {
		h := newHarness(t)
		h.deps.Liveness = fakeLiveness{err: ErrBackendGone}
		assert.ErrorIs(t, h.worker().Run(context.Background()), ErrBackendGone)
	})
}

func TestProbeHealthFailuresBecomeFatal(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	p := NewProbe(ProbeConfig{HealthURL: srv.URL + "/health", MaxHealthFailures: 2}, srv.Client(), zerolog.Nop())
	healthy.Store(true)
	require.NoError(t, p.Check(context.Background()))

	healthy.Store(false)
	require.NoError(t, p.Check(context.Background()))
	healthy.Store(true)
	require.NoError(t, p.Check(context.Background()), "success resets the failure count")

	healthy.Store(false)
	require.NoError(t, p.Check(context.Background()))
	assert.ErrorIs(t, p.Check(context.Background()), ErrBackendGone)
}

func TestProbeProcessMatch(t *testing.T) {
	p := NewProbe(ProbeConfig{ProcessMatch: "vllm.entrypoints.openai.api_server"}, nil, zerolog.Nop())
	p.cmdlines = func(context.Context) ([]string, error) {
		return []string{"/usr/bin/python -m vllm.entrypoints.openai.api_server --model x"}, nil
	}
	assert.NoError(t, p.Check(context.Background()))

	p.cmdlines = func(context.Context) ([]string, error) { return []string{"bash"}, nil }
	assert.ErrorIs(t, p.Check(context.Background()), ErrBackendGone)
}
