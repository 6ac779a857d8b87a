package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"minerd/internal/dispatch"
	"minerd/internal/identity"
	"minerd/internal/pipeline"
	"minerd/internal/submit"
	"minerd/pkg/types"
)

const testMiner = "0x00000000000000000000000000000000000000a1-rig"

type handle struct{ model, lora string }

func (h handle) ModelID() string { return h.model }
func (h handle) LoRAID() string  { return h.lora }
func (h handle) Close() error    { return nil }

type ensureCall struct{ model, lora string }

type fakeModels struct {
	mu       sync.Mutex
	current  string
	calls    []ensureCall
	latency  time.Duration
	failFor  map[string]error
	resident map[string]bool
}

func newFakeModels() *fakeModels {
	return &fakeModels{latency: 2 * time.Second, failFor: map[string]error{}, resident: map[string]bool{}}
}

func (m *fakeModels) EnsureLoaded(_ context.Context, model, lora string) (pipeline.Handle, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, ensureCall{model, lora})
	if err := m.failFor[model]; err != nil {
		return nil, 0, err
	}
	var lat time.Duration
	if !m.resident[model] {
		lat = m.latency
		m.resident = map[string]bool{model: true}
	}
	m.current = model
	return handle{model: model}, lat, nil
}

func (m *fakeModels) Current() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, ""
}

func (m *fakeModels) ensured() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	for i, c := range m.calls {
		out[i] = c.model
	}
	return out
}

type fakePoller struct {
	mu      sync.Mutex
	results []dispatch.PollResult
	errs    []error
	polls   int
	onEmpty func()
}

func (p *fakePoller) Poll(context.Context) (dispatch.PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return dispatch.PollResult{}, err
	}
	if len(p.results) == 0 {
		if p.onEmpty != nil {
			p.onEmpty()
		}
		return dispatch.PollResult{}, nil
	}
	r := p.results[0]
	p.results = p.results[1:]
	return r, nil
}

type fakeExecutor struct {
	err error
}

func (e fakeExecutor) Execute(_ context.Context, h pipeline.Handle, in types.ModelInput) (pipeline.Artifact, time.Duration, error) {
	if e.err != nil {
		return pipeline.Artifact{}, 0, e.err
	}
	if in.Text != nil {
		return pipeline.Artifact{Kind: types.KindText, Data: []byte("[]")}, time.Second, nil
	}
	return pipeline.Artifact{Kind: types.KindImage, Data: []byte("png"), ContentType: "image/png"}, 3 * time.Second, nil
}

type fakeStreamer struct{ items []string }

func (s fakeStreamer) Stream(context.Context, pipeline.Handle, *types.TextInput) (pipeline.TokenSource, error) {
	return pipeline.NewSliceSource(s.items...), nil
}

type submission struct {
	job  *types.Job
	art  pipeline.Artifact
	sig  *identity.SignedRequest
	lat  submit.Latencies
	body string
}

type fakeSink struct {
	mu      sync.Mutex
	subs    []submission
	outcome submit.Outcome
}

func (s *fakeSink) Submit(_ context.Context, job *types.Job, art pipeline.Artifact, sig *identity.SignedRequest, lat submit.Latencies) submit.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, submission{job: job, art: art, sig: sig, lat: lat})
	return s.outcome
}

func (s *fakeSink) SubmitStream(_ context.Context, job *types.Job, ws *pipeline.WordStream) submit.Outcome {
	b, _ := io.ReadAll(ws.Reader())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, submission{job: job, body: string(b)})
	return s.outcome
}

type statCall struct {
	model   string
	success bool
}

type fakeStats struct {
	mu    sync.Mutex
	calls []statCall
}

func (s *fakeStats) Record(_ context.Context, model string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, statCall{model, success})
	return nil
}

type fakeIdentity struct {
	pending bool
	err     error
	signed  int
}

func (f *fakeIdentity) Resolve(_ context.Context, id identity.MinerID) (identity.Resolution, error) {
	if f.err != nil {
		return identity.Resolution{}, f.err
	}
	if f.pending {
		return identity.Resolution{Pending: &identity.PendingImport{MinerID: id, BoundAddress: common.HexToAddress("0xb0"), Path: "/keys/x"}}, nil
	}
	return identity.Resolution{Record: &identity.Record{RewardAddress: id.Reward}}, nil
}

func (f *fakeIdentity) SignNow(identity.MinerID) (identity.SignedRequest, error) {
	f.signed++
	return identity.SignedRequest{Message: "m", Signature: []byte{1}}, nil
}

type fakeLiveness struct{ err error }

func (l fakeLiveness) Check(context.Context) error { return l.err }

type blockingBackground struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingBackground) Run(ctx context.Context) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
}

type recordingObserver struct {
	mu     sync.Mutex
	jobs   map[string]int
	stages map[string]int
	polls  int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{jobs: map[string]int{}, stages: map[string]int{}}
}

func (o *recordingObserver) ObserveJob(model, outcome string) {
	o.mu.Lock()
	o.jobs[model+"/"+outcome]++
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveStage(stage string, _ time.Duration) {
	o.mu.Lock()
	o.stages[stage]++
	o.mu.Unlock()
}

func (o *recordingObserver) ObservePoll(bool) {
	o.mu.Lock()
	o.polls++
	o.mu.Unlock()
}

var errBoom = errors.New("boom")

func imageJob(id, model string) *types.Job {
	return &types.Job{JobID: id, ModelID: model, Input: types.ModelInput{Image: &types.ImageInput{Prompt: "cat"}}}
}

func textJob(id, model string, stream bool) *types.Job {
	return &types.Job{JobID: id, ModelID: model, Input: types.ModelInput{Text: &types.TextInput{Prompt: `[{"role":"user","content":"hi"}]`, UseStream: stream}}}
}
