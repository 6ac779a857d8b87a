package e2e

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"minerd/pkg/types"
)

// createTempModelsDir creates a temporary directory populated with empty
// .safetensors files and returns the directory path and the model ids.
func createTempModelsDir(t *testing.T, names ...string) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		p := filepath.Join(dir, n+".safetensors")
		if err := os.WriteFile(p, []byte(""), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir, names
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// fakeNetwork plays the dispatcher: it hands out queued jobs, records
// submissions and accepts signals and stats pushes.
type fakeNetwork struct {
	t *testing.T

	mu           sync.Mutex
	jobs         []string
	submitStatus int
	requests     []types.MinerRequest
	submits      []types.SubmitRequest
	signals      int
	pushes       [][]types.StatsEntry
	pushAuth     string
	submitted    chan struct{}
	pushed       chan struct{}
}

func newFakeNetwork(t *testing.T, jobs ...string) *fakeNetwork {
	return &fakeNetwork{t: t, jobs: jobs, submitted: make(chan struct{}, 8), pushed: make(chan struct{}, 8)}
}

func (n *fakeNetwork) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	n.mu.Lock()
	defer n.mu.Unlock()
	switch r.URL.Path {
	case "/miner_request":
		var req types.MinerRequest
		_ = json.Unmarshal(body, &req)
		n.requests = append(n.requests, req)
		if len(n.jobs) == 0 {
			_, _ = w.Write([]byte("null"))
			return
		}
		job := n.jobs[0]
		n.jobs = n.jobs[1:]
		_, _ = w.Write([]byte(job))
	case "/miner_submit":
		var req types.SubmitRequest
		if err := json.Unmarshal(body, &req); err != nil {
			n.t.Errorf("decode submit: %v", err)
		}
		n.submits = append(n.submits, req)
		if n.submitStatus != 0 {
			w.WriteHeader(n.submitStatus)
		}
		n.submitted <- struct{}{}
	case "/miner_signal":
		n.signals++
		_, _ = w.Write([]byte("{}"))
	case "/stats":
		var entries []types.StatsEntry
		_ = json.Unmarshal(body, &entries)
		n.pushes = append(n.pushes, entries)
		n.pushAuth = r.Header.Get("Authorization")
		n.pushed <- struct{}{}
	default:
		http.NotFound(w, r)
	}
}

func (n *fakeNetwork) polls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.requests)
}

// fakeDiffusion is a minimal Automatic1111-compatible backend.
func fakeDiffusion(t *testing.T, img []byte, checkpoints *[]string) http.Handler {
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("/sdapi/v1/options", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte("{}"))
			return
		}
		var opts map[string]any
		_ = json.NewDecoder(r.Body).Decode(&opts)
		mu.Lock()
		if s, ok := opts["sd_model_checkpoint"].(string); ok {
			*checkpoints = append(*checkpoints, s)
		}
		mu.Unlock()
	})
	mux.HandleFunc("/sdapi/v1/unload-checkpoint", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/sdapi/v1/txt2img", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string][]string{"images": {base64.StdEncoding.EncodeToString(img)}})
	})
	return mux
}

// fakeObjectStore accepts path-style PUTs and keeps the objects by path.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *fakeObjectStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	s.objects[r.URL.Path] = b
	s.mu.Unlock()
	w.Header().Set("ETag", `"e2e"`)
}

func (s *fakeObjectStore) get(path string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[path]
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
