package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrBackendGone means the local inference backend stopped running. It is
// fatal for the worker process.
var ErrBackendGone = errors.New("inference backend is not running")

const defaultMaxHealthFailures = 3

// ProbeConfig configures a liveness Probe. Empty fields disable the
// corresponding check.
type ProbeConfig struct {
	HealthURL string
	// Substring matched against process command lines.
	ProcessMatch string
	// Consecutive failed health checks tolerated before the backend counts as gone.
	MaxHealthFailures int
}

// Probe checks that the backend is still alive before each poll.
type Probe struct {
	cfg      ProbeConfig
	client   *http.Client
	cmdlines func(ctx context.Context) ([]string, error)
	log      zerolog.Logger

	mu       sync.Mutex
	failures int
}

func NewProbe(cfg ProbeConfig, client *http.Client, log zerolog.Logger) *Probe {
	if cfg.MaxHealthFailures <= 0 {
		cfg.MaxHealthFailures = defaultMaxHealthFailures
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Probe{cfg: cfg, client: client, cmdlines: processCmdlines, log: log}
}

func processCmdlines(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(procs))
	for _, p := range procs {
		cmd, err := p.CmdlineWithContext(ctx)
		if err != nil || cmd == "" {
			continue
		}
		out = append(out, cmd)
	}
	return out, nil
}

// Check returns an error wrapping ErrBackendGone when the backend process is
// missing or the health endpoint failed too many times in a row.
func (p *Probe) Check(ctx context.Context) error {
	if p.cfg.ProcessMatch != "" {
		cmds, err := p.cmdlines(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msg("process listing failed")
		} else if !anyContains(cmds, p.cfg.ProcessMatch) {
			return fmt.Errorf("%w: no process matching %q", ErrBackendGone, p.cfg.ProcessMatch)
		}
	}
	if p.cfg.HealthURL == "" {
		return nil
	}
	err := p.health(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		p.failures = 0
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.failures++
	p.log.Warn().Err(err).Int("failures", p.failures).Msg("backend health check failed")
	if p.failures >= p.cfg.MaxHealthFailures {
		return fmt.Errorf("%w: %v", ErrBackendGone, err)
	}
	return nil
}

func (p *Probe) health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.HealthURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}

func anyContains(lines []string, sub string) bool {
	for _, l := range lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}
