// Package supervisor prepares the host and runs one worker process per
// device. Dead workers are not restarted.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"minerd/internal/hardware"
)

// ErrWorkersFailed is returned when at least one worker exited abnormally.
var ErrWorkersFailed = errors.New("one or more workers failed")

// ErrBackendExited is returned when the launched backend died while workers ran.
var ErrBackendExited = errors.New("backend exited")

// Prober reports the local accelerators.
type Prober interface {
	Probe(ctx context.Context) hardware.Inventory
}

// Syncer downloads missing model files on a schedule.
type Syncer interface {
	Run(ctx context.Context, interval time.Duration)
}

// Config configures a Supervisor.
type Config struct {
	NumDevices int
	// When >= 0 only this device is started.
	Device int
	// Require a local GPU for every started device.
	RequireGPU bool
	// Max time to wait for the backend health check; zero waits forever.
	HealthTimeout  time.Duration
	HealthInterval time.Duration
	SkipChecksum   bool
	// A pinned model disables the scheduled sync.
	SpecifiedModelID string
	SyncInterval     time.Duration
}

// Deps are the supervisor's collaborators. Only Spawn is required.
type Deps struct {
	Hardware Prober
	// Backend is started before the health wait and stopped after the
	// workers have exited.
	Backend Launcher
	// Health returns nil once the backend is ready.
	Health func(ctx context.Context) error
	// Verify validates local model checksums.
	Verify func() error
	Syncer Syncer
	Spawn  Spawner
}

type Supervisor struct {
	cfg Config
	d   Deps
	log zerolog.Logger
}

func New(cfg Config, d Deps, log zerolog.Logger) *Supervisor {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	return &Supervisor{cfg: cfg, d: d, log: log.With().Str("component", "supervisor").Logger()}
}

// Devices returns the device indices to start.
func (s *Supervisor) Devices() []int { return DeviceList(s.cfg.NumDevices, s.cfg.Device) }

// DeviceList returns [device] when device >= 0 and 0..n-1 otherwise.
func DeviceList(n, device int) []int {
	if device >= 0 {
		return []int{device}
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Run prepares the host, starts the workers and blocks until all of them have
// exited. Canceling ctx sends SIGTERM to every worker. Run returns
// ErrWorkersFailed if any worker exited non-zero while ctx was still live, and
// ErrBackendExited if a launched backend died first.
func (s *Supervisor) Run(ctx context.Context) error {
	devices := s.Devices()
	if err := s.checkDevices(ctx, devices); err != nil {
		return err
	}
	var backendDown <-chan struct{}
	if s.d.Backend != nil {
		if err := s.d.Backend.Start(); err != nil {
			return errors.Wrap(err, "start backend")
		}
		defer func() {
			if err := s.d.Backend.Stop(); err != nil {
				s.log.Warn().Err(err).Msg("failed to stop backend")
			}
		}()
		backendDown = s.d.Backend.Exited()
	}
	if err := s.waitHealthy(ctx); err != nil {
		return err
	}
	if !s.cfg.SkipChecksum && s.d.Verify != nil {
		if err := s.d.Verify(); err != nil {
			return errors.Wrap(err, "verify model checksums")
		}
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	var bg sync.WaitGroup
	if s.cfg.SpecifiedModelID == "" && s.d.Syncer != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			s.d.Syncer.Run(bgCtx, s.cfg.SyncInterval)
		}()
	}
	defer bg.Wait()

	children := make([]Child, 0, len(devices))
	for _, dev := range devices {
		c, err := s.d.Spawn(ctx, dev)
		if err != nil {
			s.terminate(children)
			s.waitQuietly(children)
			return errors.Wrapf(err, "start worker for device %d", dev)
		}
		s.log.Info().Int("device", dev).Int("pid", c.Pid()).Msg("worker started")
		children = append(children, c)
	}

	allDone := make(chan struct{})
	var backendLost atomic.Bool
	go func() {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("shutting down workers")
			s.terminate(children)
		case <-backendDown:
			backendLost.Store(true)
			s.log.Error().Err(s.d.Backend.Err()).Msg("backend exited, shutting down workers")
			s.terminate(children)
		case <-allDone:
		}
	}()

	var mu sync.Mutex
	failed := 0
	var g errgroup.Group
	for i, c := range children {
		dev, c := devices[i], c
		g.Go(func() error {
			code, err := c.Wait()
			ev := s.log.Info()
			if (err != nil || code != 0) && ctx.Err() == nil {
				ev = s.log.Error()
				mu.Lock()
				failed++
				mu.Unlock()
			}
			ev.Int("device", dev).Int("pid", c.Pid()).Int("exit_code", code).AnErr("wait_error", err).Msg("worker exited")
			return nil
		})
	}
	_ = g.Wait()
	close(allDone)
	stopBackground()

	if backendLost.Load() {
		return fmt.Errorf("%w: %v", ErrBackendExited, s.d.Backend.Err())
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrWorkersFailed, failed, len(children))
	}
	return nil
}

func (s *Supervisor) checkDevices(ctx context.Context, devices []int) error {
	if s.d.Hardware == nil {
		return nil
	}
	inv := s.d.Hardware.Probe(ctx)
	if !s.cfg.RequireGPU {
		return nil
	}
	if err := inv.Validate(s.cfg.NumDevices); err != nil {
		return err
	}
	for _, d := range devices {
		if d >= len(inv.Devices) {
			return fmt.Errorf("device %d not found (%d available)", d, len(inv.Devices))
		}
	}
	return nil
}

func (s *Supervisor) waitHealthy(ctx context.Context) error {
	if s.d.Health == nil {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.HealthInterval
	b.MaxInterval = 6 * s.cfg.HealthInterval
	b.MaxElapsedTime = s.cfg.HealthTimeout
	op := func() error {
		if s.d.Backend != nil {
			if err := s.d.Backend.Err(); err != nil {
				return backoff.Permanent(err)
			}
		}
		return s.d.Health(ctx)
	}
	notify := func(err error, next time.Duration) {
		s.log.Warn().Err(err).Dur("retry_in", next).Msg("backend not healthy yet")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, "backend health check")
	}
	s.log.Info().Msg("backend healthy")
	return nil
}

func (s *Supervisor) terminate(children []Child) {
	for _, c := range children {
		if err := c.Terminate(); err != nil {
			s.log.Warn().Err(err).Int("pid", c.Pid()).Msg("failed to signal worker")
		}
	}
}

func (s *Supervisor) waitQuietly(children []Child) {
	for _, c := range children {
		_, _ = c.Wait()
	}
}
