package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"minerd/internal/config"
	"minerd/internal/hardware"
	"minerd/internal/registry"
	"minerd/internal/supervisor"
	"minerd/internal/transport"
)

type mineFlags struct {
	device        int
	noGPU         bool
	healthTimeout time.Duration
}

func newMineCmd(g *globalFlags, stderr io.Writer) *cobra.Command {
	f := &mineFlags{}
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Start one worker process per device and supervise them",
		Long: `Validate the devices, start the inference backend when backend.launch is
configured, wait for it to become healthy, check local model files and then
start "minerd worker --device N" for every device. Workers are not restarted; the command exits non-zero once all
workers are gone if any of them failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMine(cmd.Context(), g, f, stderr)
		},
	}
	cmd.Flags().IntVar(&f.device, "device", -1, "Only start the worker for this device index")
	cmd.Flags().BoolVar(&f.noGPU, "no-gpu", false, "Do not require a local GPU (remote or CPU backends)")
	cmd.Flags().DurationVar(&f.healthTimeout, "health-timeout", 0, "Give up waiting for the backend after this long (0 waits forever)")
	return cmd
}

func runMine(ctx context.Context, g *globalFlags, f *mineFlags, stderr io.Writer) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	log, closer, err := newLogger(cfg.Logging, "", stderr)
	if err != nil {
		return err
	}
	defer closer.Close()
	log = log.With().Str("component", "mine").Logger()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	extra := []string{"--config", g.configPath}
	if g.logLevel != "" {
		extra = append(extra, "--log-level", g.logLevel)
	}

	client := newClient(cfg, log)
	d := supervisor.Deps{
		Hardware: hardware.NewProber(log),
		Health:   healthCheck(client, cfg.Backend),
		Spawn:    supervisor.ExecSpawner(exe, extra),
	}
	if err := wireModelFiles(ctx, cfg, client, log, &d); err != nil {
		return err
	}
	launcher, err := newLauncher(cfg.Backend, supervisor.DeviceList(cfg.System.NumDevices, f.device), log)
	if err != nil {
		return err
	}
	d.Backend = launcher

	sup := supervisor.New(supervisor.Config{
		NumDevices:       cfg.System.NumDevices,
		Device:           f.device,
		RequireGPU:       !f.noGPU,
		HealthTimeout:    f.healthTimeout,
		SkipChecksum:     cfg.System.SkipChecksum,
		SpecifiedModelID: cfg.System.SpecifiedModelID,
		SyncInterval:     cfg.ModelConfig.SyncInterval(),
	}, d, log)
	log.Info().Ints("devices", sup.Devices()).Str("version", cfg.Versions.Version).Msg("starting miner")
	return sup.Run(ctx)
}

// healthCheck polls the backend health path; nil when the backend runs in process.
func healthCheck(client *transport.Client, b config.Backend) func(context.Context) error {
	if b.URL == "" {
		return nil
	}
	url := strings.TrimRight(b.URL, "/") + b.HealthPath
	return func(ctx context.Context) error {
		resp, err := client.Get(ctx, url)
		if err != nil {
			return err
		}
		if !resp.OK() {
			return fmt.Errorf("health %s: status %d", url, resp.Status)
		}
		return nil
	}
}

// wireModelFiles sets up checksum validation and the scheduled download of
// missing weights for backends that read weights from base_dir.
func wireModelFiles(ctx context.Context, cfg config.Config, client *transport.Client, log zerolog.Logger, d *supervisor.Deps) error {
	src := sources(cfg.ModelConfig)
	if !ownsWeights(cfg.Backend) || src.Models == "" {
		return nil
	}
	dir, err := expandDir(cfg.Storage.BaseDir)
	if err != nil {
		return err
	}
	catalog, err := registry.Fetch(ctx, client, src)
	if err != nil {
		return err
	}
	d.Verify = func() error {
		_, err := registry.VerifyChecksums(catalog, dir, cfg.System.SpecifiedModelID, log)
		return err
	}
	d.Syncer = registry.NewSyncer(client, src, dir, catalog, cfg.ProcessingLimits.ModelTypes, log)
	return nil
}

func sources(m config.ModelConfig) registry.Sources {
	return registry.Sources{Models: m.ModelConfigURL, VAEs: m.VAEConfigURL, LoRAs: m.LoRAConfigURL}
}

// ownsWeights reports whether model files live in base_dir. An LLM served by
// an external OpenAI-compatible server keeps its own weights.
func ownsWeights(b config.Backend) bool {
	return b.Kind == config.BackendSD || b.URL == ""
}
