package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"minerd/internal/config"
	"minerd/internal/dispatch"
	"minerd/internal/hardware"
	"minerd/internal/httpapi"
	"minerd/internal/identity"
	"minerd/internal/manager"
	"minerd/internal/pipeline"
	"minerd/internal/registry"
	"minerd/internal/stats"
	"minerd/internal/submit"
	"minerd/internal/transport"
	"minerd/internal/worker"
)

// bindingTTL bounds how long a chain lookup is reused.
const bindingTTL = 10 * time.Minute

func newWorkerCmd(g *globalFlags, stderr io.Writer) *cobra.Command {
	var device int
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run the mining loop for a single device",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), g, device, stderr)
		},
	}
	cmd.Flags().IntVar(&device, "device", 0, "Device index served by this process")
	return cmd
}

func runWorker(ctx context.Context, g *globalFlags, device int, stderr io.Writer) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	ids, err := config.MinerIDs(cfg.System.EnvFile)
	if err != nil {
		return err
	}
	raw, err := config.MinerIDFor(ids, device)
	if err != nil {
		return err
	}
	id, err := identity.ParseMinerID(raw)
	if err != nil {
		return err
	}

	// Probe before the logger exists so the file name carries the final id.
	inv := hardware.NewProber(zerolog.Nop()).Probe(ctx)
	if cfg.System.NumDevices > 1 && device < len(inv.Devices) {
		id = id.WithDeviceSuffix(inv.Devices[device].UUID)
	}
	log, closer, err := newLogger(cfg.Logging, id.String(), stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	w, err := buildWorker(ctx, cfg, id, device, inv.Describe(device), log)
	if err != nil {
		log.Error().Err(err).Int("device", device).Msg("worker setup failed")
		return err
	}
	return w.Run(ctx)
}

// buildWorker wires every collaborator of one device process.
func buildWorker(ctx context.Context, cfg config.Config, id identity.MinerID, device int, hw string, log zerolog.Logger) (*worker.Worker, error) {
	client := newClient(cfg, log)

	idm, err := newIdentityManager(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	be, err := newBackend(ctx, cfg, client, log)
	if err != nil {
		return nil, err
	}

	pub := &httpapi.ResidencyPublisher{Next: manager.NewRingPublisher(256)}
	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Catalog:         be.catalog,
		Loader:          be.adapter,
		BaseDir:         be.dir,
		Capacity:        cfg.ProcessingLimits.MaxResidentModels,
		MaxLoRA:         cfg.ProcessingLimits.MaxLoRAOverlays,
		ModelTypes:      cfg.ProcessingLimits.ModelTypes,
		ExternalWeights: !ownsWeights(cfg.Backend),
		Publisher:       pub,
		Logger:          log,
	})
	pub.Resident = func() int { return residentCount(mgr.Snapshot()) }

	minerID := id.Lower()
	box := &dispatch.Mailbox{}
	signaler := dispatch.NewSignaler(dispatch.SignalConfig{
		URL:        cfg.Service.SignalURL,
		MinerID:    minerID,
		ModelType:  modelType(cfg.Backend.Kind),
		Hardware:   hw,
		Version:    cfg.Versions.Version,
		SkipUpdate: cfg.System.SpecifiedModelID != "",
		Interval:   cfg.System.SignalInterval(),
	}, client, mgr, box, log)

	poller := dispatch.New(dispatch.Config{
		BaseURL:     cfg.Service.BaseURL,
		MinerID:     minerID,
		MinDeadline: cfg.System.MinDeadline,
		SoftLimit:   be.softLimit,
		Hardware:    hw,
		Version:     cfg.Versions.Version,
	}, client, be.gauge, mgr, log)

	sink := submit.New(submit.Config{
		BaseURL:       cfg.Service.BaseURL,
		MinerID:       minerID,
		SkipSignature: cfg.System.SkipSignature,
	}, client, submit.NewS3Uploader(submit.S3Config{
		Bucket:   cfg.Storage.S3Bucket,
		Region:   cfg.Storage.S3Region,
		Endpoint: cfg.Storage.S3Endpoint,
	}), log)

	statsDir, err := expandDir(cfg.Storage.StatsDir)
	if err != nil {
		return nil, err
	}
	rec, err := stats.New(stats.Config{
		Path:         statsPath(statsDir, cfg.Backend.Kind, device),
		PushURL:      cfg.Stats.PushURL,
		AuthKey:      cfg.Stats.AuthKey,
		PushInterval: cfg.Stats.PushInterval(),
	}, client, log)
	if err != nil {
		return nil, err
	}

	probe := worker.NewProbe(worker.ProbeConfig{
		HealthURL:    healthURL(cfg.Backend),
		ProcessMatch: cfg.Backend.ProcessMatch,
	}, client.HTTP(), log)

	bg := []worker.Background{signaler}
	if opts, ok := statusOptions(cfg.Status, device); ok {
		httpapi.SetLogger(log)
		svc := &statusService{
			minerID: minerID, device: device, models: mgr, stats: rec, box: box,
			catalog: be.catalog, pinned: cfg.System.SpecifiedModelID,
		}
		bg = append(bg, statusServer{opts: opts, svc: svc, log: log})
	}

	d := worker.Deps{
		Identity:    idm,
		Models:      mgr,
		Executor:    be.adapter,
		Poller:      poller,
		Sink:        sink,
		Stats:       rec,
		Liveness:    probe,
		Advisories:  box,
		LocalModels: be.localModels,
		Background:  bg,
		Observer:    httpapi.MinerMetrics{},
	}
	if be.streamer != nil {
		d.Streamer = be.streamer
	}
	return worker.New(worker.Config{
		MinerID:           id,
		Device:            device,
		SpecifiedModelID:  cfg.System.SpecifiedModelID,
		DefaultModelIndex: cfg.System.DefaultModelIndex,
		SleepDuration:     cfg.System.SleepDuration(),
		JobTimeout:        cfg.Service.JobTimeout(),
		StopWords:         cfg.ProcessingLimits.StopWords,
		SkipSignature:     cfg.System.SkipSignature,
	}, d, log), nil
}

func newIdentityManager(ctx context.Context, cfg config.Config, log zerolog.Logger) (*identity.Manager, error) {
	dir, err := expandDir(cfg.Storage.KeysDir)
	if err != nil {
		return nil, err
	}
	var binding identity.BindingReader
	if cfg.Contract.RPCURL != "" && cfg.Contract.Address != "" {
		cb, err := identity.DialBinding(ctx, cfg.Contract.RPCURL, cfg.Contract.Address)
		if err != nil {
			return nil, err
		}
		binding = identity.NewCachedBinding(cb, bindingTTL)
	} else {
		log.Warn().Msg("no identity contract configured, identities are treated as unbound")
	}
	return identity.NewManager(identity.NewStore(dir), binding, log), nil
}

// backend groups the kind-specific pieces of a worker.
type backend struct {
	adapter     pipeline.Backend
	streamer    pipeline.Streamer
	catalog     *registry.Catalog
	dir         string
	gauge       dispatch.Gauge
	softLimit   int
	localModels func() ([]string, error)
}

func newBackend(ctx context.Context, cfg config.Config, client *transport.Client, log zerolog.Logger) (backend, error) {
	lim := pipeline.Limits{
		MaxHeight:     cfg.ProcessingLimits.MaxHeight,
		MaxWidth:      cfg.ProcessingLimits.MaxWidth,
		MaxIterations: cfg.ProcessingLimits.MaxIterations,
		MaxTokens:     cfg.ProcessingLimits.MaxTokens,
		StopWords:     cfg.ProcessingLimits.StopWords,
	}
	var be backend
	dir, err := expandDir(cfg.Storage.BaseDir)
	if err != nil {
		return be, err
	}
	be.dir = dir
	be.gauge = dispatch.NoGauge{}

	switch {
	case cfg.Backend.Kind == config.BackendSD:
		catalog, err := registry.Fetch(ctx, client, sources(cfg.ModelConfig))
		if err != nil {
			return be, err
		}
		be.catalog = catalog
		be.adapter = pipeline.NewImageAdapter(cfg.Backend.URL, lim, log)
		be.localModels = func() ([]string, error) { return registry.LocalModelIDs(catalog, dir, log) }

	case cfg.Backend.URL != "":
		name := servedModel(cfg)
		be.catalog = registry.Static(name, "LLM")
		a := pipeline.NewOpenAIAdapter(cfg.Backend.URL, lim, log)
		be.adapter, be.streamer = a, a
		be.gauge = dispatch.NewMetricsGauge(cfg.Backend.MetricsURL, client.HTTP(), log)
		be.softLimit = cfg.ProcessingLimits.ConcurrencySoftLimit
		be.localModels = func() ([]string, error) { return []string{name}, nil }

	default:
		if !pipeline.LlamaAvailable {
			return be, pipeline.ErrDependencyUnavailable("backend.url is empty and this binary was built without llama support")
		}
		name := servedModel(cfg)
		catalog := registry.Static(name, "LLM")
		be.catalog = catalog
		a := pipeline.NewLlamaAdapter(cfg.Backend.LlamaContext, cfg.Backend.LlamaThreads, lim)
		be.adapter, be.streamer = a, a
		be.localModels = func() ([]string, error) { return registry.LocalModelIDs(catalog, dir, log) }
	}
	return be, nil
}

func servedModel(cfg config.Config) string {
	if cfg.Backend.ServedModelName != "" {
		return cfg.Backend.ServedModelName
	}
	return cfg.System.SpecifiedModelID
}

func healthURL(b config.Backend) string {
	if b.URL == "" {
		return ""
	}
	return strings.TrimRight(b.URL, "/") + b.HealthPath
}

// statusAddr offsets the port by the device index when configured, so every
// worker on a host gets its own listener.
func statusAddr(s config.Status, device int) string {
	if s.Addr == "" || !s.PerDevicePort {
		return s.Addr
	}
	host, port, ok := strings.Cut(s.Addr, ":")
	if !ok {
		return s.Addr
	}
	var n int
	if _, err := fmt.Sscanf(port, "%d", &n); err != nil {
		return s.Addr
	}
	return fmt.Sprintf("%s:%d", host, n+device)
}

func residentCount(s manager.Snapshot) int {
	n := 0
	for _, sl := range s.Slots {
		if sl.State == manager.SlotResident {
			n++
		}
	}
	return n
}
