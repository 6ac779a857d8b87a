package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"minerd/internal/transport"
	"minerd/pkg/types"
)

// Mailbox holds at most one advisory model id. A newer advisory replaces an
// unread one.
type Mailbox struct {
	mu    sync.Mutex
	model string
}

func (m *Mailbox) Put(model string) {
	m.mu.Lock()
	m.model = model
	m.mu.Unlock()
}

// Take returns and clears the pending advisory.
func (m *Mailbox) Take() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	model := m.model
	m.model = ""
	return model, model != ""
}

// SignalConfig configures a Signaler.
type SignalConfig struct {
	URL       string
	MinerID   string
	ModelType string
	Hardware  string
	Version   string
	// Set when the operator pinned a model; the dispatcher then sends no advisory.
	SkipUpdate bool
	Options    map[string]any
	Interval   time.Duration
}

// Signaler posts /miner_signal periodically. It only reads the advertised
// model; advisories are left in the mailbox for the main loop.
type Signaler struct {
	cfg    SignalConfig
	client *transport.Client
	models ModelSource
	box    *Mailbox
	log    zerolog.Logger
}

func NewSignaler(cfg SignalConfig, client *transport.Client, models ModelSource, box *Mailbox, log zerolog.Logger) *Signaler {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Signaler{cfg: cfg, client: client, models: models, box: box, log: log.With().Str("component", "signal").Logger()}
}

// Signal sends one heartbeat and stores any advisory in the mailbox.
func (s *Signaler) Signal(ctx context.Context) error {
	model := s.models.AdvertisedModel()
	if model == "" {
		s.log.Warn().Msg("no loaded model, asking dispatcher which model to load")
	}
	req := types.SignalRequest{
		MinerID:    s.cfg.MinerID,
		ModelType:  s.cfg.ModelType,
		ModelID:    model,
		Hardware:   s.cfg.Hardware,
		Version:    s.cfg.Version,
		SkipUpdate: s.cfg.SkipUpdate,
		Options:    s.cfg.Options,
	}
	resp, err := s.client.PostJSON(ctx, s.cfg.URL+"/miner_signal", req, nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		s.log.Error().Int("status", resp.Status).Msg("miner_signal failed")
		return nil
	}
	var out types.SignalResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		s.log.Debug().Err(err).Msg("miner_signal returned no advisory")
		return nil
	}
	if out.ModelID != "" && out.ModelID != model {
		s.log.Info().Str("event", "advisory").Str("model", out.ModelID).Msg("dispatcher suggests a model")
		s.box.Put(out.ModelID)
	}
	return nil
}

// Run signals every interval until ctx is done.
func (s *Signaler) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Signal(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("miner_signal failed")
			}
		}
	}
}
