package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"minerd/internal/config"
	"minerd/internal/httpapi"
	"minerd/internal/manager"
	"minerd/pkg/types"
)

type residencyView interface {
	Status() types.StatusResponse
	Ready() bool
}

type statsView interface {
	Snapshot() types.StatsEntry
}

type modelLookup interface {
	Model(id string) (types.ModelConfig, bool)
}

type advisoryBox interface {
	Put(model string)
}

// statusService backs the local status server of one worker.
type statusService struct {
	minerID string
	device  int
	models  residencyView
	stats   statsView
	box     advisoryBox
	catalog modelLookup
	pinned  string
}

func (s *statusService) Status() types.StatusResponse {
	resp := s.models.Status()
	resp.MinerID = s.minerID
	resp.Device = s.device
	resp.Stats = s.stats.Snapshot().ModelStats
	return resp
}

func (s *statusService) Stats() types.StatsEntry { return s.stats.Snapshot() }

func (s *statusService) Ready() bool { return s.models.Ready() }

// pinnedError rejects reloads while specified_model_id is set.
type pinnedError struct{ model string }

func (e pinnedError) Error() string   { return "model is pinned to " + e.model }
func (e pinnedError) StatusCode() int { return http.StatusConflict }

// RequestReload queues the model for the worker's next iteration, the same
// path a dispatcher advisory takes.
func (s *statusService) RequestReload(modelID string) error {
	if s.pinned != "" {
		return pinnedError{model: s.pinned}
	}
	base, _, _ := strings.Cut(modelID, "#")
	if _, ok := s.catalog.Model(base); !ok {
		return manager.ErrModelNotFound(modelID)
	}
	s.box.Put(modelID)
	return nil
}

// statusServer runs the status endpoint next to the mining loop.
type statusServer struct {
	opts httpapi.Options
	svc  httpapi.Service
	log  zerolog.Logger
}

func (s statusServer) Run(ctx context.Context) {
	err := httpapi.Serve(ctx, s.opts, s.svc)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error().Err(err).Str("addr", s.opts.Addr).Msg("status server stopped")
	}
}

// statusOptions maps the status config onto server options for one device.
func statusOptions(sc config.Status, device int) (httpapi.Options, bool) {
	addr := statusAddr(sc, device)
	if addr == "" {
		return httpapi.Options{}, false
	}
	return httpapi.Options{Addr: addr, MaxBodyBytes: sc.MaxBodyBytes, CORSOrigins: sc.CORSOrigins}, true
}
