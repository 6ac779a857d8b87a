package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"minerd/internal/transport"
)

// Syncer fetches the catalogs and downloads weight files missing from disk.
type Syncer struct {
	client  *transport.Client
	src     Sources
	dir     string
	catalog *Catalog
	// Eligible types; empty allows all.
	types map[string]struct{}
	log   zerolog.Logger
}

// NewSyncer wires a syncer that refreshes catalog in place.
func NewSyncer(client *transport.Client, src Sources, dir string, catalog *Catalog, modelTypes []string, log zerolog.Logger) *Syncer {
	s := &Syncer{client: client, src: src, dir: dir, catalog: catalog, log: log.With().Str("component", "model_sync").Logger()}
	if len(modelTypes) > 0 {
		s.types = make(map[string]struct{}, len(modelTypes))
		for _, t := range modelTypes {
			s.types[t] = struct{}{}
		}
	}
	return s
}

func (s *Syncer) eligible(f File) bool {
	if f.URL == "" {
		return false
	}
	if s.types == nil || f.Type == "lora" || strings.Contains(f.Type, "vae") {
		return true
	}
	_, ok := s.types[f.Type]
	return ok
}

// Missing lists eligible catalog files absent from disk.
func (s *Syncer) Missing() ([]File, error) {
	names, err := ScanDir(s.dir)
	if err != nil {
		return nil, err
	}
	local := make(map[string]bool, len(names))
	for _, n := range names {
		local[n] = true
	}
	var out []File
	for _, f := range s.catalog.Files() {
		if !local[f.Name] && s.eligible(f) {
			out = append(out, f)
		}
	}
	return out, nil
}

// Sync refreshes the catalog and downloads missing files. It returns the
// number of files downloaded.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	fresh, err := Fetch(ctx, s.client, s.src)
	if err != nil {
		return 0, err
	}
	s.catalog.replaceFrom(fresh)

	missing, err := s.Missing()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range missing {
		if err := s.download(ctx, f); err != nil {
			s.log.Error().Str("model", f.Name).Err(err).Msg("download failed")
			continue
		}
		n++
	}
	return n, nil
}

// Run syncs every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := s.Sync(ctx); err != nil {
				s.log.Warn().Err(err).Msg("model sync failed")
			} else if n > 0 {
				s.log.Info().Int("downloaded", n).Msg("model sync done")
			}
		}
	}
}

func (s *Syncer) download(ctx context.Context, f File) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return err
	}
	start := time.Now()
	resp, err := s.client.Stream().Do(req)
	if err != nil {
		return errors.Wrapf(err, "GET %s", f.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", f.URL, resp.Status)
	}
	dst := WeightPath(s.dir, f.Name)
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+f.Name+".part-*")
	if err != nil {
		return err
	}
	written, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "write weights")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	s.log.Info().Str("event", "download").Str("model", f.Name).Str("size", humanize.Bytes(uint64(written))).
		Dur("elapsed", time.Since(start)).Msg("model downloaded")
	return nil
}
