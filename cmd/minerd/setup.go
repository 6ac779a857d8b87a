package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"minerd/internal/common/fsutil"
	"minerd/internal/config"
	"minerd/internal/transport"
)

// loadConfig reads, defaults and validates the config file.
func loadConfig(g *globalFlags) (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger: console output on a terminal, JSON
// otherwise, teed into the per-miner log file when one is configured. The
// returned closer releases the file.
func newLogger(lc config.Logging, minerID string, stderr io.Writer) (zerolog.Logger, io.Closer, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var out io.Writer = stderr
	if useConsole(lc.Format, stderr) {
		out = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}
	}
	var closer io.Closer = nopCloser{}
	if path := logFilePath(lc.File, minerID); path != "" {
		f, err := openLogFile(path)
		if err != nil {
			return zerolog.Nop(), closer, err
		}
		out = zerolog.MultiLevelWriter(out, f)
		closer = f
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func useConsole(format string, w io.Writer) bool {
	switch strings.ToLower(format) {
	case "console", "text":
		return true
	case "json":
		return false
	}
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// logFilePath substitutes {miner_id}; an empty template or a template that
// needs an id nobody supplied disables the file.
func logFilePath(tmpl, minerID string) string {
	if tmpl == "" {
		return ""
	}
	if strings.Contains(tmpl, "{miner_id}") {
		if minerID == "" {
			return ""
		}
		tmpl = strings.ReplaceAll(tmpl, "{miner_id}", minerID)
	}
	return tmpl
}

func openLogFile(path string) (*os.File, error) {
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	if _, err := fsutil.EnsureDir(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func newClient(cfg config.Config, log zerolog.Logger) *transport.Client {
	return transport.New(transport.Options{
		Timeout:    cfg.Network.RequestTimeout(),
		MaxRetries: cfg.Network.MaxRetries,
		Logger:     log,
	})
}

// expandDir resolves a configured directory and creates it.
func expandDir(dir string) (string, error) { return fsutil.EnsureDir(dir, 0o755) }

// statsPath is per kind and device so concurrent workers never share a file.
func statsPath(dir, kind string, device int) string {
	return filepath.Join(dir, fmt.Sprintf("%s-miner-stats-%d.json", kind, device))
}

// modelType is the model family advertised to the dispatcher.
func modelType(kind string) string {
	if kind == config.BackendLLM {
		return "LLM"
	}
	return "SD"
}
