package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"minerd/internal/config"
	"minerd/internal/registry"
)

func newModelsCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect the model catalog and local weight files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List catalog models and whether they are servable locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runModelsList(cmd.Context(), g, stdout, stderr)
		},
	})
	var only string
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Compare SHA-256 checksums of local weight files with the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runModelsVerify(cmd.Context(), g, only, stdout, stderr)
		},
	}
	verify.Flags().StringVar(&only, "model", "", "Only verify this model")
	cmd.AddCommand(verify)
	return cmd
}

// modelsEnv holds the catalog view used by the models subcommands.
type modelsEnv struct {
	cfg     config.Config
	catalog *registry.Catalog
	dir     string
	log     zerolog.Logger
}

func openModelsEnv(ctx context.Context, g *globalFlags, stderr io.Writer) (modelsEnv, func(), error) {
	var env modelsEnv
	cfg, err := loadConfig(g)
	if err != nil {
		return env, nil, err
	}
	log, closer, err := newLogger(cfg.Logging, "", stderr)
	if err != nil {
		return env, nil, err
	}
	done := func() { _ = closer.Close() }
	env.cfg, env.log = cfg, log
	if env.dir, err = expandDir(cfg.Storage.BaseDir); err != nil {
		done()
		return env, nil, err
	}
	if cfg.Backend.Kind == config.BackendLLM {
		env.catalog = registry.Static(servedModel(cfg), "LLM")
		return env, done, nil
	}
	if env.catalog, err = registry.Fetch(ctx, newClient(cfg, log), sources(cfg.ModelConfig)); err != nil {
		done()
		return env, nil, err
	}
	return env, done, nil
}

func runModelsList(ctx context.Context, g *globalFlags, stdout, stderr io.Writer) error {
	env, done, err := openModelsEnv(ctx, g, stderr)
	if err != nil {
		return err
	}
	defer done()
	local := map[string]bool{}
	if ownsWeights(env.cfg.Backend) {
		ids, err := registry.LocalModelIDs(env.catalog, env.dir, env.log)
		if err != nil {
			return err
		}
		for _, id := range ids {
			local[id] = true
		}
	} else {
		local[servedModel(env.cfg)] = true
	}
	t := newTable(stdout, "MODEL ID", "TYPE", "BASE", "LOCAL")
	for _, m := range env.catalog.Models() {
		id := m.Name
		if m.Base != "" {
			id = m.Base + "#" + m.Name
		}
		t.Append([]string{id, m.Type, dash(m.Base), yesNo(local[id])})
	}
	t.Render()
	return nil
}

func runModelsVerify(ctx context.Context, g *globalFlags, only string, stdout, stderr io.Writer) error {
	env, done, err := openModelsEnv(ctx, g, stderr)
	if err != nil {
		return err
	}
	defer done()
	if !ownsWeights(env.cfg.Backend) {
		fmt.Fprintln(stdout, "Weights are served by the external backend; nothing to verify.")
		return nil
	}
	results, err := registry.VerifyChecksums(env.catalog, env.dir, only, env.log)
	if err != nil {
		return err
	}
	t := newTable(stdout, "FILE", "STATUS", "LOCAL SHA256", "CATALOG SHA256")
	bad := 0
	for _, r := range results {
		if r.Status == registry.ChecksumMismatch || r.Status == registry.ChecksumMissing || r.Status == registry.ChecksumReadError {
			bad++
		}
		t.Append([]string{r.Name, r.Status, dash(r.Local), dash(r.Remote)})
	}
	t.Render()
	if bad > 0 {
		fmt.Fprintf(stdout, "%d of %d files failed verification\n", bad, len(results))
		return errExit
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
