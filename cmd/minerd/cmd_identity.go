package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"minerd/internal/config"
	"minerd/internal/identity"
)

func newIdentityCmd(g *globalFlags, stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var minerID string
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the identity wallets that sign results",
	}
	cmd.PersistentFlags().StringVar(&minerID, "miner-id", "", "Miner id to act on (defaults to every MINER_ID_<n>)")

	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Create identity wallets for miner ids that have none",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIdentityGenerate(cmd.Context(), g, minerID, stdout, stderr)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "import",
		Short: "Import the seed phrase of an identity already bound on-chain",
		Long: `Prompt for the seed phrase of the identity wallet bound to the reward
address and store it once it derives the bound identity address. A phrase
that does not match is rejected and the prompt repeats.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIdentityImport(cmd.Context(), g, minerID, stdin, stdout, stderr)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "List local identities and their on-chain binding",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIdentityShow(cmd.Context(), g, minerID, stdout, stderr)
		},
	})
	return cmd
}

// identityEnv is what every identity subcommand needs.
type identityEnv struct {
	mgr   *identity.Manager
	store *identity.Store
	ids   []identity.MinerID
	log   zerolog.Logger
}

func openIdentityEnv(ctx context.Context, g *globalFlags, minerID string, stderr io.Writer) (identityEnv, func(), error) {
	var env identityEnv
	cfg, err := loadConfig(g)
	if err != nil {
		return env, nil, err
	}
	log, closer, err := newLogger(cfg.Logging, "", stderr)
	if err != nil {
		return env, nil, err
	}
	done := func() { _ = closer.Close() }
	env.log = log
	raw := []string{minerID}
	if minerID == "" {
		if raw, err = config.MinerIDs(cfg.System.EnvFile); err != nil {
			done()
			return env, nil, err
		}
		if len(raw) == 0 {
			done()
			return env, nil, errors.New("no miner ids: pass --miner-id or set MINER_ID_<n>")
		}
	}
	for _, r := range raw {
		id, err := identity.ParseMinerID(r)
		if err != nil {
			done()
			return env, nil, err
		}
		env.ids = append(env.ids, id)
	}
	dir, err := expandDir(cfg.Storage.KeysDir)
	if err != nil {
		done()
		return env, nil, err
	}
	env.store = identity.NewStore(dir)
	if env.mgr, err = newIdentityManager(ctx, cfg, log); err != nil {
		done()
		return env, nil, err
	}
	return env, done, nil
}

func runIdentityGenerate(ctx context.Context, g *globalFlags, minerID string, stdout, stderr io.Writer) error {
	env, done, err := openIdentityEnv(ctx, g, minerID, stderr)
	if err != nil {
		return err
	}
	defer done()
	t := newTable(stdout, "MINER ID", "IDENTITY", "RESULT", "FILE")
	var pending int
	for _, id := range env.ids {
		res, err := env.mgr.Resolve(ctx, id)
		switch {
		case err != nil:
			t.Append([]string{id.String(), "-", "error: " + err.Error(), "-"})
		case res.Pending != nil:
			pending++
			t.Append([]string{id.String(), strings.ToLower(res.Pending.BoundAddress.Hex()), "bound, import required", res.Pending.Path})
		case res.Generated:
			t.Append([]string{id.String(), res.Record.IdentityHex(), "generated", res.Record.Path})
		default:
			t.Append([]string{id.String(), res.Record.IdentityHex(), "exists", res.Record.Path})
		}
	}
	t.Render()
	if pending > 0 {
		fmt.Fprintln(stdout, "Run `minerd identity import` for identities that are already bound on-chain.")
	}
	return nil
}

func runIdentityImport(ctx context.Context, g *globalFlags, minerID string, stdin io.Reader, stdout, stderr io.Writer) error {
	env, done, err := openIdentityEnv(ctx, g, minerID, stderr)
	if err != nil {
		return err
	}
	defer done()
	sc := bufio.NewScanner(stdin)
	for _, id := range env.ids {
		if err := importOne(ctx, env.mgr, id, sc, stdout); err != nil {
			return err
		}
	}
	return nil
}

// importOne prompts until the phrase derives the bound address or input ends.
func importOne(ctx context.Context, mgr *identity.Manager, id identity.MinerID, sc *bufio.Scanner, stdout io.Writer) error {
	bound, isBound, err := mgr.VerifyBinding(ctx, id.Reward)
	if err != nil {
		return err
	}
	for {
		if isBound {
			fmt.Fprintf(stdout, "Seed phrase for %s (bound identity %s): ", id, strings.ToLower(bound.Hex()))
		} else {
			fmt.Fprintf(stdout, "Seed phrase for %s: ", id)
		}
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return err
			}
			return fmt.Errorf("no seed phrase entered for %s", id)
		}
		seed := strings.TrimSpace(sc.Text())
		if seed == "" {
			continue
		}
		rec, err := mgr.Import(ctx, id, seed)
		switch {
		case err == nil:
			fmt.Fprintf(stdout, "Imported identity %s into %s\n", rec.IdentityHex(), rec.Path)
			return nil
		case errors.Is(err, identity.ErrSeedMismatch), errors.Is(err, identity.ErrInvalidSeed):
			fmt.Fprintf(stdout, "%v, try again.\n", err)
		default:
			return err
		}
	}
}

func runIdentityShow(ctx context.Context, g *globalFlags, minerID string, stdout, stderr io.Writer) error {
	env, done, err := openIdentityEnv(ctx, g, minerID, stderr)
	if err != nil {
		return err
	}
	defer done()
	t := newTable(stdout, "MINER ID", "LOCAL IDENTITY", "BOUND IDENTITY", "STATUS")
	for _, id := range env.ids {
		local := "-"
		if env.store.Exists(id) {
			if _, addr, err := env.store.Read(id); err == nil {
				local = strings.ToLower(addr.Hex())
			} else {
				local = "unreadable"
			}
		}
		bound, isBound, err := env.mgr.VerifyBinding(ctx, id.Reward)
		boundHex, status := "-", bindingStatus(local, "", false)
		switch {
		case err != nil:
			status = "lookup failed: " + err.Error()
		case isBound:
			boundHex = strings.ToLower(bound.Hex())
			status = bindingStatus(local, boundHex, true)
		}
		t.Append([]string{id.String(), local, boundHex, status})
	}
	t.Render()
	return nil
}

func bindingStatus(local, bound string, isBound bool) string {
	switch {
	case !isBound && local == "-":
		return "missing"
	case !isBound:
		return "unbound"
	case local == "-":
		return "import required"
	case strings.EqualFold(local, bound):
		return "ok"
	default:
		return "mismatch"
	}
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetBorder(false)
	return t
}
