// statebridge moves sandbox state in and out of a directory tree.
//
// Commands:
//
//	statebridge push      Materialize a snapshot archive into a directory
//	statebridge pull      Drain a directory into a snapshot archive
//	statebridge ls        List the entries of a snapshot archive
//	statebridge session   Begin, end and manage named sessions
//	statebridge snapshot  Inspect and remove stored snapshots
//	statebridge export    Copy a session's snapshot to a bucket or image tarball
//	statebridge import    Seed a session from a bucket
//	statebridge seed      Seed a session from an OCI image
//	statebridge gc        Remove stale workspaces
//	statebridge version   Print the version
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/xfeldman/statebridge/internal/config"
	"github.com/xfeldman/statebridge/internal/logging"
	"github.com/xfeldman/statebridge/internal/mount"
	"github.com/xfeldman/statebridge/internal/registry"
	"github.com/xfeldman/statebridge/internal/secrets"
	"github.com/xfeldman/statebridge/internal/session"
	"github.com/xfeldman/statebridge/internal/version"
)

const (
	flagConfig    = "config"
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "statebridge: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:                 "statebridge",
		Usage:                "persist sandbox filesystem state between sessions",
		Version:              version.Version(),
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "path to the TOML configuration file",
				Value:   config.DefaultPath(),
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "override the configured log level",
			},
			&cli.StringFlag{
				Name:  flagLogFormat,
				Usage: "override the configured log format (text or json)",
			},
		},
		Commands: []*cli.Command{
			newPushCommand(),
			newPullCommand(),
			newLsCommand(),
			newSessionCommand(),
			newSnapshotCommand(),
			newExportCommand(),
			newImportCommand(),
			newSeedCommand(),
			newGCCommand(),
			newVersionCommand(),
		},
	}
}

// env is the per-invocation runtime: configuration, logger and, once
// opened, the registry and session manager.
type env struct {
	cfg *config.Config
	log *logrus.Logger
	db  *registry.DB
	ws  *mount.Workspaces
	mgr *session.Manager
}

// loadEnv reads configuration and builds the logger. Commands that do not
// touch the registry stop here.
func loadEnv(ctx *cli.Context) (*env, error) {
	cfg, err := config.Load(ctx.String(flagConfig))
	if err != nil {
		return nil, err
	}
	if lvl := ctx.String(flagLogLevel); lvl != "" {
		cfg.LogLevel = lvl
	}
	if format := ctx.String(flagLogFormat); format != "" {
		cfg.LogFormat = format
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, ctx.App.ErrWriter)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log}, nil
}

// openEnv is loadEnv plus the registry, workspaces and session manager.
// The caller closes the returned env.
func openEnv(ctx *cli.Context) (*env, error) {
	e, err := loadEnv(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("create data dirs: %w", err)
	}
	backend, err := mount.ParseKind(e.cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	sealer, err := loadSealer(e.cfg)
	if err != nil {
		return nil, err
	}

	e.db, err = registry.Open(e.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	e.ws = mount.NewWorkspaces(e.cfg.WorkspacesDir)
	e.mgr = session.NewManager(e.db, mount.NewTable(e.ws, e.log), session.Options{
		Base:            e.cfg.Base,
		Backend:         backend,
		KeepSnapshots:   e.cfg.KeepSnapshots,
		RejectTraversal: e.cfg.RejectTraversal,
		LenientStat:     e.cfg.LenientStat,
		Sealer:          sealer,
		Seal:            e.cfg.SealSnapshots,
	}, e.log)
	return e, nil
}

// loadSealer returns the master key sealer. With sealing off, an existing
// key is still loaded so older sealed snapshots stay readable.
func loadSealer(cfg *config.Config) (*secrets.Sealer, error) {
	if cfg.SealSnapshots {
		return secrets.LoadOrCreate(cfg.KeyPath)
	}
	s, err := secrets.Load(cfg.KeyPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return s, err
}

func (e *env) Close() {
	if e.db != nil {
		e.db.Close()
	}
}

// requireArgs fails unless exactly n positional arguments were given.
func requireArgs(ctx *cli.Context, n int, usage string) error {
	if ctx.NArg() != n {
		return cli.Exit(fmt.Sprintf("usage: statebridge %s %s", ctx.Command.FullName(), usage), 2)
	}
	return nil
}

func newGCCommand() *cli.Command {
	return &cli.Command{
		Name:  "gc",
		Usage: "remove incomplete and drained workspaces",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "older-than",
				Usage: "minimum age of a drained workspace (default: configured stale_after)",
			},
		},
		Action: func(ctx *cli.Context) error {
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			maxAge := ctx.Duration("older-than")
			if maxAge == 0 {
				maxAge = time.Duration(e.cfg.StaleAfter)
			}
			sessions, err := e.mgr.Sessions()
			if err != nil {
				return err
			}
			active := make(map[string]bool)
			for _, s := range sessions {
				if s.State == registry.StateActive {
					active[s.ID] = true
				}
			}
			removed := e.ws.CleanStale(maxAge, func(id string) bool { return active[id] }, e.log)
			fmt.Fprintf(ctx.App.Writer, "removed %d workspace(s)\n", len(removed))
			return nil
		},
	}
}

func newVersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print the version",
		Action: func(ctx *cli.Context) error {
			fmt.Fprintf(ctx.App.Writer, "statebridge %s\n", version.Version())
			return nil
		},
	}
}
