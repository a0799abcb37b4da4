package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	cli "github.com/urfave/cli/v2"

	"github.com/xfeldman/statebridge/internal/registry"
)

func newSessionCommand() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "begin, end and manage named sessions",
		Subcommands: []*cli.Command{
			{
				Name:      "begin",
				Usage:     "restore the latest snapshot into the session's filesystem",
				ArgsUsage: "<session>",
				Action: withSession(func(ctx *cli.Context, e *env, id string) error {
					sess, err := e.mgr.Begin(id)
					if err != nil {
						return err
					}
					mnt, err := e.mgr.Mount(id)
					if err != nil {
						return err
					}
					if mnt.Root != "" {
						fmt.Fprintln(ctx.App.Writer, mnt.Root)
					}
					e.log.WithField("session", sess.ID).Debug("session begin: done")
					return nil
				}),
			},
			{
				Name:      "end",
				Usage:     "drain the session's filesystem into a new snapshot",
				ArgsUsage: "<session>",
				Action: withSession(func(ctx *cli.Context, e *env, id string) error {
					rec, err := e.mgr.End(id)
					if err != nil {
						return err
					}
					fmt.Fprintf(ctx.App.Writer, "%s  %d file(s)  %s\n", rec.ID, rec.FileCount, humanize.Bytes(uint64(rec.Size)))
					return nil
				}),
			},
			{
				Name:  "list",
				Usage: "list registered sessions",
				Action: func(ctx *cli.Context) error {
					e, err := openEnv(ctx)
					if err != nil {
						return err
					}
					defer e.Close()

					sessions, err := e.mgr.Sessions()
					if err != nil {
						return err
					}
					table := newTable(ctx.App.Writer, "Session", "State", "Backend", "Base", "Updated")
					for _, s := range sessions {
						table.Append([]string{s.ID, s.State, s.Backend, s.Base, humanize.Time(s.UpdatedAt)})
					}
					table.Render()
					return nil
				},
			},
			{
				Name:      "rm",
				Usage:     "delete an idle session with its snapshots and workspace",
				ArgsUsage: "<session>",
				Action: withSession(func(ctx *cli.Context, e *env, id string) error {
					return e.mgr.Delete(id)
				}),
			},
		},
	}
}

func newSnapshotCommand() *cli.Command {
	return &cli.Command{
		Name:  "snapshot",
		Usage: "inspect and remove stored snapshots",
		Subcommands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "list the snapshots of a session, newest first",
				ArgsUsage: "<session>",
				Action: withSession(func(ctx *cli.Context, e *env, id string) error {
					snaps, err := e.mgr.Snapshots(id)
					if err != nil {
						return err
					}
					table := newTable(ctx.App.Writer, "Snapshot", "Files", "Size", "Digest", "Created")
					for _, s := range snaps {
						table.Append([]string{
							s.ID,
							fmt.Sprint(s.FileCount),
							humanize.Bytes(uint64(s.Size)),
							shortDigest(s.Digest),
							humanize.Time(s.CreatedAt),
						})
					}
					table.Render()
					return nil
				}),
			},
			{
				Name:      "show",
				Usage:     "list the entries of a stored snapshot",
				ArgsUsage: "<snapshot-id>",
				Action: withSession(func(ctx *cli.Context, e *env, id string) error {
					rec, err := getSnapshot(e, id)
					if err != nil {
						return err
					}
					snap, err := e.mgr.Decode(rec)
					if err != nil {
						return err
					}
					printSnapshot(ctx.App.Writer, snap)
					return nil
				}),
			},
			{
				Name:      "rm",
				Usage:     "delete a stored snapshot",
				ArgsUsage: "<snapshot-id>",
				Action: withSession(func(ctx *cli.Context, e *env, id string) error {
					if _, err := getSnapshot(e, id); err != nil {
						return err
					}
					return e.db.DeleteSnapshot(id)
				}),
			},
		},
	}
}

// withSession opens the environment and passes the single positional
// argument to fn.
func withSession(fn func(ctx *cli.Context, e *env, id string) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		if err := requireArgs(ctx, 1, ctx.Command.ArgsUsage); err != nil {
			return err
		}
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(ctx, e, ctx.Args().First())
	}
}

func getSnapshot(e *env, id string) (*registry.Snapshot, error) {
	rec, err := e.db.GetSnapshot(id)
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("snapshot %s not found", id)
	}
	return rec, nil
}

func shortDigest(d string) string {
	const n = len("sha256:") + 12
	if len(d) > n {
		return d[:n]
	}
	return d
}
