package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/staffhub/staffhub/internal/app"
)

// Opener builds the runtime a command operates on.
type Opener func(ctx context.Context) (*app.Runtime, error)

// JobsOpener builds the queue helpers a command operates on.
type JobsOpener func(ctx context.Context) (*JobsCLI, error)

// CacheCommand groups the operator commands acting on the cache store
// directly, without going through the API server.
func CacheCommand(open Opener) *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "inspect and invalidate the permission cache",
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "print one cache entry",
				ArgsUsage: "KEY",
				Action: withRuntime(open, func(ctx context.Context, cmd *cli.Command, rt *app.Runtime) error {
					key := cmd.Args().First()
					if key == "" {
						return errors.New("cache get: key required")
					}
					entry, ok := rt.Cache.Lookup(ctx, key)
					if !ok {
						return fmt.Errorf("cache get: %s: not cached", key)
					}
					out := struct {
						Key       string          `json:"key"`
						Value     json.RawMessage `json:"value"`
						StoredAt  time.Time       `json:"stored_at"`
						ExpiresAt time.Time       `json:"expires_at"`
					}{
						Key:       key,
						Value:     entry.Value,
						StoredAt:  time.UnixMilli(entry.StoredAt).UTC(),
						ExpiresAt: time.UnixMilli(entry.ExpiresAt).UTC(),
					}
					enc := json.NewEncoder(writer(cmd))
					enc.SetIndent("", "  ")
					return enc.Encode(out)
				}),
			},
			{
				Name:  "keys",
				Usage: "list stored keys",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "prefix", Value: "perm:", Usage: "only keys starting with `PREFIX`"},
				},
				Action: withRuntime(open, func(ctx context.Context, cmd *cli.Command, rt *app.Runtime) error {
					keys, err := rt.Store.Keys(ctx, cmd.String("prefix"))
					if err != nil {
						return err
					}
					w := writer(cmd)
					for _, k := range keys {
						fmt.Fprintln(w, k)
					}
					return nil
				}),
			},
			{
				Name:  "invalidate",
				Usage: "drop entries by key, prefix, page, role or user",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key"},
					&cli.StringFlag{Name: "prefix"},
					&cli.StringFlag{Name: "page"},
					&cli.StringFlag{Name: "role"},
					&cli.StringFlag{Name: "user"},
				},
				Action: withRuntime(open, func(ctx context.Context, cmd *cli.Command, rt *app.Runtime) error {
					scope, value, err := singleScope(cmd)
					if err != nil {
						return err
					}
					switch scope {
					case "key":
						err = rt.Cache.Invalidate(ctx, value)
					case "prefix":
						err = rt.Cache.InvalidateByPrefix(ctx, value)
					case "page":
						err = rt.Cache.InvalidatePage(ctx, value)
					case "role":
						err = rt.Cache.InvalidateRole(ctx, value)
					case "user":
						err = rt.Cache.InvalidateUser(ctx, value)
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(writer(cmd), "invalidated %s %s\n", scope, value)
					return nil
				}),
			},
			{
				Name:  "clear",
				Usage: "drop every permission cache entry",
				Action: withRuntime(open, func(ctx context.Context, cmd *cli.Command, rt *app.Runtime) error {
					if err := rt.Cache.Clear(ctx); err != nil {
						return err
					}
					fmt.Fprintln(writer(cmd), "cleared")
					return nil
				}),
			},
		},
	}
}

// JobsCommand groups the commands that enqueue or inspect background jobs.
func JobsCommand(open JobsOpener) *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "enqueue and inspect background jobs",
		Commands: []*cli.Command{
			{
				Name:  "invalidate",
				Usage: "enqueue an invalidation for every instance",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "scope", Value: "all", Usage: "key, prefix, page, role, user or all"},
					&cli.StringFlag{Name: "value"},
				},
				Action: withJobs(open, func(ctx context.Context, cmd *cli.Command, jc *JobsCLI) error {
					info, err := jc.Invalidate(ctx, cmd.String("scope"), cmd.String("value"))
					if err != nil {
						return err
					}
					fmt.Fprintf(writer(cmd), "enqueued %s id=%s\n", info.Type, info.ID)
					return nil
				}),
			},
			{
				Name:  "warmup",
				Usage: "enqueue a cache warmup",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "role", Usage: "role to warm, repeatable"},
				},
				Action: withJobs(open, func(ctx context.Context, cmd *cli.Command, jc *JobsCLI) error {
					info, err := jc.Warmup(ctx, cmd.StringSlice("role"))
					if err != nil {
						return err
					}
					fmt.Fprintf(writer(cmd), "enqueued %s id=%s\n", info.Type, info.ID)
					return nil
				}),
			},
			{
				Name:  "stats",
				Usage: "print queue statistics and scheduled tasks",
				Action: withJobs(open, func(ctx context.Context, cmd *cli.Command, jc *JobsCLI) error {
					stats, err := jc.InspectQueue(ctx)
					if err != nil {
						return err
					}
					w := writer(cmd)
					fmt.Fprintf(w, "queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
						stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
					scheduled, err := jc.ListScheduled(ctx, 10)
					if err != nil {
						return err
					}
					for _, t := range scheduled {
						fmt.Fprintf(w, "%s %s next=%s\n", t.ID, t.Type, t.NextProcessAt.Format(time.RFC3339))
					}
					return nil
				}),
			},
		},
	}
}

func singleScope(cmd *cli.Command) (string, string, error) {
	var scope, value string
	for _, name := range []string{"key", "prefix", "page", "role", "user"} {
		v := strings.TrimSpace(cmd.String(name))
		if v == "" {
			continue
		}
		if scope != "" {
			return "", "", fmt.Errorf("cache invalidate: --%s and --%s are exclusive", scope, name)
		}
		scope, value = name, v
	}
	if scope == "" {
		return "", "", errors.New("cache invalidate: one of --key, --prefix, --page, --role or --user is required")
	}
	return scope, value, nil
}

func withRuntime(open Opener, fn func(context.Context, *cli.Command, *app.Runtime) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		rt, err := open(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(ctx, cmd, rt)
	}
}

func withJobs(open JobsOpener, fn func(context.Context, *cli.Command, *JobsCLI) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		jc, err := open(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = jc.Close() }()
		return fn(ctx, cmd, jc)
	}
}

func writer(cmd *cli.Command) io.Writer {
	if root := cmd.Root(); root != nil && root.Writer != nil {
		return root.Writer
	}
	return os.Stdout
}
