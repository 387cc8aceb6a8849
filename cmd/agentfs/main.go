// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

// Agentfs is the control CLI for the agentfs daemon: snapshot
// management, fork and rollback, diagnostics, and ad-hoc file access
// over the daemon socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/agentfs-foundation/agentfs/client"
	"github.com/agentfs-foundation/agentfs/cmd/agentfs/cli"
	"github.com/agentfs-foundation/agentfs/lib/version"
	"github.com/agentfs-foundation/agentfs/protocol"
)

const defaultSocket = "/run/agentfs/agentfs.sock"

func main() {
	root := &cli.Command{
		Name:    "agentfs",
		Summary: "Control CLI for the agentfs overlay filesystem daemon.",
		Subcommands: []*cli.Command{
			snapshotCommand(),
			mountCommand(),
			forkCommand(),
			rollbackCommand(),
			statsCommand(),
			lsCommand(),
			catCommand(),
			watchCommand(),
			versionCommand(),
		},
	}
	if err := root.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// socketFlag adds the shared --socket flag to a flag set.
func socketFlag(flagSet *pflag.FlagSet) *string {
	return flagSet.String("socket", defaultSocket, "daemon socket path")
}

// connect dials the daemon with an interrupt-aware context.
func connect(socket string) (context.Context, context.CancelFunc, *client.Client, error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c, err := client.Dial(dialCtx, socket)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, stop, c, nil
}

func snapshotCommand() *cli.Command {
	return &cli.Command{
		Name:    "snapshot",
		Summary: "Create, list, delete, and export snapshots.",
		Subcommands: []*cli.Command{
			snapshotCreateCommand(),
			snapshotListCommand(),
			snapshotDeleteCommand(),
			snapshotExportCommand(),
		},
	}
}

func snapshotCreateCommand() *cli.Command {
	flagSet := pflag.NewFlagSet("create", pflag.ContinueOnError)
	socket := socketFlag(flagSet)
	name := flagSet.String("name", "", "human-readable snapshot name")
	return &cli.Command{
		Name:    "create",
		Summary: "Freeze a mount's writable layer into a snapshot.",
		Usage:   "agentfs snapshot create <mount-id> [--name <name>]",
		Flags:   func() *pflag.FlagSet { return flagSet },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one mount id")
			}
			ctx, stop, c, err := connect(*socket)
			if err != nil {
				return err
			}
			defer stop()
			defer c.Close()
			snapshotID, err := c.SnapshotCreate(ctx, args[0], *name)
			if err != nil {
				return err
			}
			fmt.Println(snapshotID)
			return nil
		},
	}
}

func snapshotListCommand() *cli.Command {
	flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
	socket := socketFlag(flagSet)
	mountID := flagSet.String("mount", "", "only snapshots taken from this mount")
	return &cli.Command{
		Name:    "list",
		Summary: "List snapshots.",
		Usage:   "agentfs snapshot list [--mount <mount-id>]",
		Flags:   func() *pflag.FlagSet { return flagSet },
		Run: func(args []string) error {
			ctx, stop, c, err := connect(*socket)
			if err != nil {
				return err
			}
			defer stop()
			defer c.Close()
			snapshots, err := c.SnapshotList(ctx, *mountID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "SNAPSHOT\tPARENT\tNAME\tCREATED")
			for _, snapshot := range snapshots {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					snapshot.SnapshotID,
					snapshot.ParentID,
					snapshot.Name,
					time.Unix(0, snapshot.CreatedNano).Format(time.RFC3339),
				)
			}
			return tw.Flush()
		},
	}
}

func snapshotDeleteCommand() *cli.Command {
	flagSet := pflag.NewFlagSet("delete", pflag.ContinueOnError)
	socket := socketFlag(flagSet)
	return &cli.Command{
		Name:    "delete",
		Summary: "Delete a snapshot with no live references.",
		Usage:   "agentfs snapshot delete <snapshot-id>",
		Flags:   func() *pflag.FlagSet { return flagSet },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one snapshot id")
			}
			ctx, stop, c, err := connect(*socket)
			if err != nil {
				return err
			}
			defer stop()
			defer c.Close()
			return c.SnapshotDelete(ctx, args[0])
		},
	}
}

func snapshotExportCommand() *cli.Command {
	flagSet := pflag.NewFlagSet("export", pflag.ContinueOnError)
	socket := socketFlag(flagSet)
	return &cli.Command{
		Name:    "export",
		Summary: "Write a snapshot's merged view as a zstd tar archive.",
		Usage:   "agentfs snapshot export <snapshot-id> <output-path>",
		Flags:   func() *pflag.FlagSet { return flagSet },
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected snapshot id and output path")
			}
			ctx, stop, c, err := connect(*socket)
			if err != nil {
				return err
			}
			defer stop()
			defer c.Close()
			return c.SnapshotExport(ctx, args[0], args[1])
		},
	}
}

func mountCommand() *cli.Command {
	return &cli.Command{
		Name:        "mount",
		Summary:     "Manage mounts.",
		Subcommands: []*cli.Command{mountRemoveCommand()},
	}
}

func mountRemoveCommand() *cli.Command {
	flagSet := pflag.NewFlagSet("remove", pflag.ContinueOnError)
	socket := socketFlag(flagSet)
	return &cli.Command{
		Name:    "remove",
		Summary: "Delete a mount with no open handles.",
		Usage:   "agentfs mount remove <mount-id>",
		Flags:   func() *pflag.FlagSet { return flagSet },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one mount id")
			}
			ctx, stop, c, err := connect(*socket)
			if err != nil {
				return err
			}
			defer stop()
			defer c.Close()
			return c.MountRemove(ctx, args[0])
		},
	}
}

func forkCommand() *cli.Command {
	flagSet := pflag.NewFlagSet("fork", pflag.ContinueOnError)
	socket := socketFlag(flagSet)
	return &cli.Command{
		Name:    "fork",
		Summary: "Create a new writable mount from a snapshot.",
		Usage:   "agentfs fork <snapshot-id>",
		Flags:   func() *pflag.FlagSet { return flagSet },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one snapshot id")
			}
			ctx, stop, c, err := connect(*socket)
			if err != nil {
				return err
			}
			defer stop()
			defer c.Close()
			mountID, err := c.Fork(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(mountID)
			return nil
		},
	}
}

func rollbackCommand() *cli.Command {
	flagSet := pflag.NewFlagSet("rollback", pflag.ContinueOnError)
	socket := socketFlag(flagSet)
	return &cli.Command{
		Name:    "rollback",
		Summary: "Discard a mount's changes since a snapshot.",
		Usage:   "agentfs rollback <mount-id> <snapshot-id>",
		Flags:   func() *pflag.FlagSet { return flagSet },
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected mount id and snapshot id")
			}
			ctx, stop, c, err := connect(*socket)
			if err != nil {
				return err
			}
			defer stop()
			defer c.Close()
			return c.Rollback(ctx, args[0], args[1])
		},
	}
}

func statsCommand() *cli.Command {
	flagSet := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	socket := socketFlag(flagSet)
	return &cli.Command{
		Name:    "stats",
		Summary: "Show a mount's diagnostics counters.",
		Usage:   "agentfs stats <mount-id>",
		Flags:   func() *pflag.FlagSet { return flagSet },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one mount id")
			}
			ctx, stop, c, err := connect(*socket)
			if err != nil {
				return err
			}
			defer stop()
			defer c.Close()
			stats, err := c.MountStats(ctx, args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintf(tw, "mount\t%s\n", stats.MountID)
			fmt.Fprintf(tw, "layers\t%d\n", stats.Layers)
			fmt.Fprintf(tw, "open handles\t%d\n", stats.OpenHandles)
			fmt.Fprintf(tw, "whiteouts\t%d\n", stats.Whiteouts)
			fmt.Fprintf(tw, "snapshots\t%d\n", stats.Snapshots)
			fmt.Fprintf(tw, "copy-ups\t%d\n", stats.CopyUps)
			return tw.Flush()
		},
	}
}

func lsCommand() *cli.Command {
	flagSet := pflag.NewFlagSet("ls", pflag.ContinueOnError)
	socket := socketFlag(flagSet)
	return &cli.Command{
		Name:    "ls",
		Summary: "List a directory's merged entries.",
		Usage:   "agentfs ls <mount-id> <path>",
		Flags:   func() *pflag.FlagSet { return flagSet },
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected mount id and path")
			}
			ctx, stop, c, err := connect(*socket)
			if err != nil {
				return err
			}
			defer stop()
			defer c.Close()
			entries, err := c.Readdir(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			for _, entry := range entries {
				name := entry.Name
				if entry.EntryType == protocol.EntryTypeDir {
					name += "/"
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\n", name, entry.Size,
					time.Unix(0, entry.MtimeNano).Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func catCommand() *cli.Command {
	flagSet := pflag.NewFlagSet("cat", pflag.ContinueOnError)
	socket := socketFlag(flagSet)
	return &cli.Command{
		Name:    "cat",
		Summary: "Print a file's contents.",
		Usage:   "agentfs cat <mount-id> <path>",
		Flags:   func() *pflag.FlagSet { return flagSet },
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected mount id and path")
			}
			ctx, stop, c, err := connect(*socket)
			if err != nil {
				return err
			}
			defer stop()
			defer c.Close()

			handle, err := c.Open(ctx, args[0], args[1], protocol.OpenRead, 0)
			if err != nil {
				return err
			}
			defer c.CloseHandle(ctx, handle)
			for {
				data, eof, err := c.Read(ctx, handle, -1, 256*1024)
				if err != nil {
					return err
				}
				if len(data) > 0 {
					if _, err := os.Stdout.Write(data); err != nil {
						return err
					}
				}
				if eof {
					return nil
				}
			}
		},
	}
}

func watchCommand() *cli.Command {
	flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	socket := socketFlag(flagSet)
	prefix := flagSet.String("prefix", "/", "path prefix to watch")
	return &cli.Command{
		Name:    "watch",
		Summary: "Stream change events for a mount until interrupted.",
		Usage:   "agentfs watch <mount-id> [--prefix <path>]",
		Flags:   func() *pflag.FlagSet { return flagSet },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one mount id")
			}
			ctx, stop, c, err := connect(*socket)
			if err != nil {
				return err
			}
			defer stop()
			defer c.Close()

			watchID, err := c.WatchAdd(ctx, args[0], *prefix)
			if err != nil {
				return err
			}
			defer c.WatchRemove(context.Background(), watchID)

			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-c.Events():
					if !ok {
						return fmt.Errorf("connection closed")
					}
					fmt.Printf("%s\t%s\t%s\n",
						time.Unix(0, event.TimeNano).Format(time.RFC3339Nano),
						event.Change,
						event.Path,
					)
				}
			}
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information.",
		Run: func(args []string) error {
			fmt.Printf("agentfs %s\n", version.Info())
			return nil
		},
	}
}
