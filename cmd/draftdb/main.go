// Command draftdb is a small CLI over the worker driver for inspecting and
// moving DraftDB database files.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Draft-Lab/db/pkg/client"
	"github.com/Draft-Lab/db/pkg/driver"
)

type rootOptions struct {
	Database string
	Verbose  bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "draftdb",
		Short:         "Inspect and move DraftDB database files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.PersistentFlags().BoolVar(&opts.Verbose, "verbose", false, "enable debug logging")
	_ = cmd.MarkPersistentFlagRequired("db")

	cmd.AddCommand(
		newQueryCommand(opts),
		newExecCommand(opts),
		newExportCommand(opts),
		newImportCommand(opts),
		newStatusCommand(opts),
	)
	return cmd
}

func openClient(opts *rootOptions) (*client.Client, error) {
	return client.Open(driver.Config{
		DatabasePath: opts.Database,
		Backend:      driver.BackendWorker,
		Verbose:      opts.Verbose,
	})
}

func newQueryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query <sql> [param...]",
		Short: "Run a query and print rows as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			c, err := openClient(opts)
			if err != nil {
				return err
			}
			defer c.Close(ctx)

			rows, err := c.Query(ctx, args[0], toParams(args[1:])...)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		},
	}
}

func newExecCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <sql> [param...]",
		Short: "Execute a statement for effect",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			c, err := openClient(opts)
			if err != nil {
				return err
			}
			defer c.Close(ctx)
			return c.Run(ctx, args[0], toParams(args[1:])...)
		},
	}
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <out-file>",
		Short: "Serialize the database to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			c, err := openClient(opts)
			if err != nil {
				return err
			}
			defer c.Close(ctx)

			data, err := c.Export(ctx)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d bytes to %s\n", len(data), args[0])
			return nil
		},
	}
}

func newImportCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <in-file>",
		Short: "Replace the database contents from a serialized file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			c, err := openClient(opts)
			if err != nil {
				return err
			}
			defer c.Close(ctx)

			if err := c.Import(ctx, data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d bytes from %s\n", len(data), args[0])
			return nil
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print driver status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			c, err := openClient(opts)
			if err != nil {
				return err
			}
			defer c.Close(ctx)

			if err := c.Ready(ctx); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(c.Status())
		},
	}
}

// toParams passes CLI arguments through as string parameters; SQLite's type
// affinity coerces them per column.
func toParams(args []string) []any {
	params := make([]any, len(args))
	for i, a := range args {
		params[i] = a
	}
	return params
}
