package export

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bleepstore/rfstore/internal/cli"
	"github.com/bleepstore/rfstore/internal/container"
	"github.com/bleepstore/rfstore/internal/serialization"
)

var Command = &cobra.Command{
	Use:   "export",
	Short: "Export the indexed database as JSON lines",
	Long: `This command writes every record item of the indexed database as JSON
lines. The first line is a header; each following line is one item in
DynamoDB JSON form, so the dump loads into any database engine.

Usage examples:

1. Export everything to a file:

	rfstore export -o records.jsonl

2. Export some record types:

	rfstore export --types Note,Task > notes.jsonl

`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := cli.Container(cmd.Context())
		if err != nil {
			return err
		}
		svc, err := c.Services(cmd.Context())
		if err != nil {
			return err
		}
		if svc.Database == nil {
			return container.ErrNoDatabase
		}

		var w io.Writer = cmd.OutOrStdout()
		if opts.Output != "-" {
			f, err := os.Create(opts.Output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		n, err := serialization.Export(cmd.Context(), svc.Database, w, &serialization.ExportOptions{
			RecordTypes: opts.RecordTypes,
			DatabaseID:  c.DatabaseID,
		})
		if err != nil {
			return err
		}
		slog.Info("Export finished", "items", n, "database", c.DatabaseID)
		return nil
	},
}
