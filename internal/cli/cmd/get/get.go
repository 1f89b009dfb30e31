package get

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bleepstore/rfstore/internal/cli"
	"github.com/bleepstore/rfstore/internal/container"
	"github.com/bleepstore/rfstore/internal/handlers"
	"github.com/bleepstore/rfstore/internal/record"
)

var Command = &cobra.Command{
	Use:   "get <id>",
	Short: "Fetch a record or download an asset",
	Long: `This command fetches one record and prints it as JSON. Asset references
are resolved and reported with their entity tags.

With --asset the argument is an asset key and its bytes are written to the
output file, or to standard output.

Usage examples:

1. Print a record:

	rfstore get n1

2. Download an asset:

	rfstore get --asset docs/report.pdf -o report.pdf

`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cli.Container(cmd.Context())
		if err != nil {
			return err
		}
		if opts.Asset {
			return download(cmd, c, record.AssetID(args[0]))
		}
		return fetch(cmd, c, record.ID(args[0]))
	},
}

func fetch(cmd *cobra.Command, c *container.Container, id record.ID) error {
	r, err := c.Fetch(cmd.Context(), id)
	if r != nil {
		for _, a := range r.Assets() {
			defer c.Discard(a)
		}
	}
	if err != nil {
		return err
	}
	return cli.PrintJSON(cmd, handlers.NewRecordBody(r))
}

func download(cmd *cobra.Command, c *container.Container, id record.AssetID) error {
	if id.IsFolder() {
		return fmt.Errorf("%s is a folder; use ls to list it", id)
	}
	a, err := c.Download(cmd.Context(), id)
	if err != nil {
		return err
	}
	defer c.Discard(a)

	src, err := c.Options().Fs.Open(a.Path)
	if err != nil {
		return fmt.Errorf("opening downloaded asset: %w", err)
	}
	defer src.Close()

	var dst io.Writer = cmd.OutOrStdout()
	if opts.Output != "" && opts.Output != "-" {
		f, err := os.Create(opts.Output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		dst = f
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("writing asset: %w", err)
	}
	return nil
}
