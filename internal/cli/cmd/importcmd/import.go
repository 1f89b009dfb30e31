// Package importcmd implements the import command.
package importcmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/bleepstore/rfstore/internal/cli"
	"github.com/bleepstore/rfstore/internal/container"
	"github.com/bleepstore/rfstore/internal/serialization"
)

var Command = &cobra.Command{
	Use:   "import [file]",
	Short: "Import JSON lines made by export",
	Long: `This command loads an export into the indexed database. Items whose record
ID already exists are skipped unless --replace is given, which empties the
database first.

Usage examples:

1. From a file:

	rfstore import records.jsonl

2. From standard input, replacing everything:

	cat records.jsonl | rfstore import --stdin --replace

`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader
		switch {
		case len(args) == 1:
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening input: %w", err)
			}
			defer f.Close()
			r = f
		case opts.FromStdin:
			r = cmd.InOrStdin()
		default:
			return errors.New("a file path or --stdin is required")
		}
		return runCommand(cmd, r)
	},
}

func runCommand(cmd *cobra.Command, r io.Reader) error {
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

	result, err := serialization.Import(cmd.Context(), svc.Database, r, &serialization.ImportOptions{Replace: opts.Replace})
	if result != nil {
		for _, w := range result.Warnings {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
		}
		for _, t := range sortedKeys(result.Counts) {
			cli.Printf(cmd, "%s: %d imported\n", t, result.Counts[t])
		}
		for _, t := range sortedKeys(result.Skipped) {
			if t == "" {
				continue
			}
			cli.Printf(cmd, "%s: %d skipped\n", t, result.Skipped[t])
		}
	}
	return err
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
