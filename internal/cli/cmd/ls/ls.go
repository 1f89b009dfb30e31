package ls

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/bleepstore/rfstore/internal/cli"
	"github.com/bleepstore/rfstore/internal/container"
	"github.com/bleepstore/rfstore/internal/handlers"
	"github.com/bleepstore/rfstore/internal/record"
)

var Command = &cobra.Command{
	Use:   "ls [prefix]",
	Short: "List records",
	Long: `This command lists the records of the container.

Without --type the blob store is listed; with a delimiter, keys sharing a
folder are grouped into one folder record.

Usage examples:

1. Top level of the blob store:

	rfstore ls --delimiter /

2. Every record of a type, as JSON:

	rfstore ls --type Note --all --json

3. Pinned notes that are not archived:

	rfstore ls --type Note --where pinned=true --exclude archived=true

`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var prefix string
		if len(args) == 1 {
			prefix = args[0]
		}
		if opts.Type != "" && prefix != "" {
			return errors.New("a prefix only applies to blob store listings")
		}
		if opts.Type == "" && opts.Cursor == "" && len(opts.Where)+len(opts.Exclude)+len(opts.Has) > 0 {
			return errors.New("--where, --exclude and --has need --type")
		}
		return runCommand(cmd, prefix)
	},
}

func runCommand(cmd *cobra.Command, prefix string) error {
	c, err := cli.Container(cmd.Context())
	if err != nil {
		return err
	}

	predicate, err := filter()
	if err != nil {
		return err
	}

	var (
		q      *record.Query
		cursor *record.Cursor
	)
	switch {
	case opts.Cursor != "":
		if cursor, err = container.DecodeCursor(opts.Cursor, predicate); err != nil {
			return err
		}
	case opts.Type == "":
		q = record.NewStorageQuery(prefix, opts.Delimiter, record.ID(opts.StartAfter)).WithResultsLimit(opts.Limit)
	default:
		q = record.NewQuery(opts.Type, predicate).WithResultsLimit(opts.Limit)
	}

	var all []*record.Record
	for {
		records, next, err := c.Perform(cmd.Context(), q, cursor)
		if err != nil {
			return err
		}
		all = append(all, records...)
		q, cursor = nil, next
		if cursor == nil || !opts.All {
			break
		}
	}

	if opts.JSON {
		bodies := make([]handlers.RecordBody, len(all))
		for i, r := range all {
			bodies[i] = handlers.NewRecordBody(r)
		}
		return cli.PrintJSON(cmd, bodies)
	}
	for _, r := range all {
		modified := "-"
		if !r.ModificationDate.IsZero() {
			modified = r.ModificationDate.UTC().Format(time.RFC3339)
		}
		cli.Printf(cmd, "%-20s  %-12s  %s\n", modified, r.Type, r.ID)
	}
	if cursor != nil {
		token, err := container.EncodeCursor(cursor)
		if err != nil {
			return err
		}
		cli.Printf(cmd, "more results; continue with --all or --cursor %s\n", token)
	}
	return nil
}

// filter builds the predicate of a typed query from --where, --exclude and
// --has. Nil matches everything.
func filter() (record.Predicate, error) {
	var (
		match    []record.Predicate
		excluded []record.Predicate
	)
	for _, kv := range opts.Where {
		key, value, err := cli.ParseAssignment("where", kv)
		if err != nil {
			return nil, err
		}
		match = append(match, record.Equal(key, value))
	}
	for _, key := range opts.Has {
		match = append(match, record.Exists(key))
	}
	for _, kv := range opts.Exclude {
		key, value, err := cli.ParseAssignment("exclude", kv)
		if err != nil {
			return nil, err
		}
		excluded = append(excluded, record.Equal(key, value))
	}
	if len(excluded) > 0 {
		match = append(match, record.Not(record.Or(excluded...)))
	}
	if len(match) == 0 {
		return nil, nil
	}
	return record.And(match...), nil
}
