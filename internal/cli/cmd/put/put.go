package put

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/bleepstore/rfstore/internal/cli"
	"github.com/bleepstore/rfstore/internal/container"
	"github.com/bleepstore/rfstore/internal/handlers"
	"github.com/bleepstore/rfstore/internal/record"
	"github.com/bleepstore/rfstore/internal/task"
)

var Command = &cobra.Command{
	Use:   "put <id> [file]",
	Short: "Upload an asset or save a record",
	Long: `This command uploads a file as an asset, or with --type saves a record in
the indexed database.

Field values given with --field are parsed as JSON when they are valid JSON
and kept as strings otherwise. Files given with --attach become asset fields
and are uploaded next to the record.

Usage examples:

1. Upload a file:

	rfstore put docs/report.pdf ./report.pdf

2. Create a folder:

	rfstore put docs/archive/

3. Data from standard input:

	cat notes.txt | rfstore put docs/notes.txt --stdin

4. Save a record with an attachment:

	rfstore put n1 --type Note --field title=groceries --field pinned=true --attach photo=./photo.jpg

`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cli.Container(cmd.Context())
		if err != nil {
			return err
		}
		if opts.Type != "" {
			if len(args) > 1 {
				return errors.New("records take fields, not a file argument")
			}
			return saveRecord(cmd, c, record.ID(args[0]))
		}
		var path string
		if len(args) == 2 {
			path = args[1]
		}
		return upload(cmd, c, record.AssetID(args[0]), path)
	},
}

func upload(cmd *cobra.Command, c *container.Container, id record.AssetID, path string) error {
	a := record.NewAsset(id, "")
	if opts.ModificationDate != "" {
		t, err := time.Parse(time.RFC3339, opts.ModificationDate)
		if err != nil {
			return fmt.Errorf("parsing --modification-date: %w", err)
		}
		a.ModificationDate = t
	}

	switch {
	case id.IsFolder():
		if path != "" || opts.FromStdin {
			return errors.New("a folder takes no content")
		}
	case path != "":
		a.Path = path
	case opts.FromStdin:
		tmp, err := spool(c, cmd.InOrStdin())
		if err != nil {
			return err
		}
		defer c.Options().Fs.Remove(tmp)
		a.Path = tmp
	default:
		return errors.New("a file path or --stdin is required")
	}

	saved, err := send(cmd, c, a)
	if err != nil {
		return err
	}
	cli.Print(cmd, saved.ID, saved.EntityTag)
	return nil
}

// send uploads a as its own operation group and waits for it.
func send(cmd *cobra.Command, c *container.Container, a *record.Asset) (*record.Asset, error) {
	g := c.NewGroup("put " + string(a.ID))
	defer c.Release(g)
	if size, ok := a.Size(c.Options().Fs); ok {
		g.ExpectedSendSize = task.EstimateTransferSize(size)
	}

	type result struct {
		asset *record.Asset
		err   error
	}
	done := make(chan result, 1)
	t := c.SaveAsset(cmd.Context(), a, container.SaveAssetHandlers{
		Progress: func(fraction float64) {
			if opts.Progress {
				fmt.Fprintf(cmd.ErrOrStderr(), "\r%s %3.0f%%", a.ID, fraction*100)
			}
		},
		Completion: func(saved *record.Asset, err error) {
			done <- result{saved, err}
		},
	})
	c.Join(g, t)
	slog.Debug("upload started", "group", g.Name, "expected_size", g.ExpectedSendSize.String())

	res := <-done
	if opts.Progress {
		fmt.Fprintln(cmd.ErrOrStderr())
	}
	if res.asset == nil && res.err == nil {
		if err := cmd.Context().Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("upload cancelled")
	}
	return res.asset, res.err
}

func spool(c *container.Container, r io.Reader) (string, error) {
	o := c.Options()
	if err := o.Fs.MkdirAll(o.TempDir, 0o755); err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}
	f, err := afero.TempFile(o.Fs, o.TempDir, "rfstore-stdin-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	_, err = io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = o.Fs.Remove(f.Name())
		return "", fmt.Errorf("reading standard input: %w", err)
	}
	return f.Name(), nil
}

func saveRecord(cmd *cobra.Command, c *container.Container, id record.ID) error {
	r := record.New(opts.Type, id)
	for _, kv := range opts.Fields {
		key, value, err := cli.ParseAssignment("field", kv)
		if err != nil {
			return err
		}
		if key == record.FieldRecordType || key == record.FieldRecordID {
			return fmt.Errorf("--field %q: %s is reserved", kv, key)
		}
		r.Set(key, value)
	}
	for _, kv := range opts.Attach {
		key, path, ok := strings.Cut(kv, "=")
		if !ok || key == "" || path == "" {
			return fmt.Errorf("--attach %q: want key=path", kv)
		}
		if err := record.CheckReferenceParts(opts.Type, id, key); err != nil {
			return fmt.Errorf("--attach %q: %w", kv, err)
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("--attach %q: %w", kv, err)
		}
		r.Set(key, record.NewAsset("", path))
	}

	saved, err := c.Save(cmd.Context(), r)
	if err != nil {
		return err
	}
	return cli.PrintJSON(cmd, handlers.NewRecordBody(saved))
}
