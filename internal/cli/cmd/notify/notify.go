package notify

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bleepstore/rfstore/internal/cli"
	"github.com/bleepstore/rfstore/internal/notification"
)

var Command = &cobra.Command{
	Use:   "notification [file]",
	Short: "Decode push notification payloads",
	Long: `This command decodes push payloads delivered to subscribed devices, one
JSON payload per line, and prints the changes they carry.

With --latest only the newest change of each record is printed.

Usage examples:

	rfstore notification payloads.jsonl --latest

`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening input: %w", err)
			}
			defer f.Close()
			r = f
		}
		return runCommand(cmd, r)
	},
}

func runCommand(cmd *cobra.Command, r io.Reader) error {
	var all []notification.Notification
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		ns, err := notification.Parse(sc.Bytes())
		if errors.Is(err, notification.ErrNoMessage) {
			continue
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		all = append(all, ns...)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	if opts.Latest {
		all = notification.Coalesce(all)
	}
	if opts.JSON {
		return cli.PrintJSON(cmd, all)
	}
	for _, n := range all {
		cli.Printf(cmd, "%s  %-8s  %s  %s\n", n.Date.UTC().Format(time.RFC3339), n.Reason, n.ContainerID, n.RecordID)
	}
	return nil
}
