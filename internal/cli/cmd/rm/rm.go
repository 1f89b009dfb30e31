package rm

import (
	"github.com/spf13/cobra"

	"github.com/bleepstore/rfstore/internal/cli"
	rferrors "github.com/bleepstore/rfstore/internal/errors"
	"github.com/bleepstore/rfstore/internal/record"
)

var Command = &cobra.Command{
	Use:   "rm <id>...",
	Short: "Delete records or assets",
	Long: `This command deletes records. Without an indexed database the IDs are asset
keys and a folder key deletes the folder with everything under it.

With --asset the IDs are always asset keys, even when the container has an
indexed database.

Usage examples:

1. Delete a folder:

	rfstore rm docs/archive/

2. Delete records:

	rfstore rm n1 n2

`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cli.Container(cmd.Context())
		if err != nil {
			return err
		}

		var failed error
		for _, arg := range args {
			if opts.Asset {
				err = c.RemoveAsset(cmd.Context(), record.AssetID(arg))
			} else {
				err = c.Delete(cmd.Context(), record.ID(arg))
			}
			if err != nil {
				rferrors.Update(&failed, err, arg)
				continue
			}
			cli.Print(cmd, "deleted", arg)
		}
		return failed
	},
}
