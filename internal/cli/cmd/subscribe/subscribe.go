package subscribe

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bleepstore/rfstore/internal/cli"
	"github.com/bleepstore/rfstore/internal/container"
)

var Command = &cobra.Command{
	Use:   "subscribe",
	Short: "Manage change notification subscriptions",
	Long: `This command registers devices for the change notifications of the
container, or removes their subscriptions. Subscriptions must be enabled in
the config.
`,
}

var addCommand = &cobra.Command{
	Use:   "add",
	Short: "Subscribe a device to a topic",
	Long: `This command creates a device endpoint in the platform application and
subscribes it to the topic. The subscription ARN is printed.

Usage examples:

	rfstore subscribe add --topic arn:aws:sns:us-east-1:123:notes \
		--zone arn:aws:sns:us-east-1:123:app/APNS/notes --token 00ab10ff

`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		token, err := hex.DecodeString(opts.DeviceToken)
		if err != nil || len(token) == 0 {
			return errors.New("--token must be a non-empty hex string")
		}
		c, err := cli.Container(cmd.Context())
		if err != nil {
			return err
		}

		sub := &container.Subscription{ID: opts.Topic, ZoneID: opts.ZoneID, DeviceToken: token}
		type result struct {
			saved []*container.Subscription
			err   error
		}
		done := make(chan result, 1)
		c.SaveSubscriptions(cmd.Context(), []*container.Subscription{sub}, container.SaveSubscriptionsHandlers{
			Completion: func(saved []*container.Subscription, err error) {
				done <- result{saved, err}
			},
		})

		select {
		case res := <-done:
			if res.err != nil {
				return res.err
			}
			for _, s := range res.saved {
				cli.Print(cmd, s.ARN)
			}
			return nil
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		}
	},
}

var removeCommand = &cobra.Command{
	Use:   "remove <subscription-arn>...",
	Short: "Remove subscriptions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cli.Container(cmd.Context())
		if err != nil {
			return err
		}

		type result struct {
			deleted []string
			err     error
		}
		done := make(chan result, 1)
		c.DeleteSubscriptions(cmd.Context(), args, container.DeleteSubscriptionsHandlers{
			Completion: func(deleted []string, err error) {
				done <- result{deleted, err}
			},
		})

		select {
		case res := <-done:
			for _, arn := range res.deleted {
				cli.Print(cmd, "removed", arn)
			}
			if res.err != nil {
				return fmt.Errorf("removing subscriptions: %w", res.err)
			}
			return nil
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		}
	},
}

func init() {
	Command.AddCommand(addCommand, removeCommand)
}
