// Package main is the entry point for rfstore, the record container server
// and command-line client.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bleepstore/rfstore/internal/cli"
	"github.com/bleepstore/rfstore/internal/cli/cmd/export"
	"github.com/bleepstore/rfstore/internal/cli/cmd/get"
	"github.com/bleepstore/rfstore/internal/cli/cmd/importcmd"
	"github.com/bleepstore/rfstore/internal/cli/cmd/ls"
	"github.com/bleepstore/rfstore/internal/cli/cmd/notify"
	"github.com/bleepstore/rfstore/internal/cli/cmd/put"
	"github.com/bleepstore/rfstore/internal/cli/cmd/rm"
	"github.com/bleepstore/rfstore/internal/cli/cmd/serve"
	"github.com/bleepstore/rfstore/internal/cli/cmd/subscribe"
	"github.com/bleepstore/rfstore/internal/config"
	"github.com/bleepstore/rfstore/internal/container"
	"github.com/bleepstore/rfstore/internal/logging"
)

type rootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	Container  string
	Database   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	var c *container.Container

	root := &cobra.Command{
		Use:           "rfstore",
		Short:         "Record containers over blob stores and indexed databases",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())

			c = container.FromConfig(cfg)
			ctx := cli.WithConfig(cmd.Context(), cfg)
			cmd.SetContext(cli.WithContainer(ctx, c))
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c == nil {
				return nil
			}
			return c.Close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.ConfigPath, "config", "rfstore.yaml",
		"Path to the configuration file. Built-in defaults apply when the default file is missing.")
	flags.StringVar(&opts.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error. Overrides logging.level.")
	flags.StringVar(&opts.LogFormat, "log-format", "",
		"Log format: text, json. Overrides logging.format.")
	flags.StringVar(&opts.Container, "container", "",
		"Container ID. Overrides container.id.")
	flags.StringVar(&opts.Database, "database", "",
		"Indexed database ID. Overrides container.database_id.")

	root.AddCommand(
		serve.Command,
		ls.Command,
		get.Command,
		put.Command,
		rm.Command,
		export.Command,
		importcmd.Command,
		subscribe.Command,
		notify.Command,
	)
	return root
}

// loadConfig reads the configuration file and applies flag overrides. A
// missing file is only an error when --config was given explicitly.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Logging.Format = opts.LogFormat
	}
	if opts.Container != "" {
		cfg.Container.ID = opts.Container
	}
	if opts.Database != "" {
		cfg.Container.DatabaseID = opts.Database
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "rfstore: %v\n", err)
		stop()
		os.Exit(1)
	}
}
