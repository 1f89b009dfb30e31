package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bleepstore/rfstore/internal/cli"
	"github.com/bleepstore/rfstore/internal/metrics"
	"github.com/bleepstore/rfstore/internal/server"
)

var Command = &cobra.Command{
	Use:   "serve",
	Short: "Serve the container over HTTP",
	Long: `This command serves records and assets of the configured container over HTTP.

Routes:

	GET    /records              query records (type, prefix, delimiter, cursor, limit)
	GET    /records/{id}         fetch a record
	PUT    /records/{id}         save a record
	DELETE /records/{id}         delete a record
	GET    /assets/{key}         download an asset
	PUT    /assets/{key}         upload an asset
	DELETE /assets/{key}         delete an asset or a folder
	GET    /health               health status
	GET    /metrics              Prometheus metrics
	GET    /docs                 API documentation

`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runCommand(cmd)
	},
}

func runCommand(cmd *cobra.Command) error {
	cfg, ok := cli.ConfigFromContext(cmd.Context())
	if !ok {
		return errors.New("failed to get config from context")
	}
	c, err := cli.Container(cmd.Context())
	if err != nil {
		return err
	}

	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port != 0 {
		cfg.Server.Port = opts.Port
	}
	if cfg.Observability.Metrics {
		metrics.Register()
	}

	srv, err := server.New(cfg, c)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("rfstore listening", "addr", addr, "container", c.ContainerID, "database", c.DatabaseID)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT: stop accepting connections and wait for in-flight
	// requests up to the shutdown timeout.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")
		return nil

	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}
