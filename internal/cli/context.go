// Package cli holds what the rfstore commands share: the command context
// and output helpers.
package cli

import (
	"context"
	"errors"

	"github.com/bleepstore/rfstore/internal/config"
	"github.com/bleepstore/rfstore/internal/container"
)

type (
	containerKey struct{}
	configKey    struct{}
)

// WithContainer returns a copy of ctx carrying c.
func WithContainer(ctx context.Context, c *container.Container) context.Context {
	return context.WithValue(ctx, containerKey{}, c)
}

// ContainerFromContext returns the container stored by WithContainer.
func ContainerFromContext(ctx context.Context) (*container.Container, bool) {
	c, ok := ctx.Value(containerKey{}).(*container.Container)
	return c, ok && c != nil
}

// WithConfig returns a copy of ctx carrying cfg.
func WithConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// ConfigFromContext returns the configuration stored by WithConfig.
func ConfigFromContext(ctx context.Context) (*config.Config, bool) {
	cfg, ok := ctx.Value(configKey{}).(*config.Config)
	return cfg, ok && cfg != nil
}

// Container returns the container of a running command.
func Container(ctx context.Context) (*container.Container, error) {
	c, ok := ContainerFromContext(ctx)
	if !ok {
		return nil, errors.New("failed to get container from context")
	}
	return c, nil
}
