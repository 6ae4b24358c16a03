// Package daemon assembles the long-running components of tinifyd and runs
// them until the context ends.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/openmined/tinifyd/internal/controlplane"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Plugin is a component with a blocking Start and an idempotent Stop.
type Plugin interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Factory func(*Deps) (Plugin, error)

var registry = map[string]Factory{
	"janitor": func(d *Deps) (Plugin, error) {
		return d.Janitor, nil
	},
	"optimizer": func(d *Deps) (Plugin, error) {
		return d.Optimizer, nil
	},
	"controlplane": func(d *Deps) (Plugin, error) {
		return controlplane.New(&controlplane.Config{
			Addr:      d.Config.HTTP.Addr,
			Token:     d.Config.HTTP.Token,
			RateLimit: d.Config.HTTP.RateLimit,
		}, &controlplane.Deps{
			Optimizer: d.Optimizer,
			Blobs:     d.Blobs,
			Leases:    d.Leases,
			Pool:      d.Pool,
			Sweeper:   d.Sweeper,
			Results:   d.Results,
		})
	},
}

// DefaultPlugins lists the plugins started for cfg, in start order.
func DefaultPlugins(d *Deps) []string {
	names := []string{"janitor", "optimizer"}
	if d.Config.HTTP.Enabled {
		names = append(names, "controlplane")
	}
	return names
}

type Daemon struct {
	deps    *Deps
	plugins []Plugin
}

// New builds the named plugins. With no names DefaultPlugins is used.
func New(deps *Deps, names ...string) (*Daemon, error) {
	if len(names) == 0 {
		names = DefaultPlugins(deps)
	}

	plugins := make([]Plugin, 0, len(names))
	for _, name := range names {
		factory, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q", name)
		}
		p, err := factory(deps)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", name, err)
		}
		plugins = append(plugins, p)
	}
	return &Daemon{deps: deps, plugins: plugins}, nil
}

// Run starts every plugin and blocks until ctx is done or one of them
// fails. Plugins are stopped in reverse start order.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("daemon start", "plugins", len(d.plugins))

	eg, egCtx := errgroup.WithContext(ctx)

	for _, p := range d.plugins {
		eg.Go(func() error {
			if err := p.Start(egCtx); err != nil {
				return fmt.Errorf("failed to start %s: %w", p.Name(), err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("stopping daemon")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.Stop(shutdownCtx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon failure", "error", err)
		return err
	}

	slog.Info("daemon stopped")
	return nil
}

func (d *Daemon) Stop(ctx context.Context) error {
	var errs []error
	for _, p := range slices.Backward(d.plugins) {
		if err := p.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
