// Package controlplane serves the local HTTP API of the daemon.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openmined/tinifyd/internal/blobstore"
	"github.com/openmined/tinifyd/internal/events"
	"github.com/openmined/tinifyd/internal/gc"
	"github.com/openmined/tinifyd/internal/lease"
	"github.com/openmined/tinifyd/internal/optimizer"
	"github.com/openmined/tinifyd/internal/queue"
)

const DefaultRateLimit = "20-S"

type Config struct {
	Addr string
	// Token guards /v1. Empty disables auth.
	Token string
	// RateLimit uses the ulule/limiter format, e.g. "20-S".
	RateLimit string
}

type Deps struct {
	Optimizer *optimizer.Optimizer
	Blobs     *blobstore.Store
	Leases    *lease.Store
	Pool      *queue.Pool
	Sweeper   *gc.Sweeper
	Results   *events.Bus[optimizer.Result]
}

type Server struct {
	config *Config
	server *http.Server
}

func New(config *Config, deps *Deps) (*Server, error) {
	if deps.Optimizer == nil || deps.Blobs == nil || deps.Leases == nil {
		return nil, errors.New("controlplane: missing dependency")
	}

	routes, err := SetupRoutes(config, deps)
	if err != nil {
		return nil, err
	}

	return &Server{
		config: config,
		server: &http.Server{
			Addr:              config.Addr,
			Handler:           routes,
			ReadTimeout:       30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
	}, nil
}

func (s *Server) Name() string {
	return "controlplane"
}

func (s *Server) Start(ctx context.Context) error {
	slog.Info("control plane start", "addr", fmt.Sprintf("http://%s", s.config.Addr), "auth", s.config.Token != "")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	return s.server.Shutdown(ctx)
}
