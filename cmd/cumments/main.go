// Copyright 2026 The Cumments Authors
// SPDX-License-Identifier: Apache-2.0

// Cumments is a comment backend for static blogs with a Matrix
// homeserver as the source of truth. Submissions become Matrix room
// events; a sync or appservice ingress projects them into a local
// SQLite view that serves listings and an SSE change stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cumments-foundation/cumments/adapter"
	"github.com/cumments-foundation/cumments/comments"
	"github.com/cumments-foundation/cumments/lib/clock"
	"github.com/cumments-foundation/cumments/lib/config"
	"github.com/cumments-foundation/cumments/lib/identity"
	"github.com/cumments-foundation/cumments/lib/process"
	"github.com/cumments-foundation/cumments/lib/ref"
	"github.com/cumments-foundation/cumments/lib/version"
	"github.com/cumments-foundation/cumments/messaging"
	"github.com/cumments-foundation/cumments/pow"
	"github.com/cumments-foundation/cumments/server"
	"github.com/cumments-foundation/cumments/store"
)

func main() {
	if code, err := run(); err != nil {
		process.FatalCode(code, err)
	}
}

func run() (int, error) {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "path to YAML config file (optional, env vars override)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("cumments %s\n", version.Info())
		return process.ExitOK, nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return process.ExitConfig, err
	}
	logger.Info("starting cumments",
		"version", version.Info(),
		"mode", cfg.Matrix.Mode,
		"database", cfg.Database.Path(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	viewStore, err := store.Open(store.Config{
		Path:   cfg.Database.Path(),
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return process.ExitMigration, err
	}
	defer viewStore.Close()

	hasher, err := identity.NewHasher(cfg.Security.GlobalSalt)
	if err != nil {
		return process.ExitConfig, err
	}
	gate, err := pow.New(pow.Config{
		Difficulty: cfg.Security.PowDifficulty,
		TTL:        time.Duration(cfg.Security.PowTTLSec) * time.Second,
		Clock:      clk,
	})
	if err != nil {
		return process.ExitConfig, err
	}
	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Matrix.HomeserverURL,
		Logger:        logger,
	})
	if err != nil {
		return process.ExitConfig, err
	}
	serverName, err := ref.ParseServerName(cfg.Matrix.ServerName)
	if err != nil {
		return process.ExitConfig, err
	}

	hub := comments.NewHub()

	matrixAdapter, err := buildAdapter(cfg, client, serverName, viewStore, clk, logger, hub, hasher)
	if err != nil {
		return process.ExitConfig, err
	}

	service, err := comments.NewService(comments.Config{
		Adapter: matrixAdapter,
		Store:   viewStore,
		Gate:    gate,
		Hasher:  hasher,
		Clock:   clk,
		Logger:  logger,
	})
	if err != nil {
		return process.ExitConfig, err
	}

	api, err := server.New(server.Config{
		Service:     service,
		Gate:        gate,
		Hub:         hub,
		Auth:        &server.MatrixAuthenticator{Client: client},
		Clock:       clk,
		Logger:      logger,
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		CORSOrigins: cfg.Server.CORSOrigins,
		AdminToken:  cfg.Server.AdminToken,
	})
	if err != nil {
		return process.ExitConfig, err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	adapterFatal := errors.New("adapter failed")
	group.Go(func() error {
		if err := matrixAdapter.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %w", adapterFatal, err)
		}
		return nil
	})
	group.Go(func() error {
		if err := api.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		if errors.Is(err, adapterFatal) {
			return process.ExitAdapter, err
		}
		return process.ExitConfig, err
	}
	logger.Info("shutdown complete")
	return process.ExitOK, nil
}

// buildAdapter constructs the configured homeserver adapter and the
// projection pipeline behind it. Display-name hydration for native
// commenters reads profiles through the same session the adapter
// sends with.
func buildAdapter(
	cfg config.Config,
	client *messaging.Client,
	serverName ref.ServerName,
	viewStore *store.Store,
	clk clock.Clock,
	logger *slog.Logger,
	hub *comments.Hub,
	hasher *identity.Hasher,
) (adapter.Adapter, error) {
	switch cfg.Matrix.Mode {
	case config.ModeBot:
		userID, err := ref.ParseUserID(cfg.Matrix.User)
		if err != nil {
			return nil, err
		}
		projector, err := newProjector(viewStore, hub, hasher,
			client.Session(userID, cfg.Matrix.Token), clk, logger)
		if err != nil {
			return nil, err
		}
		return adapter.NewBot(adapter.BotConfig{
			Client:      client,
			UserID:      userID,
			AccessToken: cfg.Matrix.Token,
			ServerName:  serverName,
			Store:       viewStore,
			Handler:     projector,
			Clock:       clk,
			Logger:      logger,
		})

	case config.ModeAppService:
		botUser, err := ref.NewUserID(cfg.Matrix.BotLocalpart, serverName)
		if err != nil {
			return nil, err
		}
		projector, err := newProjector(viewStore, hub, hasher,
			client.Session(botUser, cfg.Matrix.ASToken), clk, logger)
		if err != nil {
			return nil, err
		}
		return adapter.NewAppService(adapter.AppServiceConfig{
			Client:       client,
			BotLocalpart: cfg.Matrix.BotLocalpart,
			ASToken:      cfg.Matrix.ASToken,
			HSToken:      cfg.Matrix.HSToken,
			ServerName:   serverName,
			ListenPort:   cfg.Matrix.ListenPort,
			Store:        viewStore,
			Handler:      projector,
			Logger:       logger,
		})

	default:
		return nil, fmt.Errorf("unknown matrix mode %q", cfg.Matrix.Mode)
	}
}

func newProjector(
	viewStore *store.Store,
	hub *comments.Hub,
	hasher *identity.Hasher,
	profiles comments.ProfileSource,
	clk clock.Clock,
	logger *slog.Logger,
) (*comments.Projector, error) {
	return comments.NewProjector(comments.ProjectorConfig{
		View:     viewStore,
		Hub:      hub,
		Hasher:   hasher,
		Profiles: profiles,
		Clock:    clk,
		Logger:   logger,
	})
}
