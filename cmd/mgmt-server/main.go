// Package main is the entry point for the factoriod management server: the
// central control plane that supervises the agent link, routes operations,
// fans out server events and serves the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/factoriod/factoriod/internal/common/buildinfo"
	"github.com/factoriod/factoriod/internal/common/config"
	"github.com/factoriod/factoriod/internal/common/logger"
	"github.com/factoriod/factoriod/internal/mgmt/api"
	"github.com/factoriod/factoriod/internal/mgmt/events"
	"github.com/factoriod/factoriod/internal/mgmt/link"
	"github.com/factoriod/factoriod/internal/mgmt/metrics"
	"github.com/factoriod/factoriod/internal/mgmt/operation"
	"github.com/factoriod/factoriod/internal/mgmt/opstream"
	"github.com/factoriod/factoriod/internal/mgmt/rpc"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting factoriod management server",
		zap.String("listen", fmt.Sprintf("%s:%d", cfg.Mgmt.Host, cfg.Mgmt.Port)),
		zap.String("agent", cfg.Mgmt.AgentAddr),
		zap.String("version", buildinfo.Version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker := events.NewBroker(log)

	store, err := metrics.NewStore(cfg.Metrics.DBPath, log)
	if err != nil {
		log.Fatal("failed to open metric store", zap.Error(err))
	}
	defer store.Close()

	sup := link.NewSupervisor(cfg.Mgmt.AgentAddr, broker, log)
	router := operation.NewRouter(broker, sup, cfg.Mgmt.AckTimeout(), log)
	registry := opstream.NewRegistry(cfg.Mgmt.StreamTimeout(), log)
	rpcHandler := rpc.NewHandler(broker, store, log)
	apiSrv := api.NewServer(cfg.Mgmt, router, registry, broker, store, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sup.Run(gctx)
		return nil
	})
	g.Go(func() error {
		rpcHandler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return apiSrv.Run(gctx)
	})

	if cfg.NATS.URL != "" {
		relay, err := events.NewRelay(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect event relay", zap.Error(err))
		}
		g.Go(func() error {
			relay.Run(gctx, broker,
				events.TopicChat, events.TopicJoin, events.TopicLeave,
				events.TopicServerState)
			relay.Close()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("management server error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("management server stopped")
}
