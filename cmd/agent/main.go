// Package main is the entry point for the factoriod agent: the per-host
// daemon that owns the game server's installation, lifecycle, configuration
// and savefiles, controlled over a WebSocket by the management server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/factoriod/factoriod/internal/agent/controller"
	"github.com/factoriod/factoriod/internal/agent/install"
	"github.com/factoriod/factoriod/internal/agent/mods"
	"github.com/factoriod/factoriod/internal/agent/process"
	"github.com/factoriod/factoriod/internal/agent/saves"
	"github.com/factoriod/factoriod/internal/agent/server"
	"github.com/factoriod/factoriod/internal/agent/settings"
	"github.com/factoriod/factoriod/internal/agent/sysinfo"
	"github.com/factoriod/factoriod/internal/common/buildinfo"
	"github.com/factoriod/factoriod/internal/common/config"
	"github.com/factoriod/factoriod/internal/common/logger"
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

	log.Info("starting factoriod agent",
		zap.Int("ws_port", cfg.Agent.WSPort),
		zap.String("data_dir", cfg.Agent.DataDir),
		zap.String("version", buildinfo.Version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	versions, err := install.NewManager(cfg.Agent.InstallDir(), log)
	if err != nil {
		log.Fatal("failed to initialize install manager", zap.Error(err))
	}
	saveMgr, err := saves.NewManager(cfg.Agent.SavesDir())
	if err != nil {
		log.Fatal("failed to initialize save manager", zap.Error(err))
	}
	modMgr, err := mods.NewManager(cfg.Agent.ModsDir())
	if err != nil {
		log.Fatal("failed to initialize mod manager", zap.Error(err))
	}
	settingsMgr, err := settings.NewManager(cfg.Agent.ConfigsDir(), settings.Defaults{
		FactorioPort: cfg.Agent.FactorioPort,
		RconPort:     cfg.Agent.RconPort,
	})
	if err != nil {
		log.Fatal("failed to initialize settings manager", zap.Error(err))
	}

	bus := server.NewStdoutBus(log)
	procs := process.NewSupervisor(log)

	deps := controller.Deps{
		Versions:      versions,
		Procs:         procs,
		Saves:         saveMgr,
		Mods:          modMgr,
		Settings:      settingsMgr,
		Sysinfo:       sysinfo.NewMonitor(ctx, log),
		Build:         buildinfo.Info(),
		StreamHandler: bus.Publish,
	}

	srv := server.New(cfg.Agent.WSPort, deps, bus, log)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
		log.Info("shutting down agent")
		cancel()
		runErr = <-errCh
	case runErr = <-errCh:
		cancel()
	}
	if runErr != nil {
		log.Error("agent server error", zap.Error(runErr))
	}

	if stopped, err := procs.Stop(); err != nil {
		log.Error("error stopping server process", zap.Error(err))
	} else if stopped != nil {
		log.Info("server process stopped", zap.Int("exit_code", stopped.ExitCode))
	}

	log.Info("agent stopped")
}
