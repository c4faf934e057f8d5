package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/factoriod/factoriod/internal/common/config"
	"github.com/factoriod/factoriod/internal/common/logger"
	"github.com/factoriod/factoriod/internal/mgmt/events"
	"github.com/factoriod/factoriod/internal/mgmt/metrics"
	"github.com/factoriod/factoriod/internal/mgmt/operation"
	"github.com/factoriod/factoriod/internal/mgmt/opstream"
)

// Server wraps the gin engine and its HTTP listener.
type Server struct {
	httpSrv  *http.Server
	registry *opstream.Registry
	logger   *logger.Logger
}

// NewServer assembles the engine and routes.
func NewServer(cfg config.MgmtConfig, ops *operation.Router, registry *opstream.Registry,
	broker *events.Broker, store *metrics.Store, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	RegisterRoutes(engine, ops, registry, broker, store, log)

	return &Server{
		httpSrv: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler: engine,
		},
		registry: registry,
		logger:   log,
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Management API listening", zap.String("addr", s.httpSrv.Addr))
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		s.registry.Drain()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
