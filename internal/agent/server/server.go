// Package server accepts management-server WebSocket connections and pairs
// each one with a request controller plus a companion task pushing server
// stdout to the peer.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/factoriod/factoriod/internal/agent/controller"
	"github.com/factoriod/factoriod/internal/common/logger"
)

// Server is the agent's WebSocket endpoint.
type Server struct {
	port   int
	deps   controller.Deps
	bus    *StdoutBus
	logger *logger.Logger

	upgrader websocket.Upgrader
	peers    sync.WaitGroup
}

// New wires the endpoint. The controller deps' StreamHandler should already
// publish into bus.
func New(port int, deps controller.Deps, bus *StdoutBus, log *logger.Logger) *Server {
	return &Server{
		port:   port,
		deps:   deps,
		bus:    bus,
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The agent trusts its network boundary; peers authenticate by
			// reachability.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run serves until ctx is cancelled, then drains connected peers.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.accept(ctx, w, r)
	})

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Agent WebSocket server listening", zap.String("addr", httpSrv.Addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		s.peers.Wait()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// accept upgrades one peer and serves it until disconnect.
func (s *Server) accept(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	s.logger.Info("Peer connected", zap.String("remote", conn.RemoteAddr().String()))

	ctrl := controller.New(conn, s.deps, s.logger)

	// The companion forwards the stdout stream for this peer's lifetime.
	peerCtx, cancelPeer := context.WithCancel(ctx)
	lines, unsubscribe := s.bus.Subscribe()

	s.peers.Add(1)
	go func() {
		defer s.peers.Done()
		for {
			select {
			case <-peerCtx.Done():
				return
			case msg, ok := <-lines:
				if !ok {
					return
				}
				if err := ctrl.SendStreaming(msg); err != nil {
					s.logger.Debug("Dropping streaming push to closing peer", zap.Error(err))
					return
				}
			}
		}
	}()

	ctrl.Run(peerCtx)

	cancelPeer()
	unsubscribe()
	_ = conn.Close()
	s.logger.Info("Peer disconnected", zap.String("remote", conn.RemoteAddr().String()))
}
