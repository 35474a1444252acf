package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/gateway"
	"github.com/matheus3301/chatd/internal/metrics"
	"github.com/matheus3301/chatd/internal/status"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const readHeaderTimeout = 10 * time.Second

// HTTPServer serves the client WebSocket endpoint alongside health and
// metrics.
type HTTPServer struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewHTTPServer binds the configured listen address.
func NewHTTPServer(cfg *config.Config, gw *gateway.Gateway, m *metrics.Metrics, state *status.Machine, logger *zap.Logger) (*HTTPServer, error) {
	listener, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Server.ListenAddr, err)
	}
	return &HTTPServer{
		srv: &http.Server{
			Handler:           newRouter(cfg, gw, m, state),
			ReadHeaderTimeout: readHeaderTimeout,
		},
		listener: listener,
		logger:   logger,
	}, nil
}

func newRouter(cfg *config.Config, gw *gateway.Gateway, m *metrics.Metrics, state *status.Machine) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization"},
			MaxAge:         300,
		}))
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			current := state.Current()
			w.Header().Set("Content-Type", "application/json")
			if current != status.Serving {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"state":    current,
				"since":    state.Since().UTC(),
				"sessions": gw.Sessions(),
			})
		})
		r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry}))
	})

	// The upgrade does its own origin check.
	r.Get("/ws", gw.Handler(cfg.Server.AllowedOrigins))
	return r
}

// Addr returns the bound address, which differs from the configured one
// when the port was 0.
func (h *HTTPServer) Addr() string { return h.listener.Addr().String() }

// Start serves until Stop. Blocks.
func (h *HTTPServer) Start() error {
	h.logger.Info("http server starting", zap.String("addr", h.Addr()))
	if err := h.srv.Serve(h.listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops accepting requests and waits for plain HTTP handlers. Hijacked
// WebSocket connections are ended by the gateway.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("http server stopping")
	err := h.srv.Shutdown(ctx)
	// Shutdown only closes listeners Serve has seen.
	_ = h.listener.Close()
	return err
}
