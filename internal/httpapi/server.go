// Package httpapi is the thin operational HTTP surface: aggregate health,
// Prometheus metrics, and a per-resource status dump. It never serves
// simulation data, only the operational health of this pipeline, following
// the teacher's read-only local-bind server construction.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/evochora/pipeline/internal/obslog"
	"github.com/evochora/pipeline/internal/orchestrate"
)

// Config controls the bind address and server timeouts.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig binds to loopback-only by default, matching the teacher's
// local-only posture for an operational surface with no auth layer.
func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         9090,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server exposes /healthz, /metrics, and /resources.
type Server struct {
	httpServer *http.Server
	cfg        Config
	log        zerolog.Logger
}

// New builds the server and verifies the configured port is free before
// returning, so startup failures surface immediately instead of at Start.
func New(cfg Config, registry *orchestrate.Registry, startedAt time.Time) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("httpapi: port %d is busy or unavailable: %w", cfg.Port, err)
	}
	ln.Close()

	router := mux.NewRouter()
	h := &handlers{registry: registry, startedAt: startedAt}
	router.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/resources", h.resourceList).Methods(http.MethodGet)
	router.HandleFunc("/resources/{name}", h.resourceByName).Methods(http.MethodGet)

	return &Server{
		cfg: cfg,
		log: obslog.For("httpapi"),
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}, nil
}

// Start blocks serving until the server is shut down.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("operational http surface listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
