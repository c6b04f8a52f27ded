// Package server runs the process-level services around the session
// manager: the gRPC health service, the Prometheus metrics endpoint and the
// HTTP control API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/rtprelay/internal/rtprelay/media"
	"github.com/sebas/rtprelay/internal/rtprelay/portpool"
	"github.com/sebas/rtprelay/internal/rtprelay/session"
)

// ServiceName is the name reported by the health service.
const ServiceName = "rtprelay"

const shutdownTimeout = 5 * time.Second

// Config holds server configuration
type Config struct {
	// HealthAddr is the gRPC health listen address. Empty disables it.
	HealthAddr string
	// MetricsAddr is the HTTP /metrics listen address. Empty disables it.
	MetricsAddr string
	// APIAddr is the HTTP control API listen address. Empty disables it.
	APIAddr string
	// AudioPath is the directory playback files are resolved in.
	AudioPath string

	RTPPortMin int
	RTPPortMax int

	Session session.Config
}

// Server owns the session manager, the metrics registry and the listeners
// exposing them.
type Server struct {
	sessionMgr *session.Manager
	portPool   *portpool.PortPool
	registry   *prometheus.Registry
	metrics    *media.Metrics
	health     *health.Server
	config     *Config

	grpcServer *grpc.Server
	httpServer *http.Server
	apiServer  *http.Server
	healthLis  net.Listener
	metricsLis net.Listener
	apiLis     net.Listener
}

// NewServer creates the registry, port pool and session manager.
func NewServer(cfg *Config) (*Server, error) {
	if cfg.RTPPortMin <= 0 || cfg.RTPPortMax <= cfg.RTPPortMin {
		return nil, fmt.Errorf("invalid RTP port range %d-%d", cfg.RTPPortMin, cfg.RTPPortMax)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := media.NewMetrics(registry)

	pool := portpool.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax)
	sessCfg := cfg.Session
	sessCfg.Metrics = metrics

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	return &Server{
		sessionMgr: session.NewManager(pool, sessCfg),
		portPool:   pool,
		registry:   registry,
		metrics:    metrics,
		health:     hs,
		config:     cfg,
	}, nil
}

// Sessions returns the session manager.
func (s *Server) Sessions() *session.Manager {
	return s.sessionMgr
}

// Metrics returns the media collectors registered with the server's registry.
func (s *Server) Metrics() *media.Metrics {
	return s.metrics
}

// Registry returns the Prometheus registry backing /metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Listen binds the configured health, metrics and API addresses.
func (s *Server) Listen() error {
	if s.config.HealthAddr != "" {
		lis, err := net.Listen("tcp", s.config.HealthAddr)
		if err != nil {
			return fmt.Errorf("listen health %s: %w", s.config.HealthAddr, err)
		}
		s.healthLis = lis
		s.grpcServer = grpc.NewServer()
		grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	}

	if s.config.MetricsAddr != "" {
		lis, err := net.Listen("tcp", s.config.MetricsAddr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen metrics %s: %w", s.config.MetricsAddr, err)
		}
		s.metricsLis = lis

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
		s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	if s.config.APIAddr != "" {
		lis, err := net.Listen("tcp", s.config.APIAddr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen api %s: %w", s.config.APIAddr, err)
		}
		s.apiLis = lis
		s.apiServer = &http.Server{Handler: s.apiHandler(), ReadHeaderTimeout: 5 * time.Second}
	}
	return nil
}

func (s *Server) closeListeners() {
	for _, lis := range []net.Listener{s.healthLis, s.metricsLis, s.apiLis} {
		if lis != nil {
			lis.Close()
		}
	}
}

// HealthAddr returns the bound health address, or nil when disabled.
func (s *Server) HealthAddr() net.Addr {
	if s.healthLis == nil {
		return nil
	}
	return s.healthLis.Addr()
}

// MetricsAddr returns the bound metrics address, or nil when disabled.
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsLis == nil {
		return nil
	}
	return s.metricsLis.Addr()
}

// APIAddr returns the bound control API address, or nil when disabled.
func (s *Server) APIAddr() net.Addr {
	if s.apiLis == nil {
		return nil
	}
	return s.apiLis.Addr()
}

// Serve runs the listeners bound by Listen until ctx ends, then stops them
// and closes every session.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.grpcServer != nil {
		g.Go(func() error {
			slog.Info("[Server] Health service listening", "addr", s.healthLis.Addr().String())
			return s.grpcServer.Serve(s.healthLis)
		})
	}
	if s.httpServer != nil {
		g.Go(func() error {
			slog.Info("[Server] Metrics listening", "addr", s.metricsLis.Addr().String())
			if err := s.httpServer.Serve(s.metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if s.apiServer != nil {
		g.Go(func() error {
			slog.Info("[Server] Control API listening", "addr", s.apiLis.Addr().String())
			if err := s.apiServer.Serve(s.apiLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	s.health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	g.Go(func() error {
		<-ctx.Done()
		s.Close()
		return nil
	})

	return g.Wait()
}

// Close marks the service not serving, stops the listeners and closes all
// sessions.
func (s *Server) Close() {
	s.health.Shutdown()

	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.apiServer != nil {
		if err := s.apiServer.Shutdown(ctx); err != nil {
			slog.Warn("[Server] Control API shutdown", "error", err)
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			slog.Warn("[Server] Metrics shutdown", "error", err)
		}
	}

	active := s.sessionMgr.Count()
	s.sessionMgr.CloseAll()
	slog.Info("[Server] Stopped", "sessions_closed", active, "ports_free", s.portPool.Available())
}
