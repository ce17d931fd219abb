// Package server runs a stack over a frame driver together with its admin
// API and metrics collector.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rennerdo30/tapstack/internal/accesscontrol"
	"github.com/rennerdo30/tapstack/internal/api"
	"github.com/rennerdo30/tapstack/internal/arp"
	"github.com/rennerdo30/tapstack/internal/capture"
	"github.com/rennerdo30/tapstack/internal/config"
	"github.com/rennerdo30/tapstack/internal/logging"
	"github.com/rennerdo30/tapstack/internal/metrics"
	"github.com/rennerdo30/tapstack/internal/stack"
)

// DefaultGracePeriod bounds how long Stop waits for the poll loop.
const DefaultGracePeriod = 5 * time.Second

// Server owns a running stack.
type Server struct {
	config *config.Config
	logger *slog.Logger

	dev         capture.ReadWriter
	closer      io.Closer // Underlying device, nil when it cannot be closed
	captureFile *os.File
	stack       *stack.Stack
	metrics     *metrics.Metrics
	collector   *metrics.Collector
	api         *api.API

	apiListener net.Listener
	apiServer   *http.Server

	running bool
	mu      sync.Mutex
	wg      sync.WaitGroup
	done    chan struct{}
	runErr  error
}

// New creates a server for dev. When a capture path is configured every
// frame crossing dev is also written to that pcap file.
func New(cfg *config.Config, dev capture.ReadWriter) (*Server, error) {
	logger := logging.WithComponent("server")

	s := &Server{
		config:  cfg,
		logger:  logger,
		dev:     dev,
		metrics: metrics.New(),
		done:    make(chan struct{}),
	}
	if c, ok := dev.(io.Closer); ok {
		s.closer = c
	}

	if cfg.Capture.Path != "" {
		f, err := os.OpenFile(cfg.Capture.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open capture file: %w", err)
		}
		w, err := capture.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create capture writer: %w", err)
		}
		s.captureFile = f
		s.dev = capture.NewTee(dev, w, logging.Default())
		logger.Info("capturing frames", "path", cfg.Capture.Path)
	}

	stackCfg, err := StackConfig(cfg)
	if err != nil {
		s.closeCapture()
		return nil, err
	}

	s.stack, err = stack.New(stackCfg, s.dev,
		stack.WithLogger(logging.Default()),
		stack.WithMetrics(s.metrics),
	)
	if err != nil {
		s.closeCapture()
		return nil, fmt.Errorf("create stack: %w", err)
	}

	if cfg.Metrics.Enabled {
		s.collector = metrics.NewCollector(s.metrics, s.stack, cfg.Metrics.CollectionInterval.Duration())
	}

	if cfg.API.Enabled {
		access, err := accesscontrol.NewController(cfg.API.AccessConfig())
		if err != nil {
			s.closeCapture()
			return nil, fmt.Errorf("create API access control: %w", err)
		}
		apiCfg := api.Config{
			Stack:  s.stack,
			Token:  cfg.API.Token,
			Access: access,
			Logger: logging.Default(),
		}
		if cfg.Metrics.Enabled {
			apiCfg.Metrics = s.metrics
		}
		s.api = api.New(apiCfg)
	}

	return s, nil
}

// StackConfig translates the file configuration into a stack configuration.
func StackConfig(cfg *config.Config) (stack.Config, error) {
	ip, err := cfg.Identity.IP()
	if err != nil {
		return stack.Config{}, err
	}
	mac, err := cfg.Identity.HardwareAddr()
	if err != nil {
		return stack.Config{}, fmt.Errorf("identity mac: %w", err)
	}

	return stack.Config{
		MAC: mac,
		IP:  ip,
		MTU: cfg.IP.MTU,
		TTL: uint8(cfg.IP.TTL), //nolint:gosec // G115: TTL is validated to 1..255
		ARP: arp.CacheConfig{
			Size:    cfg.ARP.CacheSize,
			Timeout: cfg.ARP.Timeout.Duration(),
		},
		PendingSlots:   cfg.ARP.PendingSlots,
		ICMPErrorRate:  cfg.ICMP.ErrorRate,
		ICMPErrorBurst: cfg.ICMP.ErrorBurst,
		UDPEchoPort:    uint16(cfg.UDP.EchoPort), //nolint:gosec // G115: port is validated to 0..65535
	}, nil
}

// Start announces the stack, starts the metrics collector and API server,
// and begins polling the driver.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if err := s.stack.Init(); err != nil {
		return fmt.Errorf("init stack: %w", err)
	}

	if s.api != nil {
		listener, err := net.Listen("tcp", s.config.API.Listen)
		if err != nil {
			return fmt.Errorf("listen API: %w", err)
		}
		s.apiListener = listener
		s.apiServer = &http.Server{
			Handler:           s.api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("API server listening", "address", listener.Addr().String())
			if err := s.apiServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("API server error", "error", err)
			}
		}()
	}

	if s.collector != nil {
		s.collector.Start()
	}

	s.running = true
	go s.poll(ctx)

	status := s.stack.Status()
	s.logger.Info("tapstack started", "ip", status.IP, "mac", status.MAC, "mtu", status.MTU)
	return nil
}

func (s *Server) poll(ctx context.Context) {
	defer close(s.done)

	err := s.stack.Run(ctx, s.dev)
	if err != nil && (errors.Is(err, os.ErrClosed) || s.stopping()) {
		err = nil
	}
	if err != nil {
		s.logger.Error("frame loop stopped", "error", err)
	} else {
		s.logger.Debug("frame loop finished")
	}

	s.mu.Lock()
	s.runErr = err
	s.mu.Unlock()
}

func (s *Server) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.running
}

// Done is closed when the frame loop exits, either because the driver was
// exhausted or closed or because reading failed.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the frame loop, if any.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Stop shuts the API down, closes the driver to unblock the frame loop,
// and waits for it to exit.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping tapstack")

	if s.apiServer != nil {
		if err := s.apiServer.Shutdown(ctx); err != nil {
			s.logger.Warn("API server shutdown", "error", err)
		}
	}

	var errs []error
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close driver: %w", err))
		}
	}

	wait := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-s.done
		close(wait)
	}()

	select {
	case <-wait:
	case <-time.After(DefaultGracePeriod):
		s.logger.Warn("grace period exceeded, frame loop still blocked")
	}

	if s.collector != nil {
		s.collector.Stop()
	}

	if err := s.closeCapture(); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("tapstack stopped")
	return errors.Join(errs...)
}

func (s *Server) closeCapture() error {
	if s.captureFile == nil {
		return nil
	}
	err := s.captureFile.Close()
	s.captureFile = nil
	if err != nil {
		return fmt.Errorf("close capture file: %w", err)
	}
	return nil
}

// Running reports whether the server has been started and not stopped.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stack returns the running stack.
func (s *Server) Stack() *stack.Stack {
	return s.stack
}

// Metrics returns the metrics registry of the stack.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// APIAddr returns the address the API server listens on, or "" when the
// API is disabled or not started.
func (s *Server) APIAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.apiListener == nil {
		return ""
	}
	return s.apiListener.Addr().String()
}
