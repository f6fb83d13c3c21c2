package hypervisor

import (
	"context"
	"errors"
	"net"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/danmuck/hvisor/internal/control"
	"github.com/danmuck/hvisor/internal/observability"
	"github.com/rs/zerolog/log"
)

// Hypervisor runtime endpoint configuration.
type ServiceConfig struct {
	HypervisorID    string
	ListenAddr      string
	AdminListenAddr string
	HTTPListenAddr  string
	Modules         []control.ModuleID
	Control         control.Config
}

// Hypervisor service defaults for runtime endpoint configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		HypervisorID: "hvisor.local",
		ListenAddr:   ":9100",
		Control:      control.DefaultConfig(),
	}
}

// Service composes the module registry and shutdown dispatcher behind the
// public supervision API and serves the inbound check-in contract.
type Service struct {
	cfg        ServiceConfig
	registry   *Registry
	dispatcher *Dispatcher

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	moduleClientCount atomic.Int64
	adminClientCount  atomic.Int64
}

// Hypervisor service constructor using default configuration and an empty
// registry.
func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

// Hypervisor service constructor using explicit configuration. Ids listed in
// cfg.Modules are pre-registered with default state; duplicates collapse to
// one entry.
func NewServiceWithConfig(cfg ServiceConfig) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	if strings.TrimSpace(cfg.HypervisorID) == "" {
		cfg.HypervisorID = DefaultServiceConfig().HypervisorID
	}
	cfg.Control = cfg.Control.WithDefaults()

	registry := NewRegistry()
	for _, id := range cfg.Modules {
		registry.Register(id)
	}
	svc := &Service{
		cfg:        cfg,
		registry:   registry,
		dispatcher: NewDispatcher(registry, cfg.Control),
		conns:      make(map[net.Conn]struct{}),
	}
	svc.publishModuleCounts()
	return svc
}

// Registry returns the lifecycle state owner.
func (s *Service) Registry() *Registry {
	return s.registry
}

// AddModule registers one more module id after construction, for modules
// discovered dynamically.
func (s *Service) AddModule(id control.ModuleID) {
	s.registry.Register(id)
	s.publishModuleCounts()
}

// SendShutdown commands one tracked module to terminate via its callback
// address. Dispatch failures are returned to the caller, never fatal.
func (s *Service) SendShutdown(ctx context.Context, id control.ModuleID) error {
	return s.dispatcher.SendShutdown(ctx, id)
}

// Hypervisor runtime entrypoint that blocks until signal shutdown.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := control.Listen(s.cfg.ListenAddr, s.cfg.Control)
	if err != nil {
		return err
	}
	log.Info().Msgf("hypervisor.Service.Run listening id=%q addr=%q", s.cfg.HypervisorID, ln.Addr().String())

	adminErr := make(chan error, 1)
	if strings.TrimSpace(s.cfg.AdminListenAddr) != "" {
		go func() {
			adminErr <- s.serveAdminControl(ctx, strings.TrimSpace(s.cfg.AdminListenAddr))
		}()
	}
	httpErr := make(chan error, 1)
	if strings.TrimSpace(s.cfg.HTTPListenAddr) != "" {
		go func() {
			httpErr <- s.serveHTTP(ctx, strings.TrimSpace(s.cfg.HTTPListenAddr))
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()

	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			return err
		}
		return <-serveErr
	case err := <-httpErr:
		if err != nil {
			return err
		}
		return <-serveErr
	}
}

// Serve accepts module check-in connections on an existing listener until ctx
// is done.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleModuleConn(conn)
	}
}

// publishModuleCounts refreshes registry gauges after a mutation.
func (s *Service) publishModuleCounts() {
	observability.SetModuleCounts(s.registry.RunningCount(), s.registry.UncheckedCount())
}

// Hypervisor connection-tracking add operation for coordinated shutdown.
func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

// Hypervisor connection-tracking remove operation after connection teardown.
func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

// Hypervisor shutdown helper that closes and drains tracked connections.
func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
