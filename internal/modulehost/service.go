package modulehost

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/hvisor/internal/control"
	"github.com/rs/zerolog/log"
)

var ErrInvalidHeartbeatInterval = errors.New("modulehost: invalid heartbeat interval")

// Module host runtime configuration.
type ServiceConfig struct {
	ModuleID           control.ModuleID
	HypervisorAddr     string
	CallbackListenAddr string
	HeartbeatInterval  time.Duration
	MaxConnectAttempts int
	Control            control.Config
}

// Module host defaults for runtime configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		CallbackListenAddr: "127.0.0.1:0",
		HeartbeatInterval:  5 * time.Second,
		Control:            control.DefaultConfig(),
	}
}

// Service runs one module's supervision endpoint as a standalone process:
// check in, answer control calls, report orderly shutdown.
type Service struct {
	cfg    ServiceConfig
	client *HypervisorClient

	mu           sync.RWMutex
	callbackAddr string

	stopOnce sync.Once
	stopped  chan struct{}
}

// Module host constructor using explicit configuration.
func NewServiceWithConfig(cfg ServiceConfig) (*Service, error) {
	if strings.TrimSpace(cfg.CallbackListenAddr) == "" {
		cfg.CallbackListenAddr = DefaultServiceConfig().CallbackListenAddr
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, ErrInvalidHeartbeatInterval
	}
	cfg.Control = cfg.Control.WithDefaults()

	client, err := NewHypervisorClient(HypervisorClientConfig{
		Address:            cfg.HypervisorAddr,
		ModuleID:           cfg.ModuleID,
		Control:            cfg.Control,
		MaxConnectAttempts: cfg.MaxConnectAttempts,
	})
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:     cfg,
		client:  client,
		stopped: make(chan struct{}),
	}, nil
}

// CallbackAddr returns the bound control endpoint address, empty until Run
// has opened the listener.
func (s *Service) CallbackAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callbackAddr
}

// Stopped is closed once a shutdown command has been accepted.
func (s *Service) Stopped() <-chan struct{} {
	return s.stopped
}

// Module host runtime entrypoint that blocks until a shutdown command or
// process signal.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext opens the callback listener, checks in, and serves control calls
// until ctx is done or the hypervisor commands shutdown. An orderly exit is
// self-reported via module_shutdown.
func (s *Service) RunContext(ctx context.Context) error {
	ln, err := control.Listen(s.cfg.CallbackListenAddr, s.cfg.Control)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.callbackAddr = ln.Addr().String()
	s.mu.Unlock()
	log.Info().Msgf(
		"modulehost.Service.Run module_id=%d callback_addr=%q hypervisor=%q",
		s.cfg.ModuleID,
		ln.Addr().String(),
		s.cfg.HypervisorAddr,
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.serveControl(ctx, ln)
	}()

	if err := s.client.NotifyReady(ctx, ln.Addr().String()); err != nil {
		_ = ln.Close()
		return err
	}
	log.Info().Msgf("modulehost.Service.Run checked in module_id=%d", s.cfg.ModuleID)

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.notifyShutdown()
			return nil
		case <-s.stopped:
			s.notifyShutdown()
			return nil
		case err := <-serveErr:
			return err
		case <-ticker.C:
			log.Debug().Msgf("modulehost.Service.heartbeat module_id=%d", s.cfg.ModuleID)
		}
	}
}

// notifyShutdown self-reports orderly shutdown, best effort.
func (s *Service) notifyShutdown() {
	notifyCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Control.WriteTimeout)
	defer cancel()
	if err := s.client.NotifyShutdown(notifyCtx); err != nil {
		log.Warn().Msgf("modulehost.Service shutdown notify module_id=%d err=%v", s.cfg.ModuleID, err)
	}
}

// serveControl accepts hypervisor control connections on the callback
// listener.
func (s *Service) serveControl(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopped:
		}
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
		go s.handleControlConn(conn)
	}
}

// handleControlConn answers control calls one line at a time. The shutdown
// acknowledgement is written before the host begins stopping so the
// dispatcher's synchronous call completes.
func (s *Service) handleControlConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Control.ReadTimeout))
		req, err := control.ReadRequest(reader)
		if err != nil {
			return
		}
		resp, stop := s.handleControlRequest(req)
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Control.WriteTimeout))
		if err := control.WriteResponse(conn, resp); err != nil {
			log.Warn().Msgf("modulehost.control write module_id=%d err=%v", s.cfg.ModuleID, err)
			return
		}
		if stop {
			s.requestStop()
			return
		}
	}
}

// handleControlRequest dispatches one control method; the second return
// reports whether the host must stop after acknowledging.
func (s *Service) handleControlRequest(req control.Request) (control.Response, bool) {
	switch req.Action {
	case control.ActionShutdown:
		log.Info().Msgf("modulehost.control shutdown commanded module_id=%d", s.cfg.ModuleID)
		return control.Response{OK: true, Ack: true}, true
	case control.ActionStatus:
		data, err := json.Marshal(map[string]any{
			"module_id": s.cfg.ModuleID,
			"running":   true,
		})
		if err != nil {
			return control.Response{OK: false, Error: err.Error()}, false
		}
		return control.Response{OK: true, Ack: true, Data: data}, false
	default:
		return control.Response{OK: false, Error: "unknown action: " + req.Action}, false
	}
}

func (s *Service) requestStop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
	})
}
