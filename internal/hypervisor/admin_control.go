package hypervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/danmuck/hvisor/internal/control"
	"github.com/rs/zerolog/log"
)

// Admin actions exposed on the operator control endpoint.
const (
	AdminActionStatus         = "status"
	AdminActionModules        = "modules"
	AdminActionRegisterModule = "register_module"
	AdminActionShutdownModule = "shutdown_module"
)

// Status reports current registry shape for operator surfaces.
type Status struct {
	HypervisorID   string `json:"hypervisor_id"`
	ModuleCount    int    `json:"module_count"`
	RunningCount   int    `json:"running_count"`
	UncheckedCount int    `json:"unchecked_count"`
}

type adminControlRequest struct {
	Action   string           `json:"action"`
	ModuleID control.ModuleID `json:"module_id,omitempty"`
}

type adminControlResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Status returns current registry counts.
func (s *Service) Status() Status {
	return Status{
		HypervisorID:   s.cfg.HypervisorID,
		ModuleCount:    len(s.registry.ModuleIDs()),
		RunningCount:   s.registry.RunningCount(),
		UncheckedCount: s.registry.UncheckedCount(),
	}
}

// serveAdminControl exposes a TCP JSON request/response endpoint for operator
// control.
func (s *Service) serveAdminControl(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info().Msgf("hypervisor.admin listening addr=%q", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleAdminConn(ctx, conn)
	}
}

// handleAdminConn decodes one request per line and writes one response per
// line.
func (s *Service) handleAdminConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	active := s.adminClientCount.Add(1)
	log.Info().Msgf("hypervisor.admin client connected remote=%q active_clients=%d", remote, active)
	defer func() {
		remaining := s.adminClientCount.Add(-1)
		log.Info().Msgf("hypervisor.admin client disconnected remote=%q active_clients=%d", remote, remaining)
	}()

	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				log.Warn().Msgf("hypervisor.admin read err=%v", err)
			}
			return
		}
		var req adminControlRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeAdminControlResponse(conn, adminControlResponse{OK: false, Error: err.Error()})
			continue
		}
		resp := s.handleAdminControlRequest(ctx, req)
		if err := writeAdminControlResponse(conn, resp); err != nil {
			log.Warn().Msgf("hypervisor.admin write err=%v", err)
			return
		}
	}
}

// handleAdminControlRequest routes one admin action to runtime methods.
func (s *Service) handleAdminControlRequest(ctx context.Context, req adminControlRequest) adminControlResponse {
	switch strings.TrimSpace(req.Action) {
	case AdminActionStatus:
		return adminControlResponse{OK: true, Data: s.Status()}
	case AdminActionModules:
		return adminControlResponse{OK: true, Data: s.registry.Snapshot()}
	case AdminActionRegisterModule:
		if req.ModuleID == 0 {
			return adminControlResponse{OK: false, Error: "module_id required"}
		}
		s.AddModule(req.ModuleID)
		return adminControlResponse{OK: true}
	case AdminActionShutdownModule:
		if req.ModuleID == 0 {
			return adminControlResponse{OK: false, Error: "module_id required"}
		}
		// Dispatch and local shutdown-marking are independent signals;
		// the admin action records both so operator views agree with
		// what was commanded.
		if err := s.SendShutdown(ctx, req.ModuleID); err != nil {
			if errors.Is(err, ErrModuleNotFound) || errors.Is(err, ErrNoCallbackAddr) {
				return adminControlResponse{OK: false, Error: err.Error()}
			}
			return adminControlResponse{OK: false, Error: fmt.Sprintf("dispatch: %v", err)}
		}
		if err := s.registry.MarkShutdown(req.ModuleID); err != nil {
			return adminControlResponse{OK: false, Error: err.Error()}
		}
		s.publishModuleCounts()
		return adminControlResponse{OK: true, Data: s.Status()}
	default:
		return adminControlResponse{OK: false, Error: fmt.Sprintf("unknown action: %s", req.Action)}
	}
}

func writeAdminControlResponse(w io.Writer, resp adminControlResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}
