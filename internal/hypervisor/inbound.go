package hypervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/danmuck/hvisor/internal/control"
	"github.com/danmuck/hvisor/internal/observability"
	"github.com/rs/zerolog/log"
)

// handleModuleConn decodes one check-in request per line and writes one
// acknowledgement per line.
func (s *Service) handleModuleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.moduleClientCount.Add(1)
	log.Info().Msgf("hypervisor.inbound client connected remote=%q active_clients=%d", remote, active)
	defer func() {
		remaining := s.moduleClientCount.Add(-1)
		log.Info().Msgf("hypervisor.inbound client disconnected remote=%q active_clients=%d", remote, remaining)
	}()

	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Control.ReadTimeout))
		req, err := control.ReadRequest(reader)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Warn().Msgf("hypervisor.inbound read remote=%q err=%v", remote, err)
			}
			return
		}
		resp := s.handleInboundRequest(req)
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Control.WriteTimeout))
		if err := control.WriteResponse(conn, resp); err != nil {
			log.Warn().Msgf("hypervisor.inbound write remote=%q err=%v", remote, err)
			return
		}
	}
}

// handleInboundRequest routes one inbound method to registry mutations. Both
// check-in methods always acknowledge true: the boolean reply exists to make
// the call synchronous for the module process, not to signal success. Unknown
// ids are surfaced through logs and metrics instead.
func (s *Service) handleInboundRequest(req control.Request) control.Response {
	switch req.Action {
	case control.ActionModuleReady:
		err := s.registry.MarkReady(req.ModuleID, req.CallbackAddr)
		s.recordCheckIn(control.ActionModuleReady, req.ModuleID, err)
		return control.Response{OK: true, Ack: true}
	case control.ActionModuleShutdown:
		err := s.registry.MarkShutdown(req.ModuleID)
		s.recordCheckIn(control.ActionModuleShutdown, req.ModuleID, err)
		return control.Response{OK: true, Ack: true}
	default:
		return control.Response{OK: false, Error: fmt.Sprintf("unknown action: %s", req.Action)}
	}
}

func (s *Service) recordCheckIn(action string, id control.ModuleID, err error) {
	switch {
	case errors.Is(err, ErrModuleNotFound):
		observability.RecordCheckIn(action, "unknown_module")
		log.Warn().Msgf("hypervisor.inbound %s unknown module_id=%d", action, id)
	case err != nil:
		observability.RecordCheckIn(action, "error")
		log.Warn().Msgf("hypervisor.inbound %s module_id=%d err=%v", action, id, err)
	default:
		observability.RecordCheckIn(action, "ok")
		log.Info().Msgf("hypervisor.inbound %s module_id=%d", action, id)
	}
	s.publishModuleCounts()
}
