package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/hvisor/internal/control"
	"github.com/danmuck/hvisor/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	ErrDispatchConnect = errors.New("hypervisor: dispatch connect failed")
	ErrDispatchCall    = errors.New("hypervisor: dispatch call failed")
)

// Dispatcher issues synchronous shutdown calls to module control endpoints.
// It reads callback addresses from the registry and never mutates registry
// state; "I told the module to stop" and "the module told me it is stopping"
// stay independent signals.
type Dispatcher struct {
	registry *Registry
	cfg      control.Config
}

func NewDispatcher(registry *Registry, cfg control.Config) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		cfg:      cfg.WithDefaults(),
	}
}

// SendShutdown resolves the module's callback address and invokes the remote
// shutdown method, blocking until the call completes, fails, or the dispatch
// timeout elapses. A module that is unknown or never checked in yields
// ErrModuleNotFound/ErrNoCallbackAddr without any connection attempt.
func (d *Dispatcher) SendShutdown(ctx context.Context, id control.ModuleID) error {
	// Callback address is copied out before any network I/O so dispatch
	// latency never stalls registry queries.
	addr, err := d.registry.CallbackAddr(id)
	if err != nil {
		observability.RecordDispatch("no_target", 0)
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.DispatchTimeout)
	defer cancel()

	start := time.Now()
	conn, err := control.Dial(callCtx, addr, d.cfg)
	if err != nil {
		observability.RecordDispatch("connect_failed", time.Since(start))
		log.Warn().Msgf("hypervisor.Dispatcher connect failed module_id=%d addr=%q err=%v", id, addr, err)
		return fmt.Errorf("%w: module_id=%d addr=%q: %v", ErrDispatchConnect, id, addr, err)
	}
	defer conn.Close()

	resp, err := control.RoundTrip(callCtx, conn, d.cfg, control.Request{Action: control.ActionShutdown})
	if err != nil {
		observability.RecordDispatch("call_failed", time.Since(start))
		log.Warn().Msgf("hypervisor.Dispatcher call failed module_id=%d addr=%q err=%v", id, addr, err)
		return fmt.Errorf("%w: module_id=%d addr=%q: %v", ErrDispatchCall, id, addr, err)
	}
	if !resp.Ack {
		observability.RecordDispatch("call_failed", time.Since(start))
		return fmt.Errorf("%w: module_id=%d addr=%q: shutdown not acknowledged", ErrDispatchCall, id, addr)
	}

	observability.RecordDispatch("acknowledged", time.Since(start))
	log.Info().Msgf("hypervisor.Dispatcher shutdown acknowledged module_id=%d addr=%q", id, addr)
	return nil
}
