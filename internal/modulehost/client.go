package modulehost

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/danmuck/hvisor/internal/control"
	"github.com/rs/zerolog/log"
)

var (
	ErrHypervisorAddrRequired = errors.New("modulehost: hypervisor address required")
	ErrModuleIDRequired       = errors.New("modulehost: module_id required")
	ErrCheckInRejected        = errors.New("modulehost: check-in rejected")
)

// HypervisorClientConfig configures the module-to-hypervisor call path.
type HypervisorClientConfig struct {
	Address            string
	ModuleID           control.ModuleID
	Control            control.Config
	MaxConnectAttempts int
}

// HypervisorClient performs the inbound-contract calls a module makes against
// its hypervisor.
type HypervisorClient struct {
	cfg HypervisorClientConfig
	rng *rand.Rand
}

func NewHypervisorClient(cfg HypervisorClientConfig) (*HypervisorClient, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrHypervisorAddrRequired
	}
	if cfg.ModuleID == 0 {
		return nil, ErrModuleIDRequired
	}
	cfg.Control = cfg.Control.WithDefaults()
	return &HypervisorClient{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// NotifyReady announces the module as started and reachable at callbackAddr,
// retrying with backoff until the hypervisor acknowledges. The call blocks on
// the synchronous boolean acknowledgement.
func (c *HypervisorClient) NotifyReady(ctx context.Context, callbackAddr string) error {
	req := control.Request{
		Action:       control.ActionModuleReady,
		ModuleID:     c.cfg.ModuleID,
		CallbackAddr: strings.TrimSpace(callbackAddr),
	}

	var attempt int
	for {
		attempt++
		resp, err := control.Call(ctx, c.cfg.Address, c.cfg.Control, req)
		if err == nil {
			if !resp.Ack {
				return fmt.Errorf("%w: module_id=%d", ErrCheckInRejected, c.cfg.ModuleID)
			}
			return nil
		}
		log.Warn().Msgf(
			"modulehost.HypervisorClient check-in attempt=%d addr=%q err=%v",
			attempt,
			c.cfg.Address,
			err,
		)
		if !c.shouldRetry(attempt) {
			return err
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return err
		}
	}
}

// NotifyShutdown self-reports an orderly shutdown. Single attempt: a module
// that is going away should not linger retrying its own obituary.
func (c *HypervisorClient) NotifyShutdown(ctx context.Context) error {
	resp, err := control.Call(ctx, c.cfg.Address, c.cfg.Control, control.Request{
		Action:   control.ActionModuleShutdown,
		ModuleID: c.cfg.ModuleID,
	})
	if err != nil {
		return err
	}
	if !resp.Ack {
		return fmt.Errorf("%w: module_id=%d", ErrCheckInRejected, c.cfg.ModuleID)
	}
	return nil
}

func (c *HypervisorClient) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *HypervisorClient) sleepBackoff(ctx context.Context, attempt int) error {
	delay := c.cfg.Control.Backoff.Delay(attempt, c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
