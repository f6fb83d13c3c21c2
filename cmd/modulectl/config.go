package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/hvisor/internal/control"
	"github.com/danmuck/hvisor/internal/modulehost"
)

// modulectl config.toml key mapping to module host runtime settings.
type fileConfig struct {
	ModuleID            uint64 `toml:"module_id"`
	HypervisorAddr      string `toml:"hypervisor_addr"`
	CallbackListenAddr  string `toml:"callback_listen_addr"`
	HeartbeatIntervalMS int64  `toml:"heartbeat_interval_ms"`
	MaxConnectAttempts  int    `toml:"max_connect_attempts"`
	TLSEnabled          bool   `toml:"control_tls_enabled"`
	TLSMutual           bool   `toml:"control_tls_mutual"`
	TLSCertFile         string `toml:"control_tls_cert_file"`
	TLSKeyFile          string `toml:"control_tls_key_file"`
	TLSCAFile           string `toml:"control_tls_ca_file"`
}

// modulectl loader for TOML config with default overlay.
func loadServiceConfig(path string) (modulehost.ServiceConfig, error) {
	cfg := modulehost.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return modulehost.ServiceConfig{}, fmt.Errorf("load module config: %w", err)
	}

	if raw.ModuleID == 0 {
		return modulehost.ServiceConfig{}, fmt.Errorf("load module config: module_id is required and must be positive")
	}
	cfg.ModuleID = control.ModuleID(raw.ModuleID)

	if strings.TrimSpace(raw.HypervisorAddr) == "" {
		return modulehost.ServiceConfig{}, fmt.Errorf("load module config: hypervisor_addr is required")
	}
	cfg.HypervisorAddr = strings.TrimSpace(raw.HypervisorAddr)

	if meta.IsDefined("callback_listen_addr") {
		cfg.CallbackListenAddr = strings.TrimSpace(raw.CallbackListenAddr)
	}
	if meta.IsDefined("heartbeat_interval_ms") {
		cfg.HeartbeatInterval = time.Duration(raw.HeartbeatIntervalMS) * time.Millisecond
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("control_tls_enabled") {
		cfg.Control.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("control_tls_mutual") {
		cfg.Control.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("control_tls_cert_file") {
		cfg.Control.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("control_tls_key_file") {
		cfg.Control.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("control_tls_ca_file") {
		cfg.Control.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}

	if cfg.Control.TLS.Enabled && cfg.Control.TLS.Mutual {
		if cfg.Control.TLS.CertFile == "" || cfg.Control.TLS.KeyFile == "" {
			return modulehost.ServiceConfig{}, fmt.Errorf(
				"load module config: control_tls_cert_file and control_tls_key_file are required when control_tls_mutual=true",
			)
		}
	}

	cfg.Control = cfg.Control.WithDefaults()
	return cfg, nil
}
