package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/hvisor/internal/control"
	"github.com/danmuck/hvisor/internal/hypervisor"
)

// hvisorctl config.toml key mapping to hypervisor runtime settings.
type fileConfig struct {
	ID                string   `toml:"id"`
	Addr              string   `toml:"addr"`
	AdminListenAddr   string   `toml:"admin_listen_addr"`
	HTTPListenAddr    string   `toml:"http_listen_addr"`
	Modules           []uint64 `toml:"modules"`
	DispatchTimeoutMS int64    `toml:"dispatch_timeout_ms"`
	ReadTimeoutMS     int64    `toml:"read_timeout_ms"`
	WriteTimeoutMS    int64    `toml:"write_timeout_ms"`
	TLSEnabled        bool     `toml:"control_tls_enabled"`
	TLSMutual         bool     `toml:"control_tls_mutual"`
	TLSCertFile       string   `toml:"control_tls_cert_file"`
	TLSKeyFile        string   `toml:"control_tls_key_file"`
	TLSCAFile         string   `toml:"control_tls_ca_file"`
}

// hvisorctl loader for TOML config with default overlay.
func loadServiceConfig(path string) (hypervisor.ServiceConfig, error) {
	cfg := hypervisor.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return hypervisor.ServiceConfig{}, fmt.Errorf("load hypervisor config: %w", err)
	}

	if meta.IsDefined("id") {
		cfg.HypervisorID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("http_listen_addr") {
		cfg.HTTPListenAddr = strings.TrimSpace(raw.HTTPListenAddr)
	}
	if meta.IsDefined("modules") {
		for _, id := range raw.Modules {
			if id == 0 {
				return hypervisor.ServiceConfig{}, fmt.Errorf("load hypervisor config: module id must be positive")
			}
			cfg.Modules = append(cfg.Modules, control.ModuleID(id))
		}
	}
	if meta.IsDefined("dispatch_timeout_ms") {
		cfg.Control.DispatchTimeout = time.Duration(raw.DispatchTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("read_timeout_ms") {
		cfg.Control.ReadTimeout = time.Duration(raw.ReadTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("write_timeout_ms") {
		cfg.Control.WriteTimeout = time.Duration(raw.WriteTimeoutMS) * time.Millisecond
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

	if cfg.Control.TLS.Enabled {
		if cfg.Control.TLS.CertFile == "" || cfg.Control.TLS.KeyFile == "" {
			return hypervisor.ServiceConfig{}, fmt.Errorf(
				"load hypervisor config: control_tls_cert_file and control_tls_key_file are required when control_tls_enabled=true",
			)
		}
	}

	cfg.Control = cfg.Control.WithDefaults()
	return cfg, nil
}
