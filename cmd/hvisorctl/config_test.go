package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/hvisor/internal/control"
)

func TestLoadServiceConfigDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "config.toml")
	content := `
id = "hvisor.alpha"
addr = "127.0.0.1:9100"
admin_listen_addr = "127.0.0.1:9110"
http_listen_addr = "127.0.0.1:9120"
modules = [2000, 2100]
dispatch_timeout_ms = 2500
control_tls_enabled = true
control_tls_mutual = true
control_tls_cert_file = "/etc/hvisor/server.crt"
control_tls_key_file = "/etc/hvisor/server.key"
control_tls_ca_file = "/etc/hvisor/ca.crt"
	`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HypervisorID != "hvisor.alpha" {
		t.Fatalf("unexpected hypervisor id: %q", cfg.HypervisorID)
	}
	if cfg.ListenAddr != "127.0.0.1:9100" {
		t.Fatalf("unexpected listen addr: %q", cfg.ListenAddr)
	}
	if cfg.AdminListenAddr != "127.0.0.1:9110" {
		t.Fatalf("unexpected admin listen addr: %q", cfg.AdminListenAddr)
	}
	if cfg.HTTPListenAddr != "127.0.0.1:9120" {
		t.Fatalf("unexpected http listen addr: %q", cfg.HTTPListenAddr)
	}
	if len(cfg.Modules) != 2 || cfg.Modules[0] != control.ModuleStorage || cfg.Modules[1] != control.ModuleSync {
		t.Fatalf("unexpected modules: %+v", cfg.Modules)
	}
	if cfg.Control.DispatchTimeout != 2500*time.Millisecond {
		t.Fatalf("unexpected dispatch timeout: %v", cfg.Control.DispatchTimeout)
	}
	if !cfg.Control.TLS.Enabled || !cfg.Control.TLS.Mutual {
		t.Fatalf("expected tls enabled and mutual: %+v", cfg.Control.TLS)
	}
	if cfg.Control.TLS.CertFile != "/etc/hvisor/server.crt" {
		t.Fatalf("unexpected tls cert file: %q", cfg.Control.TLS.CertFile)
	}
}

func TestLoadServiceConfigKeepsDefaultsWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(`
id = "hvisor.beta"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != ":9100" {
		t.Fatalf("unexpected default listen addr: %q", cfg.ListenAddr)
	}
	if len(cfg.Modules) != 0 {
		t.Fatalf("expected empty module preload, got %+v", cfg.Modules)
	}
	if cfg.Control.DispatchTimeout != 10*time.Second {
		t.Fatalf("unexpected default dispatch timeout: %v", cfg.Control.DispatchTimeout)
	}
}

func TestLoadServiceConfigRejectsZeroModuleID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(`
modules = [0, 2000]
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := loadServiceConfig(path); err == nil {
		t.Fatalf("expected module id validation error")
	}
}

func TestLoadServiceConfigTLSRequiresCertFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(`
control_tls_enabled = true
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := loadServiceConfig(path); err == nil {
		t.Fatalf("expected tls cert/key validation error")
	}
}
