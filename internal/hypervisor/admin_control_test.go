package hypervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/danmuck/hvisor/internal/control"
	"github.com/danmuck/hvisor/internal/testutil/testlog"
)

// startAdminEndpoint serves the operator control endpoint on a loopback
// listener chosen by the kernel.
func startAdminEndpoint(t *testing.T, svc *Service) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.serveAdminControl(ctx, addr)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("admin endpoint did not stop")
		}
	})

	// Wait for the listener to come up.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("admin endpoint never came up on %s", addr)
	return ""
}

// adminCall performs one operator request over a fresh connection.
func adminCall(t *testing.T, addr string, req adminControlRequest) adminControlResponse {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial admin: %v", err)
	}
	defer conn.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write request: %v", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp adminControlResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestAdminStatusAndModules(t *testing.T) {
	testlog.Start(t)

	svc := NewServiceWithConfig(ServiceConfig{
		HypervisorID: "hvisor.test",
		Modules:      []control.ModuleID{control.ModuleStorage, control.ModuleSync},
	})
	if err := svc.Registry().MarkReady(control.ModuleStorage, "127.0.0.1:9210"); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	addr := startAdminEndpoint(t, svc)

	resp := adminCall(t, addr, adminControlRequest{Action: AdminActionStatus})
	if !resp.OK {
		t.Fatalf("status rejected: %+v", resp)
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatalf("remarshal status: %v", err)
	}
	var status Status
	if err := json.Unmarshal(raw, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.HypervisorID != "hvisor.test" || status.ModuleCount != 2 || status.RunningCount != 1 || status.UncheckedCount != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}

	resp = adminCall(t, addr, adminControlRequest{Action: AdminActionModules})
	if !resp.OK {
		t.Fatalf("modules rejected: %+v", resp)
	}
	raw, err = json.Marshal(resp.Data)
	if err != nil {
		t.Fatalf("remarshal modules: %v", err)
	}
	var records []ModuleRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		t.Fatalf("unmarshal modules: %v", err)
	}
	if len(records) != 2 || records[0].ID != control.ModuleStorage || records[1].ID != control.ModuleSync {
		t.Fatalf("unexpected records: %+v", records)
	}
	if !records[0].Started || records[1].Started {
		t.Fatalf("per-record started flags wrong: %+v", records)
	}
}

func TestAdminRegisterModule(t *testing.T) {
	testlog.Start(t)

	svc := NewService()
	addr := startAdminEndpoint(t, svc)

	resp := adminCall(t, addr, adminControlRequest{Action: AdminActionRegisterModule, ModuleID: 3000})
	if !resp.OK {
		t.Fatalf("register rejected: %+v", resp)
	}
	if got := len(svc.Registry().ModuleIDs()); got != 1 {
		t.Fatalf("expected 1 registered module, got %d", got)
	}

	resp = adminCall(t, addr, adminControlRequest{Action: AdminActionRegisterModule})
	if resp.OK {
		t.Fatalf("register without module id must be rejected")
	}
}

func TestAdminShutdownModule(t *testing.T) {
	testlog.Start(t)

	// Fake module control endpoint that acknowledges the shutdown call.
	moduleLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("module listen: %v", err)
	}
	defer moduleLn.Close()
	go func() {
		conn, err := moduleLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := control.ReadRequest(bufio.NewReader(conn)); err != nil {
			return
		}
		_ = control.WriteResponse(conn, control.Response{OK: true, Ack: true})
	}()

	svc := NewServiceWithConfig(ServiceConfig{
		Modules: []control.ModuleID{control.ModuleStorage},
	})
	if err := svc.Registry().MarkReady(control.ModuleStorage, moduleLn.Addr().String()); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	addr := startAdminEndpoint(t, svc)

	resp := adminCall(t, addr, adminControlRequest{Action: AdminActionShutdownModule, ModuleID: control.ModuleStorage})
	if !resp.OK {
		t.Fatalf("shutdown rejected: %+v", resp)
	}
	if svc.Registry().IsRunning(control.ModuleStorage) {
		t.Fatalf("module still running after commanded shutdown")
	}
}

func TestAdminShutdownUnknownModule(t *testing.T) {
	testlog.Start(t)

	svc := NewService()
	addr := startAdminEndpoint(t, svc)

	resp := adminCall(t, addr, adminControlRequest{Action: AdminActionShutdownModule, ModuleID: 9999})
	if resp.OK {
		t.Fatalf("shutdown of unknown module must be rejected")
	}
}

func TestAdminUnknownAction(t *testing.T) {
	testlog.Start(t)

	svc := NewService()
	addr := startAdminEndpoint(t, svc)

	resp := adminCall(t, addr, adminControlRequest{Action: "bogus"})
	if resp.OK {
		t.Fatalf("unknown action must be rejected")
	}
}
