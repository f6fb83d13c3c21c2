package hypervisor

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/danmuck/hvisor/internal/control"
	"github.com/danmuck/hvisor/internal/testutil/testlog"
)

func TestRegistryRegisterIsIdempotent(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	r.Register(control.ModuleStorage)
	r.Register(control.ModuleStorage)
	r.Register(control.ModuleSync)

	ids := r.ModuleIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 distinct ids, got %v", ids)
	}
	if r.UncheckedCount() != 2 {
		t.Fatalf("expected 2 unchecked modules, got %d", r.UncheckedCount())
	}
	if r.RunningCount() != 0 {
		t.Fatalf("expected 0 running modules, got %d", r.RunningCount())
	}
}

func TestRegistryRegisterNeverResetsCheckedInModule(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	r.Register(control.ModuleStorage)
	if err := r.MarkReady(control.ModuleStorage, "127.0.0.1:9200"); err != nil {
		t.Fatalf("mark ready: %v", err)
	}

	r.Register(control.ModuleStorage)
	if !r.IsRunning(control.ModuleStorage) {
		t.Fatalf("re-register must not reset a running module")
	}
	addr, err := r.CallbackAddr(control.ModuleStorage)
	if err != nil || addr != "127.0.0.1:9200" {
		t.Fatalf("callback addr lost on re-register: %q %v", addr, err)
	}
}

func TestRegistryMarkReadyTransitions(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	r.Register(control.ModuleStorage)

	if err := r.MarkReady(control.ModuleStorage, "127.0.0.1:9200"); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	if r.UncheckedCount() != 0 {
		t.Fatalf("expected 0 unchecked after check-in, got %d", r.UncheckedCount())
	}
	if r.RunningCount() != 1 {
		t.Fatalf("expected 1 running after check-in, got %d", r.RunningCount())
	}

	// Repeated check-in overwrites the callback address.
	if err := r.MarkReady(control.ModuleStorage, "127.0.0.1:9300"); err != nil {
		t.Fatalf("repeat mark ready: %v", err)
	}
	if r.RunningCount() != 1 {
		t.Fatalf("repeat check-in changed running count: %d", r.RunningCount())
	}
	addr, err := r.CallbackAddr(control.ModuleStorage)
	if err != nil || addr != "127.0.0.1:9300" {
		t.Fatalf("expected overwritten callback addr, got %q %v", addr, err)
	}
}

func TestRegistryMarkShutdownTransitions(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	r.Register(control.ModuleStorage)
	if err := r.MarkReady(control.ModuleStorage, "127.0.0.1:9200"); err != nil {
		t.Fatalf("mark ready: %v", err)
	}

	if err := r.MarkShutdown(control.ModuleStorage); err != nil {
		t.Fatalf("mark shutdown: %v", err)
	}
	if r.IsRunning(control.ModuleStorage) {
		t.Fatalf("module still running after shutdown report")
	}
	if r.RunningCount() != 0 {
		t.Fatalf("expected 0 running after shutdown, got %d", r.RunningCount())
	}
	if r.UncheckedCount() != 0 {
		t.Fatalf("shutdown module is not unchecked, got %d", r.UncheckedCount())
	}

	// Idempotent.
	if err := r.MarkShutdown(control.ModuleStorage); err != nil {
		t.Fatalf("repeat mark shutdown: %v", err)
	}
	if r.RunningCount() != 0 {
		t.Fatalf("repeat shutdown changed running count: %d", r.RunningCount())
	}
}

func TestRegistryUnknownModule(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	if r.IsRunning(9999) {
		t.Fatalf("unknown id reported running")
	}
	if err := r.MarkReady(9999, "127.0.0.1:9200"); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("expected ErrModuleNotFound, got %v", err)
	}
	if err := r.MarkShutdown(9999); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("expected ErrModuleNotFound, got %v", err)
	}
	if _, err := r.CallbackAddr(9999); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("expected ErrModuleNotFound, got %v", err)
	}
}

func TestRegistryCallbackAddrRequiresCheckIn(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	r.Register(control.ModuleStorage)
	if _, err := r.CallbackAddr(control.ModuleStorage); !errors.Is(err, ErrNoCallbackAddr) {
		t.Fatalf("expected ErrNoCallbackAddr, got %v", err)
	}
}

func TestRegistryStorageAndSyncLifecycle(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	r.Register(control.ModuleStorage)
	r.Register(control.ModuleSync)
	if r.UncheckedCount() != 2 || r.RunningCount() != 0 {
		t.Fatalf("after registration: unchecked=%d running=%d", r.UncheckedCount(), r.RunningCount())
	}

	if err := r.MarkReady(control.ModuleStorage, "127.0.0.1:9210"); err != nil {
		t.Fatalf("storage check-in: %v", err)
	}
	if r.UncheckedCount() != 1 || r.RunningCount() != 1 {
		t.Fatalf("after storage check-in: unchecked=%d running=%d", r.UncheckedCount(), r.RunningCount())
	}

	if err := r.MarkReady(control.ModuleSync, "127.0.0.1:9220"); err != nil {
		t.Fatalf("sync check-in: %v", err)
	}
	if r.UncheckedCount() != 0 || r.RunningCount() != 2 {
		t.Fatalf("after sync check-in: unchecked=%d running=%d", r.UncheckedCount(), r.RunningCount())
	}

	if err := r.MarkShutdown(control.ModuleSync); err != nil {
		t.Fatalf("sync shutdown: %v", err)
	}
	if r.RunningCount() != 1 {
		t.Fatalf("after sync shutdown: running=%d", r.RunningCount())
	}
	if !r.IsRunning(control.ModuleStorage) || r.IsRunning(control.ModuleSync) {
		t.Fatalf("per-module state wrong: storage=%v sync=%v",
			r.IsRunning(control.ModuleStorage), r.IsRunning(control.ModuleSync))
	}
}

func TestRegistrySnapshotOrderedByID(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	r.Register(control.ModuleSync)
	r.Register(control.ModuleStorage)
	r.Register(100)

	records := r.Snapshot()
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i-1].ID >= records[i].ID {
			t.Fatalf("snapshot not ordered: %v", records)
		}
	}
}

func TestRegistryConcurrentCheckIns(t *testing.T) {
	testlog.Start(t)

	const workers = 32
	r := NewRegistry()
	for i := 1; i <= workers; i++ {
		r.Register(control.ModuleID(i))
	}

	var wg sync.WaitGroup
	for i := 1; i <= workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			addr := fmt.Sprintf("127.0.0.1:%d", 9000+id)
			if err := r.MarkReady(control.ModuleID(id), addr); err != nil {
				t.Errorf("mark ready %d: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	if r.RunningCount() != workers {
		t.Fatalf("lost check-ins: running=%d want=%d", r.RunningCount(), workers)
	}
	for i := 1; i <= workers; i++ {
		addr, err := r.CallbackAddr(control.ModuleID(i))
		if err != nil {
			t.Fatalf("callback addr %d: %v", i, err)
		}
		if want := fmt.Sprintf("127.0.0.1:%d", 9000+i); addr != want {
			t.Fatalf("callback addr %d: got %q want %q", i, addr, want)
		}
	}
}
