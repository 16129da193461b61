package migration

import (
	"context"
	"fmt"
	"sync"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/hypervisor"
)

// fakeHypervisor is a scriptable Hypervisor. Nil hooks succeed; every call
// is recorded for order and argument assertions.
type fakeHypervisor struct {
	mu    sync.Mutex
	calls []string

	pingFn       func(node string) error
	isRunningFn  func(node, vmName string) (bool, error)
	dumpConfigFn func(node, vmName string) (string, error)
	defineFn     func(node, domainXML string) error
	undefineFn   func(node, vmName string) error
	startFn      func(node, vmName string) error
	shutdownFn   func(node, vmName string) error
	destroyFn    func(node, vmName string) error
	migrateFn    func(ctx context.Context, source, target, vmName string, bandwidthMBps uint64) error
	listDisksFn  func(node, vmName string) ([]string, error)
	transferFn   func(ctx context.Context, source, target, vmName string, diskPaths []string) error
	cleanupFn    func(node, vmName string, diskPaths []string) error
	progressFn   func(node, vmName string) (hypervisor.TransferProgress, error)
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{}
}

func (f *fakeHypervisor) record(format string, args ...interface{}) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

func (f *fakeHypervisor) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeHypervisor) called(name string) bool {
	for _, c := range f.callLog() {
		if len(c) >= len(name) && c[:len(name)] == name {
			return true
		}
	}
	return false
}

func (f *fakeHypervisor) Ping(_ context.Context, node string) error {
	f.record("Ping(%s)", node)
	if f.pingFn != nil {
		return f.pingFn(node)
	}
	return nil
}

func (f *fakeHypervisor) IsRunning(_ context.Context, node, vmName string) (bool, error) {
	f.record("IsRunning(%s,%s)", node, vmName)
	if f.isRunningFn != nil {
		return f.isRunningFn(node, vmName)
	}
	return true, nil
}

func (f *fakeHypervisor) DumpConfig(_ context.Context, node, vmName string) (string, error) {
	f.record("DumpConfig(%s,%s)", node, vmName)
	if f.dumpConfigFn != nil {
		return f.dumpConfigFn(node, vmName)
	}
	return "<domain><name>" + vmName + "</name></domain>", nil
}

func (f *fakeHypervisor) DefineVM(_ context.Context, node, domainXML string) error {
	f.record("DefineVM(%s)", node)
	if f.defineFn != nil {
		return f.defineFn(node, domainXML)
	}
	return nil
}

func (f *fakeHypervisor) UndefineVM(_ context.Context, node, vmName string) error {
	f.record("UndefineVM(%s,%s)", node, vmName)
	if f.undefineFn != nil {
		return f.undefineFn(node, vmName)
	}
	return nil
}

func (f *fakeHypervisor) StartVM(_ context.Context, node, vmName string) error {
	f.record("StartVM(%s,%s)", node, vmName)
	if f.startFn != nil {
		return f.startFn(node, vmName)
	}
	return nil
}

func (f *fakeHypervisor) ShutdownVM(_ context.Context, node, vmName string) error {
	f.record("ShutdownVM(%s,%s)", node, vmName)
	if f.shutdownFn != nil {
		return f.shutdownFn(node, vmName)
	}
	return nil
}

func (f *fakeHypervisor) DestroyVM(_ context.Context, node, vmName string) error {
	f.record("DestroyVM(%s,%s)", node, vmName)
	if f.destroyFn != nil {
		return f.destroyFn(node, vmName)
	}
	return nil
}

func (f *fakeHypervisor) SuspendVM(_ context.Context, node, vmName string) error {
	f.record("SuspendVM(%s,%s)", node, vmName)
	return nil
}

func (f *fakeHypervisor) ResumeVM(_ context.Context, node, vmName string) error {
	f.record("ResumeVM(%s,%s)", node, vmName)
	return nil
}

func (f *fakeHypervisor) MigrateLive(ctx context.Context, source, target, vmName string, bandwidthMBps uint64) error {
	f.record("MigrateLive(%s,%s,%s,%d)", source, target, vmName, bandwidthMBps)
	if f.migrateFn != nil {
		return f.migrateFn(ctx, source, target, vmName, bandwidthMBps)
	}
	return nil
}

func (f *fakeHypervisor) ListDisks(_ context.Context, node, vmName string) ([]string, error) {
	f.record("ListDisks(%s,%s)", node, vmName)
	if f.listDisksFn != nil {
		return f.listDisksFn(node, vmName)
	}
	return nil, nil
}

func (f *fakeHypervisor) TransferDisks(ctx context.Context, source, target, vmName string, diskPaths []string) error {
	f.record("TransferDisks(%s,%s,%s)", source, target, vmName)
	if f.transferFn != nil {
		return f.transferFn(ctx, source, target, vmName, diskPaths)
	}
	return nil
}

func (f *fakeHypervisor) CleanupDisks(_ context.Context, node, vmName string, diskPaths []string) error {
	f.record("CleanupDisks(%s,%s)", node, vmName)
	if f.cleanupFn != nil {
		return f.cleanupFn(node, vmName, diskPaths)
	}
	return nil
}

func (f *fakeHypervisor) TransferJobProgress(_ context.Context, node, vmName string) (hypervisor.TransferProgress, error) {
	f.record("TransferJobProgress(%s,%s)", node, vmName)
	if f.progressFn != nil {
		return f.progressFn(node, vmName)
	}
	return hypervisor.TransferProgress{}, nil
}
