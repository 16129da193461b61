package migration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/repository/memory"
)

func healthTestJob() *domain.MigrationJob {
	return &domain.MigrationJob{
		ID:         "job-1",
		SourceNode: "node-1",
		Config: domain.MigrationConfig{
			VMID:       "vm-1",
			TargetNode: "node-2",
			Type:       domain.MigrationTypeLive,
		},
		State: domain.MigrationStateTransferring,
	}
}

func onlineNode(id string) *domain.Node {
	return &domain.Node{
		ID:           id,
		Hostname:     id,
		Address:      "10.0.0.1",
		Status:       domain.NodeStatusOnline,
		Architecture: domain.ArchX86_64,
	}
}

func TestHealthMonitor_AbortsAfterThreshold(t *testing.T) {
	hv := newFakeHypervisor()
	hv.pingFn = func(node string) error {
		return errors.New("connection refused")
	}

	nodeRepo := memory.NewNodeRepository()
	nodeRepo.Create(context.Background(), onlineNode("node-2"))

	monitor := NewHealthMonitor(hv, nodeRepo, 10*time.Millisecond, 3, zap.NewNop())

	var mu sync.Mutex
	var reports []*domain.HealthReport
	var abortErr error

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		monitor.Watch(ctx, healthTestJob(),
			func(r *domain.HealthReport) {
				mu.Lock()
				reports = append(reports, r)
				mu.Unlock()
			},
			func(err error) {
				mu.Lock()
				abortErr = err
				mu.Unlock()
			})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after threshold")
	}

	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(abortErr, domain.ErrHealthCheckExhausted) {
		t.Fatalf("Expected ErrHealthCheckExhausted, got %v", abortErr)
	}
	if len(reports) != 3 {
		t.Errorf("Expected 3 reports before abort, got %d", len(reports))
	}
	last := reports[len(reports)-1]
	if last.Status != domain.HealthStatusUnhealthy {
		t.Errorf("Expected UNHEALTHY last report, got %s", last.Status)
	}
	if last.ConsecutiveFailures != 3 {
		t.Errorf("Expected 3 consecutive failures, got %d", last.ConsecutiveFailures)
	}
}

func TestHealthMonitor_HealthySampleResetsStreak(t *testing.T) {
	hv := newFakeHypervisor()
	var mu sync.Mutex
	count := 0
	// Fail twice, succeed once, then fail until the threshold trips. The
	// healthy sample in the middle must reset the streak.
	hv.pingFn = func(node string) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		if count == 3 {
			return nil
		}
		return errors.New("connection refused")
	}

	nodeRepo := memory.NewNodeRepository()
	nodeRepo.Create(context.Background(), onlineNode("node-2"))

	monitor := NewHealthMonitor(hv, nodeRepo, 10*time.Millisecond, 3, zap.NewNop())

	var reports []*domain.HealthReport
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		monitor.Watch(ctx, healthTestJob(),
			func(r *domain.HealthReport) {
				mu.Lock()
				reports = append(reports, r)
				mu.Unlock()
			},
			func(error) {})
	}()
	<-done

	mu.Lock()
	defer mu.Unlock()
	// 2 failures, 1 healthy reset, then 3 failures to trip.
	if len(reports) != 6 {
		t.Fatalf("Expected 6 reports, got %d", len(reports))
	}
	if reports[2].ConsecutiveFailures != 0 {
		t.Errorf("Healthy sample should reset streak, got %d", reports[2].ConsecutiveFailures)
	}
}

func TestHealthMonitor_DegradedWhenNodeOffline(t *testing.T) {
	hv := newFakeHypervisor()

	node := onlineNode("node-2")
	node.Status = domain.NodeStatusOffline
	nodeRepo := memory.NewNodeRepository()
	nodeRepo.Create(context.Background(), node)

	monitor := NewHealthMonitor(hv, nodeRepo, 10*time.Millisecond, 3, zap.NewNop())

	var mu sync.Mutex
	var reports []*domain.HealthReport
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		monitor.Watch(ctx, healthTestJob(),
			func(r *domain.HealthReport) {
				mu.Lock()
				reports = append(reports, r)
				if len(reports) >= 2 {
					cancel()
				}
				mu.Unlock()
			},
			func(err error) {
				t.Errorf("Degraded samples must not trigger abort, got %v", err)
			})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("Watch did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if reports[0].Status != domain.HealthStatusDegraded {
		t.Errorf("Expected DEGRADED report, got %s", reports[0].Status)
	}
}

func TestSummarize(t *testing.T) {
	reports := []*domain.HealthReport{
		{Status: domain.HealthStatusHealthy},
		{Status: domain.HealthStatusDegraded},
		{Status: domain.HealthStatusHealthy},
	}

	summary, ok := Summarize("job-1", reports)
	if !ok {
		t.Fatal("Expected ok for non-empty series")
	}
	if summary.Sampled != 3 || summary.Healthy != 2 || summary.Degraded != 1 {
		t.Errorf("Bad counts: %+v", summary)
	}
	if summary.LastStatus != domain.HealthStatusHealthy {
		t.Errorf("Expected last status HEALTHY, got %s", summary.LastStatus)
	}
	if !summary.OverallHealthy {
		t.Error("No unhealthy samples, expected OverallHealthy")
	}
}

func TestSummarize_UnhealthySample(t *testing.T) {
	reports := []*domain.HealthReport{
		{Status: domain.HealthStatusHealthy},
		{Status: domain.HealthStatusUnhealthy},
	}
	summary, _ := Summarize("job-1", reports)
	if summary.OverallHealthy {
		t.Error("Unhealthy sample present, expected OverallHealthy=false")
	}
}

func TestSummarize_Empty(t *testing.T) {
	_, ok := Summarize("job-1", nil)
	if ok {
		t.Error("Expected ok=false for empty series")
	}
}
