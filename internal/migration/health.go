package migration

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
)

// HealthMonitor samples the destination of an in-flight migration at a fixed
// interval. After threshold consecutive unhealthy samples it signals the job
// to abort. A single healthy sample resets the streak.
type HealthMonitor struct {
	hv        Hypervisor
	nodeRepo  NodeRepository
	interval  time.Duration
	threshold int
	logger    *zap.Logger
}

// NewHealthMonitor creates a monitor. interval and threshold below their
// minimums are clamped.
func NewHealthMonitor(hv Hypervisor, nodeRepo NodeRepository, interval time.Duration, threshold int, logger *zap.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if threshold < 1 {
		threshold = 3
	}
	return &HealthMonitor{
		hv:        hv,
		nodeRepo:  nodeRepo,
		interval:  interval,
		threshold: threshold,
		logger:    logger.With(zap.String("component", "health-monitor")),
	}
}

// Watch samples the target until ctx is cancelled. Every sample is handed to
// record; when the unhealthy streak reaches the threshold, abort is called
// once and Watch returns.
func (m *HealthMonitor) Watch(ctx context.Context, job *domain.MigrationJob, record func(*domain.HealthReport), abort func(error)) {
	logger := m.logger.With(
		zap.String("job_id", job.ID),
		zap.String("target_node", job.Config.TargetNode),
	)
	logger.Debug("health monitoring started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			logger.Debug("health monitoring stopped")
			return
		case <-ticker.C:
		}

		report := m.sample(ctx, job)
		if report.Status == domain.HealthStatusUnhealthy {
			failures++
		} else {
			failures = 0
		}
		report.ConsecutiveFailures = failures
		record(report)

		if report.Status != domain.HealthStatusHealthy {
			logger.Warn("target health degraded",
				zap.String("status", string(report.Status)),
				zap.String("message", report.Message),
				zap.Int("consecutive_failures", failures))
		}

		if failures >= m.threshold {
			logger.Error("target health check threshold exceeded",
				zap.Int("threshold", m.threshold))
			abort(domain.ErrHealthCheckExhausted)
			return
		}
	}
}

func (m *HealthMonitor) sample(ctx context.Context, job *domain.MigrationJob) *domain.HealthReport {
	report := &domain.HealthReport{
		JobID:      job.ID,
		VMID:       job.Config.VMID,
		TargetNode: job.Config.TargetNode,
		Status:     domain.HealthStatusHealthy,
		SampledAt:  time.Now(),
	}

	if err := m.hv.Ping(ctx, job.Config.TargetNode); err != nil {
		report.Status = domain.HealthStatusUnhealthy
		report.Message = "target unreachable: " + err.Error()
		return report
	}

	// The membership registry may have demoted the node even though SSH
	// still answers.
	if node, err := m.nodeRepo.Get(ctx, job.Config.TargetNode); err == nil && !node.IsOnline() {
		report.Status = domain.HealthStatusDegraded
		report.Message = "target node is " + string(node.Status)
	}

	return report
}

// Summarize folds a report series into a HealthSummary. An empty series
// yields a zero-value summary and ok=false.
func Summarize(jobID string, reports []*domain.HealthReport) (domain.HealthSummary, bool) {
	summary := domain.HealthSummary{JobID: jobID}
	if len(reports) == 0 {
		return summary, false
	}
	for _, r := range reports {
		summary.Sampled++
		switch r.Status {
		case domain.HealthStatusHealthy:
			summary.Healthy++
		case domain.HealthStatusDegraded:
			summary.Degraded++
		case domain.HealthStatusUnhealthy:
			summary.Unhealthy++
		}
	}
	summary.LastStatus = reports[len(reports)-1].Status
	summary.OverallHealthy = summary.Unhealthy == 0
	return summary, true
}
