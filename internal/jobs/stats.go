package jobs

import (
	"context"
	"sync/atomic"

	"github.com/ternarybob/relay/internal/models"
	"github.com/ternarybob/relay/internal/resilience"
)

// PoolStats is a point-in-time view of worker pool occupancy.
type PoolStats struct {
	Size        int     `json:"size"`
	Busy        int     `json:"busy"`
	Idle        int     `json:"idle"`
	Utilization float64 `json:"utilization"`
}

// SLAStats summarizes SLA compliance over the retained result window.
type SLAStats struct {
	Met        int64                            `json:"met"`
	Missed     int64                            `json:"missed"`
	Rate       float64                          `json:"rate"`
	ByPriority map[models.JobPriority]*SLASlice `json:"by_priority"`
}

// SLASlice is per-priority SLA compliance from the retained window.
type SLASlice struct {
	Total       int   `json:"total"`
	Met         int   `json:"met"`
	AvgActualMs int64 `json:"avg_actual_ms"`
	WorstActual int64 `json:"worst_actual_ms"`
	SLATargetMs int64 `json:"sla_target_ms"`
}

// AdapterStats is the aggregate operational surface: job counts by
// status, queue depths, pool occupancy, SLA compliance, and the
// resilience layer's breaker and health snapshots.
type AdapterStats struct {
	JobsByStatus map[models.JobStatus]int                           `json:"jobs_by_status"`
	QueueDepths  map[string]int                                     `json:"queue_depths"`
	Pool         PoolStats                                          `json:"pool"`
	SLA          SLAStats                                           `json:"sla"`
	Completed    int64                                              `json:"completed"`
	Failed       int64                                              `json:"failed"`
	Cancelled    int64                                              `json:"cancelled"`
	DeadLettered int64                                              `json:"dead_lettered"`
	Breakers     map[models.ProviderType]resilience.BreakerSnapshot `json:"breakers,omitempty"`
	Health       map[models.ProviderType]models.HealthStatus        `json:"health,omitempty"`
}

// GetStats assembles the adapter's operational snapshot.
func (qa *QueueAdapter) GetStats(ctx context.Context) *AdapterStats {
	stats := &AdapterStats{
		JobsByStatus: make(map[models.JobStatus]int),
		QueueDepths:  make(map[string]int),
		Completed:    atomic.LoadInt64(&qa.completedCount),
		Failed:       atomic.LoadInt64(&qa.failedCount),
		Cancelled:    atomic.LoadInt64(&qa.cancelledCount),
		DeadLettered: atomic.LoadInt64(&qa.deadLetterCount),
	}

	qa.mu.RLock()
	for _, job := range qa.jobs {
		stats.JobsByStatus[job.Status]++
	}
	qa.mu.RUnlock()

	for _, tier := range models.PriorityTiers {
		name := qa.queueName(tier)
		if info, err := qa.queue.GetQueueInfo(ctx, name); err == nil {
			stats.QueueDepths[name] = info.MessageCount
		}
	}
	if info, err := qa.queue.GetQueueInfo(ctx, qa.deadLetterQueueName()); err == nil {
		stats.QueueDepths[qa.deadLetterQueueName()] = info.MessageCount
	}

	stats.Pool = PoolStats{
		Size:        qa.pool.Size(),
		Busy:        qa.pool.BusyCount(),
		Idle:        qa.pool.IdleCount(),
		Utilization: qa.pool.Utilization(),
	}

	stats.SLA = qa.slaStats()

	if qa.fallback != nil {
		stats.Breakers = qa.fallback.Breaker().States()
		stats.Health = qa.fallback.Monitor().GetAllHealthStatuses()
	}

	return stats
}

func (qa *QueueAdapter) slaStats() SLAStats {
	qa.slaMu.Lock()
	defer qa.slaMu.Unlock()

	stats := SLAStats{
		Met:        qa.slaMet,
		Missed:     qa.slaMissed,
		ByPriority: make(map[models.JobPriority]*SLASlice),
	}
	if total := qa.slaMet + qa.slaMissed; total > 0 {
		stats.Rate = float64(qa.slaMet) / float64(total)
	}

	totals := make(map[models.JobPriority]int64)
	for _, sla := range qa.slaResults {
		slice := stats.ByPriority[sla.Priority]
		if slice == nil {
			slice = &SLASlice{SLATargetMs: sla.TargetMs}
			stats.ByPriority[sla.Priority] = slice
		}
		slice.Total++
		if sla.Met {
			slice.Met++
		}
		totals[sla.Priority] += sla.ActualMs
		if sla.ActualMs > slice.WorstActual {
			slice.WorstActual = sla.ActualMs
		}
	}
	for priority, slice := range stats.ByPriority {
		if slice.Total > 0 {
			slice.AvgActualMs = totals[priority] / int64(slice.Total)
		}
	}

	return stats
}
