package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
)

// maxWorkersHardCap bounds the pool regardless of configuration.
const maxWorkersHardCap = 50

// missedHeartbeatLimit is the number of heartbeat intervals a worker
// may go silent before the sweep marks it unhealthy.
const missedHeartbeatLimit = 3

// PoolConfig holds worker pool sizing and scaling settings.
type PoolConfig struct {
	MinWorkers          int
	DefaultWorkers      int
	MaxWorkers          int
	AutoScale           bool
	ScaleUpThreshold    int // queue depth at or above which the pool grows
	ScaleDownThreshold  int // queue depth at or below which the pool shrinks
	ScaleUpStep         int
	ScaleDownStep       int
	HealthSweepInterval time.Duration
	Worker              WorkerConfig
}

// DefaultPoolConfig returns conservative pool sizing.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinWorkers:          1,
		DefaultWorkers:      3,
		MaxWorkers:          10,
		AutoScale:           true,
		ScaleUpThreshold:    10,
		ScaleDownThreshold:  2,
		ScaleUpStep:         2,
		ScaleDownStep:       1,
		HealthSweepInterval: 15 * time.Second,
		Worker: WorkerConfig{
			Timeout:           2 * time.Minute,
			HeartbeatInterval: 5 * time.Second,
		},
	}
}

// Validate enforces min <= default <= max and the hard cap.
func (c PoolConfig) Validate() error {
	if c.MinWorkers < 1 {
		return fmt.Errorf("min_workers must be at least 1")
	}
	if c.MaxWorkers > maxWorkersHardCap {
		return fmt.Errorf("max_workers must not exceed %d", maxWorkersHardCap)
	}
	if c.MinWorkers > c.DefaultWorkers || c.DefaultWorkers > c.MaxWorkers {
		return fmt.Errorf("worker counts must satisfy min <= default <= max (got %d <= %d <= %d)",
			c.MinWorkers, c.DefaultWorkers, c.MaxWorkers)
	}
	return nil
}

// PoolScaleEvent is the payload of worker-pool scale events.
type PoolScaleEvent struct {
	QueueDepth int `json:"queue_depth"`
	Delta      int `json:"delta"`
	PoolSize   int `json:"pool_size"`
}

// WorkerUnhealthyEvent is the payload of worker-pool:worker-unhealthy.
type WorkerUnhealthyEvent struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

// PoolManager owns a set of workers, scales pool size from queue
// depth, and evicts and replaces unhealthy workers.
type PoolManager struct {
	config       PoolConfig
	onComplete   CompletionFunc
	eventService interfaces.EventService // may be nil for testing
	logger       arbor.ILogger

	mu      sync.Mutex
	workers map[string]*Worker
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoolManager creates the pool and spawns the default worker count.
func NewPoolManager(config PoolConfig, onComplete CompletionFunc, eventService interfaces.EventService, logger arbor.ILogger) (*PoolManager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	pm := &PoolManager{
		config:       config,
		onComplete:   onComplete,
		eventService: eventService,
		logger:       logger,
		workers:      make(map[string]*Worker),
		ctx:          ctx,
		cancel:       cancel,
	}

	pm.mu.Lock()
	for i := 0; i < config.DefaultWorkers; i++ {
		pm.addWorkerLocked()
	}
	pm.mu.Unlock()

	return pm, nil
}

// addWorkerLocked spawns one worker. Caller holds the lock.
func (pm *PoolManager) addWorkerLocked() *Worker {
	w := NewWorker(pm.config.Worker, pm.onComplete, pm.logger)
	pm.workers[w.ID()] = w
	return w
}

// Size returns the current pool size.
func (pm *PoolManager) Size() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.workers)
}

// IdleWorkers returns the workers currently able to accept a job.
func (pm *PoolManager) IdleWorkers() []*Worker {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	idle := make([]*Worker, 0, len(pm.workers))
	for _, w := range pm.workers {
		if w.Status() == WorkerIdle {
			idle = append(idle, w)
		}
	}
	return idle
}

// IdleCount returns the number of idle workers.
func (pm *PoolManager) IdleCount() int {
	return len(pm.IdleWorkers())
}

// BusyCount returns the number of busy workers.
func (pm *PoolManager) BusyCount() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	busy := 0
	for _, w := range pm.workers {
		if w.Status() == WorkerBusy {
			busy++
		}
	}
	return busy
}

// Dispatch assigns a job to an idle worker.
func (pm *PoolManager) Dispatch(job *models.Job, handler JobHandler) error {
	for _, w := range pm.IdleWorkers() {
		if err := w.Assign(job, handler); err == nil {
			return nil
		}
		// Lost the race for this worker; try the next one.
	}
	return fmt.Errorf("no idle worker available")
}

// ScaleUp grows the pool when queue depth crosses the threshold.
// A no-op when already at max or when auto-scaling is disabled.
func (pm *PoolManager) ScaleUp(queueDepth int) {
	if !pm.config.AutoScale || queueDepth < pm.config.ScaleUpThreshold {
		return
	}

	pm.mu.Lock()
	current := len(pm.workers)
	if current >= pm.config.MaxWorkers {
		pm.mu.Unlock()
		return
	}

	step := pm.config.ScaleUpStep
	if step <= 0 {
		step = 1
	}
	if current+step > pm.config.MaxWorkers {
		step = pm.config.MaxWorkers - current
	}

	for i := 0; i < step; i++ {
		pm.addWorkerLocked()
	}
	size := len(pm.workers)
	pm.mu.Unlock()

	pm.logger.Info().
		Int("queue_depth", queueDepth).
		Int("added", step).
		Int("pool_size", size).
		Msg("Worker pool scaled up")

	pm.publish(interfaces.EventWorkerPoolScaledUp, PoolScaleEvent{
		QueueDepth: queueDepth,
		Delta:      step,
		PoolSize:   size,
	})
}

// ScaleDown shrinks the pool when queue depth falls to the threshold,
// removing only idle workers and never going below the minimum.
func (pm *PoolManager) ScaleDown(queueDepth int) {
	if !pm.config.AutoScale || queueDepth > pm.config.ScaleDownThreshold {
		return
	}

	pm.mu.Lock()
	current := len(pm.workers)
	if current <= pm.config.MinWorkers {
		pm.mu.Unlock()
		return
	}

	step := pm.config.ScaleDownStep
	if step <= 0 {
		step = 1
	}
	if current-step < pm.config.MinWorkers {
		step = current - pm.config.MinWorkers
	}

	removed := 0
	var victims []*Worker
	for id, w := range pm.workers {
		if removed >= step {
			break
		}
		if w.Status() == WorkerIdle {
			delete(pm.workers, id)
			victims = append(victims, w)
			removed++
		}
	}
	size := len(pm.workers)
	pm.mu.Unlock()

	if removed == 0 {
		return
	}

	for _, w := range victims {
		w.Stop()
	}

	pm.logger.Info().
		Int("queue_depth", queueDepth).
		Int("removed", removed).
		Int("pool_size", size).
		Msg("Worker pool scaled down")

	pm.publish(interfaces.EventWorkerPoolScaledDown, PoolScaleEvent{
		QueueDepth: queueDepth,
		Delta:      -removed,
		PoolSize:   size,
	})
}

// Start launches the periodic health sweep.
func (pm *PoolManager) Start() {
	pm.mu.Lock()
	if pm.running {
		pm.mu.Unlock()
		return
	}
	pm.running = true
	pm.mu.Unlock()

	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()

		ticker := time.NewTicker(pm.config.HealthSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-pm.ctx.Done():
				return
			case <-ticker.C:
				pm.sweep()
			}
		}
	}()

	pm.logger.Info().
		Int("workers", pm.Size()).
		Dur("sweep_interval", pm.config.HealthSweepInterval).
		Msg("Worker pool started")
}

// sweep evicts unhealthy and silent workers and immediately creates
// equal-count replacements to hold pool size steady.
func (pm *PoolManager) sweep() {
	silentAfter := time.Duration(missedHeartbeatLimit) * pm.config.Worker.HeartbeatInterval

	pm.mu.Lock()
	var evicted []*Worker
	var reasons []string
	for id, w := range pm.workers {
		switch {
		case w.Status() == WorkerUnhealthy:
			delete(pm.workers, id)
			evicted = append(evicted, w)
			reasons = append(reasons, "resource ceiling breached")
		case time.Since(w.LastHeartbeat()) > silentAfter:
			delete(pm.workers, id)
			evicted = append(evicted, w)
			reasons = append(reasons, "missed heartbeats")
		}
	}
	for range evicted {
		pm.addWorkerLocked()
	}
	pm.mu.Unlock()

	for i, w := range evicted {
		pm.logger.Warn().
			Str("worker_id", w.ID()).
			Str("reason", reasons[i]).
			Msg("Evicted unhealthy worker")

		pm.publish(interfaces.EventWorkerPoolWorkerUnhealthy, WorkerUnhealthyEvent{
			WorkerID: w.ID(),
			Reason:   reasons[i],
		})

		w.Stop()
	}
}

// Stop halts the sweep and every worker.
func (pm *PoolManager) Stop() {
	pm.mu.Lock()
	if !pm.running {
		// Pool may never have been started; still stop workers.
		pm.mu.Unlock()
	} else {
		pm.running = false
		pm.mu.Unlock()
		pm.cancel()
		pm.wg.Wait()
	}

	pm.mu.Lock()
	workers := make([]*Worker, 0, len(pm.workers))
	for _, w := range pm.workers {
		workers = append(workers, w)
	}
	pm.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}

	pm.logger.Info().Msg("Worker pool stopped")
}

// Utilization returns busy workers as a fraction of pool size.
func (pm *PoolManager) Utilization() float64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if len(pm.workers) == 0 {
		return 0
	}

	busy := 0
	for _, w := range pm.workers {
		if w.Status() == WorkerBusy {
			busy++
		}
	}
	return float64(busy) / float64(len(pm.workers))
}

func (pm *PoolManager) publish(eventType interfaces.EventType, payload interface{}) {
	if pm.eventService == nil {
		return
	}
	_ = pm.eventService.Publish(context.Background(), interfaces.Event{
		Type:    eventType,
		Payload: payload,
	})
}
