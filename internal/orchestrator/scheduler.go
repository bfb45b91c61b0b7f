package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/relay/internal/common"
	"github.com/ternarybob/relay/internal/models"
)

// scheduleEntry pairs a schedule record with its live cron entry.
type scheduleEntry struct {
	schedule *models.JobSchedule
	entryID  cron.EntryID
}

// CreateSchedule registers a recurring trigger that submits one job
// per fire. The schedule starts enabled.
func (o *Orchestrator) CreateSchedule(name, expression string, payload *models.JobPayload, opts models.JobOptions) (*models.JobSchedule, error) {
	if payload == nil {
		return nil, fmt.Errorf("schedule payload is required")
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schedule payload: %w", err)
	}
	if err := common.ValidateSchedule(expression); err != nil {
		return nil, err
	}

	schedule := &models.JobSchedule{
		ID:         uuid.New().String(),
		Name:       name,
		Expression: expression,
		Payload:    payload,
		Options:    opts,
		Enabled:    true,
		CreatedAt:  time.Now(),
	}

	entryID, err := o.cron.AddFunc(expression, func() {
		o.fireSchedule(schedule.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register schedule: %w", err)
	}

	o.mu.Lock()
	o.schedules[schedule.ID] = &scheduleEntry{schedule: schedule, entryID: entryID}
	o.mu.Unlock()

	o.updateNextRun(schedule.ID)

	o.logger.Info().
		Str("schedule_id", schedule.ID).
		Str("name", name).
		Str("expression", expression).
		Msg("Schedule created")

	return schedule, nil
}

// fireSchedule submits exactly one job for an enabled schedule and
// records the run outcome on the schedule record.
func (o *Orchestrator) fireSchedule(scheduleID string) {
	o.mu.RLock()
	entry, ok := o.schedules[scheduleID]
	o.mu.RUnlock()
	if !ok || !entry.schedule.Enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	jobID, err := o.submitter.SubmitJob(ctx, entry.schedule.Payload, entry.schedule.Options)

	now := time.Now()
	o.mu.Lock()
	entry.schedule.LastRunAt = &now
	entry.schedule.RunCount++
	if err != nil {
		entry.schedule.LastError = err.Error()
	} else {
		entry.schedule.LastJobID = jobID
		entry.schedule.LastError = ""
	}
	o.mu.Unlock()

	o.updateNextRun(scheduleID)

	if err != nil {
		o.logger.Warn().Err(err).Str("schedule_id", scheduleID).Msg("Scheduled submission failed")
		return
	}

	o.logger.Debug().
		Str("schedule_id", scheduleID).
		Str("job_id", jobID).
		Msg("Schedule fired")
}

// EnableSchedule re-registers a disabled schedule's trigger.
func (o *Orchestrator) EnableSchedule(scheduleID string) error {
	o.mu.Lock()
	entry, ok := o.schedules[scheduleID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("schedule not found: %s", scheduleID)
	}
	if entry.schedule.Enabled {
		o.mu.Unlock()
		return nil
	}

	entryID, err := o.cron.AddFunc(entry.schedule.Expression, func() {
		o.fireSchedule(scheduleID)
	})
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("failed to re-register schedule: %w", err)
	}
	entry.entryID = entryID
	entry.schedule.Enabled = true
	o.mu.Unlock()

	o.updateNextRun(scheduleID)
	o.logger.Info().Str("schedule_id", scheduleID).Msg("Schedule enabled")
	return nil
}

// DisableSchedule stops future fires. In-flight jobs are unaffected.
func (o *Orchestrator) DisableSchedule(scheduleID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.schedules[scheduleID]
	if !ok {
		return fmt.Errorf("schedule not found: %s", scheduleID)
	}
	if !entry.schedule.Enabled {
		return nil
	}

	o.cron.Remove(entry.entryID)
	entry.schedule.Enabled = false
	entry.schedule.NextRunAt = nil

	o.logger.Info().Str("schedule_id", scheduleID).Msg("Schedule disabled")
	return nil
}

// DeleteSchedule removes a schedule entirely.
func (o *Orchestrator) DeleteSchedule(scheduleID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.schedules[scheduleID]
	if !ok {
		return fmt.Errorf("schedule not found: %s", scheduleID)
	}
	if entry.schedule.Enabled {
		o.cron.Remove(entry.entryID)
	}
	delete(o.schedules, scheduleID)

	o.logger.Info().Str("schedule_id", scheduleID).Msg("Schedule deleted")
	return nil
}

// GetSchedule returns a schedule by ID, or nil when unknown.
func (o *Orchestrator) GetSchedule(scheduleID string) *models.JobSchedule {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if entry, ok := o.schedules[scheduleID]; ok {
		return entry.schedule
	}
	return nil
}

// ListSchedules returns all registered schedules.
func (o *Orchestrator) ListSchedules() []*models.JobSchedule {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]*models.JobSchedule, 0, len(o.schedules))
	for _, entry := range o.schedules {
		out = append(out, entry.schedule)
	}
	return out
}

// updateNextRun copies the cron entry's next fire time onto the record.
func (o *Orchestrator) updateNextRun(scheduleID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.schedules[scheduleID]
	if !ok || !entry.schedule.Enabled {
		return
	}

	cronEntry := o.cron.Entry(entry.entryID)
	if !cronEntry.Next.IsZero() {
		next := cronEntry.Next
		entry.schedule.NextRunAt = &next
	}
}
