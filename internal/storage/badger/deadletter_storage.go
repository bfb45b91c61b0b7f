package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// DeadLetterRecord is the archived form of a job whose retries were
// exhausted. The record keeps enough context to diagnose or resubmit
// the job later.
type DeadLetterRecord struct {
	JobID      string `badgerhold:"key"`
	Type       string `badgerhold:"index"`
	Priority   string
	Provider   string `badgerhold:"index"`
	Error      string
	Attempts   int
	Payload    json.RawMessage
	EnqueuedAt time.Time
	FailedAt   time.Time
}

// DeadLetterStorage persists dead-lettered jobs for inspection
type DeadLetterStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewDeadLetterStorage creates a new DeadLetterStorage instance
func NewDeadLetterStorage(db *BadgerDB, logger arbor.ILogger) *DeadLetterStorage {
	return &DeadLetterStorage{
		db:     db,
		logger: logger,
	}
}

// Archive stores the terminal form of a failed job. Upsert keeps the
// operation idempotent when the same job is dead-lettered twice.
func (s *DeadLetterStorage) Archive(ctx context.Context, job *models.Job) error {
	record := &DeadLetterRecord{
		JobID:      job.ID,
		Type:       string(job.Type),
		Priority:   string(job.Priority),
		Error:      job.Error,
		Attempts:   job.RetryCount + 1,
		EnqueuedAt: job.CreatedAt,
		FailedAt:   time.Now(),
	}
	if job.FailedAt != nil {
		record.FailedAt = *job.FailedAt
	}
	if job.Payload != nil {
		record.Provider = job.Payload.Provider
		if data, err := json.Marshal(job.Payload); err == nil {
			record.Payload = data
		}
	}

	if err := s.db.Store().Upsert(record.JobID, record); err != nil {
		return fmt.Errorf("failed to archive dead-lettered job: %w", err)
	}

	s.logger.Debug().
		Str("job_id", record.JobID).
		Str("type", record.Type).
		Int("attempts", record.Attempts).
		Msg("Job archived to dead-letter store")
	return nil
}

// Get returns a single archived record by job ID
func (s *DeadLetterStorage) Get(ctx context.Context, jobID string) (*DeadLetterRecord, error) {
	var record DeadLetterRecord
	if err := s.db.Store().Get(jobID, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get dead-letter record: %w", err)
	}
	return &record, nil
}

// List returns archived records, newest first
func (s *DeadLetterStorage) List(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	var records []DeadLetterRecord
	query := badgerhold.Where("JobID").Ne("").SortBy("FailedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list dead-letter records: %w", err)
	}
	return records, nil
}

// ListByProvider returns archived records for a single backend
func (s *DeadLetterStorage) ListByProvider(ctx context.Context, provider string, limit int) ([]DeadLetterRecord, error) {
	var records []DeadLetterRecord
	query := badgerhold.Where("Provider").Eq(provider).SortBy("FailedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list dead-letter records by provider: %w", err)
	}
	return records, nil
}

// Count returns the number of archived records
func (s *DeadLetterStorage) Count(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&DeadLetterRecord{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead-letter records: %w", err)
	}
	return int(count), nil
}

// Delete removes a single archived record
func (s *DeadLetterStorage) Delete(ctx context.Context, jobID string) error {
	if err := s.db.Store().Delete(jobID, &DeadLetterRecord{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete dead-letter record: %w", err)
	}
	return nil
}

// Purge removes archived records older than the cutoff and returns the
// number removed.
func (s *DeadLetterStorage) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	var records []DeadLetterRecord
	query := badgerhold.Where("FailedAt").Lt(olderThan)
	if err := s.db.Store().Find(&records, query); err != nil {
		return 0, fmt.Errorf("failed to find stale dead-letter records: %w", err)
	}
	for _, record := range records {
		if err := s.db.Store().Delete(record.JobID, &DeadLetterRecord{}); err != nil && err != badgerhold.ErrNotFound {
			return 0, fmt.Errorf("failed to purge dead-letter record %s: %w", record.JobID, err)
		}
	}
	if len(records) > 0 {
		s.logger.Info().Int("count", len(records)).Msg("Purged stale dead-letter records")
	}
	return len(records), nil
}
