package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/relay/internal/common"
	"github.com/ternarybob/relay/internal/models"
)

func newTestStorage(t *testing.T) *DeadLetterStorage {
	t.Helper()

	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewDeadLetterStorage(db, arbor.NewLogger())
}

func deadJob(provider string, failedAt time.Time) *models.Job {
	job := models.NewJob(&models.JobPayload{
		Type:     models.PayloadChatCompletion,
		Provider: provider,
		Model:    "claude-sonnet-4-20250514",
		Messages: []models.Message{{Role: "user", Content: "hello"}},
	}, models.JobOptions{})
	job.Status = models.JobStatusFailed
	job.Error = "backend unavailable"
	job.RetryCount = 3
	job.FailedAt = &failedAt
	return job
}

func TestArchiveAndGet(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	job := deadJob("claude", time.Now())
	require.NoError(t, s.Archive(ctx, job))

	record, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, job.ID, record.JobID)
	assert.Equal(t, "claude", record.Provider)
	assert.Equal(t, "backend unavailable", record.Error)
	assert.Equal(t, 4, record.Attempts)
	assert.NotEmpty(t, record.Payload)
}

func TestArchiveIsIdempotent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	job := deadJob("claude", time.Now())
	require.NoError(t, s.Archive(ctx, job))
	require.NoError(t, s.Archive(ctx, job))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetUnknownReturnsNil(t *testing.T) {
	s := newTestStorage(t)

	record, err := s.Get(context.Background(), "no-such-job")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestListNewestFirst(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	now := time.Now()
	old := deadJob("claude", now.Add(-time.Hour))
	recent := deadJob("gemini", now)
	require.NoError(t, s.Archive(ctx, old))
	require.NoError(t, s.Archive(ctx, recent))

	records, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, recent.ID, records[0].JobID)
	assert.Equal(t, old.ID, records[1].JobID)

	limited, err := s.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestListByProvider(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Archive(ctx, deadJob("claude", time.Now())))
	require.NoError(t, s.Archive(ctx, deadJob("gemini", time.Now())))
	require.NoError(t, s.Archive(ctx, deadJob("claude", time.Now())))

	records, err := s.ListByProvider(ctx, "claude", 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	for _, record := range records {
		assert.Equal(t, "claude", record.Provider)
	}
}

func TestDeleteTolerates(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	job := deadJob("claude", time.Now())
	require.NoError(t, s.Archive(ctx, job))
	require.NoError(t, s.Delete(ctx, job.ID))

	record, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, record)

	// Deleting a missing record is not an error.
	require.NoError(t, s.Delete(ctx, job.ID))
}

func TestPurgeRemovesOnlyStale(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	now := time.Now()
	stale := deadJob("claude", now.Add(-48*time.Hour))
	fresh := deadJob("gemini", now)
	require.NoError(t, s.Archive(ctx, stale))
	require.NoError(t, s.Archive(ctx, fresh))

	purged, err := s.Purge(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	record, err := s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
}
